package parser

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/vektah/gqlparser/v2/ast"
)

// inlineValue replaces a variable value node with the literal form of
// the value supplied for it, recursing into list and object values.
func inlineValue(value *ast.Value, variables map[string]any) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case ast.Variable:
		supplied, ok := variables[value.Raw]
		if !ok {
			return &ValidationError{Err: fmt.Errorf("variable $%s not provided", value.Raw)}
		}
		literal, err := literalValue(supplied)
		if err != nil {
			return &ValidationError{Err: fmt.Errorf("variable $%s: %w", value.Raw, err)}
		}
		*value = *literal
	case ast.ListValue, ast.ObjectValue:
		for _, child := range value.Children {
			if err := inlineValue(child.Value, variables); err != nil {
				return err
			}
		}
	}
	return nil
}

// literalValue builds an AST value node from a Go value, as decoded
// from JSON request variables.
func literalValue(v any) (*ast.Value, error) {
	switch val := v.(type) {
	case nil:
		return &ast.Value{Raw: "null", Kind: ast.NullValue}, nil
	case bool:
		return &ast.Value{Raw: strconv.FormatBool(val), Kind: ast.BooleanValue}, nil
	case string:
		return &ast.Value{Raw: val, Kind: ast.StringValue}, nil
	case int:
		return &ast.Value{Raw: strconv.Itoa(val), Kind: ast.IntValue}, nil
	case int64:
		return &ast.Value{Raw: strconv.FormatInt(val, 10), Kind: ast.IntValue}, nil
	case float64:
		if val == math.Trunc(val) && !math.IsInf(val, 0) {
			return &ast.Value{Raw: strconv.FormatInt(int64(val), 10), Kind: ast.IntValue}, nil
		}
		return &ast.Value{Raw: strconv.FormatFloat(val, 'g', -1, 64), Kind: ast.FloatValue}, nil
	case json.Number:
		return &ast.Value{Raw: val.String(), Kind: numberKind(val)}, nil
	case []any:
		children := make(ast.ChildValueList, 0, len(val))
		for _, element := range val {
			literal, err := literalValue(element)
			if err != nil {
				return nil, err
			}
			children = append(children, &ast.ChildValue{Value: literal})
		}
		return &ast.Value{Kind: ast.ListValue, Children: children}, nil
	case map[string]any:
		names := make([]string, 0, len(val))
		for name := range val {
			names = append(names, name)
		}
		sort.Strings(names)
		children := make(ast.ChildValueList, 0, len(names))
		for _, name := range names {
			literal, err := literalValue(val[name])
			if err != nil {
				return nil, err
			}
			children = append(children, &ast.ChildValue{Name: name, Value: literal})
		}
		return &ast.Value{Kind: ast.ObjectValue, Children: children}, nil
	default:
		return nil, fmt.Errorf("unsupported variable value of type %T", v)
	}
}

func numberKind(n json.Number) ast.ValueKind {
	if _, err := n.Int64(); err == nil {
		return ast.IntValue
	}
	return ast.FloatValue
}
