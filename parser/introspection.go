package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

// introspectionResult mirrors the relevant subset of a standard
// introspection query response.
type introspectionResult struct {
	Schema *introspectionSchema `json:"__schema"`
	Data   struct {
		Schema *introspectionSchema `json:"__schema"`
	} `json:"data"`
}

type introspectionSchema struct {
	QueryType        *introspectionTypeRef `json:"queryType"`
	MutationType     *introspectionTypeRef `json:"mutationType"`
	SubscriptionType *introspectionTypeRef `json:"subscriptionType"`
	Types            []introspectionType   `json:"types"`
}

type introspectionType struct {
	Kind          string                `json:"kind"`
	Name          string                `json:"name"`
	Fields        []introspectionField  `json:"fields"`
	InputFields   []introspectionInput  `json:"inputFields"`
	Interfaces    []introspectionTypeRef `json:"interfaces"`
	EnumValues    []introspectionEnum   `json:"enumValues"`
	PossibleTypes []introspectionTypeRef `json:"possibleTypes"`
}

type introspectionField struct {
	Name string                `json:"name"`
	Args []introspectionInput  `json:"args"`
	Type *introspectionTypeRef `json:"type"`
}

type introspectionInput struct {
	Name string                `json:"name"`
	Type *introspectionTypeRef `json:"type"`
}

type introspectionEnum struct {
	Name string `json:"name"`
}

type introspectionTypeRef struct {
	Kind   string                `json:"kind"`
	Name   string                `json:"name"`
	OfType *introspectionTypeRef `json:"ofType"`
}

// SchemaFromIntrospection converts an introspection query response
// into a schema. It accepts either the bare {"__schema": ...} object
// or a full {"data": {"__schema": ...}} response envelope.
func SchemaFromIntrospection(raw []byte) (*ast.Schema, error) {
	var result introspectionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ValidationError{Err: fmt.Errorf("introspection json: %w", err)}
	}
	schema := result.Schema
	if schema == nil {
		schema = result.Data.Schema
	}
	if schema == nil {
		return nil, &ValidationError{Err: fmt.Errorf("introspection json has no __schema")}
	}
	return LoadSchema(introspectionSDL(schema))
}

// introspectionSDL renders the introspected schema as SDL, which the
// regular schema loader then parses. Built-in scalars and
// introspection meta types are skipped.
func introspectionSDL(schema *introspectionSchema) string {
	var sdl strings.Builder

	if schema.QueryType != nil || schema.MutationType != nil || schema.SubscriptionType != nil {
		sdl.WriteString("schema {\n")
		if schema.QueryType != nil {
			fmt.Fprintf(&sdl, "  query: %s\n", schema.QueryType.Name)
		}
		if schema.MutationType != nil {
			fmt.Fprintf(&sdl, "  mutation: %s\n", schema.MutationType.Name)
		}
		if schema.SubscriptionType != nil {
			fmt.Fprintf(&sdl, "  subscription: %s\n", schema.SubscriptionType.Name)
		}
		sdl.WriteString("}\n")
	}

	builtinScalars := map[string]bool{"Int": true, "Float": true, "String": true, "Boolean": true, "ID": true}

	for _, typ := range schema.Types {
		if strings.HasPrefix(typ.Name, "__") {
			continue
		}
		switch typ.Kind {
		case "SCALAR":
			if !builtinScalars[typ.Name] {
				fmt.Fprintf(&sdl, "scalar %s\n", typ.Name)
			}
		case "ENUM":
			fmt.Fprintf(&sdl, "enum %s {\n", typ.Name)
			for _, val := range typ.EnumValues {
				fmt.Fprintf(&sdl, "  %s\n", val.Name)
			}
			sdl.WriteString("}\n")
		case "UNION":
			members := make([]string, 0, len(typ.PossibleTypes))
			for _, member := range typ.PossibleTypes {
				members = append(members, member.Name)
			}
			fmt.Fprintf(&sdl, "union %s = %s\n", typ.Name, strings.Join(members, " | "))
		case "INPUT_OBJECT":
			fmt.Fprintf(&sdl, "input %s {\n", typ.Name)
			for _, input := range typ.InputFields {
				fmt.Fprintf(&sdl, "  %s: %s\n", input.Name, typeRefSDL(input.Type))
			}
			sdl.WriteString("}\n")
		case "OBJECT", "INTERFACE":
			keyword := "type"
			if typ.Kind == "INTERFACE" {
				keyword = "interface"
			}
			fmt.Fprintf(&sdl, "%s %s", keyword, typ.Name)
			if len(typ.Interfaces) > 0 && typ.Kind == "OBJECT" {
				names := make([]string, 0, len(typ.Interfaces))
				for _, iface := range typ.Interfaces {
					names = append(names, iface.Name)
				}
				fmt.Fprintf(&sdl, " implements %s", strings.Join(names, " & "))
			}
			sdl.WriteString(" {\n")
			for _, field := range typ.Fields {
				fmt.Fprintf(&sdl, "  %s%s: %s\n", field.Name, argsSDL(field.Args), typeRefSDL(field.Type))
			}
			sdl.WriteString("}\n")
		}
	}
	return sdl.String()
}

func argsSDL(args []introspectionInput) string {
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, fmt.Sprintf("%s: %s", arg.Name, typeRefSDL(arg.Type)))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func typeRefSDL(ref *introspectionTypeRef) string {
	if ref == nil {
		return "String"
	}
	switch ref.Kind {
	case "NON_NULL":
		return typeRefSDL(ref.OfType) + "!"
	case "LIST":
		return "[" + typeRefSDL(ref.OfType) + "]"
	default:
		return ref.Name
	}
}
