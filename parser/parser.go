// Package parser normalizes raw GraphQL requests into the canonical
// form the cache manager operates on: variables inlined as literals,
// fragments flattened into fields, resource-key fields inserted, and
// every field's resolved type recorded.
package parser

import (
	"bytes"
	"errors"
	"fmt"

	gqlparser "github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	gqlparserparser "github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"

	querykey "github.com/gqlcache/gqlcache/pkg/query-key"
)

// DefaultResourceKey is the field name used to identify data entities
// unless configured otherwise.
const DefaultResourceKey = "id"

// ErrTooManyOperations is returned for documents with more than one
// top-level operation.
var ErrTooManyOperations = errors.New("request documents must contain exactly one operation")

// ParseError wraps a GraphQL syntax error.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "parse error: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError wraps a schema or request validation failure.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "validation error: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// TypeInfo records the resolved GraphQL type of a single field
// position in a request document.
type TypeInfo struct {
	// TypeName is the named type of the field, unwrapped from any
	// list and non-null wrappers.
	TypeName string
	// IsEntity reports whether the field selects into a type that
	// carries the configured resource key, i.e. whether its values
	// normalize into the data-entity tier.
	IsEntity bool
	// IsList reports whether the field's type is a list.
	IsList bool
	// HasArguments reports whether the field carries arguments.
	HasArguments bool
}

// FieldTypeMap maps hash keys (alias- and argument-independent field
// paths) to the resolved type of the field at that position.
type FieldTypeMap map[string]TypeInfo

// RequestContext accompanies a single request through the pipeline.
type RequestContext struct {
	RequestID     string
	Operation     ast.Operation
	OperationName string
	FieldTypeMap  FieldTypeMap
}

// Options are the caller-supplied request options relevant to parsing.
type Options struct {
	Fragments     []string
	Variables     map[string]any
	OperationName string
}

// Result is the outcome of parsing: the canonical query string, the
// normalized document, and the per-request field type map.
type Result struct {
	Query        string
	Doc          *ast.QueryDocument
	Operation    *ast.OperationDefinition
	FieldTypeMap FieldTypeMap
}

// Parser validates and normalizes raw request strings against a fixed
// schema.
type Parser struct {
	schema      *ast.Schema
	resourceKey string
}

// New returns a Parser for the given schema. An empty resourceKey
// defaults to "id".
func New(schema *ast.Schema, resourceKey string) *Parser {
	if resourceKey == "" {
		resourceKey = DefaultResourceKey
	}
	return &Parser{schema: schema, resourceKey: resourceKey}
}

// ResourceKey returns the configured resource key field name.
func (p *Parser) ResourceKey() string { return p.resourceKey }

// Schema returns the schema requests are validated against.
func (p *Parser) Schema() *ast.Schema { return p.schema }

// LoadSchema parses an SDL schema string.
func LoadSchema(sdl string) (*ast.Schema, error) {
	schema, err := gqlparser.LoadSchema(&ast.Source{Name: "schema", Input: sdl})
	if err != nil {
		return nil, &ValidationError{Err: err}
	}
	return schema, nil
}

// Parse runs the normalization pipeline on a raw query string and
// fills in the request context. The steps are ordered: caller
// fragments are prepended, the document is parsed once, variables are
// inlined as literal arguments, fragment spreads are flattened, the
// resource key is inserted into entity selection sets, field types
// are recorded, and finally the canonical string is printed and the
// document validated against the schema.
func (p *Parser) Parse(query string, opts Options, rc *RequestContext) (*Result, error) {
	source := query
	for _, fragment := range opts.Fragments {
		source = fragment + "\n" + source
	}

	doc, err := gqlparserparser.ParseQuery(&ast.Source{Name: "request", Input: source})
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	if len(doc.Operations) == 0 {
		return nil, &ParseError{Err: errors.New("no operation in document")}
	}
	if len(doc.Operations) > 1 {
		return nil, ErrTooManyOperations
	}
	op := doc.Operations[0]
	if opts.OperationName != "" && op.Name != opts.OperationName {
		return nil, &ValidationError{Err: fmt.Errorf("operation %q not found in document", opts.OperationName)}
	}

	if err := p.inlineVariables(doc, op, opts.Variables); err != nil {
		return nil, err
	}
	if err := p.inlineFragments(doc, op); err != nil {
		return nil, err
	}

	rootDef := p.rootDefinition(op.Operation)
	if rootDef == nil {
		return nil, &ValidationError{Err: fmt.Errorf("schema does not define a %s type", op.Operation)}
	}

	fieldTypeMap := make(FieldTypeMap)
	if err := p.typeSelectionSet(op.SelectionSet, rootDef, "", fieldTypeMap); err != nil {
		return nil, err
	}

	canonical := printDocument(doc)

	if errs := validator.Validate(p.schema, doc); len(errs) > 0 {
		return nil, &ValidationError{Err: errs}
	}

	if rc != nil {
		rc.Operation = op.Operation
		rc.OperationName = op.Name
		rc.FieldTypeMap = fieldTypeMap
	}

	return &Result{
		Query:        canonical,
		Doc:          doc,
		Operation:    op,
		FieldTypeMap: fieldTypeMap,
	}, nil
}

func (p *Parser) rootDefinition(operation ast.Operation) *ast.Definition {
	switch operation {
	case ast.Mutation:
		return p.schema.Mutation
	case ast.Subscription:
		return p.schema.Subscription
	default:
		return p.schema.Query
	}
}

// inlineVariables replaces every variable reference in the operation
// and in all fragment definitions with the literal value supplied for
// it, then drops the variable definitions. The cache must see the same
// document whether the caller used $x or a literal.
func (p *Parser) inlineVariables(doc *ast.QueryDocument, op *ast.OperationDefinition, variables map[string]any) error {
	if err := inlineSelectionSetVariables(op.SelectionSet, variables); err != nil {
		return err
	}
	for _, fragment := range doc.Fragments {
		if err := inlineSelectionSetVariables(fragment.SelectionSet, variables); err != nil {
			return err
		}
	}
	op.VariableDefinitions = nil
	return nil
}

func inlineSelectionSetVariables(selectionSet ast.SelectionSet, variables map[string]any) error {
	for _, selection := range selectionSet {
		switch sel := selection.(type) {
		case *ast.Field:
			for _, arg := range sel.Arguments {
				if err := inlineValue(arg.Value, variables); err != nil {
					return err
				}
			}
			for _, directive := range sel.Directives {
				for _, arg := range directive.Arguments {
					if err := inlineValue(arg.Value, variables); err != nil {
						return err
					}
				}
			}
			if err := inlineSelectionSetVariables(sel.SelectionSet, variables); err != nil {
				return err
			}
		case *ast.InlineFragment:
			if err := inlineSelectionSetVariables(sel.SelectionSet, variables); err != nil {
				return err
			}
		}
	}
	return nil
}

// inlineFragments splices fragment spreads and inline fragments into
// their parent selection sets, so the document becomes a tree of
// fields only, then empties the fragment table.
func (p *Parser) inlineFragments(doc *ast.QueryDocument, op *ast.OperationDefinition) error {
	flattened, err := flattenSelectionSet(doc, op.SelectionSet, make(map[string]bool))
	if err != nil {
		return err
	}
	op.SelectionSet = flattened
	doc.Fragments = nil
	return nil
}

func flattenSelectionSet(doc *ast.QueryDocument, selectionSet ast.SelectionSet, inProgress map[string]bool) (ast.SelectionSet, error) {
	out := make(ast.SelectionSet, 0, len(selectionSet))
	for _, selection := range selectionSet {
		switch sel := selection.(type) {
		case *ast.Field:
			flattened, err := flattenSelectionSet(doc, sel.SelectionSet, inProgress)
			if err != nil {
				return nil, err
			}
			sel.SelectionSet = flattened
			out = append(out, sel)
		case *ast.InlineFragment:
			flattened, err := flattenSelectionSet(doc, sel.SelectionSet, inProgress)
			if err != nil {
				return nil, err
			}
			out = append(out, flattened...)
		case *ast.FragmentSpread:
			if inProgress[sel.Name] {
				return nil, &ValidationError{Err: fmt.Errorf("fragment cycle through %q", sel.Name)}
			}
			def := doc.Fragments.ForName(sel.Name)
			if def == nil {
				return nil, &ValidationError{Err: fmt.Errorf("unknown fragment %q", sel.Name)}
			}
			inProgress[sel.Name] = true
			flattened, err := flattenSelectionSet(doc, def.SelectionSet, inProgress)
			delete(inProgress, sel.Name)
			if err != nil {
				return nil, err
			}
			out = append(out, flattened...)
		}
	}
	return out, nil
}

// typeSelectionSet records field types keyed by hash key and inserts
// the resource key into entity selection sets that lack it. The
// resolver depends on the key to normalize entities.
func (p *Parser) typeSelectionSet(selectionSet ast.SelectionSet, parentDef *ast.Definition, parentHashPath string, fieldTypeMap FieldTypeMap) error {
	for _, selection := range selectionSet {
		field, ok := selection.(*ast.Field)
		if !ok {
			// fragments are flattened before typing
			continue
		}
		hashKey := querykey.Join(parentHashPath, field.Name)
		if field.Name == "__typename" {
			fieldTypeMap[hashKey] = TypeInfo{TypeName: "String"}
			continue
		}
		def := parentDef.Fields.ForName(field.Name)
		if def == nil {
			return &ValidationError{Err: fmt.Errorf("field %q not defined on type %q", field.Name, parentDef.Name)}
		}
		typeName := def.Type.Name()
		childDef := p.schema.Types[typeName]
		isEntity := childDef != nil && len(field.SelectionSet) > 0 && childDef.Fields.ForName(p.resourceKey) != nil
		fieldTypeMap[hashKey] = TypeInfo{
			TypeName:     typeName,
			IsEntity:     isEntity,
			IsList:       def.Type.NamedType == "",
			HasArguments: len(field.Arguments) > 0,
		}
		if len(field.SelectionSet) == 0 {
			continue
		}
		if childDef == nil {
			return &ValidationError{Err: fmt.Errorf("type %q not defined in schema", typeName)}
		}
		if isEntity && !selectsField(field.SelectionSet, p.resourceKey) {
			field.SelectionSet = append(field.SelectionSet, &ast.Field{Name: p.resourceKey})
		}
		if err := p.typeSelectionSet(field.SelectionSet, childDef, hashKey, fieldTypeMap); err != nil {
			return err
		}
	}
	return nil
}

func selectsField(selectionSet ast.SelectionSet, name string) bool {
	for _, selection := range selectionSet {
		if field, ok := selection.(*ast.Field); ok && field.Name == name {
			return true
		}
	}
	return false
}

// printDocument renders the canonical string form of the document.
func printDocument(doc *ast.QueryDocument) string {
	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(doc)
	return buf.String()
}
