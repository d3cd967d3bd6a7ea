// Package astutil provides traversal helpers over gqlparser query
// documents.
package astutil

import (
	"github.com/vektah/gqlparser/v2/ast"
)

// OperationDefinitions returns the operation definitions of the
// document in document order.
func OperationDefinitions(doc *ast.QueryDocument) []*ast.OperationDefinition {
	ops := make([]*ast.OperationDefinition, 0, len(doc.Operations))
	ops = append(ops, doc.Operations...)
	return ops
}

// ChildFields yields the field nodes of a selection set. Inline
// fragments are flattened in place and fragment spreads are resolved
// through the document's fragment table, so callers only ever see
// fields.
func ChildFields(doc *ast.QueryDocument, selectionSet ast.SelectionSet) []*ast.Field {
	fields := make([]*ast.Field, 0, len(selectionSet))
	for _, selection := range selectionSet {
		switch sel := selection.(type) {
		case *ast.Field:
			fields = append(fields, sel)
		case *ast.InlineFragment:
			fields = append(fields, ChildFields(doc, sel.SelectionSet)...)
		case *ast.FragmentSpread:
			if def := doc.Fragments.ForName(sel.Name); def != nil {
				fields = append(fields, ChildFields(doc, def.SelectionSet)...)
			}
		}
	}
	return fields
}

// IterateChildFields calls cb for every field node of the selection
// set, in document order, flattening fragments as ChildFields does.
func IterateChildFields(doc *ast.QueryDocument, selectionSet ast.SelectionSet, cb func(*ast.Field)) {
	for _, field := range ChildFields(doc, selectionSet) {
		cb(field)
	}
}

// IsLeaf reports whether the field selects no children.
func IsLeaf(field *ast.Field) bool {
	return len(field.SelectionSet) == 0
}

// HasField reports whether the selection set selects the named field
// (directly or through a fragment).
func HasField(doc *ast.QueryDocument, selectionSet ast.SelectionSet, name string) bool {
	for _, field := range ChildFields(doc, selectionSet) {
		if field.Name == name {
			return true
		}
	}
	return false
}
