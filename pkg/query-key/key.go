// Package querykey derives the key coordinates used to address a field
// of a GraphQL document in the cache tiers.
package querykey

import (
	"sort"
	"strconv"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

// Keys holds the six coordinates of a single field node.
//
// DataKey follows the response shape (alias if present, else name).
// QueryKey follows the query shape: the field name plus its serialized
// arguments, so that user(id:1) and user(id:2) never collide.
// CacheKey is the full cache path of the field, i.e. the parent cache
// path joined with the QueryKey.
// HashKey is independent of alias and arguments and identifies the
// field position for type lookups.
// PropKey is the element index inside list contexts and -1 everywhere
// else; Element derives the per-element coordinates.
type Keys struct {
	Name     string
	DataKey  string
	QueryKey string
	CacheKey string
	HashKey  string
	PropKey  int
}

// Get computes the key coordinates for a field under the given parent
// paths.
func Get(field *ast.Field, parentCachePath, parentHashPath string) Keys {
	name := field.Name
	dataKey := name
	if field.Alias != "" {
		dataKey = field.Alias
	}
	queryKey := name + SerializeArguments(field.Arguments)
	return Keys{
		Name:     name,
		DataKey:  dataKey,
		QueryKey: queryKey,
		CacheKey: Join(parentCachePath, queryKey),
		HashKey:  Join(parentHashPath, name),
		PropKey:  -1,
	}
}

// Element returns the coordinates of the i'th element of a list
// field: PropKey carries the index and the cache path gains an index
// segment. The remaining coordinates are those of the list field.
func (k Keys) Element(i int) Keys {
	element := k
	element.PropKey = i
	element.CacheKey = Join(k.CacheKey, strconv.Itoa(i))
	return element
}

// Join appends a path segment to a parent path.
func Join(parent, segment string) string {
	if parent == "" {
		return segment
	}
	return parent + "." + segment
}

// SerializeArguments renders an argument list deterministically:
// sorted by argument name, values in literal form. An empty list
// serializes to the empty string.
func SerializeArguments(args ast.ArgumentList) string {
	if len(args) == 0 {
		return ""
	}
	sorted := make([]*ast.Argument, len(args))
	copy(sorted, args)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	parts := make([]string, len(sorted))
	for i, arg := range sorted {
		parts[i] = arg.Name + ":" + arg.Value.String()
	}
	return "(" + strings.Join(parts, ",") + ")"
}
