package core

import (
	"encoding/json"

	"github.com/gqlcache/gqlcache/cacheability"
)

// Record kinds stored in the query-paths tier.
const (
	pathKindScalar = "scalar"
	pathKindEntity = "entity"
	pathKindObject = "object"
	pathKindList   = "list"
)

// pathRecord is a query-paths tier value: what was observed at one
// specific cache path at write time.
type pathRecord struct {
	Kind string `json:"kind"`
	// Scalar holds the raw JSON value for scalar paths, including
	// whole lists of scalars and explicit nulls.
	Scalar json.RawMessage `json:"scalar,omitempty"`
	// EntityKey is the data-entity key found at an entity path.
	EntityKey string `json:"entityKey,omitempty"`
	// ListLen is the number of elements observed at a list path. The
	// elements live under their own indexed paths.
	ListLen int `json:"listLen,omitempty"`
}

// fieldValue is a single data-entity field: a scalar by value, a ref
// (the key of another entity), or a list of either.
type fieldValue struct {
	Scalar json.RawMessage `json:"scalar,omitempty"`
	Ref    string          `json:"ref,omitempty"`
	List   []fieldValue    `json:"list,omitempty"`
	IsList bool            `json:"isList,omitempty"`
}

// entityRecord is a data-entities tier value, keyed by
// "typeName:id".
type entityRecord struct {
	TypeName string                `json:"typeName"`
	ID       string                `json:"id"`
	Fields   map[string]fieldValue `json:"fields"`
}

// entityKey builds the store key of an entity.
func entityKey(typeName, id string) string {
	return typeName + ":" + id
}

// responseRecord is a responses tier value: the fully shaped response
// object together with its dehydrated cache metadata.
type responseRecord struct {
	Data          json.RawMessage                     `json:"data"`
	CacheMetadata map[string]cacheability.Dehydrated `json:"cacheMetadata"`
}
