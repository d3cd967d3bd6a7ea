package cacheability

import (
	"strings"
	"time"
)

// QueryPath is the reserved CacheMetadata path carrying the cache
// directive for the whole response.
const QueryPath = "query"

// CacheMetadata maps cache paths to their Cacheability. The reserved
// path "query" holds the directive for the whole response; every other
// path is a "."-joined traversal from the root response type down to a
// field. An absent path inherits the merge of all its present
// ancestors, "query" included (see Effective).
type CacheMetadata map[string]Cacheability

// NewCacheMetadata returns an empty CacheMetadata.
func NewCacheMetadata() CacheMetadata {
	return make(CacheMetadata)
}

// Set records the Cacheability for the given path. If the path is
// already present the two are merged, keeping the more restrictive
// result.
func (m CacheMetadata) Set(path string, c Cacheability) {
	if existing, ok := m[path]; ok {
		m[path] = Merge(existing, c)
		return
	}
	m[path] = c
}

// Get returns the Cacheability recorded at exactly the given path.
func (m CacheMetadata) Get(path string) (Cacheability, bool) {
	c, ok := m[path]
	return c, ok
}

// Effective returns the effective Cacheability at the given path: the
// merge of the path's own entry and all present ancestors, so that the
// effective TTL is the minimum along the chain. The "query" entry is
// an ancestor of every path.
func (m CacheMetadata) Effective(path string) (Cacheability, bool) {
	var effective Cacheability
	found := false
	accumulate := func(p string) {
		if c, ok := m[p]; ok {
			if !found {
				effective = c
				found = true
			} else {
				effective = Merge(effective, c)
			}
		}
	}
	accumulate(QueryPath)
	if path != QueryPath {
		segments := strings.Split(path, ".")
		for i := range segments {
			accumulate(strings.Join(segments[:i+1], "."))
		}
	}
	return effective, found
}

// IsValid reports whether the effective Cacheability at the path is
// valid at the given time. Paths with no metadata at all are invalid.
func (m CacheMetadata) IsValid(path string, now time.Time) bool {
	effective, ok := m.Effective(path)
	return ok && effective.IsValid(now)
}

// MergeAll folds another CacheMetadata into this one path by path.
func (m CacheMetadata) MergeAll(other CacheMetadata) {
	for path, c := range other {
		m.Set(path, c)
	}
}

// Dehydrate serializes every entry into its wire form.
func (m CacheMetadata) Dehydrate() map[string]Dehydrated {
	out := make(map[string]Dehydrated, len(m))
	for path, c := range m {
		out[path] = c.Dehydrate()
	}
	return out
}

// RehydrateMetadata parses a dehydrated CacheMetadata back into its
// live form. It is the inverse of Dehydrate.
func RehydrateMetadata(d map[string]Dehydrated) CacheMetadata {
	m := make(CacheMetadata, len(d))
	for path, entry := range d {
		m[path] = Rehydrate(entry)
	}
	return m
}

// Summary returns the user-facing view of the metadata, keyed by path.
func (m CacheMetadata) Summary(now time.Time) map[string]Metadata {
	out := make(map[string]Metadata, len(m))
	for path, c := range m {
		out[path] = c.Metadata(now)
	}
	return out
}
