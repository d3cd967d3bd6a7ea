package cacheability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveAncestorMinimum(t *testing.T) {
	now := time.Now()
	m := NewCacheMetadata()
	m.Set(QueryPath, New("max-age=120", now))
	m.Set("a", New("max-age=60", now))
	m.Set("a.b.c", New("max-age=300", now))

	// a.b is absent and inherits; the effective TTL at a.b.c is the
	// minimum of query, a and a.b.c
	effective, ok := m.Effective("a.b.c")
	require.True(t, ok)
	maxAge, hasMaxAge := effective.CacheControl.MaxAge()
	require.True(t, hasMaxAge)
	assert.Equal(t, time.Minute, maxAge)

	// a path with no entries anywhere except query inherits query
	effective, ok = m.Effective("z.y")
	require.True(t, ok)
	maxAge, _ = effective.CacheControl.MaxAge()
	assert.Equal(t, 2*time.Minute, maxAge)
}

func TestIsValidUsesAncestors(t *testing.T) {
	now := time.Now()
	m := NewCacheMetadata()
	m.Set(QueryPath, New("no-store", now))
	m.Set("a.b", New("max-age=60", now))

	assert.False(t, m.IsValid("a.b", now))
	assert.False(t, m.IsValid("missing", now))

	empty := NewCacheMetadata()
	assert.False(t, empty.IsValid("a", now))
}

func TestSetMergesExistingPath(t *testing.T) {
	now := time.Now()
	m := NewCacheMetadata()
	m.Set("a", New("max-age=120", now))
	m.Set("a", New("max-age=30", now))

	c, ok := m.Get("a")
	require.True(t, ok)
	maxAge, _ := c.CacheControl.MaxAge()
	assert.Equal(t, 30*time.Second, maxAge)
}

func TestMetadataDehydrateRehydrateIdentity(t *testing.T) {
	storedAt := time.Unix(1700000000, 0)
	m := NewCacheMetadata()
	m.Set(QueryPath, New("public, max-age=60", storedAt))
	m.Set(`user(id:"1")`, New("max-age=30, stale-while-revalidate=10", storedAt))
	m.Set(`user(id:"1").name`, New("no-cache", storedAt))

	d := m.Dehydrate()
	rehydrated := RehydrateMetadata(d)
	assert.Equal(t, d, rehydrated.Dehydrate())
}
