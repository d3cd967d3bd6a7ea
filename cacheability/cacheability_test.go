package cacheability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCacheControl(t *testing.T) {
	cc := ParseCacheControl("public, max-age=60, stale-while-revalidate=30")

	maxAge, ok := cc.MaxAge()
	require.True(t, ok)
	assert.Equal(t, time.Minute, maxAge)

	swr, ok := cc.StaleWhileRevalidate()
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, swr)

	assert.True(t, cc.Public())
	assert.False(t, cc.NoStore())
}

func TestParseCacheControlQuotedAndCaseInsensitive(t *testing.T) {
	cc := ParseCacheControl(`No-Cache, Max-Age="5"`)
	assert.True(t, cc.NoCache())
	maxAge, ok := cc.MaxAge()
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, maxAge)
}

func TestPrintPreservesUnknownDirectives(t *testing.T) {
	cc := ParseCacheControl("community=UCI, max-age=10, private")
	assert.Equal(t, "private, max-age=10, community=UCI", cc.String())

	// canonical form is a fixed point
	again := ParseCacheControl(cc.String())
	assert.Equal(t, cc.String(), again.String())
}

func TestIsValid(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		directive string
		storedAt  time.Time
		want      bool
	}{
		{"fresh", "max-age=60", now.Add(-30 * time.Second), true},
		{"expired", "max-age=60", now.Add(-2 * time.Minute), false},
		{"no max-age", "public", now, false},
		{"no-store always invalid", "max-age=60, no-store", now, false},
		{"no-cache always invalid", "max-age=60, no-cache", now, false},
		{"s-maxage overrides max-age", "max-age=0, s-maxage=60", now.Add(-30 * time.Second), true},
		{"swr window extends validity", "max-age=10, stale-while-revalidate=60", now.Add(-30 * time.Second), true},
		{"past swr window", "max-age=10, stale-while-revalidate=10", now.Add(-30 * time.Second), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := New(tc.directive, tc.storedAt)
			assert.Equal(t, tc.want, c.IsValid(now))
		})
	}
}

func TestIsStale(t *testing.T) {
	now := time.Now()
	c := New("max-age=10, stale-while-revalidate=60", now.Add(-30*time.Second))
	assert.True(t, c.IsStale(now))
	assert.True(t, c.IsValid(now))

	fresh := New("max-age=60", now)
	assert.False(t, fresh.IsStale(now))
}

func TestMerge(t *testing.T) {
	now := time.Now()
	a := New("public, max-age=60", now)
	b := New("private, max-age=30", now.Add(-10*time.Second))

	merged := Merge(a, b)
	maxAge, ok := merged.CacheControl.MaxAge()
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, maxAge)
	assert.True(t, merged.CacheControl.Private())
	// public does not survive a private merge
	assert.False(t, merged.CacheControl.Public())
	// the earlier storage time wins
	assert.Equal(t, b.StoredAt, merged.StoredAt)
}

func TestMergeRestrictiveFlagsUnion(t *testing.T) {
	now := time.Now()
	merged := Merge(New("no-cache, max-age=60", now), New("no-store, max-age=120", now))
	assert.True(t, merged.CacheControl.NoCache())
	assert.True(t, merged.CacheControl.NoStore())
	assert.False(t, merged.IsValid(now))
}

func TestDehydrateRehydrate(t *testing.T) {
	storedAt := time.Unix(1700000000, 0)
	c := New("public, max-age=60, community=UCI", storedAt)
	c.ETag = `"abc"`

	d := c.Dehydrate()
	rehydrated := Rehydrate(d)

	assert.Equal(t, d, rehydrated.Dehydrate())
	assert.Equal(t, c.CacheControl.String(), rehydrated.CacheControl.String())
	assert.Equal(t, c.ETag, rehydrated.ETag)
	assert.True(t, rehydrated.StoredAt.Equal(storedAt))
}

func TestMetadata(t *testing.T) {
	now := time.Now()
	c := New("max-age=60", now.Add(-20*time.Second))
	c.ETag = `"v1"`

	meta := c.Metadata(now)
	assert.Equal(t, "max-age=60", meta.CacheControl)
	assert.Equal(t, `"v1"`, meta.ETag)
	assert.InDelta(t, float64(40*time.Second), float64(meta.TTL), float64(time.Second))
}
