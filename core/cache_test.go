package core

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gqlcache/gqlcache/cacheability"
	"github.com/gqlcache/gqlcache/parser"
	fingerprint "github.com/gqlcache/gqlcache/pkg/fingerprint"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

const testSDL = `
type Query {
	user(id: ID!): User
	users: [User]
	hello: String
}

type Mutation {
	updateUser(id: ID!, name: String): User
}

type User {
	id: ID!
	name: String
	email: String
	friends: [User]
}
`

func testSetup(t *testing.T) (*Manager, *parser.Parser) {
	t.Helper()
	schema, err := parser.LoadSchema(testSDL)
	require.NoError(t, err)
	return NewManager(Config{}), parser.New(schema, "")
}

func parseQuery(t *testing.T, p *parser.Parser, query string) (*parser.RequestContext, *parser.Result, string) {
	t.Helper()
	rc := &parser.RequestContext{RequestID: "test"}
	result, err := p.Parse(query, parser.Options{}, rc)
	require.NoError(t, err)
	return rc, result, fingerprint.Hash(result.Query)
}

func cacheableHeaders(directive string) http.Header {
	h := make(http.Header)
	h.Set("Cache-Control", directive)
	return h
}

func awaitCached(t *testing.T, result *Result) {
	t.Helper()
	require.NotNil(t, result.CachePromise)
	require.NoError(t, <-result.CachePromise)
}

func TestResolveQueryThenCachedResponse(t *testing.T) {
	m, p := testSetup(t)
	rc, parsed, hash := parseQuery(t, p, `{ user(id: "1") { id name } }`)

	data := map[string]any{"user": map[string]any{"id": "1", "name": "Ada"}}
	result := m.ResolveQuery(rc, hash, parsed.Doc, &FetchResult{
		Data:    data,
		Headers: cacheableHeaders("public, max-age=60"),
	}, ResolveOptions{})
	awaitCached(t, result)

	assert.Equal(t, data, result.Data)
	assert.Equal(t, hash, result.QueryHash)

	// the stored response is exactly the shaped data delivered to the
	// caller, under the effective top-level directive
	cached, ok := m.CachedResponse(hash)
	require.True(t, ok)
	assert.Equal(t, data, cached.Data)
	effective, found := cached.CacheMetadata.Effective(cacheability.QueryPath)
	require.True(t, found)
	assert.Equal(t, "public, max-age=60", effective.CacheControl.String())
	assert.True(t, cached.Status.Hit)
}

func TestAnalyseMissOnColdCache(t *testing.T) {
	m, p := testSetup(t)
	rc, parsed, hash := parseQuery(t, p, `{ user(id: "1") { id name } }`)

	analysis := m.Analyse(rc, hash, parsed.Doc)
	assert.Nil(t, analysis.CachedData)
	assert.False(t, analysis.Filtered)
	assert.Nil(t, analysis.UpdatedDoc)
	assert.Equal(t, FwdReasonMiss, analysis.Status.FwdReason)
}

func TestAnalysePartialSynthesis(t *testing.T) {
	m, p := testSetup(t)

	rc, parsed, hash := parseQuery(t, p, `{ user(id: "1") { id name } }`)
	first := m.ResolveQuery(rc, hash, parsed.Doc, &FetchResult{
		Data:    map[string]any{"user": map[string]any{"id": "1", "name": "Ada"}},
		Headers: cacheableHeaders("max-age=60"),
	}, ResolveOptions{})
	awaitCached(t, first)

	rc2, parsed2, hash2 := parseQuery(t, p, `{ user(id: "1") { id name email } }`)
	analysis := m.Analyse(rc2, hash2, parsed2.Doc)

	require.True(t, analysis.Filtered)
	assert.Equal(t, FwdReasonPartial, analysis.Status.FwdReason)
	assert.Equal(t, map[string]any{"user": map[string]any{"id": "1", "name": "Ada"}}, analysis.CachedData)

	// the rewritten query requests only the missing field plus the
	// resource key
	require.NotNil(t, analysis.UpdatedDoc)
	assert.Contains(t, analysis.UpdatedQuery, "email")
	assert.Contains(t, analysis.UpdatedQuery, "id")
	assert.NotContains(t, analysis.UpdatedQuery, "name")

	// resolving the partial fetch yields the composite result
	final := m.ResolveQuery(rc2, hash2, parsed2.Doc, &FetchResult{
		Data:    map[string]any{"user": map[string]any{"id": "1", "email": "a@b"}},
		Headers: cacheableHeaders("max-age=60"),
	}, ResolveOptions{
		Filtered:       true,
		CachedData:     analysis.CachedData,
		CachedMetadata: analysis.CacheMetadata,
		UpdatedDoc:     analysis.UpdatedDoc,
	})
	awaitCached(t, final)
	assert.Equal(t, map[string]any{"user": map[string]any{
		"id":    "1",
		"name":  "Ada",
		"email": "a@b",
	}}, final.Data)
}

func TestAnalyseFullSynthesis(t *testing.T) {
	m, p := testSetup(t)

	rc, parsed, hash := parseQuery(t, p, `{ user(id: "1") { id name } }`)
	first := m.ResolveQuery(rc, hash, parsed.Doc, &FetchResult{
		Data:    map[string]any{"user": map[string]any{"id": "1", "name": "Ada"}},
		Headers: cacheableHeaders("max-age=60"),
	}, ResolveOptions{})
	awaitCached(t, first)

	// a differently shaped query over the same fields is served
	// entirely from the lower tiers
	rc2, parsed2, hash2 := parseQuery(t, p, `{ user(id: "1") { name } }`)
	require.NotEqual(t, hash, hash2)

	analysis := m.Analyse(rc2, hash2, parsed2.Doc)
	assert.False(t, analysis.Filtered)
	require.NotNil(t, analysis.CachedData)
	user := analysis.CachedData["user"].(map[string]any)
	assert.Equal(t, "Ada", user["name"])
	assert.True(t, analysis.Status.Hit)

	// the synthesized response was written back
	_, ok := m.CachedResponse(hash2)
	assert.True(t, ok)
}

func TestEntityNormalizationAcrossPaths(t *testing.T) {
	m, p := testSetup(t)

	rc, parsed, hash := parseQuery(t, p, `{ user(id: "1") { id name } }`)
	first := m.ResolveQuery(rc, hash, parsed.Doc, &FetchResult{
		Data:    map[string]any{"user": map[string]any{"id": "1", "name": "Ada"}},
		Headers: cacheableHeaders("max-age=60"),
	}, ResolveOptions{})
	awaitCached(t, first)

	// the same entity written via a different path; last write wins
	// per field
	rcList, parsedList, hashList := parseQuery(t, p, `{ users { id name } }`)
	second := m.ResolveQuery(rcList, hashList, parsedList.Doc, &FetchResult{
		Data: map[string]any{"users": []any{
			map[string]any{"id": "1", "name": "Ada Lovelace"},
			map[string]any{"id": "2", "name": "Grace"},
		}},
		Headers: cacheableHeaders("max-age=60"),
	}, ResolveOptions{})
	awaitCached(t, second)

	assert.Equal(t, 2, m.DataEntitiesSize())

	// reading the entity through the first path sees the later write
	rc3, parsed3, hash3 := parseQuery(t, p, `{ user(id: "1") { name } }`)
	analysis := m.Analyse(rc3, hash3, parsed3.Doc)
	require.NotNil(t, analysis.CachedData)
	user := analysis.CachedData["user"].(map[string]any)
	assert.Equal(t, "Ada Lovelace", user["name"])
}

func TestAnalyseListFromCache(t *testing.T) {
	m, p := testSetup(t)

	rc, parsed, hash := parseQuery(t, p, `{ users { id name } }`)
	first := m.ResolveQuery(rc, hash, parsed.Doc, &FetchResult{
		Data: map[string]any{"users": []any{
			map[string]any{"id": "1", "name": "Ada"},
			map[string]any{"id": "2", "name": "Grace"},
		}},
		Headers: cacheableHeaders("max-age=60"),
	}, ResolveOptions{})
	awaitCached(t, first)

	rc2, parsed2, hash2 := parseQuery(t, p, `{ users { name } }`)
	analysis := m.Analyse(rc2, hash2, parsed2.Doc)
	require.NotNil(t, analysis.CachedData)
	users := analysis.CachedData["users"].([]any)
	require.Len(t, users, 2)
	assert.Equal(t, "Ada", users[0].(map[string]any)["name"])
	assert.Equal(t, "Grace", users[1].(map[string]any)["name"])
}

func TestMutationResolveNeverWritesResponses(t *testing.T) {
	m, p := testSetup(t)

	rc, parsed, _ := parseQuery(t, p, `mutation { updateUser(id: "1", name: "Grace") { id name } }`)
	result := m.ResolveMutation(rc, parsed.Doc, &FetchResult{
		Data: map[string]any{"updateUser": map[string]any{"id": "1", "name": "Grace"}},
	}, "")
	awaitCached(t, result)

	assert.Equal(t, 0, m.ResponsesSize())
	assert.Equal(t, FwdReasonMethod, result.Status.FwdReason)

	// the data-entity write is visible
	entry, ok := m.DataEntityEntry("User:1")
	require.True(t, ok)
	assert.True(t, strings.Contains(string(entry.Value), "Grace"))

	var rec entityRecord
	require.NoError(t, json.Unmarshal(entry.Value, &rec))
	assert.Equal(t, "User", rec.TypeName)
	assert.Equal(t, "1", rec.ID)
}

func TestInvalidCacheabilityTreatedAsAbsent(t *testing.T) {
	m, p := testSetup(t)

	rc, parsed, hash := parseQuery(t, p, `{ user(id: "1") { id name } }`)
	result := m.ResolveQuery(rc, hash, parsed.Doc, &FetchResult{
		Data:    map[string]any{"user": map[string]any{"id": "1", "name": "Ada"}},
		Headers: cacheableHeaders("no-store"),
	}, ResolveOptions{})
	awaitCached(t, result)

	analysis := m.Analyse(rc, hash, parsed.Doc)
	assert.Nil(t, analysis.CachedData)
	assert.Equal(t, FwdReasonMiss, analysis.Status.FwdReason)
}

func TestStaleWhileRevalidateServed(t *testing.T) {
	m, p := testSetup(t)

	rc, parsed, hash := parseQuery(t, p, `{ hello }`)
	result := m.ResolveQuery(rc, hash, parsed.Doc, &FetchResult{
		Data:    map[string]any{"hello": "world"},
		Headers: cacheableHeaders("max-age=0, stale-while-revalidate=60"),
	}, ResolveOptions{})
	awaitCached(t, result)

	// past max-age but inside the revalidation window: still served
	time.Sleep(10 * time.Millisecond)
	cached, ok := m.CachedResponse(hash)
	require.True(t, ok)
	assert.Equal(t, "world", cached.Data["hello"])
}

func TestRegistryCoalescesAndDrains(t *testing.T) {
	m, _ := testSetup(t)

	waiter, joined := m.Begin("h", "{ hello }")
	require.False(t, joined)
	require.Nil(t, waiter)

	second, joined := m.Begin("h", "{ hello }")
	require.True(t, joined)
	third, joined := m.Begin("h", "{ hello }")
	require.True(t, joined)

	query, active := m.ActiveQuery("h")
	require.True(t, active)
	assert.Equal(t, "{ hello }", query)

	result := &Result{QueryHash: "h"}
	m.End("h", result, nil)

	assert.Same(t, result, (<-second).Result)
	assert.Same(t, result, (<-third).Result)
	assert.Equal(t, 0, m.InFlight())

	// a new request for the same hash becomes active again
	_, joined = m.Begin("h", "{ hello }")
	assert.False(t, joined)
	m.End("h", nil, nil)
}

func TestRegistryDrainsErrors(t *testing.T) {
	m, _ := testSetup(t)

	_, joined := m.Begin("h", "q")
	require.False(t, joined)
	first, _ := m.Begin("h", "q")
	second, _ := m.Begin("h", "q")

	failure := assert.AnError
	m.End("h", nil, failure)

	assert.ErrorIs(t, (<-first).Err, failure)
	assert.ErrorIs(t, (<-second).Err, failure)
	assert.Equal(t, 0, m.InFlight())
}

func TestExportClearImportRestores(t *testing.T) {
	m, p := testSetup(t)

	rc, parsed, hash := parseQuery(t, p, `{ user(id: "1") { id name } }`)
	result := m.ResolveQuery(rc, hash, parsed.Doc, &FetchResult{
		Data:    map[string]any{"user": map[string]any{"id": "1", "name": "Ada"}},
		Headers: cacheableHeaders("max-age=60"),
	}, ResolveOptions{Tag: "boot"})
	awaitCached(t, result)

	responses, queryPaths, entities := m.ResponsesSize(), m.QueryPathsSize(), m.DataEntitiesSize()
	require.Greater(t, responses, 0)
	require.Greater(t, queryPaths, 0)
	require.Greater(t, entities, 0)

	snapshot, err := m.Export("")
	require.NoError(t, err)

	m.Clear()
	assert.Equal(t, 0, m.ResponsesSize())
	assert.Equal(t, 0, m.QueryPathsSize())
	assert.Equal(t, 0, m.DataEntitiesSize())

	require.NoError(t, m.Import(snapshot))
	assert.Equal(t, responses, m.ResponsesSize())
	assert.Equal(t, queryPaths, m.QueryPathsSize())
	assert.Equal(t, entities, m.DataEntitiesSize())

	for _, entry := range snapshot.Responses {
		restored, ok := m.ResponseEntry(entry.Key)
		require.True(t, ok)
		assert.Equal(t, entry.Value, restored.Value)
		assert.Equal(t, "boot", restored.Meta.Tag)
	}

	cached, ok := m.CachedResponse(hash)
	require.True(t, ok)
	assert.Equal(t, "Ada", cached.Data["user"].(map[string]any)["name"])
}

func TestExportFiltersByTag(t *testing.T) {
	m, p := testSetup(t)

	rc, parsed, hash := parseQuery(t, p, `{ hello }`)
	result := m.ResolveQuery(rc, hash, parsed.Doc, &FetchResult{
		Data:    map[string]any{"hello": "world"},
		Headers: cacheableHeaders("max-age=60"),
	}, ResolveOptions{Tag: "one"})
	awaitCached(t, result)

	snapshot, err := m.Export("other")
	require.NoError(t, err)
	assert.Empty(t, snapshot.Responses)
	assert.Empty(t, snapshot.QueryPaths)

	snapshot, err = m.Export("one")
	require.NoError(t, err)
	assert.Len(t, snapshot.Responses, 1)
}
