// Package core implements the three-tier cache manager: responses,
// query paths and data entities, bound together by the analyse and
// resolve phases, plus the active/pending request registries.
package core

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/gqlcache/gqlcache/cacheability"
	"github.com/gqlcache/gqlcache/parser"
	"github.com/gqlcache/gqlcache/store"
)

// StoreError wraps a cache tier failure.
type StoreError struct {
	Tier string
	Err  error
}

func (e *StoreError) Error() string { return fmt.Sprintf("%s store: %v", e.Tier, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// DefaultCacheControls are the directives applied when a response
// carries none of its own.
type DefaultCacheControls struct {
	Query        string
	Mutation     string
	Subscription string
}

// NoStoreDirective is the directive applied to mutation and
// subscription writes unless the response says otherwise.
const NoStoreDirective = "max-age=0, no-cache, no-store"

// Config configures a Manager.
type Config struct {
	// The three tiers. Any nil tier defaults to an in-memory store.
	Responses   store.Provider
	QueryPaths  store.Provider
	DataEntities store.Provider
	// ResourceKey is the field name that identifies entities.
	ResourceKey string
	// DefaultCacheControls supply directives for responses without
	// explicit ones.
	DefaultCacheControls DefaultCacheControls
	// TypeCacheControls override the directive per GraphQL type name.
	TypeCacheControls map[string]string
}

// Manager exclusively owns the three cache tiers and the request
// registries.
type Manager struct {
	responses    store.Provider
	queryPaths   store.Provider
	dataEntities store.Provider

	resourceKey       string
	defaults          DefaultCacheControls
	typeCacheControls map[string]string

	// entityWriteMutex serializes read-merge-write cycles on the
	// data-entity tier
	entityWriteMutex sync.Mutex

	registry requestRegistry
}

// NewManager creates a Manager from the given config.
func NewManager(cfg Config) *Manager {
	if cfg.Responses == nil {
		cfg.Responses = store.NewMemoryCache()
	}
	if cfg.QueryPaths == nil {
		cfg.QueryPaths = store.NewMemoryCache()
	}
	if cfg.DataEntities == nil {
		cfg.DataEntities = store.NewMemoryCache()
	}
	if cfg.ResourceKey == "" {
		cfg.ResourceKey = parser.DefaultResourceKey
	}
	if cfg.DefaultCacheControls.Query == "" {
		cfg.DefaultCacheControls.Query = "public, max-age=60"
	}
	if cfg.DefaultCacheControls.Mutation == "" {
		cfg.DefaultCacheControls.Mutation = NoStoreDirective
	}
	if cfg.DefaultCacheControls.Subscription == "" {
		cfg.DefaultCacheControls.Subscription = NoStoreDirective
	}
	return &Manager{
		responses:         cfg.Responses,
		queryPaths:        cfg.QueryPaths,
		dataEntities:      cfg.DataEntities,
		resourceKey:       cfg.ResourceKey,
		defaults:          cfg.DefaultCacheControls,
		typeCacheControls: cfg.TypeCacheControls,
		registry:          newRequestRegistry(),
	}
}

// Result is the user-visible outcome of a request.
type Result struct {
	// Data is the fully shaped response object.
	Data map[string]any
	// CacheMetadata maps cache paths to their Cacheability. Callers
	// must not mutate it.
	CacheMetadata cacheability.CacheMetadata
	// QueryHash is the fingerprint of the canonical query.
	QueryHash string
	// CachePromise resolves once all tiers have acknowledged their
	// writes for this request, nil when nothing was written.
	CachePromise <-chan error
	// Errors carries any GraphQL errors returned by the executor.
	Errors gqlerror.List
	// Status is the cache outcome for this request.
	Status Status
	// Stream yields one Result per delivered message for
	// subscription requests; nil otherwise.
	Stream <-chan *Result
}

// FetchResult is what the external executor or subscriber delivered.
type FetchResult struct {
	Data map[string]any
	// Headers of the transport response; Cache-Control and ETag are
	// consumed here.
	Headers http.Header
	// CacheDirectives optionally override the directive per cache
	// path.
	CacheDirectives map[string]string
	Errors          gqlerror.List
}

// IsValid reports whether the given Cacheability is valid now.
func (m *Manager) IsValid(c cacheability.Cacheability) bool {
	return c.IsValid(time.Now())
}

// CachedResponse returns the response record for the given fingerprint
// if present and still valid. Store read errors degrade to a miss.
func (m *Manager) CachedResponse(hash string) (*Result, bool) {
	entry, ok, err := m.responses.Get(hash)
	if err != nil {
		log.Warn().Err(err).Str("hash", hash).Msg("Error reading response cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var rec responseRecord
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		log.Warn().Err(err).Str("hash", hash).Msg("Corrupt response record")
		m.responses.Delete(hash)
		return nil, false
	}
	meta := cacheability.RehydrateMetadata(rec.CacheMetadata)
	now := time.Now()
	if !meta.IsValid(cacheability.QueryPath, now) {
		return nil, false
	}
	var data map[string]any
	if err := json.Unmarshal(rec.Data, &data); err != nil {
		log.Warn().Err(err).Str("hash", hash).Msg("Corrupt response data")
		m.responses.Delete(hash)
		return nil, false
	}
	result := &Result{
		Data:          data,
		CacheMetadata: meta,
		QueryHash:     hash,
	}
	effective, _ := meta.Effective(cacheability.QueryPath)
	result.Status.MarkHit(effective.TTL(now))
	return result, true
}

// readPath returns the path record and its Cacheability for the given
// cache path, if present. Read errors degrade to a miss.
func (m *Manager) readPath(cachePath string) (pathRecord, cacheability.Cacheability, bool) {
	entry, ok, err := m.queryPaths.Get(pathHash(cachePath))
	if err != nil {
		log.Warn().Err(err).Str("path", cachePath).Msg("Error reading query-path store")
		return pathRecord{}, cacheability.Cacheability{}, false
	}
	if !ok {
		return pathRecord{}, cacheability.Cacheability{}, false
	}
	var rec pathRecord
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		log.Warn().Err(err).Str("path", cachePath).Msg("Corrupt query-path record")
		return pathRecord{}, cacheability.Cacheability{}, false
	}
	c := cacheability.Cacheability{
		CacheControl: cacheability.ParseCacheControl(entry.Meta.CacheControl),
		StoredAt:     entry.Meta.StoredAt,
	}
	return rec, c, true
}

// readEntity returns the entity record for the given key, if present.
func (m *Manager) readEntity(key string) (entityRecord, bool) {
	entry, ok, err := m.dataEntities.Get(key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Error reading data-entity store")
		return entityRecord{}, false
	}
	if !ok {
		return entityRecord{}, false
	}
	var rec entityRecord
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Corrupt data-entity record")
		return entityRecord{}, false
	}
	return rec, true
}

// Snapshot is the persisted form of the three tiers.
type Snapshot struct {
	Responses    []store.Entry `json:"responses"`
	QueryPaths   []store.Entry `json:"queryPaths"`
	DataEntities []store.Entry `json:"dataEntities"`
}

// Export returns a snapshot of all three tiers, restricted to entries
// written under tag if tag is non-empty.
func (m *Manager) Export(tag string) (*Snapshot, error) {
	responses, err := m.responses.Export(tag)
	if err != nil {
		return nil, &StoreError{Tier: "responses", Err: err}
	}
	queryPaths, err := m.queryPaths.Export(tag)
	if err != nil {
		return nil, &StoreError{Tier: "queryPaths", Err: err}
	}
	dataEntities, err := m.dataEntities.Export(tag)
	if err != nil {
		return nil, &StoreError{Tier: "dataEntities", Err: err}
	}
	return &Snapshot{
		Responses:    responses,
		QueryPaths:   queryPaths,
		DataEntities: dataEntities,
	}, nil
}

// Import loads a snapshot into the three tiers, replacing existing
// keys.
func (m *Manager) Import(snapshot *Snapshot) error {
	if snapshot == nil {
		return nil
	}
	if err := m.responses.Import(snapshot.Responses); err != nil {
		return &StoreError{Tier: "responses", Err: err}
	}
	if err := m.queryPaths.Import(snapshot.QueryPaths); err != nil {
		return &StoreError{Tier: "queryPaths", Err: err}
	}
	if err := m.dataEntities.Import(snapshot.DataEntities); err != nil {
		return &StoreError{Tier: "dataEntities", Err: err}
	}
	return nil
}

// Clear empties all three tiers.
func (m *Manager) Clear() {
	m.responses.Clear()
	m.queryPaths.Clear()
	m.dataEntities.Clear()
}

// Per-tier sizes and entry access, mainly for diagnostics and tests.

func (m *Manager) ResponsesSize() int    { return m.responses.Size() }
func (m *Manager) QueryPathsSize() int   { return m.queryPaths.Size() }
func (m *Manager) DataEntitiesSize() int { return m.dataEntities.Size() }

func (m *Manager) ResponseEntry(key string) (store.Entry, bool) {
	entry, ok, _ := m.responses.Get(key)
	return entry, ok
}

func (m *Manager) QueryPathEntry(key string) (store.Entry, bool) {
	entry, ok, _ := m.queryPaths.Get(key)
	return entry, ok
}

func (m *Manager) DataEntityEntry(key string) (store.Entry, bool) {
	entry, ok, _ := m.dataEntities.Get(key)
	return entry, ok
}
