// Package gqlcache is an isomorphic GraphQL client that transparently
// caches query responses, the data entities reachable inside them, and
// the query-path metadata that lets partial responses be composed from
// cached fragments.
package gqlcache

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/gqlcache/gqlcache/cacheability"
	"github.com/gqlcache/gqlcache/core"
	"github.com/gqlcache/gqlcache/parser"
	fingerprint "github.com/gqlcache/gqlcache/pkg/fingerprint"
	"github.com/gqlcache/gqlcache/store"
)

// Modes select the executor strategy at construction time.
const (
	// ModeDefault fetches from a remote endpoint over HTTP.
	ModeDefault = "default"
	// ModeServer resolves in process through the configured field
	// resolvers.
	ModeServer = "server"
)

// SubscriptionsConfig points the client at a subscription transport.
type SubscriptionsConfig struct {
	Address string
	Opts    map[string]any
}

// CachemapOptions select and size the backend of the three cache
// tiers.
type CachemapOptions struct {
	// Backend is "memory" (default), "lru" or "sqlite".
	Backend string
	// LRUSize bounds each tier when Backend is "lru".
	LRUSize int
	// SQLiteFile is the database file when Backend is "sqlite"; use
	// "file::memory:?cache=shared" for an in-memory database.
	SQLiteFile string
}

const defaultLRUSize = 1024

// Config holds the recognized client options.
type Config struct {
	// Schema is the SDL schema; Introspection is an introspection
	// query response as JSON. Exactly one of the two is required.
	Schema        string
	Introspection []byte
	// URL of the GraphQL endpoint, required in default mode unless a
	// custom Executor is supplied.
	URL string
	// Subscriptions describes the subscription transport. New does not
	// read it and does not pass it to the Subscriber.
	Subscriptions *SubscriptionsConfig
	// CachemapOptions select the store backend for the three tiers.
	CachemapOptions CachemapOptions
	// DefaultCacheControls supply directives for responses without
	// explicit ones.
	DefaultCacheControls core.DefaultCacheControls
	// TypeCacheControls override the directive per GraphQL type name.
	TypeCacheControls map[string]string
	// ResourceKey is the field identifying data entities, "id" by
	// default.
	ResourceKey string
	// Batch coalesces concurrent HTTP fetches into one round-trip.
	Batch bool
	// FetchTimeout bounds each HTTP fetch; zero means no timeout.
	FetchTimeout time.Duration
	// Headers are added to every HTTP fetch.
	Headers http.Header
	// FieldResolver, RootValue and SubscribeFieldResolver drive
	// server mode.
	FieldResolver          FieldResolver
	RootValue              any
	SubscribeFieldResolver SubscribeFieldResolver
	// Mode is "default" or "server".
	Mode string
	// NewInstance makes Instance return a fresh client instead of the
	// process-wide one.
	NewInstance bool
	// Executor and Subscriber override the built-in strategies.
	Executor   Executor
	Subscriber Subscriber
}

// RequestOptions are the per-request options.
type RequestOptions struct {
	Variables       map[string]any
	Fragments       []string
	OperationName   string
	AwaitDataCached bool
	// Tag is stored alongside every cache write of this request for
	// bulk export.
	Tag string
}

// Result is the user-visible outcome of a request. Subscription
// requests return a Result whose Stream yields one Result per
// delivered message.
type Result = core.Result

// Client is the request orchestrator bound to one cache manager.
type Client struct {
	parser     *parser.Parser
	manager    *core.Manager
	executor   Executor
	subscriber Subscriber
	emitter    *emitter
}

var (
	instanceMutex sync.Mutex
	instance      *Client
)

// Instance returns the process-wide shared client, creating it from
// cfg on first use. Setting cfg.NewInstance bypasses the registry and
// always returns a fresh client.
func Instance(cfg Config) (*Client, error) {
	if cfg.NewInstance {
		return New(cfg)
	}
	instanceMutex.Lock()
	defer instanceMutex.Unlock()
	if instance != nil {
		return instance, nil
	}
	client, err := New(cfg)
	if err != nil {
		return nil, err
	}
	instance = client
	return client, nil
}

// New creates a fresh client from the given config.
func New(cfg Config) (*Client, error) {
	if cfg.Schema == "" && len(cfg.Introspection) == 0 {
		return nil, &ConfigError{Reason: "one of Schema or Introspection is required"}
	}
	if cfg.Schema != "" && len(cfg.Introspection) > 0 {
		return nil, &ConfigError{Reason: "Schema and Introspection are mutually exclusive"}
	}

	var schema *ast.Schema
	var err error
	if cfg.Schema != "" {
		schema, err = parser.LoadSchema(cfg.Schema)
	} else {
		schema, err = parser.SchemaFromIntrospection(cfg.Introspection)
	}
	if err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}

	responses, queryPaths, dataEntities, err := buildStores(cfg.CachemapOptions)
	if err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}

	manager := core.NewManager(core.Config{
		Responses:            responses,
		QueryPaths:           queryPaths,
		DataEntities:         dataEntities,
		ResourceKey:          cfg.ResourceKey,
		DefaultCacheControls: cfg.DefaultCacheControls,
		TypeCacheControls:    cfg.TypeCacheControls,
	})

	executor := cfg.Executor
	if executor == nil {
		switch cfg.Mode {
		case ModeServer:
			if cfg.FieldResolver == nil {
				return nil, &ConfigError{Reason: "server mode requires a FieldResolver"}
			}
			executor = NewLocalExecutor(cfg.RootValue, cfg.FieldResolver)
		case "", ModeDefault:
			if cfg.URL == "" {
				return nil, &ConfigError{Reason: "default mode requires a URL"}
			}
			executor = NewHTTPExecutor(cfg.URL, cfg.FetchTimeout, cfg.Headers, cfg.Batch)
		default:
			return nil, &ConfigError{Reason: "unknown mode " + cfg.Mode}
		}
	}

	subscriber := cfg.Subscriber
	if subscriber == nil && cfg.SubscribeFieldResolver != nil {
		subscriber = NewLocalSubscriber(cfg.RootValue, cfg.SubscribeFieldResolver)
	}

	return &Client{
		parser:     parser.New(schema, cfg.ResourceKey),
		manager:    manager,
		executor:   executor,
		subscriber: subscriber,
		emitter:    newEmitter(),
	}, nil
}

func buildStores(opts CachemapOptions) (store.Provider, store.Provider, store.Provider, error) {
	switch opts.Backend {
	case "", "memory":
		return store.NewMemoryCache(), store.NewMemoryCache(), store.NewMemoryCache(), nil
	case "lru":
		size := opts.LRUSize
		if size <= 0 {
			size = defaultLRUSize
		}
		responses, err := store.NewLRUCache(size)
		if err != nil {
			return nil, nil, nil, err
		}
		queryPaths, err := store.NewLRUCache(size)
		if err != nil {
			return nil, nil, nil, err
		}
		dataEntities, err := store.NewLRUCache(size)
		if err != nil {
			return nil, nil, nil, err
		}
		return responses, queryPaths, dataEntities, nil
	case "sqlite":
		filename := opts.SQLiteFile
		if filename == "" {
			filename = "gqlcache.db"
		}
		responses, err := store.NewSQLiteCache(filename, "responses")
		if err != nil {
			return nil, nil, nil, err
		}
		queryPaths, err := store.NewSQLiteCache(filename, "query_paths")
		if err != nil {
			return nil, nil, nil, err
		}
		dataEntities, err := store.NewSQLiteCache(filename, "data_entities")
		if err != nil {
			return nil, nil, nil, err
		}
		return responses, queryPaths, dataEntities, nil
	default:
		return nil, nil, nil, &ConfigError{Reason: "unknown cachemap backend " + opts.Backend}
	}
}

// On registers an event callback.
func (c *Client) On(event Event, cb EventCallback) { c.emitter.on(event, cb) }

// Off removes a previously registered callback.
func (c *Client) Off(event Event, cb EventCallback) { c.emitter.off(event, cb) }

// Request is the single public entry point: it parses, analyses,
// fetches and resolves one operation. Queries may be served from
// cache, in full or in part; identical concurrent queries share one
// fetch. Subscription requests return a Result whose Stream yields
// one Result per message.
func (c *Client) Request(ctx context.Context, query string, opts *RequestOptions) (*Result, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	rc := &parser.RequestContext{RequestID: uuid.NewString()}

	parsed, err := c.parser.Parse(query, parser.Options{
		Fragments:     opts.Fragments,
		Variables:     opts.Variables,
		OperationName: opts.OperationName,
	}, rc)
	if err != nil {
		c.emitter.emit(EventPayload{Event: EventError, RequestID: rc.RequestID, Err: err})
		return nil, err
	}

	c.emitter.emit(EventPayload{
		Event:     EventRequest,
		RequestID: rc.RequestID,
		Operation: string(rc.Operation),
	})

	switch rc.Operation {
	case ast.Mutation:
		return c.requestMutation(ctx, rc, parsed, opts)
	case ast.Subscription:
		return c.requestSubscription(ctx, rc, parsed, opts)
	default:
		return c.requestQuery(ctx, rc, parsed, opts)
	}
}

func (c *Client) requestQuery(ctx context.Context, rc *parser.RequestContext, parsed *parser.Result, opts *RequestOptions) (result *Result, reqErr error) {
	hash := fingerprint.Hash(parsed.Query)
	logger := log.With().Str("requestId", rc.RequestID).Str("hash", hash).Logger()

	if cached, ok := c.manager.CachedResponse(hash); ok {
		logger.Debug().Str("status", cached.Status.String()).Msg("Response cache hit")
		c.emitter.emit(EventPayload{Event: EventCacheHit, RequestID: rc.RequestID, QueryHash: hash, Status: cached.Status.String()})
		return c.finish(cached, opts)
	}

	if waiter, joined := c.manager.Begin(hash, parsed.Query); joined {
		logger.Debug().Msg("Joining in-flight request")
		select {
		case outcome := <-waiter:
			return outcome.Result, outcome.Err
		case <-ctx.Done():
			return nil, ErrCancelled
		}
	}
	// the registries must be drained exactly once, on success and on
	// failure alike
	defer func() {
		c.manager.End(hash, result, reqErr)
	}()

	analysis := c.manager.Analyse(rc, hash, parsed.Doc)

	if !analysis.Filtered && analysis.CachedData != nil {
		logger.Debug().Str("status", analysis.Status.String()).Msg("Synthesized full cache hit")
		c.emitter.emit(EventPayload{Event: EventCacheHit, RequestID: rc.RequestID, QueryHash: hash, Status: analysis.Status.String()})
		result = &Result{
			Data:          analysis.CachedData,
			CacheMetadata: analysis.CacheMetadata,
			QueryHash:     hash,
			Status:        analysis.Status,
		}
		return c.finish(result, opts)
	}

	c.emitter.emit(EventPayload{Event: EventCacheMiss, RequestID: rc.RequestID, QueryHash: hash, Status: analysis.Status.String()})

	execQuery := parsed.Query
	execDoc := parsed.Doc
	if analysis.Filtered {
		execQuery = analysis.UpdatedQuery
		execDoc = analysis.UpdatedDoc
		logger.Debug().Str("updatedQuery", execQuery).Msg("Forwarding rewritten query")
	}

	c.emitter.emit(EventPayload{Event: EventFetch, RequestID: rc.RequestID, QueryHash: hash})
	fetch, err := c.executor.Resolve(ctx, execQuery, execDoc, *opts)
	if err != nil {
		reqErr = &ExecutorError{Err: err}
		c.emitter.emit(EventPayload{Event: EventError, RequestID: rc.RequestID, QueryHash: hash, Err: reqErr})
		return nil, reqErr
	}

	result = c.manager.ResolveQuery(rc, hash, parsed.Doc, fetch, core.ResolveOptions{
		Filtered:       analysis.Filtered,
		CachedData:     analysis.CachedData,
		CachedMetadata: analysis.CacheMetadata,
		UpdatedDoc:     analysis.UpdatedDoc,
		Tag:            opts.Tag,
	})
	logger.Debug().Str("status", result.Status.String()).Msg("Query resolved")
	return c.finish(result, opts)
}

func (c *Client) requestMutation(ctx context.Context, rc *parser.RequestContext, parsed *parser.Result, opts *RequestOptions) (*Result, error) {
	c.emitter.emit(EventPayload{Event: EventFetch, RequestID: rc.RequestID})
	fetch, err := c.executor.Resolve(ctx, parsed.Query, parsed.Doc, *opts)
	if err != nil {
		wrapped := &ExecutorError{Err: err}
		c.emitter.emit(EventPayload{Event: EventError, RequestID: rc.RequestID, Err: wrapped})
		return nil, wrapped
	}
	result := c.manager.ResolveMutation(rc, parsed.Doc, fetch, opts.Tag)
	return c.finish(result, opts)
}

func (c *Client) requestSubscription(ctx context.Context, rc *parser.RequestContext, parsed *parser.Result, opts *RequestOptions) (*Result, error) {
	if c.subscriber == nil {
		err := &SubscriberError{Err: &ConfigError{Reason: "no subscriber configured"}}
		c.emitter.emit(EventPayload{Event: EventError, RequestID: rc.RequestID, Err: err})
		return nil, err
	}
	hash := fingerprint.Hash(parsed.Query)
	messages, err := c.subscriber.Resolve(ctx, parsed.Query, hash, parsed.Doc, *opts)
	if err != nil {
		wrapped := &SubscriberError{Err: err}
		c.emitter.emit(EventPayload{Event: EventError, RequestID: rc.RequestID, QueryHash: hash, Err: wrapped})
		return nil, wrapped
	}

	stream := make(chan *Result)
	go func() {
		defer close(stream)
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-messages:
				if !ok {
					return
				}
				result := c.manager.ResolveSubscription(rc, parsed.Doc, message, opts.Tag)
				result.QueryHash = hash
				c.emitter.emit(EventPayload{Event: EventSubscription, RequestID: rc.RequestID, QueryHash: hash})
				select {
				case stream <- result:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return &Result{QueryHash: hash, Stream: stream}, nil
}

// finish optionally awaits the cachePromise, then strips it from the
// returned result.
func (c *Client) finish(result *Result, opts *RequestOptions) (*Result, error) {
	if !opts.AwaitDataCached || result.CachePromise == nil {
		return result, nil
	}
	err := <-result.CachePromise
	stripped := *result
	stripped.CachePromise = nil
	if err != nil {
		return nil, err
	}
	return &stripped, nil
}

// ClearCache empties all three cache tiers.
func (c *Client) ClearCache() { c.manager.Clear() }

// ExportCaches snapshots the three tiers, restricted to writes tagged
// with tag when tag is non-empty.
func (c *Client) ExportCaches(tag string) (*core.Snapshot, error) { return c.manager.Export(tag) }

// ImportCaches loads a snapshot produced by ExportCaches.
func (c *Client) ImportCaches(snapshot *core.Snapshot) error { return c.manager.Import(snapshot) }

// IsValid reports whether the given Cacheability is valid now.
func (c *Client) IsValid(cc cacheability.Cacheability) bool { return c.manager.IsValid(cc) }

// Per-tier sizes and entries.

func (c *Client) ResponseCacheSize() int   { return c.manager.ResponsesSize() }
func (c *Client) QueryPathCacheSize() int  { return c.manager.QueryPathsSize() }
func (c *Client) DataEntityCacheSize() int { return c.manager.DataEntitiesSize() }

func (c *Client) ResponseCacheEntry(key string) (store.Entry, bool) {
	return c.manager.ResponseEntry(key)
}

func (c *Client) QueryPathCacheEntry(key string) (store.Entry, bool) {
	return c.manager.QueryPathEntry(key)
}

func (c *Client) DataEntityCacheEntry(key string) (store.Entry, bool) {
	return c.manager.DataEntityEntry(key)
}
