package gqlcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/gqlcache/gqlcache/core"
	astutil "github.com/gqlcache/gqlcache/pkg/ast-util"
)

// Executor resolves a (possibly rewritten) query against the external
// data source.
type Executor interface {
	Resolve(ctx context.Context, query string, doc *ast.QueryDocument, opts RequestOptions) (*core.FetchResult, error)
}

// Subscriber opens a subscription and yields one FetchResult per
// delivered message. The returned channel closes when the transport
// terminates the stream.
type Subscriber interface {
	Resolve(ctx context.Context, query, hash string, doc *ast.QueryDocument, opts RequestOptions) (<-chan *core.FetchResult, error)
}

// graphqlPayload is the wire shape of a GraphQL-over-HTTP request.
type graphqlPayload struct {
	Query string `json:"query"`
}

type graphqlResponse struct {
	Data   map[string]any `json:"data"`
	Errors gqlerror.List  `json:"errors,omitempty"`
}

// HTTPExecutor resolves queries against a GraphQL endpoint over HTTP.
// With batching enabled, concurrent Resolve calls within a short
// window are sent as a single JSON array request.
type HTTPExecutor struct {
	url     string
	headers http.Header
	client  *http.Client
	batcher *fetchBatcher
}

// NewHTTPExecutor builds an executor for the given endpoint. A zero
// timeout means no timeout.
func NewHTTPExecutor(url string, timeout time.Duration, headers http.Header, batch bool) *HTTPExecutor {
	e := &HTTPExecutor{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
	if batch {
		e.batcher = newFetchBatcher(e, batchWindow)
	}
	return e
}

func (e *HTTPExecutor) Resolve(ctx context.Context, query string, doc *ast.QueryDocument, opts RequestOptions) (*core.FetchResult, error) {
	if e.batcher != nil {
		return e.batcher.resolve(ctx, query)
	}
	results, err := e.post(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// post sends one or more queries in a single round-trip. A single
// query goes as an object, several as an array, per the de facto
// batching convention.
func (e *HTTPExecutor) post(ctx context.Context, queries []string) ([]*core.FetchResult, error) {
	var body []byte
	var err error
	if len(queries) == 1 {
		body, err = json.Marshal(graphqlPayload{Query: queries[0]})
	} else {
		payloads := make([]graphqlPayload, len(queries))
		for i, query := range queries {
			payloads[i] = graphqlPayload{Query: query}
		}
		body, err = json.Marshal(payloads)
	}
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for name, values := range e.headers {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	res, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("endpoint returned status %d", res.StatusCode)
	}

	if len(queries) == 1 {
		var decoded graphqlResponse
		if err := json.Unmarshal(resBody, &decoded); err != nil {
			return nil, err
		}
		return []*core.FetchResult{{
			Data:    decoded.Data,
			Headers: res.Header,
			Errors:  decoded.Errors,
		}}, nil
	}

	var decoded []graphqlResponse
	if err := json.Unmarshal(resBody, &decoded); err != nil {
		return nil, err
	}
	if len(decoded) != len(queries) {
		return nil, fmt.Errorf("endpoint returned %d results for %d queries", len(decoded), len(queries))
	}
	results := make([]*core.FetchResult, len(decoded))
	for i, one := range decoded {
		results[i] = &core.FetchResult{
			Data:    one.Data,
			Headers: res.Header,
			Errors:  one.Errors,
		}
	}
	return results, nil
}

const batchWindow = 10 * time.Millisecond

type batchItem struct {
	query string
	done  chan batchOutcome
}

type batchOutcome struct {
	result *core.FetchResult
	err    error
}

// fetchBatcher coalesces Resolve calls arriving within one window into
// a single HTTP round-trip.
type fetchBatcher struct {
	executor *HTTPExecutor
	window   time.Duration
	mutex    sync.Mutex
	queue    []batchItem
	timer    *time.Timer
}

func newFetchBatcher(executor *HTTPExecutor, window time.Duration) *fetchBatcher {
	return &fetchBatcher{executor: executor, window: window}
}

func (b *fetchBatcher) resolve(ctx context.Context, query string) (*core.FetchResult, error) {
	item := batchItem{query: query, done: make(chan batchOutcome, 1)}
	b.mutex.Lock()
	b.queue = append(b.queue, item)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.flush)
	}
	b.mutex.Unlock()

	select {
	case outcome := <-item.done:
		return outcome.result, outcome.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *fetchBatcher) flush() {
	b.mutex.Lock()
	items := b.queue
	b.queue = nil
	b.timer = nil
	b.mutex.Unlock()
	if len(items) == 0 {
		return
	}

	queries := make([]string, len(items))
	for i, item := range items {
		queries[i] = item.query
	}
	log.Debug().Int("size", len(items)).Msg("Flushing fetch batch")

	results, err := b.executor.post(context.Background(), queries)
	for i, item := range items {
		if err != nil {
			item.done <- batchOutcome{err: err}
			continue
		}
		item.done <- batchOutcome{result: results[i]}
	}
}

// FieldResolver resolves one root field in server mode.
type FieldResolver func(ctx context.Context, root any, field string, args map[string]any) (any, error)

// SubscribeFieldResolver opens a message stream for one root
// subscription field in server mode.
type SubscribeFieldResolver func(ctx context.Context, root any, field string, args map[string]any) (<-chan any, error)

// LocalExecutor resolves root fields in process, for deployments that
// embed the cache next to the data source instead of fetching over
// HTTP.
type LocalExecutor struct {
	root     any
	resolver FieldResolver
}

// NewLocalExecutor builds a server-mode executor.
func NewLocalExecutor(root any, resolver FieldResolver) *LocalExecutor {
	return &LocalExecutor{root: root, resolver: resolver}
}

func (e *LocalExecutor) Resolve(ctx context.Context, query string, doc *ast.QueryDocument, opts RequestOptions) (*core.FetchResult, error) {
	data := make(map[string]any)
	var errs gqlerror.List
	for _, field := range astutil.ChildFields(doc, doc.Operations[0].SelectionSet) {
		value, err := e.resolver(ctx, e.root, field.Name, argumentValues(field.Arguments))
		if err != nil {
			errs = append(errs, gqlerror.Errorf("%s: %v", field.Name, err))
			continue
		}
		dataKey := field.Name
		if field.Alias != "" {
			dataKey = field.Alias
		}
		data[dataKey] = normalizeValue(value)
	}
	return &core.FetchResult{Data: data, Errors: errs}, nil
}

// LocalSubscriber yields subscription messages from an in-process
// resolver.
type LocalSubscriber struct {
	root     any
	resolver SubscribeFieldResolver
}

// NewLocalSubscriber builds a server-mode subscriber.
func NewLocalSubscriber(root any, resolver SubscribeFieldResolver) *LocalSubscriber {
	return &LocalSubscriber{root: root, resolver: resolver}
}

func (s *LocalSubscriber) Resolve(ctx context.Context, query, hash string, doc *ast.QueryDocument, opts RequestOptions) (<-chan *core.FetchResult, error) {
	fields := astutil.ChildFields(doc, doc.Operations[0].SelectionSet)
	if len(fields) != 1 {
		return nil, fmt.Errorf("subscriptions must select exactly one root field")
	}
	field := fields[0]
	dataKey := field.Name
	if field.Alias != "" {
		dataKey = field.Alias
	}
	messages, err := s.resolver(ctx, s.root, field.Name, argumentValues(field.Arguments))
	if err != nil {
		return nil, err
	}
	out := make(chan *core.FetchResult)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-messages:
				if !ok {
					return
				}
				result := &core.FetchResult{Data: map[string]any{dataKey: normalizeValue(message)}}
				select {
				case out <- result:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// argumentValues converts literal AST arguments into plain Go values.
func argumentValues(args ast.ArgumentList) map[string]any {
	out := make(map[string]any, len(args))
	for _, arg := range args {
		out[arg.Name] = astValue(arg.Value)
	}
	return out
}

func astValue(value *ast.Value) any {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case ast.IntValue:
		parsed, _ := strconv.ParseFloat(value.Raw, 64)
		return parsed
	case ast.FloatValue:
		parsed, _ := strconv.ParseFloat(value.Raw, 64)
		return parsed
	case ast.BooleanValue:
		return value.Raw == "true"
	case ast.NullValue:
		return nil
	case ast.ListValue:
		list := make([]any, 0, len(value.Children))
		for _, child := range value.Children {
			list = append(list, astValue(child.Value))
		}
		return list
	case ast.ObjectValue:
		object := make(map[string]any, len(value.Children))
		for _, child := range value.Children {
			object[child.Name] = astValue(child.Value)
		}
		return object
	default:
		return value.Raw
	}
}

// normalizeValue round-trips resolver output through JSON so cached
// and transported values are structurally identical.
func normalizeValue(value any) any {
	raw, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return value
	}
	return normalized
}
