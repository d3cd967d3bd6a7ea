package core

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/gqlcache/gqlcache/cacheability"
	"github.com/gqlcache/gqlcache/parser"
	astutil "github.com/gqlcache/gqlcache/pkg/ast-util"
	querykey "github.com/gqlcache/gqlcache/pkg/query-key"
	"github.com/gqlcache/gqlcache/store"
)

// ResolveOptions carry the analyse outcome and write options into the
// resolve phase.
type ResolveOptions struct {
	// Filtered is true when the executed query was rewritten to the
	// missing fields only; CachedData/CachedMetadata then hold the
	// part served from cache and UpdatedDoc the rewritten document.
	Filtered       bool
	CachedData     map[string]any
	CachedMetadata cacheability.CacheMetadata
	UpdatedDoc     *ast.QueryDocument
	// Tag is stored alongside every write for bulk export.
	Tag string
}

// ResolveQuery writes a freshly fetched query response into the three
// tiers and returns the composite result. The caller-visible result is
// complete on return; the CachePromise resolves once every tier has
// acknowledged its writes, with the response record written last.
func (m *Manager) ResolveQuery(rc *parser.RequestContext, hash string, doc *ast.QueryDocument, fetch *FetchResult, opts ResolveOptions) *Result {
	now := time.Now()
	queryCC := m.headerCacheability(fetch.Headers, m.defaults.Query, now)

	writeDoc := doc
	if opts.Filtered && opts.UpdatedDoc != nil {
		writeDoc = opts.UpdatedDoc
	}

	w := m.newResolveWalker(rc, writeDoc, fetch, now, opts.Tag)
	w.meta.Set(cacheability.QueryPath, queryCC)
	w.walk(writeDoc.Operations[0].SelectionSet, fetch.Data, "", "", queryCC, nil)

	data := fetch.Data
	meta := w.meta
	if opts.Filtered {
		data = deepMerge(opts.CachedData, fetch.Data)
		merged := cacheability.NewCacheMetadata()
		merged.MergeAll(opts.CachedMetadata)
		merged.MergeAll(w.meta)
		meta = merged
	}

	effectiveQueryCC, _ := meta.Effective(cacheability.QueryPath)
	promise := w.commit(&responseWrite{
		hash:    hash,
		data:    data,
		meta:    meta,
		queryCC: effectiveQueryCC,
		tag:     opts.Tag,
	})

	result := &Result{
		Data:          data,
		CacheMetadata: meta,
		QueryHash:     hash,
		CachePromise:  promise,
		Errors:        fetch.Errors,
	}
	if opts.Filtered {
		result.Status.Forward(FwdReasonPartial)
	} else {
		result.Status.Forward(FwdReasonMiss)
	}
	result.Status.Stored = true
	return result
}

// ResolveMutation writes a mutation response into the data-entity and
// query-path tiers so subsequent queries reflect it. Mutations never
// touch the response tier.
func (m *Manager) ResolveMutation(rc *parser.RequestContext, doc *ast.QueryDocument, fetch *FetchResult, tag string) *Result {
	return m.resolveWriteOnly(rc, doc, fetch, m.defaults.Mutation, tag)
}

// ResolveSubscription writes one delivered subscription message into
// the lower tiers; each message is treated like a mutation for cache
// effects.
func (m *Manager) ResolveSubscription(rc *parser.RequestContext, doc *ast.QueryDocument, fetch *FetchResult, tag string) *Result {
	return m.resolveWriteOnly(rc, doc, fetch, m.defaults.Subscription, tag)
}

func (m *Manager) resolveWriteOnly(rc *parser.RequestContext, doc *ast.QueryDocument, fetch *FetchResult, defaultDirective, tag string) *Result {
	now := time.Now()
	cc := m.headerCacheability(fetch.Headers, defaultDirective, now)

	w := m.newResolveWalker(rc, doc, fetch, now, tag)
	w.meta.Set(cacheability.QueryPath, cc)
	w.walk(doc.Operations[0].SelectionSet, fetch.Data, "", "", cc, nil)

	// write-only resolves commit before returning, so overlapping
	// entity updates land in arrival order
	result := &Result{
		Data:          fetch.Data,
		CacheMetadata: w.meta,
		CachePromise:  resolvedPromise(w.commitNow(nil)),
		Errors:        fetch.Errors,
	}
	result.Status.Forward(FwdReasonMethod)
	return result
}

// headerCacheability derives the top-level Cacheability from transport
// headers, falling back to the given default directive.
func (m *Manager) headerCacheability(headers http.Header, defaultDirective string, now time.Time) cacheability.Cacheability {
	directive := ""
	etag := ""
	if headers != nil {
		directive = headers.Get("Cache-Control")
		etag = headers.Get("ETag")
	}
	if directive == "" {
		directive = defaultDirective
	}
	cc := cacheability.New(directive, now)
	cc.ETag = etag
	return cc
}

type pathWrite struct {
	cachePath string
	rec       pathRecord
	cc        cacheability.Cacheability
}

type entityWrite struct {
	typeName string
	id       string
	fields   map[string]fieldValue
	cc       cacheability.Cacheability
}

type responseWrite struct {
	hash    string
	data    map[string]any
	meta    cacheability.CacheMetadata
	queryCC cacheability.Cacheability
	tag     string
}

type resolveWalker struct {
	m           *Manager
	rc          *parser.RequestContext
	doc         *ast.QueryDocument
	now         time.Time
	tag         string
	directives  map[string]string
	meta        cacheability.CacheMetadata
	paths       []pathWrite
	entities    map[string]*entityWrite
	entityOrder []string
}

func (m *Manager) newResolveWalker(rc *parser.RequestContext, doc *ast.QueryDocument, fetch *FetchResult, now time.Time, tag string) *resolveWalker {
	return &resolveWalker{
		m:          m,
		rc:         rc,
		doc:        doc,
		now:        now,
		tag:        tag,
		directives: fetch.CacheDirectives,
		meta:       cacheability.NewCacheMetadata(),
		entities:   make(map[string]*entityWrite),
	}
}

// walk visits every field of the selection set present in the response
// data, computing effective cacheability down the tree (ancestor
// minimum) and collecting tier writes.
func (w *resolveWalker) walk(selectionSet ast.SelectionSet, data map[string]any, cachePath, hashPath string, parentCC cacheability.Cacheability, ent *entityWrite) {
	for _, field := range astutil.ChildFields(w.doc, selectionSet) {
		keys := querykey.Get(field, cachePath, hashPath)
		value, present := data[keys.DataKey]
		if !present {
			// the executor returned partial data; nothing to write
			continue
		}
		info := w.rc.FieldTypeMap[keys.HashKey]
		cc := w.effectiveCacheability(parentCC, info.TypeName, keys.CacheKey)
		w.resolveValue(field, keys, info, value, cc, ent)
	}
}

// effectiveCacheability folds per-type and per-path directives into
// the inherited cacheability. The result is never valid longer than
// the parent.
func (w *resolveWalker) effectiveCacheability(parentCC cacheability.Cacheability, typeName, cachePath string) cacheability.Cacheability {
	cc := parentCC
	if directive, ok := w.m.typeCacheControls[typeName]; ok {
		cc = cacheability.Merge(cc, cacheability.New(directive, w.now))
	}
	if directive, ok := w.directives[cachePath]; ok {
		cc = cacheability.Merge(cc, cacheability.New(directive, w.now))
	}
	return cc
}

func (w *resolveWalker) resolveValue(field *ast.Field, keys querykey.Keys, info parser.TypeInfo, value any, cc cacheability.Cacheability, ent *entityWrite) {
	switch v := value.(type) {
	case map[string]any:
		if astutil.IsLeaf(field) {
			w.writeScalar(keys, v, cc, ent)
			return
		}
		w.resolveObject(field, keys, info, v, cc, keys.CacheKey, ent)
	case []any:
		if astutil.IsLeaf(field) || isScalarList(v) {
			// lists of scalars replace wholesale
			w.writeScalar(keys, v, cc, ent)
			return
		}
		w.resolveList(field, keys, info, v, cc, ent)
	case nil:
		w.writeScalar(keys, nil, cc, ent)
	default:
		w.writeScalar(keys, v, cc, ent)
	}
}

// resolveObject normalizes one object value at the given element path:
// into the data-entity tier when the object carries the resource key,
// into plain path records otherwise.
func (w *resolveWalker) resolveObject(field *ast.Field, keys querykey.Keys, info parser.TypeInfo, value map[string]any, cc cacheability.Cacheability, elemPath string, ent *entityWrite) {
	if info.IsEntity {
		if id, ok := resourceID(value, w.m.resourceKey); ok {
			key := entityKey(info.TypeName, id)
			accum := w.entity(key, info.TypeName, id, cc)
			w.walk(field.SelectionSet, value, elemPath, keys.HashKey, cc, accum)
			w.addPath(elemPath, pathRecord{Kind: pathKindEntity, EntityKey: key}, cc)
			w.meta.Set(elemPath, cc)
			if ent != nil {
				ent.fields[keys.QueryKey] = fieldValue{Ref: key}
			}
			return
		}
	}
	w.walk(field.SelectionSet, value, elemPath, keys.HashKey, cc, nil)
	w.addPath(elemPath, pathRecord{Kind: pathKindObject}, cc)
	w.meta.Set(elemPath, cc)
}

// resolveList normalizes a list of objects element by element under
// indexed paths. Lists held in an enclosing entity become lists of
// refs when every element is an entity.
func (w *resolveWalker) resolveList(field *ast.Field, keys querykey.Keys, info parser.TypeInfo, value []any, cc cacheability.Cacheability, ent *entityWrite) {
	refs := make([]fieldValue, len(value))
	allRefs := true
	for i, element := range value {
		elemPath := keys.Element(i).CacheKey
		elemMap, isMap := element.(map[string]any)
		if !isMap {
			raw := marshalValue(element)
			w.addPath(elemPath, pathRecord{Kind: pathKindScalar, Scalar: raw}, cc)
			refs[i] = fieldValue{Scalar: raw}
			allRefs = false
			continue
		}
		if info.IsEntity {
			if id, ok := resourceID(elemMap, w.m.resourceKey); ok {
				key := entityKey(info.TypeName, id)
				accum := w.entity(key, info.TypeName, id, cc)
				w.walk(field.SelectionSet, elemMap, elemPath, keys.HashKey, cc, accum)
				w.addPath(elemPath, pathRecord{Kind: pathKindEntity, EntityKey: key}, cc)
				refs[i] = fieldValue{Ref: key}
				continue
			}
		}
		w.walk(field.SelectionSet, elemMap, elemPath, keys.HashKey, cc, nil)
		w.addPath(elemPath, pathRecord{Kind: pathKindObject}, cc)
		allRefs = false
	}
	w.addPath(keys.CacheKey, pathRecord{Kind: pathKindList, ListLen: len(value)}, cc)
	w.meta.Set(keys.CacheKey, cc)
	if ent != nil && allRefs {
		ent.fields[keys.QueryKey] = fieldValue{IsList: true, List: refs}
	}
}

// writeScalar records a leaf value: a path record always, and an
// entity field when the walk is inside an entity.
func (w *resolveWalker) writeScalar(keys querykey.Keys, value any, cc cacheability.Cacheability, ent *entityWrite) {
	raw := marshalValue(value)
	w.addPath(keys.CacheKey, pathRecord{Kind: pathKindScalar, Scalar: raw}, cc)
	w.meta.Set(keys.CacheKey, cc)
	if ent != nil {
		ent.fields[keys.QueryKey] = fieldValue{Scalar: raw}
	}
}

func (w *resolveWalker) addPath(cachePath string, rec pathRecord, cc cacheability.Cacheability) {
	w.paths = append(w.paths, pathWrite{cachePath: cachePath, rec: rec, cc: cc})
}

// entity returns the write accumulator for the given entity key,
// creating it on first sight. The same entity appearing at several
// paths of one response accumulates into one write.
func (w *resolveWalker) entity(key, typeName, id string, cc cacheability.Cacheability) *entityWrite {
	if accum, ok := w.entities[key]; ok {
		accum.cc = cacheability.Merge(accum.cc, cc)
		return accum
	}
	accum := &entityWrite{
		typeName: typeName,
		id:       id,
		fields:   make(map[string]fieldValue),
		cc:       cc,
	}
	w.entities[key] = accum
	w.entityOrder = append(w.entityOrder, key)
	return accum
}

// commit applies the collected writes asynchronously: query paths and
// entities first, the response record (if any) strictly after them.
// The returned promise resolves when every tier has acknowledged;
// write errors reject the promise but never the user-visible result.
func (w *resolveWalker) commit(resp *responseWrite) <-chan error {
	promise := make(chan error, 1)
	go func() {
		defer close(promise)
		promise <- w.commitNow(resp)
	}()
	return promise
}

// commitNow applies the collected writes in the calling goroutine.
func (w *resolveWalker) commitNow(resp *responseWrite) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, write := range w.paths {
		entry := store.Entry{
			Key:   pathHash(write.cachePath),
			Value: mustMarshal(write.rec),
			Meta:  w.entryMeta(write.cc),
		}
		if err := w.m.queryPaths.Set(entry); err != nil {
			log.Error().Err(err).Str("path", write.cachePath).Msg("Could not write query-path record")
			keep(&StoreError{Tier: "queryPaths", Err: err})
		}
	}

	for _, key := range w.entityOrder {
		// entities are merged across many writes with differing
		// directives; validity is tracked per path, so entity
		// entries never expire on their own
		meta := w.entryMeta(w.entities[key].cc)
		meta.Expires = time.Time{}
		if err := w.m.writeEntity(key, w.entities[key], meta); err != nil {
			log.Error().Err(err).Str("key", key).Msg("Could not write data-entity record")
			keep(err)
		}
	}

	if resp != nil {
		if err := w.m.writeResponseRecord(resp.hash, resp.data, resp.meta, resp.queryCC, resp.tag); err != nil {
			log.Error().Err(err).Str("hash", resp.hash).Msg("Could not write response record")
			keep(err)
		}
	}

	return firstErr
}

// resolvedPromise returns an already settled cachePromise.
func resolvedPromise(err error) <-chan error {
	promise := make(chan error, 1)
	promise <- err
	close(promise)
	return promise
}

func (w *resolveWalker) entryMeta(cc cacheability.Cacheability) store.Meta {
	return store.Meta{
		CacheControl: cc.CacheControl.String(),
		StoredAt:     cc.StoredAt,
		Expires:      cc.Expires(),
		Tag:          w.tag,
	}
}

// writeEntity merges the accumulated fields into any existing record:
// scalar and ref fields replace, list fields replace wholesale.
func (m *Manager) writeEntity(key string, write *entityWrite, meta store.Meta) error {
	m.entityWriteMutex.Lock()
	defer m.entityWriteMutex.Unlock()
	rec, ok := m.readEntity(key)
	if !ok {
		rec = entityRecord{
			TypeName: write.typeName,
			ID:       write.id,
			Fields:   make(map[string]fieldValue),
		}
	}
	for name, value := range write.fields {
		rec.Fields[name] = value
	}
	entry := store.Entry{
		Key:   key,
		Value: mustMarshal(rec),
		Meta:  meta,
	}
	if err := m.dataEntities.Set(entry); err != nil {
		return &StoreError{Tier: "dataEntities", Err: err}
	}
	return nil
}

// writeResponseRecord stores the shaped response and its dehydrated
// metadata under the query fingerprint.
func (m *Manager) writeResponseRecord(hash string, data map[string]any, meta cacheability.CacheMetadata, queryCC cacheability.Cacheability, tag string) error {
	rec := responseRecord{
		Data:          mustMarshal(data),
		CacheMetadata: meta.Dehydrate(),
	}
	entry := store.Entry{
		Key:   hash,
		Value: mustMarshal(rec),
		Meta: store.Meta{
			CacheControl: queryCC.CacheControl.String(),
			StoredAt:     queryCC.StoredAt,
			Expires:      queryCC.Expires(),
			Tag:          tag,
		},
	}
	if err := m.responses.Set(entry); err != nil {
		return &StoreError{Tier: "responses", Err: err}
	}
	return nil
}

// deepMerge combines cached and freshly fetched data. Maps merge key
// by key with the fetched side winning on conflicts; lists of equal
// length merge element-wise, anything else is replaced by the fetched
// value.
func deepMerge(cached, fetched map[string]any) map[string]any {
	out := make(map[string]any, len(cached)+len(fetched))
	for key, value := range cached {
		out[key] = value
	}
	for key, fetchedValue := range fetched {
		cachedValue, exists := out[key]
		if !exists {
			out[key] = fetchedValue
			continue
		}
		out[key] = mergeValues(cachedValue, fetchedValue)
	}
	return out
}

func mergeValues(cached, fetched any) any {
	if cachedMap, ok := cached.(map[string]any); ok {
		if fetchedMap, ok := fetched.(map[string]any); ok {
			return deepMerge(cachedMap, fetchedMap)
		}
	}
	if cachedList, ok := cached.([]any); ok {
		if fetchedList, ok := fetched.([]any); ok && len(cachedList) == len(fetchedList) {
			merged := make([]any, len(fetchedList))
			for i := range fetchedList {
				merged[i] = mergeValues(cachedList[i], fetchedList[i])
			}
			return merged
		}
	}
	return fetched
}

// isScalarList reports whether no element of the list is an object.
func isScalarList(list []any) bool {
	for _, element := range list {
		if _, ok := element.(map[string]any); ok {
			return false
		}
	}
	return true
}

// resourceID extracts the resource key value of an object as a string.
func resourceID(value map[string]any, resourceKey string) (string, bool) {
	raw, ok := value[resourceKey]
	if !ok || raw == nil {
		return "", false
	}
	switch id := raw.(type) {
	case string:
		return id, true
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	case json.Number:
		return id.String(), true
	case int:
		return strconv.Itoa(id), true
	case int64:
		return strconv.FormatInt(id, 10), true
	default:
		return fmt.Sprintf("%v", id), true
	}
}

func marshalValue(value any) json.RawMessage {
	raw, err := json.Marshal(value)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}

func mustMarshal(value any) []byte {
	raw, err := json.Marshal(value)
	if err != nil {
		// records are built from JSON-decoded data and plain structs
		panic(err)
	}
	return raw
}
