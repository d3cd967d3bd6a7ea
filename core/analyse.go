package core

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"

	"github.com/gqlcache/gqlcache/cacheability"
	"github.com/gqlcache/gqlcache/parser"
	astutil "github.com/gqlcache/gqlcache/pkg/ast-util"
	querykey "github.com/gqlcache/gqlcache/pkg/query-key"
)

// AnalyseResult says whether a query can be served from cache: fully
// (Filtered false, UpdatedDoc nil, CachedData complete), partially
// (Filtered true, UpdatedDoc/UpdatedQuery request only the missing
// fields) or not at all (Filtered false, UpdatedDoc nil, CachedData
// nil).
type AnalyseResult struct {
	CachedData    map[string]any
	CacheMetadata cacheability.CacheMetadata
	Filtered      bool
	UpdatedDoc    *ast.QueryDocument
	UpdatedQuery  string
	Status        Status
}

// Analyse decides cache hit, miss or partial for a parsed query and
// synthesizes the rewritten query for partial hits. A full hit is
// also written back into the responses tier so the next identical
// request short-circuits before walking the tiers.
func (m *Manager) Analyse(rc *parser.RequestContext, hash string, doc *ast.QueryDocument) *AnalyseResult {
	// a concurrent resolve may have landed since the orchestrator
	// checked the response cache
	if cached, ok := m.CachedResponse(hash); ok {
		return &AnalyseResult{
			CachedData:    cached.Data,
			CacheMetadata: cached.CacheMetadata,
			Status:        cached.Status,
		}
	}

	op := doc.Operations[0]
	w := &analyseWalker{
		m:    m,
		rc:   rc,
		doc:  doc,
		now:  time.Now(),
		meta: cacheability.NewCacheMetadata(),
	}
	data := make(map[string]any)
	missing := w.walkSelectionSet(op.SelectionSet, nil, cacheability.Cacheability{}, false, "", "", 0, data)

	result := &AnalyseResult{CacheMetadata: w.meta}

	if len(missing) == 0 {
		// full synthesis from query paths and data entities
		queryCC := w.rootCacheability()
		w.meta.Set(cacheability.QueryPath, queryCC)
		result.CachedData = data
		result.Status.MarkHit(queryCC.TTL(w.now))
		m.writeSynthesizedResponse(hash, data, w.meta, queryCC)
		return result
	}

	if !w.served {
		result.Status.Forward(FwdReasonMiss)
		return result
	}

	result.CachedData = data
	result.Filtered = true
	result.Status.Forward(FwdReasonPartial)

	updatedOp := *op
	updatedOp.SelectionSet = missing
	result.UpdatedDoc = &ast.QueryDocument{Operations: ast.OperationList{&updatedOp}}
	result.UpdatedQuery = printDocument(result.UpdatedDoc)
	return result
}

// writeSynthesizedResponse stores a response record reconstructed
// entirely from the lower tiers.
func (m *Manager) writeSynthesizedResponse(hash string, data map[string]any, meta cacheability.CacheMetadata, queryCC cacheability.Cacheability) {
	if err := m.writeResponseRecord(hash, data, meta, queryCC, ""); err != nil {
		log.Warn().Err(err).Str("hash", hash).Msg("Could not store synthesized response")
	}
}

type analyseWalker struct {
	m       *Manager
	rc      *parser.RequestContext
	doc     *ast.QueryDocument
	now     time.Time
	meta    cacheability.CacheMetadata
	served  bool
	rootCCs []cacheability.Cacheability
}

// walkSelectionSet walks one selection set, filling out with values
// served from cache and returning the selections that must be
// refetched. source carries the entity whose fields are the source of
// truth once the walk is inside one; haveSource distinguishes it from
// the path-record route.
func (w *analyseWalker) walkSelectionSet(selectionSet ast.SelectionSet, source *entityRecord, sourceCC cacheability.Cacheability, haveSource bool, cachePath, hashPath string, depth int, out map[string]any) ast.SelectionSet {
	var missing ast.SelectionSet

	for _, field := range astutil.ChildFields(w.doc, selectionSet) {
		keys := querykey.Get(field, cachePath, hashPath)

		if astutil.IsLeaf(field) {
			if w.serveLeaf(field, keys, source, sourceCC, haveSource, depth, out) {
				continue
			}
			missing = append(missing, field)
			continue
		}

		kept, ok := w.serveComposite(field, keys, source, sourceCC, haveSource, depth, out)
		if !ok {
			missing = append(missing, field)
			continue
		}
		if kept != nil {
			missing = append(missing, kept)
		}
	}

	return missing
}

// serveLeaf serves a scalar field from the entity fields or the
// query-paths tier. It reports whether the field was served.
func (w *analyseWalker) serveLeaf(field *ast.Field, keys querykey.Keys, source *entityRecord, sourceCC cacheability.Cacheability, haveSource bool, depth int, out map[string]any) bool {
	if haveSource {
		fv, ok := source.Fields[keys.QueryKey]
		if !ok || fv.Ref != "" || fv.IsList {
			return false
		}
		// the entity field is the source of truth; a path record, if
		// present, refines the cacheability
		cc := sourceCC
		if _, pathCC, found := w.m.readPath(keys.CacheKey); found {
			cc = pathCC
		}
		if !cc.IsValid(w.now) {
			return false
		}
		w.record(field, keys, cc, depth, out, decodeRaw(fv.Scalar))
		return true
	}

	rec, cc, found := w.m.readPath(keys.CacheKey)
	if !found || rec.Kind != pathKindScalar || !cc.IsValid(w.now) {
		return false
	}
	w.record(field, keys, cc, depth, out, decodeRaw(rec.Scalar))
	return true
}

// serveComposite serves an object or list field. It returns the
// reduced selection still missing (nil when fully satisfied) and
// whether the field could be served at all.
func (w *analyseWalker) serveComposite(field *ast.Field, keys querykey.Keys, source *entityRecord, sourceCC cacheability.Cacheability, haveSource bool, depth int, out map[string]any) (*ast.Field, bool) {
	if haveSource {
		if fv, ok := source.Fields[keys.QueryKey]; ok {
			if fv.Ref != "" {
				cc := w.pathCacheabilityOr(keys.CacheKey, sourceCC)
				if !cc.IsValid(w.now) {
					return nil, false
				}
				return w.serveEntity(field, keys, fv.Ref, cc, keys.CacheKey, depth, out)
			}
			if fv.IsList {
				return w.serveRefList(field, keys, fv, sourceCC, depth, out)
			}
		}
		// fall through to the path-record route
	}

	rec, cc, found := w.m.readPath(keys.CacheKey)
	if !found || !cc.IsValid(w.now) {
		return nil, false
	}

	switch rec.Kind {
	case pathKindScalar:
		// a null object or a list of scalars stored wholesale
		w.record(field, keys, cc, depth, out, decodeRaw(rec.Scalar))
		return nil, true
	case pathKindEntity:
		return w.serveEntity(field, keys, rec.EntityKey, cc, keys.CacheKey, depth, out)
	case pathKindObject:
		childOut := make(map[string]any)
		kept := w.walkSelectionSet(field.SelectionSet, nil, cc, false, keys.CacheKey, keys.HashKey, depth+1, childOut)
		w.record(field, keys, cc, depth, out, childOut)
		return w.reducedField(field, keys, kept), true
	case pathKindList:
		return w.serveList(field, keys, rec, cc, depth, out)
	default:
		return nil, false
	}
}

// serveEntity loads the entity and recurses into its children with
// the entity fields as the source of truth.
func (w *analyseWalker) serveEntity(field *ast.Field, keys querykey.Keys, key string, cc cacheability.Cacheability, elemPath string, depth int, out map[string]any) (*ast.Field, bool) {
	ent, ok := w.m.readEntity(key)
	if !ok {
		return nil, false
	}
	childOut := make(map[string]any)
	kept := w.walkSelectionSet(field.SelectionSet, &ent, cc, true, elemPath, keys.HashKey, depth+1, childOut)
	w.record(field, keys, cc, depth, out, childOut)
	return w.reducedField(field, keys, kept), true
}

// serveList serves a list field via the indexed element path records.
// Lists with any fully absent element are refetched wholesale.
func (w *analyseWalker) serveList(field *ast.Field, keys querykey.Keys, rec pathRecord, cc cacheability.Cacheability, depth int, out map[string]any) (*ast.Field, bool) {
	slice := make([]any, rec.ListLen)
	var union ast.SelectionSet
	for i := 0; i < rec.ListLen; i++ {
		elemPath := keys.Element(i).CacheKey
		elemRec, elemCC, found := w.m.readPath(elemPath)
		if !found || !elemCC.IsValid(w.now) {
			return nil, false
		}
		switch elemRec.Kind {
		case pathKindScalar:
			slice[i] = decodeRaw(elemRec.Scalar)
		case pathKindEntity:
			ent, ok := w.m.readEntity(elemRec.EntityKey)
			if !ok {
				return nil, false
			}
			childOut := make(map[string]any)
			kept := w.walkSelectionSet(field.SelectionSet, &ent, elemCC, true, elemPath, keys.HashKey, depth+1, childOut)
			slice[i] = childOut
			union = mergeSelections(union, kept)
		case pathKindObject:
			childOut := make(map[string]any)
			kept := w.walkSelectionSet(field.SelectionSet, nil, elemCC, false, elemPath, keys.HashKey, depth+1, childOut)
			slice[i] = childOut
			union = mergeSelections(union, kept)
		default:
			return nil, false
		}
	}
	w.record(field, keys, cc, depth, out, slice)
	return w.reducedField(field, keys, union), true
}

// serveRefList serves a list of entity refs held in a parent entity's
// fields.
func (w *analyseWalker) serveRefList(field *ast.Field, keys querykey.Keys, fv fieldValue, sourceCC cacheability.Cacheability, depth int, out map[string]any) (*ast.Field, bool) {
	cc := w.pathCacheabilityOr(keys.CacheKey, sourceCC)
	if !cc.IsValid(w.now) {
		return nil, false
	}
	slice := make([]any, len(fv.List))
	var union ast.SelectionSet
	for i, element := range fv.List {
		if element.Ref == "" {
			slice[i] = decodeRaw(element.Scalar)
			continue
		}
		ent, ok := w.m.readEntity(element.Ref)
		if !ok {
			return nil, false
		}
		elemPath := keys.Element(i).CacheKey
		childOut := make(map[string]any)
		kept := w.walkSelectionSet(field.SelectionSet, &ent, cc, true, elemPath, keys.HashKey, depth+1, childOut)
		slice[i] = childOut
		union = mergeSelections(union, kept)
	}
	w.record(field, keys, cc, depth, out, slice)
	return w.reducedField(field, keys, union), true
}

// pathCacheabilityOr returns the cacheability recorded at the path,
// falling back to the parent entity's when none is recorded.
func (w *analyseWalker) pathCacheabilityOr(cachePath string, fallback cacheability.Cacheability) cacheability.Cacheability {
	if _, cc, found := w.m.readPath(cachePath); found {
		return cc
	}
	return fallback
}

// record notes a served value and its cacheability.
func (w *analyseWalker) record(field *ast.Field, keys querykey.Keys, cc cacheability.Cacheability, depth int, out map[string]any, value any) {
	out[keys.DataKey] = value
	w.meta.Set(keys.CacheKey, cc)
	w.served = true
	if depth == 0 {
		w.rootCCs = append(w.rootCCs, cc)
	}
}

// reducedField returns a copy of the field selecting only the missing
// children (plus the resource key, which the resolver needs to merge
// the refetched data back into the right entity). A nil return means
// the subtree is fully satisfied.
func (w *analyseWalker) reducedField(field *ast.Field, keys querykey.Keys, missing ast.SelectionSet) *ast.Field {
	if len(missing) == 0 {
		return nil
	}
	if info, ok := w.rc.FieldTypeMap[keys.HashKey]; ok && info.IsEntity {
		resourceKey := w.m.resourceKey
		if !selectionHasField(missing, resourceKey) {
			for _, child := range astutil.ChildFields(w.doc, field.SelectionSet) {
				if child.Name == resourceKey {
					missing = append(missing, child)
					break
				}
			}
		}
	}
	reduced := *field
	reduced.SelectionSet = missing
	return &reduced
}

// rootCacheability folds the cacheabilities of the served root fields
// into the directive for the whole synthesized response.
func (w *analyseWalker) rootCacheability() cacheability.Cacheability {
	if len(w.rootCCs) == 0 {
		return cacheability.New(w.m.defaults.Query, w.now)
	}
	cc := w.rootCCs[0]
	for _, other := range w.rootCCs[1:] {
		cc = cacheability.Merge(cc, other)
	}
	return cc
}

// mergeSelections unions two selection sets by query key.
func mergeSelections(dst, add ast.SelectionSet) ast.SelectionSet {
	for _, selection := range add {
		field, ok := selection.(*ast.Field)
		if !ok {
			continue
		}
		queryKey := field.Name + querykey.SerializeArguments(field.Arguments)
		if !selectionHasQueryKey(dst, queryKey) {
			dst = append(dst, field)
		}
	}
	return dst
}

func selectionHasQueryKey(selectionSet ast.SelectionSet, queryKey string) bool {
	for _, selection := range selectionSet {
		if field, ok := selection.(*ast.Field); ok {
			if field.Name+querykey.SerializeArguments(field.Arguments) == queryKey {
				return true
			}
		}
	}
	return false
}

func selectionHasField(selectionSet ast.SelectionSet, name string) bool {
	for _, selection := range selectionSet {
		if field, ok := selection.(*ast.Field); ok && field.Name == name {
			return true
		}
	}
	return false
}

// decodeRaw decodes a raw JSON value the same way the executor
// decodes live responses, so cached and fresh values are structurally
// identical.
func decodeRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil
	}
	return value
}

// printDocument renders a query document to its canonical string.
func printDocument(doc *ast.QueryDocument) string {
	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(doc)
	return buf.String()
}
