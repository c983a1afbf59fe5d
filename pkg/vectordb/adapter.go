package vectordb

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openviking/openviking-go/pkg/filter"
	"github.com/openviking/openviking-go/pkg/vkerr"
)

// deleteScanLimit bounds the id-collection pass of a delete-by-filter.
const deleteScanLimit = 100000

// errDropUnsupported marks backends whose collections cannot be
// dropped through this API.
var errDropUnsupported = errors.New("collection drop not supported by backend")

// Adapter runs the shared collection pipeline on top of a
// backend-specific storage plane. All public methods lazily bind the
// underlying collection.
type Adapter struct {
	mu      sync.Mutex
	name    string
	backend backend
	coll    collection
	logger  *zap.Logger
}

func newAdapter(name string, b backend, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{name: name, backend: b, logger: logger}
}

// Name returns the bound collection name.
func (a *Adapter) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.name
}

// Mode identifies the backend flavor (local, http, volcengine, vikingdb).
func (a *Adapter) Mode() string { return a.backend.mode() }

func (a *Adapter) loadLocked(ctx context.Context) error {
	if a.coll != nil {
		return nil
	}
	coll, err := a.backend.loadExisting(ctx)
	if err != nil {
		return err
	}
	a.coll = coll
	return nil
}

// CollectionExists reports whether the bound collection is reachable.
func (a *Adapter) CollectionExists(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.loadLocked(ctx); err != nil {
		a.logger.Warn("Collection existence check failed",
			zap.String("collection", a.name), zap.Error(err))
		return false
	}
	return a.coll != nil
}

func (a *Adapter) getCollection(ctx context.Context) (collection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.loadLocked(ctx); err != nil {
		return nil, err
	}
	if a.coll == nil {
		return nil, vkerr.New(vkerr.KindCollectionNotFound, "collection %s does not exist", a.name)
	}
	return a.coll, nil
}

// CreateCollection creates the bound collection and its default index.
// Returns false when the collection already exists.
func (a *Adapter) CreateCollection(ctx context.Context, name string, schema CollectionMeta, distance string, sparseWeight float64, indexName string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.loadLocked(ctx); err != nil {
		return false, err
	}
	if a.coll != nil {
		return false, nil
	}

	a.name = name
	meta := schema
	scalarIndex := meta.ScalarIndex
	// The scalar index rides on the index definition, not the collection.
	meta.ScalarIndex = nil
	if meta.CollectionName == "" {
		meta.CollectionName = name
	}
	meta.Fields = append([]Field(nil), schema.Fields...)

	coll, err := a.backend.createCollection(ctx, meta)
	if err != nil {
		return false, err
	}
	a.coll = coll

	scalarIndex = a.sanitizeScalarIndex(scalarIndex, meta.Fields)
	indexMeta := a.buildIndexMeta(indexName, distance, sparseWeight, scalarIndex)
	if err := coll.createIndex(ctx, indexName, indexMeta); err != nil {
		return false, err
	}
	return true, nil
}

// DropCollection drops the indexes first, then the collection. Returns
// false without error when nothing exists or the backend refuses drops.
func (a *Adapter) DropCollection(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.loadLocked(ctx); err != nil {
		return false, err
	}
	if a.coll == nil {
		return false, nil
	}
	coll := a.coll

	indexes, err := coll.listIndexes(ctx)
	if err != nil {
		a.logger.Warn("Failed to list indexes before dropping collection", zap.Error(err))
	}
	for _, name := range indexes {
		if err := coll.dropIndex(ctx, name); err != nil {
			a.logger.Warn("Failed to drop index", zap.String("index", name), zap.Error(err))
		}
	}

	a.coll = nil
	if err := coll.drop(ctx); err != nil {
		if errors.Is(err, errDropUnsupported) {
			a.logger.Warn("Collection drop not supported", zap.String("mode", a.backend.mode()))
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Close releases the bound collection handle.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.coll == nil {
		return nil
	}
	err := a.coll.close()
	a.coll = nil
	return err
}

// GetCollectionInfo returns the backend's collection definition, or nil
// when the collection does not exist.
func (a *Adapter) GetCollectionInfo(ctx context.Context) (*CollectionMeta, error) {
	a.mu.Lock()
	if err := a.loadLocked(ctx); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	coll := a.coll
	a.mu.Unlock()
	if coll == nil {
		return nil, nil
	}
	return coll.getMetaData(ctx)
}

// Upsert writes records, assigning a fresh uuid to any record without
// an id, and returns the ids in input order.
func (a *Adapter) Upsert(ctx context.Context, records ...Record) ([]string, error) {
	coll, err := a.getCollection(ctx)
	if err != nil {
		return nil, err
	}
	normalized := make([]Record, 0, len(records))
	ids := make([]string, 0, len(records))
	for _, item := range records {
		rec := make(Record, len(item)+1)
		for k, v := range item {
			rec[k] = v
		}
		id, _ := rec["id"].(string)
		if id == "" {
			id = uuid.NewString()
		}
		rec["id"] = id
		ids = append(ids, id)
		normalized = append(normalized, rec)
	}
	if err := coll.upsertData(ctx, normalized); err != nil {
		return nil, err
	}
	return ids, nil
}

// Get fetches records by primary key. Missing ids are skipped.
func (a *Adapter) Get(ctx context.Context, ids []string) ([]Record, error) {
	coll, err := a.getCollection(ctx)
	if err != nil {
		return nil, err
	}
	fetched, err := coll.fetchData(ctx, ids)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(fetched))
	for _, rec := range fetched {
		records = append(records, a.normalizeRecord(rec))
	}
	return records, nil
}

// Query dispatches to vector, scalar, or random search and attaches
// ScoreField to every hit.
func (a *Adapter) Query(ctx context.Context, opts QueryOptions) ([]Record, error) {
	coll, err := a.getCollection(ctx)
	if err != nil {
		return nil, err
	}
	compiled, err := compileFilter(opts.Filter)
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	req := searchRequest{
		IndexName:    DefaultIndexName,
		DenseVector:  opts.Vector,
		SparseVector: opts.SparseVector,
		Limit:        limit,
		Offset:       opts.Offset,
		Filter:       compiled,
		OutputFields: opts.OutputFields,
	}

	var items []searchItem
	switch {
	case len(opts.Vector) > 0 || len(opts.SparseVector) > 0:
		items, err = coll.searchByVector(ctx, req)
	case opts.OrderBy != "":
		req.Field = opts.OrderBy
		req.Order = "asc"
		if opts.OrderDesc {
			req.Order = "desc"
		}
		items, err = coll.searchByScalar(ctx, req)
	default:
		items, err = coll.searchByRandom(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(items))
	for _, item := range items {
		rec := make(Record, len(item.Fields)+2)
		for k, v := range item.Fields {
			rec[k] = v
		}
		rec["id"] = item.ID
		score := 0.0
		if item.Score != nil {
			score = *item.Score
		}
		rec[ScoreField] = score
		rec = a.normalizeRecord(rec)
		if !opts.WithVector {
			delete(rec, "vector")
			delete(rec, "sparse_vector")
		}
		records = append(records, rec)
	}
	return records, nil
}

// Delete removes records by id, or by filter via a bounded id scan.
// Returns the number of ids deleted.
func (a *Adapter) Delete(ctx context.Context, opts DeleteOptions) (int, error) {
	coll, err := a.getCollection(ctx)
	if err != nil {
		return 0, err
	}
	ids := append([]string(nil), opts.IDs...)
	if len(ids) == 0 && opts.Filter != nil {
		limit := opts.Limit
		if limit <= 0 {
			limit = deleteScanLimit
		}
		matched, err := a.Query(ctx, QueryOptions{Filter: opts.Filter, Limit: limit, WithVector: true})
		if err != nil {
			return 0, err
		}
		for _, rec := range matched {
			if id, _ := rec["id"].(string); id != "" {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := coll.deleteData(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Count aggregates the record count under an optional filter.
func (a *Adapter) Count(ctx context.Context, f any) (int, error) {
	coll, err := a.getCollection(ctx)
	if err != nil {
		return 0, err
	}
	compiled, err := compileFilter(f)
	if err != nil {
		return 0, err
	}
	agg, err := coll.aggregate(ctx, "count", "", compiled)
	if err != nil {
		return 0, err
	}
	if total, ok := coerceInt(agg["_total"]); ok {
		return total, nil
	}
	return 0, nil
}

// Clear deletes every record but keeps the collection.
func (a *Adapter) Clear(ctx context.Context) error {
	coll, err := a.getCollection(ctx)
	if err != nil {
		return err
	}
	return coll.deleteAllData(ctx)
}

func (a *Adapter) sanitizeScalarIndex(fields []string, meta []Field) []string {
	if s, ok := a.backend.(scalarIndexSanitizer); ok {
		return s.sanitizeScalarIndex(fields, meta)
	}
	return fields
}

func (a *Adapter) buildIndexMeta(indexName, distance string, sparseWeight float64, scalarIndex []string) IndexMeta {
	if b, ok := a.backend.(indexMetaBuilder); ok {
		return b.buildIndexMeta(indexName, distance, sparseWeight, scalarIndex)
	}
	return defaultIndexMeta(indexName, distance, sparseWeight, scalarIndex, "flat", "flat_hybrid")
}

func (a *Adapter) normalizeRecord(rec Record) Record {
	if n, ok := a.backend.(readNormalizer); ok {
		return n.normalizeRecord(rec)
	}
	return rec
}

// defaultIndexMeta builds the single-index definition with the given
// dense and hybrid index types.
func defaultIndexMeta(indexName, distance string, sparseWeight float64, scalarIndex []string, denseType, hybridType string) IndexMeta {
	useSparse := sparseWeight > 0
	indexType := denseType
	if useSparse {
		indexType = hybridType
	}
	meta := IndexMeta{
		IndexName: indexName,
		VectorIndex: VectorIndexMeta{
			IndexType: indexType,
			Distance:  distance,
			Quant:     "int8",
		},
		ScalarIndex: append([]string(nil), scalarIndex...),
	}
	if useSparse {
		meta.VectorIndex.EnableSparse = true
		meta.VectorIndex.SearchWithSparseLogitAlpha = sparseWeight
	}
	return meta
}

// dropDateTimeScalarFields removes date_time fields from a scalar index
// list. The hosted VikingDB variants reject scalar indexes on them.
func dropDateTimeScalarFields(fields []string, meta []Field) []string {
	dateTime := make(map[string]bool)
	for _, f := range meta {
		if f.FieldType == FieldTypeDateTime {
			dateTime[f.FieldName] = true
		}
	}
	kept := make([]string, 0, len(fields))
	for _, name := range fields {
		if !dateTime[name] {
			kept = append(kept, name)
		}
	}
	return kept
}

// restoreURIPrefix re-prefixes persisted uri fields that a backend
// stored in stripped form.
func restoreURIPrefix(rec Record) Record {
	for _, key := range []string{"uri", "parent_uri"} {
		v, ok := rec[key].(string)
		if !ok || strings.HasPrefix(v, "viking://") {
			continue
		}
		stripped := strings.Trim(v, "/")
		if stripped != "" {
			rec[key] = "viking://" + stripped
		}
	}
	return rec
}

// compileFilter accepts a filter.Expr, a pre-compiled wire map, or nil.
func compileFilter(f any) (map[string]any, error) {
	switch v := f.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	case filter.Expr:
		return filter.Compile(v)
	default:
		return nil, vkerr.New(vkerr.KindInvalidArgument, "unsupported filter type %T", f)
	}
}

// coerceInt accepts the count shapes remote backends return: integers,
// integral floats, and digit strings. Booleans are rejected.
func coerceInt(v any) (int, bool) {
	switch n := v.(type) {
	case bool:
		return 0, false
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int64(n)) {
			return int(n), true
		}
	case float32:
		if float64(n) == float64(int64(n)) {
			return int(n), true
		}
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		if parsed, err := strconv.Atoi(s); err == nil {
			return parsed, true
		}
	}
	return 0, false
}
