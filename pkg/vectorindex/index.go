// Package vectorindex layers tenant semantics over the vector store:
// stable record ids, schema-filtered writes, scope-filtered searches,
// and the URI lifecycle operations (rename, subtree delete, use counts).
package vectorindex

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/openviking/openviking-go/pkg/filter"
	"github.com/openviking/openviking-go/pkg/identity"
	"github.com/openviking/openviking-go/pkg/types"
	"github.com/openviking/openviking-go/pkg/vectordb"
	"github.com/openviking/openviking-go/pkg/vkerr"
)

// AllowedContextTypes lists the context_type values the index accepts.
var AllowedContextTypes = map[string]bool{
	string(types.ContextTypeResource): true,
	string(types.ContextTypeSkill):    true,
	string(types.ContextTypeMemory):   true,
}

const (
	// removeScanLimit bounds the per-directory child scan during subtree
	// removal.
	removeScanLimit = 100000

	defaultScrollLimit = 100
)

// Index is the single-collection vector backend with tenant semantics.
type Index struct {
	adapter      *vectordb.Adapter
	vectorDim    int
	distance     string
	sparseWeight float64
	logger       *zap.Logger

	closing atomic.Bool

	mu     sync.Mutex
	schema vectordb.CollectionMeta
	fields map[string]bool
}

// New builds the index and its backing adapter from one config.
func New(ctx context.Context, cfg vectordb.Config, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dimension <= 0 {
		return nil, vkerr.New(vkerr.KindInvalidArgument, "vector index requires a positive dimension")
	}
	adapter, err := vectordb.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	schema := vectordb.ContextSchema(cfg.CollectionName(), cfg.Dimension)
	if cfg.SchemaFile != "" {
		schema, err = vectordb.LoadSchemaFile(cfg.SchemaFile, cfg.CollectionName(), cfg.Dimension)
		if err != nil {
			return nil, err
		}
	}
	logger.Info("Vector index initialized",
		zap.String("collection", cfg.CollectionName()),
		zap.String("mode", adapter.Mode()),
		zap.Int("dimension", cfg.Dimension))
	return &Index{
		adapter:      adapter,
		vectorDim:    cfg.Dimension,
		distance:     cfg.Distance(),
		sparseWeight: cfg.SparseWeight,
		logger:       logger,
		schema:       schema,
	}, nil
}

// CollectionName returns the name of the bound collection.
func (ix *Index) CollectionName() string { return ix.adapter.Name() }

// Mode reports the backing adapter's backend name.
func (ix *Index) Mode() string { return ix.adapter.Mode() }

// Dimension returns the configured dense vector width.
func (ix *Index) Dimension() int { return ix.vectorDim }

// Closing reports whether Close has started. Queue handlers consult it
// to skip writes during shutdown instead of failing them.
func (ix *Index) Closing() bool { return ix.closing.Load() }

// EnsureCollection creates the bound collection with the configured
// schema when it does not exist yet.
func (ix *Index) EnsureCollection(ctx context.Context) (bool, error) {
	ix.mu.Lock()
	schema := ix.schema
	ix.mu.Unlock()
	return ix.CreateCollection(ctx, schema.CollectionName, schema)
}

// CreateCollection creates the collection and its default index. False
// without error means it already existed.
func (ix *Index) CreateCollection(ctx context.Context, name string, schema vectordb.CollectionMeta) (bool, error) {
	if err := vectordb.ValidateSchema(&schema); err != nil {
		return false, err
	}
	created, err := ix.adapter.CreateCollection(ctx, name, schema, ix.distance, ix.sparseWeight, vectordb.DefaultIndexName)
	if err != nil {
		return false, err
	}
	if created {
		ix.mu.Lock()
		ix.schema = schema
		ix.fields = nil
		ix.mu.Unlock()
		ix.logger.Info("Created collection",
			zap.String("collection", name),
			zap.Int("dimension", schema.VectorDim()))
	}
	return created, nil
}

// DropCollection drops the collection. False without error means there
// was nothing to drop or the backend refuses drops.
func (ix *Index) DropCollection(ctx context.Context) (bool, error) {
	dropped, err := ix.adapter.DropCollection(ctx)
	if err != nil {
		return false, err
	}
	if dropped {
		ix.invalidateFields()
	}
	return dropped, nil
}

// CollectionExists reports whether the bound collection exists.
func (ix *Index) CollectionExists(ctx context.Context) bool {
	return ix.adapter.CollectionExists(ctx)
}

// CollectionInfo is the summary shape reported over the admin surface.
type CollectionInfo struct {
	Name      string `json:"name"`
	VectorDim int    `json:"vector_dim"`
	Count     int    `json:"count"`
	Status    string `json:"status"`
}

// GetCollectionInfo returns the collection summary, or nil when the
// collection does not exist.
func (ix *Index) GetCollectionInfo(ctx context.Context) (*CollectionInfo, error) {
	if !ix.adapter.CollectionExists(ctx) {
		return nil, nil
	}
	dim := ix.vectorDim
	if meta, err := ix.adapter.GetCollectionInfo(ctx); err == nil && meta != nil {
		if d := meta.VectorDim(); d > 0 {
			dim = d
		}
	}
	count, err := ix.adapter.Count(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &CollectionInfo{
		Name:      ix.adapter.Name(),
		VectorDim: dim,
		Count:     count,
		Status:    "active",
	}, nil
}

// Upsert writes one record. Records carrying a uri get the stable id
// derived from (account_id, uri) so repeated writes to the same URI
// update in place; unknown fields and nil values are dropped against
// the collection schema.
func (ix *Index) Upsert(ctx context.Context, rec vectordb.Record) (string, error) {
	if ct, ok := rec["context_type"].(string); ok && ct != "" && !AllowedContextTypes[ct] {
		return "", vkerr.New(vkerr.KindInvalidArgument, "invalid context_type %q", ct)
	}
	payload := make(vectordb.Record, len(rec)+1)
	for k, v := range rec {
		payload[k] = v
	}
	if id, _ := payload["id"].(string); id == "" {
		if u, _ := payload["uri"].(string); u != "" {
			accountID, _ := payload["account_id"].(string)
			if accountID == "" {
				accountID = identity.DefaultAccountID
			}
			payload["id"] = types.NodeID(accountID, u)
		}
	}
	payload = ix.filterKnownFields(ctx, payload)
	ids, err := ix.adapter.Upsert(ctx, payload)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

// Get fetches records by id.
func (ix *Index) Get(ctx context.Context, ids []string) ([]vectordb.Record, error) {
	return ix.adapter.Get(ctx, ids)
}

// Delete removes records by id and returns how many were addressed.
func (ix *Index) Delete(ctx context.Context, ids []string) (int, error) {
	return ix.adapter.Delete(ctx, vectordb.DeleteOptions{IDs: ids})
}

// Exists reports whether a record id is present.
func (ix *Index) Exists(ctx context.Context, id string) bool {
	records, err := ix.adapter.Get(ctx, []string{id})
	return err == nil && len(records) > 0
}

// FetchByURI returns the record stored at a URI. Nil when the URI has
// no record, or more than one (ambiguous across accounts).
func (ix *Index) FetchByURI(ctx context.Context, u string) (vectordb.Record, error) {
	records, err := ix.adapter.Query(ctx, vectordb.QueryOptions{
		Filter: filter.Eq{Field: "uri", Value: u},
		Limit:  2,
	})
	if err != nil {
		return nil, err
	}
	if len(records) != 1 {
		return nil, nil
	}
	return records[0], nil
}

// Query forwards to the adapter unchanged. Tenant-aware call sites use
// the scoped searches instead.
func (ix *Index) Query(ctx context.Context, opts vectordb.QueryOptions) ([]vectordb.Record, error) {
	return ix.adapter.Query(ctx, opts)
}

// RemoveByURI deletes the records at a URI, cascading through directory
// levels: level-0/1 nodes take their whole subtree with them.
func (ix *Index) RemoveByURI(ctx context.Context, u string) (int, error) {
	targets, err := ix.adapter.Query(ctx, vectordb.QueryOptions{
		Filter: filter.Eq{Field: "uri", Value: u},
		Limit:  10,
	})
	if err != nil {
		return 0, err
	}
	if len(targets) == 0 {
		return 0, nil
	}

	total := 0
	for _, rec := range targets {
		if level, ok := levelOf(rec); ok && (level == 0 || level == 1) {
			removed, err := ix.removeDescendants(ctx, u)
			total += removed
			if err != nil {
				return total, err
			}
			break
		}
	}

	ids := make([]string, 0, len(targets))
	for _, rec := range targets {
		if id, _ := rec["id"].(string); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		deleted, err := ix.Delete(ctx, ids)
		total += deleted
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (ix *Index) removeDescendants(ctx context.Context, parentURI string) (int, error) {
	children, err := ix.adapter.Query(ctx, vectordb.QueryOptions{
		Filter: filter.Eq{Field: "parent_uri", Value: parentURI},
		Limit:  removeScanLimit,
	})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, child := range children {
		childURI, _ := child["uri"].(string)
		level, ok := levelOf(child)
		if !ok {
			level = 2
		}
		if (level == 0 || level == 1) && childURI != "" {
			removed, err := ix.removeDescendants(ctx, childURI)
			total += removed
			if err != nil {
				return total, err
			}
		}
		if id, _ := child["id"].(string); id != "" {
			if _, err := ix.Delete(ctx, []string{id}); err != nil {
				return total, err
			}
			total++
		}
	}
	return total, nil
}

// ScrollOptions parameterize cursor pagination. The cursor is the
// decimal offset of the next page.
type ScrollOptions struct {
	Filter       any
	Limit        int
	Cursor       string
	OutputFields []string
}

// Scroll pages through records. The returned cursor is empty when the
// scan is exhausted.
func (ix *Index) Scroll(ctx context.Context, opts ScrollOptions) ([]vectordb.Record, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultScrollLimit
	}
	offset := 0
	if opts.Cursor != "" {
		n, err := strconv.Atoi(opts.Cursor)
		if err != nil {
			return nil, "", vkerr.Wrap(vkerr.KindInvalidArgument, err, "invalid scroll cursor %q", opts.Cursor)
		}
		offset = n
	}
	records, err := ix.adapter.Query(ctx, vectordb.QueryOptions{
		Filter:       opts.Filter,
		Limit:        limit,
		Offset:       offset,
		OutputFields: opts.OutputFields,
	})
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(records) == limit {
		next = strconv.Itoa(offset + limit)
	}
	return records, next, nil
}

// Count returns the record count under an optional filter.
func (ix *Index) Count(ctx context.Context, f any) (int, error) {
	return ix.adapter.Count(ctx, f)
}

// Clear deletes every record but keeps the collection.
func (ix *Index) Clear(ctx context.Context) error {
	return ix.adapter.Clear(ctx)
}

// Optimize is accepted for API compatibility; backends compact on their
// own schedule.
func (ix *Index) Optimize(ctx context.Context) error {
	ix.logger.Info("Optimization requested", zap.String("collection", ix.adapter.Name()))
	return nil
}

// Close marks the index as closing and releases the adapter. The flag
// flips before the adapter shuts down so in-flight queue handlers can
// drain cleanly.
func (ix *Index) Close() error {
	ix.closing.Store(true)
	ix.invalidateFields()
	if err := ix.adapter.Close(); err != nil {
		return err
	}
	ix.logger.Info("Vector index closed")
	return nil
}

// HealthCheck probes the backend: an absent collection is healthy, a
// present one must answer a count.
func (ix *Index) HealthCheck(ctx context.Context) bool {
	if ix.closing.Load() {
		return false
	}
	if !ix.adapter.CollectionExists(ctx) {
		return true
	}
	_, err := ix.adapter.Count(ctx, nil)
	return err == nil
}

// Stats summarizes the index for monitoring surfaces.
type Stats struct {
	Collections  int    `json:"collections"`
	TotalRecords int    `json:"total_records"`
	Backend      string `json:"backend"`
	Mode         string `json:"mode"`
}

// GetStats reports collection presence and record totals.
func (ix *Index) GetStats(ctx context.Context) (Stats, error) {
	stats := Stats{Backend: "vikingdb", Mode: ix.adapter.Mode()}
	if !ix.adapter.CollectionExists(ctx) {
		return stats, nil
	}
	stats.Collections = 1
	total, err := ix.adapter.Count(ctx, nil)
	if err != nil {
		return stats, err
	}
	stats.TotalRecords = total
	return stats, nil
}

func (ix *Index) filterKnownFields(ctx context.Context, rec vectordb.Record) vectordb.Record {
	allowed := ix.knownFields(ctx)
	out := make(vectordb.Record, len(rec))
	for k, v := range rec {
		if allowed[k] && v != nil {
			out[k] = v
		}
	}
	return out
}

// knownFields resolves the allowed field set, preferring the backend's
// live collection definition over the configured schema.
func (ix *Index) knownFields(ctx context.Context) map[string]bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.fields == nil {
		fields := ix.schema.FieldNames()
		if meta, err := ix.adapter.GetCollectionInfo(ctx); err == nil && meta != nil && len(meta.Fields) > 0 {
			fields = meta.FieldNames()
		}
		ix.fields = fields
	}
	return ix.fields
}

func (ix *Index) invalidateFields() {
	ix.mu.Lock()
	ix.fields = nil
	ix.mu.Unlock()
}

func levelOf(rec vectordb.Record) (int, bool) {
	switch v := rec["level"].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float32:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func intValue(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case float32:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err == nil {
			return n
		}
	}
	return 0
}
