package vectordb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/openviking/openviking-go/pkg/vkerr"
)

const (
	localProjectDirName = "vectordb"
	localMetaFileName   = "collection_meta.json"
	localIndexFileName  = "index_meta.json"
	localRecordsDBName  = "records.db"
)

// localBackend keeps collections embedded on disk: metadata as JSON,
// records in sqlite, search as an exact in-memory scan.
type localBackend struct {
	projectPath string
	name        string
	logger      *zap.Logger
}

func newLocalBackend(cfg Config, logger *zap.Logger) *localBackend {
	projectPath := ""
	if cfg.Path != "" {
		projectPath = filepath.Join(cfg.Path, localProjectDirName)
	}
	return &localBackend{
		projectPath: projectPath,
		name:        cfg.CollectionName(),
		logger:      logger,
	}
}

func (b *localBackend) mode() string { return BackendLocal }

func (b *localBackend) collectionDir() string {
	if b.projectPath == "" {
		return ""
	}
	return filepath.Join(b.projectPath, b.name)
}

func (b *localBackend) loadExisting(ctx context.Context) (collection, error) {
	dir := b.collectionDir()
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(filepath.Join(dir, localMetaFileName)); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "stat collection dir %s", dir)
	}
	return openLocalCollection(dir, b.logger)
}

func (b *localBackend) createCollection(ctx context.Context, meta CollectionMeta) (collection, error) {
	dir := b.collectionDir()
	if dir == "" {
		return nil, vkerr.New(vkerr.KindInvalidArgument, "local backend requires a storage path")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "create collection dir %s", dir)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, vkerr.Wrap(vkerr.KindSchemaError, err, "encode collection meta")
	}
	if err := os.WriteFile(filepath.Join(dir, localMetaFileName), data, 0o644); err != nil {
		return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "write collection meta")
	}
	return openLocalCollection(dir, b.logger)
}

// localCollection keeps the full record set in memory and writes every
// mutation through to sqlite, so reopen restores state.
type localCollection struct {
	mu      sync.RWMutex
	dir     string
	meta    CollectionMeta
	indexes map[string]IndexMeta
	db      *sqlx.DB
	recs    map[string]Record
	paths   map[string]bool
	logger  *zap.Logger
}

func openLocalCollection(dir string, logger *zap.Logger) (*localCollection, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metaData, err := os.ReadFile(filepath.Join(dir, localMetaFileName))
	if err != nil {
		return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "read collection meta in %s", dir)
	}
	var meta CollectionMeta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, vkerr.Wrap(vkerr.KindSchemaError, err, "parse collection meta in %s", dir)
	}

	indexes := make(map[string]IndexMeta)
	if indexData, err := os.ReadFile(filepath.Join(dir, localIndexFileName)); err == nil {
		if err := json.Unmarshal(indexData, &indexes); err != nil {
			return nil, vkerr.Wrap(vkerr.KindSchemaError, err, "parse index meta in %s", dir)
		}
	}

	db, err := sqlx.Open("sqlite3", filepath.Join(dir, localRecordsDBName))
	if err != nil {
		return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "open records db in %s", dir)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		doc TEXT NOT NULL,
		vec BLOB,
		sparse TEXT
	)`); err != nil {
		db.Close()
		return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "create records table")
	}

	c := &localCollection{
		dir:     dir,
		meta:    meta,
		indexes: indexes,
		db:      db,
		recs:    make(map[string]Record),
		paths:   meta.PathFields(),
		logger:  logger,
	}
	if err := c.loadRecords(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *localCollection) loadRecords() error {
	rows, err := c.db.Queryx(`SELECT id, doc, vec, sparse FROM records`)
	if err != nil {
		return vkerr.Wrap(vkerr.KindUnavailable, err, "load records")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, doc string
			vec     []byte
			sparse  []byte
		)
		if err := rows.Scan(&id, &doc, &vec, &sparse); err != nil {
			return vkerr.Wrap(vkerr.KindUnavailable, err, "scan record row")
		}
		rec := Record{}
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return vkerr.Wrap(vkerr.KindSchemaError, err, "decode record %s", id)
		}
		rec["id"] = id
		if len(vec) > 0 {
			rec["vector"] = decodeVector(vec)
		}
		if len(sparse) > 0 {
			var sv map[string]float32
			if err := json.Unmarshal(sparse, &sv); err != nil {
				return vkerr.Wrap(vkerr.KindSchemaError, err, "decode sparse vector %s", id)
			}
			rec["sparse_vector"] = sv
		}
		c.recs[id] = rec
	}
	return rows.Err()
}

func (c *localCollection) getMetaData(ctx context.Context) (*CollectionMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta := c.meta
	meta.Fields = append([]Field(nil), c.meta.Fields...)
	return &meta, nil
}

func (c *localCollection) persistIndexes() error {
	data, err := json.MarshalIndent(c.indexes, "", "  ")
	if err != nil {
		return vkerr.Wrap(vkerr.KindSchemaError, err, "encode index meta")
	}
	if err := os.WriteFile(filepath.Join(c.dir, localIndexFileName), data, 0o644); err != nil {
		return vkerr.Wrap(vkerr.KindUnavailable, err, "write index meta")
	}
	return nil
}

func (c *localCollection) createIndex(ctx context.Context, name string, meta IndexMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexes[name] = meta
	return c.persistIndexes()
}

func (c *localCollection) listIndexes(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.indexes))
	for name := range c.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *localCollection) dropIndex(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.indexes, name)
	return c.persistIndexes()
}

func (c *localCollection) drop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		c.db.Close()
		c.db = nil
	}
	if err := os.RemoveAll(c.dir); err != nil {
		return vkerr.Wrap(vkerr.KindUnavailable, err, "remove collection dir %s", c.dir)
	}
	return nil
}

func (c *localCollection) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

func (c *localCollection) upsertData(ctx context.Context, records []Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return vkerr.Wrap(vkerr.KindUnavailable, err, "begin upsert")
	}
	for _, item := range records {
		rec := canonicalizeRecord(item)
		id, _ := rec["id"].(string)
		if id == "" {
			tx.Rollback()
			return vkerr.New(vkerr.KindInvalidArgument, "record without id")
		}
		doc, vec, sparse, err := encodeRecord(rec)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO records (id, doc, vec, sparse) VALUES (?, ?, ?, ?)`,
			id, doc, vec, sparse); err != nil {
			tx.Rollback()
			return vkerr.Wrap(vkerr.KindUnavailable, err, "upsert record %s", id)
		}
		c.recs[id] = rec
	}
	if err := tx.Commit(); err != nil {
		return vkerr.Wrap(vkerr.KindUnavailable, err, "commit upsert")
	}
	return nil
}

func (c *localCollection) fetchData(ctx context.Context, ids []string) ([]Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := c.recs[id]; ok {
			records = append(records, copyRecord(rec))
		}
	}
	return records, nil
}

func (c *localCollection) deleteData(ctx context.Context, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return vkerr.Wrap(vkerr.KindUnavailable, err, "begin delete")
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
			tx.Rollback()
			return vkerr.Wrap(vkerr.KindUnavailable, err, "delete record %s", id)
		}
		delete(c.recs, id)
	}
	if err := tx.Commit(); err != nil {
		return vkerr.Wrap(vkerr.KindUnavailable, err, "commit delete")
	}
	return nil
}

func (c *localCollection) deleteAllData(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return vkerr.Wrap(vkerr.KindUnavailable, err, "clear records")
	}
	c.recs = make(map[string]Record)
	return nil
}

// matching returns filter-passing records in a deterministic (id)
// order. Callers hold at least a read lock.
func (c *localCollection) matching(f map[string]any) []Record {
	ids := make([]string, 0, len(c.recs))
	for id, rec := range c.recs {
		if matchFilter(rec, f, c.paths) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.recs[id])
	}
	return out
}

func (c *localCollection) searchByVector(ctx context.Context, req searchRequest) ([]searchItem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	distance, alpha := c.indexParams(req.IndexName)

	type scored struct {
		rec   Record
		score float64
	}
	var candidates []scored
	for _, rec := range c.matching(req.Filter) {
		score := c.scoreRecord(rec, req.DenseVector, req.SparseVector, distance, alpha)
		candidates = append(candidates, scored{rec: rec, score: score})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	items := make([]searchItem, 0, req.Limit)
	for i := req.Offset; i < len(candidates) && len(items) < req.Limit; i++ {
		score := candidates[i].score
		items = append(items, searchItem{
			ID:     recordID(candidates[i].rec),
			Fields: projectRecord(candidates[i].rec, req.OutputFields),
			Score:  &score,
		})
	}
	return items, nil
}

func (c *localCollection) searchByScalar(ctx context.Context, req searchRequest) ([]searchItem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	matched := c.matching(req.Filter)
	desc := req.Order == "desc"
	sort.SliceStable(matched, func(i, j int) bool {
		vi, iok := matched[i][req.Field]
		vj, jok := matched[j][req.Field]
		if !iok || !jok {
			// Records without the field sort last either way.
			return iok
		}
		cmp, ok := compareValues(vi, vj)
		if !ok {
			return false
		}
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
	return c.page(matched, req), nil
}

func (c *localCollection) searchByRandom(ctx context.Context, req searchRequest) ([]searchItem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.page(c.matching(req.Filter), req), nil
}

func (c *localCollection) page(matched []Record, req searchRequest) []searchItem {
	items := make([]searchItem, 0, req.Limit)
	for i := req.Offset; i < len(matched) && len(items) < req.Limit; i++ {
		items = append(items, searchItem{
			ID:     recordID(matched[i]),
			Fields: projectRecord(matched[i], req.OutputFields),
		})
	}
	return items
}

func (c *localCollection) aggregate(ctx context.Context, op, field string, f map[string]any) (map[string]any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if op != "count" {
		return nil, vkerr.New(vkerr.KindInvalidArgument, "unsupported aggregate op %q", op)
	}
	return map[string]any{"_total": len(c.matching(f))}, nil
}

func (c *localCollection) indexParams(indexName string) (distance string, alpha float64) {
	distance = "cosine"
	if meta, ok := c.indexes[indexName]; ok {
		if meta.VectorIndex.Distance != "" {
			distance = meta.VectorIndex.Distance
		}
		if meta.VectorIndex.EnableSparse {
			alpha = meta.VectorIndex.SearchWithSparseLogitAlpha
		}
	}
	return distance, alpha
}

// scoreRecord blends dense and sparse similarity with the index's logit
// alpha. With only one query side present, that side's score is used
// unblended.
func (c *localCollection) scoreRecord(rec Record, dense []float32, sparse map[string]float32, distance string, alpha float64) float64 {
	var denseScore, sparseScore float64
	haveDense := len(dense) > 0
	haveSparse := len(sparse) > 0
	if haveDense {
		denseScore = denseSimilarity(toFloat32Slice(rec["vector"]), dense, distance)
	}
	if haveSparse {
		sparseScore = sparseDot(toSparseVector(rec["sparse_vector"]), sparse)
	}
	switch {
	case haveDense && haveSparse && alpha > 0:
		return (1-alpha)*denseScore + alpha*sparseScore
	case haveSparse && !haveDense:
		return sparseScore
	default:
		return denseScore
	}
}

func denseSimilarity(stored, query []float32, distance string) float64 {
	if len(stored) == 0 || len(stored) != len(query) {
		return 0
	}
	var dot, ns, nq float64
	for i := range stored {
		s, q := float64(stored[i]), float64(query[i])
		dot += s * q
		ns += s * s
		nq += q * q
	}
	switch distance {
	case "ip":
		return dot
	case "l2":
		var sum float64
		for i := range stored {
			d := float64(stored[i]) - float64(query[i])
			sum += d * d
		}
		return 1 / (1 + math.Sqrt(sum))
	default: // cosine
		if ns == 0 || nq == 0 {
			return 0
		}
		return dot / (math.Sqrt(ns) * math.Sqrt(nq))
	}
}

func sparseDot(stored, query map[string]float32) float64 {
	var sum float64
	for term, w := range query {
		if sw, ok := stored[term]; ok {
			sum += float64(sw) * float64(w)
		}
	}
	return sum
}

func recordID(rec Record) string {
	id, _ := rec["id"].(string)
	return id
}

// projectRecord copies a record, keeping only output fields when asked.
// The id always survives.
func projectRecord(rec Record, outputFields []string) Record {
	if len(outputFields) == 0 {
		return copyRecord(rec)
	}
	out := make(Record, len(outputFields)+1)
	for _, name := range outputFields {
		if v, ok := rec[name]; ok {
			out[name] = copyValue(v)
		}
	}
	if id, ok := rec["id"]; ok {
		out["id"] = id
	}
	return out
}

func copyRecord(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case []float32:
		return append([]float32(nil), t...)
	case map[string]float32:
		cp := make(map[string]float32, len(t))
		for k, w := range t {
			cp[k] = w
		}
		return cp
	default:
		return v
	}
}

// canonicalizeRecord copies a record and coerces vector fields to their
// native in-memory types.
func canonicalizeRecord(item Record) Record {
	rec := make(Record, len(item))
	for k, v := range item {
		rec[k] = v
	}
	if v, ok := rec["vector"]; ok {
		if vec := toFloat32Slice(v); vec != nil {
			rec["vector"] = vec
		} else {
			delete(rec, "vector")
		}
	}
	if v, ok := rec["sparse_vector"]; ok {
		if sv := toSparseVector(v); sv != nil {
			rec["sparse_vector"] = sv
		} else {
			delete(rec, "sparse_vector")
		}
	}
	return rec
}

func encodeRecord(rec Record) (doc string, vec []byte, sparse []byte, err error) {
	stripped := make(Record, len(rec))
	for k, v := range rec {
		if k == "vector" || k == "sparse_vector" {
			continue
		}
		stripped[k] = v
	}
	data, err := json.Marshal(stripped)
	if err != nil {
		return "", nil, nil, vkerr.Wrap(vkerr.KindSchemaError, err, "encode record")
	}
	if v, ok := rec["vector"].([]float32); ok {
		vec = encodeVector(v)
	}
	if sv, ok := rec["sparse_vector"].(map[string]float32); ok {
		sparse, err = json.Marshal(sv)
		if err != nil {
			return "", nil, nil, vkerr.Wrap(vkerr.KindSchemaError, err, "encode sparse vector")
		}
	}
	return string(data), vec, sparse, nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

func toFloat32Slice(v any) []float32 {
	switch t := v.(type) {
	case []float32:
		return t
	case []float64:
		out := make([]float32, len(t))
		for i, f := range t {
			out[i] = float32(f)
		}
		return out
	case []any:
		out := make([]float32, 0, len(t))
		for _, item := range t {
			f, ok := toFloat(item)
			if !ok {
				return nil
			}
			out = append(out, float32(f))
		}
		return out
	}
	return nil
}

func toSparseVector(v any) map[string]float32 {
	switch t := v.(type) {
	case map[string]float32:
		return t
	case map[string]float64:
		out := make(map[string]float32, len(t))
		for k, f := range t {
			out[k] = float32(f)
		}
		return out
	case map[string]any:
		out := make(map[string]float32, len(t))
		for k, item := range t {
			f, ok := toFloat(item)
			if !ok {
				return nil
			}
			out[k] = float32(f)
		}
		return out
	}
	return nil
}
