// Package vectordb provides the single-collection vector store used by
// the context index. One Adapter wraps one of four backends: an
// embedded local store, a self-hosted VikingDB server over HTTP, the
// Volcengine-hosted VikingDB, or a private VikingDB deployment.
package vectordb

import (
	"context"
	"time"
)

// Record is one stored row, keyed by schema field names plus the
// synthetic ScoreField attached by queries.
type Record map[string]any

// ScoreField carries the search score on query results.
const ScoreField = "_score"

// DefaultIndexName is the single index every collection carries.
const DefaultIndexName = "default"

// Backend names accepted by New.
const (
	BackendLocal      = "local"
	BackendHTTP       = "http"
	BackendVolcengine = "volcengine"
	BackendPrivate    = "vikingdb"
)

// VolcengineConfig holds the hosted-VikingDB credentials.
type VolcengineConfig struct {
	AK     string `mapstructure:"ak" yaml:"ak"`
	SK     string `mapstructure:"sk" yaml:"sk"`
	Region string `mapstructure:"region" yaml:"region"`
	Host   string `mapstructure:"host" yaml:"host"`
}

// PrivateConfig points at a private VikingDB deployment.
type PrivateConfig struct {
	Host    string            `mapstructure:"host" yaml:"host"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
}

// Config selects and parameterizes the vector backend.
type Config struct {
	Backend        string           `mapstructure:"backend" yaml:"backend"`
	Name           string           `mapstructure:"name" yaml:"name"`
	Path           string           `mapstructure:"path" yaml:"path"`
	URL            string           `mapstructure:"url" yaml:"url"`
	ProjectName    string           `mapstructure:"project_name" yaml:"project_name"`
	Dimension      int              `mapstructure:"dimension" yaml:"dimension"`
	DistanceMetric string           `mapstructure:"distance_metric" yaml:"distance_metric"`
	SparseWeight   float64          `mapstructure:"sparse_weight" yaml:"sparse_weight"`
	Timeout        time.Duration    `mapstructure:"timeout" yaml:"timeout"`
	SchemaFile     string           `mapstructure:"schema_file" yaml:"schema_file"`
	Volcengine     VolcengineConfig `mapstructure:"volcengine" yaml:"volcengine"`
	VikingDB       PrivateConfig    `mapstructure:"vikingdb" yaml:"vikingdb"`
}

// CollectionName returns the configured name or the default.
func (c Config) CollectionName() string {
	if c.Name == "" {
		return "context"
	}
	return c.Name
}

// Distance returns the configured metric or the default.
func (c Config) Distance() string {
	if c.DistanceMetric == "" {
		return "cosine"
	}
	return c.DistanceMetric
}

// QueryOptions parameterize Adapter.Query. Exactly one search shape is
// dispatched: vector search when a dense or sparse vector is set, scalar
// search when OrderBy is set, random scan otherwise.
type QueryOptions struct {
	Vector       []float32
	SparseVector map[string]float32
	// Filter is a filter.Expr or a pre-compiled wire map.
	Filter       any
	Limit        int
	Offset       int
	OutputFields []string
	WithVector   bool
	OrderBy      string
	OrderDesc    bool
}

// DeleteOptions parameterize Adapter.Delete: by ids when given,
// otherwise by filter.
type DeleteOptions struct {
	IDs    []string
	Filter any
	// Limit bounds the filter-matching pass. Zero means the default.
	Limit int
}

// searchRequest is the normalized request passed to a backend
// collection's search entry points.
type searchRequest struct {
	IndexName    string
	DenseVector  []float32
	SparseVector map[string]float32
	Field        string
	Order        string
	Limit        int
	Offset       int
	Filter       map[string]any
	OutputFields []string
}

// searchItem is one backend search hit. A nil score is reported as 0.
type searchItem struct {
	ID     string
	Fields Record
	Score  *float64
}

// collection is the per-backend data and index plane.
type collection interface {
	getMetaData(ctx context.Context) (*CollectionMeta, error)
	createIndex(ctx context.Context, name string, meta IndexMeta) error
	listIndexes(ctx context.Context) ([]string, error)
	dropIndex(ctx context.Context, name string) error
	drop(ctx context.Context) error
	close() error

	upsertData(ctx context.Context, records []Record) error
	fetchData(ctx context.Context, ids []string) ([]Record, error)
	deleteData(ctx context.Context, ids []string) error
	deleteAllData(ctx context.Context) error
	searchByVector(ctx context.Context, req searchRequest) ([]searchItem, error)
	searchByScalar(ctx context.Context, req searchRequest) ([]searchItem, error)
	searchByRandom(ctx context.Context, req searchRequest) ([]searchItem, error)
	aggregate(ctx context.Context, op, field string, filter map[string]any) (map[string]any, error)
}

// backend binds a collection to concrete storage. loadExisting returns
// (nil, nil) when the collection does not exist yet.
type backend interface {
	mode() string
	loadExisting(ctx context.Context) (collection, error)
	createCollection(ctx context.Context, meta CollectionMeta) (collection, error)
}

// Optional backend hooks. The Adapter falls back to shared defaults
// when a backend does not implement one.
type scalarIndexSanitizer interface {
	sanitizeScalarIndex(fields []string, meta []Field) []string
}

type indexMetaBuilder interface {
	buildIndexMeta(indexName, distance string, sparseWeight float64, scalarIndex []string) IndexMeta
}

type readNormalizer interface {
	normalizeRecord(rec Record) Record
}
