package vectordb

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/openviking/openviking-go/pkg/vkerr"
)

// privateBackend targets a private VikingDB deployment. Collections are
// provisioned out of band: create binds to the pre-created collection
// and drop is refused.
type privateBackend struct {
	host        string
	projectName string
	name        string
	admin       *adminClient
	data        *dataClient
	logger      *zap.Logger
}

func newPrivateBackend(cfg Config, logger *zap.Logger) (*privateBackend, error) {
	pc := cfg.VikingDB
	if pc.Host == "" {
		return nil, vkerr.New(vkerr.KindInvalidArgument, "vikingdb backend requires a valid host")
	}
	base := pc.Host
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	project := cfg.ProjectName
	if project == "" {
		project = "default"
	}
	rest := newRESTClient(base, "vectordb-private", pc.Headers, cfg.Timeout, logger)
	return &privateBackend{
		host:        pc.Host,
		projectName: project,
		name:        cfg.CollectionName(),
		admin:       &adminClient{caller: &pathAdminClient{rest: rest}, logger: logger},
		data:        &dataClient{rest: rest, sanitize: true},
		logger:      logger,
	}, nil
}

func (b *privateBackend) mode() string { return BackendPrivate }

func (b *privateBackend) loadExisting(ctx context.Context) (collection, error) {
	raw, err := b.admin.getCollection(ctx, b.projectName, b.name)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	meta, err := collectionMetaFromMap(raw)
	if err != nil {
		return nil, err
	}
	return &privateCollection{remoteCollection{
		projectName:    b.projectName,
		collectionName: b.name,
		meta:           *meta,
		admin:          b.admin,
		data:           b.data,
		logger:         b.logger,
	}}, nil
}

func (b *privateBackend) createCollection(ctx context.Context, meta CollectionMeta) (collection, error) {
	coll, err := b.loadExisting(ctx)
	if err != nil {
		return nil, err
	}
	if coll == nil {
		return nil, vkerr.New(vkerr.KindSchemaError,
			"private vikingdb collection %s must be pre-created", b.name)
	}
	return coll, nil
}

func (b *privateBackend) sanitizeScalarIndex(fields []string, meta []Field) []string {
	return dropDateTimeScalarFields(fields, meta)
}

func (b *privateBackend) buildIndexMeta(indexName, distance string, sparseWeight float64, scalarIndex []string) IndexMeta {
	return defaultIndexMeta(indexName, distance, sparseWeight, scalarIndex, "hnsw", "hnsw_hybrid")
}

func (b *privateBackend) normalizeRecord(rec Record) Record {
	return restoreURIPrefix(rec)
}

// privateCollection refuses drops so the managed deployment keeps
// ownership of collection lifecycle.
type privateCollection struct {
	remoteCollection
}

func (c *privateCollection) drop(ctx context.Context) error {
	return errDropUnsupported
}
