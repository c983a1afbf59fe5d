package vectordb

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/openviking/openviking-go/pkg/vkerr"
)

const (
	// vikingDBVersion is the OpenAPI version sent with console actions.
	vikingDBVersion = "2025-01-01"
	// volcSigningService is the credential scope VikingDB signs under.
	volcSigningService = "air"
	volcHostFormat     = "api-vikingdb.mlp.%s.volces.com"
)

// consoleAdminClient reaches the hosted control plane with Action and
// Version query parameters over a signed request.
type consoleAdminClient struct {
	rest *restClient
}

func (a *consoleAdminClient) call(ctx context.Context, action string, body any) (*restResponse, error) {
	query := url.Values{}
	query.Set("Action", action)
	query.Set("Version", vikingDBVersion)
	return a.rest.do(ctx, http.MethodPost, "/", query, body)
}

// sanitizeURIValue strips the viking:// scheme and normalizes a path
// value to the /.../ form the service's path type expects. Empty values
// become nil so callers can drop them.
func sanitizeURIValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "viking://")
	s = strings.Trim(s, "/")
	if s == "" {
		return nil
	}
	return "/" + s + "/"
}

// sanitizePayload rewrites URI values across a data-plane payload: record
// uri and parent_uri fields, filter conditions on those fields, and
// prefix-op values. Nodes that sanitize to nothing are dropped, and
// record-shaped maps get a root parent_uri filled in.
func sanitizePayload(v any) any {
	switch t := v.(type) {
	case Record:
		return sanitizeDict(t)
	case map[string]any:
		return sanitizeDict(t)
	case []Record:
		out := make([]any, 0, len(t))
		for _, rec := range t {
			if y := sanitizeDict(rec); y != nil {
				out = append(out, y)
			}
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			if y := sanitizePayload(item); y != nil {
				out = append(out, y)
			}
		}
		return out
	default:
		return v
	}
}

func sanitizeDict(m map[string]any) any {
	var newConds []any
	condsSanitized := false
	if field, _ := m["field"].(string); field == "uri" || field == "parent_uri" {
		if conds, ok := asAnyList(m["conds"]); ok {
			newConds = sanitizeConds(conds)
			if len(newConds) == 0 {
				return nil
			}
			condsSanitized = true
		}
	}
	var newPrefix any
	prefixSanitized := false
	if op, _ := m["op"].(string); op == "prefix" {
		if raw, ok := m["prefix"]; ok {
			newPrefix = sanitizeURIValue(raw)
			if newPrefix == nil {
				return nil
			}
			prefixSanitized = true
		}
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		switch {
		case k == "uri" || k == "parent_uri":
			if sv := sanitizeURIValue(v); sv != nil {
				out[k] = sv
			}
		case k == "conds" && condsSanitized:
			out[k] = newConds
		case k == "prefix" && prefixSanitized:
			out[k] = newPrefix
		default:
			if y := sanitizePayload(v); y != nil {
				out[k] = y
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	if _, ok := out["uri"]; ok {
		if pv, ok := out["parent_uri"]; !ok || pv == "" {
			out["parent_uri"] = "/"
		}
	}
	return out
}

func sanitizeConds(conds []any) []any {
	out := make([]any, 0, len(conds))
	for _, c := range conds {
		if s, ok := c.(string); ok {
			if sv := sanitizeURIValue(s); sv != nil {
				out = append(out, sv)
			}
			continue
		}
		if y := sanitizePayload(c); y != nil {
			out = append(out, y)
		}
	}
	return out
}

func asAnyList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// volcengineBackend targets the Volcengine-hosted VikingDB.
type volcengineBackend struct {
	projectName string
	name        string
	admin       *adminClient
	data        *dataClient
	logger      *zap.Logger
}

func newVolcengineBackend(cfg Config, logger *zap.Logger) (*volcengineBackend, error) {
	vc := cfg.Volcengine
	if vc.AK == "" || vc.SK == "" || vc.Region == "" {
		return nil, vkerr.New(vkerr.KindInvalidArgument, "volcengine backend requires ak, sk, and region")
	}
	host := vc.Host
	if host == "" {
		host = fmt.Sprintf(volcHostFormat, vc.Region)
	}
	project := cfg.ProjectName
	if project == "" {
		project = "default"
	}
	signer := newVolcSigner(vc.AK, vc.SK, vc.Region, volcSigningService)
	rest := newRESTClient("https://"+host, "vectordb-volcengine", nil, cfg.Timeout, logger)
	rest.sign = signer.sign
	return &volcengineBackend{
		projectName: project,
		name:        cfg.CollectionName(),
		admin:       &adminClient{caller: &consoleAdminClient{rest: rest}, logger: logger},
		data:        &dataClient{rest: rest, sanitize: true},
		logger:      logger,
	}, nil
}

func (b *volcengineBackend) mode() string { return BackendVolcengine }

func (b *volcengineBackend) newCollection(meta CollectionMeta) *remoteCollection {
	return &remoteCollection{
		projectName:    b.projectName,
		collectionName: b.name,
		meta:           meta,
		admin:          b.admin,
		data:           b.data,
		logger:         b.logger,
	}
}

func (b *volcengineBackend) loadExisting(ctx context.Context) (collection, error) {
	raw, err := b.admin.getCollection(ctx, b.projectName, b.name)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	meta, err := collectionMetaFromMap(raw)
	if err != nil || meta.CollectionName == "" {
		return nil, nil
	}
	return b.newCollection(*meta), nil
}

func (b *volcengineBackend) createCollection(ctx context.Context, meta CollectionMeta) (collection, error) {
	meta.ProjectName = b.projectName
	meta.CollectionName = b.name
	if err := b.admin.createCollection(ctx, meta); err != nil {
		return nil, err
	}
	return b.newCollection(meta), nil
}

func (b *volcengineBackend) sanitizeScalarIndex(fields []string, meta []Field) []string {
	return dropDateTimeScalarFields(fields, meta)
}

func (b *volcengineBackend) buildIndexMeta(indexName, distance string, sparseWeight float64, scalarIndex []string) IndexMeta {
	return defaultIndexMeta(indexName, distance, sparseWeight, scalarIndex, "hnsw", "hnsw_hybrid")
}

func (b *volcengineBackend) normalizeRecord(rec Record) Record {
	return restoreURIPrefix(rec)
}
