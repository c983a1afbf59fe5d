package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openviking/openviking-go/internal/circuitbreaker"
	"github.com/openviking/openviking-go/pkg/tracing"
	"github.com/openviking/openviking-go/pkg/vkerr"
)

// Data-plane paths shared by every remote VikingDB deployment.
const (
	dataUpsertPath       = "/api/vikingdb/data/upsert"
	dataFetchPath        = "/api/vikingdb/data/fetch_in_collection"
	dataDeletePath       = "/api/vikingdb/data/delete"
	dataSearchVectorPath = "/api/vikingdb/data/search/vector"
	dataSearchScalarPath = "/api/vikingdb/data/search/scalar"
	dataSearchRandomPath = "/api/vikingdb/data/search/random"
	dataAggPath          = "/api/vikingdb/data/agg"
)

const defaultHTTPTimeout = 30 * time.Second

// vikingDBAPIs maps console action names to their path-based form on
// self-hosted and private deployments.
var vikingDBAPIs = map[string]struct {
	Method string
	Path   string
}{
	"CreateVikingdbCollection": {http.MethodPost, "/api/vikingdb/collection/create"},
	"GetVikingdbCollection":    {http.MethodPost, "/api/vikingdb/collection/get"},
	"ListVikingdbCollection":   {http.MethodPost, "/api/vikingdb/collection/list"},
	"DeleteVikingdbCollection": {http.MethodPost, "/api/vikingdb/collection/delete"},
	"CreateVikingdbIndex":      {http.MethodPost, "/api/vikingdb/index/create"},
	"GetVikingdbIndex":         {http.MethodPost, "/api/vikingdb/index/get"},
	"ListVikingdbIndex":        {http.MethodPost, "/api/vikingdb/index/list"},
	"DeleteVikingdbIndex":      {http.MethodPost, "/api/vikingdb/index/delete"},
}

func parseURLHostPort(raw string) (string, int) {
	normalized := raw
	if !strings.HasPrefix(normalized, "http://") && !strings.HasPrefix(normalized, "https://") {
		normalized = "http://" + normalized
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return "127.0.0.1", 5000
	}
	host := u.Hostname()
	if host == "" {
		host = "127.0.0.1"
	}
	port := 5000
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return host, port
}

// collectionNames accepts the loose shapes list endpoints return: plain
// strings or objects keyed CollectionName, collection_name, or name.
func collectionNames(raw []any) []string {
	names := make([]string, 0, len(raw))
	for _, item := range raw {
		switch t := item.(type) {
		case string:
			names = append(names, t)
		case map[string]any:
			for _, key := range []string{"CollectionName", "collection_name", "name"} {
				if name, ok := t[key].(string); ok && name != "" {
					names = append(names, name)
					break
				}
			}
		}
	}
	return names
}

func indexNames(result any) []string {
	switch t := result.(type) {
	case []any:
		names := make([]string, 0, len(t))
		for _, item := range t {
			switch v := item.(type) {
			case string:
				names = append(names, v)
			case map[string]any:
				for _, key := range []string{"IndexName", "index_name", "name"} {
					if name, ok := v[key].(string); ok && name != "" {
						names = append(names, name)
						break
					}
				}
			}
		}
		return names
	case map[string]any:
		for _, key := range []string{"Indexes", "indexes"} {
			if inner, ok := t[key]; ok {
				return indexNames(inner)
			}
		}
	}
	return nil
}

// restClient posts JSON to a VikingDB endpoint. A sign hook, when set,
// stamps auth headers over the final request and body.
type restClient struct {
	base    string
	headers map[string]string
	sign    func(*http.Request, []byte)
	http    *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

func newRESTClient(base, name string, headers map[string]string, timeout time.Duration, logger *zap.Logger) *restClient {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &restClient{
		base:    strings.TrimRight(base, "/"),
		headers: headers,
		http:    circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, name, "vectordb", logger),
		logger:  logger,
	}
}

type restResponse struct {
	status int
	body   []byte
}

func (r *restResponse) decode() map[string]any {
	out := map[string]any{}
	if len(r.body) > 0 {
		_ = json.Unmarshal(r.body, &out)
	}
	return out
}

// errorCode digs out ResponseMetadata.Error.Code from an API error
// envelope.
func (r *restResponse) errorCode() string {
	meta, _ := r.decode()["ResponseMetadata"].(map[string]any)
	apiErr, _ := meta["Error"].(map[string]any)
	code, _ := apiErr["Code"].(string)
	return code
}

func (r *restResponse) snippet() string {
	s := strings.TrimSpace(string(r.body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func (c *restClient) do(ctx context.Context, method, path string, query url.Values, body any) (*restResponse, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, vkerr.Wrap(vkerr.KindInvalidArgument, err, "encode request body for %s", path)
		}
	}
	endpoint := c.base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	ctx, span := tracing.StartHTTPSpan(ctx, method, endpoint)
	defer span.End()
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, vkerr.Wrap(vkerr.KindInvalidArgument, err, "build request for %s", path)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if c.sign != nil {
		c.sign(req, payload)
	}
	// traceparent stays outside the signature; the signer enumerates
	// the headers it covers.
	tracing.InjectTraceparent(ctx, req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "request %s", path)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "read response from %s", path)
	}
	return &restResponse{status: resp.StatusCode, body: data}, nil
}

// actionCaller abstracts how admin actions reach the service: signed
// console calls with Action/Version query params, or plain paths.
type actionCaller interface {
	call(ctx context.Context, action string, body any) (*restResponse, error)
}

// pathAdminClient serves self-hosted and private deployments that expose
// admin actions as HTTP paths.
type pathAdminClient struct {
	rest *restClient
}

func (a *pathAdminClient) call(ctx context.Context, action string, body any) (*restResponse, error) {
	api, ok := vikingDBAPIs[action]
	if !ok {
		return nil, vkerr.New(vkerr.KindInvalidArgument, "unknown vikingdb action %q", action)
	}
	return a.rest.do(ctx, api.Method, api.Path, nil, body)
}

// adminClient implements the collection and index control plane over any
// action caller.
type adminClient struct {
	caller actionCaller
	logger *zap.Logger
}

// envelope unwraps Result (console), result (data-plane style), or data
// keys; self-hosted services are loose about which one they use.
func envelope(m map[string]any) any {
	for _, key := range []string{"Result", "result", "data"} {
		if v, ok := m[key]; ok {
			return v
		}
	}
	return nil
}

func scopeBody(project, name string) map[string]any {
	return map[string]any{
		"ProjectName":    project,
		"CollectionName": name,
	}
}

func (a *adminClient) createCollection(ctx context.Context, meta CollectionMeta) error {
	resp, err := a.caller.call(ctx, "CreateVikingdbCollection", meta)
	if err != nil {
		return err
	}
	if resp.status != http.StatusOK {
		if strings.Contains(resp.errorCode(), "AlreadyExists") {
			return nil
		}
		return vkerr.New(vkerr.KindUnavailable, "create collection %s failed: status %d: %s",
			meta.CollectionName, resp.status, resp.snippet())
	}
	return nil
}

// getCollection probes for a collection. Absence (or any API-level
// refusal) reads as an empty map, not an error.
func (a *adminClient) getCollection(ctx context.Context, project, name string) (map[string]any, error) {
	resp, err := a.caller.call(ctx, "GetVikingdbCollection", scopeBody(project, name))
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		a.logger.Debug("Collection probe returned non-OK status",
			zap.String("collection", name), zap.Int("status", resp.status))
		return map[string]any{}, nil
	}
	result, _ := envelope(resp.decode()).(map[string]any)
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}

func (a *adminClient) listCollections(ctx context.Context, project string) ([]string, error) {
	resp, err := a.caller.call(ctx, "ListVikingdbCollection", map[string]any{"ProjectName": project})
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, vkerr.New(vkerr.KindUnavailable, "list collections failed: status %d: %s",
			resp.status, resp.snippet())
	}
	raw, _ := envelope(resp.decode()).([]any)
	return collectionNames(raw), nil
}

func (a *adminClient) dropCollection(ctx context.Context, project, name string) error {
	resp, err := a.caller.call(ctx, "DeleteVikingdbCollection", scopeBody(project, name))
	if err != nil {
		return err
	}
	if resp.status != http.StatusOK {
		return vkerr.New(vkerr.KindUnavailable, "drop collection %s failed: status %d: %s",
			name, resp.status, resp.snippet())
	}
	return nil
}

func (a *adminClient) createIndex(ctx context.Context, meta IndexMeta) error {
	resp, err := a.caller.call(ctx, "CreateVikingdbIndex", meta)
	if err != nil {
		return err
	}
	if resp.status != http.StatusOK {
		if strings.Contains(resp.errorCode(), "AlreadyExists") {
			return nil
		}
		return vkerr.New(vkerr.KindUnavailable, "create index %s failed: status %d: %s",
			meta.IndexName, resp.status, resp.snippet())
	}
	return nil
}

func (a *adminClient) listIndexes(ctx context.Context, project, name string) ([]string, error) {
	resp, err := a.caller.call(ctx, "ListVikingdbIndex", scopeBody(project, name))
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, vkerr.New(vkerr.KindUnavailable, "list indexes failed: status %d: %s",
			resp.status, resp.snippet())
	}
	return indexNames(envelope(resp.decode())), nil
}

func (a *adminClient) dropIndex(ctx context.Context, project, name, index string) error {
	body := scopeBody(project, name)
	body["IndexName"] = index
	resp, err := a.caller.call(ctx, "DeleteVikingdbIndex", body)
	if err != nil {
		return err
	}
	if resp.status != http.StatusOK {
		return vkerr.New(vkerr.KindUnavailable, "drop index %s failed: status %d: %s",
			index, resp.status, resp.snippet())
	}
	return nil
}

// dataClient posts to the record data plane. Volcengine-backed clients
// sanitize payloads so path fields fit the service's /.../ form.
type dataClient struct {
	rest     *restClient
	sanitize bool
}

func (d *dataClient) post(ctx context.Context, path string, body map[string]any) (map[string]any, error) {
	var payload any = body
	if d.sanitize {
		payload = sanitizePayload(body)
	}
	resp, err := d.rest.do(ctx, http.MethodPost, path, nil, payload)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, vkerr.New(vkerr.KindUnavailable, "request %s failed: status %d: %s",
			path, resp.status, resp.snippet())
	}
	result, _ := resp.decode()["result"].(map[string]any)
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}

// remoteCollection speaks to one remote collection through an admin
// caller and the shared data plane.
type remoteCollection struct {
	projectName    string
	collectionName string
	meta           CollectionMeta
	admin          *adminClient
	data           *dataClient
	logger         *zap.Logger
}

func (c *remoteCollection) dataBody(extra map[string]any) map[string]any {
	body := map[string]any{
		"project":         c.projectName,
		"collection_name": c.collectionName,
	}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

func (c *remoteCollection) getMetaData(ctx context.Context) (*CollectionMeta, error) {
	raw, err := c.admin.getCollection(ctx, c.projectName, c.collectionName)
	if err == nil && len(raw) > 0 {
		if meta, convErr := collectionMetaFromMap(raw); convErr == nil && meta.CollectionName != "" {
			return meta, nil
		}
	}
	meta := c.meta
	meta.Fields = append([]Field(nil), c.meta.Fields...)
	return &meta, nil
}

func (c *remoteCollection) createIndex(ctx context.Context, name string, meta IndexMeta) error {
	meta.IndexName = name
	meta.ProjectName = c.projectName
	meta.CollectionName = c.collectionName
	return c.admin.createIndex(ctx, meta)
}

func (c *remoteCollection) listIndexes(ctx context.Context) ([]string, error) {
	return c.admin.listIndexes(ctx, c.projectName, c.collectionName)
}

func (c *remoteCollection) dropIndex(ctx context.Context, name string) error {
	return c.admin.dropIndex(ctx, c.projectName, c.collectionName, name)
}

func (c *remoteCollection) drop(ctx context.Context) error {
	return c.admin.dropCollection(ctx, c.projectName, c.collectionName)
}

func (c *remoteCollection) close() error { return nil }

func (c *remoteCollection) upsertData(ctx context.Context, records []Record) error {
	_, err := c.data.post(ctx, dataUpsertPath, c.dataBody(map[string]any{
		"data": records,
		"ttl":  0,
	}))
	return err
}

func (c *remoteCollection) fetchData(ctx context.Context, ids []string) ([]Record, error) {
	result, err := c.data.post(ctx, dataFetchPath, c.dataBody(map[string]any{"ids": ids}))
	if err != nil {
		return nil, err
	}
	items, _ := result["fetch"].([]any)
	records := make([]Record, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		rec := Record{}
		if fields, ok := entry["fields"].(map[string]any); ok {
			for k, v := range fields {
				rec[k] = v
			}
		}
		if id, ok := entry["id"].(string); ok {
			rec["id"] = id
		}
		records = append(records, rec)
	}
	return records, nil
}

func (c *remoteCollection) deleteData(ctx context.Context, ids []string) error {
	_, err := c.data.post(ctx, dataDeletePath, c.dataBody(map[string]any{"ids": ids}))
	return err
}

func (c *remoteCollection) deleteAllData(ctx context.Context) error {
	_, err := c.data.post(ctx, dataDeletePath, c.dataBody(map[string]any{"del_all": true}))
	return err
}

func (c *remoteCollection) search(ctx context.Context, path string, req searchRequest, extra map[string]any) ([]searchItem, error) {
	body := c.dataBody(map[string]any{
		"index_name": req.IndexName,
		"limit":      req.Limit,
		"offset":     req.Offset,
	})
	if req.Filter != nil {
		body["filter"] = req.Filter
	}
	if len(req.OutputFields) > 0 {
		body["output_fields"] = req.OutputFields
	}
	for k, v := range extra {
		body[k] = v
	}
	result, err := c.data.post(ctx, path, body)
	if err != nil {
		return nil, err
	}
	raw, _ := result["data"].([]any)
	items := make([]searchItem, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		item := searchItem{}
		item.ID, _ = m["id"].(string)
		if fields, ok := m["fields"].(map[string]any); ok {
			item.Fields = Record(fields)
		} else {
			item.Fields = Record{}
		}
		if score, ok := m["score"].(float64); ok {
			item.Score = &score
		}
		items = append(items, item)
	}
	return items, nil
}

func (c *remoteCollection) searchByVector(ctx context.Context, req searchRequest) ([]searchItem, error) {
	extra := map[string]any{"dense_vector": req.DenseVector}
	if len(req.SparseVector) > 0 {
		extra["sparse_vector"] = req.SparseVector
	}
	return c.search(ctx, dataSearchVectorPath, req, extra)
}

func (c *remoteCollection) searchByScalar(ctx context.Context, req searchRequest) ([]searchItem, error) {
	return c.search(ctx, dataSearchScalarPath, req, map[string]any{
		"field": req.Field,
		"order": req.Order,
	})
}

func (c *remoteCollection) searchByRandom(ctx context.Context, req searchRequest) ([]searchItem, error) {
	return c.search(ctx, dataSearchRandomPath, req, nil)
}

func (c *remoteCollection) aggregate(ctx context.Context, op, field string, filter map[string]any) (map[string]any, error) {
	body := c.dataBody(map[string]any{
		"index_name": DefaultIndexName,
		"op":         op,
	})
	if field != "" {
		body["field"] = field
	}
	if filter != nil {
		body["filter"] = filter
	}
	result, err := c.data.post(ctx, dataAggPath, body)
	if err != nil {
		return nil, err
	}
	if agg, ok := result["agg"].(map[string]any); ok {
		return agg, nil
	}
	return result, nil
}

func collectionMetaFromMap(raw map[string]any) (*CollectionMeta, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, vkerr.Wrap(vkerr.KindSchemaError, err, "encode collection meta")
	}
	meta := &CollectionMeta{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, vkerr.Wrap(vkerr.KindSchemaError, err, "decode collection meta")
	}
	return meta, nil
}

// httpBackend targets a self-hosted VikingDB service over plain HTTP.
type httpBackend struct {
	host        string
	port        int
	projectName string
	name        string
	admin       *adminClient
	data        *dataClient
	logger      *zap.Logger
}

func newHTTPBackend(cfg Config, logger *zap.Logger) (*httpBackend, error) {
	if cfg.URL == "" {
		return nil, vkerr.New(vkerr.KindInvalidArgument, "http backend requires a valid URL")
	}
	host, port := parseURLHostPort(cfg.URL)
	project := cfg.ProjectName
	if project == "" {
		project = "default"
	}
	rest := newRESTClient(fmt.Sprintf("http://%s:%d", host, port), "vectordb-http", nil, cfg.Timeout, logger)
	return &httpBackend{
		host:        host,
		port:        port,
		projectName: project,
		name:        cfg.CollectionName(),
		admin:       &adminClient{caller: &pathAdminClient{rest: rest}, logger: logger},
		data:        &dataClient{rest: rest},
		logger:      logger,
	}, nil
}

func (b *httpBackend) mode() string { return BackendHTTP }

func (b *httpBackend) newCollection(meta CollectionMeta) *remoteCollection {
	return &remoteCollection{
		projectName:    b.projectName,
		collectionName: b.name,
		meta:           meta,
		admin:          b.admin,
		data:           b.data,
		logger:         b.logger,
	}
}

func (b *httpBackend) loadExisting(ctx context.Context) (collection, error) {
	names, err := b.admin.listCollections(ctx, b.projectName)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if name == b.name {
			return b.newCollection(CollectionMeta{
				CollectionName: b.name,
				ProjectName:    b.projectName,
			}), nil
		}
	}
	return nil, nil
}

func (b *httpBackend) createCollection(ctx context.Context, meta CollectionMeta) (collection, error) {
	meta.ProjectName = b.projectName
	meta.CollectionName = b.name
	if err := b.admin.createCollection(ctx, meta); err != nil {
		return nil, err
	}
	return b.newCollection(meta), nil
}
