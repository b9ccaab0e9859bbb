package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"github.com/boostcampwm2025/web06-locus-sub000/pkg/config"
)

var newElasticClient = elasticsearch.NewClient

type elasticEngine struct {
	client *elasticsearch.Client
	logger *zap.Logger
}

func newElasticEngine(cfg config.SearchSettings, transport http.RoundTripper, logger *zap.Logger) (*elasticEngine, error) {
	client, err := newElasticClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &elasticEngine{client: client, logger: logger}, nil
}

func (e *elasticEngine) IndexExists(ctx context.Context, index string) (bool, error) {
	res, err := e.client.Indices.Exists([]string{index}, e.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("check index %s: %w", index, err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, responseError("check index "+index, res)
}

func (e *elasticEngine) CreateIndex(ctx context.Context, index string, settings map[string]any, mapping Mapping) error {
	body, err := encode(map[string]any{
		"settings": settings,
		"mappings": map[string]any{"properties": mapping},
	})
	if err != nil {
		return err
	}
	res, err := e.client.Indices.Create(index,
		e.client.Indices.Create.WithBody(body),
		e.client.Indices.Create.WithContext(ctx))
	return e.check("create index "+index, res, err)
}

func (e *elasticEngine) PutAlias(ctx context.Context, index, alias string) error {
	res, err := e.client.Indices.PutAlias([]string{index}, alias, e.client.Indices.PutAlias.WithContext(ctx))
	return e.check("put alias "+alias, res, err)
}

func (e *elasticEngine) GetMapping(ctx context.Context, index string) (Mapping, error) {
	res, err := e.client.Indices.GetMapping(
		e.client.Indices.GetMapping.WithIndex(index),
		e.client.Indices.GetMapping.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get mapping %s: %w", index, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, index)
	}
	if res.IsError() {
		return nil, responseError("get mapping "+index, res)
	}

	// keyed by the concrete index name, which differs from an alias
	var body map[string]struct {
		Mappings struct {
			Properties Mapping `json:"properties"`
		} `json:"mappings"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode mapping %s: %w", index, err)
	}
	for _, m := range body {
		if m.Mappings.Properties == nil {
			return Mapping{}, nil
		}
		return m.Mappings.Properties, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, index)
}

func (e *elasticEngine) PutMapping(ctx context.Context, index string, fields Mapping) error {
	body, err := encode(map[string]any{"properties": fields})
	if err != nil {
		return err
	}
	res, err := e.client.Indices.PutMapping([]string{index}, body, e.client.Indices.PutMapping.WithContext(ctx))
	return e.check("put mapping "+index, res, err)
}

func (e *elasticEngine) IndexDocument(ctx context.Context, index, id string, doc Document) error {
	body, err := encode(doc)
	if err != nil {
		return err
	}
	res, err := e.client.Index(index, body,
		e.client.Index.WithDocumentID(id),
		e.client.Index.WithContext(ctx))
	return e.check("index document "+id, res, err)
}

func (e *elasticEngine) UpdateDocument(ctx context.Context, index, id string, fields Document) error {
	body, err := encode(map[string]any{"doc": fields})
	if err != nil {
		return err
	}
	res, err := e.client.Update(index, id, body, e.client.Update.WithContext(ctx))
	if err == nil && res.StatusCode == http.StatusNotFound {
		res.Body.Close()
		return fmt.Errorf("%w: %s", ErrDocumentMissing, id)
	}
	return e.check("update document "+id, res, err)
}

func (e *elasticEngine) DeleteDocument(ctx context.Context, index, id string) error {
	res, err := e.client.Delete(index, id, e.client.Delete.WithContext(ctx))
	if err == nil && res.StatusCode == http.StatusNotFound {
		res.Body.Close()
		return fmt.Errorf("%w: %s", ErrDocumentMissing, id)
	}
	return e.check("delete document "+id, res, err)
}

func (e *elasticEngine) GetDocument(ctx context.Context, index, id string) (Document, error) {
	res, err := e.client.Get(index, id, e.client.Get.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrDocumentMissing, id)
	}
	if res.IsError() {
		return nil, responseError("get document "+id, res)
	}

	var body struct {
		Source Document `json:"_source"`
	}
	if err := decode(res.Body, &body); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	return body.Source, nil
}

func missingQuery(field string, exclude []string) map[string]any {
	mustNot := []any{map[string]any{"exists": map[string]any{"field": field}}}
	if len(exclude) > 0 {
		mustNot = append(mustNot, map[string]any{"ids": map[string]any{"values": exclude}})
	}
	return map[string]any{"bool": map[string]any{"must_not": mustNot}}
}

func (e *elasticEngine) CountMissing(ctx context.Context, index, field string) (int64, error) {
	body, err := encode(map[string]any{"query": missingQuery(field, nil)})
	if err != nil {
		return 0, err
	}
	res, err := e.client.Count(
		e.client.Count.WithIndex(index),
		e.client.Count.WithBody(body),
		e.client.Count.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("count missing %s: %w", field, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, responseError("count missing "+field, res)
	}

	var out struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode count: %w", err)
	}
	return out.Count, nil
}

func (e *elasticEngine) FindMissing(ctx context.Context, index, field string, exclude []string, size int) ([]string, error) {
	body, err := encode(map[string]any{
		"size":    size,
		"_source": false,
		"query":   missingQuery(field, exclude),
		"sort":    []any{map[string]any{"_doc": "asc"}},
	})
	if err != nil {
		return nil, err
	}
	res, err := e.client.Search(
		e.client.Search.WithIndex(index),
		e.client.Search.WithBody(body),
		e.client.Search.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("find missing %s: %w", field, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError("find missing "+field, res)
	}

	var out searchResponse
	if err := decode(res.Body, &out); err != nil {
		return nil, fmt.Errorf("decode search: %w", err)
	}
	ids := make([]string, 0, len(out.Hits.Hits))
	for _, h := range out.Hits.Hits {
		ids = append(ids, h.ID)
	}
	return ids, nil
}

// BulkUpdate waits for a refresh so the next FindMissing no longer sees the updated documents.
func (e *elasticEngine) BulkUpdate(ctx context.Context, index string, updates map[string]Document) ([]string, error) {
	if len(updates) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for id, fields := range updates {
		if err := enc.Encode(map[string]any{"update": map[string]any{"_id": id}}); err != nil {
			return nil, fmt.Errorf("encode bulk action: %w", err)
		}
		if err := enc.Encode(map[string]any{"doc": fields}); err != nil {
			return nil, fmt.Errorf("encode bulk document: %w", err)
		}
	}

	res, err := e.client.Bulk(&buf,
		e.client.Bulk.WithIndex(index),
		e.client.Bulk.WithRefresh("wait_for"),
		e.client.Bulk.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("bulk update: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError("bulk update", res)
	}

	var out struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string          `json:"_id"`
			Status int             `json:"status"`
			Error  json.RawMessage `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}
	if !out.Errors {
		return nil, nil
	}
	var failed []string
	for _, item := range out.Items {
		for _, r := range item {
			if r.Status >= 300 {
				failed = append(failed, r.ID)
				e.logger.Warn("Bulk update item failed",
					zap.String("id", r.ID), zap.Int("status", r.Status), zap.ByteString("error", r.Error))
			}
		}
	}
	return failed, nil
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID     string   `json:"_id"`
			Score  *float64 `json:"_score"`
			Source Document `json:"_source"`
			Sort   []any    `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
}

func (e *elasticEngine) Search(ctx context.Context, index string, q Query) (*Result, error) {
	query, err := q.Body()
	if err != nil {
		return nil, err
	}
	body, err := encode(query)
	if err != nil {
		return nil, err
	}
	res, err := e.client.Search(
		e.client.Search.WithIndex(index),
		e.client.Search.WithBody(body),
		e.client.Search.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError("search "+index, res)
	}

	var out searchResponse
	if err := decode(res.Body, &out); err != nil {
		return nil, fmt.Errorf("decode search: %w", err)
	}

	result := &Result{Total: out.Hits.Total.Value, Hits: make([]Hit, 0, len(out.Hits.Hits))}
	for _, h := range out.Hits.Hits {
		hit := Hit{ID: h.ID, Source: h.Source, Sort: h.Sort}
		if h.Score != nil {
			hit.Score = *h.Score
		}
		result.Hits = append(result.Hits, hit)
	}
	if n := len(result.Hits); n > 0 && n == q.pageSize() {
		if result.NextCursor, err = EncodeCursor(result.Hits[n-1].Sort); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (e *elasticEngine) Close() error { return nil }

func (e *elasticEngine) check(op string, res *esapi.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError(op, res)
	}
	return nil
}

func responseError(op string, res *esapi.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return fmt.Errorf("%s: elasticsearch returned %s: %s", op, res.Status(), bytes.TrimSpace(msg))
}

func encode(v any) (io.Reader, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return &buf, nil
}

// decode keeps numbers as json.Number so sort values and long ids survive a cursor round trip.
func decode(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return dec.Decode(v)
}
