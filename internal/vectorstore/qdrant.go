package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Compile-time check that QdrantStore implements VectorStore.
var _ VectorStore = (*QdrantStore)(nil)

const defaultQdrantTimeout = 15 * time.Second

// QdrantStore talks to a Qdrant instance over its REST API. Collections use
// cosine distance; embedding magnitude carries no meaning for the embedding
// model family, only direction does.
type QdrantStore struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewQdrantStore creates a store for the given base URL. The API key is
// optional for unauthenticated local instances.
func NewQdrantStore(baseURL, apiKey string) *QdrantStore {
	return &QdrantStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultQdrantTimeout},
	}
}

// qdrantPoint mirrors the point shape in Qdrant's REST API.
type qdrantPoint struct {
	ID      string    `json:"id"`
	Vector  []float32 `json:"vector"`
	Payload Payload   `json:"payload"`
}

type qdrantScored struct {
	ID      string   `json:"id"`
	Score   float32  `json:"score"`
	Payload *Payload `json:"payload"`
}

func (s *QdrantStore) CreateCollection(ctx context.Context, name string, dim int) error {
	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if dim <= 0 {
		return fmt.Errorf("invalid dimension %d", dim)
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     dim,
			"distance": "Cosine",
		},
	}
	status, _, err := s.do(ctx, http.MethodPut, "/collections/"+name, body, nil)
	if err != nil {
		return err
	}
	if status == http.StatusConflict {
		return fmt.Errorf("creating collection %q: %w", name, ErrCollectionExists)
	}
	if status >= 300 {
		return fmt.Errorf("creating collection %q: unexpected status %d", name, status)
	}
	return nil
}

func (s *QdrantStore) EnsureCollection(ctx context.Context, name string, dim int) error {
	names, err := s.ListCollections(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		if n == name {
			return nil
		}
	}
	err = s.CreateCollection(ctx, name, dim)
	// Lost a create race; the collection exists now, which is all we need.
	if err != nil && strings.Contains(err.Error(), ErrCollectionExists.Error()) {
		return nil
	}
	return err
}

func (s *QdrantStore) ListCollections(ctx context.Context) ([]string, error) {
	var resp struct {
		Result struct {
			Collections []struct {
				Name string `json:"name"`
			} `json:"collections"`
		} `json:"result"`
	}
	status, _, err := s.do(ctx, http.MethodGet, "/collections", nil, &resp)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("listing collections: unexpected status %d", status)
	}

	names := make([]string, len(resp.Result.Collections))
	for i, c := range resp.Result.Collections {
		names[i] = c.Name
	}
	return names, nil
}

func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qps := make([]qdrantPoint, len(points))
	for i, p := range points {
		qps[i] = qdrantPoint{ID: p.ID, Vector: p.Vector, Payload: p.Payload}
	}
	body := map[string]any{"points": qps}

	status, _, err := s.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("upserting into %q: %w", collection, ErrCollectionNotFound)
	}
	if status >= 300 {
		return fmt.Errorf("upserting into %q: unexpected status %d", collection, status)
	}
	return nil
}

func (s *QdrantStore) Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]ScoredPoint, error) {
	if topK <= 0 {
		return nil, nil
	}

	body := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	if qf := qdrantFilter(filter); qf != nil {
		body["filter"] = qf
	}

	var resp struct {
		Result []qdrantScored `json:"result"`
	}
	status, _, err := s.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body, &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("searching %q: %w", collection, ErrCollectionNotFound)
	}
	if status >= 300 {
		return nil, fmt.Errorf("searching %q: unexpected status %d", collection, status)
	}

	results := make([]ScoredPoint, 0, len(resp.Result))
	for _, r := range resp.Result {
		sp := ScoredPoint{Score: r.Score}
		sp.ID = r.ID
		if r.Payload != nil {
			sp.Payload = *r.Payload
		}
		results = append(results, sp)
	}
	return results, nil
}

func (s *QdrantStore) Scroll(ctx context.Context, collection string, filter Filter, limit int) ([]Point, error) {
	var points []Point
	var offset any

	for limit <= 0 || len(points) < limit {
		pageSize := 100
		if limit > 0 && limit-len(points) < pageSize {
			pageSize = limit - len(points)
		}

		body := map[string]any{
			"limit":        pageSize,
			"with_payload": true,
		}
		if qf := qdrantFilter(filter); qf != nil {
			body["filter"] = qf
		}
		if offset != nil {
			body["offset"] = offset
		}

		var resp struct {
			Result struct {
				Points         []qdrantPoint `json:"points"`
				NextPageOffset any           `json:"next_page_offset"`
			} `json:"result"`
		}
		status, _, err := s.do(ctx, http.MethodPost, "/collections/"+collection+"/points/scroll", body, &resp)
		if err != nil {
			return nil, err
		}
		if status == http.StatusNotFound {
			return nil, fmt.Errorf("scrolling %q: %w", collection, ErrCollectionNotFound)
		}
		if status >= 300 {
			return nil, fmt.Errorf("scrolling %q: unexpected status %d", collection, status)
		}

		for _, qp := range resp.Result.Points {
			points = append(points, Point{ID: qp.ID, Vector: qp.Vector, Payload: qp.Payload})
		}
		if resp.Result.NextPageOffset == nil || len(resp.Result.Points) == 0 {
			break
		}
		offset = resp.Result.NextPageOffset
	}
	return points, nil
}

func (s *QdrantStore) Count(ctx context.Context, collection string, filter Filter) (int, error) {
	body := map[string]any{"exact": true}
	if qf := qdrantFilter(filter); qf != nil {
		body["filter"] = qf
	}

	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	status, _, err := s.do(ctx, http.MethodPost, "/collections/"+collection+"/points/count", body, &resp)
	if err != nil {
		return 0, err
	}
	if status == http.StatusNotFound {
		return 0, fmt.Errorf("counting %q: %w", collection, ErrCollectionNotFound)
	}
	if status >= 300 {
		return 0, fmt.Errorf("counting %q: unexpected status %d", collection, status)
	}
	return resp.Result.Count, nil
}

func (s *QdrantStore) DeleteCollection(ctx context.Context, name string) error {
	status, _, err := s.do(ctx, http.MethodDelete, "/collections/"+name, nil, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("deleting collection %q: %w", name, ErrCollectionNotFound)
	}
	if status >= 300 {
		return fmt.Errorf("deleting collection %q: unexpected status %d", name, status)
	}
	return nil
}

// qdrantFilter converts a Filter to Qdrant's must-match form. Keys are
// emitted in sorted order so request bodies are deterministic.
func qdrantFilter(filter Filter) map[string]any {
	if len(filter) == 0 {
		return nil
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	must := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		must = append(must, map[string]any{
			"key":   k,
			"match": map[string]any{"value": filter[k]},
		})
	}
	return map[string]any{"must": must}
}

// do executes a JSON request and decodes the response into out (when non-nil
// and the status is 2xx). The HTTP status is returned for the caller to map.
func (s *QdrantStore) do(ctx context.Context, method, path string, body, out any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshalling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("qdrant unreachable: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}

	if out != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, respBody, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, respBody, nil
}
