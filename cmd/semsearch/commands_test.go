package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestSearchRequestShape(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/search": `{"query":"go services","answer":"Use Go.","results":[{"chunk_id":"c1","text":"Go is good","category":"notes","score":0.91,"rank":1}]}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/api/search", map[string]any{
		"collection": "notes",
		"query":      "go services",
		"top_k":      5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Answer  string `json:"answer"`
		Results []struct {
			ChunkID string  `json:"chunk_id"`
			Score   float32 `json:"score"`
			Rank    int     `json:"rank"`
		} `json:"results"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if result.Answer != "Use Go." {
		t.Errorf("answer = %q", result.Answer)
	}
	if len(result.Results) != 1 || result.Results[0].Rank != 1 {
		t.Errorf("results = %+v", result.Results)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["collection"] != "notes" || body["query"] != "go services" {
		t.Errorf("body = %v", body)
	}
}

func TestChatCarriesSessionID(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/chat": `{"session_id":"s-1","answer":"hello","results":[]}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/api/chat", map[string]any{
		"collection": "notes",
		"session_id": "s-1",
		"message":    "hi",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result.SessionID != "s-1" {
		t.Errorf("session_id = %q, want s-1", result.SessionID)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["session_id"] != "s-1" {
		t.Errorf("sent session_id = %v", body["session_id"])
	}
}

func TestUploadMultipart(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/documents": `{"source_id":"notes.md","chunks_total":3,"chunks_stored":3}`,
	})

	client := ts.client()
	resp, err := client.upload(ctx, "/api/documents", "notes", "docs", "/tmp/notes.md", []byte("# Notes\nhello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var report struct {
		SourceID     string `json:"source_id"`
		ChunksStored int    `json:"chunks_stored"`
	}
	if err := decodeJSON(resp, &report); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if report.ChunksStored != 3 {
		t.Errorf("chunks_stored = %d, want 3", report.ChunksStored)
	}

	r := ts.requests[0]
	if !strings.HasPrefix(r.ContentType, "multipart/form-data") {
		t.Errorf("content type = %q, want multipart", r.ContentType)
	}
	if !strings.Contains(r.Body, `name="collection"`) || !strings.Contains(r.Body, "notes") {
		t.Error("multipart body missing collection field")
	}
	// The file part carries the base name, not the full path.
	if !strings.Contains(r.Body, `filename="notes.md"`) {
		t.Error("multipart body missing file part with base filename")
	}
}

func TestIngestCommandMissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ingest"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "arg") {
		t.Errorf("error = %q, want it to mention missing args", err.Error())
	}
}

func TestStatusEndpointStopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestDecodeJSONErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"collection not found","type":"not_found"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "t",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/api/collections")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "collection not found") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestNoAuthHeaderWithoutToken(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = ""

	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want empty when no token configured", ts.requests[0].Auth)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}
