// Package api exposes the search, chat, ingestion and session endpoints over
// HTTP, plus the MCP tool surface.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/semsearch/internal/ingest"
	"github.com/kalambet/semsearch/internal/rag"
	"github.com/kalambet/semsearch/internal/session"
	"github.com/kalambet/semsearch/internal/vectorstore"
)

const (
	maxRequestBodySize = 1 << 20  // 1MB for JSON bodies
	maxUploadSize      = 20 << 20 // 20MB for document uploads

	defaultRequestTimeout = 60 * time.Second
)

// Pipeline is the query surface the handlers need.
type Pipeline interface {
	Search(ctx context.Context, req rag.SearchRequest) (rag.SearchResponse, error)
	Chat(ctx context.Context, req rag.ChatRequest) (rag.ChatResponse, error)
}

// Ingestor is the ingestion surface the handlers need.
type Ingestor interface {
	Ingest(ctx context.Context, req ingest.Request) (ingest.Report, error)
	AddText(ctx context.Context, collection, text, category string) (string, error)
}

// SessionReader reads chat session history.
type SessionReader interface {
	History(ctx context.Context, sessionID string) ([]session.Turn, error)
	ListSessions(ctx context.Context) ([]string, error)
}

// Deps holds the handler dependencies.
type Deps struct {
	Store     vectorstore.VectorStore
	Pipeline  Pipeline
	Ingestor  Ingestor
	Sessions  SessionReader
	Dimension int           // default dimension for new collections
	Token     string        // optional bearer token; empty disables auth
	Timeout   time.Duration // per-request deadline, 0 uses the default
}

// NewHandler returns the HTTP API. /health is always open; the /api routes
// require the bearer token when one is configured.
func NewHandler(deps Deps) http.Handler {
	if deps.Timeout <= 0 {
		deps.Timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestTimeout(deps.Timeout))

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/api/search", handleSearch(deps))
		r.Post("/api/chat", handleChat(deps))
		r.Get("/api/collections", handleListCollections(deps))
		r.Post("/api/collections", handleCreateCollection(deps))
		r.Post("/api/documents", handleUploadDocument(deps))
		r.Post("/api/documents/text", handleAddText(deps))
		r.Get("/api/sessions", handleListSessions(deps))
		r.Get("/api/sessions/{id}", handleSessionHistory(deps))
	})

	return r
}

// requestTimeout bounds every request so a stuck upstream cannot hold the
// connection open indefinitely.
func requestTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type searchRequest struct {
	Collection string `json:"collection"`
	Query      string `json:"query"`
	Category   string `json:"category"`
	TopK       int    `json:"top_k"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		resp, err := deps.Pipeline.Search(r.Context(), rag.SearchRequest{
			Collection: req.Collection,
			Query:      req.Query,
			Category:   req.Category,
			TopK:       req.TopK,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, resp)
	}
}

type chatRequest struct {
	Collection string `json:"collection"`
	SessionID  string `json:"session_id"`
	Message    string `json:"message"`
	Category   string `json:"category"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		// A fresh session starts when the client sends no id.
		if req.SessionID == "" {
			req.SessionID = uuid.New().String()
		}

		resp, err := deps.Pipeline.Chat(r.Context(), rag.ChatRequest{
			Collection: req.Collection,
			SessionID:  req.SessionID,
			Message:    req.Message,
			Category:   req.Category,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, resp)
	}
}

func handleListCollections(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := deps.Store.ListCollections(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if names == nil {
			names = []string{}
		}

		writeJSON(w, map[string]any{"collections": names})
	}
}

type createCollectionRequest struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
}

func handleCreateCollection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req createCollectionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := vectorstore.ValidateCollectionName(req.Name); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if req.Dimension <= 0 {
			req.Dimension = deps.Dimension
		}

		if err := deps.Store.CreateCollection(r.Context(), req.Name, req.Dimension); err != nil {
			writeError(w, err)
			return
		}

		writeJSONStatus(w, http.StatusCreated, map[string]any{
			"name":      req.Name,
			"dimension": req.Dimension,
			"status":    "created",
		})
	}
}

// handleUploadDocument ingests one uploaded file (multipart field "file").
// Ingestion is synchronous: the response carries the final chunk counts. On a
// partial failure the report still says how many chunks were stored.
func handleUploadDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}

		collection := r.FormValue("collection")
		if err := vectorstore.ValidateCollectionName(collection); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		category := r.FormValue("category")

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
			return
		}

		report, err := deps.Ingestor.Ingest(r.Context(), ingest.Request{
			Collection: collection,
			Category:   category,
			SourceID:   header.Filename,
			Filename:   header.Filename,
			Data:       data,
		})
		if err != nil {
			writeIngestError(w, err, report)
			return
		}

		writeJSON(w, report)
	}
}

type addTextRequest struct {
	Collection string `json:"collection"`
	Text       string `json:"text"`
	Category   string `json:"category"`
}

func handleAddText(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req addTextRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := vectorstore.ValidateCollectionName(req.Collection); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text must not be empty")
			return
		}

		id, err := deps.Ingestor.AddText(r.Context(), req.Collection, req.Text, req.Category)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSONStatus(w, http.StatusCreated, map[string]string{"id": id, "status": "stored"})
	}
}

func handleListSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := deps.Sessions.ListSessions(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if ids == nil {
			ids = []string{}
		}

		writeJSON(w, map[string]any{"sessions": ids})
	}
}

func handleSessionHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		turns, err := deps.Sessions.History(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if turns == nil {
			turns = []session.Turn{}
		}

		writeJSON(w, map[string]any{"session_id": id, "turns": turns})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
