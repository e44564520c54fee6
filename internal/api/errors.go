package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/semsearch/internal/embed"
	"github.com/kalambet/semsearch/internal/ingest"
	"github.com/kalambet/semsearch/internal/llm"
	"github.com/kalambet/semsearch/internal/rag"
	"github.com/kalambet/semsearch/internal/vectorstore"
)

// errorStatus maps pipeline errors onto HTTP status codes and the error type
// string in the response envelope.
func errorStatus(err error) (int, string) {
	var extErr *ingest.ExtractionError
	switch {
	case errors.Is(err, rag.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, vectorstore.ErrCollectionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, vectorstore.ErrCollectionExists):
		return http.StatusConflict, "conflict"
	case errors.As(err, &extErr):
		return http.StatusUnprocessableEntity, "extraction_error"
	case errors.Is(err, embed.ErrUnavailable):
		return http.StatusServiceUnavailable, "service_unavailable"
	case errors.Is(err, llm.ErrUnavailable):
		return http.StatusServiceUnavailable, "service_unavailable"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, errType := errorStatus(err)
	httpError(w, status, errType, "%v", err)
}

// writeIngestError reports an ingestion failure together with how far
// ingestion got, so the caller can see which chunks are already durable.
func writeIngestError(w http.ResponseWriter, err error, report ingest.Report) {
	status, errType := errorStatus(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    errType,
		},
		"report": report,
	})
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
