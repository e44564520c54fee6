// Package ingest implements the document ingestion pipeline:
// extract -> chunk -> embed -> upsert. Ingestion is synchronous from the
// caller's perspective; large documents take as long as they take.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/semsearch/internal/vectorstore"
)

// chunkNamespace is the fixed namespace for deterministic chunk ids.
// Re-ingesting the same source with the same chunking parameters produces
// the same ids, so the upsert replaces rather than duplicates.
var chunkNamespace = uuid.MustParse("8a6e1d24-93b5-4d0a-9c6f-2f1f6a7b0c3d")

// Embedder generates embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Request describes one document to ingest.
type Request struct {
	Collection string
	Category   string
	SourceID   string // stable identifier for the document, e.g. the filename
	Filename   string // used to pick the extraction format
	Data       []byte
}

// Report states how far ingestion got. When ingestion fails partway,
// ChunksStored counts chunks durably written before the failure, so the
// caller can decide whether to retry the remainder.
type Report struct {
	SourceID     string `json:"source_id"`
	ChunksTotal  int    `json:"chunks_total"`
	ChunksStored int    `json:"chunks_stored"`
}

// Ingestor runs the ingestion pipeline against a vector store.
type Ingestor struct {
	store     vectorstore.VectorStore
	embedder  Embedder
	chunker   *Chunker
	batchSize int
	logger    *slog.Logger
}

// NewIngestor creates an Ingestor. If batchSize <= 0, it defaults to 16.
func NewIngestor(store vectorstore.VectorStore, embedder Embedder, chunker *Chunker, batchSize int) *Ingestor {
	if batchSize <= 0 {
		batchSize = 16
	}
	return &Ingestor{
		store:     store,
		embedder:  embedder,
		chunker:   chunker,
		batchSize: batchSize,
		logger:    slog.Default(),
	}
}

// Ingest runs the full pipeline for one document. The returned Report is
// valid even when err is non-nil: a failure in an embedding batch aborts the
// remaining chunks but chunks already upserted stay stored and counted.
func (ing *Ingestor) Ingest(ctx context.Context, req Request) (Report, error) {
	report := Report{SourceID: req.SourceID}

	if err := vectorstore.ValidateCollectionName(req.Collection); err != nil {
		return report, err
	}
	if strings.TrimSpace(req.SourceID) == "" {
		return report, fmt.Errorf("source identifier must not be empty")
	}

	text, err := ExtractText(req.Filename, req.Data)
	if err != nil {
		return report, err
	}
	if strings.TrimSpace(text) == "" {
		return report, &ExtractionError{Format: "text", Err: fmt.Errorf("document contains no text")}
	}

	chunks := ing.chunker.Split(text)
	report.ChunksTotal = len(chunks)

	now := time.Now().UTC()
	for batchStart := 0; batchStart < len(chunks); batchStart += ing.batchSize {
		batchEnd := min(batchStart+ing.batchSize, len(chunks))
		batch := chunks[batchStart:batchEnd]

		vectors, err := ing.embedder.EmbedBatch(ctx, batch)
		if err != nil {
			return report, fmt.Errorf("embedding chunks %d-%d of %q: %w", batchStart, batchEnd-1, req.SourceID, err)
		}

		points := make([]vectorstore.Point, len(batch))
		for i, chunkText := range batch {
			idx := batchStart + i
			points[i] = vectorstore.Point{
				ID:     ChunkID(req.SourceID, idx),
				Vector: vectors[i],
				Payload: vectorstore.Payload{
					Text:       chunkText,
					Category:   req.Category,
					SourceID:   req.SourceID,
					ChunkIndex: idx,
					CreatedAt:  now,
				},
			}
		}

		if err := ing.store.Upsert(ctx, req.Collection, points); err != nil {
			return report, fmt.Errorf("upserting chunks %d-%d of %q: %w", batchStart, batchEnd-1, req.SourceID, err)
		}
		report.ChunksStored = batchEnd
	}

	ing.logger.Info("document ingested",
		"collection", req.Collection,
		"source_id", req.SourceID,
		"chunks", report.ChunksStored,
	)
	return report, nil
}

// AddText stores a single already-extracted text as one chunk, the manual
// add-document path. The id is random; repeated adds store new points.
func (ing *Ingestor) AddText(ctx context.Context, collection, text, category string) (string, error) {
	if err := vectorstore.ValidateCollectionName(collection); err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("text must not be empty")
	}

	vec, err := ing.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("embedding text: %w", err)
	}

	id := uuid.New().String()
	point := vectorstore.Point{
		ID:     id,
		Vector: vec,
		Payload: vectorstore.Payload{
			Text:      text,
			Category:  category,
			SourceID:  "manual",
			CreatedAt: time.Now().UTC(),
		},
	}
	if err := ing.store.Upsert(ctx, collection, []vectorstore.Point{point}); err != nil {
		return "", fmt.Errorf("upserting text: %w", err)
	}
	return id, nil
}

// ChunkID derives the deterministic id for a chunk of a source document.
func ChunkID(sourceID string, index int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(sourceID+":"+strconv.Itoa(index))).String()
}
