// Package rag implements the retrieval-augmented query pipeline for both
// one-shot search and multi-turn chat. Each request walks
// received -> embedding -> retrieving -> prompting -> generating -> done,
// with failed reachable from every non-done state.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/semsearch/internal/composer"
	"github.com/kalambet/semsearch/internal/llm"
	"github.com/kalambet/semsearch/internal/session"
	"github.com/kalambet/semsearch/internal/vectorstore"
)

// ErrInvalidRequest indicates bad or missing input the caller can correct.
var ErrInvalidRequest = errors.New("invalid request")

// AnswerUnavailableMarker is returned in place of an answer when retrieval
// succeeded but the language model could not be reached. The ranked results
// still come back so the caller degrades to plain search.
const AnswerUnavailableMarker = "answer unavailable: the language model could not be reached"

type state string

const (
	stateReceived   state = "received"
	stateEmbedding  state = "embedding"
	stateRetrieving state = "retrieving"
	statePrompting  state = "prompting"
	stateGenerating state = "generating"
	stateDone       state = "done"
	stateFailed     state = "failed"
)

// Embedder embeds query text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Generator produces an answer from assembled chat messages.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message) (string, error)
}

// Sessions is the slice of the session store the chat path needs.
type Sessions interface {
	AppendTurn(ctx context.Context, sessionID, userText, botText string, contextIDs []string, vector []float32) (session.Turn, error)
	History(ctx context.Context, sessionID string) ([]session.Turn, error)
}

// Result is one ranked retrieval hit in the fixed response schema. Rank runs
// 1..k with no gaps, ordered by descending similarity.
type Result struct {
	ChunkID  string  `json:"chunk_id"`
	Text     string  `json:"text"`
	Category string  `json:"category"`
	Score    float32 `json:"score"`
	Rank     int     `json:"rank"`
}

// SearchRequest is a one-shot semantic search with generated answer.
type SearchRequest struct {
	Collection string
	Query      string
	Category   string // optional filter
	TopK       int    // 0 uses the configured default
}

// SearchResponse carries the answer and its evidence.
type SearchResponse struct {
	Query             string   `json:"query"`
	Results           []Result `json:"results"`
	Answer            string   `json:"answer"`
	AnswerUnavailable bool     `json:"answer_unavailable,omitempty"`
}

// ChatRequest is one turn of a grounded conversation. Prior history is
// looked up server-side from the session id.
type ChatRequest struct {
	Collection string
	SessionID  string
	Message    string
	Category   string
}

// ChatResponse is the reply to one chat turn.
type ChatResponse struct {
	SessionID         string   `json:"session_id"`
	Answer            string   `json:"answer"`
	AnswerUnavailable bool     `json:"answer_unavailable,omitempty"`
	Results           []Result `json:"results"`
	Sequence          int      `json:"sequence,omitempty"`
}

// Pipeline wires the clients together. All dependencies are injected so
// tests can substitute fakes.
type Pipeline struct {
	embedder  Embedder
	store     vectorstore.VectorStore
	generator Generator
	sessions  Sessions
	composer  *composer.Composer
	topK      int
	maxTurns  int
	logger    *slog.Logger
}

// NewPipeline creates a Pipeline. topK is the default result count; maxTurns
// bounds how much history is replayed into the prompt.
func NewPipeline(embedder Embedder, store vectorstore.VectorStore, generator Generator, sessions Sessions, comp *composer.Composer, topK, maxTurns int) *Pipeline {
	if topK <= 0 {
		topK = 5
	}
	if maxTurns <= 0 {
		maxTurns = 20
	}
	return &Pipeline{
		embedder:  embedder,
		store:     store,
		generator: generator,
		sessions:  sessions,
		composer:  comp,
		topK:      topK,
		maxTurns:  maxTurns,
		logger:    slog.Default(),
	}
}

// Search embeds the query, retrieves the top-k chunks, and asks the model
// for a grounded answer. When only the LLM is down, the ranked results are
// returned with the answer-unavailable marker instead of an error.
func (p *Pipeline) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	st := stateReceived
	defer func() { p.logState("search", st) }()

	if err := validateQuery(req.Collection, req.Query); err != nil {
		st = stateFailed
		return SearchResponse{}, err
	}

	st = stateEmbedding
	vector, err := p.embedder.Embed(ctx, req.Query)
	if err != nil {
		st = stateFailed
		return SearchResponse{}, fmt.Errorf("embedding query: %w", err)
	}

	st = stateRetrieving
	scored, err := p.retrieve(ctx, req.Collection, vector, req.TopK, req.Category)
	if err != nil {
		st = stateFailed
		return SearchResponse{}, err
	}
	results := toResults(scored)

	st = statePrompting
	messages := p.composer.Compose(toChunks(scored), nil, req.Query)

	st = stateGenerating
	answer, err := p.generator.Generate(ctx, messages)
	if err != nil {
		if errors.Is(err, llm.ErrUnavailable) {
			st = stateDone
			p.logger.Warn("llm unavailable, returning retrieval-only results", "error", err)
			return SearchResponse{
				Query:             req.Query,
				Results:           results,
				Answer:            AnswerUnavailableMarker,
				AnswerUnavailable: true,
			}, nil
		}
		st = stateFailed
		return SearchResponse{}, fmt.Errorf("generating answer: %w", err)
	}

	st = stateDone
	return SearchResponse{Query: req.Query, Results: results, Answer: answer}, nil
}

// Retrieve runs embedding and similarity search without generation. Used
// where only the ranked chunks are wanted.
func (p *Pipeline) Retrieve(ctx context.Context, req SearchRequest) ([]Result, error) {
	if err := validateQuery(req.Collection, req.Query); err != nil {
		return nil, err
	}
	vector, err := p.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	scored, err := p.retrieve(ctx, req.Collection, vector, req.TopK, req.Category)
	if err != nil {
		return nil, err
	}
	return toResults(scored), nil
}

// Chat handles one conversation turn: history lookup, retrieval, grounded
// generation, and appending the completed turn to the session. Turns are
// persisted only when generation produced an answer, so history holds
// complete exchanges.
func (p *Pipeline) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	st := stateReceived
	defer func() { p.logState("chat", st) }()

	if err := validateQuery(req.Collection, req.Message); err != nil {
		st = stateFailed
		return ChatResponse{}, err
	}
	if strings.TrimSpace(req.SessionID) == "" {
		st = stateFailed
		return ChatResponse{}, fmt.Errorf("%w: session id must not be empty", ErrInvalidRequest)
	}

	history, err := p.sessions.History(ctx, req.SessionID)
	if err != nil {
		st = stateFailed
		return ChatResponse{}, fmt.Errorf("loading history: %w", err)
	}
	if len(history) > p.maxTurns {
		history = history[len(history)-p.maxTurns:]
	}

	st = stateEmbedding
	vector, err := p.embedder.Embed(ctx, req.Message)
	if err != nil {
		st = stateFailed
		return ChatResponse{}, fmt.Errorf("embedding message: %w", err)
	}

	st = stateRetrieving
	scored, err := p.retrieve(ctx, req.Collection, vector, 0, req.Category)
	if err != nil {
		st = stateFailed
		return ChatResponse{}, err
	}
	results := toResults(scored)

	st = statePrompting
	turns := make([]composer.Turn, len(history))
	for i, h := range history {
		turns[i] = composer.Turn{User: h.UserText, Bot: h.BotText}
	}
	messages := p.composer.Compose(toChunks(scored), turns, req.Message)

	st = stateGenerating
	answer, err := p.generator.Generate(ctx, messages)
	if err != nil {
		if errors.Is(err, llm.ErrUnavailable) {
			st = stateDone
			p.logger.Warn("llm unavailable, returning retrieval-only results",
				"session_id", req.SessionID, "error", err)
			return ChatResponse{
				SessionID:         req.SessionID,
				Answer:            AnswerUnavailableMarker,
				AnswerUnavailable: true,
				Results:           results,
			}, nil
		}
		st = stateFailed
		return ChatResponse{}, fmt.Errorf("generating answer: %w", err)
	}

	contextIDs := make([]string, len(results))
	for i, r := range results {
		contextIDs[i] = r.ChunkID
	}
	turn, err := p.sessions.AppendTurn(ctx, req.SessionID, req.Message, answer, contextIDs, vector)
	if err != nil {
		st = stateFailed
		return ChatResponse{}, fmt.Errorf("appending turn: %w", err)
	}

	st = stateDone
	return ChatResponse{
		SessionID: req.SessionID,
		Answer:    answer,
		Results:   results,
		Sequence:  turn.Sequence,
	}, nil
}

func (p *Pipeline) retrieve(ctx context.Context, collection string, vector []float32, topK int, category string) ([]vectorstore.ScoredPoint, error) {
	if topK <= 0 {
		topK = p.topK
	}
	var filter vectorstore.Filter
	if category != "" {
		filter = vectorstore.Filter{"category": category}
	}

	scored, err := p.store.Search(ctx, collection, vector, topK, filter)
	if err != nil {
		return nil, fmt.Errorf("searching %q: %w", collection, err)
	}
	return scored, nil
}

// toResults maps the store's native response shape to the fixed Result
// schema at the boundary; pipeline code never sees the store's shape.
func toResults(scored []vectorstore.ScoredPoint) []Result {
	results := make([]Result, len(scored))
	for i, sp := range scored {
		results[i] = Result{
			ChunkID:  sp.ID,
			Text:     sp.Payload.Text,
			Category: sp.Payload.Category,
			Score:    sp.Score,
			Rank:     i + 1,
		}
	}
	return results
}

func toChunks(scored []vectorstore.ScoredPoint) []composer.Chunk {
	chunks := make([]composer.Chunk, len(scored))
	for i, sp := range scored {
		chunks[i] = composer.Chunk{
			Text:     sp.Payload.Text,
			Category: sp.Payload.Category,
			Source:   sp.Payload.SourceID,
			Rank:     i + 1,
		}
	}
	return chunks
}

func validateQuery(collection, text string) error {
	if err := vectorstore.ValidateCollectionName(collection); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: query text must not be empty", ErrInvalidRequest)
	}
	return nil
}

func (p *Pipeline) logState(kind string, st state) {
	if st == stateDone {
		p.logger.Debug("request finished", "kind", kind)
		return
	}
	p.logger.Debug("request ended early", "kind", kind, "state", string(st))
}
