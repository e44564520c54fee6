// Package session persists chat history inside a reserved vector store
// collection. History is server-side authoritative: clients send only the
// new message and a session id, never their own copy of past turns.
package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/semsearch/internal/vectorstore"
)

// Turn is one user/bot exchange in a session.
type Turn struct {
	SessionID  string    `json:"session_id"`
	Sequence   int       `json:"sequence"`
	UserText   string    `json:"user_text"`
	BotText    string    `json:"bot_text"`
	ContextIDs []string  `json:"context_ids,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store appends and reads chat turns. Turn points carry the embedding of the
// user text, so past conversations are themselves semantically searchable.
type Store struct {
	store      vectorstore.VectorStore
	collection string
	dim        int
}

// NewStore creates a session store over the given reserved collection.
func NewStore(store vectorstore.VectorStore, collection string, dim int) *Store {
	return &Store{store: store, collection: collection, dim: dim}
}

// Init ensures the reserved collection exists.
func (s *Store) Init(ctx context.Context) error {
	return s.store.EnsureCollection(ctx, s.collection, s.dim)
}

// AppendTurn stores a new turn at the end of the session. It never
// overwrites: the sequence number is one past the current turn count, and
// ordering is reconstructed from it on read. vector is the embedding of
// userText, already computed by the chat pipeline.
func (s *Store) AppendTurn(ctx context.Context, sessionID, userText, botText string, contextIDs []string, vector []float32) (Turn, error) {
	if sessionID == "" {
		return Turn{}, fmt.Errorf("session id must not be empty")
	}

	count, err := s.store.Count(ctx, s.collection, vectorstore.Filter{"session_id": sessionID})
	if err != nil {
		return Turn{}, fmt.Errorf("counting turns for session %s: %w", sessionID, err)
	}

	turn := Turn{
		SessionID:  sessionID,
		Sequence:   count + 1,
		UserText:   userText,
		BotText:    botText,
		ContextIDs: contextIDs,
		CreatedAt:  time.Now().UTC(),
	}

	point := vectorstore.Point{
		ID:     uuid.New().String(),
		Vector: vector,
		Payload: vectorstore.Payload{
			SessionID:  turn.SessionID,
			Sequence:   turn.Sequence,
			UserText:   turn.UserText,
			BotText:    turn.BotText,
			ContextIDs: turn.ContextIDs,
			CreatedAt:  turn.CreatedAt,
		},
	}
	if err := s.store.Upsert(ctx, s.collection, []vectorstore.Point{point}); err != nil {
		return Turn{}, fmt.Errorf("appending turn to session %s: %w", sessionID, err)
	}
	return turn, nil
}

// History returns all turns of a session in append order. The backing store
// has no native ordering guarantee, so turns are sorted by their sequence
// number here.
func (s *Store) History(ctx context.Context, sessionID string) ([]Turn, error) {
	points, err := s.store.Scroll(ctx, s.collection, vectorstore.Filter{"session_id": sessionID}, 0)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}

	turns := make([]Turn, len(points))
	for i, p := range points {
		turns[i] = Turn{
			SessionID:  p.Payload.SessionID,
			Sequence:   p.Payload.Sequence,
			UserText:   p.Payload.UserText,
			BotText:    p.Payload.BotText,
			ContextIDs: p.Payload.ContextIDs,
			CreatedAt:  p.Payload.CreatedAt,
		}
	}
	sort.Slice(turns, func(i, j int) bool { return turns[i].Sequence < turns[j].Sequence })
	return turns, nil
}

// ListSessions returns the distinct session ids, sorted.
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	points, err := s.store.Scroll(ctx, s.collection, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	seen := make(map[string]bool)
	var ids []string
	for _, p := range points {
		id := p.Payload.SessionID
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
