package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors callers branch on with errors.Is.
var (
	ErrCollectionNotFound = errors.New("collection not found")
	ErrCollectionExists   = errors.New("collection already exists")
)

// VectorStore is the interface for vector storage and cosine similarity
// search backends. The default implementation talks to a Qdrant instance over
// REST; a local SQLite implementation with brute-force search is available
// for offline use. Both report similarity as cosine scores in [-1, 1],
// higher meaning more similar.
type VectorStore interface {
	// CreateCollection creates a named collection with the given vector
	// dimension. Returns ErrCollectionExists if the name is taken.
	CreateCollection(ctx context.Context, name string, dim int) error

	// EnsureCollection creates the collection if missing. It is a no-op when
	// a collection of the same dimension already exists.
	EnsureCollection(ctx context.Context, name string, dim int) error

	// ListCollections returns the names of all collections.
	ListCollections(ctx context.Context) ([]string, error)

	// Upsert inserts or replaces points by id.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search returns up to topK points ordered by descending cosine
	// similarity. A non-empty filter restricts candidates to points whose
	// payload matches every filter entry. Returns ErrCollectionNotFound if
	// the collection does not exist.
	Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]ScoredPoint, error)

	// Scroll returns up to limit points matching the filter, without
	// scoring. Used for history reconstruction and listings.
	Scroll(ctx context.Context, collection string, filter Filter, limit int) ([]Point, error)

	// Count returns the number of points matching the filter (all points
	// when the filter is empty).
	Count(ctx context.Context, collection string, filter Filter) (int, error)

	// DeleteCollection removes a collection and all its points.
	DeleteCollection(ctx context.Context, name string) error
}

// Point is a stored vector with its payload. Text and vector are written
// together and never modified independently.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// ScoredPoint is a Point with a similarity score attached.
type ScoredPoint struct {
	Point
	Score float32
}

// Payload carries point metadata. Document chunks use Text, Category,
// SourceID and ChunkIndex; chat turns use SessionID, Sequence, UserText,
// BotText and ContextIDs.
type Payload struct {
	Text       string    `json:"text,omitempty"`
	Category   string    `json:"category,omitempty"`
	SourceID   string    `json:"source_id,omitempty"`
	ChunkIndex int       `json:"chunk_index,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Sequence   int       `json:"sequence,omitempty"`
	UserText   string    `json:"user_text,omitempty"`
	BotText    string    `json:"bot_text,omitempty"`
	ContextIDs []string  `json:"context_ids,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Filter matches points whose payload fields equal every entry.
// Supported keys: "category", "source_id", "session_id".
type Filter map[string]string

// Matches reports whether the payload satisfies every filter entry.
func (f Filter) Matches(p Payload) bool {
	for key, want := range f {
		switch key {
		case "category":
			if p.Category != want {
				return false
			}
		case "source_id":
			if p.SourceID != want {
				return false
			}
		case "session_id":
			if p.SessionID != want {
				return false
			}
		default:
			return false
		}
	}
	return true
}

const maxCollectionNameLen = 255

// ValidateCollectionName checks a user-supplied collection name against the
// store's naming constraints before it reaches the backend.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("collection name must not be empty")
	}
	if len(name) > maxCollectionNameLen {
		return fmt.Errorf("collection name exceeds %d characters", maxCollectionNameLen)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return fmt.Errorf("collection name %q contains invalid character %q (allowed: letters, digits, underscore, hyphen)", name, r)
		}
	}
	return nil
}
