package vectorstore

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore provides vector storage and brute-force cosine similarity
// search backed by an embedded SQLite database. It exists for offline and
// test use; production deployments point at Qdrant instead. Brute force is
// fine up to roughly 100K points per collection.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS collections (
	name       TEXT PRIMARY KEY,
	dimension  INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS points (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	embedding  BLOB NOT NULL,
	payload    TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_points_collection ON points(collection);
`

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateCollection(ctx context.Context, name string, dim int) error {
	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if dim <= 0 {
		return fmt.Errorf("invalid dimension %d", dim)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (name, dimension, created_at) VALUES (?, ?, ?)`,
		name, dim, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("creating collection %q: %w", name, ErrCollectionExists)
		}
		return fmt.Errorf("creating collection %q: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) EnsureCollection(ctx context.Context, name string, dim int) error {
	existing, err := s.collectionDim(ctx, name)
	if err == nil {
		if existing != dim {
			return fmt.Errorf("collection %q exists with dimension %d, want %d", name, existing, dim)
		}
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("checking collection %q: %w", name, err)
	}
	return s.CreateCollection(ctx, name, dim)
}

func (s *SQLiteStore) collectionDim(ctx context.Context, name string) (int, error) {
	var dim int
	err := s.db.QueryRowContext(ctx, `SELECT dimension FROM collections WHERE name = ?`, name).Scan(&dim)
	return dim, err
}

func (s *SQLiteStore) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM collections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning collection name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStore) Upsert(ctx context.Context, collection string, points []Point) error {
	dim, err := s.collectionDim(ctx, collection)
	if err == sql.ErrNoRows {
		return fmt.Errorf("upserting into %q: %w", collection, ErrCollectionNotFound)
	}
	if err != nil {
		return fmt.Errorf("checking collection %q: %w", collection, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO points (collection, id, embedding, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if len(p.Vector) != dim {
			tx.Rollback()
			return fmt.Errorf("point %s has dimension %d, collection %q expects %d", p.ID, len(p.Vector), collection, dim)
		}
		payload := p.Payload
		if payload.CreatedAt.IsZero() {
			payload.CreatedAt = time.Now().UTC()
		}
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("marshalling payload for %s: %w", p.ID, err)
		}
		blob := encodeFloat32s(p.Vector)
		if _, err := stmt.Exec(collection, p.ID, blob, string(payloadJSON), payload.CreatedAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting point %s: %w", p.ID, err)
		}
	}

	return tx.Commit()
}

// idScore holds only the id and score during the scan phase of Search.
// Full point details are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

func (s *SQLiteStore) Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]ScoredPoint, error) {
	if _, err := s.collectionDim(ctx, collection); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("searching %q: %w", collection, ErrCollectionNotFound)
		}
		return nil, fmt.Errorf("checking collection %q: %w", collection, err)
	}
	if topK <= 0 {
		return nil, nil
	}

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan embeddings (and payloads, when filtering) to find the
	// top-K candidate ids. rowid order keeps equal-score ties stable.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding, payload FROM points WHERE collection = ? ORDER BY rowid`, collection)
	if err != nil {
		return nil, fmt.Errorf("scanning vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id, payloadJSON string
		var blob []byte
		if err := rows.Scan(&id, &blob, &payloadJSON); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		if len(filter) > 0 {
			var p Payload
			if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
				return nil, fmt.Errorf("decoding payload for %s: %w", id, err)
			}
			if !filter.Matches(p) {
				continue
			}
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full points only for the winners.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	points, err := s.fetchByIDs(ctx, collection, topIDs)
	if err != nil {
		return nil, err
	}

	results := make([]ScoredPoint, 0, len(points))
	for _, p := range points {
		results = append(results, ScoredPoint{Point: p, Score: scores[p.ID]})
	}
	sortByScore(results)
	return results, nil
}

func (s *SQLiteStore) fetchByIDs(ctx context.Context, collection string, ids []string) ([]Point, error) {
	queryArgs := make([]interface{}, 0, len(ids)+1)
	queryArgs = append(queryArgs, collection)
	for _, id := range ids {
		queryArgs = append(queryArgs, id)
	}

	query := `SELECT id, embedding, payload FROM points
		WHERE collection = ? AND id IN (?` + strings.Repeat(",?", len(ids)-1) + `) ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching points: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *SQLiteStore) Scroll(ctx context.Context, collection string, filter Filter, limit int) ([]Point, error) {
	if _, err := s.collectionDim(ctx, collection); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("scrolling %q: %w", collection, ErrCollectionNotFound)
		}
		return nil, fmt.Errorf("checking collection %q: %w", collection, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding, payload FROM points WHERE collection = ? ORDER BY rowid`, collection)
	if err != nil {
		return nil, fmt.Errorf("scrolling points: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		if len(filter) > 0 && !filter.Matches(p.Payload) {
			continue
		}
		points = append(points, p)
		if limit > 0 && len(points) >= limit {
			break
		}
	}
	return points, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context, collection string, filter Filter) (int, error) {
	if len(filter) == 0 {
		var count int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM points WHERE collection = ?`, collection).Scan(&count)
		if err != nil {
			return 0, fmt.Errorf("counting points: %w", err)
		}
		return count, nil
	}

	points, err := s.Scroll(ctx, collection, filter, 0)
	if err != nil {
		return 0, err
	}
	return len(points), nil
}

func (s *SQLiteStore) DeleteCollection(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting collection %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("deleting collection %q: %w", name, ErrCollectionNotFound)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM points WHERE collection = ?`, name); err != nil {
		return fmt.Errorf("deleting points of %q: %w", name, err)
	}
	return nil
}

func scanPoint(rows *sql.Rows) (Point, error) {
	var p Point
	var blob []byte
	var payloadJSON string
	if err := rows.Scan(&p.ID, &blob, &payloadJSON); err != nil {
		return Point{}, fmt.Errorf("scanning point: %w", err)
	}
	vec, err := decodeFloat32s(blob)
	if err != nil {
		return Point{}, fmt.Errorf("decoding embedding for %s: %w", p.ID, err)
	}
	p.Vector = vec
	if err := json.Unmarshal([]byte(payloadJSON), &p.Payload); err != nil {
		return Point{}, fmt.Errorf("decoding payload for %s: %w", p.ID, err)
	}
	return p, nil
}

// sortByScore sorts ScoredPoints by score descending. The insertion sort is
// stable, so equal scores keep store order. Slices are topK-sized.
func sortByScore(results []ScoredPoint) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * bNorm) with aNorm precomputed.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by score, used during the
// scan phase of Search to track top-K candidates by id only.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
