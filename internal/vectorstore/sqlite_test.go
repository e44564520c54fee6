package vectorstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "vectors.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateCollection(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateCollection(ctx, "docs", 4); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	err := store.CreateCollection(ctx, "docs", 4)
	if !errors.Is(err, ErrCollectionExists) {
		t.Errorf("second create error = %v, want ErrCollectionExists", err)
	}

	names, err := store.ListCollections(ctx)
	if err != nil {
		t.Fatalf("ListCollections: %v", err)
	}
	if len(names) != 1 || names[0] != "docs" {
		t.Errorf("collections = %v, want [docs]", names)
	}
}

func TestEnsureCollectionIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.EnsureCollection(ctx, "docs", 4); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := store.EnsureCollection(ctx, "docs", 4); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if err := store.EnsureCollection(ctx, "docs", 8); err == nil {
		t.Error("expected dimension mismatch error")
	}
}

func TestUpsertAndSearchOrdering(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateCollection(ctx, "docs", 3); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	points := []Point{
		{ID: "a", Vector: []float32{1, 0, 0}, Payload: Payload{Text: "exact match", Category: "bio"}},
		{ID: "b", Vector: []float32{0.9, 0.1, 0}, Payload: Payload{Text: "close", Category: "bio"}},
		{ID: "c", Vector: []float32{0, 1, 0}, Payload: Payload{Text: "orthogonal", Category: "tech"}},
	}
	if err := store.Upsert(ctx, "docs", points); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := store.Search(ctx, "docs", []float32{1, 0, 0}, 3, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].ID != "a" || results[1].ID != "b" || results[2].ID != "c" {
		t.Errorf("order = %s,%s,%s, want a,b,c", results[0].ID, results[1].ID, results[2].ID)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("scores not non-increasing: %v then %v", results[i-1].Score, results[i].Score)
		}
	}
	if results[0].Score < 0.99 {
		t.Errorf("exact match score = %v, want ~1", results[0].Score)
	}
	if results[0].Payload.Text != "exact match" {
		t.Errorf("payload text = %q", results[0].Payload.Text)
	}
}

func TestSearchFilter(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateCollection(ctx, "docs", 2); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	points := []Point{
		{ID: "a", Vector: []float32{1, 0}, Payload: Payload{Text: "one", Category: "bio"}},
		{ID: "b", Vector: []float32{1, 0}, Payload: Payload{Text: "two", Category: "tech"}},
	}
	if err := store.Upsert(ctx, "docs", points); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := store.Search(ctx, "docs", []float32{1, 0}, 5, Filter{"category": "tech"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "b" {
		t.Fatalf("filtered results = %+v, want only b", results)
	}
}

func TestUpsertReplacesByID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateCollection(ctx, "docs", 2); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	p := Point{ID: "a", Vector: []float32{1, 0}, Payload: Payload{Text: "v1"}}
	if err := store.Upsert(ctx, "docs", []Point{p}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	p.Payload.Text = "v2"
	if err := store.Upsert(ctx, "docs", []Point{p}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	count, err := store.Count(ctx, "docs", nil)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("count after re-upsert = %d, want 1", count)
	}

	results, err := store.Search(ctx, "docs", []float32{1, 0}, 1, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results[0].Payload.Text != "v2" {
		t.Errorf("payload text = %q, want v2", results[0].Payload.Text)
	}
}

func TestUpsertDimensionMismatch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateCollection(ctx, "docs", 3); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	err := store.Upsert(ctx, "docs", []Point{{ID: "a", Vector: []float32{1, 0}}})
	if err == nil {
		t.Error("expected dimension mismatch error")
	}
}

func TestSearchMissingCollection(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Search(context.Background(), "nope", []float32{1}, 3, nil)
	if !errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("error = %v, want ErrCollectionNotFound", err)
	}
}

func TestScrollAndCountWithFilter(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateCollection(ctx, "sessions", 2); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	now := time.Now().UTC()
	points := []Point{
		{ID: "1", Vector: []float32{1, 0}, Payload: Payload{SessionID: "s1", Sequence: 1, CreatedAt: now}},
		{ID: "2", Vector: []float32{0, 1}, Payload: Payload{SessionID: "s2", Sequence: 1, CreatedAt: now}},
		{ID: "3", Vector: []float32{1, 1}, Payload: Payload{SessionID: "s1", Sequence: 2, CreatedAt: now}},
	}
	if err := store.Upsert(ctx, "sessions", points); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := store.Scroll(ctx, "sessions", Filter{"session_id": "s1"}, 0)
	if err != nil {
		t.Fatalf("Scroll: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d points, want 2", len(got))
	}
	if got[0].ID != "1" || got[1].ID != "3" {
		t.Errorf("scroll order = %s,%s, want 1,3", got[0].ID, got[1].ID)
	}

	count, err := store.Count(ctx, "sessions", Filter{"session_id": "s1"})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestDeleteCollection(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateCollection(ctx, "docs", 2); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if err := store.Upsert(ctx, "docs", []Point{{ID: "a", Vector: []float32{1, 0}}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.DeleteCollection(ctx, "docs"); err != nil {
		t.Fatalf("DeleteCollection: %v", err)
	}

	err := store.DeleteCollection(ctx, "docs")
	if !errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("second delete error = %v, want ErrCollectionNotFound", err)
	}
}

func TestFloat32RoundTrip(t *testing.T) {
	in := []float32{0.1, -2.5, 3.75, 0}
	out, err := decodeFloat32s(encodeFloat32s(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("length = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}

	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}
