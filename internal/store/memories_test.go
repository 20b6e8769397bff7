package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := Memory{
		Summary:    "bin day",
		Content:    "recycling goes out on thursday evenings",
		Keywords:   []string{"recycling", "thursday"},
		Type:       "fact",
		Source:     "explicit",
		Owner:      "alice",
		Visibility: "family",
	}
	created, err := s.CreateMemory(ctx, in)
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if created.ID == "" || created.CreatedAt.IsZero() {
		t.Fatalf("missing generated fields: %+v", created)
	}

	got, err := s.GetMemory(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if got.Summary != in.Summary || got.Content != in.Content ||
		got.Type != in.Type || got.Source != in.Source ||
		got.Owner != in.Owner || got.Visibility != in.Visibility {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, in)
	}
	if len(got.Keywords) != 2 || got.Keywords[0] != "recycling" {
		t.Errorf("keywords = %v", got.Keywords)
	}
	if got.Status != "active" {
		t.Errorf("status = %q", got.Status)
	}
}

func TestGetMemoryBumpsAccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMemory(ctx, Memory{Summary: "s", Content: "c", Type: "fact", Source: "explicit", Owner: "a"})
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if _, err := s.GetMemory(ctx, m.ID); err != nil {
		t.Fatalf("GetMemory: %v", err)
	}

	got, err := s.GetMemory(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if got.AccessCount != 1 {
		t.Errorf("access count on second read = %d, want 1", got.AccessCount)
	}
	if got.AccessedAt.IsZero() {
		t.Error("accessed_at not set")
	}
}

func TestSoftDeleteMemory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMemory(ctx, Memory{Summary: "s", Content: "c", Type: "fact", Source: "explicit", Owner: "a"})
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if err := s.SoftDeleteMemory(ctx, m.ID); err != nil {
		t.Fatalf("SoftDeleteMemory: %v", err)
	}

	if _, err := s.GetMemory(ctx, m.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMemory after delete = %v, want ErrNotFound", err)
	}
	// Deleting again reports not found; the row itself stays on disk.
	if err := s.SoftDeleteMemory(ctx, m.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
	var status string
	if err := s.db.QueryRow("SELECT status FROM memories WHERE id = ?", m.ID).Scan(&status); err != nil {
		t.Fatalf("raw status read: %v", err)
	}
	if status != "deleted" {
		t.Errorf("status = %q, want deleted", status)
	}
}

func TestSetMemoryEmbeddingReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMemory(ctx, Memory{Summary: "s", Content: "c", Type: "fact", Source: "explicit", Owner: "a"})
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if err := s.SetMemoryEmbedding(ctx, m.ID, "test-model", []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("SetMemoryEmbedding: %v", err)
	}
	if err := s.SetMemoryEmbedding(ctx, m.ID, "test-model", []float32{0, 1, 0, 0}); err != nil {
		t.Fatalf("SetMemoryEmbedding replace: %v", err)
	}

	// At most one embedding per (memory, model).
	var n int
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM memory_embedding_map WHERE memory_id = ?", m.ID,
	).Scan(&n); err != nil {
		t.Fatalf("count map rows: %v", err)
	}
	if n != 1 {
		t.Errorf("map rows = %d, want 1", n)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM memory_embeddings").Scan(&n); err != nil {
		t.Fatalf("count embedding rows: %v", err)
	}
	if n != 1 {
		t.Errorf("embedding rows = %d, want 1", n)
	}
}

func seedHybrid(t *testing.T, s *Store) (lightID, coffeeID, binID string) {
	t.Helper()
	ctx := context.Background()

	create := func(summary, content string, vec []float32) string {
		m, err := s.CreateMemory(ctx, Memory{
			Summary: summary, Content: content,
			Type: "fact", Source: "explicit", Owner: "alice", Visibility: "family",
		})
		if err != nil {
			t.Fatalf("CreateMemory: %v", err)
		}
		if err := s.SetMemoryEmbedding(ctx, m.ID, "test-model", vec); err != nil {
			t.Fatalf("SetMemoryEmbedding: %v", err)
		}
		// Distinct created_at values keep the tie-break observable.
		time.Sleep(2 * time.Millisecond)
		return m.ID
	}

	lightID = create("hallway light", "the hallway light flickers when dimmed", []float32{1, 0, 0, 0})
	coffeeID = create("coffee", "alice takes her coffee black", []float32{0, 1, 0, 0})
	binID = create("bin day", "recycling goes out thursday", []float32{0, 0, 1, 0})
	return lightID, coffeeID, binID
}

func TestHybridSearchBlendsBothLegs(t *testing.T) {
	s := newTestStore(t)
	lightID, _, _ := seedHybrid(t, s)

	hits, err := s.SearchMemories(context.Background(), HybridQuery{
		Text:      "hallway light",
		Embedding: []float32{1, 0, 0, 0},
		Model:     "test-model",
		K:         3,
	})
	if err != nil {
		t.Fatalf("SearchMemories: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("no hits")
	}
	if hits[0].Memory.ID != lightID {
		t.Errorf("top hit = %s, want %s", hits[0].Memory.ID, lightID)
	}
	if hits[0].Cosine < 0.99 {
		t.Errorf("top cosine = %v, want ~1", hits[0].Cosine)
	}
	if hits[0].BM25 <= 0 {
		t.Errorf("top bm25 = %v, want > 0", hits[0].BM25)
	}
}

func TestHybridSearchDeterministicOrdering(t *testing.T) {
	s := newTestStore(t)
	seedHybrid(t, s)
	ctx := context.Background()

	q := HybridQuery{
		Embedding: []float32{1, 1, 1, 0},
		Model:     "test-model",
		K:         3,
	}
	first, err := s.SearchMemories(ctx, q)
	if err != nil {
		t.Fatalf("SearchMemories: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := s.SearchMemories(ctx, q)
		if err != nil {
			t.Fatalf("SearchMemories: %v", err)
		}
		if len(again) != len(first) {
			t.Fatalf("run %d: %d hits, want %d", i, len(again), len(first))
		}
		for j := range first {
			if again[j].Memory.ID != first[j].Memory.ID {
				t.Fatalf("run %d: order changed at %d", i, j)
			}
		}
	}

	// All three score identically on this query; newest-first breaks the tie.
	for i := 1; i < len(first); i++ {
		if first[i].Memory.CreatedAt.After(first[i-1].Memory.CreatedAt) {
			t.Errorf("tie-break violated at %d", i)
		}
	}
}

func TestHybridSearchExcludesDeletedAndForeign(t *testing.T) {
	s := newTestStore(t)
	lightID, _, _ := seedHybrid(t, s)
	ctx := context.Background()

	private, err := s.CreateMemory(ctx, Memory{
		Summary: "diary", Content: "hallway secret", Type: "journal",
		Source: "journal", Owner: "bob", Visibility: "owner",
	})
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if err := s.SoftDeleteMemory(ctx, lightID); err != nil {
		t.Fatalf("SoftDeleteMemory: %v", err)
	}

	hits, err := s.SearchMemories(ctx, HybridQuery{
		Text:  "hallway",
		Owner: "alice",
		K:     10,
	})
	if err != nil {
		t.Fatalf("SearchMemories: %v", err)
	}
	for _, h := range hits {
		if h.Memory.ID == lightID {
			t.Error("soft-deleted memory surfaced in search")
		}
		if h.Memory.ID == private.ID {
			t.Error("another owner's private memory surfaced in search")
		}
	}
}

func TestHybridSearchCapsAtK(t *testing.T) {
	s := newTestStore(t)
	seedHybrid(t, s)

	hits, err := s.SearchMemories(context.Background(), HybridQuery{
		Embedding: []float32{1, 1, 1, 0},
		Model:     "test-model",
		K:         2,
	})
	if err != nil {
		t.Fatalf("SearchMemories: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("len = %d, want 2", len(hits))
	}
}
