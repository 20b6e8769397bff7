package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// bm25Floor is the clamp baseline for FTS5 bm25 scores. SQLite reports better
// matches as more negative values; anything at or past the floor normalizes
// to 1.0 and non-matches to 0.
const bm25Floor = 25.0

// HybridQuery describes one hybrid memory search.
type HybridQuery struct {
	// Text feeds the full-text leg. Empty disables it.
	Text string

	// Embedding feeds the vector leg. Nil disables it.
	Embedding []float32

	// Model selects which embedding rows to compare against.
	Model string

	// K caps the result count. Defaults to 10.
	K int

	// VecWeight and TextWeight blend the two legs. Defaults 0.7 / 0.3.
	VecWeight  float64
	TextWeight float64

	// Owner, when non-empty, restricts results to that owner's memories plus
	// family/all visibility rows.
	Owner string
}

// MemoryHit is one hybrid search result.
type MemoryHit struct {
	Memory Memory
	Score  float64
	Cosine float64
	BM25   float64
}

// SearchMemories runs the hybrid search: score = wα·cosine + wβ·bm25_norm
// over active memories, ranked (score desc, created_at desc, id asc) so the
// same query against the same data always pages identically.
func (s *Store) SearchMemories(ctx context.Context, q HybridQuery) ([]MemoryHit, error) {
	if q.K <= 0 {
		q.K = 10
	}
	if q.VecWeight == 0 && q.TextWeight == 0 {
		q.VecWeight, q.TextWeight = 0.7, 0.3
	}

	textScores, err := s.ftsScores(ctx, q.Text)
	if err != nil {
		return nil, err
	}
	vecScores, err := s.cosineScores(ctx, q.Model, q.Embedding)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]struct{}, len(textScores)+len(vecScores))
	for id := range textScores {
		ids[id] = struct{}{}
	}
	for id := range vecScores {
		ids[id] = struct{}{}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	hits := make([]MemoryHit, 0, len(ids))
	for id := range ids {
		m, err := s.getMemoryRaw(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if q.Owner != "" && m.Owner != q.Owner && m.Visibility == "owner" {
			continue
		}
		hit := MemoryHit{
			Memory: *m,
			Cosine: vecScores[id],
			BM25:   textScores[id],
		}
		hit.Score = q.VecWeight*hit.Cosine + q.TextWeight*hit.BM25
		hits = append(hits, hit)
	}

	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Memory.CreatedAt.Equal(b.Memory.CreatedAt) {
			return a.Memory.CreatedAt.After(b.Memory.CreatedAt)
		}
		return a.Memory.ID < b.Memory.ID
	})
	if len(hits) > q.K {
		hits = hits[:q.K]
	}
	return hits, nil
}

// ftsScores returns normalized bm25 scores per matching active memory ID.
func (s *Store) ftsScores(ctx context.Context, text string) (map[string]float64, error) {
	match := ftsQuery(text)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, bm25(memories_fts)
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ? AND m.status = 'active'`,
		match,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("store: full-text search: %w", err))
	}
	defer rows.Close()

	scores := make(map[string]float64)
	for rows.Next() {
		var (
			id    string
			score float64
		)
		if err := rows.Scan(&id, &score); err != nil {
			return nil, classify(fmt.Errorf("store: full-text search: %w", err))
		}
		scores[id] = math.Min(1, math.Max(0, -score/bm25Floor))
	}
	return scores, rows.Err()
}

// cosineScores returns cosine similarity per active memory carrying an
// embedding for model. The scan runs in-process; at household scale the
// embedding table is small enough that the ANN index is an optimization, not
// a requirement.
func (s *Store) cosineScores(ctx context.Context, model string, query []float32) (map[string]float64, error) {
	if len(query) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT map.memory_id, e.vector
		FROM memory_embedding_map map
		JOIN memory_embeddings e ON e.id = map.embedding_id
		JOIN memories m ON m.id = map.memory_id
		WHERE map.model = ? AND m.status = 'active'`,
		model,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("store: vector search: %w", err))
	}
	defer rows.Close()

	scores := make(map[string]float64)
	for rows.Next() {
		var (
			id   string
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, classify(fmt.Errorf("store: vector search: %w", err))
		}
		scores[id] = cosine(query, decodeVector(blob))
	}
	return scores, rows.Err()
}

// getMemoryRaw fetches without bumping access counters; hybrid search reads
// many rows it may discard.
func (s *Store) getMemoryRaw(ctx context.Context, id string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+memoryColumns+" FROM memories WHERE id = ? AND status = 'active'", id)
	return scanMemory(row)
}

// ftsQuery quotes each token so punctuation in user text cannot break FTS5
// query syntax, OR-joined for recall.
func ftsQuery(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
