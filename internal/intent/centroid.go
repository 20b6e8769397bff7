package intent

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/barnabee-home/barnabee/pkg/provider/embeddings"
)

// CentroidStage is the second cascade stage: cosine similarity of the
// utterance embedding against one centroid vector per intent.
//
// Centroids are the normalized mean of each intent's exemplar embeddings,
// rebuilt by [BuildCentroids] whenever the exemplar set changes (startup and
// after tier-1 improvements). Safe for concurrent use.
type CentroidStage struct {
	embedder  embeddings.Provider
	threshold float64
	tieMargin float64
	timeout   time.Duration
	gate      *GPUGate

	mu        sync.RWMutex
	centroids map[Intent][]float32
}

// Compile-time interface check.
var _ Stage = (*CentroidStage)(nil)

// NewCentroidStage creates the stage. threshold is the minimum top-1 cosine
// similarity to decide; tieMargin forwards to the next stage when the top two
// intents score within it of each other even above threshold.
func NewCentroidStage(embedder embeddings.Provider, threshold, tieMargin float64) *CentroidStage {
	return &CentroidStage{
		embedder:  embedder,
		threshold: threshold,
		tieMargin: tieMargin,
		timeout:   150 * time.Millisecond,
		centroids: make(map[Intent][]float32),
	}
}

// Name implements Stage.
func (s *CentroidStage) Name() string { return StageEmbedding }

// UseGPUGate makes the stage acquire gate around embedding calls. Call before
// the cascade starts serving.
func (s *CentroidStage) UseGPUGate(gate *GPUGate) {
	s.gate = gate
}

// SetCentroids replaces the centroid table.
func (s *CentroidStage) SetCentroids(centroids map[Intent][]float32) {
	s.mu.Lock()
	s.centroids = centroids
	s.mu.Unlock()
}

// Len returns the number of loaded centroids.
func (s *CentroidStage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.centroids)
}

// Classify implements Stage. With no centroids loaded it continues without
// error; embedding failures are returned so the cascade can degrade.
func (s *CentroidStage) Classify(ctx context.Context, utterance string) (StageResult, error) {
	s.mu.RLock()
	centroids := s.centroids
	s.mu.RUnlock()
	if len(centroids) == 0 || utterance == "" {
		return Continue(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.gate != nil {
		if err := s.gate.Acquire(ctx); err != nil {
			return Continue(), fmt.Errorf("intent: acquire gpu slot: %w", err)
		}
	}
	vec, err := s.embedder.Embed(ctx, utterance)
	if s.gate != nil {
		s.gate.Release()
	}
	if err != nil {
		return Continue(), fmt.Errorf("intent: embed utterance: %w", err)
	}

	var (
		best       Intent
		bestScore  = math.Inf(-1)
		secondBest = math.Inf(-1)
	)
	for in, c := range centroids {
		score := CosineSimilarity(vec, c)
		switch {
		case score > bestScore:
			secondBest = bestScore
			best, bestScore = in, score
		case score > secondBest:
			secondBest = score
		}
	}

	cls := Classification{
		Intent:     best,
		Confidence: bestScore,
		Stage:      StageEmbedding,
	}
	if bestScore < s.threshold {
		return ContinueWith(cls), nil
	}
	// Two intents this close means the centroids cannot discriminate the
	// utterance; let the local model look at the words.
	if !math.IsInf(secondBest, -1) && bestScore-secondBest < s.tieMargin {
		return ContinueWith(cls), nil
	}

	return Decided(cls), nil
}

// BuildCentroids embeds every exemplar and returns the normalized per-intent
// mean vectors. Intents with no exemplars are absent from the result.
func BuildCentroids(ctx context.Context, embedder embeddings.Provider, exemplars map[Intent][]string) (map[Intent][]float32, error) {
	centroids := make(map[Intent][]float32, len(exemplars))
	for in, texts := range exemplars {
		if len(texts) == 0 {
			continue
		}
		vecs, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("intent: embed exemplars for %s: %w", in, err)
		}
		centroids[in] = meanVector(vecs)
	}
	return centroids, nil
}

// meanVector averages vecs and normalizes the result to unit length.
func meanVector(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	mean := make([]float32, len(vecs[0]))
	for _, v := range vecs {
		for i := range mean {
			mean[i] += v[i]
		}
	}
	var norm float64
	for i := range mean {
		mean[i] /= float32(len(vecs))
		norm += float64(mean[i]) * float64(mean[i])
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range mean {
			mean[i] /= n
		}
	}
	return mean
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// either vector is zero or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
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
