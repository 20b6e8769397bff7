// Package mock provides a test double for the embeddings.Provider interface.
//
// By default the mock produces deterministic vectors derived from a hash of
// the input text, so identical texts embed identically and different texts
// almost always differ. Tests that need controlled geometry (e.g. exercising
// the centroid classifier's tie-break) set EmbedFunc instead.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"github.com/barnabee-home/barnabee/pkg/provider/embeddings"
)

// EmbedCall records a single invocation of Embed.
type EmbedCall struct {
	Ctx  context.Context
	Text string
}

// EmbedBatchCall records a single invocation of EmbedBatch.
type EmbedBatchCall struct {
	Ctx   context.Context
	Texts []string
}

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Dims is the vector length produced. Defaults to 8 when zero.
	Dims int

	// Model is returned by ModelID. Defaults to "mock-embeddings" when empty.
	Model string

	// EmbedFunc, if non-nil, overrides the deterministic hash vectors for both
	// Embed and EmbedBatch.
	EmbedFunc func(text string) []float32

	// EmbedErr, if non-nil, is returned as the error from Embed and EmbedBatch.
	EmbedErr error

	// --- Call records (read after test) ---

	// EmbedCalls records every invocation of Embed in order.
	EmbedCalls []EmbedCall

	// EmbedBatchCalls records every invocation of EmbedBatch in order.
	EmbedBatchCalls []EmbedBatchCall
}

// Compile-time interface check.
var _ embeddings.Provider = (*Provider)(nil)

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Text: text})
	p.mu.Unlock()

	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.vector(text), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, EmbedBatchCall{Ctx: ctx, Texts: texts})
	p.mu.Unlock()

	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.Dims == 0 {
		return 8
	}
	return p.Dims
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	if p.Model == "" {
		return "mock-embeddings"
	}
	return p.Model
}

// vector produces the unit-normalized deterministic vector for text.
func (p *Provider) vector(text string) []float32 {
	if p.EmbedFunc != nil {
		return p.EmbedFunc(text)
	}

	dims := p.Dimensions()
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dims)
	var norm float64
	for i := range vec {
		// xorshift64 over the text hash keeps vectors deterministic per text.
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		v := float64(int64(seed%2000)-1000) / 1000.0
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec
}
