package resilience

import (
	"context"

	"github.com/barnabee-home/barnabee/pkg/provider/embeddings"
)

// EmbeddingsFallback implements [embeddings.Provider] with automatic failover
// across backends, typically a hosted model with a local one behind it.
//
// Fallback embedding spaces are not interchangeable with the primary's;
// callers that persist vectors must key them by [embeddings.Provider.ModelID].
type EmbeddingsFallback struct {
	group *FallbackGroup[embeddings.Provider]
}

// Compile-time interface assertion.
var _ embeddings.Provider = (*EmbeddingsFallback)(nil)

// NewEmbeddingsFallback creates an [EmbeddingsFallback] with primary as the
// preferred backend.
func NewEmbeddingsFallback(primary embeddings.Provider, primaryName string, cfg FallbackConfig) *EmbeddingsFallback {
	return &EmbeddingsFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional embeddings provider as a fallback.
func (f *EmbeddingsFallback) AddFallback(name string, provider embeddings.Provider) {
	f.group.AddFallback(name, provider)
}

// Embed returns the first healthy provider's vector for text.
func (f *EmbeddingsFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([]float32, error) {
		return p.Embed(ctx, text)
	})
}

// EmbedBatch returns the first healthy provider's vectors for texts.
func (f *EmbeddingsFallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([][]float32, error) {
		return p.EmbedBatch(ctx, texts)
	})
}

// Dimensions reports the primary backend's vector width.
func (f *EmbeddingsFallback) Dimensions() int {
	return f.group.entries[0].value.Dimensions()
}

// ModelID reports the primary backend's model identifier.
func (f *EmbeddingsFallback) ModelID() string {
	return f.group.entries[0].value.ModelID()
}
