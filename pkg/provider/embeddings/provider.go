// Package embeddings defines the Provider interface for text-embedding backends.
//
// Embedding vectors drive three parts of the request core: the stage-2
// centroid classifier compares utterance vectors against per-intent centroids,
// the memory layer combines vector similarity with keyword rank for hybrid
// retrieval, and the improvement pipeline clusters unresolved utterances by
// cosine similarity. All three assume every vector from one Provider lives in
// the same space, so a deployment embeds with a single model and must re-embed
// stored vectors before switching models.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// Every vector returned by a single Provider instance has length Dimensions().
// Vectors from different Provider instances must not be compared unless both
// wrap the same model.
type Provider interface {
	// Embed computes the embedding vector for one text string. The text is
	// passed to the backend verbatim; any model-specific prefixing is the
	// caller's job.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds a slice of texts in a single backend call. The result
	// has the same length and order as texts. On any failure the whole result
	// is nil; partial results are never returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length produced by this provider.
	Dimensions() int

	// ModelID returns the backend model identifier. It is recorded alongside
	// stored vectors so a model switch can be detected at startup.
	ModelID() string
}
