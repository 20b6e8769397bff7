package resilience

import (
	"context"
	"errors"
	"testing"

	embmock "github.com/barnabee-home/barnabee/pkg/provider/embeddings/mock"
)

func TestEmbeddingsFallback_Embed_PrimarySuccess(t *testing.T) {
	primary := &embmock.Provider{
		Dims:      4,
		EmbedFunc: func(string) []float32 { return []float32{1, 0, 0, 0} },
	}
	secondary := &embmock.Provider{
		Dims:      4,
		EmbedFunc: func(string) []float32 { return []float32{0, 1, 0, 0} },
	}

	fb := NewEmbeddingsFallback(primary, "hosted", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("local", secondary)

	vec, err := fb.Embed(context.Background(), "turn on the lights")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vec[0] != 1 {
		t.Fatalf("vec = %v, want primary's vector", vec)
	}
	if len(secondary.EmbedCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.EmbedCalls))
	}
}

func TestEmbeddingsFallback_Embed_Failover(t *testing.T) {
	primary := &embmock.Provider{EmbedErr: errors.New("hosted down")}
	secondary := &embmock.Provider{
		Dims:      4,
		EmbedFunc: func(string) []float32 { return []float32{0, 1, 0, 0} },
	}

	fb := NewEmbeddingsFallback(primary, "hosted", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("local", secondary)

	vec, err := fb.Embed(context.Background(), "turn on the lights")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vec[1] != 1 {
		t.Fatalf("vec = %v, want secondary's vector", vec)
	}
}

func TestEmbeddingsFallback_EmbedBatch_AllFail(t *testing.T) {
	primary := &embmock.Provider{EmbedErr: errors.New("hosted down")}
	secondary := &embmock.Provider{EmbedErr: errors.New("local down")}

	fb := NewEmbeddingsFallback(primary, "hosted", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("local", secondary)

	_, err := fb.EmbedBatch(context.Background(), []string{"a", "b"})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestEmbeddingsFallback_PrimaryMetadata(t *testing.T) {
	primary := &embmock.Provider{Dims: 1536, Model: "text-embedding-3-small"}
	secondary := &embmock.Provider{Dims: 384, Model: "all-minilm"}

	fb := NewEmbeddingsFallback(primary, "hosted", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("local", secondary)

	if got := fb.Dimensions(); got != 1536 {
		t.Fatalf("Dimensions() = %d, want 1536", got)
	}
	if got := fb.ModelID(); got != "text-embedding-3-small" {
		t.Fatalf("ModelID() = %q, want text-embedding-3-small", got)
	}
}
