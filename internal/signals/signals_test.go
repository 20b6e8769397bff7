package signals

import (
	"context"
	"errors"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/barnabee-home/barnabee/internal/observe"
)

// memStore collects flushed batches in memory.
type memStore struct {
	mu      sync.Mutex
	batches [][]Signal
	err     error
}

func (s *memStore) InsertSignals(_ context.Context, sigs []Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	cp := make([]Signal, len(sigs))
	copy(cp, sigs)
	s.batches = append(s.batches, cp)
	return nil
}

func (s *memStore) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func TestRecordAndFlush(t *testing.T) {
	st := &memStore{}
	b := New(st, 16, WithMetrics(testMetrics(t)))

	ctx := context.Background()
	b.Record(ctx, Signal{Kind: KindLLMFallback, Utterance: "dim the hallway a touch", Intent: "light_control", Stage: 4, Confidence: 0.82})
	b.Record(ctx, Signal{Kind: KindEntityFail, Utterance: "turn on the thingy", Intent: "light_control"})

	if b.Len() != 2 {
		t.Fatalf("Len = %d, want 2", b.Len())
	}
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("Len after flush = %d", b.Len())
	}
	if st.total() != 2 {
		t.Errorf("stored = %d, want 2", st.total())
	}

	// IDs and timestamps are filled in.
	sig := st.batches[0][0]
	if sig.ID == "" || sig.CreatedAt.IsZero() {
		t.Errorf("signal missing ID or CreatedAt: %+v", sig)
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	st := &memStore{}
	b := New(st, 3, WithMetrics(testMetrics(t)))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		b.Record(ctx, Signal{Kind: KindLowConfidence, Stage: i})
	}

	if got := b.Dropped(); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	batch := st.batches[0]
	if len(batch) != 3 {
		t.Fatalf("flushed %d, want 3", len(batch))
	}
	// The two oldest (stages 0 and 1) were dropped.
	if batch[0].Stage != 2 || batch[2].Stage != 4 {
		t.Errorf("kept stages %d..%d, want 2..4", batch[0].Stage, batch[2].Stage)
	}
}

func TestFlushErrorRequeues(t *testing.T) {
	st := &memStore{err: errors.New("store down")}
	b := New(st, 8, WithMetrics(testMetrics(t)))

	ctx := context.Background()
	b.Record(ctx, Signal{Kind: KindCorrection})
	if err := b.Flush(ctx); err == nil {
		t.Fatal("expected flush error")
	}
	if b.Len() != 1 {
		t.Fatalf("Len after failed flush = %d, want 1", b.Len())
	}

	// Store recovers; the signal survives.
	st.mu.Lock()
	st.err = nil
	st.mu.Unlock()
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if st.total() != 1 {
		t.Errorf("stored = %d, want 1", st.total())
	}
}

func TestFlushEmpty(t *testing.T) {
	b := New(&memStore{}, 4, WithMetrics(testMetrics(t)))
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush on empty buffer: %v", err)
	}
}

func TestCloseFlushes(t *testing.T) {
	st := &memStore{}
	b := New(st, 8, WithMetrics(testMetrics(t)))
	b.Start()

	b.Record(context.Background(), Signal{Kind: KindExplicitFeedback})
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if st.total() != 1 {
		t.Errorf("stored = %d, want 1", st.total())
	}
	// Close is idempotent.
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
