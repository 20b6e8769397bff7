// Package signals collects learning signals emitted on the request hot path.
//
// Every LLM fallback, user correction, failed entity resolution, low-confidence
// decision, and piece of explicit feedback becomes a [Signal]. The hot path
// must never block on signal persistence, so signals go into a fixed-capacity
// ring buffer and a background goroutine flushes batches to the store. When
// the buffer is full the oldest unflushed signal is dropped and counted;
// losing a learning signal is acceptable, delaying a user response is not.
package signals

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/barnabee-home/barnabee/internal/observe"
)

// Kind discriminates the signal variants.
type Kind string

const (
	// KindLLMFallback records that the cascade reached stage 4; the earlier
	// stages could not classify the utterance.
	KindLLMFallback Kind = "llm_fallback"

	// KindCorrection records a user correcting the assistant within the
	// follow-up window ("no, I meant the bedroom").
	KindCorrection Kind = "correction"

	// KindEntityFail records an entity reference that resolution could not
	// ground without LLM help, or not at all.
	KindEntityFail Kind = "entity_fail"

	// KindLowConfidence records a decision below the clarify threshold.
	KindLowConfidence Kind = "low_confidence"

	// KindExplicitFeedback records feedback the user volunteered ("that was
	// wrong", "perfect").
	KindExplicitFeedback Kind = "explicit_feedback"
)

// Signal is one learning observation. Fields beyond Kind are populated as
// applicable to the variant; unused fields stay zero. Signals are immutable
// once written; the improvement pipeline marks them processed when they are
// folded into an improvement.
type Signal struct {
	ID         string
	Kind       Kind
	RequestID  string
	Speaker    string
	Utterance  string
	Intent     string
	Stage      int
	Confidence float64
	Expected   string
	Actual     string
	CreatedAt  time.Time
}

// Store is the persistence surface the buffer flushes to.
type Store interface {
	InsertSignals(ctx context.Context, sigs []Signal) error
}

// Buffer is the bounded signal ring. Safe for concurrent use.
type Buffer struct {
	store    Store
	metrics  *observe.Metrics
	interval time.Duration

	mu      sync.Mutex
	ring    []Signal
	start   int
	length  int
	dropped uint64

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Option is a functional option for Buffer.
type Option func(*Buffer)

// WithFlushInterval overrides the background flush cadence. Default 5s.
func WithFlushInterval(d time.Duration) Option {
	return func(b *Buffer) { b.interval = d }
}

// WithMetrics attaches a metrics instance for the dropped-signal counter.
// Default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Buffer) { b.metrics = m }
}

// New creates a Buffer holding at most capacity signals between flushes.
func New(store Store, capacity int, opts ...Option) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	b := &Buffer{
		store:    store,
		interval: 5 * time.Second,
		ring:     make([]Signal, capacity),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// Record adds sig to the buffer without blocking. A zero ID and CreatedAt are
// filled in. On overflow the oldest unflushed signal is dropped.
func (b *Buffer) Record(ctx context.Context, sig Signal) {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}

	b.mu.Lock()
	if b.length == len(b.ring) {
		b.start = (b.start + 1) % len(b.ring)
		b.length--
		b.dropped++
		b.metrics.SignalsDropped.Add(ctx, 1)
	}
	b.ring[(b.start+b.length)%len(b.ring)] = sig
	b.length++
	b.mu.Unlock()
}

// Dropped returns the number of signals lost to overflow since creation.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Len returns the number of buffered, unflushed signals.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Flush drains the buffer and writes the batch to the store. On store error
// the batch is prepended back (subject to capacity) so a transient store
// outage does not silently discard signals.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.length == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := make([]Signal, b.length)
	for i := 0; i < b.length; i++ {
		batch[i] = b.ring[(b.start+i)%len(b.ring)]
	}
	b.start = 0
	b.length = 0
	b.mu.Unlock()

	if err := b.store.InsertSignals(ctx, batch); err != nil {
		b.requeue(ctx, batch)
		return err
	}
	return nil
}

// requeue puts a failed batch back at the front of the ring, dropping the
// oldest entries if newer signals arrived in the meantime.
func (b *Buffer) requeue(ctx context.Context, batch []Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	free := len(b.ring) - b.length
	if len(batch) > free {
		over := len(batch) - free
		batch = batch[over:]
		b.dropped += uint64(over)
		b.metrics.SignalsDropped.Add(ctx, int64(over))
	}
	// Shift existing content right by rebuilding the ring.
	merged := make([]Signal, 0, len(batch)+b.length)
	merged = append(merged, batch...)
	for i := 0; i < b.length; i++ {
		merged = append(merged, b.ring[(b.start+i)%len(b.ring)])
	}
	copy(b.ring, merged)
	b.start = 0
	b.length = len(merged)
}

// Start launches the background flush loop. Call Close to stop it; the final
// flush happens in Close.
func (b *Buffer) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := b.Flush(context.Background()); err != nil {
					observe.Logger(context.Background()).Warn("signal flush failed", "error", err)
				}
			case <-b.done:
				return
			}
		}
	}()
}

// Close stops the flush loop and performs a final flush.
func (b *Buffer) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		err = b.Flush(context.Background())
	})
	return err
}
