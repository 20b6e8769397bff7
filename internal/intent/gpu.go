package intent

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// GPUGate serialises access to local inference hardware. The embedding and
// local-model stages share one gate so at most one of them runs a forward
// pass at a time; without it, two concurrent utterances can double the
// latency of both.
type GPUGate struct {
	sem *semaphore.Weighted
}

// NewGPUGate creates a gate with the given number of slots. One slot is the
// normal deployment (a single shared GPU or CPU inference thread).
func NewGPUGate(slots int64) *GPUGate {
	if slots < 1 {
		slots = 1
	}
	return &GPUGate{sem: semaphore.NewWeighted(slots)}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *GPUGate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release returns a slot. Must follow a successful Acquire.
func (g *GPUGate) Release() {
	g.sem.Release(1)
}
