package executor

import (
	"context"
	"sync"
	"time"

	"github.com/barnabee-home/barnabee/internal/observe"
)

const (
	// speculativeMinConfidence is the default confidence gate; below it the
	// command waits for the full response pipeline.
	speculativeMinConfidence = 0.98

	// headStart is the default window between registration and the actual
	// service call, during which a correction can still cancel without side
	// effects.
	headStart = 100 * time.Millisecond
)

// speculativeTask is one in-flight speculative dispatch.
type speculativeTask struct {
	cancel context.CancelFunc
	done   chan struct{}

	res Result
	err error
}

// speculativeRegistry tracks in-flight tasks by request ID behind one mutex.
type speculativeRegistry struct {
	mu       sync.Mutex
	inflight map[string]*speculativeTask
}

// Eligible reports whether cmd may be executed speculatively: intent in the
// safe set, classifier confidence at or above the gate, and a known speaker.
// Locks, scenes, and memory writes are excluded by the safe set itself.
func (e *Executor) Eligible(cmd Command) bool {
	return cmd.Intent.SpeculationSafe() &&
		cmd.Confidence >= e.specMin &&
		cmd.Speaker != "" &&
		Actionable(cmd.Intent)
}

// Speculate begins executing cmd in the background after the head-start
// window. Returns false without side effects when cmd is not eligible or a
// task for the request is already registered.
func (e *Executor) Speculate(ctx context.Context, cmd Command) bool {
	if !e.Eligible(cmd) {
		return false
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	task := &speculativeTask{cancel: cancel, done: make(chan struct{})}

	e.spec.mu.Lock()
	if _, exists := e.spec.inflight[cmd.RequestID]; exists {
		e.spec.mu.Unlock()
		cancel()
		return false
	}
	e.spec.inflight[cmd.RequestID] = task
	e.spec.mu.Unlock()

	e.metrics.RecordSpeculative(ctx, "started")

	go func() {
		defer close(task.done)
		defer cancel()

		select {
		case <-taskCtx.Done():
			task.err = taskCtx.Err()
			e.metrics.RecordSpeculative(taskCtx, "cancelled")
			return
		case <-time.After(e.specHeadStart):
		}

		task.res, task.err = e.Execute(taskCtx, cmd)
		outcome := "committed"
		if task.err != nil {
			outcome = "failed"
			if taskCtx.Err() != nil {
				outcome = "cancelled"
			}
		}
		e.metrics.RecordSpeculative(context.WithoutCancel(taskCtx), outcome)
	}()
	return true
}

// Cancel aborts the speculative task for requestID. Returns true when a task
// existed. Cancelling inside the head-start window guarantees no service call
// was made.
func (e *Executor) Cancel(requestID string) bool {
	e.spec.mu.Lock()
	task, ok := e.spec.inflight[requestID]
	e.spec.mu.Unlock()
	if !ok {
		return false
	}
	task.cancel()
	return true
}

// Await blocks until the speculative task for requestID finishes and returns
// its result, deregistering it. ok is false when no task was registered.
func (e *Executor) Await(ctx context.Context, requestID string) (res Result, ok bool, err error) {
	e.spec.mu.Lock()
	task, ok := e.spec.inflight[requestID]
	e.spec.mu.Unlock()
	if !ok {
		return Result{}, false, nil
	}

	select {
	case <-task.done:
	case <-ctx.Done():
		observe.Logger(ctx).Warn("await abandoned in-flight speculative task", "request_id", requestID)
		return Result{}, true, ctx.Err()
	}

	e.spec.mu.Lock()
	delete(e.spec.inflight, requestID)
	e.spec.mu.Unlock()
	return task.res, true, task.err
}
