// Package mock provides a test double for the homeauto.Hub interface.
package mock

import (
	"context"
	"sync"

	"github.com/barnabee-home/barnabee/pkg/homeauto"
)

// CallServiceCall records a single invocation of CallService.
type CallServiceCall struct {
	Ctx  context.Context
	Call homeauto.ServiceCall
}

// Hub is a mock implementation of homeauto.Hub.
type Hub struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// States is returned by GetStates.
	States []homeauto.EntityState

	// GetStatesErr, if non-nil, is returned as the error from GetStates.
	GetStatesErr error

	// CallServiceErr, if non-nil, is returned as the error from CallService.
	CallServiceErr error

	// CallServiceFunc, if non-nil, overrides CallServiceErr and is invoked for
	// every call.
	CallServiceFunc func(ctx context.Context, call homeauto.ServiceCall) error

	// --- Call records (read after test) ---

	// GetStatesCalls counts invocations of GetStates.
	GetStatesCalls int

	// CallServiceCalls records every invocation of CallService in order.
	CallServiceCalls []CallServiceCall
}

// Compile-time interface check.
var _ homeauto.Hub = (*Hub)(nil)

// GetStates implements homeauto.Hub.
func (h *Hub) GetStates(ctx context.Context) ([]homeauto.EntityState, error) {
	h.mu.Lock()
	h.GetStatesCalls++
	states, err := h.States, h.GetStatesErr
	h.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	out := make([]homeauto.EntityState, len(states))
	copy(out, states)
	return out, nil
}

// CallService implements homeauto.Hub.
func (h *Hub) CallService(ctx context.Context, call homeauto.ServiceCall) error {
	h.mu.Lock()
	h.CallServiceCalls = append(h.CallServiceCalls, CallServiceCall{Ctx: ctx, Call: call})
	fn := h.CallServiceFunc
	err := h.CallServiceErr
	h.mu.Unlock()

	if fn != nil {
		return fn(ctx, call)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return err
}

// ServiceCallCount returns the number of CallService invocations so far.
func (h *Hub) ServiceCallCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.CallServiceCalls)
}
