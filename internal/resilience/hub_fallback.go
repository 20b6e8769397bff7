package resilience

import (
	"context"

	"github.com/barnabee-home/barnabee/pkg/homeauto"
)

// HubFallback implements [homeauto.Hub] with failover from the websocket
// connection to the REST API. While the socket is down or reconnecting,
// commands and bulk fetches keep working over HTTP.
//
// Only the command/query surface fails over; the state-change event stream is
// websocket-only and its loss is handled by the mirror's reconnect loop.
type HubFallback struct {
	group *FallbackGroup[homeauto.Hub]
}

// Compile-time interface assertion.
var _ homeauto.Hub = (*HubFallback)(nil)

// NewHubFallback creates a [HubFallback] with primary as the preferred
// transport.
func NewHubFallback(primary homeauto.Hub, primaryName string, cfg FallbackConfig) *HubFallback {
	return &HubFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional transport.
func (f *HubFallback) AddFallback(name string, hub homeauto.Hub) {
	f.group.AddFallback(name, hub)
}

// GetStates bulk-fetches entity states over the first healthy transport.
func (f *HubFallback) GetStates(ctx context.Context) ([]homeauto.EntityState, error) {
	return ExecuteWithResult(f.group, func(h homeauto.Hub) ([]homeauto.EntityState, error) {
		return h.GetStates(ctx)
	})
}

// CallService issues a service call over the first healthy transport.
func (f *HubFallback) CallService(ctx context.Context, call homeauto.ServiceCall) error {
	return f.group.Execute(func(h homeauto.Hub) error {
		return h.CallService(ctx, call)
	})
}
