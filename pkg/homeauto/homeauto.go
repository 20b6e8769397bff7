// Package homeauto defines the types and interfaces for talking to the home
// automation hub.
//
// The hub exposes two transports. The primary one is a WebSocket with an
// auth handshake, bulk state fetch, a state_changed event subscription, and
// id-correlated service calls (see [wsclient]). The secondary one is a plain
// REST surface used as a degraded fallback when the socket is down (see
// [httpclient]). The entity mirror consumes the WebSocket transport; the
// executor prefers it and falls back to REST for service calls only.
package homeauto

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrAuthFailed is returned when the hub rejects the access token.
var ErrAuthFailed = errors.New("homeauto: authentication failed")

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("homeauto: client is closed")

// EntityState is the hub's view of one entity at a point in time.
type EntityState struct {
	// EntityID is the hub identifier in "domain.object_id" form,
	// e.g. "light.kitchen_ceiling".
	EntityID string `json:"entity_id"`

	// State is the primary state value, e.g. "on", "off", "21.5", "playing".
	State string `json:"state"`

	// Attributes carries domain-specific detail such as brightness,
	// temperature, friendly_name, and media titles.
	Attributes map[string]any `json:"attributes,omitempty"`

	// LastChanged is when State last changed value.
	LastChanged time.Time `json:"last_changed"`

	// LastUpdated is when State or Attributes last changed.
	LastUpdated time.Time `json:"last_updated"`
}

// Domain returns the entity's domain, the part of EntityID before the dot.
// Returns "" for malformed IDs.
func (s EntityState) Domain() string {
	d, _, ok := strings.Cut(s.EntityID, ".")
	if !ok {
		return ""
	}
	return d
}

// FriendlyName returns the human-readable name from Attributes, or the object
// part of EntityID with underscores replaced by spaces when unset.
func (s EntityState) FriendlyName() string {
	if v, ok := s.Attributes["friendly_name"].(string); ok && v != "" {
		return v
	}
	_, obj, ok := strings.Cut(s.EntityID, ".")
	if !ok {
		return s.EntityID
	}
	return strings.ReplaceAll(obj, "_", " ")
}

// StateChange is one state_changed event from the hub.
type StateChange struct {
	// EntityID identifies the entity that changed.
	EntityID string

	// OldState is the state before the change. Nil when the entity is new.
	OldState *EntityState

	// NewState is the state after the change. Nil when the entity was removed.
	NewState *EntityState
}

// ServiceCall describes one service invocation against the hub.
type ServiceCall struct {
	// Domain is the service domain, e.g. "light", "climate", "lock".
	Domain string

	// Service is the service name within the domain, e.g. "turn_on".
	Service string

	// EntityID targets the call at a single entity.
	EntityID string

	// Data carries service parameters such as brightness_pct or temperature.
	Data map[string]any
}

// Hub is the minimal surface shared by both transports. The executor depends
// only on this interface so it can swap transports per call.
type Hub interface {
	// GetStates fetches the current state of every entity on the hub.
	GetStates(ctx context.Context) ([]EntityState, error)

	// CallService invokes a service and waits for the hub to acknowledge it.
	CallService(ctx context.Context, call ServiceCall) error
}
