// Package wsclient implements the hub's WebSocket transport.
//
// The protocol is message-per-frame JSON. On connect the hub sends
// auth_required, the client answers with auth, and the hub replies auth_ok or
// auth_invalid. After that every command carries a monotonically increasing id
// and the hub answers with a result message carrying the same id; event
// messages for active subscriptions are interleaved with results on the same
// socket.
//
// A Client serves one connection. Reconnection policy lives in the entity
// mirror, which creates a fresh Client per attempt so stale subscription state
// can never leak across connections.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/barnabee-home/barnabee/pkg/homeauto"
)

// Compile-time interface check.
var _ homeauto.Hub = (*Client)(nil)

// message is the wire envelope for every frame in both directions.
type message struct {
	ID          int64           `json:"id,omitempty"`
	Type        string          `json:"type"`
	AccessToken string          `json:"access_token,omitempty"`
	EventType   string          `json:"event_type,omitempty"`
	Domain      string          `json:"domain,omitempty"`
	Service     string          `json:"service,omitempty"`
	ServiceData map[string]any  `json:"service_data,omitempty"`
	Target      *target         `json:"target,omitempty"`
	Success     *bool           `json:"success,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *wireError      `json:"error,omitempty"`
	Event       *event          `json:"event,omitempty"`
}

type target struct {
	EntityID string `json:"entity_id"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type event struct {
	EventType string    `json:"event_type"`
	Data      eventData `json:"data"`
}

type eventData struct {
	EntityID string                `json:"entity_id"`
	OldState *homeauto.EntityState `json:"old_state"`
	NewState *homeauto.EntityState `json:"new_state"`
}

// Client is a single authenticated hub connection. Safe for concurrent use.
type Client struct {
	conn   *websocket.Conn
	nextID atomic.Int64

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan message

	events chan homeauto.StateChange

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
	// readErr holds the error that terminated the read loop. Valid after done
	// is closed.
	readErr error
}

// Dial connects to the hub, completes the auth handshake, and starts the read
// loop. url is the WebSocket endpoint, e.g. "ws://hub.local:8123/api/websocket".
func Dial(ctx context.Context, url string, accessToken string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{},
	})
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial: %w", err)
	}
	// Bulk get_states responses for a large home exceed the default 32 KiB cap.
	conn.SetReadLimit(16 << 20)

	if err := authenticate(ctx, conn, accessToken); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "auth failed")
		return nil, err
	}

	c := &Client{
		conn:    conn,
		pending: make(map[int64]chan message),
		events:  make(chan homeauto.StateChange, 256),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// authenticate runs the auth_required/auth/auth_ok exchange.
func authenticate(ctx context.Context, conn *websocket.Conn, accessToken string) error {
	var hello message
	if err := readMessage(ctx, conn, &hello); err != nil {
		return fmt.Errorf("wsclient: read auth_required: %w", err)
	}
	if hello.Type != "auth_required" {
		return fmt.Errorf("wsclient: unexpected first message type %q", hello.Type)
	}

	raw, err := json.Marshal(message{Type: "auth", AccessToken: accessToken})
	if err != nil {
		return fmt.Errorf("wsclient: marshal auth: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		return fmt.Errorf("wsclient: write auth: %w", err)
	}

	var reply message
	if err := readMessage(ctx, conn, &reply); err != nil {
		return fmt.Errorf("wsclient: read auth reply: %w", err)
	}
	switch reply.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return homeauto.ErrAuthFailed
	default:
		return fmt.Errorf("wsclient: unexpected auth reply type %q", reply.Type)
	}
}

func readMessage(ctx context.Context, conn *websocket.Conn, out *message) error {
	_, raw, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Events returns the channel of state_changed events. The channel is closed
// when the connection dies; Err then reports why. Events are dropped if the
// consumer falls more than the channel buffer behind.
func (c *Client) Events() <-chan homeauto.StateChange { return c.events }

// Err returns the error that terminated the connection, or nil while the
// connection is live. After Close it returns homeauto.ErrClosed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

// SubscribeStates subscribes to state_changed events. Events arrive on the
// Events channel. Subscribe once per connection.
func (c *Client) SubscribeStates(ctx context.Context) error {
	_, err := c.roundTrip(ctx, message{Type: "subscribe_events", EventType: "state_changed"})
	if err != nil {
		return fmt.Errorf("wsclient: subscribe_events: %w", err)
	}
	return nil
}

// GetStates implements homeauto.Hub.
func (c *Client) GetStates(ctx context.Context) ([]homeauto.EntityState, error) {
	reply, err := c.roundTrip(ctx, message{Type: "get_states"})
	if err != nil {
		return nil, fmt.Errorf("wsclient: get_states: %w", err)
	}
	var states []homeauto.EntityState
	if err := json.Unmarshal(reply.Result, &states); err != nil {
		return nil, fmt.Errorf("wsclient: get_states: decode result: %w", err)
	}
	return states, nil
}

// CallService implements homeauto.Hub.
func (c *Client) CallService(ctx context.Context, call homeauto.ServiceCall) error {
	msg := message{
		Type:        "call_service",
		Domain:      call.Domain,
		Service:     call.Service,
		ServiceData: call.Data,
	}
	if call.EntityID != "" {
		msg.Target = &target{EntityID: call.EntityID}
	}
	if _, err := c.roundTrip(ctx, msg); err != nil {
		return fmt.Errorf("wsclient: call_service %s.%s: %w", call.Domain, call.Service, err)
	}
	return nil
}

// Close terminates the connection. Safe to call multiple times.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.conn.Close(websocket.StatusNormalClosure, "client closed")
	})
	return nil
}

// roundTrip sends msg with a fresh id and waits for the matching result.
func (c *Client) roundTrip(ctx context.Context, msg message) (message, error) {
	msg.ID = c.nextID.Add(1)

	ch := make(chan message, 1)
	c.pendingMu.Lock()
	if c.pending == nil {
		c.pendingMu.Unlock()
		return message{}, homeauto.ErrClosed
	}
	c.pending[msg.ID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()
	}()

	raw, err := json.Marshal(msg)
	if err != nil {
		return message{}, fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	err = c.conn.Write(ctx, websocket.MessageText, raw)
	c.writeMu.Unlock()
	if err != nil {
		return message{}, fmt.Errorf("write: %w", err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return message{}, c.readErr
		}
		if reply.Success != nil && !*reply.Success {
			if reply.Error != nil {
				return message{}, fmt.Errorf("hub error %s: %s", reply.Error.Code, reply.Error.Message)
			}
			return message{}, errors.New("hub reported failure")
		}
		return reply, nil
	case <-ctx.Done():
		return message{}, ctx.Err()
	case <-c.done:
		return message{}, c.readErr
	}
}

// readLoop dispatches incoming frames to pending round trips and the events
// channel until the connection dies.
func (c *Client) readLoop() {
	defer close(c.events)
	for {
		var msg message
		if err := readMessage(context.Background(), c.conn, &msg); err != nil {
			if c.closed.Load() {
				c.readErr = homeauto.ErrClosed
			} else {
				c.readErr = fmt.Errorf("wsclient: read: %w", err)
			}
			close(c.done)
			c.failPending()
			return
		}

		switch msg.Type {
		case "result":
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
		case "event":
			if msg.Event == nil || msg.Event.EventType != "state_changed" {
				continue
			}
			change := homeauto.StateChange{
				EntityID: msg.Event.Data.EntityID,
				OldState: msg.Event.Data.OldState,
				NewState: msg.Event.Data.NewState,
			}
			select {
			case c.events <- change:
			default:
				// Consumer is stalled; dropping is better than blocking the
				// socket and timing out every pending round trip.
			}
		}
	}
}

// failPending unblocks every waiting round trip; each observes readErr via its
// closed channel.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendingMu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}
