package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/barnabee-home/barnabee/pkg/homeauto"
)

// fakeHub is a minimal in-process hub speaking the WebSocket protocol. It
// authenticates against token "secret", answers get_states with two entities,
// acknowledges call_service and subscribe_events, and pushes one
// state_changed event after a subscription.
func fakeHub(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		send := func(v map[string]any) {
			raw, _ := json.Marshal(v)
			conn.Write(ctx, websocket.MessageText, raw)
		}

		send(map[string]any{"type": "auth_required"})
		var auth message
		if _, raw, err := conn.Read(ctx); err != nil {
			return
		} else if json.Unmarshal(raw, &auth) != nil {
			return
		}
		if auth.AccessToken != "secret" {
			send(map[string]any{"type": "auth_invalid"})
			return
		}
		send(map[string]any{"type": "auth_ok"})

		for {
			var msg message
			_, raw, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if json.Unmarshal(raw, &msg) != nil {
				return
			}
			switch msg.Type {
			case "get_states":
				send(map[string]any{
					"id": msg.ID, "type": "result", "success": true,
					"result": []map[string]any{
						{"entity_id": "light.kitchen", "state": "off", "attributes": map[string]any{"friendly_name": "Kitchen Light"}},
						{"entity_id": "climate.living_room", "state": "heat"},
					},
				})
			case "subscribe_events":
				send(map[string]any{"id": msg.ID, "type": "result", "success": true})
				send(map[string]any{
					"id": msg.ID, "type": "event",
					"event": map[string]any{
						"event_type": "state_changed",
						"data": map[string]any{
							"entity_id": "light.kitchen",
							"old_state": map[string]any{"entity_id": "light.kitchen", "state": "off"},
							"new_state": map[string]any{"entity_id": "light.kitchen", "state": "on"},
						},
					},
				})
			case "call_service":
				if msg.Domain == "lock" {
					send(map[string]any{
						"id": msg.ID, "type": "result", "success": false,
						"error": map[string]any{"code": "not_allowed", "message": "lock is jammed"},
					})
					continue
				}
				send(map[string]any{"id": msg.ID, "type": "result", "success": true})
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialAuthInvalid(t *testing.T) {
	srv := fakeHub(t)
	defer srv.Close()

	_, err := Dial(context.Background(), wsURL(srv), "wrong")
	if !errors.Is(err, homeauto.ErrAuthFailed) {
		t.Fatalf("Dial with bad token = %v, want ErrAuthFailed", err)
	}
}

func TestGetStates(t *testing.T) {
	srv := fakeHub(t)
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv), "secret")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	states, err := c.GetStates(context.Background())
	if err != nil {
		t.Fatalf("GetStates: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("len(states) = %d, want 2", len(states))
	}
	if states[0].EntityID != "light.kitchen" || states[0].State != "off" {
		t.Errorf("states[0] = %+v", states[0])
	}
	if got := states[0].FriendlyName(); got != "Kitchen Light" {
		t.Errorf("FriendlyName = %q, want %q", got, "Kitchen Light")
	}
	if got := states[1].Domain(); got != "climate" {
		t.Errorf("Domain = %q, want %q", got, "climate")
	}
}

func TestSubscribeStatesDeliversEvents(t *testing.T) {
	srv := fakeHub(t)
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv), "secret")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.SubscribeStates(context.Background()); err != nil {
		t.Fatalf("SubscribeStates: %v", err)
	}

	select {
	case change := <-c.Events():
		if change.EntityID != "light.kitchen" {
			t.Errorf("EntityID = %q", change.EntityID)
		}
		if change.NewState == nil || change.NewState.State != "on" {
			t.Errorf("NewState = %+v", change.NewState)
		}
		if change.OldState == nil || change.OldState.State != "off" {
			t.Errorf("OldState = %+v", change.OldState)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event within 2s")
	}
}

func TestCallService(t *testing.T) {
	srv := fakeHub(t)
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv), "secret")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	err = c.CallService(context.Background(), homeauto.ServiceCall{
		Domain: "light", Service: "turn_on", EntityID: "light.kitchen",
		Data: map[string]any{"brightness_pct": 80},
	})
	if err != nil {
		t.Fatalf("CallService: %v", err)
	}

	err = c.CallService(context.Background(), homeauto.ServiceCall{
		Domain: "lock", Service: "unlock", EntityID: "lock.front_door",
	})
	if err == nil || !strings.Contains(err.Error(), "lock is jammed") {
		t.Fatalf("CallService lock = %v, want hub error", err)
	}
}

func TestCloseUnblocksAndReportsErr(t *testing.T) {
	srv := fakeHub(t)
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv), "secret")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c.Close()

	select {
	case _, ok := <-c.Events():
		if ok {
			t.Fatal("expected events channel to close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel did not close within 2s")
	}
	if !errors.Is(c.Err(), homeauto.ErrClosed) {
		t.Errorf("Err = %v, want ErrClosed", c.Err())
	}
}
