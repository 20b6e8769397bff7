package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/barnabee-home/barnabee/pkg/homeauto"
)

func TestGetStates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/states" || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{
			{"entity_id": "light.kitchen", "state": "on"},
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL, "tok")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	states, err := c.GetStates(context.Background())
	if err != nil {
		t.Fatalf("GetStates: %v", err)
	}
	if len(states) != 1 || states[0].EntityID != "light.kitchen" {
		t.Errorf("states = %+v", states)
	}
}

func TestGetStatesAuthFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "bad")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.GetStates(context.Background()); !errors.Is(err, homeauto.ErrAuthFailed) {
		t.Fatalf("GetStates = %v, want ErrAuthFailed", err)
	}
}

func TestCallService(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(srv.URL+"/", "tok")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = c.CallService(context.Background(), homeauto.ServiceCall{
		Domain: "climate", Service: "set_temperature",
		EntityID: "climate.living_room",
		Data:     map[string]any{"temperature": 21.5},
	})
	if err != nil {
		t.Fatalf("CallService: %v", err)
	}
	if gotPath != "/api/services/climate/set_temperature" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["entity_id"] != "climate.living_room" {
		t.Errorf("body = %v", gotBody)
	}
	if gotBody["temperature"] != 21.5 {
		t.Errorf("temperature = %v", gotBody["temperature"])
	}
}
