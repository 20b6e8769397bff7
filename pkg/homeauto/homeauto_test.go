package homeauto

import "testing"

func TestEntityStateDomain(t *testing.T) {
	tests := []struct {
		entityID string
		want     string
	}{
		{"light.kitchen_ceiling", "light"},
		{"media_player.living_room_tv", "media_player"},
		{"malformed", ""},
	}
	for _, tt := range tests {
		s := EntityState{EntityID: tt.entityID}
		if got := s.Domain(); got != tt.want {
			t.Errorf("Domain(%q) = %q, want %q", tt.entityID, got, tt.want)
		}
	}
}

func TestEntityStateFriendlyName(t *testing.T) {
	s := EntityState{
		EntityID:   "light.kitchen_ceiling",
		Attributes: map[string]any{"friendly_name": "Kitchen Ceiling"},
	}
	if got := s.FriendlyName(); got != "Kitchen Ceiling" {
		t.Errorf("FriendlyName = %q", got)
	}

	s = EntityState{EntityID: "light.kitchen_ceiling"}
	if got := s.FriendlyName(); got != "kitchen ceiling" {
		t.Errorf("FriendlyName fallback = %q", got)
	}
}
