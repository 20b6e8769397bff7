package mirror

import (
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/barnabee-home/barnabee/pkg/homeauto"
)

func TestDeriveKeywords(t *testing.T) {
	got := deriveKeywords("Kitchen Ceiling Light", "kitchen", "light")
	want := []string{"kitchen", "ceiling", "light"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("keywords = %v, want %v", got, want)
	}
}

func TestDeriveAliases(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"suffix stripped", "Kitchen Lights", []string{"kitchen lights", "kitchen"}},
		{"singular suffix", "Front Door Lock", []string{"front door lock", "front door"}},
		{"no suffix", "Thermostat", []string{"thermostat"}},
		{
			"abbreviation both ways",
			"Living Room Lamp",
			[]string{"living room lamp", "lr lamp", "liv room lamp"},
		},
		{"short form expands", "Liv Room Light", []string{"liv room light", "liv room", "living room light", "living room"}},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deriveAliases(tt.in)
			sort.Strings(got)
			want := append([]string(nil), tt.want...)
			sort.Strings(want)
			if !reflect.DeepEqual(got, want) {
				t.Errorf("deriveAliases(%q) = %v, want %v", tt.in, got, want)
			}
		})
	}
}

func TestEnrichReadsHubAttributes(t *testing.T) {
	m := New()
	st := homeauto.EntityState{
		EntityID: "light.kitchen_ceiling",
		State:    "on",
		Attributes: map[string]any{
			"friendly_name": "Kitchen Ceiling Light",
			"area":          "kitchen",
			"device_class":  "light",
			"brightness":    float64(128),
		},
		LastChanged: time.Now(),
	}

	e := m.enrichLocked(st)
	if e.Domain != "light" {
		t.Errorf("domain = %q", e.Domain)
	}
	if e.FriendlyName != "Kitchen Ceiling Light" {
		t.Errorf("friendly name = %q", e.FriendlyName)
	}
	if e.Area != "kitchen" {
		t.Errorf("area = %q", e.Area)
	}
	if len(e.Keywords) == 0 || len(e.Aliases) == 0 {
		t.Errorf("enrichment missing: keywords=%v aliases=%v", e.Keywords, e.Aliases)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		e    Entity
		want string
	}{
		{
			"light on with brightness",
			Entity{Domain: "light", State: "on", FriendlyName: "Kitchen Light",
				Attributes: map[string]any{"brightness": float64(255)}},
			"Kitchen Light is on at 100% brightness",
		},
		{
			"light off",
			Entity{Domain: "light", State: "off", FriendlyName: "Kitchen Light"},
			"Kitchen Light is off",
		},
		{
			"climate",
			Entity{Domain: "climate", State: "heat", FriendlyName: "Thermostat",
				Attributes: map[string]any{"current_temperature": 20.5, "temperature": 21.0}},
			"Thermostat is heat, currently 20.5 degrees, set to 21.0",
		},
		{
			"lock",
			Entity{Domain: "lock", State: "locked", FriendlyName: "Front Door"},
			"Front Door is locked",
		},
		{
			"media playing",
			Entity{Domain: "media_player", State: "playing", FriendlyName: "Living Room Speaker",
				Attributes: map[string]any{"media_title": "Kind of Blue"}},
			"Living Room Speaker is playing Kind of Blue",
		},
		{
			"sensor with unit",
			Entity{Domain: "sensor", State: "42", FriendlyName: "Humidity",
				Attributes: map[string]any{"unit_of_measurement": "%"}},
			"Humidity reads 42 %",
		},
		{
			"unavailable",
			Entity{Domain: "light", State: "unavailable", FriendlyName: "Porch Light"},
			"Porch Light is unavailable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describe(tt.e); got != tt.want {
				t.Errorf("describe = %q, want %q", got, tt.want)
			}
		})
	}
}
