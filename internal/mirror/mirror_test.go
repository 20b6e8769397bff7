package mirror

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/barnabee-home/barnabee/pkg/homeauto"
)

// --- Fakes ---

type fakePersister struct {
	mu     sync.Mutex
	rows   map[string]Entity
	loaded []Entity
}

func newFakePersister() *fakePersister {
	return &fakePersister{rows: make(map[string]Entity)}
}

func (p *fakePersister) PersistEntity(_ context.Context, e Entity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows[e.ID] = e
	return nil
}

func (p *fakePersister) LoadEntities(context.Context) ([]Entity, error) {
	return p.loaded, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	payloads []any
}

func (p *fakePublisher) PublishEntityEvent(_ context.Context, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

// --- Helpers ---

func lightState(id, name, area, state string) homeauto.EntityState {
	return homeauto.EntityState{
		EntityID: id,
		State:    state,
		Attributes: map[string]any{
			"friendly_name": name,
			"area":          area,
		},
		LastChanged: time.Now(),
		LastUpdated: time.Now(),
	}
}

func seedMirror(t *testing.T, m *Mirror) {
	t.Helper()
	m.Replace(context.Background(), []homeauto.EntityState{
		lightState("light.kitchen_ceiling", "Kitchen Lights", "kitchen", "on"),
		lightState("light.bedroom_lamp", "Bedroom Lamp", "bedroom", "off"),
		lightState("lock.front_door", "Front Door Lock", "entry", "locked"),
		lightState("climate.thermostat", "Thermostat", "hallway", "heat"),
	})
}

// --- Tests ---

func TestReplaceInstallsBulkFetch(t *testing.T) {
	m := New()
	seedMirror(t, m)

	if m.Len() != 4 {
		t.Fatalf("Len = %d, want 4", m.Len())
	}
	e, ok := m.GetByID("light.kitchen_ceiling")
	if !ok {
		t.Fatal("kitchen light missing")
	}
	if e.State != "on" || e.Area != "kitchen" {
		t.Errorf("entity = %+v", e)
	}

	// A second bulk fetch drops entities gone upstream.
	m.Replace(context.Background(), []homeauto.EntityState{
		lightState("light.kitchen_ceiling", "Kitchen Lights", "kitchen", "off"),
	})
	if m.Len() != 1 {
		t.Errorf("Len after shrink = %d, want 1", m.Len())
	}
	if _, ok := m.GetByID("lock.front_door"); ok {
		t.Error("removed entity still mirrored")
	}
}

func TestApplyUpdatesAndFansOut(t *testing.T) {
	p := newFakePersister()
	pub := &fakePublisher{}
	m := New(WithPersister(p), WithPublisher(pub))
	seedMirror(t, m)

	st := lightState("light.kitchen_ceiling", "Kitchen Lights", "kitchen", "off")
	m.Apply(context.Background(), homeauto.StateChange{
		EntityID: "light.kitchen_ceiling",
		NewState: &st,
	})

	e, _ := m.GetByID("light.kitchen_ceiling")
	if e.State != "off" {
		t.Errorf("state = %q, want off", e.State)
	}
	p.mu.Lock()
	row, persisted := p.rows["light.kitchen_ceiling"]
	p.mu.Unlock()
	if !persisted || row.State != "off" {
		t.Errorf("persisted row = %+v ok=%v", row, persisted)
	}
	if pub.count() != 1 {
		t.Errorf("published %d events, want 1", pub.count())
	}
}

func TestApplyRemovalDeletesEntity(t *testing.T) {
	m := New()
	seedMirror(t, m)

	m.Apply(context.Background(), homeauto.StateChange{EntityID: "light.bedroom_lamp"})
	if _, ok := m.GetByID("light.bedroom_lamp"); ok {
		t.Error("removed entity still present")
	}
}

func TestLoadSnapshotAnswersBeforeConnect(t *testing.T) {
	p := newFakePersister()
	p.loaded = []Entity{{ID: "light.kitchen_ceiling", Domain: "light", State: "on", FriendlyName: "Kitchen Lights"}}
	m := New(WithPersister(p))

	if err := m.LoadSnapshot(context.Background()); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if _, ok := m.GetByID("light.kitchen_ceiling"); !ok {
		t.Error("snapshot entity missing")
	}
}

func TestDomainAndAreaQueries(t *testing.T) {
	m := New()
	seedMirror(t, m)

	if got := m.GetByDomain("light"); len(got) != 2 {
		t.Errorf("GetByDomain(light) = %d entities, want 2", len(got))
	}
	if got := m.GetByArea("kitchen"); len(got) != 1 || got[0].ID != "light.kitchen_ceiling" {
		t.Errorf("GetByArea(kitchen) = %v", got)
	}
	if got := m.GetByDomainAndArea("light", "bedroom"); len(got) != 1 || got[0].ID != "light.bedroom_lamp" {
		t.Errorf("GetByDomainAndArea = %v", got)
	}
	if got := m.GetByDomainAndArea("lock", "bedroom"); len(got) != 0 {
		t.Errorf("mismatched filter returned %v", got)
	}
}

func TestSearch(t *testing.T) {
	m := New()
	seedMirror(t, m)

	tests := []struct {
		name   string
		text   string
		domain string
		area   string
		want   string
	}{
		{"exact name", "kitchen lights", "", "", "light.kitchen_ceiling"},
		{"stripped alias", "kitchen", "", "", "light.kitchen_ceiling"},
		{"substring", "thermo", "", "", "climate.thermostat"},
		{"domain scoped", "front door", "lock", "", "lock.front_door"},
		{"area scoped", "lamp", "", "bedroom", "light.bedroom_lamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Search(tt.text, tt.domain, tt.area, 5)
			if len(got) == 0 || got[0].ID != tt.want {
				t.Errorf("Search(%q) = %v, want top hit %s", tt.text, got, tt.want)
			}
		})
	}

	if got := m.Search("lamp", "lock", "", 5); len(got) != 0 {
		t.Errorf("cross-domain search returned %v", got)
	}
	if got := m.Search("", "", "", 5); got != nil {
		t.Errorf("empty search returned %v", got)
	}
	if got := m.Search("light", "", "", 1); len(got) > 1 {
		t.Errorf("limit ignored: %d hits", len(got))
	}
}

func TestLearnedAliasSurvivesEvents(t *testing.T) {
	m := New()
	seedMirror(t, m)

	m.AddAlias("light.bedroom_lamp", "reading light")

	// The alias holds through a state event and a full bulk refresh.
	st := lightState("light.bedroom_lamp", "Bedroom Lamp", "bedroom", "on")
	m.Apply(context.Background(), homeauto.StateChange{EntityID: "light.bedroom_lamp", NewState: &st})
	if got := m.Search("reading light", "", "", 1); len(got) != 1 || got[0].ID != "light.bedroom_lamp" {
		t.Errorf("alias lost after event: %v", got)
	}

	seedMirror(t, m)
	if got := m.Search("reading light", "", "", 1); len(got) != 1 {
		t.Errorf("alias lost after bulk refresh: %v", got)
	}
}

func TestDescriptionCacheInvalidatedByEvents(t *testing.T) {
	m := New()
	seedMirror(t, m)

	desc, ok := m.Description("light.kitchen_ceiling")
	if !ok || desc != "Kitchen Lights is on" {
		t.Fatalf("description = %q ok=%v", desc, ok)
	}

	st := lightState("light.kitchen_ceiling", "Kitchen Lights", "kitchen", "off")
	m.Apply(context.Background(), homeauto.StateChange{EntityID: "light.kitchen_ceiling", NewState: &st})

	desc, ok = m.Description("light.kitchen_ceiling")
	if !ok || desc != "Kitchen Lights is off" {
		t.Errorf("stale description %q after event", desc)
	}

	if _, ok := m.Description("light.nope"); ok {
		t.Error("description for unknown entity")
	}
}

func TestIsAvailable(t *testing.T) {
	e := Entity{State: "unavailable"}
	if e.IsAvailable() {
		t.Error("unavailable entity reported available")
	}
	e.State = "off"
	if !e.IsAvailable() {
		t.Error("off entity reported unavailable")
	}
}
