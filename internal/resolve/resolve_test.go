package resolve

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/barnabee-home/barnabee/internal/intent"
	"github.com/barnabee-home/barnabee/internal/mirror"
	"github.com/barnabee-home/barnabee/internal/signals"
	"github.com/barnabee-home/barnabee/pkg/homeauto"
	"github.com/barnabee-home/barnabee/pkg/provider/llm"
	llmmock "github.com/barnabee-home/barnabee/pkg/provider/llm/mock"
)

// sigStore collects flushed signals.
type sigStore struct {
	mu   sync.Mutex
	sigs []signals.Signal
}

func (s *sigStore) InsertSignals(_ context.Context, sigs []signals.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sigs = append(s.sigs, sigs...)
	return nil
}

type suggestRecorder struct {
	mu      sync.Mutex
	entity  string
	alias   string
	speaker string
	calls   int
}

func (r *suggestRecorder) SuggestAlias(_ context.Context, entityID, alias, speaker string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entity, r.alias, r.speaker = entityID, alias, speaker
	r.calls++
	return nil
}

func entityState(id, name, area, state string, changed time.Time) homeauto.EntityState {
	return homeauto.EntityState{
		EntityID: id,
		State:    state,
		Attributes: map[string]any{
			"friendly_name": name,
			"area":          area,
		},
		LastChanged: changed,
		LastUpdated: changed,
	}
}

func testMirror(t *testing.T) *mirror.Mirror {
	t.Helper()
	m := mirror.New()
	now := time.Now()
	m.Replace(context.Background(), []homeauto.EntityState{
		entityState("light.kitchen_ceiling", "Kitchen Lights", "kitchen", "on", now.Add(-time.Hour)),
		entityState("light.living_room_lamp", "Living Room Lamp", "living room", "off", now.Add(-time.Minute)),
		entityState("light.bedroom_lamp", "Bedroom Lamp", "bedroom", "off", now.Add(-2*time.Hour)),
		entityState("lock.front_door", "Front Door Lock", "entry", "locked", now),
		entityState("climate.thermostat", "Thermostat", "hallway", "heat", now),
	})
	return m
}

func TestResolveExactName(t *testing.T) {
	r, err := New(testMirror(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := r.Resolve(context.Background(), Query{
		Mention: "kitchen lights",
		Intent:  intent.LightControl,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Entity.ID != "light.kitchen_ceiling" {
		t.Errorf("entity = %s", res.Entity.ID)
	}
	if res.Method != MethodExact || res.Confidence != 1.0 || res.Guessed {
		t.Errorf("resolution = %+v", res)
	}
}

func TestResolveExactAlias(t *testing.T) {
	r, _ := New(testMirror(t), nil)

	// "kitchen" is the suffix-stripped alias of "Kitchen Lights".
	res, err := r.Resolve(context.Background(), Query{
		Mention: "kitchen",
		Intent:  intent.LightControl,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Entity.ID != "light.kitchen_ceiling" || res.Method != MethodExact {
		t.Errorf("resolution = %+v", res)
	}
}

func TestResolveFuzzyTypo(t *testing.T) {
	r, _ := New(testMirror(t), nil)

	res, err := r.Resolve(context.Background(), Query{
		Mention: "kitchen lighs",
		Intent:  intent.LightControl,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Entity.ID != "light.kitchen_ceiling" {
		t.Errorf("entity = %s", res.Entity.ID)
	}
	if res.Method != MethodFuzzy || res.Confidence < fuzzyThreshold {
		t.Errorf("resolution = %+v", res)
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"kitchen lights", "kitchen lights", 1},
		{"kitchen lighs", "kitchen lights", 1 - 1.0/14},
		{"lamp", "lock", 0.25},
		{"", "", 1},
		{"", "lamp", 0},
	}
	for _, tt := range tests {
		if got := similarity(tt.a, tt.b); got != tt.want {
			t.Errorf("similarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestResolveSharedPrefixNotFuzzy(t *testing.T) {
	r, _ := New(testMirror(t), nil)

	// A shared prefix alone must not clear the fuzzy bar; most of the
	// characters differ.
	res, err := r.Resolve(context.Background(), Query{
		Mention: "kitchen timer",
		Intent:  intent.LightControl,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Method == MethodFuzzy {
		t.Errorf("resolution = %+v, want a non-fuzzy path", res)
	}
	if !res.Guessed {
		t.Error("uncertain resolution not flagged as guess")
	}
}

func TestResolveDomainScoping(t *testing.T) {
	r, _ := New(testMirror(t), nil)

	// A lock intent never resolves to a light, however close the name.
	res, err := r.Resolve(context.Background(), Query{
		Mention: "front door",
		Intent:  intent.LockControl,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Entity.Domain != "lock" {
		t.Errorf("domain = %s, want lock", res.Entity.Domain)
	}
}

func TestResolveAreaBiasBreaksTies(t *testing.T) {
	m := mirror.New()
	now := time.Now()
	m.Replace(context.Background(), []homeauto.EntityState{
		entityState("light.lamp_bedroom", "Lamp", "bedroom", "off", now),
		entityState("light.lamp_office", "Lamp", "office", "off", now),
	})
	r, _ := New(m, nil)

	res, err := r.Resolve(context.Background(), Query{
		Mention:     "lamp",
		Intent:      intent.LightControl,
		SpeakerArea: "office",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Entity.ID != "light.lamp_office" {
		t.Errorf("entity = %s, want the office lamp", res.Entity.ID)
	}
}

func TestResolveEmptyMentionFallsBackToArea(t *testing.T) {
	r, _ := New(testMirror(t), nil)

	res, err := r.Resolve(context.Background(), Query{
		Intent:      intent.LightControl,
		SpeakerArea: "living room",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Entity.ID != "light.living_room_lamp" {
		t.Errorf("entity = %s, want the living room light", res.Entity.ID)
	}
	if !res.Guessed || res.Method != MethodFallback {
		t.Errorf("resolution = %+v", res)
	}
}

func TestResolveNoCandidates(t *testing.T) {
	r, _ := New(mirror.New(), nil)

	_, err := r.Resolve(context.Background(), Query{
		Mention: "kitchen lights",
		Intent:  intent.LightControl,
	})
	if !errors.Is(err, ErrNoCandidates) {
		t.Errorf("err = %v, want ErrNoCandidates", err)
	}
}

func TestResolveLLMPhase(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"entity_id":"light.bedroom_lamp","confidence":0.9,"suggested_alias":"sleepy light"}`,
		},
	}
	sink := &suggestRecorder{}
	r, err := New(testMirror(t), provider, WithAliasSuggester(sink))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := r.Resolve(context.Background(), Query{
		RequestID: "req-1",
		Utterance: "turn on the sleepy light",
		Mention:   "sleepy light",
		Intent:    intent.LightControl,
		Speaker:   "alice",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Entity.ID != "light.bedroom_lamp" || res.Method != MethodLLM {
		t.Errorf("resolution = %+v", res)
	}
	if res.Guessed {
		t.Error("confident llm resolution flagged as guess")
	}
	if provider.CallCount() != 1 {
		t.Errorf("provider called %d times", provider.CallCount())
	}

	req := provider.CompleteCalls[0].Req
	if req.Temperature != 0 || req.ResponseSchema == nil {
		t.Errorf("request = %+v", req)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.calls != 1 || sink.entity != "light.bedroom_lamp" || sink.alias != "sleepy light" || sink.speaker != "alice" {
		t.Errorf("suggestion = %+v", sink)
	}
}

func TestResolveLLMUnknownIDSubstituted(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"entity_id":"light.does_not_exist","confidence":0.9}`,
		},
	}
	r, _ := New(testMirror(t), provider)

	res, err := r.Resolve(context.Background(), Query{
		Mention: "the big lamp thing",
		Intent:  intent.LightControl,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Entity.Domain != "light" {
		t.Errorf("substitute = %s, want a light", res.Entity.ID)
	}
	if !res.Guessed {
		t.Error("substituted resolution not flagged as guess")
	}
}

func TestResolveLLMFailureFallsBack(t *testing.T) {
	provider := &llmmock.Provider{CompleteErr: errors.New("provider down")}
	r, _ := New(testMirror(t), provider)

	res, err := r.Resolve(context.Background(), Query{
		Mention: "the big lamp thing",
		Intent:  intent.LightControl,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Entity.ID == "" {
		t.Fatal("never-fail contract broken: no entity returned")
	}
	if !res.Guessed || res.Method != MethodFallback {
		t.Errorf("resolution = %+v", res)
	}
}

func TestResolveMalformedLLMOutputFallsBack(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `the bedroom lamp, probably`},
	}
	r, _ := New(testMirror(t), provider)

	res, err := r.Resolve(context.Background(), Query{
		Mention: "the big lamp thing",
		Intent:  intent.LightControl,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Guessed || res.Method != MethodFallback {
		t.Errorf("resolution = %+v", res)
	}
}

func TestResolvePhaseAMissEmitsEntityFail(t *testing.T) {
	store := &sigStore{}
	buf := signals.New(store, 16)
	r, _ := New(testMirror(t), nil, WithSignals(buf))

	_, err := r.Resolve(context.Background(), Query{
		RequestID: "req-9",
		Utterance: "turn on the glow machine",
		Mention:   "glow machine",
		Intent:    intent.LightControl,
		Speaker:   "bob",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if err := buf.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.sigs) != 1 {
		t.Fatalf("got %d signals, want 1", len(store.sigs))
	}
	sig := store.sigs[0]
	if sig.Kind != signals.KindEntityFail || sig.Expected != "glow machine" || sig.Speaker != "bob" {
		t.Errorf("signal = %+v", sig)
	}
	if sig.Actual == "" {
		t.Error("signal missing the guessed entity")
	}
}

func TestResolveExactMatchEmitsNoSignal(t *testing.T) {
	store := &sigStore{}
	buf := signals.New(store, 16)
	r, _ := New(testMirror(t), nil, WithSignals(buf))

	if _, err := r.Resolve(context.Background(), Query{
		Mention: "thermostat",
		Intent:  intent.ClimateControl,
	}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := buf.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.sigs) != 0 {
		t.Errorf("unexpected signals: %+v", store.sigs)
	}
}
