package improve

import (
	"encoding/json"
	"testing"

	"github.com/barnabee-home/barnabee/internal/signals"
)

func sig(id string, kind signals.Kind, utterance, intentLabel, expected, actual string) signals.Signal {
	return signals.Signal{
		ID:        id,
		Kind:      kind,
		RequestID: "req-" + id,
		Speaker:   "alice",
		Utterance: utterance,
		Intent:    intentLabel,
		Expected:  expected,
		Actual:    actual,
	}
}

func TestClusterSignalsGroupsBySimilarity(t *testing.T) {
	sigs := []signals.Signal{
		sig("1", signals.KindLLMFallback, "a", "", "", ""),
		sig("2", signals.KindLLMFallback, "b", "", "", ""),
		sig("3", signals.KindLLMFallback, "c", "", "", ""),
		sig("4", signals.KindLLMFallback, "d", "", "", ""),
	}
	vecs := [][]float32{
		{1, 0}, {1, 0}, {0.99, 0.05}, {0, 1},
	}

	clusters := clusterSignals(sigs, vecs, 0.85)
	if len(clusters) != 2 {
		t.Fatalf("clusters = %d, want 2", len(clusters))
	}
	if len(clusters[0].signals) != 3 {
		t.Errorf("first cluster size = %d, want 3", len(clusters[0].signals))
	}
	if len(clusters[1].signals) != 1 {
		t.Errorf("second cluster size = %d, want 1", len(clusters[1].signals))
	}
}

func TestProposeExemplarFromLLMFallbacks(t *testing.T) {
	c := cluster{signals: []signals.Signal{
		sig("1", signals.KindLLMFallback, "light up the room", "light_control", "", ""),
		sig("2", signals.KindLLMFallback, "light up the room", "light_control", "", ""),
		sig("3", signals.KindLowConfidence, "make it bright in here", "light_control", "", ""),
	}}

	imp := propose(c)
	if imp == nil {
		t.Fatal("propose returned nil")
	}
	if imp.Type != TypeExemplar || imp.Tier != 1 {
		t.Errorf("type/tier = %s/%d, want exemplar/1", imp.Type, imp.Tier)
	}
	if imp.Target != "light_control" {
		t.Errorf("target = %q", imp.Target)
	}
	var utterances []string
	if err := json.Unmarshal([]byte(imp.ProposedValue), &utterances); err != nil {
		t.Fatalf("proposed value is not a JSON array: %v", err)
	}
	if len(utterances) != 2 || utterances[0] != "light up the room" {
		t.Errorf("utterances = %v", utterances)
	}
	if len(imp.SignalIDs) != 3 {
		t.Errorf("signal ids = %v", imp.SignalIDs)
	}
}

func TestProposeExemplarSkipsUnknownIntent(t *testing.T) {
	c := cluster{signals: []signals.Signal{
		sig("1", signals.KindLLMFallback, "gibberish", "unknown", "", ""),
		sig("2", signals.KindLLMFallback, "gibberish", "unknown", "", ""),
		sig("3", signals.KindLLMFallback, "gibberish", "unknown", "", ""),
	}}
	if imp := propose(c); imp != nil {
		t.Fatalf("propose = %+v, want nil for unknown intent", imp)
	}
}

func TestProposeAliasFromEntityFails(t *testing.T) {
	c := cluster{signals: []signals.Signal{
		sig("1", signals.KindEntityFail, "turn on the big light", "", "the big light", "light.living_room"),
		sig("2", signals.KindEntityFail, "turn off the big light", "", "the big light", "light.living_room"),
		sig("3", signals.KindEntityFail, "dim the big light", "", "the big light", "light.living_room"),
	}}

	imp := propose(c)
	if imp == nil {
		t.Fatal("propose returned nil")
	}
	if imp.Type != TypeAlias || imp.Tier != 1 {
		t.Errorf("type/tier = %s/%d, want alias/1", imp.Type, imp.Tier)
	}
	if imp.Target != "light.living_room" || imp.ProposedValue != "the big light" {
		t.Errorf("target/proposed = %q/%q", imp.Target, imp.ProposedValue)
	}
}

func TestProposePatternFromCorrections(t *testing.T) {
	c := cluster{signals: []signals.Signal{
		sig("1", signals.KindCorrection, "illuminate the bedroom", "", "light_control", "media_control"),
		sig("2", signals.KindCorrection, "illuminate the bedroom", "", "light_control", "media_control"),
		sig("3", signals.KindExplicitFeedback, "illuminate the bedroom", "", "light_control", "media_control"),
	}}

	imp := propose(c)
	if imp == nil {
		t.Fatal("propose returned nil")
	}
	if imp.Type != TypePattern || imp.Tier != 2 {
		t.Errorf("type/tier = %s/%d, want pattern/2", imp.Type, imp.Tier)
	}
	var prop patternProposal
	if err := json.Unmarshal([]byte(imp.ProposedValue), &prop); err != nil {
		t.Fatalf("proposed value: %v", err)
	}
	if prop.Pattern != "illuminate the bedroom" || prop.Intent != "light_control" {
		t.Errorf("proposal = %+v", prop)
	}
}

func TestProposePatternRejectsInvalidIntent(t *testing.T) {
	c := cluster{signals: []signals.Signal{
		sig("1", signals.KindCorrection, "do the thing", "", "not_an_intent", "unknown"),
		sig("2", signals.KindCorrection, "do the thing", "", "not_an_intent", "unknown"),
		sig("3", signals.KindCorrection, "do the thing", "", "not_an_intent", "unknown"),
	}}
	if imp := propose(c); imp != nil {
		t.Fatalf("propose = %+v, want nil for invalid corrected intent", imp)
	}
}
