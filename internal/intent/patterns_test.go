package intent

import (
	"context"
	"testing"
)

func TestPatternStageClassify(t *testing.T) {
	s := NewPatternStage(0.95)

	tests := []struct {
		name       string
		utterance  string
		wantIntent Intent
		wantConf   float64
		wantSlots  map[string]string
		decided    bool
	}{
		{
			name:       "exact literal",
			utterance:  "what time is it",
			wantIntent: TimeQuery,
			wantConf:   exactConfidence,
			decided:    true,
		},
		{
			name:       "template captures entity",
			utterance:  "turn on the kitchen lights",
			wantIntent: LightControl,
			wantConf:   exactConfidence,
			wantSlots:  map[string]string{"action": "turn_on", "entity": "kitchen lights"},
			decided:    true,
		},
		{
			name:       "template captures person",
			utterance:  "where is alice",
			wantIntent: LocationQuery,
			wantConf:   exactConfidence,
			wantSlots:  map[string]string{"person": "alice"},
			decided:    true,
		},
		{
			name:       "single edit fuzzy hit",
			utterance:  "what time is i",
			wantIntent: TimeQuery,
			wantConf:   fuzzyConfidence,
			decided:    true,
		},
		{
			name:      "two edits miss",
			utterance: "what time s i",
		},
		{
			name:      "no pattern",
			utterance: "recite a poem about cheese",
		},
		{
			name:      "empty utterance",
			utterance: "",
		},
		{
			name:      "template prefix with nothing to capture",
			utterance: "lock the",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Classify(context.Background(), tt.utterance)
			if err != nil {
				t.Fatalf("Classify() error = %v", err)
			}
			cls, decided := res.Decision()
			if decided != tt.decided {
				t.Fatalf("decided = %v, want %v", decided, tt.decided)
			}
			if !decided {
				return
			}
			if cls.Intent != tt.wantIntent {
				t.Errorf("intent = %q, want %q", cls.Intent, tt.wantIntent)
			}
			if cls.Confidence != tt.wantConf {
				t.Errorf("confidence = %v, want %v", cls.Confidence, tt.wantConf)
			}
			if cls.Stage != StageFastPattern {
				t.Errorf("stage = %q, want %q", cls.Stage, StageFastPattern)
			}
			for k, v := range tt.wantSlots {
				if cls.Slots[k] != v {
					t.Errorf("slot %q = %q, want %q", k, cls.Slots[k], v)
				}
			}
		})
	}
}

func TestPatternStageThresholdGatesFuzzy(t *testing.T) {
	s := NewPatternStage(0.97)

	res, _ := s.Classify(context.Background(), "what time is it")
	if _, decided := res.Decision(); !decided {
		t.Fatal("exact hit should still decide above a 0.97 threshold")
	}

	res, _ = s.Classify(context.Background(), "what time is i")
	if _, decided := res.Decision(); decided {
		t.Fatal("fuzzy hit at 0.96 must continue under a 0.97 threshold")
	}
}

func TestPatternStageSetPatternsReplacesTable(t *testing.T) {
	s := NewPatternStage(0.95)
	if s.Len() == 0 {
		t.Fatal("builtin table should not be empty")
	}

	s.SetPatterns([]Pattern{
		{Template: "engage party mode", Intent: SceneControl, Slots: map[string]string{"scene": "party"}},
	})
	if got := s.Len(); got != 1 {
		t.Fatalf("Len() = %d after replace, want 1", got)
	}

	res, _ := s.Classify(context.Background(), "what time is it")
	if _, decided := res.Decision(); decided {
		t.Error("builtin pattern should be gone after SetPatterns")
	}

	res, _ = s.Classify(context.Background(), "engage party mode")
	cls, decided := res.Decision()
	if !decided || cls.Intent != SceneControl {
		t.Fatalf("replacement pattern did not match: decided=%v intent=%q", decided, cls.Intent)
	}
	if cls.Slots["scene"] != "party" {
		t.Errorf("fixed slot lost: %v", cls.Slots)
	}
}

func TestPatternStageAddPatterns(t *testing.T) {
	s := NewPatternStage(0.95)
	before := s.Len()

	s.AddPatterns([]Pattern{{Template: "do the thing", Intent: SceneControl}})
	if s.Len() != before+1 {
		t.Fatalf("Len() = %d, want %d", s.Len(), before+1)
	}

	res, _ := s.Classify(context.Background(), "do the thing")
	if cls, decided := res.Decision(); !decided || cls.Intent != SceneControl {
		t.Fatal("appended pattern did not match")
	}
}

func TestBuiltinPatternsUseValidIntents(t *testing.T) {
	for _, p := range builtinPatterns() {
		if !p.Intent.IsValid() {
			t.Errorf("pattern %q maps to invalid intent %q", p.Template, p.Intent)
		}
	}
}
