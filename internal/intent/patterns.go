package intent

import (
	"context"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

const (
	// exactConfidence is reported for a literal pattern hit.
	exactConfidence = 0.99

	// fuzzyConfidence is reported for a hit at Levenshtein distance 1,
	// covering single transcription slips like "trun on the lights".
	fuzzyConfidence = 0.96
)

// Pattern is one stage-1 entry: a normalized template mapped to an intent.
//
// A template is matched literally, except that it may end in a single
// "{name}" placeholder which captures the remaining words into a slot. Slot
// capture is literal-prefix only; the fuzzy pass skips templated patterns.
type Pattern struct {
	Template string
	Intent   Intent
	// Slots carries fixed slot values attached on every hit (e.g. "action":
	// "turn_on"). The placeholder capture, if any, is merged on top.
	Slots map[string]string
}

// compiledPattern is a parsed Pattern ready for matching.
type compiledPattern struct {
	Pattern
	// prefix is the literal part before the placeholder; equals Template when
	// there is no placeholder.
	prefix   string
	slotName string
}

// PatternStage is the first cascade stage: literal and near-literal matching
// against a replaceable pattern table. It answers in microseconds and decides
// the bulk of everyday traffic.
//
// The table is swapped wholesale by [PatternStage.SetPatterns]; the
// improvement pipeline uses this to apply tier-1 pattern changes without a
// restart. Safe for concurrent use.
type PatternStage struct {
	threshold float64

	mu       sync.RWMutex
	patterns []compiledPattern
}

// Compile-time interface check.
var _ Stage = (*PatternStage)(nil)

// NewPatternStage creates a stage seeded with the built-in pattern table.
// threshold is the minimum confidence to decide; hits below it continue.
func NewPatternStage(threshold float64) *PatternStage {
	s := &PatternStage{threshold: threshold}
	s.SetPatterns(builtinPatterns())
	return s
}

// Name implements Stage.
func (s *PatternStage) Name() string { return StageFastPattern }

// SetPatterns replaces the whole pattern table.
func (s *PatternStage) SetPatterns(patterns []Pattern) {
	compiled := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, compile(p))
	}
	s.mu.Lock()
	s.patterns = compiled
	s.mu.Unlock()
}

// AddPatterns appends patterns to the table.
func (s *PatternStage) AddPatterns(patterns []Pattern) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range patterns {
		s.patterns = append(s.patterns, compile(p))
	}
}

// Patterns returns a copy of the current pattern table.
func (s *PatternStage) Patterns() []Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Pattern, len(s.patterns))
	for i, cp := range s.patterns {
		out[i] = cp.Pattern
	}
	return out
}

// Len returns the number of loaded patterns.
func (s *PatternStage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patterns)
}

func compile(p Pattern) compiledPattern {
	cp := compiledPattern{Pattern: p, prefix: p.Template}
	if i := strings.Index(p.Template, "{"); i >= 0 && strings.HasSuffix(p.Template, "}") {
		cp.prefix = strings.TrimSpace(p.Template[:i])
		cp.slotName = p.Template[i+1 : len(p.Template)-1]
	}
	return cp
}

// Classify implements Stage. It never returns an error.
func (s *PatternStage) Classify(_ context.Context, utterance string) (StageResult, error) {
	if utterance == "" {
		return Continue(), nil
	}

	s.mu.RLock()
	patterns := s.patterns
	s.mu.RUnlock()

	// Pass 1: exact matches, templated patterns included.
	for i := range patterns {
		p := &patterns[i]
		if p.slotName == "" {
			if utterance == p.prefix {
				return s.decide(p, "", exactConfidence), nil
			}
			continue
		}
		if rest, ok := strings.CutPrefix(utterance, p.prefix+" "); ok && rest != "" {
			return s.decide(p, rest, exactConfidence), nil
		}
	}

	// Pass 2: single-edit fuzzy on literal patterns only.
	for i := range patterns {
		p := &patterns[i]
		if p.slotName != "" {
			continue
		}
		// Cheap length gate before the edit-distance computation.
		if abs(len(utterance)-len(p.prefix)) > 1 {
			continue
		}
		if matchr.Levenshtein(utterance, p.prefix) <= 1 {
			return s.decide(p, "", fuzzyConfidence), nil
		}
	}

	return Continue(), nil
}

func (s *PatternStage) decide(p *compiledPattern, captured string, confidence float64) StageResult {
	if confidence < s.threshold {
		return Continue()
	}
	slots := make(map[string]string, len(p.Slots)+1)
	for k, v := range p.Slots {
		slots[k] = v
	}
	if p.slotName != "" && captured != "" {
		slots[p.slotName] = captured
	}
	if len(slots) == 0 {
		slots = nil
	}
	return Decided(Classification{
		Intent:     p.Intent,
		Confidence: confidence,
		Stage:      StageFastPattern,
		Slots:      slots,
	})
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// builtinPatterns is the seed table shipped with the binary. The improvement
// pipeline extends it over time from production signals.
func builtinPatterns() []Pattern {
	return []Pattern{
		// Information.
		{Template: "what time is it", Intent: TimeQuery},
		{Template: "what is the time", Intent: TimeQuery},
		{Template: "what is the weather", Intent: WeatherQuery},
		{Template: "what is the weather like today", Intent: WeatherQuery},
		{Template: "what is the weather like", Intent: WeatherQuery},
		{Template: "what is on my calendar", Intent: CalendarQuery},
		{Template: "what is on my calendar today", Intent: CalendarQuery},
		{Template: "do i have any new email", Intent: EmailQuery},
		{Template: "where is {person}", Intent: LocationQuery},

		// Lights.
		{Template: "turn on the {entity}", Intent: LightControl, Slots: map[string]string{"action": "turn_on"}},
		{Template: "turn off the {entity}", Intent: LightControl, Slots: map[string]string{"action": "turn_off"}},
		{Template: "turn on {entity}", Intent: LightControl, Slots: map[string]string{"action": "turn_on"}},
		{Template: "turn off {entity}", Intent: LightControl, Slots: map[string]string{"action": "turn_off"}},
		{Template: "dim the {entity}", Intent: LightControl, Slots: map[string]string{"action": "dim"}},
		{Template: "brighten the {entity}", Intent: LightControl, Slots: map[string]string{"action": "brighten"}},
		{Template: "turn on the lights", Intent: LightControl, Slots: map[string]string{"action": "turn_on", "entity": "lights"}},
		{Template: "turn off the lights", Intent: LightControl, Slots: map[string]string{"action": "turn_off", "entity": "lights"}},

		// Climate.
		{Template: "set the temperature to {value}", Intent: ClimateControl, Slots: map[string]string{"action": "set_temperature"}},
		{Template: "make it warmer", Intent: ClimateControl, Slots: map[string]string{"action": "warmer"}},
		{Template: "make it cooler", Intent: ClimateControl, Slots: map[string]string{"action": "cooler"}},

		// Locks and covers.
		{Template: "lock the {entity}", Intent: LockControl, Slots: map[string]string{"action": "lock"}},
		{Template: "unlock the {entity}", Intent: LockControl, Slots: map[string]string{"action": "unlock"}},
		{Template: "open the blinds", Intent: CoverControl, Slots: map[string]string{"action": "open", "entity": "blinds"}},
		{Template: "close the blinds", Intent: CoverControl, Slots: map[string]string{"action": "close", "entity": "blinds"}},
		{Template: "open the {entity}", Intent: CoverControl, Slots: map[string]string{"action": "open"}},
		{Template: "close the {entity}", Intent: CoverControl, Slots: map[string]string{"action": "close"}},

		// Media.
		{Template: "pause the music", Intent: MediaControl, Slots: map[string]string{"action": "pause"}},
		{Template: "resume the music", Intent: MediaControl, Slots: map[string]string{"action": "play"}},
		{Template: "stop the music", Intent: MediaControl, Slots: map[string]string{"action": "stop"}},
		{Template: "next song", Intent: MediaControl, Slots: map[string]string{"action": "next"}},
		{Template: "play {query}", Intent: MediaControl, Slots: map[string]string{"action": "play"}},

		// Timers.
		{Template: "set a timer for {duration}", Intent: TimerSet},
		{Template: "how much time is left", Intent: TimerQuery},
		{Template: "cancel the timer", Intent: TimerCancel},
		{Template: "remind me to {task}", Intent: ReminderSet},
		{Template: "add {item} to the shopping list", Intent: TodoAdd},
		{Template: "what is on the shopping list", Intent: TodoQuery},

		// Memory.
		{Template: "remember that {fact}", Intent: MemoryCreate},
		{Template: "remember {fact}", Intent: MemoryCreate},
		{Template: "what do you remember about {topic}", Intent: MemorySearch},
		{Template: "forget that", Intent: MemoryDelete},

		// Modes.
		{Template: "start a conversation", Intent: ModeConversationStart},
		{Template: "end conversation", Intent: ModeConversationEnd},
		{Template: "take a note", Intent: ModeNotesStart},
		{Template: "stop taking notes", Intent: ModeNotesEnd},
		{Template: "start journal", Intent: ModeJournalStart},
		{Template: "end journal", Intent: ModeJournalEnd},

		// Conversation and system.
		{Template: "hello", Intent: Greeting},
		{Template: "good morning", Intent: Greeting},
		{Template: "good evening", Intent: Greeting},
		{Template: "goodbye", Intent: Farewell},
		{Template: "good night", Intent: Farewell},
		{Template: "yes", Intent: Confirmation},
		{Template: "no", Intent: Confirmation},
		{Template: "never mind", Intent: Cancel},
		{Template: "stop", Intent: Cancel},
		{Template: "say that again", Intent: Repeat},
		{Template: "what can you do", Intent: Help},
	}
}
