package intent

import "context"

// Stage names as recorded in classification output and operational logs.
const (
	StageFastPattern = "fast_pattern"
	StageEmbedding   = "embedding"
	StageLocalModel  = "local_model"
	StageLLMFallback = "llm_fallback"
)

// Classification is a finished decision about one utterance.
type Classification struct {
	// Intent is the decided leaf intent.
	Intent Intent

	// Confidence is the deciding stage's score in [0.0, 1.0].
	Confidence float64

	// Stage names the stage that decided (see the Stage* constants).
	Stage string

	// Slots carries raw slot strings the deciding stage extracted, keyed by
	// slot name (e.g. "entity", "value"). May be nil.
	Slots map[string]string
}

// StageResult is the outcome of running one stage: either a decision or an
// instruction to continue down the cascade. Construct values with [Decided],
// [Continue], or [ContinueWith]; the zero value means continue.
type StageResult struct {
	decided bool
	c       Classification
}

// Decided wraps a finished classification.
func Decided(c Classification) StageResult {
	return StageResult{decided: true, c: c}
}

// Continue instructs the cascade to try the next stage.
func Continue() StageResult {
	return StageResult{}
}

// ContinueWith instructs the cascade to try the next stage while carrying c as
// a provisional classification. When every later stage fails or abstains, the
// cascade answers with the best provisional guess instead of [Unknown].
func ContinueWith(c Classification) StageResult {
	return StageResult{c: c}
}

// Decision returns the classification and whether the stage decided.
func (r StageResult) Decision() (Classification, bool) {
	return r.c, r.decided
}

// Provisional returns the classification carried by a non-deciding result and
// whether one is present.
func (r StageResult) Provisional() (Classification, bool) {
	return r.c, !r.decided && r.c.Intent != ""
}

// Stage is one classifier in the cascade. Implementations must be safe for
// concurrent use; the cascade runs many utterances in parallel.
type Stage interface {
	// Classify inspects the normalized utterance and either decides or
	// continues. A stage that cannot run (provider down, no data loaded)
	// returns an error; the cascade treats errors as Continue and degrades to
	// the next stage.
	Classify(ctx context.Context, utterance string) (StageResult, error)

	// Name returns the stage's identifier (one of the Stage* constants).
	Name() string
}
