package intent

import (
	"context"
	"time"

	"github.com/barnabee-home/barnabee/internal/observe"
	"github.com/barnabee-home/barnabee/internal/signals"
)

// StageDegraded is recorded as the deciding stage when every stage failed and
// the cascade fell back to [Unknown].
const StageDegraded = "degraded"

// Request identifies one utterance going through the cascade. Utterance must
// already be normalized.
type Request struct {
	RequestID string
	Speaker   string
	Utterance string
}

// Result is the cascade's answer for one request.
type Result struct {
	Classification

	// NeedsClarification is set when the deciding confidence fell below the
	// clarify threshold: the pipeline should ask instead of act.
	NeedsClarification bool
}

// Cascade runs an utterance through the staged classifier until a stage
// decides. A stage error is not fatal; the cascade logs it and degrades to the
// next stage, so a dead embedding server only costs latency, not answers.
//
// Safe for concurrent use.
type Cascade struct {
	stages           []Stage
	clarifyThreshold float64
	metrics          *observe.Metrics
	signals          *signals.Buffer
}

// CascadeOption is a functional option for Cascade.
type CascadeOption func(*Cascade)

// WithMetrics attaches a metrics instance. Default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) CascadeOption {
	return func(c *Cascade) { c.metrics = m }
}

// WithSignals makes the cascade emit one classification signal per decision.
func WithSignals(buf *signals.Buffer) CascadeOption {
	return func(c *Cascade) { c.signals = buf }
}

// NewCascade creates a cascade over stages, tried in order. clarifyThreshold
// is the minimum deciding confidence below which the result asks for
// clarification rather than acting.
func NewCascade(clarifyThreshold float64, stages []Stage, opts ...CascadeOption) *Cascade {
	c := &Cascade{
		stages:           stages,
		clarifyThreshold: clarifyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Classify runs req through the stages and returns the first decision. When
// every stage continues or fails, the result is the best provisional guess a
// stage carried, or [Unknown] at zero confidence when there is none; either
// way NeedsClarification is set.
func (c *Cascade) Classify(ctx context.Context, req Request) Result {
	log := observe.Logger(ctx)

	// Best below-threshold guess seen so far, kept in case no later stage
	// decides either.
	var provisional Classification

	for _, stage := range c.stages {
		// Reaching the LLM stage is itself a learning signal: the cheap
		// stages could not handle this utterance.
		if stage.Name() == StageLLMFallback {
			c.emit(ctx, req, signals.KindLLMFallback, Classification{Stage: StageLLMFallback})
		}

		start := time.Now()
		res, err := stage.Classify(ctx, req.Utterance)
		elapsed := time.Since(start)

		if err != nil {
			c.metrics.RecordStage(ctx, stage.Name(), elapsed, false, "")
			log.Warn("cascade stage failed, degrading",
				"stage", stage.Name(),
				"request_id", req.RequestID,
				"error", err,
			)
			continue
		}

		cls, decided := res.Decision()
		c.metrics.RecordStage(ctx, stage.Name(), elapsed, decided, string(cls.Intent))
		if !decided {
			if p, ok := res.Provisional(); ok && p.Confidence > provisional.Confidence {
				provisional = p
			}
			continue
		}

		out := Result{
			Classification:     cls,
			NeedsClarification: cls.Confidence < c.clarifyThreshold,
		}
		if out.NeedsClarification {
			c.emit(ctx, req, signals.KindLowConfidence, cls)
		}
		log.Debug("classified",
			"request_id", req.RequestID,
			"intent", cls.Intent,
			"stage", cls.Stage,
			"confidence", cls.Confidence,
			"duration", elapsed,
		)
		return out
	}

	if provisional.Intent != "" {
		// No stage committed, but an earlier stage had a guess. A tentative
		// answer the user can confirm beats a flat "I don't know".
		log.Warn("cascade exhausted, answering with best provisional guess",
			"request_id", req.RequestID,
			"intent", provisional.Intent,
			"confidence", provisional.Confidence,
		)
		out := Result{Classification: provisional, NeedsClarification: true}
		c.emit(ctx, req, signals.KindLowConfidence, provisional)
		return out
	}

	log.Error("all cascade stages failed", "request_id", req.RequestID)
	out := Result{
		Classification:     Classification{Intent: Unknown, Stage: StageDegraded},
		NeedsClarification: true,
	}
	c.emit(ctx, req, signals.KindLowConfidence, out.Classification)
	return out
}

// emit records one learning signal for this request.
func (c *Cascade) emit(ctx context.Context, req Request, kind signals.Kind, cls Classification) {
	if c.signals == nil {
		return
	}
	c.signals.Record(ctx, signals.Signal{
		Kind:       kind,
		RequestID:  req.RequestID,
		Speaker:    req.Speaker,
		Utterance:  req.Utterance,
		Intent:     string(cls.Intent),
		Stage:      StageNumber(cls.Stage),
		Confidence: cls.Confidence,
	})
}

// StageNumber maps a stage name to its 1-based cascade position; 0 for
// anything else, including [StageDegraded].
func StageNumber(name string) int {
	switch name {
	case StageFastPattern:
		return 1
	case StageEmbedding:
		return 2
	case StageLocalModel:
		return 3
	case StageLLMFallback:
		return 4
	default:
		return 0
	}
}
