package intent

import (
	"context"
	"fmt"
	"time"

	"github.com/barnabee-home/barnabee/pkg/provider/localintent"
)

// LocalStage is the third cascade stage: a fine-tuned local model scoring the
// utterance over the full taxonomy.
//
// Safe for concurrent use.
type LocalStage struct {
	model     localintent.Classifier
	threshold float64
	tieMargin float64
	timeout   time.Duration
	gate      *GPUGate
}

// Compile-time interface check.
var _ Stage = (*LocalStage)(nil)

// NewLocalStage creates the stage. threshold is the minimum top-1 confidence
// to decide; tieMargin forwards to the LLM fallback when the top two
// predictions are within it of each other.
func NewLocalStage(model localintent.Classifier, threshold, tieMargin float64) *LocalStage {
	return &LocalStage{
		model:     model,
		threshold: threshold,
		tieMargin: tieMargin,
		timeout:   300 * time.Millisecond,
	}
}

// Name implements Stage.
func (s *LocalStage) Name() string { return StageLocalModel }

// UseGPUGate makes the stage acquire gate around model calls.
func (s *LocalStage) UseGPUGate(gate *GPUGate) {
	s.gate = gate
}

// Classify implements Stage.
func (s *LocalStage) Classify(ctx context.Context, utterance string) (StageResult, error) {
	if utterance == "" {
		return Continue(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.gate != nil {
		if err := s.gate.Acquire(ctx); err != nil {
			return Continue(), fmt.Errorf("intent: acquire gpu slot: %w", err)
		}
	}
	preds, err := s.model.Classify(ctx, utterance)
	if s.gate != nil {
		s.gate.Release()
	}
	if err != nil {
		return Continue(), fmt.Errorf("intent: local model: %w", err)
	}
	if len(preds) == 0 {
		return Continue(), nil
	}

	top := preds[0]
	in := Intent(top.Intent)
	// A label outside the taxonomy means the served model is stale; never
	// decide on it, never carry it.
	if !in.IsValid() {
		return Continue(), nil
	}

	cls := Classification{
		Intent:     in,
		Confidence: top.Confidence,
		Stage:      StageLocalModel,
	}
	// Below threshold or inside the tie margin the guess still travels with
	// the result, so the cascade has something to offer when the LLM stage is
	// down.
	if top.Confidence < s.threshold {
		return ContinueWith(cls), nil
	}
	if len(preds) > 1 && top.Confidence-preds[1].Confidence < s.tieMargin {
		return ContinueWith(cls), nil
	}

	return Decided(cls), nil
}
