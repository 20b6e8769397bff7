package improve

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/barnabee-home/barnabee/internal/store"
)

// Shadow test gates. An improvement ships only when the candidate classifier
// clears every one of them on the golden dataset.
const (
	shadowMinAccuracy = 0.95
	shadowMaxP95Delta = 10 * time.Millisecond
)

// Evaluation is one classifier verdict over a golden utterance: the decided
// intent plus the entity IDs the utterance resolved to.
type Evaluation struct {
	Intent   string
	Entities []string
}

// Evaluator classifies one utterance against a particular data snapshot.
type Evaluator func(ctx context.Context, utterance string) (Evaluation, error)

// shadowReport is persisted as the improvement's shadow_report document.
type shadowReport struct {
	Cases       int      `json:"cases"`
	AccuracyOld float64  `json:"accuracy_old"`
	AccuracyNew float64  `json:"accuracy_new"`
	P95OldMs    float64  `json:"p95_old_ms"`
	P95NewMs    float64  `json:"p95_new_ms"`
	NewFailures []string `json:"new_failures,omitempty"`
	Verdict     string   `json:"verdict"`
}

func (r shadowReport) String() string {
	raw, _ := json.Marshal(r)
	return string(raw)
}

// runShadow evaluates the golden dataset against both classifiers and applies
// the gates: candidate accuracy at least the floor and no worse than the
// baseline, p95 regression inside the budget, and no golden case that passed
// before may fail now.
func runShadow(ctx context.Context, golden []store.GoldenCase, baseline, candidate Evaluator) (bool, shadowReport, error) {
	if len(golden) == 0 {
		return false, shadowReport{Verdict: "no golden cases"}, fmt.Errorf("improve: shadow test needs a golden dataset")
	}

	oldPass, oldP95, err := evaluate(ctx, golden, baseline)
	if err != nil {
		return false, shadowReport{}, fmt.Errorf("improve: baseline evaluation: %w", err)
	}
	newPass, newP95, err := evaluate(ctx, golden, candidate)
	if err != nil {
		return false, shadowReport{}, fmt.Errorf("improve: candidate evaluation: %w", err)
	}

	report := shadowReport{
		Cases:       len(golden),
		AccuracyOld: accuracy(oldPass),
		AccuracyNew: accuracy(newPass),
		P95OldMs:    float64(oldP95.Microseconds()) / 1000,
		P95NewMs:    float64(newP95.Microseconds()) / 1000,
	}
	for _, g := range golden {
		if oldPass[g.ID] && !newPass[g.ID] {
			report.NewFailures = append(report.NewFailures, g.Utterance)
		}
	}

	switch {
	case report.AccuracyNew < shadowMinAccuracy:
		report.Verdict = "accuracy below floor"
	case report.AccuracyNew < report.AccuracyOld:
		report.Verdict = "accuracy regressed"
	case newP95-oldP95 > shadowMaxP95Delta:
		report.Verdict = "latency regressed"
	case len(report.NewFailures) > 0:
		report.Verdict = "new golden failures"
	default:
		report.Verdict = "passed"
	}
	return report.Verdict == "passed", report, nil
}

// evaluate runs every golden case once and returns per-case pass/fail plus
// the p95 classification latency.
func evaluate(ctx context.Context, golden []store.GoldenCase, eval Evaluator) (map[string]bool, time.Duration, error) {
	pass := make(map[string]bool, len(golden))
	latencies := make([]time.Duration, 0, len(golden))
	for _, g := range golden {
		start := time.Now()
		got, err := eval(ctx, g.Utterance)
		if err != nil {
			return nil, 0, err
		}
		latencies = append(latencies, time.Since(start))
		pass[g.ID] = got.Intent == g.ExpectedIntent && coversEntities(got.Entities, g.ExpectedEntities)
	}
	return pass, p95(latencies), nil
}

// coversEntities reports whether every expected entity ID was resolved. Cases
// with no expected entities pass on intent alone.
func coversEntities(got, expected []string) bool {
	for _, want := range expected {
		if !slices.Contains(got, want) {
			return false
		}
	}
	return true
}

func accuracy(pass map[string]bool) float64 {
	if len(pass) == 0 {
		return 0
	}
	n := 0
	for _, ok := range pass {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(pass))
}

func p95(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	idx := (len(latencies)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return latencies[idx]
}
