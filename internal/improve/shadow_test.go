package improve

import (
	"context"
	"testing"

	"github.com/barnabee-home/barnabee/internal/store"
)

func goldenSet(n int) []store.GoldenCase {
	cases := make([]store.GoldenCase, n)
	for i := range cases {
		cases[i] = store.GoldenCase{
			ID:             string(rune('a' + i)),
			Utterance:      "utterance " + string(rune('a'+i)),
			ExpectedIntent: "light_control",
		}
	}
	return cases
}

// answers builds an evaluator that misclassifies the listed case utterances.
func answers(wrong ...string) Evaluator {
	bad := make(map[string]bool, len(wrong))
	for _, u := range wrong {
		bad[u] = true
	}
	return func(_ context.Context, utterance string) (Evaluation, error) {
		if bad[utterance] {
			return Evaluation{Intent: "unknown"}, nil
		}
		return Evaluation{Intent: "light_control"}, nil
	}
}

// resolving wraps an evaluator so every case resolves the given entity IDs.
func resolving(eval Evaluator, ids ...string) Evaluator {
	return func(ctx context.Context, utterance string) (Evaluation, error) {
		ev, err := eval(ctx, utterance)
		ev.Entities = ids
		return ev, err
	}
}

func TestShadowPasses(t *testing.T) {
	golden := goldenSet(20)
	passed, report, err := runShadow(context.Background(), golden, answers(), answers())
	if err != nil {
		t.Fatalf("runShadow: %v", err)
	}
	if !passed {
		t.Fatalf("verdict = %q, want passed", report.Verdict)
	}
	if report.Cases != 20 || report.AccuracyNew != 1.0 {
		t.Errorf("report = %+v", report)
	}
}

func TestShadowRejectsAccuracyBelowFloor(t *testing.T) {
	// Both classifiers miss two of twenty cases: 90% is under the floor.
	golden := goldenSet(20)
	eval := answers("utterance a", "utterance b")
	passed, report, err := runShadow(context.Background(), golden, eval, eval)
	if err != nil {
		t.Fatalf("runShadow: %v", err)
	}
	if passed || report.Verdict != "accuracy below floor" {
		t.Errorf("passed=%v verdict=%q", passed, report.Verdict)
	}
}

func TestShadowRejectsRegression(t *testing.T) {
	golden := goldenSet(40)
	passed, report, err := runShadow(context.Background(), golden,
		answers(), answers("utterance a"))
	if err != nil {
		t.Fatalf("runShadow: %v", err)
	}
	if passed {
		t.Fatalf("verdict = %q, want a rejection", report.Verdict)
	}
	if report.Verdict != "accuracy regressed" {
		t.Errorf("verdict = %q", report.Verdict)
	}
	if len(report.NewFailures) != 1 || report.NewFailures[0] != "utterance a" {
		t.Errorf("new failures = %v", report.NewFailures)
	}
}

func TestShadowRejectsNewFailureAtEqualAccuracy(t *testing.T) {
	// The candidate fixes one case and breaks another. Accuracy is unchanged
	// but the broken case alone must block the change.
	golden := goldenSet(40)
	passed, report, err := runShadow(context.Background(), golden,
		answers("utterance a"), answers("utterance b"))
	if err != nil {
		t.Fatalf("runShadow: %v", err)
	}
	if passed || report.Verdict != "new golden failures" {
		t.Errorf("passed=%v verdict=%q", passed, report.Verdict)
	}
}

func TestShadowChecksExpectedEntities(t *testing.T) {
	// Every case classifies correctly, but one expects an entity only the
	// candidate resolves. The baseline misses it and the candidate's gain
	// shows up as an accuracy improvement, not a regression.
	golden := goldenSet(20)
	golden[0].ExpectedEntities = []string{"light.living_room"}

	passed, report, err := runShadow(context.Background(), golden,
		answers(), resolving(answers(), "light.living_room"))
	if err != nil {
		t.Fatalf("runShadow: %v", err)
	}
	if !passed {
		t.Fatalf("verdict = %q, want passed", report.Verdict)
	}
	if report.AccuracyOld >= report.AccuracyNew {
		t.Errorf("accuracy old=%v new=%v, want candidate ahead", report.AccuracyOld, report.AccuracyNew)
	}

	// The reverse direction loses the entity and must block.
	passed, report, err = runShadow(context.Background(), golden,
		resolving(answers(), "light.living_room"), answers())
	if err != nil {
		t.Fatalf("runShadow: %v", err)
	}
	if passed || report.Verdict != "accuracy regressed" {
		t.Errorf("passed=%v verdict=%q", passed, report.Verdict)
	}
	if len(report.NewFailures) != 1 {
		t.Errorf("new failures = %v", report.NewFailures)
	}
}

func TestShadowRequiresGoldenCases(t *testing.T) {
	if _, _, err := runShadow(context.Background(), nil, answers(), answers()); err == nil {
		t.Fatal("expected an error for an empty golden dataset")
	}
}
