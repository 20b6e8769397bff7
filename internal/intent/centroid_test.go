package intent

import (
	"context"
	"errors"
	"math"
	"testing"

	embmock "github.com/barnabee-home/barnabee/pkg/provider/embeddings/mock"
)

func TestCentroidStageDecides(t *testing.T) {
	embedder := &embmock.Provider{
		EmbedFunc: func(string) []float32 { return []float32{1, 0, 0, 0} },
	}
	s := NewCentroidStage(embedder, 0.85, 0.02)
	s.SetCentroids(map[Intent][]float32{
		LightControl: {1, 0, 0, 0},
		WeatherQuery: {0, 1, 0, 0},
	})

	res, err := s.Classify(context.Background(), "turn the kitchen lamp on")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	cls, decided := res.Decision()
	if !decided {
		t.Fatal("expected a decision")
	}
	if cls.Intent != LightControl {
		t.Errorf("intent = %q, want %q", cls.Intent, LightControl)
	}
	if cls.Stage != StageEmbedding {
		t.Errorf("stage = %q, want %q", cls.Stage, StageEmbedding)
	}
	if math.Abs(cls.Confidence-1.0) > 1e-6 {
		t.Errorf("confidence = %v, want ~1.0", cls.Confidence)
	}
}

func TestCentroidStageBelowThresholdContinues(t *testing.T) {
	// Equidistant from both centroids at cosine ~0.707, below 0.85.
	embedder := &embmock.Provider{
		EmbedFunc: func(string) []float32 { return []float32{0.7071, 0.7071, 0, 0} },
	}
	s := NewCentroidStage(embedder, 0.85, 0.02)
	s.SetCentroids(map[Intent][]float32{
		LightControl: {1, 0, 0, 0},
		WeatherQuery: {0, 1, 0, 0},
	})

	res, err := s.Classify(context.Background(), "something ambiguous")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if _, decided := res.Decision(); decided {
		t.Fatal("sub-threshold score must continue")
	}
}

func TestCentroidStageTieBreakContinues(t *testing.T) {
	embedder := &embmock.Provider{
		EmbedFunc: func(string) []float32 { return []float32{1, 0, 0, 0} },
	}
	s := NewCentroidStage(embedder, 0.85, 0.05)
	// Both centroids score above threshold and within the tie margin.
	s.SetCentroids(map[Intent][]float32{
		LightControl: {1, 0, 0, 0},
		SceneControl: {0.999, 0.0447, 0, 0},
	})

	res, err := s.Classify(context.Background(), "lights scene")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if _, decided := res.Decision(); decided {
		t.Fatal("near-tied centroids must continue to the local model")
	}
}

func TestCentroidStageNoCentroidsContinues(t *testing.T) {
	embedder := &embmock.Provider{}
	s := NewCentroidStage(embedder, 0.85, 0.02)

	res, err := s.Classify(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if _, decided := res.Decision(); decided {
		t.Fatal("no centroids loaded must continue")
	}
	if len(embedder.EmbedCalls) != 0 {
		t.Error("should not embed when there is nothing to compare against")
	}
}

func TestCentroidStageEmbedErrorContinues(t *testing.T) {
	embedder := &embmock.Provider{EmbedErr: errors.New("server down")}
	s := NewCentroidStage(embedder, 0.85, 0.02)
	s.SetCentroids(map[Intent][]float32{LightControl: {1, 0}})

	res, err := s.Classify(context.Background(), "turn on the lights")
	if err == nil {
		t.Fatal("expected an error")
	}
	if _, decided := res.Decision(); decided {
		t.Fatal("embed failure must not decide")
	}
}

func TestBuildCentroids(t *testing.T) {
	vectors := map[string][]float32{
		"turn on the lights":  {1, 0},
		"lights on please":    {0, 1},
		"what's the forecast": {0, -1},
	}
	embedder := &embmock.Provider{
		EmbedFunc: func(text string) []float32 { return vectors[text] },
	}

	centroids, err := BuildCentroids(context.Background(), embedder, map[Intent][]string{
		LightControl: {"turn on the lights", "lights on please"},
		WeatherQuery: {"what's the forecast"},
		TimeQuery:    {},
	})
	if err != nil {
		t.Fatalf("BuildCentroids() error = %v", err)
	}

	if _, ok := centroids[TimeQuery]; ok {
		t.Error("intent with no exemplars should have no centroid")
	}

	light := centroids[LightControl]
	want := float32(math.Sqrt(0.5))
	if math.Abs(float64(light[0]-want)) > 1e-5 || math.Abs(float64(light[1]-want)) > 1e-5 {
		t.Errorf("light centroid = %v, want normalized mean [%v %v]", light, want, want)
	}

	weather := centroids[WeatherQuery]
	if weather[0] != 0 || weather[1] != -1 {
		t.Errorf("weather centroid = %v, want [0 -1]", weather)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"scale invariant", []float32{2, 0}, []float32{5, 0}, 1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CosineSimilarity(tt.a, tt.b); math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("CosineSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}
