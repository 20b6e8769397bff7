package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/barnabee-home/barnabee/pkg/provider/localintent"
	intentmock "github.com/barnabee-home/barnabee/pkg/provider/localintent/mock"
)

func TestLocalStageClassify(t *testing.T) {
	tests := []struct {
		name       string
		preds      []localintent.Prediction
		wantIntent Intent
		decided    bool
	}{
		{
			name: "confident top prediction decides",
			preds: []localintent.Prediction{
				{Intent: "light_control", Confidence: 0.92},
				{Intent: "scene_control", Confidence: 0.05},
			},
			wantIntent: LightControl,
			decided:    true,
		},
		{
			name: "below threshold continues",
			preds: []localintent.Prediction{
				{Intent: "light_control", Confidence: 0.7},
			},
		},
		{
			name: "near tie continues",
			preds: []localintent.Prediction{
				{Intent: "timer_set", Confidence: 0.9},
				{Intent: "reminder_set", Confidence: 0.87},
			},
		},
		{
			name: "label outside taxonomy never decides",
			preds: []localintent.Prediction{
				{Intent: "order_pizza", Confidence: 0.99},
			},
		},
		{
			name:  "no predictions continues",
			preds: nil,
		},
		{
			name: "single confident prediction decides",
			preds: []localintent.Prediction{
				{Intent: "weather_query", Confidence: 0.88},
			},
			wantIntent: WeatherQuery,
			decided:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &intentmock.Classifier{ClassifyPredictions: tt.preds}
			s := NewLocalStage(model, 0.80, 0.05)

			res, err := s.Classify(context.Background(), "some utterance")
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
			if cls.Stage != StageLocalModel {
				t.Errorf("stage = %q, want %q", cls.Stage, StageLocalModel)
			}
			if cls.Confidence != tt.preds[0].Confidence {
				t.Errorf("confidence = %v, want %v", cls.Confidence, tt.preds[0].Confidence)
			}
		})
	}
}

func TestLocalStageModelErrorContinues(t *testing.T) {
	model := &intentmock.Classifier{ClassifyErr: errors.New("model server unreachable")}
	s := NewLocalStage(model, 0.80, 0.05)

	res, err := s.Classify(context.Background(), "turn on the lights")
	if err == nil {
		t.Fatal("expected an error")
	}
	if _, decided := res.Decision(); decided {
		t.Fatal("model failure must not decide")
	}
}

func TestLocalStageEmptyUtteranceSkipsModel(t *testing.T) {
	model := &intentmock.Classifier{}
	s := NewLocalStage(model, 0.80, 0.05)

	res, err := s.Classify(context.Background(), "")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if _, decided := res.Decision(); decided {
		t.Fatal("empty utterance must continue")
	}
	if model.CallCount() != 0 {
		t.Error("model should not be called for an empty utterance")
	}
}
