package intent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/barnabee-home/barnabee/pkg/provider/llm"
	llmmock "github.com/barnabee-home/barnabee/pkg/provider/llm/mock"
)

func newTestLLMStage(t *testing.T, provider llm.Provider) *LLMStage {
	t.Helper()
	s, err := NewLLMStage(provider)
	if err != nil {
		t.Fatalf("NewLLMStage() error = %v", err)
	}
	return s
}

func TestLLMStageDecides(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"intent":"weather_query","confidence":0.91,"slots":{"query":"weather tomorrow"}}`,
		},
	}
	s := newTestLLMStage(t, provider)

	res, err := s.Classify(context.Background(), "any chance of rain tomorrow")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	cls, decided := res.Decision()
	if !decided {
		t.Fatal("final stage must decide on a valid response")
	}
	if cls.Intent != WeatherQuery {
		t.Errorf("intent = %q, want %q", cls.Intent, WeatherQuery)
	}
	if cls.Confidence != 0.91 {
		t.Errorf("confidence = %v, want 0.91", cls.Confidence)
	}
	if cls.Stage != StageLLMFallback {
		t.Errorf("stage = %q, want %q", cls.Stage, StageLLMFallback)
	}
	if cls.Slots["query"] != "weather tomorrow" {
		t.Errorf("slots = %v", cls.Slots)
	}
}

func TestLLMStageRequestShape(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"intent":"chitchat","confidence":0.8}`},
	}
	s := newTestLLMStage(t, provider)

	if _, err := s.Classify(context.Background(), "tell me something fun"); err != nil {
		t.Fatalf("Classify() error = %v", err)
	}

	if provider.CallCount() != 1 {
		t.Fatalf("CallCount() = %d, want 1", provider.CallCount())
	}
	req := provider.CompleteCalls[0].Req
	if req.Temperature != 0 {
		t.Errorf("Temperature = %v, want 0", req.Temperature)
	}
	if req.ResponseSchema == nil {
		t.Error("ResponseSchema must be set")
	}
	for _, in := range []Intent{LightControl, ModeAmbientStart, Unknown} {
		if !strings.Contains(req.SystemPrompt, string(in)) {
			t.Errorf("system prompt does not enumerate %q", in)
		}
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "tell me something fun" {
		t.Errorf("messages = %+v", req.Messages)
	}
}

func TestLLMStageStripsCodeFences(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: "```json\n{\"intent\":\"greeting\",\"confidence\":0.95}\n```",
		},
	}
	s := newTestLLMStage(t, provider)

	res, err := s.Classify(context.Background(), "howdy there")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	cls, decided := res.Decision()
	if !decided || cls.Intent != Greeting {
		t.Fatalf("decided=%v intent=%q, want greeting", decided, cls.Intent)
	}
}

func TestLLMStageUnknownLabelBecomesUnknown(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"intent":"order_pizza","confidence":0.9}`},
	}
	s := newTestLLMStage(t, provider)

	res, err := s.Classify(context.Background(), "order me a pizza")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	cls, decided := res.Decision()
	if !decided {
		t.Fatal("expected a decision")
	}
	if cls.Intent != Unknown || cls.Confidence != 0 {
		t.Errorf("got %q at %v, want unknown at 0", cls.Intent, cls.Confidence)
	}
}

func TestLLMStageMalformedResponse(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"prose instead of json", "I think the user wants the lights on."},
		{"missing required field", `{"intent":"greeting"}`},
		{"confidence out of range", `{"intent":"greeting","confidence":1.5}`},
		{"extra field", `{"intent":"greeting","confidence":0.9,"reasoning":"because"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &llmmock.Provider{
				CompleteResponse: &llm.CompletionResponse{Content: tt.content},
			}
			s := newTestLLMStage(t, provider)

			res, err := s.Classify(context.Background(), "hello")
			if err == nil {
				t.Fatal("expected an error")
			}
			if _, decided := res.Decision(); decided {
				t.Fatal("malformed response must not decide")
			}
		})
	}
}

func TestLLMStageProviderErrorContinues(t *testing.T) {
	provider := &llmmock.Provider{CompleteErr: errors.New("rate limited")}
	s := newTestLLMStage(t, provider)

	res, err := s.Classify(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected an error")
	}
	if _, decided := res.Decision(); decided {
		t.Fatal("provider failure must not decide")
	}
}

func TestLLMStageEmptyUtterance(t *testing.T) {
	provider := &llmmock.Provider{}
	s := newTestLLMStage(t, provider)

	res, err := s.Classify(context.Background(), "")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	cls, decided := res.Decision()
	if !decided || cls.Intent != Unknown {
		t.Fatalf("empty utterance should decide unknown, got decided=%v intent=%q", decided, cls.Intent)
	}
	if provider.CallCount() != 0 {
		t.Error("no completion should be requested for an empty utterance")
	}
}
