package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/barnabee-home/barnabee/pkg/provider/llm"
)

// responseSchema constrains the LLM's stage-4 answer. The same document is
// sent to the provider as the response contract and used locally to validate
// what actually came back.
var responseSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"intent": map[string]any{
			"type": "string",
		},
		"confidence": map[string]any{
			"type":    "number",
			"minimum": 0,
			"maximum": 1,
		},
		"slots": map[string]any{
			"type":                 "object",
			"additionalProperties": map[string]any{"type": "string"},
		},
	},
	"required":             []any{"intent", "confidence"},
	"additionalProperties": false,
}

// llmResponse mirrors responseSchema.
type llmResponse struct {
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Slots      map[string]string `json:"slots"`
}

// LLMStage is the final cascade stage. Unlike the earlier stages it always
// decides: an unclassifiable utterance becomes [Unknown] with zero confidence
// rather than Continue, because there is nothing left to continue to.
//
// Safe for concurrent use.
type LLMStage struct {
	provider llm.Provider
	timeout  time.Duration

	schema *gojsonschema.Schema
}

// Compile-time interface check.
var _ Stage = (*LLMStage)(nil)

// NewLLMStage creates the stage.
func NewLLMStage(provider llm.Provider) (*LLMStage, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(responseSchema))
	if err != nil {
		return nil, fmt.Errorf("intent: compile response schema: %w", err)
	}
	return &LLMStage{
		provider: provider,
		timeout:  800 * time.Millisecond,
		schema:   schema,
	}, nil
}

// Name implements Stage.
func (s *LLMStage) Name() string { return StageLLMFallback }

// Classify implements Stage.
func (s *LLMStage) Classify(ctx context.Context, utterance string) (StageResult, error) {
	if utterance == "" {
		return Decided(Classification{Intent: Unknown, Stage: StageLLMFallback}), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: s.systemPrompt(),
		Messages: []llm.Message{
			{Role: "user", Content: utterance},
		},
		Temperature:    0,
		MaxTokens:      200,
		ResponseSchema: responseSchema,
	})
	if err != nil {
		return Continue(), fmt.Errorf("intent: llm fallback: %w", err)
	}

	parsed, err := s.parse(resp.Content)
	if err != nil {
		return Continue(), fmt.Errorf("intent: llm fallback: %w", err)
	}

	in := Intent(parsed.Intent)
	if !in.IsValid() {
		in = Unknown
		parsed.Confidence = 0
	}
	return Decided(Classification{
		Intent:     in,
		Confidence: parsed.Confidence,
		Stage:      StageLLMFallback,
		Slots:      parsed.Slots,
	}), nil
}

// parse validates the raw model output against the schema and decodes it.
func (s *LLMStage) parse(content string) (*llmResponse, error) {
	raw := extractJSON(content)
	result, err := s.schema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("validate response: %w", err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("response violates schema: %v", result.Errors())
	}
	var parsed llmResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &parsed, nil
}

// extractJSON trims whitespace and markdown code fences that some models wrap
// around JSON despite instructions.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	}
	return content
}

// systemPrompt enumerates the taxonomy for the model.
func (s *LLMStage) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You classify one voice-assistant utterance into exactly one intent from this list:\n")
	for _, in := range All() {
		sb.WriteString("- ")
		sb.WriteString(string(in))
		sb.WriteByte('\n')
	}
	sb.WriteString("\nExtract slot values mentioned in the utterance (entity, action, value, duration, person, query) into \"slots\". ")
	sb.WriteString("Report your confidence honestly; use \"unknown\" with low confidence when no intent fits.")
	return sb.String()
}
