package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/barnabee-home/barnabee/internal/observe"
	"github.com/barnabee-home/barnabee/pkg/provider/llm"
)

// Provider is the LLM surface phase B needs.
type Provider = llm.Provider

// resolutionSchema constrains the phase-B answer. Sent to the provider as the
// response contract and used locally to validate what came back.
var resolutionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"entity_id": map[string]any{
			"type": "string",
		},
		"friendly_name": map[string]any{
			"type": "string",
		},
		"confidence": map[string]any{
			"type":    "number",
			"minimum": 0,
			"maximum": 1,
		},
		"alternatives": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"suggested_alias": map[string]any{
			"type": "string",
		},
	},
	"required":             []any{"entity_id", "confidence"},
	"additionalProperties": false,
}

// llmResolution mirrors resolutionSchema.
type llmResolution struct {
	EntityID       string   `json:"entity_id"`
	FriendlyName   string   `json:"friendly_name"`
	Confidence     float64  `json:"confidence"`
	Alternatives   []string `json:"alternatives"`
	SuggestedAlias string   `json:"suggested_alias"`
}

type llmPhase struct {
	provider llm.Provider
	timeout  time.Duration
	schema   *gojsonschema.Schema
}

func newLLMPhase(provider llm.Provider) (*llmPhase, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(resolutionSchema))
	if err != nil {
		return nil, fmt.Errorf("resolve: compile response schema: %w", err)
	}
	return &llmPhase{
		provider: provider,
		timeout:  800 * time.Millisecond,
		schema:   schema,
	}, nil
}

// llmResolve runs phase B and maps its answer back onto the mirror. A model
// answer naming an entity the mirror does not hold is substituted with the
// top phase-A candidate rather than trusted.
func (r *Resolver) llmResolve(ctx context.Context, q Query, ranked []scoredEntity) (Resolution, error) {
	ctx, cancel := context.WithTimeout(ctx, r.llm.timeout)
	defer cancel()

	resp, err := r.llm.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: resolutionPrompt(q, ranked),
		Messages: []llm.Message{
			{Role: "user", Content: q.Utterance},
		},
		Temperature:    0,
		MaxTokens:      200,
		ResponseSchema: resolutionSchema,
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve: llm phase: %w", err)
	}

	parsed, err := r.llm.parse(resp.Content)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve: llm phase: %w", err)
	}

	entity, known := r.mirror.GetByID(parsed.EntityID)
	guessed := false
	if !known {
		// Hallucinated ID. Substitute the best deterministic candidate.
		if len(ranked) == 0 {
			return Resolution{}, fmt.Errorf("resolve: llm named unknown entity %q with no substitute", parsed.EntityID)
		}
		observe.Logger(ctx).Warn("llm resolution named unknown entity",
			"request_id", q.RequestID, "entity_id", parsed.EntityID, "substitute", ranked[0].entity.ID)
		entity = ranked[0].entity
		parsed.Confidence = ranked[0].score
		guessed = true
	}

	if parsed.SuggestedAlias != "" && r.suggest != nil {
		if err := r.suggest.SuggestAlias(ctx, entity.ID, parsed.SuggestedAlias, q.Speaker); err != nil {
			observe.Logger(ctx).Warn("alias suggestion submit failed",
				"entity_id", entity.ID, "alias", parsed.SuggestedAlias, "error", err)
		}
	}

	alts := parsed.Alternatives
	if len(alts) == 0 {
		alts = alternativeIDs(ranked)
	}
	return Resolution{
		Entity:       entity,
		Confidence:   parsed.Confidence,
		Method:       MethodLLM,
		Guessed:      guessed || parsed.Confidence < 0.7,
		Alternatives: alts,
	}, nil
}

func (p *llmPhase) parse(content string) (*llmResolution, error) {
	raw := extractJSON(content)
	result, err := p.schema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("validate response: %w", err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("response violates schema: %v", result.Errors())
	}
	var parsed llmResolution
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &parsed, nil
}

// resolutionPrompt grounds the model with everything phase A knows: the
// mention, the candidate list with states and areas, and recent commands.
func resolutionPrompt(q Query, ranked []scoredEntity) string {
	var sb strings.Builder
	sb.WriteString("You resolve which smart-home entity a voice command refers to. ")
	sb.WriteString("Answer with the entity_id of exactly one candidate below; never invent an id.\n\n")
	fmt.Fprintf(&sb, "Mention: %q\nIntent: %s\n", q.Mention, q.Intent)
	if q.SpeakerArea != "" {
		fmt.Fprintf(&sb, "Speaker is in: %s\n", q.SpeakerArea)
	}
	sb.WriteString("\nCandidates:\n")
	for _, s := range ranked {
		fmt.Fprintf(&sb, "- %s (%q, area %s, state %s)\n",
			s.entity.ID, s.entity.FriendlyName, orUnset(s.entity.Area), s.entity.State)
	}
	if len(q.RecentCommands) > 0 {
		sb.WriteString("\nRecent commands, newest first:\n")
		for _, c := range q.RecentCommands {
			sb.WriteString("- ")
			sb.WriteString(c)
			sb.WriteByte('\n')
		}
	}
	sb.WriteString("\nIf the user's wording is a nickname worth remembering, set suggested_alias.")
	return sb.String()
}

func orUnset(s string) string {
	if s == "" {
		return "unset"
	}
	return s
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
