package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/barnabee-home/barnabee/internal/executor"
	"github.com/barnabee-home/barnabee/internal/intent"
	"github.com/barnabee-home/barnabee/internal/mirror"
	"github.com/barnabee-home/barnabee/internal/normalize"
	"github.com/barnabee-home/barnabee/internal/observe"
	"github.com/barnabee-home/barnabee/internal/promptctx"
	"github.com/barnabee-home/barnabee/pkg/provider/llm"
)

const responderSystemPrompt = `You are Barnabee, a household voice assistant.
Answer in one or two short spoken sentences. Use only the home state provided;
if it does not cover the question, say so plainly.`

// capabilities names what each actionable intent controls, for degraded-mode
// apologies.
var capabilities = map[intent.Intent]string{
	intent.LightControl:   "the lights",
	intent.ClimateControl: "the thermostat",
	intent.LockControl:    "the locks",
	intent.CoverControl:   "the blinds",
	intent.MediaControl:   "the media player",
	intent.SceneControl:   "the scenes",
}

func capabilityApology(in intent.Intent) string {
	what, ok := capabilities[in]
	if !ok {
		what = "the home system"
	}
	return fmt.Sprintf("I can't reach %s right now. Give me a moment and try again.", what)
}

// commandAck phrases the confirmation spoken while (or after) the command
// runs.
func commandAck(cls intent.Classification, target mirror.Entity) string {
	name := strings.ToLower(target.FriendlyName)
	if name == "" {
		name = "that"
	}
	switch cls.Slots["action"] {
	case "turn_off", "off":
		return fmt.Sprintf("Okay, turning off %s.", name)
	case "lock":
		return fmt.Sprintf("Locking %s.", name)
	case "unlock":
		return fmt.Sprintf("Unlocking %s.", name)
	case "open":
		return fmt.Sprintf("Opening %s.", name)
	case "close":
		return fmt.Sprintf("Closing %s.", name)
	}
	if v := cls.Slots["brightness"]; v != "" {
		return fmt.Sprintf("Setting %s to %s.", name, v)
	}
	if v := cls.Slots["temperature"]; v != "" {
		return fmt.Sprintf("Setting %s to %s degrees.", name, v)
	}
	return fmt.Sprintf("Okay, turning on %s.", name)
}

// amendFailure rewrites an already-generated acknowledgement after the
// executor reported failure.
func amendFailure(in intent.Intent, execErr error) string {
	what, ok := capabilities[in]
	if !ok {
		what = "that"
	}
	return fmt.Sprintf("Sorry, that didn't work. %s didn't respond: %v.",
		strings.ToUpper(what[:1])+what[1:], execErr)
}

func guessedSuffix(res executor.Result) string {
	if len(res.Succeeded) == 0 {
		return ""
	}
	return " Tell me if I picked the wrong one."
}

func clarifyText(cls intent.Classification) string {
	if cls.Intent == intent.Unknown || cls.Intent == "" {
		return "Sorry, I didn't catch that. Could you say it again?"
	}
	return fmt.Sprintf("I think you want %s, but I'm not sure. Could you rephrase?",
		strings.ReplaceAll(string(cls.Intent), "_", " "))
}

// converse produces the reply for non-actionable intents: LLM with injected
// home context when available, deterministic templates otherwise.
func (o *Orchestrator) converse(ctx context.Context, norm normalize.Result, cls intent.Classification, pc promptctx.Context) string {
	if o.responder != nil {
		text, err := o.complete(ctx, norm, pc)
		if err == nil {
			return text
		}
		o.metrics.RecordProviderError(ctx, "responder", "completion")
		observe.Logger(ctx).Warn("responder unavailable, using canned reply", "error", err)
	}
	return cannedReply(cls, pc)
}

func (o *Orchestrator) complete(ctx context.Context, norm normalize.Result, pc promptctx.Context) (string, error) {
	system := responderSystemPrompt
	if rendered := pc.Render(); rendered != "" {
		system += "\n\n" + rendered
	}
	var out string
	err := o.llmBreaker.Execute(func() error {
		resp, err := o.responder.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: system,
			Messages:     []llm.Message{{Role: "user", Content: norm.Raw}},
			Temperature:  0.7,
			MaxTokens:    150,
		})
		if err != nil {
			return err
		}
		out = strings.TrimSpace(resp.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("orchestrator: empty completion")
	}
	return out, nil
}

// cannedReply answers without the LLM. Time is answerable locally; state
// questions fall back to reading the injected context aloud.
func cannedReply(cls intent.Classification, pc promptctx.Context) string {
	if cls.Intent == intent.TimeQuery {
		return fmt.Sprintf("It's %s.", time.Now().Format("3:04 PM"))
	}
	if len(pc.Lines) > 0 {
		return "Here's what I can see. " + strings.Join(pc.Lines, " ")
	}
	switch cls.Intent.Family() {
	case intent.FamilyConversation:
		return "Hello! What can I do for you?"
	default:
		return "Sorry, I can't help with that right now."
	}
}
