package orchestrator

import (
	"context"
	"regexp"
)

// Teacher receives parsed voice-teach commands. Satisfied by the improvement
// pipeline.
type Teacher interface {
	VoiceTeach(ctx context.Context, phrase, entityID, speaker string) error
}

// teachPatterns match alias-teaching utterances after normalization, so the
// input is already lowercase with fillers stripped.
var teachPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^remember that (.+?) means (.+)$`),
	regexp.MustCompile(`^when i say (.+?) i mean (.+)$`),
}

type teachCommand struct {
	// Phrase is the new name the user wants understood.
	Phrase string

	// Target is the existing entity name the phrase should map to.
	Target string
}

// parseTeach recognizes a voice-teach command in a normalized utterance.
func parseTeach(normalized string) (teachCommand, bool) {
	for _, re := range teachPatterns {
		if m := re.FindStringSubmatch(normalized); m != nil {
			return teachCommand{Phrase: m[1], Target: m[2]}, true
		}
	}
	return teachCommand{}, false
}
