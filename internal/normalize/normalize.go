// Package normalize prepares raw transcribed utterances for classification.
//
// Normalization is deterministic and purely textual: lowercase, strip wake
// words and politeness fillers, expand contractions, collapse whitespace. The
// same input always yields the same output, which stage 1 of the cascade
// relies on for stable pattern matching. The original text is preserved in
// [Result.Raw] because learning signals and operational logs must record what
// the user actually said.
package normalize

import (
	"sort"
	"strings"
	"unicode"
)

// defaultWakeWords are the leading invocation phrases stripped before
// classification when the deployment does not configure its own.
var defaultWakeWords = []string{
	"okay barnabee",
	"ok barnabee",
	"hey barnabee",
	"barnabee",
}

// politeness are filler words removed anywhere in the utterance. Matching is
// on word boundaries so "pleased" and "thanksgiving" survive.
var politeness = map[string]bool{
	"please": true,
	"thanks": true,
	"thank":  true,
	"kindly": true,
}

// contractions maps common spoken contractions to their expansions. Applied
// per word after lowercasing.
var contractions = map[string]string{
	"what's":    "what is",
	"it's":      "it is",
	"that's":    "that is",
	"there's":   "there is",
	"who's":     "who is",
	"where's":   "where is",
	"how's":     "how is",
	"i'm":       "i am",
	"i'd":       "i would",
	"i'll":      "i will",
	"don't":     "do not",
	"doesn't":   "does not",
	"isn't":     "is not",
	"aren't":    "are not",
	"won't":     "will not",
	"can't":     "can not",
	"couldn't":  "could not",
	"shouldn't": "should not",
	"wouldn't":  "would not",
	"let's":     "let us",
	"you're":    "you are",
	"they're":   "they are",
	"we're":     "we are",
}

// Result is the outcome of normalizing one utterance.
type Result struct {
	// Raw is the input exactly as received.
	Raw string

	// Text is the normalized utterance used for classification.
	Text string

	// WakeWord is the stripped invocation phrase, empty if none was present.
	WakeWord string

	// StrippedFillers lists politeness words removed, in order of appearance.
	StrippedFillers []string
}

// Normalizer strips a configured wake-word set on top of the fixed textual
// rules. Safe for concurrent use once built.
type Normalizer struct {
	wakeWords []string
}

// Option is a functional option for New.
type Option func(*Normalizer)

// WithWakeWords replaces the invocation phrases stripped from the front of an
// utterance. An empty list keeps the defaults.
func WithWakeWords(words []string) Option {
	return func(n *Normalizer) {
		cleaned := make([]string, 0, len(words))
		for _, w := range words {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				cleaned = append(cleaned, w)
			}
		}
		if len(cleaned) > 0 {
			n.wakeWords = cleaned
		}
	}
}

// New builds a normalizer. Wake words are ordered longest first so "hey
// barnabee" wins over "barnabee".
func New(opts ...Option) *Normalizer {
	n := &Normalizer{wakeWords: append([]string(nil), defaultWakeWords...)}
	for _, o := range opts {
		o(n)
	}
	sort.SliceStable(n.wakeWords, func(i, j int) bool {
		return len(n.wakeWords[i]) > len(n.wakeWords[j])
	})
	return n
}

var defaultNormalizer = New()

// Normalize produces the canonical classification form of raw using the
// default wake-word set.
func Normalize(raw string) Result {
	return defaultNormalizer.Normalize(raw)
}

// Normalize produces the canonical classification form of raw.
func (n *Normalizer) Normalize(raw string) Result {
	res := Result{Raw: raw}

	text := strings.ToLower(strings.TrimSpace(raw))
	text = stripPunctuation(text)
	text = collapseWhitespace(text)

	for _, ww := range n.wakeWords {
		if text == ww {
			res.WakeWord = ww
			text = ""
			break
		}
		if strings.HasPrefix(text, ww+" ") {
			res.WakeWord = ww
			text = strings.TrimSpace(text[len(ww):])
			break
		}
	}

	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	for _, w := range words {
		if politeness[w] {
			res.StrippedFillers = append(res.StrippedFillers, w)
			continue
		}
		if exp, ok := contractions[w]; ok {
			out = append(out, strings.Fields(exp)...)
			continue
		}
		out = append(out, w)
	}

	res.Text = strings.Join(out, " ")
	return res
}

// stripPunctuation removes terminal and sentence punctuation but keeps
// apostrophes, which contraction expansion needs, and digits/colons so times
// like "6:30" survive.
func stripPunctuation(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\'' || r == ':':
			b.WriteRune(r)
		case unicode.IsPunct(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// collapseWhitespace squeezes runs of whitespace into single spaces.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
