// Package resolve maps a spoken entity mention to a concrete smart-home
// entity.
//
// Resolution runs in two phases. Phase A is deterministic: exact match over
// friendly names and aliases, then fuzzy string similarity, both scoped by
// the intent's hub domain and biased toward the speaker's area. Phase B asks
// the LLM, constrained by a JSON schema and grounded with the phase-A
// candidate list. The resolver never reports "entity not found" while a
// viable candidate exists; a low-certainty pick is returned with the Guessed
// flag set so the response can invite correction.
package resolve

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/barnabee-home/barnabee/internal/intent"
	"github.com/barnabee-home/barnabee/internal/mirror"
	"github.com/barnabee-home/barnabee/internal/observe"
	"github.com/barnabee-home/barnabee/internal/signals"
)

// ErrNoCandidates is returned when the mirror holds nothing the mention could
// possibly refer to. The orchestrator turns it into a capability apology.
var ErrNoCandidates = errors.New("resolve: no candidate entities")

// fuzzyThreshold is the minimum normalized-Levenshtein similarity for phase A
// to decide without consulting the LLM.
const fuzzyThreshold = 0.85

// maxCandidates bounds the candidate list handed to the phase-B prompt.
const maxCandidates = 10

// Method records which path produced a resolution.
type Method string

const (
	MethodExact    Method = "exact"
	MethodFuzzy    Method = "fuzzy"
	MethodLLM      Method = "llm"
	MethodFallback Method = "fallback"
)

// intentDomains scopes phase A by the hub domain each control intent acts on.
var intentDomains = map[intent.Intent]string{
	intent.LightControl:   "light",
	intent.ClimateControl: "climate",
	intent.LockControl:    "lock",
	intent.CoverControl:   "cover",
	intent.MediaControl:   "media_player",
	intent.SceneControl:   "scene",
}

// Query is one resolution request.
type Query struct {
	RequestID string
	Utterance string

	// Mention is the entity reference extracted from the utterance,
	// e.g. "the living room lights".
	Mention string

	Intent  intent.Intent
	Speaker string

	// SpeakerArea biases candidate ranking toward the room the request came
	// from. Empty when the device has no area assignment.
	SpeakerArea string

	// RecentCommands are the last few resolved commands, newest first. Fed to
	// the phase-B prompt as disambiguation context.
	RecentCommands []string
}

// Resolution is the outcome. Entity is always populated on a nil error.
type Resolution struct {
	Entity       mirror.Entity
	Confidence   float64
	Method       Method
	Guessed      bool
	Alternatives []string
}

// AliasSuggester receives phase-B alias suggestions for the improvement
// pipeline.
type AliasSuggester interface {
	SuggestAlias(ctx context.Context, entityID, alias, speaker string) error
}

// Resolver resolves mentions against the entity mirror.
type Resolver struct {
	mirror  *mirror.Mirror
	llm     *llmPhase
	signals *signals.Buffer
	suggest AliasSuggester
}

// Option is a functional option for New.
type Option func(*Resolver)

// WithSignals attaches the signal buffer phase-B entries and guesses are
// reported to.
func WithSignals(buf *signals.Buffer) Option {
	return func(r *Resolver) { r.signals = buf }
}

// WithAliasSuggester attaches the sink for suggested aliases.
func WithAliasSuggester(s AliasSuggester) Option {
	return func(r *Resolver) { r.suggest = s }
}

// New builds a resolver. provider may be nil, in which case phase B is
// skipped and phase-A misses fall straight through to the best-guess path.
func New(m *mirror.Mirror, provider Provider, opts ...Option) (*Resolver, error) {
	r := &Resolver{mirror: m}
	if provider != nil {
		lp, err := newLLMPhase(provider)
		if err != nil {
			return nil, err
		}
		r.llm = lp
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Resolve maps q.Mention to an entity. The error is non-nil only when no
// candidate exists at all.
func (r *Resolver) Resolve(ctx context.Context, q Query) (Resolution, error) {
	mention := strings.ToLower(strings.TrimSpace(q.Mention))
	candidates := r.candidates(q.Intent)
	if len(candidates) == 0 {
		return Resolution{}, ErrNoCandidates
	}
	if mention == "" {
		// "Turn on the lights" with no mention resolves to the speaker's area.
		return r.fallback(ctx, q, candidates, nil)
	}

	// Phase A: exact, then fuzzy, area-scoped pass first.
	if res, ok := exactMatch(mention, candidates, q.SpeakerArea); ok {
		return res, nil
	}
	ranked := rankFuzzy(mention, candidates, q.SpeakerArea)
	if len(ranked) > 0 && ranked[0].score >= fuzzyThreshold {
		return Resolution{
			Entity:       ranked[0].entity,
			Confidence:   ranked[0].score,
			Method:       MethodFuzzy,
			Alternatives: alternativeIDs(ranked[1:]),
		}, nil
	}

	// Phase B: the deterministic passes missed.
	r.emitEntityFail(ctx, q, ranked)
	if r.llm != nil {
		res, err := r.llmResolve(ctx, q, ranked)
		if err == nil {
			return res, nil
		}
		observe.Logger(ctx).Warn("entity resolution llm phase failed",
			"request_id", q.RequestID, "mention", q.Mention, "error", err)
	}
	return r.fallback(ctx, q, candidates, ranked)
}

// candidates returns the domain-scoped candidate pool, or every entity when
// the intent has no fixed domain.
func (r *Resolver) candidates(in intent.Intent) []mirror.Entity {
	if domain, ok := intentDomains[in]; ok {
		return r.mirror.GetByDomain(domain)
	}
	return r.mirror.All()
}

type scoredEntity struct {
	entity mirror.Entity
	score  float64
}

// exactMatch looks for a literal name or alias hit. Multiple hits prefer the
// speaker's area.
func exactMatch(mention string, candidates []mirror.Entity, area string) (Resolution, bool) {
	var hits []mirror.Entity
	for _, e := range candidates {
		if strings.ToLower(e.FriendlyName) == mention {
			hits = append(hits, e)
			continue
		}
		for _, a := range e.Aliases {
			if a == mention {
				hits = append(hits, e)
				break
			}
		}
	}
	if len(hits) == 0 {
		return Resolution{}, false
	}
	pick := hits[0]
	if area != "" {
		for _, h := range hits {
			if strings.EqualFold(h.Area, area) {
				pick = h
				break
			}
		}
	}
	var alts []string
	for _, h := range hits {
		if h.ID != pick.ID {
			alts = append(alts, h.ID)
		}
	}
	return Resolution{Entity: pick, Confidence: 1.0, Method: MethodExact, Alternatives: alts}, true
}

// rankFuzzy scores every candidate by its best name/alias similarity to the
// mention, with a small boost for the speaker's area, sorted best first.
func rankFuzzy(mention string, candidates []mirror.Entity, area string) []scoredEntity {
	ranked := make([]scoredEntity, 0, len(candidates))
	for _, e := range candidates {
		best := similarity(mention, strings.ToLower(e.FriendlyName))
		for _, a := range e.Aliases {
			if s := similarity(mention, a); s > best {
				best = s
			}
		}
		if area != "" && strings.EqualFold(e.Area, area) {
			best += 0.02
			if best > 1 {
				best = 1
			}
		}
		ranked = append(ranked, scoredEntity{e, best})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].entity.ID < ranked[j].entity.ID
	})
	if len(ranked) > maxCandidates {
		ranked = ranked[:maxCandidates]
	}
	return ranked
}

// similarity is edit distance normalized to [0,1] over the longer string: 1
// means identical, 0 means every character differs.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	n := len([]rune(a))
	if m := len([]rune(b)); m > n {
		n = m
	}
	if n == 0 {
		return 1
	}
	return 1 - float64(matchr.Levenshtein(a, b))/float64(n)
}

// fallback is the never-fail path: best fuzzy candidate regardless of
// threshold, else the most recently changed entity in the speaker's area,
// else the first candidate. Always flagged as a guess.
func (r *Resolver) fallback(ctx context.Context, q Query, candidates []mirror.Entity, ranked []scoredEntity) (Resolution, error) {
	if len(ranked) > 0 {
		return Resolution{
			Entity:       ranked[0].entity,
			Confidence:   ranked[0].score,
			Method:       MethodFallback,
			Guessed:      true,
			Alternatives: alternativeIDs(ranked[1:]),
		}, nil
	}
	pool := candidates
	if q.SpeakerArea != "" {
		var inArea []mirror.Entity
		for _, e := range candidates {
			if strings.EqualFold(e.Area, q.SpeakerArea) {
				inArea = append(inArea, e)
			}
		}
		if len(inArea) > 0 {
			pool = inArea
		}
	}
	pick := pool[0]
	for _, e := range pool[1:] {
		if e.ChangedAt.After(pick.ChangedAt) {
			pick = e
		}
	}
	return Resolution{Entity: pick, Confidence: 0.3, Method: MethodFallback, Guessed: true}, nil
}

// emitEntityFail records that the deterministic phases could not resolve the
// mention. The improvement pipeline clusters these into alias candidates.
func (r *Resolver) emitEntityFail(ctx context.Context, q Query, ranked []scoredEntity) {
	if r.signals == nil {
		return
	}
	sig := signals.Signal{
		Kind:      signals.KindEntityFail,
		RequestID: q.RequestID,
		Speaker:   q.Speaker,
		Utterance: q.Utterance,
		Intent:    string(q.Intent),
		Expected:  q.Mention,
	}
	if len(ranked) > 0 {
		sig.Actual = ranked[0].entity.ID
		sig.Confidence = ranked[0].score
	}
	r.signals.Record(ctx, sig)
}

func alternativeIDs(ranked []scoredEntity) []string {
	var out []string
	for _, s := range ranked {
		if s.score >= 0.5 {
			out = append(out, s.entity.ID)
		}
		if len(out) == 3 {
			break
		}
	}
	return out
}
