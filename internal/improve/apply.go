package improve

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/barnabee-home/barnabee/internal/intent"
	"github.com/barnabee-home/barnabee/internal/mirror"
	"github.com/barnabee-home/barnabee/internal/store"
	"github.com/barnabee-home/barnabee/pkg/provider/embeddings"
)

// LiveData binds the pipeline to the data the improvements actually change:
// the S1 pattern table, the S2 centroids with their backing exemplars, and
// the entity alias sets. It owns the authoritative pattern list so a staged
// candidate can be built without mutating the live stage.
type LiveData struct {
	Store    *store.Store
	Mirror   *mirror.Mirror
	Patterns *intent.PatternStage
	Centroid *intent.CentroidStage
	Embedder embeddings.Provider

	mu          sync.Mutex
	patternList []intent.Pattern
}

// SetPatternList installs the current pattern table. Call once at startup
// with the same set handed to the live stage.
func (d *LiveData) SetPatternList(patterns []intent.Pattern) {
	d.mu.Lock()
	d.patternList = append([]intent.Pattern(nil), patterns...)
	d.mu.Unlock()
}

// currentPatterns returns a copy of the authoritative pattern table.
func (d *LiveData) currentPatterns() []intent.Pattern {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]intent.Pattern(nil), d.patternList...)
}

// Baseline evaluates with the live deterministic stages and the live alias
// sets. The shadow test deliberately excludes S3/S4; improvements only change
// S1/S2 data and aliases, and the LLM would add noise and cost to every run.
func (d *LiveData) Baseline() Evaluator {
	return d.evaluator(nil, d.Patterns, d.Centroid)
}

// Candidate builds an evaluator with imp staged on cloned data. Live stages
// are never touched.
func (d *LiveData) Candidate(ctx context.Context, imp store.Improvement) (Evaluator, error) {
	switch imp.Type {
	case TypeExemplar:
		var utterances []string
		if err := json.Unmarshal([]byte(imp.ProposedValue), &utterances); err != nil {
			return nil, fmt.Errorf("improve: decode exemplar proposal: %w", err)
		}
		exemplars, err := d.intentExemplars(ctx)
		if err != nil {
			return nil, err
		}
		target := intent.Intent(imp.Target)
		exemplars[target] = append(exemplars[target], utterances...)
		centroids, err := intent.BuildCentroids(ctx, d.Embedder, exemplars)
		if err != nil {
			return nil, fmt.Errorf("improve: build candidate centroids: %w", err)
		}
		staged := intent.NewCentroidStage(d.Embedder, 0.85, 0.02)
		staged.SetCentroids(centroids)
		return d.evaluator(nil, d.Patterns, staged), nil

	case TypePattern:
		var prop patternProposal
		if err := json.Unmarshal([]byte(imp.ProposedValue), &prop); err != nil {
			return nil, fmt.Errorf("improve: decode pattern proposal: %w", err)
		}
		staged := intent.NewPatternStage(0.95)
		staged.SetPatterns(append(d.currentPatterns(), intent.Pattern{
			Template: prop.Pattern,
			Intent:   intent.Intent(prop.Intent),
		}))
		return d.evaluator(nil, staged, d.Centroid), nil

	case TypeAlias, TypeSynonym:
		// Aliases change resolution, not classification. The candidate overlays
		// the proposed mention on the live alias sets so golden cases that
		// expect the target entity can tell the two evaluators apart.
		return d.evaluator(map[string]string{imp.ProposedValue: imp.Target}, d.Patterns, d.Centroid), nil
	}
	return nil, fmt.Errorf("improve: no candidate builder for type %q", imp.Type)
}

// Snapshot captures the pre-change value of the improvement's target as a
// JSON document for the backup row.
func (d *LiveData) Snapshot(ctx context.Context, imp store.Improvement) (string, error) {
	switch imp.Type {
	case TypeExemplar:
		exemplars, err := d.Store.ExemplarsByIntent(ctx)
		if err != nil {
			return "", err
		}
		raw, err := json.Marshal(exemplars[imp.Target])
		if err != nil {
			return "", fmt.Errorf("improve: encode exemplar snapshot: %w", err)
		}
		return string(raw), nil
	case TypeAlias, TypeSynonym:
		aliases, err := d.Store.EntityAliases(ctx, imp.Target)
		if err != nil {
			return "", err
		}
		raw, err := json.Marshal(aliases)
		if err != nil {
			return "", fmt.Errorf("improve: encode alias snapshot: %w", err)
		}
		return string(raw), nil
	case TypePattern:
		raw, err := json.Marshal(d.currentPatterns())
		if err != nil {
			return "", fmt.Errorf("improve: encode pattern snapshot: %w", err)
		}
		return string(raw), nil
	}
	return "", fmt.Errorf("improve: no snapshot for type %q", imp.Type)
}

// Apply commits imp to the persistent data and reloads the live stages.
func (d *LiveData) Apply(ctx context.Context, imp store.Improvement) error {
	switch imp.Type {
	case TypeExemplar:
		var utterances []string
		if err := json.Unmarshal([]byte(imp.ProposedValue), &utterances); err != nil {
			return fmt.Errorf("improve: decode exemplar proposal: %w", err)
		}
		for _, u := range utterances {
			if err := d.Store.AddTrainingExample(ctx, store.TrainingExample{
				Utterance: u,
				Intent:    imp.Target,
				Source:    "improvement",
			}); err != nil {
				return err
			}
		}
		return d.reloadCentroids(ctx)

	case TypeAlias, TypeSynonym:
		if err := d.Store.AddEntityAlias(ctx, imp.ProposedValue, imp.Target, imp.Source); err != nil {
			return err
		}
		d.Mirror.AddAlias(imp.Target, imp.ProposedValue)
		return nil

	case TypePattern:
		var prop patternProposal
		if err := json.Unmarshal([]byte(imp.ProposedValue), &prop); err != nil {
			return fmt.Errorf("improve: decode pattern proposal: %w", err)
		}
		p := intent.Pattern{Template: prop.Pattern, Intent: intent.Intent(prop.Intent)}
		d.mu.Lock()
		d.patternList = append(d.patternList, p)
		d.mu.Unlock()
		d.Patterns.AddPatterns([]intent.Pattern{p})
		return nil
	}
	return fmt.Errorf("improve: cannot apply type %q", imp.Type)
}

// Revert restores the target from its backup snapshot and reloads.
func (d *LiveData) Revert(ctx context.Context, imp store.Improvement, snapshot string) error {
	switch imp.Type {
	case TypeExemplar:
		var utterances []string
		if err := json.Unmarshal([]byte(snapshot), &utterances); err != nil {
			return fmt.Errorf("improve: decode exemplar snapshot: %w", err)
		}
		if err := d.Store.ReplaceIntentExemplars(ctx, imp.Target, utterances); err != nil {
			return err
		}
		return d.reloadCentroids(ctx)

	case TypeAlias, TypeSynonym:
		if err := d.Store.RemoveEntityAlias(ctx, imp.ProposedValue, imp.Target); err != nil {
			return err
		}
		d.Mirror.RemoveAlias(imp.Target, imp.ProposedValue)
		return nil

	case TypePattern:
		var patterns []intent.Pattern
		if err := json.Unmarshal([]byte(snapshot), &patterns); err != nil {
			return fmt.Errorf("improve: decode pattern snapshot: %w", err)
		}
		d.mu.Lock()
		d.patternList = append([]intent.Pattern(nil), patterns...)
		d.mu.Unlock()
		d.Patterns.SetPatterns(patterns)
		return nil
	}
	return fmt.Errorf("improve: cannot revert type %q", imp.Type)
}

// reloadCentroids rebuilds the live S2 centroids from the stored exemplars.
func (d *LiveData) reloadCentroids(ctx context.Context) error {
	exemplars, err := d.intentExemplars(ctx)
	if err != nil {
		return err
	}
	centroids, err := intent.BuildCentroids(ctx, d.Embedder, exemplars)
	if err != nil {
		return fmt.Errorf("improve: rebuild centroids: %w", err)
	}
	d.Centroid.SetCentroids(centroids)
	return nil
}

func (d *LiveData) intentExemplars(ctx context.Context) (map[intent.Intent][]string, error) {
	byLabel, err := d.Store.ExemplarsByIntent(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[intent.Intent][]string, len(byLabel))
	for label, utterances := range byLabel {
		out[intent.Intent(label)] = utterances
	}
	return out, nil
}

// evaluator builds an [Evaluator] from a stage order plus an alias overlay.
// The overlay maps mention text to entity ID and stands in for an alias that
// is staged but not yet applied to the mirror.
func (d *LiveData) evaluator(overlay map[string]string, stages ...intent.Stage) Evaluator {
	return func(ctx context.Context, utterance string) (Evaluation, error) {
		return Evaluation{
			Intent:   classifyWith(ctx, utterance, stages),
			Entities: d.resolveMentions(utterance, overlay),
		}, nil
	}
}

// classifyWith runs the stages in order, first decision wins.
func classifyWith(ctx context.Context, utterance string, stages []intent.Stage) string {
	for _, s := range stages {
		res, err := s.Classify(ctx, utterance)
		if err != nil {
			continue
		}
		if cls, ok := res.Decision(); ok {
			return string(cls.Intent)
		}
	}
	return string(intent.Unknown)
}

// resolveMentions returns the IDs of entities whose friendly name or any
// alias appears in the utterance. Word-bounded substring containment over the
// lowercased text is cruder than the live resolver; the shadow test only
// needs to see whether a staged alias makes an expected entity reachable.
func (d *LiveData) resolveMentions(utterance string, overlay map[string]string) []string {
	text := " " + strings.ToLower(utterance) + " "
	contains := func(mention string) bool {
		mention = strings.ToLower(strings.TrimSpace(mention))
		return mention != "" && strings.Contains(text, " "+mention+" ")
	}

	var ids []string
	for _, ent := range d.Mirror.All() {
		hit := contains(ent.FriendlyName)
		for _, alias := range ent.Aliases {
			if hit {
				break
			}
			hit = contains(alias)
		}
		if hit {
			ids = append(ids, ent.ID)
		}
	}
	for mention, id := range overlay {
		if contains(mention) && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}
