package improve

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/barnabee-home/barnabee/internal/intent"
	"github.com/barnabee-home/barnabee/internal/signals"
	"github.com/barnabee-home/barnabee/internal/store"
)

// Improvement types.
const (
	TypeAlias    = "alias"
	TypeExemplar = "exemplar"
	TypeSynonym  = "synonym"
	TypePattern  = "pattern"
	TypeTemplate = "template"
)

// maxClusterUtterances bounds how many exemplars one cluster may propose.
const maxClusterUtterances = 5

// cluster is a group of signals whose utterances embed close together.
type cluster struct {
	signals  []signals.Signal
	centroid []float32
	weight   int
}

// clusterSignals groups signals greedily: each signal joins the first cluster
// whose centroid is within minSim, else starts a new one. Order-dependent but
// stable for a stable input order, which the store guarantees.
func clusterSignals(sigs []signals.Signal, vecs [][]float32, minSim float64) []cluster {
	var clusters []cluster
	for i, sig := range sigs {
		vec := vecs[i]
		placed := false
		for c := range clusters {
			if intent.CosineSimilarity(vec, clusters[c].centroid) >= minSim {
				clusters[c].signals = append(clusters[c].signals, sig)
				clusters[c].centroid = foldMean(clusters[c].centroid, vec, clusters[c].weight)
				clusters[c].weight++
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, cluster{
				signals:  []signals.Signal{sig},
				centroid: append([]float32(nil), vec...),
				weight:   1,
			})
		}
	}
	return clusters
}

// foldMean updates a running mean vector with one more sample.
func foldMean(mean, vec []float32, n int) []float32 {
	out := make([]float32, len(mean))
	for i := range mean {
		out[i] = (mean[i]*float32(n) + vec[i]) / float32(n+1)
	}
	return out
}

// dominantKind returns the most frequent signal kind in the cluster.
func (c cluster) dominantKind() signals.Kind {
	counts := make(map[signals.Kind]int)
	for _, s := range c.signals {
		counts[s.Kind]++
	}
	var best signals.Kind
	bestN := -1
	for k, n := range counts {
		if n > bestN || (n == bestN && k < best) {
			best, bestN = k, n
		}
	}
	return best
}

// modal returns the most frequent non-empty value of pick across the cluster.
func (c cluster) modal(pick func(signals.Signal) string) string {
	counts := make(map[string]int)
	for _, s := range c.signals {
		if v := strings.TrimSpace(pick(s)); v != "" {
			counts[v]++
		}
	}
	var best string
	bestN := -1
	for v, n := range counts {
		if n > bestN || (n == bestN && v < best) {
			best, bestN = v, n
		}
	}
	return best
}

// utterances returns up to max distinct utterances, most frequent first.
func (c cluster) utterances(max int) []string {
	counts := make(map[string]int)
	for _, s := range c.signals {
		if u := strings.TrimSpace(s.Utterance); u != "" {
			counts[u]++
		}
	}
	keys := make([]string, 0, len(counts))
	for u := range counts {
		keys = append(keys, u)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > max {
		keys = keys[:max]
	}
	return keys
}

func (c cluster) signalIDs() []string {
	out := make([]string, len(c.signals))
	for i, s := range c.signals {
		out[i] = s.ID
	}
	return out
}

// patternProposal is the proposed-value document of a pattern improvement.
type patternProposal struct {
	Pattern string `json:"pattern"`
	Intent  string `json:"intent"`
}

// propose routes a cluster to an improvement by its dominant signal kind.
// Returns nil when the cluster carries too little to act on.
func propose(c cluster) *store.Improvement {
	kind := c.dominantKind()
	switch kind {
	case signals.KindLLMFallback, signals.KindLowConfidence:
		// Utterances the cheap stages keep missing become exemplars for the
		// intent the fallback settled on.
		target := c.modal(func(s signals.Signal) string { return s.Intent })
		if target == "" || target == string(intent.Unknown) {
			return nil
		}
		utterances := c.utterances(maxClusterUtterances)
		proposed, _ := json.Marshal(utterances)
		return &store.Improvement{
			Type:          TypeExemplar,
			Tier:          1,
			Target:        target,
			ProposedValue: string(proposed),
			Rationale: fmt.Sprintf("%d %s signals clustered on utterances the fast stages missed for %s",
				len(c.signals), kind, target),
			SignalIDs: c.signalIDs(),
			Source:    "automatic",
		}
	case signals.KindEntityFail:
		entityID := c.modal(func(s signals.Signal) string { return s.Actual })
		mention := c.modal(func(s signals.Signal) string { return s.Expected })
		if entityID == "" || mention == "" {
			return nil
		}
		return &store.Improvement{
			Type:          TypeAlias,
			Tier:          1,
			Target:        entityID,
			ProposedValue: mention,
			Rationale: fmt.Sprintf("%d resolutions of %q fell through to the guess path; alias it to %s",
				len(c.signals), mention, entityID),
			SignalIDs: c.signalIDs(),
			Source:    "automatic",
		}
	case signals.KindCorrection, signals.KindExplicitFeedback:
		expected := c.modal(func(s signals.Signal) string { return s.Expected })
		if !intent.Intent(expected).IsValid() {
			return nil
		}
		proposed, _ := json.Marshal(patternProposal{
			Pattern: c.modal(func(s signals.Signal) string { return s.Utterance }),
			Intent:  expected,
		})
		return &store.Improvement{
			Type:          TypePattern,
			Tier:          2,
			Target:        expected,
			CurrentValue:  c.modal(func(s signals.Signal) string { return s.Actual }),
			ProposedValue: string(proposed),
			Rationale: fmt.Sprintf("%d corrections reclassify this phrasing as %s",
				len(c.signals), expected),
			SignalIDs: c.signalIDs(),
			Source:    "automatic",
		}
	}
	return nil
}
