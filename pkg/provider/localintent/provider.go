// Package localintent defines the Classifier interface for the local intent
// model used by the third cascade stage.
//
// The local model is a small fine-tuned classifier hosted out of process
// (typically on the same machine, optionally on a GPU). It returns a ranked
// list of candidate intents with confidences, which the cascade needs in full:
// the stage-3 tie-break compares the top two candidates, not just the best.
//
// Implementations must be safe for concurrent use.
package localintent

import "context"

// Prediction is one candidate intent with its confidence.
type Prediction struct {
	// Intent is a leaf intent label from the taxonomy.
	Intent string

	// Confidence is the model's score in [0.0, 1.0].
	Confidence float64
}

// Classifier is the abstraction over the local intent model.
type Classifier interface {
	// Classify scores text against the intent taxonomy and returns candidates
	// ordered by descending confidence. The result is never empty on success;
	// a model that cannot score anything returns an error.
	Classify(ctx context.Context, text string) ([]Prediction, error)

	// ModelID returns the model identifier, recorded in operational logs and
	// on improvement records so retrained model versions are distinguishable.
	ModelID() string
}
