// Package mock provides a test double for the localintent.Classifier interface.
package mock

import (
	"context"
	"sync"

	"github.com/barnabee-home/barnabee/pkg/provider/localintent"
)

// ClassifyCall records a single invocation of Classify.
type ClassifyCall struct {
	Ctx  context.Context
	Text string
}

// Classifier is a mock implementation of localintent.Classifier.
type Classifier struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// ClassifyPredictions is returned by Classify. Should be ordered by
	// descending confidence, as a real model would return them.
	ClassifyPredictions []localintent.Prediction

	// ClassifyErr, if non-nil, is returned as the error from Classify.
	ClassifyErr error

	// ClassifyFunc, if non-nil, overrides the static fields above.
	ClassifyFunc func(ctx context.Context, text string) ([]localintent.Prediction, error)

	// Model is returned by ModelID. Defaults to "mock-intent-model" when empty.
	Model string

	// --- Call records (read after test) ---

	// ClassifyCalls records every invocation of Classify in order.
	ClassifyCalls []ClassifyCall
}

// Compile-time interface check.
var _ localintent.Classifier = (*Classifier)(nil)

// Classify implements localintent.Classifier.
func (c *Classifier) Classify(ctx context.Context, text string) ([]localintent.Prediction, error) {
	c.mu.Lock()
	c.ClassifyCalls = append(c.ClassifyCalls, ClassifyCall{Ctx: ctx, Text: text})
	fn := c.ClassifyFunc
	preds, err := c.ClassifyPredictions, c.ClassifyErr
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, text)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return preds, err
}

// ModelID implements localintent.Classifier.
func (c *Classifier) ModelID() string {
	if c.Model == "" {
		return "mock-intent-model"
	}
	return c.Model
}

// CallCount returns the number of Classify invocations recorded so far.
func (c *Classifier) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ClassifyCalls)
}
