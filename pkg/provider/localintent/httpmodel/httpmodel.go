// Package httpmodel provides a localintent.Classifier backed by a model server
// speaking a minimal JSON-over-HTTP protocol.
//
// The server exposes POST /classify accepting {"text": "..."} and returning
// {"model": "...", "predictions": [{"intent": "...", "confidence": 0.87}, ...]}
// ordered by descending confidence. Both the bundled training harness and a
// plain llama.cpp classifier wrapper speak this shape.
package httpmodel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/barnabee-home/barnabee/pkg/provider/localintent"
)

// DefaultBaseURL is the default address of a locally running model server.
const DefaultBaseURL = "http://localhost:8741"

// Compile-time interface check.
var _ localintent.Classifier = (*Classifier)(nil)

// Classifier implements localintent.Classifier over HTTP.
// Safe for concurrent use.
type Classifier struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// Option is a functional option for Classifier.
type Option func(*Classifier)

// WithTimeout sets a per-request HTTP timeout. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Classifier) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New constructs a Classifier.
//
// baseURL defaults to DefaultBaseURL when empty; a trailing slash is stripped.
// model names the served model version and must not be empty.
func New(baseURL string, model string, opts ...Option) (*Classifier, error) {
	if model == "" {
		return nil, fmt.Errorf("httpmodel: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Classifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// classifyRequest is the JSON body of a POST /classify request.
type classifyRequest struct {
	Text string `json:"text"`
}

// classifyResponse is the JSON body of a /classify response.
type classifyResponse struct {
	Model       string `json:"model"`
	Predictions []struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	} `json:"predictions"`
}

// Classify implements localintent.Classifier.
func (c *Classifier) Classify(ctx context.Context, text string) ([]localintent.Prediction, error) {
	body, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("httpmodel: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httpmodel: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpmodel: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpmodel: unexpected status %d", resp.StatusCode)
	}

	var result classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("httpmodel: decode response: %w", err)
	}
	if len(result.Predictions) == 0 {
		return nil, fmt.Errorf("httpmodel: empty predictions in response")
	}

	preds := make([]localintent.Prediction, len(result.Predictions))
	for i, p := range result.Predictions {
		preds[i] = localintent.Prediction{Intent: p.Intent, Confidence: p.Confidence}
	}
	return preds, nil
}

// ModelID implements localintent.Classifier.
func (c *Classifier) ModelID() string { return c.model }
