// Package httpclient implements the hub's REST transport, used as a degraded
// fallback when the WebSocket is down.
//
// The REST surface has no event stream, so the entity mirror cannot run on it;
// only GetStates and CallService are available and both hit the wire on every
// call.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/barnabee-home/barnabee/pkg/homeauto"
)

// Compile-time interface check.
var _ homeauto.Hub = (*Client)(nil)

// Client is a REST hub client. Safe for concurrent use.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// Option is a functional option for Client.
type Option func(*Client)

// WithTimeout sets a per-request HTTP timeout. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New constructs a Client. baseURL is the hub's HTTP address, e.g.
// "http://hub.local:8123"; a trailing slash is stripped.
func New(baseURL string, accessToken string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("httpclient: baseURL must not be empty")
	}
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		httpClient:  &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// GetStates implements homeauto.Hub via GET /api/states.
func (c *Client) GetStates(ctx context.Context) ([]homeauto.EntityState, error) {
	var states []homeauto.EntityState
	if err := c.do(ctx, http.MethodGet, "/api/states", nil, &states); err != nil {
		return nil, fmt.Errorf("httpclient: get states: %w", err)
	}
	return states, nil
}

// CallService implements homeauto.Hub via POST /api/services/{domain}/{service}.
func (c *Client) CallService(ctx context.Context, call homeauto.ServiceCall) error {
	payload := make(map[string]any, len(call.Data)+1)
	for k, v := range call.Data {
		payload[k] = v
	}
	if call.EntityID != "" {
		payload["entity_id"] = call.EntityID
	}
	path := fmt.Sprintf("/api/services/%s/%s", call.Domain, call.Service)
	if err := c.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("httpclient: call service %s.%s: %w", call.Domain, call.Service, err)
	}
	return nil
}

// do issues one authenticated JSON request and decodes the response into out
// when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return homeauto.ErrAuthFailed
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
