package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// newTestServer returns an httptest server that answers /api/embed with one
// fixed vector per input text.
func newTestServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := embedResponse{Model: req.Model}
		for range req.Input {
			vec := make([]float32, dims)
			for i := range vec {
				vec[i] = float32(i)
			}
			resp.Embeddings = append(resp.Embeddings, vec)
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestNewValidation(t *testing.T) {
	if _, err := New("http://localhost:11434", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
	p, err := New("", "nomic-embed-text")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.baseURL != DefaultBaseURL {
		t.Errorf("baseURL = %q, want %q", p.baseURL, DefaultBaseURL)
	}
	p, err = New("http://example.com/", "all-minilm")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.baseURL != "http://example.com" {
		t.Errorf("trailing slash not stripped: %q", p.baseURL)
	}
}

func TestEmbed(t *testing.T) {
	srv := newTestServer(t, 4)
	defer srv.Close()

	p, err := New(srv.URL, "test-model", WithDimensions(4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vec, err := p.Embed(context.Background(), "turn on the lights")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 4 {
		t.Errorf("len(vec) = %d, want 4", len(vec))
	}
}

func TestEmbedBatch(t *testing.T) {
	srv := newTestServer(t, 4)
	defer srv.Close()

	p, err := New(srv.URL, "test-model", WithDimensions(4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 3 {
		t.Errorf("len(vecs) = %d, want 3", len(vecs))
	}

	vecs, err = p.EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("empty batch = (%v, %v), want (nil, nil)", vecs, err)
	}
}

func TestEmbedServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := New(srv.URL, "test-model", WithDimensions(4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestDimensions(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"nomic-embed-text", 768},
		{"mxbai-embed-large", 1024},
		{"all-minilm", 384},
	}
	for _, tt := range tests {
		p, err := New("http://unused.invalid", tt.model)
		if err != nil {
			t.Fatalf("New(%q): %v", tt.model, err)
		}
		if got := p.Dimensions(); got != tt.want {
			t.Errorf("Dimensions(%q) = %d, want %d", tt.model, got, tt.want)
		}
	}
}

func TestDimensionsProbe(t *testing.T) {
	srv := newTestServer(t, 7)
	defer srv.Close()

	p, err := New(srv.URL, "unknown-model")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Dimensions(); got != 7 {
		t.Errorf("probed Dimensions = %d, want 7", got)
	}
}
