package main

import (
	"errors"
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/barnabee-home/barnabee/internal/config"
	"github.com/barnabee-home/barnabee/internal/orchestrator"
	"github.com/barnabee-home/barnabee/pkg/provider/embeddings"
	ollamaembed "github.com/barnabee-home/barnabee/pkg/provider/embeddings/ollama"
	oaembed "github.com/barnabee-home/barnabee/pkg/provider/embeddings/openai"
	"github.com/barnabee-home/barnabee/pkg/provider/llm"
	"github.com/barnabee-home/barnabee/pkg/provider/llm/anyllm"
	"github.com/barnabee-home/barnabee/pkg/provider/localintent"
	"github.com/barnabee-home/barnabee/pkg/provider/localintent/httpmodel"
)

// providerSet holds the instantiated model backends. Any field may be nil;
// the pipeline degrades stage by stage rather than refusing to start.
type providerSet struct {
	LLM         llm.Provider
	Embeddings  embeddings.Provider
	LocalIntent localintent.Classifier
}

// registerBuiltinProviders wires the built-in provider factories into reg.
// dims is the configured embedding width, forwarded to embeddings backends
// that truncate server-side.
func registerBuiltinProviders(reg *config.Registry, dims int) {
	// Hosted LLM backends share one shape: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; BaseURL carries the address, no API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		opts := []oaembed.Option{oaembed.WithDimensions(dims)}
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model, ollamaembed.WithDimensions(dims))
	})

	reg.RegisterLocalIntent("httpmodel", func(entry config.ProviderEntry) (localintent.Classifier, error) {
		return httpmodel.New(entry.BaseURL, entry.Model)
	})
}

// buildProviders instantiates every provider named in cfg. Unconfigured kinds
// stay nil; a configured kind that fails to construct aborts startup as a
// configuration error.
func buildProviders(cfg *config.Config, reg *config.Registry) (*providerSet, error) {
	ps := &providerSet{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, providerErr("llm", name, err)
		}
		ps.LLM = p
		slog.Info("provider created", "kind", "llm", "name", name, "model", cfg.Providers.LLM.Model)
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, providerErr("embeddings", name, err)
		}
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", name, "model", cfg.Providers.Embeddings.Model)
	}

	if name := cfg.Providers.LocalIntent.Name; name != "" {
		p, err := reg.CreateLocalIntent(cfg.Providers.LocalIntent)
		if err != nil {
			return nil, providerErr("local_intent", name, err)
		}
		ps.LocalIntent = p
		slog.Info("provider created", "kind", "local_intent", "name", name, "model", cfg.Providers.LocalIntent.Model)
	}

	return ps, nil
}

func providerErr(kind, name string, err error) error {
	if errors.Is(err, config.ErrProviderNotRegistered) {
		return fmt.Errorf("%w: unknown %s provider %q", orchestrator.ErrConfiguration, kind, name)
	}
	return fmt.Errorf("%w: create %s provider %q: %v", orchestrator.ErrConfiguration, kind, name, err)
}
