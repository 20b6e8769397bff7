package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":          {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings":   {"openai", "ollama"},
	"local_intent": {"httpmodel"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if cfg.Session.TTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("session.ttl_seconds %d must be positive", cfg.Session.TTLSeconds))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("local_intent", cfg.Providers.LocalIntent.Name)

	if cfg.Providers.EmbeddingDimensions <= 0 {
		errs = append(errs, fmt.Errorf("providers.embedding_dimensions %d must be positive", cfg.Providers.EmbeddingDimensions))
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; stage-4 classification, entity resolution, and response phrasing will run degraded")
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("providers.embeddings is not configured; stage-2 classification and hybrid memory search will be unavailable")
	}
	if cfg.Hub.WebSocketURL == "" {
		slog.Warn("hub.websocket_url is empty; the entity mirror will not start")
	}

	// Thresholds. Each stage threshold must sit in (0, 1] and the clarify
	// floor below the final stage's acceptance region.
	checkUnit := func(name string, v float64) {
		if v <= 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s %.3f is out of range (0, 1]", name, v))
		}
	}
	checkUnit("cascade.stage1_threshold", cfg.Cascade.Stage1Threshold)
	checkUnit("cascade.stage2_threshold", cfg.Cascade.Stage2Threshold)
	checkUnit("cascade.stage3_threshold", cfg.Cascade.Stage3Threshold)
	checkUnit("cascade.clarify_threshold", cfg.Cascade.ClarifyThreshold)
	if cfg.Cascade.Stage2TieBreakMargin < 0 || cfg.Cascade.Stage2TieBreakMargin >= 1 {
		errs = append(errs, fmt.Errorf("cascade.stage2_tie_break_margin %.3f is out of range [0, 1)", cfg.Cascade.Stage2TieBreakMargin))
	}
	if cfg.Cascade.Stage3TieBreakMargin < 0 || cfg.Cascade.Stage3TieBreakMargin >= 1 {
		errs = append(errs, fmt.Errorf("cascade.stage3_tie_break_margin %.3f is out of range [0, 1)", cfg.Cascade.Stage3TieBreakMargin))
	}

	if cfg.Speculative.Enabled {
		checkUnit("speculative.confidence_threshold", cfg.Speculative.ConfidenceThreshold)
		if cfg.Speculative.HeadStartMS < 0 {
			errs = append(errs, fmt.Errorf("speculative.head_start_ms %d must not be negative", cfg.Speculative.HeadStartMS))
		}
	}

	if cfg.Context.TokenBudget <= 0 {
		errs = append(errs, fmt.Errorf("context.token_budget %d must be positive", cfg.Context.TokenBudget))
	}

	if cfg.Improvement.Enabled {
		if cfg.Improvement.NightlySchedule == "" {
			errs = append(errs, errors.New("improvement.nightly_schedule is required when improvement is enabled"))
		}
		checkUnit("improvement.cluster_similarity", cfg.Improvement.ClusterSimilarity)
		if cfg.Improvement.ClusterMinSize < 1 {
			errs = append(errs, fmt.Errorf("improvement.cluster_min_size %d must be at least 1", cfg.Improvement.ClusterMinSize))
		}
		if cfg.Improvement.MonitoringHours <= 0 {
			errs = append(errs, fmt.Errorf("improvement.monitoring_hours %d must be positive", cfg.Improvement.MonitoringHours))
		}
	}

	if cfg.Orchestrator.RequestDeadlineMS <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.request_deadline_ms %d must be positive", cfg.Orchestrator.RequestDeadlineMS))
	}
	if cfg.Orchestrator.WorkerPoolSize < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.worker_pool_size %d must be at least 1", cfg.Orchestrator.WorkerPoolSize))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
