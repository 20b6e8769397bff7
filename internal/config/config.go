// Package config provides the configuration schema, loader, and provider
// registry for the Barnabee request core.
package config

import "time"

// LogLevel controls log verbosity for the Barnabee server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Barnabee.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Session      SessionConfig      `yaml:"session"`
	Hub          HubConfig          `yaml:"hub"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Cascade      CascadeConfig      `yaml:"cascade"`
	Speculative  SpeculativeConfig  `yaml:"speculative"`
	Normalize    NormalizeConfig    `yaml:"normalize"`
	Context      ContextConfig      `yaml:"context"`
	Improvement  ImprovementConfig  `yaml:"improvement"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

// ServerConfig holds network and logging settings for the admin surface
// (health endpoints and the Prometheus scrape endpoint).
type ServerConfig struct {
	// ListenAddr is the TCP address the admin server listens on (e.g., ":8099").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// StoreConfig holds settings for the embedded SQLite store.
type StoreConfig struct {
	// Path is the SQLite database file. The directory must exist.
	Path string `yaml:"path"`

	// BusyTimeoutMS is the SQLite busy_timeout pragma in milliseconds.
	BusyTimeoutMS int `yaml:"busy_timeout_ms"`
}

// SessionConfig holds settings for the Redis-backed session store.
type SessionConfig struct {
	// RedisAddr is the Redis host:port.
	RedisAddr string `yaml:"redis_addr"`

	// RedisPassword authenticates against Redis. Empty means no auth.
	RedisPassword string `yaml:"redis_password"`

	// RedisDB selects the Redis logical database.
	RedisDB int `yaml:"redis_db"`

	// TTLSeconds is the idle lifetime of every session slot. All slot kinds
	// share the same TTL so a session expires as a unit.
	TTLSeconds int `yaml:"ttl_seconds"`
}

// HubConfig holds connection settings for the home automation hub.
type HubConfig struct {
	// WebSocketURL is the hub's WebSocket endpoint,
	// e.g. "ws://hub.local:8123/api/websocket".
	WebSocketURL string `yaml:"websocket_url"`

	// HTTPURL is the hub's REST endpoint, used as a fallback for service
	// calls when the socket is down. e.g. "http://hub.local:8123".
	HTTPURL string `yaml:"http_url"`

	// AccessToken authenticates against both transports.
	AccessToken string `yaml:"access_token"`

	// ReconnectMaxBackoffSeconds caps the exponential reconnect backoff.
	ReconnectMaxBackoffSeconds int `yaml:"reconnect_max_backoff_seconds"`
}

// ProvidersConfig declares which provider implementation to use for each
// model-backed concern. Each Name selects a factory registered in [Registry].
type ProvidersConfig struct {
	LLM         ProviderEntry `yaml:"llm"`
	Embeddings  ProviderEntry `yaml:"embeddings"`
	LocalIntent ProviderEntry `yaml:"local_intent"`

	// EmbeddingDimensions is the vector dimension of the configured embeddings
	// model. Must match the dimension the store's vector tables were created
	// with; a mismatch fails startup.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// ProviderEntry is the common configuration block shared by all provider kinds.
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "openai", "ollama", "httpmodel").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "gpt-4o-mini", "nomic-embed-text").
	Model string `yaml:"model"`
}

// CascadeConfig holds the confidence thresholds and tie-break margins for the
// four classification stages.
type CascadeConfig struct {
	// Stage1Threshold is the minimum pattern-match confidence. Matches at or
	// above it decide immediately.
	Stage1Threshold float64 `yaml:"stage1_threshold"`

	// Stage2Threshold is the minimum centroid cosine similarity.
	Stage2Threshold float64 `yaml:"stage2_threshold"`

	// Stage2TieBreakMargin forwards to stage 3 when the top two centroid
	// scores are closer than this, even above Stage2Threshold.
	Stage2TieBreakMargin float64 `yaml:"stage2_tie_break_margin"`

	// Stage3Threshold is the minimum local model confidence.
	Stage3Threshold float64 `yaml:"stage3_threshold"`

	// Stage3TieBreakMargin forwards to stage 4 when the local model's top two
	// confidences are closer than this.
	Stage3TieBreakMargin float64 `yaml:"stage3_tie_break_margin"`

	// ClarifyThreshold is the floor below which the final stage's answer
	// becomes a clarification question instead of an action.
	ClarifyThreshold float64 `yaml:"clarify_threshold"`
}

// SpeculativeConfig controls speculative execution of high-confidence intents.
type SpeculativeConfig struct {
	// Enabled turns speculative execution on.
	Enabled bool `yaml:"enabled"`

	// ConfidenceThreshold is the minimum classification confidence required
	// to start an action before the full pipeline finishes.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// HeadStartMS is how long before pipeline completion a speculative action
	// may begin.
	HeadStartMS int `yaml:"head_start_ms"`
}

// NormalizeConfig controls utterance normalization.
type NormalizeConfig struct {
	// WakeWords are the invocation phrases stripped from the front of an
	// utterance before classification. Longest match wins.
	WakeWords []string `yaml:"wake_words"`
}

// ContextConfig controls LLM prompt context assembly.
type ContextConfig struct {
	// TokenBudget caps the entity-state portion of an LLM prompt.
	TokenBudget int `yaml:"token_budget"`
}

// ImprovementConfig controls the self-improvement pipeline.
type ImprovementConfig struct {
	// Enabled turns the pipeline on. When false no cron jobs are scheduled.
	Enabled bool `yaml:"enabled"`

	// NightlySchedule is the cron expression for the analysis run.
	NightlySchedule string `yaml:"nightly_schedule"`

	// ClusterSimilarity is the minimum pairwise cosine similarity for two
	// failed utterances to land in the same cluster.
	ClusterSimilarity float64 `yaml:"cluster_similarity"`

	// ClusterMinSize is the minimum cluster size worth proposing a fix for.
	ClusterMinSize int `yaml:"cluster_min_size"`

	// MonitoringHours is how long an applied improvement stays under watch
	// before it is considered settled.
	MonitoringHours int `yaml:"monitoring_hours"`

	// RollbackSuccessDrop triggers rollback when the affected intent's success
	// rate drops by more than this fraction against its pre-apply baseline.
	RollbackSuccessDrop float64 `yaml:"rollback_success_drop"`

	// RollbackLatencyMS triggers rollback when p95 classification latency
	// regresses by more than this many milliseconds.
	RollbackLatencyMS int `yaml:"rollback_latency_ms"`

	// RollbackOverrideRate triggers rollback when the user-override rate for
	// the affected intent exceeds this fraction.
	RollbackOverrideRate float64 `yaml:"rollback_override_rate"`
}

// OrchestratorConfig controls the per-request pipeline.
type OrchestratorConfig struct {
	// RequestDeadlineMS is the end-to-end budget for one utterance.
	RequestDeadlineMS int `yaml:"request_deadline_ms"`

	// WorkerPoolSize bounds concurrently processed utterances.
	WorkerPoolSize int `yaml:"worker_pool_size"`

	// DeviceAreas maps satellite device IDs to the area they sit in, so "the
	// lights" from the kitchen tablet means the kitchen lights.
	DeviceAreas map[string]string `yaml:"device_areas"`
}

// Default returns a Config populated with production defaults. Loading a file
// overlays on top of this, so an empty file yields a runnable config apart
// from the hub and provider credentials.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8099",
			LogLevel:   LogInfo,
		},
		Store: StoreConfig{
			Path:          "barnabee.db",
			BusyTimeoutMS: 5000,
		},
		Session: SessionConfig{
			RedisAddr:  "localhost:6379",
			TTLSeconds: 1800,
		},
		Hub: HubConfig{
			ReconnectMaxBackoffSeconds: 60,
		},
		Providers: ProvidersConfig{
			EmbeddingDimensions: 768,
		},
		Cascade: CascadeConfig{
			Stage1Threshold:      0.95,
			Stage2Threshold:      0.85,
			Stage2TieBreakMargin: 0.02,
			Stage3Threshold:      0.80,
			Stage3TieBreakMargin: 0.05,
			ClarifyThreshold:     0.70,
		},
		Speculative: SpeculativeConfig{
			Enabled:             true,
			ConfidenceThreshold: 0.98,
			HeadStartMS:         100,
		},
		Normalize: NormalizeConfig{
			WakeWords: []string{"okay barnabee", "ok barnabee", "hey barnabee", "barnabee"},
		},
		Context: ContextConfig{
			TokenBudget: 500,
		},
		Improvement: ImprovementConfig{
			Enabled:              true,
			NightlySchedule:      "0 3 * * *",
			ClusterSimilarity:    0.85,
			ClusterMinSize:       3,
			MonitoringHours:      24,
			RollbackSuccessDrop:  0.02,
			RollbackLatencyMS:    50,
			RollbackOverrideRate: 0.05,
		},
		Orchestrator: OrchestratorConfig{
			RequestDeadlineMS: 2000,
			WorkerPoolSize:    4,
		},
	}
}

// SessionTTL returns the session TTL as a Duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLSeconds) * time.Second
}

// RequestDeadline returns the per-utterance deadline as a Duration.
func (c *Config) RequestDeadline() time.Duration {
	return time.Duration(c.Orchestrator.RequestDeadlineMS) * time.Millisecond
}

// SpeculativeHeadStart returns the speculative head start as a Duration.
func (c *Config) SpeculativeHeadStart() time.Duration {
	return time.Duration(c.Speculative.HeadStartMS) * time.Millisecond
}

// HubMaxBackoff returns the reconnect backoff cap as a Duration.
func (c *Config) HubMaxBackoff() time.Duration {
	return time.Duration(c.Hub.ReconnectMaxBackoffSeconds) * time.Second
}

// RollbackLatencyRise returns the rollback latency trigger as a Duration.
func (c *Config) RollbackLatencyRise() time.Duration {
	return time.Duration(c.Improvement.RollbackLatencyMS) * time.Millisecond
}
