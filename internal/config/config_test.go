package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("Validate(Default()) = %v", err)
	}
}

func TestLoadFromReaderOverlaysDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
store:
  path: /var/lib/barnabee/core.db
session:
  ttl_seconds: 900
cascade:
  stage1_threshold: 0.97
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Store.Path != "/var/lib/barnabee/core.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
	if cfg.Session.TTLSeconds != 900 {
		t.Errorf("Session.TTLSeconds = %d", cfg.Session.TTLSeconds)
	}
	if cfg.Cascade.Stage1Threshold != 0.97 {
		t.Errorf("Stage1Threshold = %v", cfg.Cascade.Stage1Threshold)
	}
	// Unset fields keep defaults.
	if cfg.Cascade.Stage2Threshold != 0.85 {
		t.Errorf("Stage2Threshold = %v, want default 0.85", cfg.Cascade.Stage2Threshold)
	}
	if cfg.Speculative.ConfidenceThreshold != 0.98 {
		t.Errorf("Speculative.ConfidenceThreshold = %v, want default 0.98", cfg.Speculative.ConfidenceThreshold)
	}
	if cfg.Improvement.NightlySchedule != "0 3 * * *" {
		t.Errorf("NightlySchedule = %q", cfg.Improvement.NightlySchedule)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
store:
  path: x.db
  wal_mode: true
`))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadFromReaderEmpty(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader(empty): %v", err)
	}
	if cfg.Store.Path != "barnabee.db" {
		t.Errorf("Store.Path = %q, want default", cfg.Store.Path)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.LogLevel = "loud"
	cfg.Store.Path = ""
	cfg.Session.TTLSeconds = 0
	cfg.Cascade.Stage1Threshold = 1.5
	cfg.Orchestrator.WorkerPoolSize = 0

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{
		"server.log_level",
		"store.path",
		"session.ttl_seconds",
		"cascade.stage1_threshold",
		"orchestrator.worker_pool_size",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if got := cfg.SessionTTL(); got != 30*time.Minute {
		t.Errorf("SessionTTL = %v", got)
	}
	if got := cfg.RequestDeadline(); got != 2*time.Second {
		t.Errorf("RequestDeadline = %v", got)
	}
	if got := cfg.SpeculativeHeadStart(); got != 100*time.Millisecond {
		t.Errorf("SpeculativeHeadStart = %v", got)
	}
	if got := cfg.HubMaxBackoff(); got != time.Minute {
		t.Errorf("HubMaxBackoff = %v", got)
	}
	if got := cfg.RollbackLatencyRise(); got != 50*time.Millisecond {
		t.Errorf("RollbackLatencyRise = %v", got)
	}
}

func TestLoadFromReaderWakeWords(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
normalize:
  wake_words: ["computer", "hey computer"]
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if len(cfg.Normalize.WakeWords) != 2 || cfg.Normalize.WakeWords[0] != "computer" {
		t.Errorf("WakeWords = %v", cfg.Normalize.WakeWords)
	}
}

func TestLogLevelIsValid(t *testing.T) {
	for _, l := range []LogLevel{LogDebug, LogInfo, LogWarn, LogError} {
		if !l.IsValid() {
			t.Errorf("IsValid(%q) = false", l)
		}
	}
	if LogLevel("verbose").IsValid() {
		t.Error("IsValid(verbose) = true")
	}
}
