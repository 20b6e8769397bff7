package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/barnabee-home/barnabee/internal/config"
	"github.com/barnabee-home/barnabee/internal/executor"
	"github.com/barnabee-home/barnabee/internal/health"
	"github.com/barnabee-home/barnabee/internal/improve"
	"github.com/barnabee-home/barnabee/internal/intent"
	"github.com/barnabee-home/barnabee/internal/mirror"
	"github.com/barnabee-home/barnabee/internal/normalize"
	"github.com/barnabee-home/barnabee/internal/observe"
	"github.com/barnabee-home/barnabee/internal/orchestrator"
	"github.com/barnabee-home/barnabee/internal/promptctx"
	"github.com/barnabee-home/barnabee/internal/resilience"
	"github.com/barnabee-home/barnabee/internal/resolve"
	"github.com/barnabee-home/barnabee/internal/sessionstore"
	"github.com/barnabee-home/barnabee/internal/signals"
	"github.com/barnabee-home/barnabee/internal/store"
	"github.com/barnabee-home/barnabee/pkg/homeauto"
	"github.com/barnabee-home/barnabee/pkg/homeauto/httpclient"
	"github.com/barnabee-home/barnabee/pkg/homeauto/wsclient"
)

const (
	hubDialTimeout  = 10 * time.Second
	shutdownTimeout = 15 * time.Second
	signalBufferCap = 1024
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the request pipeline and the admin HTTP surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(parent context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry first so every later component lands on the real providers.
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "barnabee",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	st, err := store.Open(cfg.Store.Path,
		store.WithVectorDimensions(cfg.Providers.EmbeddingDimensions),
		store.WithBusyTimeout(cfg.Store.BusyTimeoutMS))
	if err != nil {
		if errors.Is(err, store.ErrCorrupt) {
			return fmt.Errorf("%w: %v", orchestrator.ErrCorruption, err)
		}
		return fmt.Errorf("%w: open store: %v", orchestrator.ErrConfiguration, err)
	}
	defer st.Close()

	sess := sessionstore.New(cfg.Session.RedisAddr, cfg.Session.RedisPassword, cfg.Session.RedisDB,
		sessionstore.WithTTL(cfg.SessionTTL()))
	defer sess.Close()
	if err := sess.Ping(ctx); err != nil {
		return fmt.Errorf("%w: redis at %s: %v", orchestrator.ErrTransientUpstream, cfg.Session.RedisAddr, err)
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Providers.EmbeddingDimensions)
	provs, err := buildProviders(cfg, reg)
	if err != nil {
		return err
	}

	m := mirror.New(
		mirror.WithPersister(entityPersister{st}),
		mirror.WithPublisher(sess),
		mirror.WithMetrics(metrics),
	)
	if err := m.LoadSnapshot(ctx); err != nil {
		slog.Warn("mirror snapshot load failed, starting cold", "error", err)
	}
	if cfg.Hub.WebSocketURL != "" {
		runner := mirror.NewRunner(m, mirror.WSDialer(cfg.Hub.WebSocketURL, cfg.Hub.AccessToken),
			mirror.WithMaxBackoff(cfg.HubMaxBackoff()))
		go func() {
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("mirror runner stopped", "error", err)
			}
		}()
	}

	hub, err := buildHub(ctx, cfg)
	if err != nil {
		return err
	}

	sigBuf := signals.New(st, signalBufferCap, signals.WithMetrics(metrics))
	sigBuf.Start()
	defer sigBuf.Close()

	patterns, centroid, stages, err := buildStages(ctx, cfg, st, provs)
	if err != nil {
		return err
	}
	cascade := intent.NewCascade(cfg.Cascade.ClarifyThreshold, stages,
		intent.WithMetrics(metrics), intent.WithSignals(sigBuf))

	data := &improve.LiveData{
		Store:    st,
		Mirror:   m,
		Patterns: patterns,
		Centroid: centroid,
		Embedder: provs.Embeddings,
	}
	data.SetPatternList(patterns.Patterns())
	pipe := improve.New(st, data, provs.Embeddings,
		improve.WithLocker(sess),
		improve.WithClustering(cfg.Improvement.ClusterSimilarity, cfg.Improvement.ClusterMinSize),
		improve.WithMonitorWindow(time.Duration(cfg.Improvement.MonitoringHours)*time.Hour),
		improve.WithRollbackTriggers(cfg.Improvement.RollbackSuccessDrop,
			cfg.RollbackLatencyRise(), cfg.Improvement.RollbackOverrideRate),
		improve.WithSchedule(cfg.Improvement.NightlySchedule),
		improve.WithMetrics(metrics),
	)
	// The pipeline can only shadow-test proposals when an embedder exists, so
	// all learning paths are switched off without one.
	learning := cfg.Improvement.Enabled && provs.Embeddings != nil
	if learning {
		if err := pipe.Start(ctx); err != nil {
			return fmt.Errorf("%w: %v", orchestrator.ErrConfiguration, err)
		}
		defer pipe.Stop()
	}

	resolveOpts := []resolve.Option{resolve.WithSignals(sigBuf)}
	if learning {
		resolveOpts = append(resolveOpts, resolve.WithAliasSuggester(pipe))
	}
	resolver, err := resolve.New(m, provs.LLM, resolveOpts...)
	if err != nil {
		return fmt.Errorf("build resolver: %w", err)
	}
	injector := promptctx.New(m, promptctx.WithTokenBudget(cfg.Context.TokenBudget))
	exec := executor.New(hub, executor.WithLocker(sess), executor.WithMetrics(metrics),
		executor.WithSpeculationGate(cfg.Speculative.ConfidenceThreshold, cfg.SpeculativeHeadStart()))

	orchOpts := []orchestrator.Option{
		orchestrator.WithDeviceAreas(cfg.Orchestrator.DeviceAreas),
		orchestrator.WithDeadline(cfg.RequestDeadline()),
		orchestrator.WithWorkerPool(cfg.Orchestrator.WorkerPoolSize),
		orchestrator.WithSpeculation(cfg.Speculative.Enabled),
		orchestrator.WithNormalizer(normalize.New(normalize.WithWakeWords(cfg.Normalize.WakeWords))),
		orchestrator.WithMetrics(metrics),
	}
	if provs.LLM != nil {
		orchOpts = append(orchOpts, orchestrator.WithResponder(provs.LLM))
	}
	if learning {
		orchOpts = append(orchOpts, orchestrator.WithTeacher(pipe))
	}
	orch := orchestrator.New(orchestrator.Deps{
		Cascade:  cascade,
		Resolver: resolver,
		Injector: injector,
		Executor: exec,
		Mirror:   m,
		Store:    st,
		Sessions: sess,
	}, orchOpts...)

	mux := http.NewServeMux()
	health.New(
		health.Checker{Name: "store", Check: st.Ping},
		health.Checker{Name: "sessions", Check: sess.Ping},
		health.Checker{Name: "mirror", Check: func(context.Context) error {
			if cfg.Hub.WebSocketURL != "" && !m.Healthy() {
				return errors.New("hub connection down")
			}
			return nil
		}},
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("POST /v1/requests", requestHandler(orch))

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.ListenAndServe() }()
	slog.Info("barnabee serving", "addr", cfg.Server.ListenAddr, "version", version)

	select {
	case err := <-srvErr:
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received, stopping")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		slog.Warn("server shutdown", "error", err)
	}
	if err := sigBuf.Flush(sctx); err != nil {
		slog.Warn("signal flush", "error", err)
	}
	return nil
}

// buildHub assembles the command transport: websocket primary with a REST
// fallback when both are configured. A failed initial dial degrades to REST
// rather than aborting startup.
func buildHub(ctx context.Context, cfg *config.Config) (homeauto.Hub, error) {
	var rest homeauto.Hub
	if cfg.Hub.HTTPURL != "" {
		c, err := httpclient.New(cfg.Hub.HTTPURL, cfg.Hub.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("%w: hub http client: %v", orchestrator.ErrConfiguration, err)
		}
		rest = c
	}

	var ws homeauto.Hub
	if cfg.Hub.WebSocketURL != "" {
		dctx, cancel := context.WithTimeout(ctx, hubDialTimeout)
		c, err := wsclient.Dial(dctx, cfg.Hub.WebSocketURL, cfg.Hub.AccessToken)
		cancel()
		if err != nil {
			slog.Warn("hub websocket dial failed, commands go over REST", "error", err)
		} else {
			ws = c
		}
	}

	switch {
	case ws != nil && rest != nil:
		fb := resilience.NewHubFallback(ws, "websocket", resilience.FallbackConfig{})
		fb.AddFallback("rest", rest)
		return fb, nil
	case ws != nil:
		return ws, nil
	case rest != nil:
		return rest, nil
	}
	if cfg.Hub.WebSocketURL != "" {
		return nil, fmt.Errorf("%w: hub unreachable at %s and no http_url fallback", orchestrator.ErrTransientUpstream, cfg.Hub.WebSocketURL)
	}
	return nil, fmt.Errorf("%w: neither hub.websocket_url nor hub.http_url is configured", orchestrator.ErrConfiguration)
}

// buildStages assembles the cascade in order. Stages whose backend is not
// configured are left out; the cascade treats the gap as degraded rather than
// failing requests outright.
func buildStages(ctx context.Context, cfg *config.Config, st *store.Store, provs *providerSet) (*intent.PatternStage, *intent.CentroidStage, []intent.Stage, error) {
	patterns := intent.NewPatternStage(cfg.Cascade.Stage1Threshold)
	stages := []intent.Stage{patterns}

	gate := intent.NewGPUGate(1)

	var centroid *intent.CentroidStage
	if provs.Embeddings != nil {
		centroid = intent.NewCentroidStage(provs.Embeddings,
			cfg.Cascade.Stage2Threshold, cfg.Cascade.Stage2TieBreakMargin)
		centroid.UseGPUGate(gate)
		byLabel, err := st.ExemplarsByIntent(ctx)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load training exemplars: %w", err)
		}
		exemplars := make(map[intent.Intent][]string, len(byLabel))
		for label, utterances := range byLabel {
			exemplars[intent.Intent(label)] = utterances
		}
		if len(exemplars) > 0 {
			centroids, err := intent.BuildCentroids(ctx, provs.Embeddings, exemplars)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("%w: build centroids: %v", orchestrator.ErrTransientUpstream, err)
			}
			centroid.SetCentroids(centroids)
		}
		stages = append(stages, centroid)
	}

	if provs.LocalIntent != nil {
		local := intent.NewLocalStage(provs.LocalIntent,
			cfg.Cascade.Stage3Threshold, cfg.Cascade.Stage3TieBreakMargin)
		local.UseGPUGate(gate)
		stages = append(stages, local)
	}

	if provs.LLM != nil {
		llmStage, err := intent.NewLLMStage(provs.LLM)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("build llm stage: %w", err)
		}
		stages = append(stages, llmStage)
	}

	return patterns, centroid, stages, nil
}
