package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/barnabee-home/barnabee/internal/config"
	"github.com/barnabee-home/barnabee/internal/improve"
	"github.com/barnabee-home/barnabee/internal/mirror"
	"github.com/barnabee-home/barnabee/internal/orchestrator"
	"github.com/barnabee-home/barnabee/internal/sessionstore"
	"github.com/barnabee-home/barnabee/internal/store"
)

func newImproveNowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "improve-now",
		Short: "Run the improvement analysis immediately",
		Long: `Runs the same cluster, propose, shadow-test, and apply-or-queue pass the
nightly job runs. The distributed pipeline lock is honored, so a concurrent
nightly run on another worker makes this a no-op.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			reg := config.NewRegistry()
			registerBuiltinProviders(reg, cfg.Providers.EmbeddingDimensions)
			provs, err := buildProviders(cfg, reg)
			if err != nil {
				return err
			}
			if provs.Embeddings == nil {
				return fmt.Errorf("%w: improvement analysis needs providers.embeddings", orchestrator.ErrConfiguration)
			}

			st, err := store.Open(cfg.Store.Path,
				store.WithVectorDimensions(cfg.Providers.EmbeddingDimensions))
			if err != nil {
				if errors.Is(err, store.ErrCorrupt) {
					return fmt.Errorf("%w: %v", orchestrator.ErrCorruption, err)
				}
				return err
			}
			defer st.Close()

			sess := sessionstore.New(cfg.Session.RedisAddr, cfg.Session.RedisPassword, cfg.Session.RedisDB,
				sessionstore.WithTTL(cfg.SessionTTL()))
			defer sess.Close()
			if err := sess.Ping(ctx); err != nil {
				return fmt.Errorf("%w: redis at %s: %v", orchestrator.ErrTransientUpstream, cfg.Session.RedisAddr, err)
			}

			m := mirror.New(mirror.WithPersister(entityPersister{st}))
			if err := m.LoadSnapshot(ctx); err != nil {
				return fmt.Errorf("load entity snapshot: %w", err)
			}

			patterns, centroid, _, err := buildStages(ctx, cfg, st, provs)
			if err != nil {
				return err
			}
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
			)
			if err := pipe.RunAnalysis(ctx); err != nil {
				return fmt.Errorf("analysis: %w", err)
			}

			pending, err := pipe.Pending(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "analysis complete; %d improvement(s) awaiting approval\n", len(pending))
			return nil
		},
	}
}
