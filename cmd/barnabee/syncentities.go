package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/barnabee-home/barnabee/internal/mirror"
	"github.com/barnabee-home/barnabee/internal/orchestrator"
	"github.com/barnabee-home/barnabee/internal/store"
)

func newSyncEntitiesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-entities",
		Short: "Bulk-fetch hub entities into the snapshot table",
		Long: `Fetches every entity state from the home automation hub, runs the
mirror's enrichment over them, and persists the result. Useful after adding
devices or when the serve loop has been down for a while.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			hub, err := buildHub(ctx, cfg)
			if err != nil {
				return err
			}

			states, err := hub.GetStates(ctx)
			if err != nil {
				return fmt.Errorf("%w: fetch states: %v", orchestrator.ErrTransientUpstream, err)
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

			m := mirror.New(mirror.WithPersister(entityPersister{st}))
			m.Replace(ctx, states)

			fmt.Fprintf(cmd.OutOrStdout(), "synced %d entities\n", m.Len())
			return nil
		},
	}
}
