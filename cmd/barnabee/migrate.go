package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/barnabee-home/barnabee/internal/orchestrator"
	"github.com/barnabee-home/barnabee/internal/store"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	var to int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			st, err := store.Open(cfg.Store.Path,
				store.WithVectorDimensions(cfg.Providers.EmbeddingDimensions),
				store.WithTargetVersion(to),
			)
			if err != nil {
				if errors.Is(err, store.ErrCorrupt) {
					return fmt.Errorf("%w: %v", orchestrator.ErrCorruption, err)
				}
				return err
			}
			defer st.Close()

			version, err := st.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d (latest %d)\n",
				version, store.CurrentSchemaVersion)
			return nil
		},
	}
	cmd.Flags().IntVar(&to, "to", store.CurrentSchemaVersion,
		"target schema version (downgrades are not supported)")
	return cmd
}
