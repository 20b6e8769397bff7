package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/barnabee-home/barnabee/internal/intent"
	"github.com/barnabee-home/barnabee/internal/orchestrator"
	"github.com/barnabee-home/barnabee/internal/store"
)

// goldenLine is one record of the JSON Lines golden dataset.
type goldenLine struct {
	Utterance string   `json:"utterance"`
	Intent    string   `json:"intent"`
	Entities  []string `json:"entities,omitempty"`
}

func newIngestGoldenCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest-golden <path>",
		Short: "Load a JSON Lines golden dataset into the store",
		Long: `Reads one JSON object per line with "utterance", "intent", and optional
"entities" fields and upserts each as a golden case. Ingestion is idempotent:
re-running the same file updates rather than duplicates.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("%w: %v", orchestrator.ErrConfiguration, err)
			}
			defer f.Close()

			st, err := store.Open(cfg.Store.Path,
				store.WithVectorDimensions(cfg.Providers.EmbeddingDimensions))
			if err != nil {
				if errors.Is(err, store.ErrCorrupt) {
					return fmt.Errorf("%w: %v", orchestrator.ErrCorruption, err)
				}
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			var created, updated, lineNo int
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				lineNo++
				line := scanner.Bytes()
				if len(line) == 0 {
					continue
				}
				var rec goldenLine
				if err := json.Unmarshal(line, &rec); err != nil {
					return fmt.Errorf("%w: %s line %d: %v", orchestrator.ErrValidation, args[0], lineNo, err)
				}
				if rec.Utterance == "" {
					return fmt.Errorf("%w: %s line %d: empty utterance", orchestrator.ErrValidation, args[0], lineNo)
				}
				if !intent.Intent(rec.Intent).IsValid() {
					return fmt.Errorf("%w: %s line %d: unknown intent %q", orchestrator.ErrValidation, args[0], lineNo, rec.Intent)
				}

				n, err := st.UpsertGoldenCase(ctx, store.GoldenCase{
					Utterance:        rec.Utterance,
					ExpectedIntent:   rec.Intent,
					ExpectedEntities: rec.Entities,
				})
				if err != nil {
					return err
				}
				if n > 0 {
					created++
				} else {
					updated++
				}
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "golden cases: %d created, %d updated\n", created, updated)
			return nil
		},
	}
}
