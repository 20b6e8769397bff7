package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GoldenCase is one labeled utterance that must always classify correctly.
type GoldenCase struct {
	ID               string
	Utterance        string
	ExpectedIntent   string
	ExpectedEntities []string
	CreatedAt        time.Time
}

// UpsertGoldenCase inserts or updates by utterance, so re-ingesting a dataset
// file is idempotent. Returns the number of newly created rows (0 or 1).
func (s *Store) UpsertGoldenCase(ctx context.Context, g GoldenCase) (int64, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	entities, err := json.Marshal(append([]string{}, g.ExpectedEntities...))
	if err != nil {
		return 0, fmt.Errorf("store: encode expected entities: %w", err)
	}

	var created int64
	err = s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO golden_cases (id, utterance, expected_intent, expected_entities, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(utterance) DO UPDATE SET
				expected_intent = excluded.expected_intent,
				expected_entities = excluded.expected_entities`,
			g.ID, g.Utterance, g.ExpectedIntent, string(entities), now(),
		)
		if err != nil {
			return err
		}
		created, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("store: upsert golden case: %w", err)
	}
	return created, nil
}

// GoldenCases returns the full golden dataset in a stable order.
func (s *Store) GoldenCases(ctx context.Context) ([]GoldenCase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, utterance, expected_intent, expected_entities, created_at
		FROM golden_cases ORDER BY created_at, id`)
	if err != nil {
		return nil, classify(fmt.Errorf("store: list golden cases: %w", err))
	}
	defer rows.Close()

	var out []GoldenCase
	for rows.Next() {
		var (
			g         GoldenCase
			entities  string
			createdAt string
		)
		if err := rows.Scan(&g.ID, &g.Utterance, &g.ExpectedIntent, &entities, &createdAt); err != nil {
			return nil, classify(fmt.Errorf("store: list golden cases: %w", err))
		}
		if err := json.Unmarshal([]byte(entities), &g.ExpectedEntities); err != nil {
			return nil, fmt.Errorf("%w: expected_entities column: %w", ErrCorrupt, err)
		}
		g.CreatedAt = parseTime(createdAt)
		out = append(out, g)
	}
	return out, rows.Err()
}

// TrainingExample is one labeled utterance used to build S2 centroids and
// fine-tune the S3 model.
type TrainingExample struct {
	ID        string
	Utterance string
	Intent    string
	Source    string // seed, improvement, voice_teach
	CreatedAt time.Time
}

// AddTrainingExample inserts one example.
func (s *Store) AddTrainingExample(ctx context.Context, e TrainingExample) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Source == "" {
		e.Source = "seed"
	}
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO training_examples (id, utterance, intent, source, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			e.ID, e.Utterance, e.Intent, e.Source, now(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: add training example: %w", err)
	}
	return nil
}

// ReplaceIntentExemplars swaps the full exemplar set for one intent in a
// single transaction. The improvement pipeline uses it to restore a backup.
func (s *Store) ReplaceIntentExemplars(ctx context.Context, intent string, utterances []string) error {
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, "DELETE FROM training_examples WHERE intent = ?", intent); err != nil {
			return err
		}
		ts := now()
		for _, u := range utterances {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO training_examples (id, utterance, intent, source, created_at)
				VALUES (?, ?, ?, 'improvement', ?)`,
				uuid.NewString(), u, intent, ts,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("store: replace exemplars for %s: %w", intent, err)
	}
	return nil
}

// ExemplarsByIntent returns every training utterance grouped by intent label,
// the shape the centroid builder consumes.
func (s *Store) ExemplarsByIntent(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT intent, utterance FROM training_examples ORDER BY created_at, id")
	if err != nil {
		return nil, classify(fmt.Errorf("store: list exemplars: %w", err))
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var intent, utterance string
		if err := rows.Scan(&intent, &utterance); err != nil {
			return nil, classify(fmt.Errorf("store: list exemplars: %w", err))
		}
		out[intent] = append(out[intent], utterance)
	}
	return out, rows.Err()
}
