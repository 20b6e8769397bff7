package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/barnabee-home/barnabee/internal/signals"
)

// Compile-time check: the store is the flush target of the signal buffer.
var _ signals.Store = (*Store)(nil)

// InsertSignals writes one flushed batch in a single transaction.
func (s *Store) InsertSignals(ctx context.Context, sigs []signals.Signal) error {
	if len(sigs) == 0 {
		return nil
	}
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO signals (id, kind, request_id, speaker, utterance, intent,
				stage, confidence, expected, actual, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, sig := range sigs {
			if _, err := stmt.ExecContext(ctx,
				sig.ID, string(sig.Kind), sig.RequestID, sig.Speaker, sig.Utterance,
				sig.Intent, sig.Stage, sig.Confidence, sig.Expected, sig.Actual,
				sig.CreatedAt.UTC().Format(time.RFC3339Nano),
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("store: insert signals: %w", err)
	}
	return nil
}

// UnprocessedSignals returns signals newer than since that have not yet been
// folded into an improvement, oldest first.
func (s *Store) UnprocessedSignals(ctx context.Context, since time.Time) ([]signals.Signal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, request_id, speaker, utterance, intent, stage,
			confidence, expected, actual, created_at
		FROM signals
		WHERE processed = 0 AND created_at >= ?
		ORDER BY created_at, id`,
		since.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, classify(fmt.Errorf("store: unprocessed signals: %w", err))
	}
	defer rows.Close()

	var out []signals.Signal
	for rows.Next() {
		var (
			sig       signals.Signal
			kind      string
			createdAt string
		)
		if err := rows.Scan(&sig.ID, &kind, &sig.RequestID, &sig.Speaker,
			&sig.Utterance, &sig.Intent, &sig.Stage, &sig.Confidence,
			&sig.Expected, &sig.Actual, &createdAt); err != nil {
			return nil, classify(fmt.Errorf("store: unprocessed signals: %w", err))
		}
		sig.Kind = signals.Kind(kind)
		sig.CreatedAt = parseTime(createdAt)
		out = append(out, sig)
	}
	return out, rows.Err()
}

// MarkSignalsProcessed flags signals as folded into an improvement. Signals
// stay immutable otherwise.
func (s *Store) MarkSignalsProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE signals SET processed = 1 WHERE id IN ("+placeholders+")", args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: mark signals processed: %w", err)
	}
	return nil
}
