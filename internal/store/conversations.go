package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conversation is one device session of ordered turns.
type Conversation struct {
	ID        string
	DeviceID  string
	Speaker   string
	Status    string // open, closed
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turn is one utterance or response within a conversation.
type Turn struct {
	ID             string
	ConversationID string
	Seq            int
	Role           string // user, assistant, system
	Text           string
	Intent         string
	Confidence     float64
	Entities       []string
	LatencyMS      int64
	CreatedAt      time.Time
}

// OpenConversation creates a new open conversation for the device.
func (s *Store) OpenConversation(ctx context.Context, deviceID, speaker string) (*Conversation, error) {
	c := Conversation{
		ID:       uuid.NewString(),
		DeviceID: deviceID,
		Speaker:  speaker,
		Status:   "open",
	}
	ts := now()
	c.CreatedAt = parseTime(ts)
	c.UpdatedAt = c.CreatedAt

	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conversations (id, device_id, speaker, status, created_at, updated_at)
			VALUES (?, ?, ?, 'open', ?, ?)`,
			c.ID, c.DeviceID, c.Speaker, ts, ts,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: open conversation: %w", err)
	}
	return &c, nil
}

// GetConversation returns a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var (
		c                    Conversation
		speaker              sql.NullString
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, speaker, status, created_at, updated_at
		FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.DeviceID, &speaker, &c.Status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("store: get conversation: %w", err))
	}
	c.Speaker = speaker.String
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// CloseConversation marks the conversation closed. Closing twice is a no-op.
func (s *Store) CloseConversation(ctx context.Context, id string) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE conversations SET status = 'closed', updated_at = ? WHERE id = ?", now(), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: close conversation: %w", err)
	}
	return nil
}

// AppendTurn adds the next turn to a conversation, assigning the sequence
// number inside the transaction so concurrent writers cannot interleave.
func (s *Store) AppendTurn(ctx context.Context, t Turn) (*Turn, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	ts := now()
	t.CreatedAt = parseTime(ts)

	entities, err := json.Marshal(append([]string{}, t.Entities...))
	if err != nil {
		return nil, fmt.Errorf("store: encode entities: %w", err)
	}

	err = s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE conversation_id = ?",
			t.ConversationID,
		).Scan(&t.Seq); err != nil {
			return fmt.Errorf("append turn: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO turns (id, conversation_id, seq, role, text, intent,
				confidence, entities, latency_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.ConversationID, t.Seq, t.Role, t.Text, t.Intent,
			t.Confidence, string(entities), t.LatencyMS, ts,
		); err != nil {
			return fmt.Errorf("append turn: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE conversations SET updated_at = ? WHERE id = ?", ts, t.ConversationID,
		); err != nil {
			return fmt.Errorf("append turn: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &t, nil
}

// Turns returns a conversation's turns in sequence order.
func (s *Store) Turns(ctx context.Context, conversationID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, seq, role, text, COALESCE(intent, ''),
			COALESCE(confidence, 0), entities, latency_ms, created_at
		FROM turns WHERE conversation_id = ? ORDER BY seq`,
		conversationID,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("store: list turns: %w", err))
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t         Turn
			entities  string
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Seq, &t.Role, &t.Text,
			&t.Intent, &t.Confidence, &entities, &t.LatencyMS, &createdAt); err != nil {
			return nil, classify(fmt.Errorf("store: list turns: %w", err))
		}
		if err := json.Unmarshal([]byte(entities), &t.Entities); err != nil {
			return nil, fmt.Errorf("%w: entities column: %w", ErrCorrupt, err)
		}
		t.CreatedAt = parseTime(createdAt)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// OperationalLog is one per-request append-only record.
type OperationalLog struct {
	RequestID string
	DeviceID  string
	Intent    string
	Stage     string
	LatencyMS int64
	Outcome   string
}

// AppendOperationalLog writes one request record. Never retried aggressively;
// losing an operational log row is preferable to slowing a request down.
func (s *Store) AppendOperationalLog(ctx context.Context, l OperationalLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operational_logs (request_id, device_id, intent, stage, latency_ms, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.RequestID, l.DeviceID, l.Intent, l.Stage, l.LatencyMS, l.Outcome, now(),
	)
	if err != nil {
		return classify(fmt.Errorf("store: append operational log: %w", err))
	}
	return nil
}

// PruneOperationalLogs deletes rows older than retention and returns the
// number removed.
func (s *Store) PruneOperationalLogs(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	var removed int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM operational_logs WHERE created_at < ?", cutoff)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("store: prune operational logs: %w", err)
	}
	return removed, nil
}
