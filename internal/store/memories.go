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

// Memory is one stored semantic fact or summary.
type Memory struct {
	ID          string
	Summary     string
	Content     string
	Keywords    []string
	Type        string // fact, preference, decision, event, person, project, meeting, journal
	Source      string // explicit, extracted, meeting, journal, migration
	Owner       string
	Visibility  string // owner, family, all
	Status      string // active, deleted
	AccessCount int
	AccessedAt  time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const memoryColumns = `id, summary, content, keywords, type, source, owner,
	visibility, status, access_count, COALESCE(accessed_at, ''), created_at, updated_at`

// CreateMemory inserts m. A zero ID is filled with a fresh UUID; timestamps
// and status are set by the store. Returns the stored record.
func (s *Store) CreateMemory(ctx context.Context, m Memory) (*Memory, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Visibility == "" {
		m.Visibility = "owner"
	}
	m.Status = "active"
	ts := now()
	m.CreatedAt = parseTime(ts)
	m.UpdatedAt = m.CreatedAt

	keywords, err := json.Marshal(append([]string{}, m.Keywords...))
	if err != nil {
		return nil, fmt.Errorf("store: encode keywords: %w", err)
	}

	err = s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memories (id, summary, content, keywords, type, source,
				owner, visibility, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.Summary, m.Content, string(keywords), m.Type, m.Source,
			m.Owner, m.Visibility, m.Status, ts, ts,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: create memory: %w", err)
	}
	return &m, nil
}

// GetMemory returns the active memory with the given ID and bumps its access
// counters. Soft-deleted memories return [ErrNotFound].
func (s *Store) GetMemory(ctx context.Context, id string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+memoryColumns+" FROM memories WHERE id = ? AND status = 'active'", id)
	m, err := scanMemory(row)
	if err != nil {
		return nil, err
	}

	// Access tracking is best-effort; a lock here must not fail the read.
	if _, err := s.db.ExecContext(ctx,
		"UPDATE memories SET access_count = access_count + 1, accessed_at = ? WHERE id = ?",
		now(), id,
	); err != nil {
		s.log.Debug("access bump failed", "memory_id", id, "error", err)
	}
	return m, nil
}

// SoftDeleteMemory transitions the memory to deleted. The row and its
// embedding stay on disk; only status changes.
func (s *Store) SoftDeleteMemory(ctx context.Context, id string) error {
	var affected int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			"UPDATE memories SET status = 'deleted', updated_at = ? WHERE id = ? AND status = 'active'",
			now(), id,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("store: soft delete memory: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMemoryEmbedding stores (or replaces) the memory's embedding for model.
// A memory holds at most one embedding per model; when the sqlite-vec index is
// available the vector is written there too.
func (s *Store) SetMemoryEmbedding(ctx context.Context, memoryID, model string, vector []float32) error {
	blob := encodeVector(vector)
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		// Drop a previous embedding for this (memory, model) pair.
		var oldID sql.NullInt64
		err = tx.QueryRowContext(ctx,
			"SELECT embedding_id FROM memory_embedding_map WHERE memory_id = ? AND model = ?",
			memoryID, model,
		).Scan(&oldID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("set embedding: %w", err)
		}
		if oldID.Valid {
			if _, err := tx.ExecContext(ctx, "DELETE FROM memory_embedding_map WHERE memory_id = ? AND model = ?", memoryID, model); err != nil {
				return fmt.Errorf("set embedding: %w", err)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM memory_embeddings WHERE id = ?", oldID.Int64); err != nil {
				return fmt.Errorf("set embedding: %w", err)
			}
			if s.vec {
				if _, err := tx.ExecContext(ctx, "DELETE FROM memories_vec WHERE embedding_id = ?", oldID.Int64); err != nil {
					return fmt.Errorf("set embedding: %w", err)
				}
			}
		}

		res, err := tx.ExecContext(ctx,
			"INSERT INTO memory_embeddings (model, vector) VALUES (?, ?)", model, blob)
		if err != nil {
			return fmt.Errorf("set embedding: %w", err)
		}
		embID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("set embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO memory_embedding_map (memory_id, embedding_id, model) VALUES (?, ?, ?)",
			memoryID, embID, model,
		); err != nil {
			return fmt.Errorf("set embedding: %w", err)
		}
		if s.vec {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO memories_vec (embedding_id, vector) VALUES (?, ?)", embID, blob); err != nil {
				return fmt.Errorf("set embedding: %w", err)
			}
		}
		return tx.Commit()
	})
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(row scanner) (*Memory, error) {
	var (
		m          Memory
		keywords   string
		accessedAt string
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&m.ID, &m.Summary, &m.Content, &keywords, &m.Type, &m.Source,
		&m.Owner, &m.Visibility, &m.Status, &m.AccessCount, &accessedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("store: scan memory: %w", err))
	}
	if err := json.Unmarshal([]byte(keywords), &m.Keywords); err != nil {
		return nil, fmt.Errorf("%w: keywords column: %w", ErrCorrupt, err)
	}
	m.AccessedAt = parseTime(accessedAt)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}
