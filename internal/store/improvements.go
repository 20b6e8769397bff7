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

// Improvement statuses.
const (
	ImprovementPending    = "pending"
	ImprovementApproved   = "approved"
	ImprovementApplied    = "applied"
	ImprovementRejected   = "rejected"
	ImprovementRolledBack = "rolled_back"
)

// Improvement is one proposed data-only change to the classifier or resolver.
type Improvement struct {
	ID            string
	Type          string // alias, exemplar, synonym, pattern, template
	Tier          int
	Target        string
	CurrentValue  string
	ProposedValue string
	Rationale     string
	SignalIDs     []string
	Source        string // automatic, user_suggestion, voice_command
	ShadowPassed  *bool
	ShadowReport  string
	Status        string
	MonitorStart  time.Time
	MonitorEnd    time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const improvementColumns = `id, type, tier, target, current_value, proposed_value,
	rationale, signal_ids, source, shadow_passed, shadow_report, status,
	COALESCE(monitor_start, ''), COALESCE(monitor_end, ''), created_at, updated_at`

// CreateImprovement inserts a pending improvement. Tier 3 rows are allowed in
// only for the audit trail; they must never leave pending.
func (s *Store) CreateImprovement(ctx context.Context, imp Improvement) (*Improvement, error) {
	if imp.ID == "" {
		imp.ID = uuid.NewString()
	}
	imp.Status = ImprovementPending
	ts := now()
	imp.CreatedAt = parseTime(ts)
	imp.UpdatedAt = imp.CreatedAt

	signalIDs, err := json.Marshal(append([]string{}, imp.SignalIDs...))
	if err != nil {
		return nil, fmt.Errorf("store: encode signal ids: %w", err)
	}

	err = s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pending_improvements (id, type, tier, target, current_value,
				proposed_value, rationale, signal_ids, source, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
			imp.ID, imp.Type, imp.Tier, imp.Target, imp.CurrentValue,
			imp.ProposedValue, imp.Rationale, string(signalIDs), imp.Source, ts, ts,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: create improvement: %w", err)
	}
	return &imp, nil
}

// GetImprovement returns one improvement by ID.
func (s *Store) GetImprovement(ctx context.Context, id string) (*Improvement, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+improvementColumns+" FROM pending_improvements WHERE id = ?", id)
	return scanImprovement(row)
}

// ImprovementsByStatus returns improvements in the given status, oldest first.
func (s *Store) ImprovementsByStatus(ctx context.Context, status string) ([]Improvement, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+improvementColumns+" FROM pending_improvements WHERE status = ? ORDER BY created_at, id",
		status,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("store: list improvements: %w", err))
	}
	defer rows.Close()

	var out []Improvement
	for rows.Next() {
		imp, err := scanImprovement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *imp)
	}
	return out, rows.Err()
}

// RecordShadowResult stores the outcome of an improvement's shadow test.
func (s *Store) RecordShadowResult(ctx context.Context, id string, passed bool, report string) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE pending_improvements
			SET shadow_passed = ?, shadow_report = ?, updated_at = ?
			WHERE id = ?`,
			passed, report, now(), id,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: record shadow result: %w", err)
	}
	return nil
}

// defaultMonitorWindow is how long an applied improvement stays under watch
// when the caller does not say.
const defaultMonitorWindow = 24 * time.Hour

// TransitionImprovement moves an improvement between statuses, enforcing the
// tier-3 containment: a tier-3 row can never leave pending. Transitions to
// applied open the default monitoring window; use [Store.MarkApplied] to
// control it.
func (s *Store) TransitionImprovement(ctx context.Context, id, status string) error {
	if status == ImprovementApplied {
		return s.MarkApplied(ctx, id, defaultMonitorWindow)
	}
	imp, err := s.GetImprovement(ctx, id)
	if err != nil {
		return err
	}
	if imp.Tier == 3 && status != ImprovementPending {
		return fmt.Errorf("store: tier-3 improvement %s cannot transition to %s", id, status)
	}

	ts := now()
	err = s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE pending_improvements SET status = ?, updated_at = ? WHERE id = ?",
			status, ts, id,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: transition improvement: %w", err)
	}
	return nil
}

// MarkApplied transitions an improvement to applied and opens a monitoring
// window closing after the given duration.
func (s *Store) MarkApplied(ctx context.Context, id string, window time.Duration) error {
	imp, err := s.GetImprovement(ctx, id)
	if err != nil {
		return err
	}
	if imp.Tier == 3 {
		return fmt.Errorf("store: tier-3 improvement %s cannot transition to %s", id, ImprovementApplied)
	}

	ts := now()
	err = s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE pending_improvements
			SET status = ?, monitor_start = ?, monitor_end = ?, updated_at = ?
			WHERE id = ?`,
			ImprovementApplied, ts,
			time.Now().UTC().Add(window).Format(time.RFC3339Nano), ts, id,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: mark applied: %w", err)
	}
	return nil
}

// SaveBackup snapshots the pre-change data for an improvement. One backup per
// improvement; a second write replaces the first.
func (s *Store) SaveBackup(ctx context.Context, improvementID, target, snapshot string) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO improvement_backups (improvement_id, target, snapshot, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(improvement_id) DO UPDATE SET
				target = excluded.target,
				snapshot = excluded.snapshot,
				created_at = excluded.created_at`,
			improvementID, target, snapshot, now(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: save backup: %w", err)
	}
	return nil
}

// GetBackup returns the snapshot stored for an improvement.
func (s *Store) GetBackup(ctx context.Context, improvementID string) (target, snapshot string, err error) {
	err = s.db.QueryRowContext(ctx,
		"SELECT target, snapshot FROM improvement_backups WHERE improvement_id = ?",
		improvementID,
	).Scan(&target, &snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", classify(fmt.Errorf("store: get backup: %w", err))
	}
	return target, snapshot, nil
}

// DeleteBackup discards a backup once its monitoring window closed.
func (s *Store) DeleteBackup(ctx context.Context, improvementID string) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"DELETE FROM improvement_backups WHERE improvement_id = ?", improvementID)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: delete backup: %w", err)
	}
	return nil
}

// AppendAudit writes one improvement audit entry.
func (s *Store) AppendAudit(ctx context.Context, improvementID, action, detail string) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO improvement_audit (improvement_id, action, detail, created_at)
			VALUES (?, ?, ?, ?)`,
			improvementID, action, detail, now(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

// AuditEntry is one row of the improvement audit trail.
type AuditEntry struct {
	ImprovementID string
	Action        string
	Detail        string
	CreatedAt     time.Time
}

// AuditTrail returns the audit entries for one improvement, oldest first.
func (s *Store) AuditTrail(ctx context.Context, improvementID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT improvement_id, action, detail, created_at
		FROM improvement_audit WHERE improvement_id = ? ORDER BY id`,
		improvementID,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("store: audit trail: %w", err))
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e         AuditEntry
			createdAt string
		)
		if err := rows.Scan(&e.ImprovementID, &e.Action, &e.Detail, &createdAt); err != nil {
			return nil, classify(fmt.Errorf("store: audit trail: %w", err))
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanImprovement(row scanner) (*Improvement, error) {
	var (
		imp          Improvement
		signalIDs    string
		shadowPassed sql.NullBool
		monStart     string
		monEnd       string
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(&imp.ID, &imp.Type, &imp.Tier, &imp.Target, &imp.CurrentValue,
		&imp.ProposedValue, &imp.Rationale, &signalIDs, &imp.Source, &shadowPassed,
		&imp.ShadowReport, &imp.Status, &monStart, &monEnd, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("store: scan improvement: %w", err))
	}
	if err := json.Unmarshal([]byte(signalIDs), &imp.SignalIDs); err != nil {
		return nil, fmt.Errorf("%w: signal_ids column: %w", ErrCorrupt, err)
	}
	if shadowPassed.Valid {
		imp.ShadowPassed = &shadowPassed.Bool
	}
	imp.MonitorStart = parseTime(monStart)
	imp.MonitorEnd = parseTime(monEnd)
	imp.CreatedAt = parseTime(createdAt)
	imp.UpdatedAt = parseTime(updatedAt)
	return &imp, nil
}
