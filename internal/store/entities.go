package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EntityRow is the persisted snapshot of one mirrored smart-home entity. The
// live view belongs to the mirror; this row exists so a restart can serve
// queries before the first bulk fetch completes.
type EntityRow struct {
	EntityID     string
	Domain       string
	State        string
	Attributes   map[string]any
	FriendlyName string
	DeviceClass  string
	Area         string
	Keywords     []string
	Aliases      []string
	ChangedAt    time.Time
	UpdatedAt    time.Time
}

// UpsertEntity writes the snapshot row for one entity.
func (s *Store) UpsertEntity(ctx context.Context, e EntityRow) error {
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return fmt.Errorf("store: encode attributes: %w", err)
	}
	keywords, err := json.Marshal(append([]string{}, e.Keywords...))
	if err != nil {
		return fmt.Errorf("store: encode keywords: %w", err)
	}
	aliases, err := json.Marshal(append([]string{}, e.Aliases...))
	if err != nil {
		return fmt.Errorf("store: encode aliases: %w", err)
	}

	var changedAt string
	if !e.ChangedAt.IsZero() {
		changedAt = e.ChangedAt.UTC().Format(time.RFC3339Nano)
	}

	err = s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO ha_entity_cache (entity_id, domain, state, attributes,
				friendly_name, device_class, area, keywords, aliases, changed_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_id) DO UPDATE SET
				domain = excluded.domain,
				state = excluded.state,
				attributes = excluded.attributes,
				friendly_name = excluded.friendly_name,
				device_class = excluded.device_class,
				area = excluded.area,
				keywords = excluded.keywords,
				aliases = excluded.aliases,
				changed_at = excluded.changed_at,
				updated_at = excluded.updated_at`,
			e.EntityID, e.Domain, e.State, string(attrs), e.FriendlyName,
			e.DeviceClass, e.Area, string(keywords), string(aliases), changedAt, now(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: upsert entity: %w", err)
	}
	return nil
}

// GetEntity returns one snapshot row.
func (s *Store) GetEntity(ctx context.Context, entityID string) (*EntityRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_id, domain, state, attributes, friendly_name, device_class,
			area, keywords, aliases, COALESCE(changed_at, ''), updated_at
		FROM ha_entity_cache WHERE entity_id = ?`, entityID)
	return scanEntity(row)
}

// ListEntities returns every snapshot row; the mirror loads these at startup.
func (s *Store) ListEntities(ctx context.Context) ([]EntityRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, domain, state, attributes, friendly_name, device_class,
			area, keywords, aliases, COALESCE(changed_at, ''), updated_at
		FROM ha_entity_cache ORDER BY entity_id`)
	if err != nil {
		return nil, classify(fmt.Errorf("store: list entities: %w", err))
	}
	defer rows.Close()

	var out []EntityRow
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEntity(row scanner) (*EntityRow, error) {
	var (
		e                        EntityRow
		attrs, keywords, aliases string
		changedAt, updatedAt     string
	)
	err := row.Scan(&e.EntityID, &e.Domain, &e.State, &attrs, &e.FriendlyName,
		&e.DeviceClass, &e.Area, &keywords, &aliases, &changedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("store: scan entity: %w", err))
	}
	if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
		return nil, fmt.Errorf("%w: attributes column: %w", ErrCorrupt, err)
	}
	if err := json.Unmarshal([]byte(keywords), &e.Keywords); err != nil {
		return nil, fmt.Errorf("%w: keywords column: %w", ErrCorrupt, err)
	}
	if err := json.Unmarshal([]byte(aliases), &e.Aliases); err != nil {
		return nil, fmt.Errorf("%w: aliases column: %w", ErrCorrupt, err)
	}
	e.ChangedAt = parseTime(changedAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

// AddEntityAlias records one learned alias. source distinguishes enrichment
// aliases from improvement-applied ones so rollbacks can target the latter.
// Duplicate (alias, entity) pairs are ignored.
func (s *Store) AddEntityAlias(ctx context.Context, alias, entityID, source string) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO entity_aliases (alias, entity_id, source, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(alias, entity_id) DO NOTHING`,
			alias, entityID, source, now(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: add entity alias: %w", err)
	}
	return nil
}

// RemoveEntityAlias deletes one alias pair. Used by improvement rollback.
func (s *Store) RemoveEntityAlias(ctx context.Context, alias, entityID string) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"DELETE FROM entity_aliases WHERE alias = ? AND entity_id = ?", alias, entityID)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: remove entity alias: %w", err)
	}
	return nil
}

// EntityAliases returns alias → entity ID pairs, all of them when entityID is
// empty.
func (s *Store) EntityAliases(ctx context.Context, entityID string) (map[string][]string, error) {
	query := "SELECT alias, entity_id FROM entity_aliases"
	args := []any{}
	if entityID != "" {
		query += " WHERE entity_id = ?"
		args = append(args, entityID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("store: list entity aliases: %w", err))
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var alias, id string
		if err := rows.Scan(&alias, &id); err != nil {
			return nil, classify(fmt.Errorf("store: list entity aliases: %w", err))
		}
		out[alias] = append(out[alias], id)
	}
	return out, rows.Err()
}
