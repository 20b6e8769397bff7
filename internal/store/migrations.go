package store

import (
	"context"
	"fmt"
)

// CurrentSchemaVersion is the version a fully migrated database carries.
const CurrentSchemaVersion = 2

// migrations holds the ordered schema migrations. Index i holds the
// statements taking the schema from version i to i+1. Statements must be
// individually idempotent-safe to re-run only through the version guard in
// Migrate; the version row is what makes the whole process idempotent.
var migrations = [][]string{
	// v1: initial schema.
	{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS memories (
			id           TEXT PRIMARY KEY,
			summary      TEXT NOT NULL,
			content      TEXT NOT NULL,
			keywords     TEXT NOT NULL DEFAULT '[]',
			type         TEXT NOT NULL,
			source       TEXT NOT NULL,
			owner        TEXT NOT NULL,
			visibility   TEXT NOT NULL DEFAULT 'owner',
			status       TEXT NOT NULL DEFAULT 'active',
			access_count INTEGER NOT NULL DEFAULT 0,
			accessed_at  TEXT,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_owner ON memories(owner, status)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at)`,

		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			summary, content,
			content='memories', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS memories_fts_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, summary, content)
			VALUES (new.rowid, new.summary, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_fts_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, summary, content)
			VALUES ('delete', old.rowid, old.summary, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_fts_au AFTER UPDATE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, summary, content)
			VALUES ('delete', old.rowid, old.summary, old.content);
			INSERT INTO memories_fts(rowid, summary, content)
			VALUES (new.rowid, new.summary, new.content);
		END`,

		`CREATE TABLE IF NOT EXISTS memory_embeddings (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			model  TEXT NOT NULL,
			vector BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memory_embedding_map (
			memory_id    TEXT NOT NULL REFERENCES memories(id),
			embedding_id INTEGER NOT NULL REFERENCES memory_embeddings(id),
			model        TEXT NOT NULL,
			PRIMARY KEY (memory_id, model)
		)`,

		`CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			device_id  TEXT NOT NULL,
			speaker    TEXT,
			status     TEXT NOT NULL DEFAULT 'open',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			seq             INTEGER NOT NULL,
			role            TEXT NOT NULL,
			text            TEXT NOT NULL,
			intent          TEXT,
			confidence      REAL,
			entities        TEXT NOT NULL DEFAULT '[]',
			latency_ms      INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			UNIQUE (conversation_id, seq)
		)`,

		`CREATE TABLE IF NOT EXISTS ha_entity_cache (
			entity_id     TEXT PRIMARY KEY,
			domain        TEXT NOT NULL,
			state         TEXT NOT NULL,
			attributes    TEXT NOT NULL DEFAULT '{}',
			friendly_name TEXT NOT NULL DEFAULT '',
			device_class  TEXT NOT NULL DEFAULT '',
			area          TEXT NOT NULL DEFAULT '',
			keywords      TEXT NOT NULL DEFAULT '[]',
			aliases       TEXT NOT NULL DEFAULT '[]',
			changed_at    TEXT,
			updated_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entity_cache_domain ON ha_entity_cache(domain)`,

		`CREATE TABLE IF NOT EXISTS entity_aliases (
			alias      TEXT NOT NULL,
			entity_id  TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (alias, entity_id)
		)`,

		`CREATE TABLE IF NOT EXISTS signals (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			request_id TEXT NOT NULL DEFAULT '',
			speaker    TEXT NOT NULL DEFAULT '',
			utterance  TEXT NOT NULL DEFAULT '',
			intent     TEXT NOT NULL DEFAULT '',
			stage      INTEGER NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			expected   TEXT NOT NULL DEFAULT '',
			actual     TEXT NOT NULL DEFAULT '',
			processed  INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_processed ON signals(processed, created_at)`,

		`CREATE TABLE IF NOT EXISTS pending_improvements (
			id             TEXT PRIMARY KEY,
			type           TEXT NOT NULL,
			tier           INTEGER NOT NULL,
			target         TEXT NOT NULL,
			current_value  TEXT NOT NULL DEFAULT '',
			proposed_value TEXT NOT NULL,
			rationale      TEXT NOT NULL DEFAULT '',
			signal_ids     TEXT NOT NULL DEFAULT '[]',
			source         TEXT NOT NULL,
			shadow_passed  INTEGER,
			shadow_report  TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'pending',
			monitor_start  TEXT,
			monitor_end    TEXT,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_improvements_status ON pending_improvements(status, created_at)`,

		`CREATE TABLE IF NOT EXISTS improvement_backups (
			improvement_id TEXT PRIMARY KEY REFERENCES pending_improvements(id),
			target         TEXT NOT NULL,
			snapshot       TEXT NOT NULL,
			created_at     TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS improvement_audit (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			improvement_id TEXT NOT NULL,
			action         TEXT NOT NULL,
			detail         TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS golden_cases (
			id               TEXT PRIMARY KEY,
			utterance        TEXT NOT NULL UNIQUE,
			expected_intent  TEXT NOT NULL,
			expected_entities TEXT NOT NULL DEFAULT '[]',
			created_at       TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS training_examples (
			id         TEXT PRIMARY KEY,
			utterance  TEXT NOT NULL,
			intent     TEXT NOT NULL,
			source     TEXT NOT NULL DEFAULT 'seed',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_training_intent ON training_examples(intent)`,

		`CREATE TABLE IF NOT EXISTS operational_logs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			device_id  TEXT NOT NULL DEFAULT '',
			intent     TEXT NOT NULL DEFAULT '',
			stage      TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			outcome    TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_oplogs_created ON operational_logs(created_at)`,
	},

	// v2: alias provenance, so improvement rollbacks can distinguish learned
	// aliases from enrichment-derived ones.
	{
		`ALTER TABLE entity_aliases ADD COLUMN source TEXT NOT NULL DEFAULT 'enrichment'`,
		`CREATE INDEX IF NOT EXISTS idx_entity_aliases_entity ON entity_aliases(entity_id)`,
	},
}

// SchemaVersion returns the highest applied migration version, 0 for a fresh
// database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'",
	).Scan(&exists)
	if err != nil {
		return 0, classify(fmt.Errorf("store: read schema version: %w", err))
	}
	if exists == 0 {
		return 0, nil
	}
	var version int
	err = s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_version",
	).Scan(&version)
	if err != nil {
		return 0, classify(fmt.Errorf("store: read schema version: %w", err))
	}
	return version, nil
}

// Migrate brings the schema up to [CurrentSchemaVersion]. Already-applied
// versions are skipped, so running it repeatedly is a no-op.
func (s *Store) Migrate(ctx context.Context) error {
	return s.MigrateTo(ctx, CurrentSchemaVersion)
}

// MigrateTo applies migrations up to and including target. Each version runs
// in its own transaction together with its schema_version row, so a crash
// mid-migration leaves the version table truthful.
func (s *Store) MigrateTo(ctx context.Context, target int) error {
	if target > CurrentSchemaVersion {
		return fmt.Errorf("store: unknown schema version %d (latest is %d)", target, CurrentSchemaVersion)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current >= target {
		return nil
	}

	for version := current + 1; version <= target; version++ {
		stmts := migrations[version-1]
		err := s.withRetry(ctx, func() error {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer tx.Rollback()

			for _, stmt := range stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration v%d: %w", version, err)
				}
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
				version, now(),
			); err != nil {
				return fmt.Errorf("migration v%d: record version: %w", version, err)
			}
			return tx.Commit()
		})
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		s.log.Info("schema migrated", "version", version)
	}
	return nil
}
