// ABOUTME: Versioned schema migrations shared by SQLite and Postgres
// ABOUTME: Timestamps are fixed-width UTC TEXT so lexical order equals time order

package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// timeLayout is fixed width so string comparison orders correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand or older tools may use plain RFC3339.
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "core routing tables",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS queues (
				id               TEXT PRIMARY KEY,
				name             TEXT NOT NULL,
				slug             TEXT NOT NULL,
				description      TEXT NOT NULL DEFAULT '',
				skills_required  TEXT NOT NULL DEFAULT '[]',
				priority_policy  TEXT NOT NULL DEFAULT '[]',
				is_default       INTEGER NOT NULL DEFAULT 0,
				created_at       TEXT NOT NULL,
				updated_at       TEXT NOT NULL,

				CHECK (is_default IN (0, 1))
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_queues_slug ON queues(slug)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_queues_single_default ON queues(is_default) WHERE is_default = 1`,
			`CREATE INDEX IF NOT EXISTS idx_queues_name ON queues(name)`,

			`CREATE TABLE IF NOT EXISTS conversations (
				id                   TEXT PRIMARY KEY,
				state                TEXT NOT NULL,
				queue_id             TEXT,
				assigned_operator_id TEXT,
				requester_type       TEXT NOT NULL,
				requester_identifier TEXT NOT NULL,
				requester_tier       TEXT NOT NULL DEFAULT '',
				channel              TEXT NOT NULL DEFAULT '',
				required_skills      TEXT NOT NULL DEFAULT '[]',
				last_activity_at     TEXT NOT NULL,
				created_at           TEXT NOT NULL,
				updated_at           TEXT NOT NULL,
				version              INTEGER NOT NULL DEFAULT 1,

				CHECK (state IN ('new', 'ai_handling', 'awaiting_human', 'queued', 'assigned', 'resolved', 'abandoned')),
				CHECK ((assigned_operator_id IS NOT NULL) = (state = 'assigned')),
				CHECK ((queue_id IS NOT NULL) = (state IN ('queued', 'assigned')))
			)`,
			`CREATE INDEX IF NOT EXISTS idx_conversations_state ON conversations(state)`,
			`CREATE INDEX IF NOT EXISTS idx_conversations_queue ON conversations(queue_id)`,

			`CREATE TABLE IF NOT EXISTS messages (
				id              TEXT PRIMARY KEY,
				conversation_id TEXT NOT NULL REFERENCES conversations(id),
				author          TEXT NOT NULL,
				author_id       TEXT NOT NULL DEFAULT '',
				body            TEXT NOT NULL,
				created_at      TEXT NOT NULL,

				CHECK (author IN ('requester', 'agent', 'operator'))
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,

			`CREATE TABLE IF NOT EXISTS queue_items (
				id              TEXT PRIMARY KEY,
				queue_id        TEXT NOT NULL REFERENCES queues(id),
				conversation_id TEXT NOT NULL REFERENCES conversations(id),
				enqueued_at     TEXT NOT NULL,
				priority_score  DOUBLE PRECISION NOT NULL DEFAULT 0,
				version         INTEGER NOT NULL DEFAULT 1
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_items_conversation ON queue_items(conversation_id)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_items_queue ON queue_items(queue_id, enqueued_at)`,

			`CREATE TABLE IF NOT EXISTS operators (
				id         TEXT PRIMARY KEY,
				name       TEXT NOT NULL,
				active     INTEGER NOT NULL DEFAULT 1,
				skills     TEXT NOT NULL DEFAULT '[]',
				updated_at TEXT NOT NULL
			)`,
		},
	},
	{
		version: 2,
		name:    "audit events and webhook outbox",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS audit_events (
				id              TEXT PRIMARY KEY,
				event_type      TEXT NOT NULL,
				conversation_id TEXT,
				queue_id        TEXT,
				actor_type      TEXT NOT NULL,
				actor_id        TEXT NOT NULL DEFAULT '',
				actor_name      TEXT NOT NULL DEFAULT '',
				payload_json    TEXT NOT NULL DEFAULT '{}',
				occurred_at     TEXT NOT NULL,

				CHECK (actor_type IN ('system', 'operator', 'requester', 'admin'))
			)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_events_occurred ON audit_events(occurred_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_events_conversation ON audit_events(conversation_id, occurred_at)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type)`,

			`CREATE TABLE IF NOT EXISTS webhooks (
				id             TEXT PRIMARY KEY,
				name           TEXT NOT NULL,
				url            TEXT NOT NULL,
				events         TEXT NOT NULL,
				secret_sealed  TEXT NOT NULL,
				active         INTEGER NOT NULL DEFAULT 1,
				metadata_json  TEXT NOT NULL DEFAULT '{}',
				created_at     TEXT NOT NULL,
				updated_at     TEXT NOT NULL
			)`,

			`CREATE TABLE IF NOT EXISTS webhook_deliveries (
				id             TEXT PRIMARY KEY,
				webhook_id     TEXT NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
				audit_event_id TEXT NOT NULL REFERENCES audit_events(id),
				event_type     TEXT NOT NULL,
				payload_json   TEXT NOT NULL,
				attempts       INTEGER NOT NULL DEFAULT 0,
				last_error     TEXT NOT NULL DEFAULT '',
				created_at     TEXT NOT NULL,
				dispatched_at  TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_deliveries_pending ON webhook_deliveries(dispatched_at, created_at)`,
		},
	},
}

// Migrate applies every migration not yet recorded in schema_migrations.
// Each migration runs in its own transaction and is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.sqlDB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("reading schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scanning migration version: %w", err)
		}
		applied[v] = true
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		err := s.runTx(ctx, func(q *Queries) error {
			for _, stmt := range m.stmts {
				if _, err := q.db.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("%s: %w", firstLine(stmt), err)
				}
			}
			_, err := q.exec(ctx, `INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.version, m.name, formatTime(time.Now()))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		s.logger.Info("applied migration", "version", m.version, "name", m.name)
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i > 0 {
		return stmt[:i]
	}
	return stmt
}
