// Package store is the relay node's durable persistence layer: relay
// history, relay rules, the offline buffer, and stats rollups. It owns
// every persisted row exclusively — every other component holds only
// transient copies.
//
// Grounded on the teacher's database.go connection-management style
// (context-scoped queries, *sql.DB, zap logging of every failure) with
// the schema switched from Bitcoin Sprint's API-key/chain-status tables
// to the four tables named in §6: signal_relays, relay_rules,
// signal_buffer, relay_stats.
package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/synapse-relay/node/internal/database"
)

// Store wraps the database connection with the relay schema.
type Store struct {
	db     *database.DB
	logger *zap.Logger
}

// New opens (and migrates) the store's schema on top of an existing
// database connection.
func New(db *database.DB, logger *zap.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS signal_relays (
			id TEXT PRIMARY KEY,
			signal_type INTEGER NOT NULL,
			source_server TEXT NOT NULL,
			target_servers TEXT NOT NULL,
			payload TEXT NOT NULL,
			priority TEXT NOT NULL,
			relayed_at BIGINT NOT NULL,
			success BOOLEAN NOT NULL,
			targets_reached TEXT NOT NULL,
			targets_failed TEXT NOT NULL,
			latency_ms BIGINT NOT NULL,
			error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_relays_relayed_at ON signal_relays(relayed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_relays_source ON signal_relays(source_server)`,

		`CREATE TABLE IF NOT EXISTS relay_rules (
			id ` + s.autoIncrementType() + `,
			signal_pattern INTEGER NOT NULL,
			source_filter TEXT,
			relay_to TEXT NOT NULL,
			transform TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at BIGINT NOT NULL,
			updated_at BIGINT,
			match_count BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relay_rules_pattern ON relay_rules(signal_pattern)`,

		`CREATE TABLE IF NOT EXISTS signal_buffer (
			id TEXT PRIMARY KEY,
			signal_type INTEGER NOT NULL,
			source_server TEXT NOT NULL,
			target_server TEXT NOT NULL,
			payload TEXT NOT NULL,
			priority TEXT NOT NULL,
			buffered_at BIGINT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_retry_at BIGINT,
			max_retries INTEGER NOT NULL DEFAULT 3,
			expires_at BIGINT,
			status TEXT NOT NULL DEFAULT 'pending'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_buffer_status ON signal_buffer(status)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_buffer_target ON signal_buffer(target_server)`,

		`CREATE TABLE IF NOT EXISTS relay_stats (
			id ` + s.autoIncrementType() + `,
			period_start BIGINT NOT NULL,
			signal_type INTEGER,
			source_server TEXT,
			target_server TEXT,
			total_relayed BIGINT NOT NULL DEFAULT 0,
			success_count BIGINT NOT NULL DEFAULT 0,
			failure_count BIGINT NOT NULL DEFAULT 0,
			avg_latency_ms DOUBLE PRECISION,
			max_latency_ms BIGINT,
			buffered_count BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relay_stats_period ON relay_stats(period_start)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.SqlDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) autoIncrementType() string {
	if s.db.IsPostgres() {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// ph returns the placeholder for bind parameter i (1-indexed), which
// differs between SQLite ("?") and Postgres ("$i").
func (s *Store) ph(i int) string {
	if s.db.IsPostgres() {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// phList returns n placeholders starting at offset, comma-joined.
func (s *Store) phList(offset, n int) []string {
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = s.ph(offset + i)
	}
	return out
}
