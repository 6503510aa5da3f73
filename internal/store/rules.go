package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/synapse-relay/node/internal/model"
)

// AddRule inserts a new relay rule and returns its generated id.
func (s *Store) AddRule(ctx context.Context, r model.RelayRule) (int64, error) {
	relayTo, err := json.Marshal(r.RelayTo)
	if err != nil {
		return 0, fmt.Errorf("store: marshal relay_to: %w", err)
	}
	transform, err := json.Marshal(r.Transform)
	if err != nil {
		return 0, fmt.Errorf("store: marshal transform: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO relay_rules
		(signal_pattern, source_filter, relay_to, transform, priority, enabled, created_at, match_count)
		VALUES (%s)`, joinPlaceholders(s.phList(1, 8)))

	if s.db.IsPostgres() {
		query += " RETURNING id"
		var id int64
		err := s.db.SqlDB.QueryRowContext(ctx, query,
			r.SignalPattern, nullableString(r.SourceFilter), string(relayTo), string(transform),
			r.Priority, r.Enabled, r.CreatedAt, 0).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("store: add rule: %w", err)
		}
		return id, nil
	}

	res, err := s.db.SqlDB.ExecContext(ctx, query,
		r.SignalPattern, nullableString(r.SourceFilter), string(relayTo), string(transform),
		r.Priority, r.Enabled, r.CreatedAt, 0)
	if err != nil {
		s.logger.Error("store: add rule failed", zap.Error(err))
		return 0, fmt.Errorf("store: add rule: %w", err)
	}
	return res.LastInsertId()
}

// UpdateRule updates a rule's mutable fields. Returns whether any row
// was affected.
func (s *Store) UpdateRule(ctx context.Context, r model.RelayRule) (bool, error) {
	relayTo, err := json.Marshal(r.RelayTo)
	if err != nil {
		return false, fmt.Errorf("store: marshal relay_to: %w", err)
	}
	transform, err := json.Marshal(r.Transform)
	if err != nil {
		return false, fmt.Errorf("store: marshal transform: %w", err)
	}

	query := fmt.Sprintf(`UPDATE relay_rules SET
		signal_pattern = %s, source_filter = %s, relay_to = %s, transform = %s,
		priority = %s, enabled = %s, updated_at = %s
		WHERE id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8))

	res, err := s.db.SqlDB.ExecContext(ctx, query,
		r.SignalPattern, nullableString(r.SourceFilter), string(relayTo), string(transform),
		r.Priority, r.Enabled, r.UpdatedAt, r.ID)
	if err != nil {
		return false, fmt.Errorf("store: update rule: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RemoveRule deletes a rule by id. Returns whether any row was affected.
func (s *Store) RemoveRule(ctx context.Context, id int64) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM relay_rules WHERE id = %s`, s.ph(1))
	res, err := s.db.SqlDB.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("store: remove rule: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListRules returns all rules, enabled and disabled, sorted by
// priority descending.
func (s *Store) ListRules(ctx context.Context) ([]model.RelayRule, error) {
	rows, err := s.db.SqlDB.QueryContext(ctx, `SELECT id, signal_pattern, source_filter, relay_to,
		transform, priority, enabled, created_at, updated_at, match_count
		FROM relay_rules ORDER BY priority DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list rules: %w", err)
	}
	defer rows.Close()

	return scanRules(rows)
}

// MatchRules returns all enabled rules whose signal_pattern equals
// signalType, sorted by priority descending. This is a pure read: the
// caller applies its own source_filter check on top and reports back,
// via IncrementMatchCount, only the rules that matched in full.
func (s *Store) MatchRules(ctx context.Context, signalType uint16) ([]model.RelayRule, error) {
	query := fmt.Sprintf(`SELECT id, signal_pattern, source_filter, relay_to,
		transform, priority, enabled, created_at, updated_at, match_count
		FROM relay_rules WHERE signal_pattern = %s AND enabled = %s ORDER BY priority DESC`,
		s.ph(1), s.ph(2))

	rows, err := s.db.SqlDB.QueryContext(ctx, query, signalType, true)
	if err != nil {
		return nil, fmt.Errorf("store: match rules: %w", err)
	}
	defer rows.Close()

	return scanRules(rows)
}

// IncrementMatchCount bumps match_count by one for each rule id. Called
// only with the ids of rules that matched both signal_pattern and any
// source_filter.
func (s *Store) IncrementMatchCount(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		query := fmt.Sprintf(`UPDATE relay_rules SET match_count = match_count + 1 WHERE id = %s`, s.ph(1))
		if _, err := s.db.SqlDB.ExecContext(ctx, query, id); err != nil {
			s.logger.Error("store: increment match_count failed", zap.Int64("rule_id", id), zap.Error(err))
			return fmt.Errorf("store: increment match_count: %w", err)
		}
	}
	return nil
}

func scanRules(rows *sql.Rows) ([]model.RelayRule, error) {
	var out []model.RelayRule
	for rows.Next() {
		var r model.RelayRule
		var sourceFilter sql.NullString
		var relayTo, transform string
		var updatedAt sql.NullInt64

		if err := rows.Scan(&r.ID, &r.SignalPattern, &sourceFilter, &relayTo, &transform,
			&r.Priority, &r.Enabled, &r.CreatedAt, &updatedAt, &r.MatchCount); err != nil {
			return nil, fmt.Errorf("store: scan rule: %w", err)
		}

		if sourceFilter.Valid {
			r.SourceFilter = sourceFilter.String
		}
		if updatedAt.Valid {
			v := updatedAt.Int64
			r.UpdatedAt = &v
		}
		_ = json.Unmarshal([]byte(relayTo), &r.RelayTo)
		_ = json.Unmarshal([]byte(transform), &r.Transform)

		out = append(out, r)
	}
	return out, rows.Err()
}
