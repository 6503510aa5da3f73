package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/synapse-relay/node/internal/model"
)

// InsertBufferedSignal writes a new pending row.
func (s *Store) InsertBufferedSignal(ctx context.Context, b model.BufferedSignal) error {
	payload, err := json.Marshal(b.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal payload: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO signal_buffer
		(id, signal_type, source_server, target_server, payload, priority,
		 buffered_at, retry_count, last_retry_at, max_retries, expires_at, status)
		VALUES (%s)`, joinPlaceholders(s.phList(1, 12)))

	_, err = s.db.SqlDB.ExecContext(ctx, query,
		b.ID, b.SignalType, b.SourceServer, b.TargetServer, string(payload), string(b.Priority),
		b.BufferedAt, b.RetryCount, nullableInt64(b.LastRetryAt), b.MaxRetries, nullableInt64(b.ExpiresAt), string(b.Status))
	if err != nil {
		s.logger.Error("store: insert buffered signal failed", zap.Error(err))
		return fmt.Errorf("store: insert buffered signal: %w", err)
	}
	return nil
}

// ExpireSweep marks every pending row whose expires_at has passed as
// expired, as a single statement, and returns the count affected.
func (s *Store) ExpireSweep(ctx context.Context, nowMs int64) (int64, error) {
	query := fmt.Sprintf(`UPDATE signal_buffer SET status = %s
		WHERE status = %s AND expires_at IS NOT NULL AND expires_at < %s`,
		s.ph(1), s.ph(2), s.ph(3))

	res, err := s.db.SqlDB.ExecContext(ctx, query, string(model.BufferExpired), string(model.BufferPending), nowMs)
	if err != nil {
		return 0, fmt.Errorf("store: expire sweep: %w", err)
	}
	return res.RowsAffected()
}

// SelectRetryable returns pending rows whose retry_count is below
// max_retries, ordered by priority desc then buffered_at asc. It does
// not check expires_at; expired rows are left out only because the
// caller's ExpireSweep has already moved them out of pending.
// The backoff-interval filter (§4.5 step 2) is applied by the caller,
// since it depends on a per-row interval table rather than SQL alone.
func (s *Store) SelectRetryable(ctx context.Context) ([]model.BufferedSignal, error) {
	query := fmt.Sprintf(`SELECT id, signal_type, source_server, target_server, payload, priority,
		buffered_at, retry_count, last_retry_at, max_retries, expires_at, status
		FROM signal_buffer WHERE status = %s AND retry_count < max_retries
		ORDER BY buffered_at ASC`, s.ph(1))

	rows, err := s.db.SqlDB.QueryContext(ctx, query, string(model.BufferPending))
	if err != nil {
		return nil, fmt.Errorf("store: select retryable: %w", err)
	}
	defer rows.Close()

	items, err := scanBuffered(rows)
	if err != nil {
		return nil, err
	}

	// Priority desc, buffered_at asc (stable secondary key already in SQL order).
	for i := 1; i < len(items); i++ {
		j := i
		for j > 0 && items[j].Priority.Weight() > items[j-1].Priority.Weight() {
			items[j], items[j-1] = items[j-1], items[j]
			j--
		}
	}

	return items, nil
}

// GetPending returns pending rows, optionally filtered by target.
func (s *Store) GetPending(ctx context.Context, target string) ([]model.BufferedSignal, error) {
	var query string
	var args []interface{}
	if target == "" {
		query = fmt.Sprintf(`SELECT id, signal_type, source_server, target_server, payload, priority,
			buffered_at, retry_count, last_retry_at, max_retries, expires_at, status
			FROM signal_buffer WHERE status = %s`, s.ph(1))
		args = []interface{}{string(model.BufferPending)}
	} else {
		query = fmt.Sprintf(`SELECT id, signal_type, source_server, target_server, payload, priority,
			buffered_at, retry_count, last_retry_at, max_retries, expires_at, status
			FROM signal_buffer WHERE status = %s AND target_server = %s`, s.ph(1), s.ph(2))
		args = []interface{}{string(model.BufferPending), target}
	}

	rows, err := s.db.SqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get pending: %w", err)
	}
	defer rows.Close()
	return scanBuffered(rows)
}

// GetByIDs returns buffered rows matching the given ids.
func (s *Store) GetByIDs(ctx context.Context, ids []string) ([]model.BufferedSignal, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := s.phList(1, len(ids))
	query := fmt.Sprintf(`SELECT id, signal_type, source_server, target_server, payload, priority,
		buffered_at, retry_count, last_retry_at, max_retries, expires_at, status
		FROM signal_buffer WHERE id IN (%s)`, joinPlaceholders(placeholders))

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.SqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get by ids: %w", err)
	}
	defer rows.Close()
	return scanBuffered(rows)
}

// MarkDelivered transitions a row to delivered. Idempotent: a row
// already terminal is left untouched (WHERE status = pending guards it).
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	query := fmt.Sprintf(`UPDATE signal_buffer SET status = %s WHERE id = %s AND status = %s`,
		s.ph(1), s.ph(2), s.ph(3))
	_, err := s.db.SqlDB.ExecContext(ctx, query, string(model.BufferDelivered), id, string(model.BufferPending))
	return err
}

// MarkRetryFailure increments retry_count and stamps last_retry_at; if
// the post-increment count reaches max_retries, the row transitions to
// failed in the same statement.
func (s *Store) MarkRetryFailure(ctx context.Context, id string, nowMs int64) error {
	query := fmt.Sprintf(`UPDATE signal_buffer SET
		retry_count = retry_count + 1,
		last_retry_at = %s,
		status = CASE WHEN retry_count + 1 >= max_retries THEN %s ELSE status END
		WHERE id = %s AND status = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	_, err := s.db.SqlDB.ExecContext(ctx, query, nowMs, string(model.BufferFailed), id, string(model.BufferPending))
	return err
}

// MarkFailed force-transitions a pending row to failed (used by flush).
func (s *Store) MarkFailed(ctx context.Context, id string) error {
	query := fmt.Sprintf(`UPDATE signal_buffer SET status = %s WHERE id = %s AND status = %s`,
		s.ph(1), s.ph(2), s.ph(3))
	_, err := s.db.SqlDB.ExecContext(ctx, query, string(model.BufferFailed), id, string(model.BufferPending))
	return err
}

// ClearFilter describes which buffered rows to delete.
type ClearFilter struct {
	IDs          []string
	Target       string
	SignalType   *uint16
	MaxAgeHours  *int
}

// Clear deletes matching rows. IDs take precedence over other filters
// when both are given, per §4.5.
func (s *Store) Clear(ctx context.Context, f ClearFilter, nowMs int64) (int64, error) {
	if len(f.IDs) > 0 {
		placeholders := s.phList(1, len(f.IDs))
		query := fmt.Sprintf(`DELETE FROM signal_buffer WHERE id IN (%s)`, joinPlaceholders(placeholders))
		args := make([]interface{}, len(f.IDs))
		for i, id := range f.IDs {
			args[i] = id
		}
		res, err := s.db.SqlDB.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("store: clear by ids: %w", err)
		}
		return res.RowsAffected()
	}

	conds := []string{}
	args := []interface{}{}
	idx := 1

	if f.Target != "" {
		conds = append(conds, fmt.Sprintf("target_server = %s", s.ph(idx)))
		args = append(args, f.Target)
		idx++
	}
	if f.SignalType != nil {
		conds = append(conds, fmt.Sprintf("signal_type = %s", s.ph(idx)))
		args = append(args, *f.SignalType)
		idx++
	}
	if f.MaxAgeHours != nil {
		cutoff := nowMs - int64(*f.MaxAgeHours)*3_600_000
		conds = append(conds, fmt.Sprintf("buffered_at < %s", s.ph(idx)))
		args = append(args, cutoff)
		idx++
	}

	if len(conds) == 0 {
		return 0, fmt.Errorf("store: clear requires at least one filter")
	}

	where := conds[0]
	for _, c := range conds[1:] {
		where += " AND " + c
	}

	query := fmt.Sprintf(`DELETE FROM signal_buffer WHERE %s`, where)
	res, err := s.db.SqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("store: clear: %w", err)
	}
	return res.RowsAffected()
}

// VacuumBuffer deletes non-pending rows older than horizonMs.
func (s *Store) VacuumBuffer(ctx context.Context, horizonMs int64) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM signal_buffer WHERE status != %s AND buffered_at < %s`,
		s.ph(1), s.ph(2))
	res, err := s.db.SqlDB.ExecContext(ctx, query, string(model.BufferPending), horizonMs)
	if err != nil {
		return 0, fmt.Errorf("store: vacuum buffer: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus returns live counts of each of the four buffer states.
func (s *Store) CountByStatus(ctx context.Context) (map[model.BufferStatus]int64, error) {
	rows, err := s.db.SqlDB.QueryContext(ctx, `SELECT status, COUNT(*) FROM signal_buffer GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: count by status: %w", err)
	}
	defer rows.Close()

	out := map[model.BufferStatus]int64{
		model.BufferPending:   0,
		model.BufferDelivered: 0,
		model.BufferExpired:   0,
		model.BufferFailed:    0,
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("store: scan status count: %w", err)
		}
		out[model.BufferStatus(status)] = count
	}
	return out, rows.Err()
}

func scanBuffered(rows *sql.Rows) ([]model.BufferedSignal, error) {
	var out []model.BufferedSignal
	for rows.Next() {
		var b model.BufferedSignal
		var payload, priority, status string
		var lastRetryAt, expiresAt sql.NullInt64

		if err := rows.Scan(&b.ID, &b.SignalType, &b.SourceServer, &b.TargetServer, &payload, &priority,
			&b.BufferedAt, &b.RetryCount, &lastRetryAt, &b.MaxRetries, &expiresAt, &status); err != nil {
			return nil, fmt.Errorf("store: scan buffered signal: %w", err)
		}

		b.Priority = model.Priority(priority)
		b.Status = model.BufferStatus(status)
		if lastRetryAt.Valid {
			v := lastRetryAt.Int64
			b.LastRetryAt = &v
		}
		if expiresAt.Valid {
			v := expiresAt.Int64
			b.ExpiresAt = &v
		}
		_ = json.Unmarshal([]byte(payload), &b.Payload)

		out = append(out, b)
	}
	return out, rows.Err()
}

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
