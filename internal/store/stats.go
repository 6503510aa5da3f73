package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/synapse-relay/node/internal/model"
)

// UpsertStatsBucket writes or replaces the rollup row for a given
// period/signal_type/source/target key. The aggregator owns computing
// the bucket's contents; this just persists one.
func (s *Store) UpsertStatsBucket(ctx context.Context, b model.RelayStatsBucket) error {
	existing, err := s.findStatsBucketID(ctx, b.PeriodStart, b.SignalType, b.SourceServer, b.TargetServer)
	if err != nil {
		return err
	}

	if existing == 0 {
		query := fmt.Sprintf(`INSERT INTO relay_stats
			(period_start, signal_type, source_server, target_server,
			 total_relayed, success_count, failure_count, avg_latency_ms, max_latency_ms, buffered_count)
			VALUES (%s)`, joinPlaceholders(s.phList(1, 10)))
		_, err := s.db.SqlDB.ExecContext(ctx, query,
			b.PeriodStart, nullableUint16(b.SignalType), nullableStringPtr(b.SourceServer), nullableStringPtr(b.TargetServer),
			b.TotalRelayed, b.SuccessCount, b.FailureCount, nullableFloat64(b.AvgLatencyMs), nullableInt64Ptr(b.MaxLatencyMs), b.BufferedCount)
		if err != nil {
			return fmt.Errorf("store: insert stats bucket: %w", err)
		}
		return nil
	}

	query := fmt.Sprintf(`UPDATE relay_stats SET
		total_relayed = %s, success_count = %s, failure_count = %s,
		avg_latency_ms = %s, max_latency_ms = %s, buffered_count = %s
		WHERE id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
	_, err = s.db.SqlDB.ExecContext(ctx, query,
		b.TotalRelayed, b.SuccessCount, b.FailureCount,
		nullableFloat64(b.AvgLatencyMs), nullableInt64Ptr(b.MaxLatencyMs), b.BufferedCount, existing)
	if err != nil {
		return fmt.Errorf("store: update stats bucket: %w", err)
	}
	return nil
}

func (s *Store) findStatsBucketID(ctx context.Context, periodStart int64, signalType *uint16, source, target *string) (int64, error) {
	conds := []string{fmt.Sprintf("period_start = %s", s.ph(1))}
	args := []interface{}{periodStart}
	idx := 2

	if signalType == nil {
		conds = append(conds, "signal_type IS NULL")
	} else {
		conds = append(conds, fmt.Sprintf("signal_type = %s", s.ph(idx)))
		args = append(args, *signalType)
		idx++
	}
	if source == nil {
		conds = append(conds, "source_server IS NULL")
	} else {
		conds = append(conds, fmt.Sprintf("source_server = %s", s.ph(idx)))
		args = append(args, *source)
		idx++
	}
	if target == nil {
		conds = append(conds, "target_server IS NULL")
	} else {
		conds = append(conds, fmt.Sprintf("target_server = %s", s.ph(idx)))
		args = append(args, *target)
		idx++
	}

	where := conds[0]
	for _, c := range conds[1:] {
		where += " AND " + c
	}

	query := fmt.Sprintf(`SELECT id FROM relay_stats WHERE %s`, where)
	var id int64
	err := s.db.SqlDB.QueryRowContext(ctx, query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: find stats bucket: %w", err)
	}
	return id, nil
}

// StatsQuery filters QueryStats. A nil field means unfiltered; zero
// values for From/To mean unbounded.
type StatsQuery struct {
	From       int64
	To         int64
	SignalType *uint16
	Source     *string
	Target     *string
}

// QueryStats returns rollup buckets matching the filter, ordered by
// period_start ascending.
func (s *Store) QueryStats(ctx context.Context, q StatsQuery) ([]model.RelayStatsBucket, error) {
	conds := []string{}
	args := []interface{}{}
	idx := 1

	if q.From > 0 {
		conds = append(conds, fmt.Sprintf("period_start >= %s", s.ph(idx)))
		args = append(args, q.From)
		idx++
	}
	if q.To > 0 {
		conds = append(conds, fmt.Sprintf("period_start <= %s", s.ph(idx)))
		args = append(args, q.To)
		idx++
	}
	if q.SignalType != nil {
		conds = append(conds, fmt.Sprintf("signal_type = %s", s.ph(idx)))
		args = append(args, *q.SignalType)
		idx++
	}
	if q.Source != nil {
		conds = append(conds, fmt.Sprintf("source_server = %s", s.ph(idx)))
		args = append(args, *q.Source)
		idx++
	}
	if q.Target != nil {
		conds = append(conds, fmt.Sprintf("target_server = %s", s.ph(idx)))
		args = append(args, *q.Target)
		idx++
	}

	query := `SELECT id, period_start, signal_type, source_server, target_server,
		total_relayed, success_count, failure_count, avg_latency_ms, max_latency_ms, buffered_count
		FROM relay_stats`
	if len(conds) > 0 {
		where := conds[0]
		for _, c := range conds[1:] {
			where += " AND " + c
		}
		query += " WHERE " + where
	}
	query += " ORDER BY period_start ASC"

	rows, err := s.db.SqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query stats: %w", err)
	}
	defer rows.Close()

	var out []model.RelayStatsBucket
	for rows.Next() {
		var b model.RelayStatsBucket
		var signalType sql.NullInt64
		var source, target sql.NullString
		var avgLatency sql.NullFloat64
		var maxLatency sql.NullInt64

		if err := rows.Scan(&b.ID, &b.PeriodStart, &signalType, &source, &target,
			&b.TotalRelayed, &b.SuccessCount, &b.FailureCount, &avgLatency, &maxLatency, &b.BufferedCount); err != nil {
			return nil, fmt.Errorf("store: scan stats bucket: %w", err)
		}

		if signalType.Valid {
			v := uint16(signalType.Int64)
			b.SignalType = &v
		}
		if source.Valid {
			v := source.String
			b.SourceServer = &v
		}
		if target.Valid {
			v := target.String
			b.TargetServer = &v
		}
		if avgLatency.Valid {
			v := avgLatency.Float64
			b.AvgLatencyMs = &v
		}
		if maxLatency.Valid {
			v := maxLatency.Int64
			b.MaxLatencyMs = &v
		}

		out = append(out, b)
	}
	return out, rows.Err()
}

// VacuumStats deletes rollup rows older than horizonMs.
func (s *Store) VacuumStats(ctx context.Context, horizonMs int64) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM relay_stats WHERE period_start < %s`, s.ph(1))
	res, err := s.db.SqlDB.ExecContext(ctx, query, horizonMs)
	if err != nil {
		return 0, fmt.Errorf("store: vacuum stats: %w", err)
	}
	return res.RowsAffected()
}

func nullableUint16(v *uint16) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStringPtr(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat64(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
