package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/synapse-relay/node/internal/model"
)

// InsertRelayRecord writes one immutable history row per relaySignal
// call. Records are never updated after insert.
func (s *Store) InsertRelayRecord(ctx context.Context, r model.RelayRecord) error {
	targets, err := json.Marshal(r.TargetServers)
	if err != nil {
		return fmt.Errorf("store: marshal target_servers: %w", err)
	}
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal payload: %w", err)
	}
	reached, err := json.Marshal(r.TargetsReached)
	if err != nil {
		return fmt.Errorf("store: marshal targets_reached: %w", err)
	}
	failed, err := json.Marshal(r.TargetsFailed)
	if err != nil {
		return fmt.Errorf("store: marshal targets_failed: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO signal_relays
		(id, signal_type, source_server, target_servers, payload, priority,
		 relayed_at, success, targets_reached, targets_failed, latency_ms, error_message)
		VALUES (%s)`, joinPlaceholders(s.phList(1, 12)))

	_, err = s.db.SqlDB.ExecContext(ctx, query,
		r.ID, r.SignalType, r.SourceServer, string(targets), string(payload), string(r.Priority),
		r.RelayedAt, r.Success, string(reached), string(failed), r.LatencyMs, nullableString(r.ErrorMessage))
	if err != nil {
		s.logger.Error("store: insert relay record failed", zap.Error(err))
		return fmt.Errorf("store: insert relay record: %w", err)
	}
	return nil
}

// ListRelayRecordsSince returns every relay record with relayed_at >=
// sinceMs, ordered oldest-first, capped at limit rows (the stats
// aggregator's 10,000-row-per-tick cap lives here).
func (s *Store) ListRelayRecordsSince(ctx context.Context, sinceMs int64, limit int) ([]model.RelayRecord, error) {
	query := fmt.Sprintf(`SELECT id, signal_type, source_server, target_servers, payload, priority,
		relayed_at, success, targets_reached, targets_failed, latency_ms, error_message
		FROM signal_relays WHERE relayed_at >= %s ORDER BY relayed_at ASC LIMIT %s`,
		s.ph(1), s.ph(2))

	rows, err := s.db.SqlDB.QueryContext(ctx, query, sinceMs, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list relay records: %w", err)
	}
	defer rows.Close()

	var out []model.RelayRecord
	for rows.Next() {
		var r model.RelayRecord
		var targets, payload, reached, failed string
		var errMsg sql.NullString
		var priority string

		if err := rows.Scan(&r.ID, &r.SignalType, &r.SourceServer, &targets, &payload, &priority,
			&r.RelayedAt, &r.Success, &reached, &failed, &r.LatencyMs, &errMsg); err != nil {
			return nil, fmt.Errorf("store: scan relay record: %w", err)
		}

		r.Priority = model.Priority(priority)
		if errMsg.Valid {
			r.ErrorMessage = errMsg.String
		}
		_ = json.Unmarshal([]byte(targets), &r.TargetServers)
		_ = json.Unmarshal([]byte(payload), &r.Payload)
		_ = json.Unmarshal([]byte(reached), &r.TargetsReached)
		_ = json.Unmarshal([]byte(failed), &r.TargetsFailed)

		out = append(out, r)
	}
	return out, rows.Err()
}

// VacuumRelayRecords deletes signal_relays rows older than horizonMs.
func (s *Store) VacuumRelayRecords(ctx context.Context, horizonMs int64) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM signal_relays WHERE relayed_at < %s`, s.ph(1))
	res, err := s.db.SqlDB.ExecContext(ctx, query, horizonMs)
	if err != nil {
		return 0, fmt.Errorf("store: vacuum relay records: %w", err)
	}
	return res.RowsAffected()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func joinPlaceholders(ph []string) string {
	out := ph[0]
	for _, p := range ph[1:] {
		out += ", " + p
	}
	return out
}
