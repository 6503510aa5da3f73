package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// VacuumAll runs the retention sweep across all three append-heavy
// tables (relay history, the offline buffer's terminal rows, and stats
// rollups), keeping rows newer than horizonMs in each.
func (s *Store) VacuumAll(ctx context.Context, horizonMs int64) error {
	relays, err := s.VacuumRelayRecords(ctx, horizonMs)
	if err != nil {
		return fmt.Errorf("store: vacuum all: %w", err)
	}
	buffer, err := s.VacuumBuffer(ctx, horizonMs)
	if err != nil {
		return fmt.Errorf("store: vacuum all: %w", err)
	}
	stats, err := s.VacuumStats(ctx, horizonMs)
	if err != nil {
		return fmt.Errorf("store: vacuum all: %w", err)
	}

	s.logger.Info("store: vacuum complete",
		zap.Int64("relay_records_deleted", relays),
		zap.Int64("buffer_rows_deleted", buffer),
		zap.Int64("stats_rows_deleted", stats))
	return nil
}
