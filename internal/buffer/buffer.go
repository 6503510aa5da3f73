// Package buffer is the offline buffer manager: it durably queues
// signals bound for currently unreachable targets and drives their
// retry schedule until delivery, expiry, or retry exhaustion.
//
// The backoff interval table is the conceptual descendant of the
// teacher's enterprise circuit breaker package's exponential-backoff
// helper (internal/circuitbreaker in the source repo, not carried into
// this tree — see the design notes for why); this version expresses
// the same clamped-exponential idea as a plain interval slice, with
// dueForRetry as the sole scheduling authority.
package buffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/synapse-relay/node/internal/broadcaster"
	"github.com/synapse-relay/node/internal/metrics"
	"github.com/synapse-relay/node/internal/model"
	"github.com/synapse-relay/node/internal/store"
)

// Store is the subset of *store.Store the buffer manager needs.
type Store interface {
	InsertBufferedSignal(ctx context.Context, b model.BufferedSignal) error
	ExpireSweep(ctx context.Context, nowMs int64) (int64, error)
	SelectRetryable(ctx context.Context) ([]model.BufferedSignal, error)
	GetPending(ctx context.Context, target string) ([]model.BufferedSignal, error)
	GetByIDs(ctx context.Context, ids []string) ([]model.BufferedSignal, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkRetryFailure(ctx context.Context, id string, nowMs int64) error
	MarkFailed(ctx context.Context, id string) error
	Clear(ctx context.Context, f store.ClearFilter, nowMs int64) (int64, error)
	CountByStatus(ctx context.Context) (map[model.BufferStatus]int64, error)
}

// DeliverFunc attempts one delivery of a buffered signal's payload to
// its target. It is installed once at startup and invoked only from
// this package's retry scheduler, per the single-owner delivery
// callback contract.
type DeliverFunc func(ctx context.Context, signalType uint16, source, target string, payload model.Payload) error

// Config controls buffered-row lifetime and retry scheduling.
type Config struct {
	TTLHours       int
	MaxRetries     int
	RetryIntervals []time.Duration
}

// Manager is the offline buffer manager.
type Manager struct {
	store   Store
	deliver DeliverFunc
	bus     *broadcaster.Bus
	logger  *zap.Logger
	cfg     Config

	// inFlightMu guards inFlight, which is read and written both from
	// the periodic retry ticker (ProcessBuffer) and from API-triggered
	// calls (RetryBufferedSignals, FlushBuffer) running concurrently in
	// the same process.
	inFlightMu sync.Mutex
	inFlight   map[string]bool
}

// New builds a buffer manager. deliver is the single delivery callback
// this manager owns exclusively.
func New(st Store, deliver DeliverFunc, bus *broadcaster.Bus, logger *zap.Logger, cfg Config) *Manager {
	if cfg.TTLHours <= 0 {
		cfg.TTLHours = 24
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if len(cfg.RetryIntervals) == 0 {
		cfg.RetryIntervals = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}
	}

	return &Manager{
		store:    st,
		deliver:  deliver,
		bus:      bus,
		logger:   logger,
		cfg:      cfg,
		inFlight: make(map[string]bool),
	}
}

// Enqueue writes a new pending row for a single (signal, target) pair.
func (m *Manager) Enqueue(ctx context.Context, signalType uint16, source, target string, payload model.Payload, priority model.Priority) error {
	now := model.NowMs()
	expires := now + int64(m.cfg.TTLHours)*3_600_000

	b := model.BufferedSignal{
		ID:           uuid.NewString(),
		SignalType:   signalType,
		SourceServer: source,
		TargetServer: target,
		Payload:      payload,
		Priority:     priority,
		BufferedAt:   now,
		RetryCount:   0,
		MaxRetries:   m.cfg.MaxRetries,
		ExpiresAt:    &expires,
		Status:       model.BufferPending,
	}

	if err := m.store.InsertBufferedSignal(ctx, b); err != nil {
		return fmt.Errorf("buffer: enqueue: %w", err)
	}
	return nil
}

// ProcessBuffer is the periodic retry driver: expire sweep, then select
// retryable rows subject to the backoff-interval filter, then attempt
// delivery of each, serialized per-id so a row never has more than one
// in-flight attempt.
func (m *Manager) ProcessBuffer(ctx context.Context) {
	now := model.NowMs()

	expired, err := m.store.ExpireSweep(ctx, now)
	if err != nil {
		m.logger.Error("buffer: expire sweep failed", zap.Error(err))
	} else if expired > 0 {
		metrics.BufferRetriesTotal.WithLabelValues("expired").Add(float64(expired))
		m.bus.Publish(broadcaster.TopicBufferExpired, map[string]interface{}{"count": expired})
	}

	candidates, err := m.store.SelectRetryable(ctx)
	if err != nil {
		m.logger.Error("buffer: select retryable failed", zap.Error(err))
		return
	}

	for _, b := range candidates {
		if !m.dueForRetry(b, now) {
			continue
		}
		if !m.acquire(b.ID) {
			continue
		}
		m.attempt(ctx, b)
		m.release(b.ID)
	}

	m.refreshGauges(ctx)
}

// acquire marks id in-flight, reporting false if it already was. A row
// never has more than one attempt running at a time, whether driven by
// the retry ticker or by an API-triggered retry/flush.
func (m *Manager) acquire(id string) bool {
	m.inFlightMu.Lock()
	defer m.inFlightMu.Unlock()
	if m.inFlight[id] {
		return false
	}
	m.inFlight[id] = true
	return true
}

func (m *Manager) release(id string) {
	m.inFlightMu.Lock()
	delete(m.inFlight, id)
	m.inFlightMu.Unlock()
}

// dueForRetry reports whether enough time has passed since the last
// attempt: now - last_attempt >= intervals[min(retry_count, len(intervals)-1)].
func (m *Manager) dueForRetry(b model.BufferedSignal, now int64) bool {
	last := b.BufferedAt
	if b.LastRetryAt != nil {
		last = *b.LastRetryAt
	}

	idx := b.RetryCount
	if idx >= len(m.cfg.RetryIntervals) {
		idx = len(m.cfg.RetryIntervals) - 1
	}
	required := m.cfg.RetryIntervals[idx].Milliseconds()

	return now-last >= required
}

// attempt tries exactly one delivery via the installed DeliverFunc. The
// interval scheduling between attempts is owned entirely by
// dueForRetry; this call never retries on its own.
func (m *Manager) attempt(ctx context.Context, b model.BufferedSignal) {
	err := m.deliver(ctx, b.SignalType, b.SourceServer, b.TargetServer, b.Payload)
	now := model.NowMs()

	if err == nil {
		if mErr := m.store.MarkDelivered(ctx, b.ID); mErr != nil {
			m.logger.Error("buffer: mark delivered failed", zap.String("id", b.ID), zap.Error(mErr))
		}
		metrics.BufferRetriesTotal.WithLabelValues("delivered").Inc()
		m.bus.Publish(broadcaster.TopicRelaySent, map[string]interface{}{
			"buffer_id": b.ID, "target": b.TargetServer, "signal_type": b.SignalType,
		})
		return
	}

	if mErr := m.store.MarkRetryFailure(ctx, b.ID, now); mErr != nil {
		m.logger.Error("buffer: mark retry failure failed", zap.String("id", b.ID), zap.Error(mErr))
	}
	metrics.BufferRetriesTotal.WithLabelValues("failed").Inc()
	m.bus.Publish(broadcaster.TopicBufferRetry, map[string]interface{}{
		"buffer_id": b.ID, "target": b.TargetServer, "retry_count": b.RetryCount + 1, "error": err.Error(),
	})
}

// RetryBufferedSignals attempts delivery of the listed pending rows
// exactly once each, bypassing the backoff-interval check.
func (m *Manager) RetryBufferedSignals(ctx context.Context, ids []string) (int, error) {
	rows, err := m.store.GetByIDs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("buffer: retry buffered signals: %w", err)
	}

	count := 0
	for _, b := range rows {
		if b.Status != model.BufferPending {
			continue
		}
		if !m.acquire(b.ID) {
			continue
		}
		m.attempt(ctx, b)
		m.release(b.ID)
		count++
	}
	return count, nil
}

// FlushBuffer attempts delivery of every pending row (optionally
// filtered by target) exactly once; each row lands on delivered or
// failed with no further retries after this pass.
func (m *Manager) FlushBuffer(ctx context.Context, target string) (int, error) {
	rows, err := m.store.GetPending(ctx, target)
	if err != nil {
		return 0, fmt.Errorf("buffer: flush: %w", err)
	}

	count := 0
	for _, b := range rows {
		if !m.acquire(b.ID) {
			continue
		}
		if err := m.deliver(ctx, b.SignalType, b.SourceServer, b.TargetServer, b.Payload); err == nil {
			_ = m.store.MarkDelivered(ctx, b.ID)
			metrics.BufferRetriesTotal.WithLabelValues("delivered").Inc()
		} else {
			_ = m.store.MarkFailed(ctx, b.ID)
			metrics.BufferRetriesTotal.WithLabelValues("failed").Inc()
		}
		m.release(b.ID)
		count++
	}
	return count, nil
}

// ClearBufferedSignals deletes matching rows. At least one filter must
// be supplied; ids take precedence over other filters.
func (m *Manager) ClearBufferedSignals(ctx context.Context, f store.ClearFilter) (int64, error) {
	n, err := m.store.Clear(ctx, f, model.NowMs())
	if err != nil {
		return 0, fmt.Errorf("buffer: clear: %w", err)
	}
	return n, nil
}

// ListPending returns pending rows, optionally filtered by target.
func (m *Manager) ListPending(ctx context.Context, target string) ([]model.BufferedSignal, error) {
	items, err := m.store.GetPending(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("buffer: list pending: %w", err)
	}
	return items, nil
}

// Stats returns live counts of the buffer's four states.
func (m *Manager) Stats(ctx context.Context) (map[model.BufferStatus]int64, error) {
	return m.store.CountByStatus(ctx)
}

func (m *Manager) refreshGauges(ctx context.Context) {
	counts, err := m.store.CountByStatus(ctx)
	if err != nil {
		return
	}
	for status, n := range counts {
		metrics.BufferedSignalsGauge.WithLabelValues(string(status)).Set(float64(n))
	}
}
