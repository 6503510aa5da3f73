// Package tumbler is the inbound admission filter: it enforces the
// signal-type whitelist, the freshness window, and a replay check
// before a decoded message reaches a protocol handler. The peer
// whitelist is advisory only, mirrored here as a deliberate, documented
// design choice: a sender not on the whitelist is still admitted
// (heartbeats from anyone are welcomed) so that a misconfigured peer
// list never blocks basic liveness traffic.
package tumbler

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/synapse-relay/node/internal/codec"
)

// Config controls tumbler admission.
type Config struct {
	SignalWhitelist       []uint16 // empty means "accept any signal type"
	FreshnessWindow       time.Duration
	FutureToleranceWindow time.Duration
}

// Tumbler validates decoded messages before dispatch.
type Tumbler struct {
	mu        sync.RWMutex
	whitelist map[uint16]struct{}
	freshness time.Duration
	future    time.Duration
	logger    *zap.Logger

	// seen is a bounded cache of (sender, signal_type, timestamp) keys
	// admitted in the current freshness window. A key already present
	// means the same datagram was replayed; it is rejected rather than
	// dispatched a second time.
	seen *lru.Cache
}

// New builds a Tumbler from config. An empty whitelist accepts every
// signal type, per §4.2.
func New(cfg Config, logger *zap.Logger) *Tumbler {
	whitelist := make(map[uint16]struct{}, len(cfg.SignalWhitelist))
	for _, code := range cfg.SignalWhitelist {
		whitelist[code] = struct{}{}
	}

	freshness := cfg.FreshnessWindow
	if freshness <= 0 {
		freshness = 300 * time.Second
	}
	future := cfg.FutureToleranceWindow
	if future <= 0 {
		future = 60 * time.Second
	}

	seen, _ := lru.New(4096)

	return &Tumbler{
		whitelist: whitelist,
		freshness: freshness,
		future:    future,
		logger:    logger,
		seen:      seen,
	}
}

// Accept reports whether a decoded message passes admission. Rejection
// is always silent to the wire — callers log at debug/error and drop.
func (t *Tumbler) Accept(msg *codec.Message, sender string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.whitelist) > 0 {
		if _, ok := t.whitelist[msg.SignalType]; !ok {
			t.logger.Debug("tumbler: rejected unknown signal type",
				zap.Uint16("signal_type", msg.SignalType))
			return false
		}
	}

	nowMs := time.Now().UnixMilli()
	tsMs := msg.Timestamp * 1000

	if abs64(nowMs-tsMs) > t.freshness.Milliseconds() {
		t.logger.Debug("tumbler: rejected stale message",
			zap.Int64("ts_ms", tsMs), zap.Int64("now_ms", nowMs))
		return false
	}
	if tsMs-nowMs > t.future.Milliseconds() {
		t.logger.Debug("tumbler: rejected far-future message",
			zap.Int64("ts_ms", tsMs), zap.Int64("now_ms", nowMs))
		return false
	}

	if t.seen != nil {
		key := replayKey(sender, msg.SignalType, msg.Timestamp)
		if _, ok := t.seen.Get(key); ok {
			t.logger.Debug("tumbler: rejected replayed message",
				zap.String("sender", sender), zap.Uint16("signal_type", msg.SignalType))
			return false
		}
		t.seen.Add(key, nowMs)
	}

	return true
}

// replayKey identifies one admitted datagram by sender, signal type,
// and wire timestamp; a repeat of all three within the freshness
// window is treated as a replay of the same message.
func replayKey(sender string, signalType uint16, timestamp int64) string {
	return fmt.Sprintf("%s:%d:%d", sender, signalType, timestamp)
}

// SetWhitelist replaces the signal-type whitelist at runtime.
func (t *Tumbler) SetWhitelist(codes []uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.whitelist = make(map[uint16]struct{}, len(codes))
	for _, code := range codes {
		t.whitelist[code] = struct{}{}
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
