// Package relay is the delivery engine: it resolves routing rules for
// an outbound signal, applies their transforms, sends one datagram per
// target concurrently over UDP, classifies each target's outcome, and
// records the attempt.
//
// The per-target circuit breaker follows the teacher's FastRead
// pattern (internal/headers/wire.go in the source repo), which wraps
// each remote call in a *gobreaker.CircuitBreaker rather than retrying
// blindly against a target that is already known-bad.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/synapse-relay/node/internal/broadcaster"
	"github.com/synapse-relay/node/internal/codec"
	"github.com/synapse-relay/node/internal/metrics"
	"github.com/synapse-relay/node/internal/model"
	"github.com/synapse-relay/node/internal/netkit"
	"github.com/synapse-relay/node/internal/rules"
)

// senderName is stamped into every outbound datagram's payload.
const senderName = "synapse-relay"

// Store is the subset of *store.Store the delivery engine needs.
type Store interface {
	InsertRelayRecord(ctx context.Context, r model.RelayRecord) error
}

// Buffer is the subset of the buffer manager the delivery engine needs
// to hand off signals bound for an unreachable target.
type Buffer interface {
	Enqueue(ctx context.Context, signalType uint16, source, target string, payload model.Payload, priority model.Priority) error
}

// Engine is the relay node's delivery engine.
type Engine struct {
	store  Store
	rules  *rules.Engine
	buffer Buffer
	socket *netkit.Socket
	peers  *netkit.PeerTable
	bus    *broadcaster.Bus
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds a delivery engine.
func New(store Store, ruleEngine *rules.Engine, buf Buffer, socket *netkit.Socket, peers *netkit.PeerTable, bus *broadcaster.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		rules:    ruleEngine,
		buffer:   buf,
		socket:   socket,
		peers:    peers,
		bus:      bus,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Request is one relaySignal call's input.
type Request struct {
	SignalType      uint16
	SourceServer    string
	TargetServers   []string
	Payload         model.Payload
	Priority        model.Priority
	BufferIfOffline bool
}

// Result is relaySignal's return value.
type Result struct {
	RelayID        string
	TargetsReached []string
	TargetsFailed  []string
	LatencyMs      int64
	Success        bool
}

// RelaySignal resolves matching rules, applies their transforms,
// fans the (possibly transformed) payload out to every target
// concurrently, buffers any failed target when requested, and records
// one immutable RelayRecord for the attempt.
func (e *Engine) RelaySignal(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	relayID := uuid.NewString()

	payload := req.Payload
	if payload == nil {
		payload = model.Payload{}
	}

	targets := req.TargetServers
	if e.rules != nil {
		matched, err := e.rules.Match(ctx, req.SignalType, req.SourceServer)
		if err != nil {
			e.logger.Warn("relay: rule match failed, proceeding unrouted", zap.Error(err))
		} else if len(matched) > 0 {
			payload = rules.ApplyAll(payload, matched)
			targets = append(append([]string{}, targets...), rules.AutoRelayTargets(matched)...)
			targets = dedupeStrings(targets)
		}
	}

	reached, failed := e.sendAll(req.SignalType, req.SourceServer, targets, payload)

	if req.BufferIfOffline && e.buffer != nil {
		for _, target := range failed {
			if err := e.buffer.Enqueue(ctx, req.SignalType, req.SourceServer, target, payload, req.Priority); err != nil {
				e.logger.Error("relay: buffer enqueue failed", zap.String("target", target), zap.Error(err))
			} else {
				e.bus.Publish(broadcaster.TopicRelayBuffered, map[string]interface{}{
					"relay_id": relayID, "target": target, "signal_type": req.SignalType,
				})
			}
		}
	}

	latency := time.Since(start).Milliseconds()
	success := len(reached) > 0

	record := model.RelayRecord{
		ID:             relayID,
		SignalType:     req.SignalType,
		SourceServer:   req.SourceServer,
		TargetServers:  targets,
		Payload:        payload,
		Priority:       req.Priority,
		RelayedAt:      model.NowMs(),
		Success:        success,
		TargetsReached: reached,
		TargetsFailed:  failed,
		LatencyMs:      latency,
	}
	if len(failed) > 0 {
		record.ErrorMessage = fmt.Sprintf("%d of %d targets unreachable", len(failed), len(targets))
	}

	if err := e.store.InsertRelayRecord(ctx, record); err != nil {
		e.logger.Error("relay: insert relay record failed", zap.String("relay_id", relayID), zap.Error(err))
	}

	outcome := "reached"
	switch {
	case success && len(failed) > 0:
		outcome = "partial"
	case !success:
		outcome = "failed"
	}
	metrics.RelaysTotal.WithLabelValues(outcome).Inc()
	metrics.RelayLatency.Observe(float64(latency))

	e.bus.Publish(broadcaster.TopicRelaySent, map[string]interface{}{
		"relay_id": relayID, "signal_type": req.SignalType, "reached": reached, "failed": failed,
	})

	return &Result{
		RelayID:        relayID,
		TargetsReached: reached,
		TargetsFailed:  failed,
		LatencyMs:      latency,
		Success:        success,
	}, nil
}

// sendAll issues one datagram per target concurrently. Every target's
// outcome is independent: wall time is bounded by the slowest target.
func (e *Engine) sendAll(signalType uint16, source string, targets []string, payload model.Payload) (reached, failed []string) {
	type outcome struct {
		target string
		ok     bool
	}

	results := make(chan outcome, len(targets))
	var wg sync.WaitGroup

	for _, target := range targets {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			err := e.sendOne(target, signalType, payload)
			results <- outcome{target: target, ok: err == nil}
			if err != nil {
				e.logger.Debug("relay: send failed", zap.String("target", target), zap.Error(err))
			}
		}(target)
	}

	wg.Wait()
	close(results)

	for o := range results {
		if o.ok {
			reached = append(reached, o.target)
		} else {
			failed = append(failed, o.target)
		}
	}
	return reached, failed
}

// sendOne sends a single datagram through that target's circuit
// breaker, so a target already known-bad fails fast without opening a
// socket write each time.
func (e *Engine) sendOne(target string, signalType uint16, payload model.Payload) error {
	cb := e.breakerFor(target)

	_, err := cb.Execute(func() (interface{}, error) {
		addr, err := e.peers.Resolve(target)
		if err != nil {
			return nil, fmt.Errorf("relay: resolve %s: %w", target, err)
		}
		datagram, err := codec.Encode(signalType, senderName, payload)
		if err != nil {
			return nil, fmt.Errorf("relay: encode: %w", err)
		}
		if err := e.socket.SendTo(addr, datagram); err != nil {
			return nil, fmt.Errorf("relay: send to %s: %w", target, err)
		}
		return nil, nil
	})
	return err
}

func (e *Engine) breakerFor(target string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[target]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "relay-target-" + target,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Info("relay: circuit breaker state change",
				zap.String("target", target), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	e.breakers[target] = cb
	return cb
}

// Multicast sends the same payload to every known peer except those
// named in exclude. Unlike the teacher's HTTP multicast handler, which only ever wrote to a single
// tier's subscribers, this genuinely fans out to every peer in the
// table.
func (e *Engine) Multicast(ctx context.Context, signalType uint16, source string, payload model.Payload, priority model.Priority, exclude []string) (*Result, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, x := range exclude {
		excluded[x] = true
	}

	var targets []string
	for _, p := range e.peers.Peers() {
		if !excluded[p] {
			targets = append(targets, p)
		}
	}

	return e.RelaySignal(ctx, Request{
		SignalType:    signalType,
		SourceServer:  source,
		TargetServers: targets,
		Payload:       payload,
		Priority:      priority,
	})
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
