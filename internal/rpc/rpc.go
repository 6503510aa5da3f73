// Package rpc is the transport-neutral operator tool surface: four
// operations (relay_signal, configure_relay, get_relay_stats,
// buffer_signals) that internal/api dispatches through (internal/protocol
// calls the delivery engine directly), each returning either a normal result
// or one of two typed error kinds so a transport adapter can map them
// to the right status without inspecting error text.
//
// Grounded on the teacher's EnhancedRPCService
// (internal/rpc/enhanced_service.go in the source repo), which wraps a
// long-lived engine behind a service struct with its own metrics and
// typed config; this version swaps the Bitcoin RPC engine for the
// relay node's own subsystems.
package rpc

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/synapse-relay/node/internal/buffer"
	"github.com/synapse-relay/node/internal/model"
	"github.com/synapse-relay/node/internal/relay"
	"github.com/synapse-relay/node/internal/rules"
	"github.com/synapse-relay/node/internal/stats"
	"github.com/synapse-relay/node/internal/store"
)

// ClientError indicates the caller's request was malformed; transports
// should map this to a 4xx-equivalent.
type ClientError struct{ msg string }

func (e *ClientError) Error() string { return e.msg }

// ServerError indicates an internal failure (typically a store error);
// transports should map this to a 5xx-equivalent.
type ServerError struct{ msg string }

func (e *ServerError) Error() string { return e.msg }

func clientErrorf(format string, args ...interface{}) error {
	return &ClientError{msg: fmt.Sprintf(format, args...)}
}

func serverErrorf(format string, args ...interface{}) error {
	return &ServerError{msg: fmt.Sprintf(format, args...)}
}

// IsClientError reports whether err is a ClientError.
func IsClientError(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce)
}

// Service dispatches the four operator tool operations against the
// node's wired subsystems.
type Service struct {
	relay  *relay.Engine
	rules  *rules.Engine
	buffer *buffer.Manager
	stats  *stats.Aggregator
	logger *zap.Logger
}

// New builds an RPC service over an already-assembled node's subsystems.
func New(relayEngine *relay.Engine, ruleEngine *rules.Engine, bufferMgr *buffer.Manager, statsAgg *stats.Aggregator, logger *zap.Logger) *Service {
	return &Service{relay: relayEngine, rules: ruleEngine, buffer: bufferMgr, stats: statsAgg, logger: logger}
}

// RelaySignalRequest is relay_signal's input.
type RelaySignalRequest struct {
	SignalType      uint16
	TargetServers   []string
	Payload         model.Payload
	Priority        model.Priority
	BufferIfOffline *bool
}

// RelaySignalResponse is relay_signal's output.
type RelaySignalResponse struct {
	RelayID         string   `json:"relay_id"`
	Relayed         bool     `json:"relayed"`
	TargetsReached  []string `json:"targets_reached"`
	TargetsBuffered []string `json:"targets_buffered"`
	LatencyMs       int64    `json:"latency_ms"`
}

// RelaySignal services the relay_signal tool call.
func (s *Service) RelaySignal(ctx context.Context, req RelaySignalRequest) (*RelaySignalResponse, error) {
	if len(req.TargetServers) == 0 {
		return nil, clientErrorf("rpc: target_servers must be non-empty")
	}

	priority := req.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	bufferIfOffline := true
	if req.BufferIfOffline != nil {
		bufferIfOffline = *req.BufferIfOffline
	}

	result, err := s.relay.RelaySignal(ctx, relay.Request{
		SignalType:      req.SignalType,
		SourceServer:    "synapse-relay",
		TargetServers:   req.TargetServers,
		Payload:         req.Payload,
		Priority:        priority,
		BufferIfOffline: bufferIfOffline,
	})
	if err != nil {
		return nil, serverErrorf("rpc: relay_signal: %v", err)
	}

	var buffered []string
	if bufferIfOffline {
		buffered = result.TargetsFailed
	}

	return &RelaySignalResponse{
		RelayID:         result.RelayID,
		Relayed:         result.Success,
		TargetsReached:  result.TargetsReached,
		TargetsBuffered: buffered,
		LatencyMs:       result.LatencyMs,
	}, nil
}

// ConfigureRelayRequest is configure_relay's input.
type ConfigureRelayRequest struct {
	Action string // add, update, remove, list
	Rule   model.RelayRule
}

// ConfigureRelayResponse is configure_relay's output.
type ConfigureRelayResponse struct {
	RuleID  int64             `json:"rule_id,omitempty"`
	Action  string            `json:"action"`
	Success bool              `json:"success"`
	Rules   []model.RelayRule `json:"rules,omitempty"`
}

// ConfigureRelay services the configure_relay tool call.
func (s *Service) ConfigureRelay(ctx context.Context, req ConfigureRelayRequest) (*ConfigureRelayResponse, error) {
	switch req.Action {
	case "add":
		if len(req.Rule.RelayTo) == 0 {
			return nil, clientErrorf("rpc: configure_relay add requires non-empty relay_to")
		}
		id, err := s.rules.Add(ctx, req.Rule)
		if err != nil {
			if errors.Is(err, rules.ErrEmptyRelayTo) {
				return nil, clientErrorf("rpc: %v", err)
			}
			return nil, serverErrorf("rpc: configure_relay add: %v", err)
		}
		return &ConfigureRelayResponse{RuleID: id, Action: req.Action, Success: true}, nil

	case "update":
		if req.Rule.ID == 0 {
			return nil, clientErrorf("rpc: configure_relay update requires rule_id")
		}
		ok, err := s.rules.Update(ctx, req.Rule)
		if err != nil {
			return nil, serverErrorf("rpc: configure_relay update: %v", err)
		}
		return &ConfigureRelayResponse{RuleID: req.Rule.ID, Action: req.Action, Success: ok}, nil

	case "remove":
		if req.Rule.ID == 0 {
			return nil, clientErrorf("rpc: configure_relay remove requires rule_id")
		}
		ok, err := s.rules.Remove(ctx, req.Rule.ID)
		if err != nil {
			return nil, serverErrorf("rpc: configure_relay remove: %v", err)
		}
		return &ConfigureRelayResponse{RuleID: req.Rule.ID, Action: req.Action, Success: ok}, nil

	case "list":
		list, err := s.rules.List(ctx)
		if err != nil {
			return nil, serverErrorf("rpc: configure_relay list: %v", err)
		}
		return &ConfigureRelayResponse{Action: req.Action, Success: true, Rules: list}, nil

	default:
		return nil, clientErrorf("rpc: configure_relay unknown action %q", req.Action)
	}
}

// GetRelayStatsRequest is get_relay_stats's input.
type GetRelayStatsRequest struct {
	Since           int64
	Until           int64
	GroupBy         stats.GroupBy
	IncludeFailures bool
}

// GetRelayStatsResponse wraps the aggregator's result alongside live
// buffer counts.
type GetRelayStatsResponse struct {
	*stats.Result
	BufferStats map[model.BufferStatus]int64 `json:"buffer_stats"`
}

// GetRelayStats services the get_relay_stats tool call.
func (s *Service) GetRelayStats(ctx context.Context, req GetRelayStatsRequest) (*GetRelayStatsResponse, error) {
	since := req.Since
	if since == 0 {
		since = model.NowMs() - 24*3_600_000
	}

	result, err := s.stats.QueryStats(ctx, stats.Query{
		Since:           since,
		Until:           req.Until,
		GroupBy:         req.GroupBy,
		IncludeFailures: req.IncludeFailures,
	})
	if err != nil {
		return nil, serverErrorf("rpc: get_relay_stats: %v", err)
	}

	bufferStats, err := s.buffer.Stats(ctx)
	if err != nil {
		return nil, serverErrorf("rpc: get_relay_stats: buffer stats: %v", err)
	}

	return &GetRelayStatsResponse{Result: result, BufferStats: bufferStats}, nil
}

// BufferSignalsRequest is buffer_signals's input.
type BufferSignalsRequest struct {
	Action       string // list, retry, clear, flush
	BufferIDs    []string
	TargetServer string
	SignalType   *uint16
	MaxAgeHours  *int
}

// BufferSignalsResponse is buffer_signals's output.
type BufferSignalsResponse struct {
	Action        string                  `json:"action"`
	AffectedCount int                     `json:"affected_count"`
	BufferItems   []model.BufferedSignal  `json:"buffer_items,omitempty"`
}

// BufferSignals services the buffer_signals tool call.
func (s *Service) BufferSignals(ctx context.Context, req BufferSignalsRequest) (*BufferSignalsResponse, error) {
	switch req.Action {
	case "list":
		items, err := s.buffer.ListPending(ctx, req.TargetServer)
		if err != nil {
			return nil, serverErrorf("rpc: buffer_signals list: %v", err)
		}
		return &BufferSignalsResponse{Action: req.Action, AffectedCount: len(items), BufferItems: items}, nil

	case "retry":
		if len(req.BufferIDs) == 0 {
			return nil, clientErrorf("rpc: buffer_signals retry requires buffer_ids")
		}
		n, err := s.buffer.RetryBufferedSignals(ctx, req.BufferIDs)
		if err != nil {
			return nil, serverErrorf("rpc: buffer_signals retry: %v", err)
		}
		return &BufferSignalsResponse{Action: req.Action, AffectedCount: n}, nil

	case "flush":
		n, err := s.buffer.FlushBuffer(ctx, req.TargetServer)
		if err != nil {
			return nil, serverErrorf("rpc: buffer_signals flush: %v", err)
		}
		return &BufferSignalsResponse{Action: req.Action, AffectedCount: n}, nil

	case "clear":
		filter := store.ClearFilter{
			IDs:         req.BufferIDs,
			Target:      req.TargetServer,
			SignalType:  req.SignalType,
			MaxAgeHours: req.MaxAgeHours,
		}
		if len(filter.IDs) == 0 && filter.Target == "" && filter.SignalType == nil && filter.MaxAgeHours == nil {
			return nil, clientErrorf("rpc: buffer_signals clear requires at least one filter")
		}
		n, err := s.buffer.ClearBufferedSignals(ctx, filter)
		if err != nil {
			return nil, serverErrorf("rpc: buffer_signals clear: %v", err)
		}
		return &BufferSignalsResponse{Action: req.Action, AffectedCount: int(n)}, nil

	default:
		return nil, clientErrorf("rpc: buffer_signals unknown action %q", req.Action)
	}
}
