package protocol

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/synapse-relay/node/internal/codec"
	"github.com/synapse-relay/node/internal/model"
	"github.com/synapse-relay/node/internal/relay"
)

const senderName = "synapse-relay"

// Relay is the subset of the delivery engine's contract the dispatcher
// needs to service RELAY_REQUEST.
type Relay interface {
	RelaySignal(ctx context.Context, req relay.Request) (*relay.Result, error)
}

// StatsSnapshot is the past-hour summary a PING reply carries.
type StatsSnapshot interface {
	PastHourSummary(ctx context.Context) (totalRelayed int64, successRate float64)
}

// Sender issues a raw reply datagram to an arbitrary UDP address,
// bypassing the peer table (the sender's return address is already
// known from the inbound datagram).
type Sender interface {
	SendTo(addr *net.UDPAddr, datagram []byte) error
}

// Dispatcher routes validated inbound messages to the engine.
type Dispatcher struct {
	relay  Relay
	stats  StatsSnapshot
	socket Sender
	logger *zap.Logger
}

// New builds a protocol dispatcher.
func New(relay Relay, stats StatsSnapshot, socket Sender, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{relay: relay, stats: stats, socket: socket, logger: logger}
}

// Dispatch handles one validated inbound message from replyAddr.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *codec.Message, replyAddr *net.UDPAddr) {
	switch msg.SignalType {
	case SignalPing:
		d.handlePing(ctx, msg, replyAddr)
	case SignalRelayRequest:
		d.handleRelayRequest(ctx, msg, replyAddr)
	case SignalHeartbeat:
		d.logger.Debug("protocol: heartbeat received", zap.Any("payload", msg.Payload))
	default:
		d.logger.Debug("protocol: dropping unhandled signal", zap.String("signal", Name(msg.SignalType)))
	}
}

func (d *Dispatcher) handlePing(ctx context.Context, msg *codec.Message, replyAddr *net.UDPAddr) {
	var totalRelayed int64
	var successRate float64
	if d.stats != nil {
		totalRelayed, successRate = d.stats.PastHourSummary(ctx)
	}

	reply := model.Payload{
		"echo":          msg.Payload,
		"status":        "operational",
		"total_relayed": totalRelayed,
		"success_rate":  successRate,
	}
	d.reply(SignalPong, reply, replyAddr)
}

func (d *Dispatcher) handleRelayRequest(ctx context.Context, msg *codec.Message, replyAddr *net.UDPAddr) {
	signalType, _ := msg.Payload["signal_type"].(float64)
	targets := toStringSlice(msg.Payload["target_servers"])
	payload, _ := msg.Payload["payload"].(map[string]interface{})
	priority := model.PriorityNormal
	if p, ok := msg.Payload["priority"].(string); ok && p != "" {
		priority = model.Priority(p)
	}

	req := relay.Request{
		SignalType:      uint16(signalType),
		SourceServer:    stringField(msg.Payload, "sender"),
		TargetServers:   targets,
		Payload:         model.Payload(payload),
		Priority:        priority,
		BufferIfOffline: true,
	}

	result, err := d.relay.RelaySignal(ctx, req)
	if err != nil {
		d.reply(SignalRelayFailed, model.Payload{"error": err.Error()}, replyAddr)
		return
	}

	d.reply(SignalRelayResponse, model.Payload{
		"relay_id":        result.RelayID,
		"relayed":         result.Success,
		"targets_reached": result.TargetsReached,
		"targets_failed":  result.TargetsFailed,
		"latency_ms":      result.LatencyMs,
	}, replyAddr)
}

func (d *Dispatcher) reply(signalType uint16, payload model.Payload, addr *net.UDPAddr) {
	datagram, err := codec.Encode(signalType, senderName, payload)
	if err != nil {
		d.logger.Error("protocol: encode reply failed", zap.Error(err))
		return
	}
	if err := d.socket.SendTo(addr, datagram); err != nil {
		d.logger.Error("protocol: send reply failed", zap.String("signal", Name(signalType)), zap.Error(err))
	}
}

func stringField(p model.Payload, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func toStringSlice(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
