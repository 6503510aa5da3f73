// Package engine wires the relay node's components into a single
// running process: the UDP receive loop, the heartbeat ticker, the
// buffer retry ticker, and the stats rollup ticker.
//
// RunWithSignals is carried over verbatim in spirit from the teacher's
// engine.go (internal/engine/engine.go in the source repo), which runs
// a caller's function until SIGINT/SIGTERM cancels its context.
package engine

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/synapse-relay/node/internal/broadcaster"
	"github.com/synapse-relay/node/internal/buffer"
	"github.com/synapse-relay/node/internal/codec"
	"github.com/synapse-relay/node/internal/config"
	"github.com/synapse-relay/node/internal/model"
	"github.com/synapse-relay/node/internal/netkit"
	"github.com/synapse-relay/node/internal/protocol"
	"github.com/synapse-relay/node/internal/relay"
	"github.com/synapse-relay/node/internal/rules"
	"github.com/synapse-relay/node/internal/stats"
	"github.com/synapse-relay/node/internal/store"
	"github.com/synapse-relay/node/internal/tumbler"
)

// RunWithSignals runs fn(ctx) and cancels on SIGINT/SIGTERM.
func RunWithSignals(fn func(ctx context.Context) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- fn(ctx) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Node is the assembled relay node: every component wired together and
// ready to run.
type Node struct {
	cfg    config.Config
	logger *zap.Logger

	store       *store.Store
	tumbler     *tumbler.Tumbler
	rules       *rules.Engine
	relay       *relay.Engine
	buffer      *buffer.Manager
	stats       *stats.Aggregator
	bus         *broadcaster.Bus
	dispatcher  *protocol.Dispatcher
	socket      *netkit.Socket
	peers       *netkit.PeerTable

	stopOnce chan struct{}
}

// New assembles a node from its dependencies. Construction order
// matters: the delivery engine needs the buffer manager's Enqueue
// method, and the buffer manager needs the delivery engine's send path
// as its installed DeliverFunc, so the buffer manager is built first
// with a deliver func that closes over a not-yet-constructed relay
// engine pointer, resolved once both exist.
func New(cfg config.Config, st *store.Store, logger *zap.Logger) (*Node, error) {
	bus := broadcaster.New(logger)

	peers := netkit.NewPeerTable(cfg.PeerPorts, "")
	socket, err := netkit.Listen(cfg.Port, logger)
	if err != nil {
		return nil, err
	}

	ruleEngine := rules.New(st, logger)

	var relayEngine *relay.Engine
	deliver := func(ctx context.Context, signalType uint16, source, target string, payload model.Payload) error {
		result, err := relayEngine.RelaySignal(ctx, relay.Request{
			SignalType:    signalType,
			SourceServer:  source,
			TargetServers: []string{target},
			Payload:       payload,
			Priority:      model.PriorityNormal,
		})
		if err != nil {
			return err
		}
		for _, reached := range result.TargetsReached {
			if reached == target {
				return nil
			}
		}
		return errTargetUnreachable(target)
	}

	bufferMgr := buffer.New(st, deliver, bus, logger, buffer.Config{
		TTLHours:       cfg.BufferTTLHours,
		MaxRetries:     cfg.BufferMaxRetries,
		RetryIntervals: cfg.BufferRetryIntervals,
	})

	relayEngine = relay.New(st, ruleEngine, bufferMgr, socket, peers, bus, logger)

	statsAgg := stats.New(st, logger)

	tumblerCfg := tumbler.Config{
		SignalWhitelist:       config.ParseHexSignalCodes(cfg.SignalsIncoming),
		FreshnessWindow:       cfg.FreshnessWindow,
		FutureToleranceWindow: cfg.FutureToleranceWindow,
	}
	tb := tumbler.New(tumblerCfg, logger)

	snapshot := &statsSnapshot{agg: statsAgg}
	dispatcher := protocol.New(relayEngine, snapshot, socket, logger)

	return &Node{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		tumbler:    tb,
		rules:      ruleEngine,
		relay:      relayEngine,
		buffer:     bufferMgr,
		stats:      statsAgg,
		bus:        bus,
		dispatcher: dispatcher,
		socket:     socket,
		peers:      peers,
		stopOnce:   make(chan struct{}),
	}, nil
}

// Run starts every ticker and the UDP receive loop, blocking until ctx
// is canceled.
func (n *Node) Run(ctx context.Context) error {
	go n.receiveLoop(ctx)
	go n.heartbeatLoop(ctx)
	go n.bufferRetryLoop(ctx)
	go n.statsRollupLoop(ctx)

	<-ctx.Done()
	return n.shutdown()
}

func (n *Node) shutdown() error {
	close(n.stopOnce)
	n.bus.Close()
	if err := n.socket.Close(); err != nil {
		n.logger.Warn("engine: socket close failed", zap.Error(err))
	}
	if err := n.store.Close(); err != nil {
		n.logger.Warn("engine: store close failed", zap.Error(err))
	}
	n.logger.Info("engine: node shutdown complete")
	return nil
}

func (n *Node) receiveLoop(ctx context.Context) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stopOnce:
			return
		default:
		}

		nRead, addr, err := n.socket.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n.logger.Debug("engine: read failed", zap.Error(err))
			continue
		}

		datagram := make([]byte, nRead)
		copy(datagram, buf[:nRead])

		msg, ok := codec.Decode(datagram)
		if !ok {
			n.logger.Debug("engine: undecodable datagram dropped", zap.Int("bytes", nRead))
			continue
		}

		sender := senderFromPayload(msg)
		if !n.tumbler.Accept(msg, sender) {
			continue
		}

		go n.dispatcher.Dispatch(ctx, msg, addr)
	}
}

func (n *Node) heartbeatLoop(ctx context.Context) {
	interval := n.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.emitHeartbeats()
		}
	}
}

func (n *Node) emitHeartbeats() {
	for _, peer := range n.peers.Peers() {
		addr, err := n.peers.Resolve(peer)
		if err != nil {
			continue
		}
		datagram, err := codec.Encode(protocolHeartbeat, "synapse-relay", model.Payload{"node_id": n.cfg.NodeID})
		if err != nil {
			continue
		}
		_ = n.socket.SendTo(addr, datagram)
	}
}

func (n *Node) bufferRetryLoop(ctx context.Context) {
	interval := n.cfg.BufferTickInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.buffer.ProcessBuffer(ctx)
		}
	}
}

func (n *Node) statsRollupLoop(ctx context.Context) {
	interval := n.cfg.StatsAggregationInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.stats.Rollup(ctx); err != nil {
				n.logger.Error("engine: stats rollup failed", zap.Error(err))
			}
			n.bus.Publish(broadcaster.TopicStatsUpdate, nil)
		}
	}
}

// Rules, Relay, Buffer, Stats expose the assembled node's subsystems to
// the RPC and HTTP adapters.
func (n *Node) Rules() *rules.Engine     { return n.rules }
func (n *Node) Relay() *relay.Engine     { return n.relay }
func (n *Node) Buffer() *buffer.Manager  { return n.buffer }
func (n *Node) Stats() *stats.Aggregator { return n.stats }
func (n *Node) Bus() *broadcaster.Bus    { return n.bus }
func (n *Node) Store() *store.Store      { return n.store }

const protocolHeartbeat = 0x04

func senderFromPayload(msg *codec.Message) string {
	if s, ok := msg.Payload["sender"].(string); ok {
		return s
	}
	return ""
}

type statsSnapshot struct {
	agg *stats.Aggregator
}

func (s *statsSnapshot) PastHourSummary(ctx context.Context) (int64, float64) {
	result, err := s.agg.QueryStats(ctx, stats.Query{Since: model.NowMs() - 3_600_000})
	if err != nil {
		return 0, 0
	}
	return result.TotalRelayed, result.SuccessRate
}

type unreachableError struct{ target string }

func (e *unreachableError) Error() string { return "target unreachable: " + e.target }

func errTargetUnreachable(target string) error { return &unreachableError{target: target} }
