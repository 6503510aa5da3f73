package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/synapse-relay/node/internal/broadcaster"
	"github.com/synapse-relay/node/internal/model"
	"github.com/synapse-relay/node/internal/netkit"
)

type fakeRelayStore struct {
	records []model.RelayRecord
}

func (f *fakeRelayStore) InsertRelayRecord(ctx context.Context, r model.RelayRecord) error {
	f.records = append(f.records, r)
	return nil
}

type fakeBuffer struct {
	enqueued []string
}

func (f *fakeBuffer) Enqueue(ctx context.Context, signalType uint16, source, target string, payload model.Payload, priority model.Priority) error {
	f.enqueued = append(f.enqueued, target)
	return nil
}

func newTestEngine(t *testing.T, peerPorts map[string]int) (*Engine, *fakeRelayStore, *fakeBuffer) {
	t.Helper()
	logger := zap.NewNop()

	socket, err := netkit.Listen(0, logger)
	require.NoError(t, err)
	t.Cleanup(func() { socket.Close() })

	peers := netkit.NewPeerTable(peerPorts, "")
	bus := broadcaster.New(logger)
	t.Cleanup(bus.Close)

	st := &fakeRelayStore{}
	buf := &fakeBuffer{}
	engine := New(st, nil, buf, socket, peers, bus, logger)
	return engine, st, buf
}

func TestRelaySignalReachesKnownPeer(t *testing.T) {
	engine, st, _ := newTestEngine(t, map[string]int{"node-b": 19999})

	result, err := engine.RelaySignal(context.Background(), Request{
		SignalType:    0x50,
		SourceServer:  "node-a",
		TargetServers: []string{"node-b"},
		Payload:       model.Payload{"x": 1},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"node-b"}, result.TargetsReached)
	assert.Empty(t, result.TargetsFailed)
	require.Len(t, st.records, 1)
	assert.Equal(t, result.RelayID, st.records[0].ID)
}

func TestRelaySignalBuffersUnknownPeerWhenRequested(t *testing.T) {
	engine, _, buf := newTestEngine(t, map[string]int{})

	result, err := engine.RelaySignal(context.Background(), Request{
		SignalType:      0x50,
		SourceServer:    "node-a",
		TargetServers:   []string{"unknown-node"},
		Payload:         model.Payload{},
		BufferIfOffline: true,
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, []string{"unknown-node"}, result.TargetsFailed)
	assert.Equal(t, []string{"unknown-node"}, buf.enqueued)
}

func TestRelaySignalSkipsBufferWhenNotRequested(t *testing.T) {
	engine, _, buf := newTestEngine(t, map[string]int{})

	_, err := engine.RelaySignal(context.Background(), Request{
		SignalType:      0x50,
		SourceServer:    "node-a",
		TargetServers:   []string{"unknown-node"},
		Payload:         model.Payload{},
		BufferIfOffline: false,
	})
	require.NoError(t, err)
	assert.Empty(t, buf.enqueued)
}

func TestMulticastFansOutToEveryPeer(t *testing.T) {
	engine, _, _ := newTestEngine(t, map[string]int{"node-b": 19999, "node-c": 19998})

	result, err := engine.Multicast(context.Background(), 0x50, "node-a", model.Payload{}, model.PriorityNormal, nil)
	require.NoError(t, err)
	assert.Len(t, result.TargetsReached, 2)
}

func TestMulticastExcludesNamedPeers(t *testing.T) {
	engine, _, _ := newTestEngine(t, map[string]int{"node-b": 19999, "node-c": 19998})

	result, err := engine.Multicast(context.Background(), 0x50, "node-a", model.Payload{}, model.PriorityNormal, []string{"node-c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"node-b"}, result.TargetsReached)
}

func TestDedupeStrings(t *testing.T) {
	out := dedupeStrings([]string{"a", "b", "a", "c", "b"})
	assert.ElementsMatch(t, []string{"a", "b", "c"}, out)
}
