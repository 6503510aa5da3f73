package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/synapse-relay/node/internal/broadcaster"
	"github.com/synapse-relay/node/internal/buffer"
	"github.com/synapse-relay/node/internal/model"
	"github.com/synapse-relay/node/internal/netkit"
	"github.com/synapse-relay/node/internal/relay"
	"github.com/synapse-relay/node/internal/rules"
	"github.com/synapse-relay/node/internal/stats"
	"github.com/synapse-relay/node/internal/store"
)

type fakeRelayStore struct{ records []model.RelayRecord }

func (f *fakeRelayStore) InsertRelayRecord(ctx context.Context, r model.RelayRecord) error {
	f.records = append(f.records, r)
	return nil
}

func (f *fakeRelayStore) ListRelayRecordsSince(ctx context.Context, sinceMs int64, limit int) ([]model.RelayRecord, error) {
	return f.records, nil
}

func (f *fakeRelayStore) UpsertStatsBucket(ctx context.Context, b model.RelayStatsBucket) error {
	return nil
}

func (f *fakeRelayStore) QueryStats(ctx context.Context, q store.StatsQuery) ([]model.RelayStatsBucket, error) {
	return nil, nil
}

type fakeRuleStore struct {
	rules  map[int64]model.RelayRule
	nextID int64
}

func newFakeRuleStore() *fakeRuleStore { return &fakeRuleStore{rules: make(map[int64]model.RelayRule)} }

func (f *fakeRuleStore) MatchRules(ctx context.Context, signalType uint16) ([]model.RelayRule, error) {
	var out []model.RelayRule
	for _, r := range f.rules {
		if r.Enabled && r.SignalPattern == signalType {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRuleStore) IncrementMatchCount(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if r, ok := f.rules[id]; ok {
			r.MatchCount++
			f.rules[id] = r
		}
	}
	return nil
}

func (f *fakeRuleStore) AddRule(ctx context.Context, r model.RelayRule) (int64, error) {
	f.nextID++
	r.ID = f.nextID
	f.rules[r.ID] = r
	return r.ID, nil
}

func (f *fakeRuleStore) UpdateRule(ctx context.Context, r model.RelayRule) (bool, error) {
	if _, ok := f.rules[r.ID]; !ok {
		return false, nil
	}
	f.rules[r.ID] = r
	return true, nil
}

func (f *fakeRuleStore) RemoveRule(ctx context.Context, id int64) (bool, error) {
	if _, ok := f.rules[id]; !ok {
		return false, nil
	}
	delete(f.rules, id)
	return true, nil
}

func (f *fakeRuleStore) ListRules(ctx context.Context) ([]model.RelayRule, error) {
	var out []model.RelayRule
	for _, r := range f.rules {
		out = append(out, r)
	}
	return out, nil
}

type fakeBufferStore struct {
	rows map[string]model.BufferedSignal
}

func newFakeBufferStore() *fakeBufferStore {
	return &fakeBufferStore{rows: make(map[string]model.BufferedSignal)}
}

func (f *fakeBufferStore) InsertBufferedSignal(ctx context.Context, b model.BufferedSignal) error {
	f.rows[b.ID] = b
	return nil
}
func (f *fakeBufferStore) ExpireSweep(ctx context.Context, nowMs int64) (int64, error) { return 0, nil }
func (f *fakeBufferStore) SelectRetryable(ctx context.Context) ([]model.BufferedSignal, error) {
	return nil, nil
}
func (f *fakeBufferStore) GetPending(ctx context.Context, target string) ([]model.BufferedSignal, error) {
	var out []model.BufferedSignal
	for _, b := range f.rows {
		if b.Status == model.BufferPending {
			out = append(out, b)
		}
	}
	return out, nil
}
func (f *fakeBufferStore) GetByIDs(ctx context.Context, ids []string) ([]model.BufferedSignal, error) {
	return nil, nil
}
func (f *fakeBufferStore) MarkDelivered(ctx context.Context, id string) error { return nil }
func (f *fakeBufferStore) MarkRetryFailure(ctx context.Context, id string, nowMs int64) error {
	return nil
}
func (f *fakeBufferStore) MarkFailed(ctx context.Context, id string) error { return nil }
func (f *fakeBufferStore) Clear(ctx context.Context, filter store.ClearFilter, nowMs int64) (int64, error) {
	return 0, nil
}
func (f *fakeBufferStore) CountByStatus(ctx context.Context) (map[model.BufferStatus]int64, error) {
	return map[model.BufferStatus]int64{model.BufferPending: int64(len(f.rows))}, nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	logger := zap.NewNop()

	socket, err := netkit.Listen(0, logger)
	require.NoError(t, err)
	t.Cleanup(func() { socket.Close() })

	peers := netkit.NewPeerTable(map[string]int{"node-b": 19999}, "")
	bus := broadcaster.New(logger)
	t.Cleanup(bus.Close)

	ruleEngine := rules.New(newFakeRuleStore(), logger)
	relayEngine := relay.New(&fakeRelayStore{}, ruleEngine, bufferAdapter{newFakeBufferStore()}, socket, peers, bus, logger)
	bufMgr := buffer.New(newFakeBufferStore(), func(ctx context.Context, signalType uint16, source, target string, payload model.Payload) error {
		return nil
	}, bus, logger, buffer.Config{RetryIntervals: []time.Duration{0}})
	statsAgg := stats.New(&fakeRelayStore{}, logger)

	return New(relayEngine, ruleEngine, bufMgr, statsAgg, logger)
}

// bufferAdapter satisfies relay.Buffer over a *fakeBufferStore directly.
type bufferAdapter struct{ store *fakeBufferStore }

func (b bufferAdapter) Enqueue(ctx context.Context, signalType uint16, source, target string, payload model.Payload, priority model.Priority) error {
	return nil
}

func TestRelaySignalRejectsEmptyTargets(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.RelaySignal(context.Background(), RelaySignalRequest{SignalType: 0x50})
	assert.True(t, IsClientError(err))
}

func TestRelaySignalSucceedsWithKnownTarget(t *testing.T) {
	svc := newTestService(t)
	resp, err := svc.RelaySignal(context.Background(), RelaySignalRequest{
		SignalType:    0x50,
		TargetServers: []string{"node-b"},
	})
	require.NoError(t, err)
	assert.True(t, resp.Relayed)
	assert.Equal(t, []string{"node-b"}, resp.TargetsReached)
}

func TestConfigureRelayAddRejectsEmptyRelayTo(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.ConfigureRelay(context.Background(), ConfigureRelayRequest{
		Action: "add",
		Rule:   model.RelayRule{SignalPattern: 0x50},
	})
	assert.True(t, IsClientError(err))
}

func TestConfigureRelayAddThenList(t *testing.T) {
	svc := newTestService(t)
	addResp, err := svc.ConfigureRelay(context.Background(), ConfigureRelayRequest{
		Action: "add",
		Rule:   model.RelayRule{SignalPattern: 0x50, RelayTo: []string{"node-b"}},
	})
	require.NoError(t, err)
	assert.True(t, addResp.Success)
	assert.NotZero(t, addResp.RuleID)

	listResp, err := svc.ConfigureRelay(context.Background(), ConfigureRelayRequest{Action: "list"})
	require.NoError(t, err)
	assert.Len(t, listResp.Rules, 1)
}

func TestConfigureRelayUnknownAction(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.ConfigureRelay(context.Background(), ConfigureRelayRequest{Action: "bogus"})
	assert.True(t, IsClientError(err))
}

func TestBufferSignalsClearRequiresFilter(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.BufferSignals(context.Background(), BufferSignalsRequest{Action: "clear"})
	assert.True(t, IsClientError(err))
}

func TestBufferSignalsRetryRequiresIDs(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.BufferSignals(context.Background(), BufferSignalsRequest{Action: "retry"})
	assert.True(t, IsClientError(err))
}

func TestGetRelayStatsDefaultsSinceWindow(t *testing.T) {
	svc := newTestService(t)
	resp, err := svc.GetRelayStats(context.Background(), GetRelayStatsRequest{})
	require.NoError(t, err)
	assert.NotNil(t, resp.Result)
	assert.NotNil(t, resp.BufferStats)
}
