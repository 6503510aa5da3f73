package stats

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/synapse-relay/node/internal/model"
	"github.com/synapse-relay/node/internal/store"
)

type fakeStatsStore struct {
	records []model.RelayRecord
	buckets []model.RelayStatsBucket
}

func (f *fakeStatsStore) ListRelayRecordsSince(ctx context.Context, sinceMs int64, limit int) ([]model.RelayRecord, error) {
	var out []model.RelayRecord
	for _, r := range f.records {
		if r.RelayedAt >= sinceMs {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStatsStore) UpsertStatsBucket(ctx context.Context, b model.RelayStatsBucket) error {
	f.buckets = append(f.buckets, b)
	return nil
}

func (f *fakeStatsStore) QueryStats(ctx context.Context, q store.StatsQuery) ([]model.RelayStatsBucket, error) {
	var out []model.RelayStatsBucket
	for _, b := range f.buckets {
		if b.PeriodStart >= q.From && b.PeriodStart <= q.To {
			out = append(out, b)
		}
	}
	return out, nil
}

func sig(t uint16) *uint16    { return &t }
func strp(s string) *string   { return &s }
func f64p(v float64) *float64 { return &v }

func TestRollupExpandsPerTargetAndWritesBuckets(t *testing.T) {
	fs := &fakeStatsStore{records: []model.RelayRecord{
		{
			SignalType: 0x50, SourceServer: "node-a",
			TargetServers: []string{"node-b", "node-c"},
			TargetsReached: []string{"node-b"},
			TargetsFailed:  []string{"node-c"},
			LatencyMs:      100,
			RelayedAt:      model.NowMs(),
		},
	}}
	agg := New(fs, zap.NewNop())

	err := agg.Rollup(context.Background())
	require.NoError(t, err)
	require.Len(t, fs.buckets, 2)

	byTarget := map[string]model.RelayStatsBucket{}
	for _, b := range fs.buckets {
		byTarget[*b.TargetServer] = b
	}

	assert.EqualValues(t, 1, byTarget["node-b"].SuccessCount)
	assert.EqualValues(t, 0, byTarget["node-b"].FailureCount)
	assert.EqualValues(t, 1, byTarget["node-c"].FailureCount)
	require.NotNil(t, byTarget["node-b"].AvgLatencyMs)
	assert.Equal(t, float64(100), *byTarget["node-b"].AvgLatencyMs)
}

func TestQueryStatsComputesOverallSuccessRate(t *testing.T) {
	fs := &fakeStatsStore{buckets: []model.RelayStatsBucket{
		{PeriodStart: 1000, SignalType: sig(0x50), TotalRelayed: 10, SuccessCount: 8, FailureCount: 2, AvgLatencyMs: f64p(50)},
		{PeriodStart: 1000, SignalType: sig(0x51), TotalRelayed: 10, SuccessCount: 10, FailureCount: 0, AvgLatencyMs: f64p(150)},
	}}
	agg := New(fs, zap.NewNop())

	result, err := agg.QueryStats(context.Background(), Query{Since: 0, Until: 2000})
	require.NoError(t, err)

	assert.EqualValues(t, 20, result.TotalRelayed)
	assert.Equal(t, 90.0, result.SuccessRate) // (20-2)/20*100
	assert.Equal(t, 100.0, result.AvgLatencyMs) // weighted mean: (50*10+150*10)/20
}

func TestQueryStatsGroupsBySignalType(t *testing.T) {
	fs := &fakeStatsStore{buckets: []model.RelayStatsBucket{
		{PeriodStart: 1000, SignalType: sig(0x50), TotalRelayed: 5, SuccessCount: 5},
		{PeriodStart: 1000, SignalType: sig(0x51), TotalRelayed: 5, SuccessCount: 0, FailureCount: 5},
	}}
	agg := New(fs, zap.NewNop())

	result, err := agg.QueryStats(context.Background(), Query{Until: 2000, GroupBy: GroupBySignalType, IncludeFailures: true})
	require.NoError(t, err)

	require.Contains(t, result.ByGroup, "signal_80")
	require.Contains(t, result.ByGroup, "signal_81")
	assert.Equal(t, 100.0, result.ByGroup["signal_80"].SuccessRate)
	assert.Equal(t, 0.0, result.ByGroup["signal_81"].SuccessRate)
	assert.EqualValues(t, 5, result.ByGroup["signal_81"].Failures)
}

func TestQueryStatsGroupsBySource(t *testing.T) {
	fs := &fakeStatsStore{buckets: []model.RelayStatsBucket{
		{PeriodStart: 1000, SourceServer: strp("node-a"), TotalRelayed: 3, SuccessCount: 3},
	}}
	agg := New(fs, zap.NewNop())

	result, err := agg.QueryStats(context.Background(), Query{Until: 2000, GroupBy: GroupBySource})
	require.NoError(t, err)
	assert.Contains(t, result.ByGroup, "node-a")
}

func TestQueryStatsWithNoBucketsReturnsZeroed(t *testing.T) {
	fs := &fakeStatsStore{}
	agg := New(fs, zap.NewNop())

	result, err := agg.QueryStats(context.Background(), Query{Until: 2000})
	require.NoError(t, err)
	assert.EqualValues(t, 0, result.TotalRelayed)
	assert.Equal(t, 0.0, result.SuccessRate)
	assert.Equal(t, 0.0, result.AvgLatencyMs)
}
