package buffer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/synapse-relay/node/internal/broadcaster"
	"github.com/synapse-relay/node/internal/model"
	"github.com/synapse-relay/node/internal/store"
)

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

func (f *fakeBufferStore) ExpireSweep(ctx context.Context, nowMs int64) (int64, error) {
	var n int64
	for id, b := range f.rows {
		if b.Status == model.BufferPending && b.ExpiresAt != nil && *b.ExpiresAt < nowMs {
			b.Status = model.BufferExpired
			f.rows[id] = b
			n++
		}
	}
	return n, nil
}

func (f *fakeBufferStore) SelectRetryable(ctx context.Context) ([]model.BufferedSignal, error) {
	var out []model.BufferedSignal
	for _, b := range f.rows {
		if b.Status == model.BufferPending && b.RetryCount < b.MaxRetries {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeBufferStore) GetPending(ctx context.Context, target string) ([]model.BufferedSignal, error) {
	var out []model.BufferedSignal
	for _, b := range f.rows {
		if b.Status != model.BufferPending {
			continue
		}
		if target != "" && b.TargetServer != target {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeBufferStore) GetByIDs(ctx context.Context, ids []string) ([]model.BufferedSignal, error) {
	var out []model.BufferedSignal
	for _, id := range ids {
		if b, ok := f.rows[id]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeBufferStore) MarkDelivered(ctx context.Context, id string) error {
	b := f.rows[id]
	b.Status = model.BufferDelivered
	f.rows[id] = b
	return nil
}

func (f *fakeBufferStore) MarkRetryFailure(ctx context.Context, id string, nowMs int64) error {
	b := f.rows[id]
	b.RetryCount++
	b.LastRetryAt = &nowMs
	if b.RetryCount >= b.MaxRetries {
		b.Status = model.BufferFailed
	}
	f.rows[id] = b
	return nil
}

func (f *fakeBufferStore) MarkFailed(ctx context.Context, id string) error {
	b := f.rows[id]
	b.Status = model.BufferFailed
	f.rows[id] = b
	return nil
}

func (f *fakeBufferStore) Clear(ctx context.Context, filter store.ClearFilter, nowMs int64) (int64, error) {
	var n int64
	if len(filter.IDs) > 0 {
		for _, id := range filter.IDs {
			if _, ok := f.rows[id]; ok {
				delete(f.rows, id)
				n++
			}
		}
		return n, nil
	}
	return 0, nil
}

func (f *fakeBufferStore) CountByStatus(ctx context.Context) (map[model.BufferStatus]int64, error) {
	out := map[model.BufferStatus]int64{}
	for _, b := range f.rows {
		out[b.Status]++
	}
	return out, nil
}

func newTestManager(t *testing.T, deliver DeliverFunc) (*Manager, *fakeBufferStore) {
	t.Helper()
	fs := newFakeBufferStore()
	bus := broadcaster.New(zap.NewNop())
	t.Cleanup(bus.Close)
	mgr := New(fs, deliver, bus, zap.NewNop(), Config{
		TTLHours:       24,
		MaxRetries:     3,
		RetryIntervals: []time.Duration{0, 0, 0},
	})
	return mgr, fs
}

func TestEnqueueWritesPendingRow(t *testing.T) {
	mgr, fs := newTestManager(t, func(ctx context.Context, signalType uint16, source, target string, payload model.Payload) error {
		return nil
	})

	err := mgr.Enqueue(context.Background(), 0x50, "node-a", "node-b", model.Payload{"k": "v"}, model.PriorityNormal)
	require.NoError(t, err)
	assert.Len(t, fs.rows, 1)
}

func TestProcessBufferDeliversAndMarksDelivered(t *testing.T) {
	var delivered int
	mgr, fs := newTestManager(t, func(ctx context.Context, signalType uint16, source, target string, payload model.Payload) error {
		delivered++
		return nil
	})

	require.NoError(t, mgr.Enqueue(context.Background(), 0x50, "node-a", "node-b", model.Payload{}, model.PriorityNormal))
	mgr.ProcessBuffer(context.Background())

	assert.Equal(t, 1, delivered)
	for _, b := range fs.rows {
		assert.Equal(t, model.BufferDelivered, b.Status)
	}
}

func TestProcessBufferMarksRetryFailureOnDeliverError(t *testing.T) {
	mgr, fs := newTestManager(t, func(ctx context.Context, signalType uint16, source, target string, payload model.Payload) error {
		return errors.New("target unreachable")
	})

	require.NoError(t, mgr.Enqueue(context.Background(), 0x50, "node-a", "node-b", model.Payload{}, model.PriorityNormal))
	mgr.ProcessBuffer(context.Background())

	for _, b := range fs.rows {
		assert.Equal(t, 1, b.RetryCount)
		assert.Equal(t, model.BufferPending, b.Status)
	}
}

func TestProcessBufferTransitionsToFailedAfterMaxRetries(t *testing.T) {
	mgr, fs := newTestManager(t, func(ctx context.Context, signalType uint16, source, target string, payload model.Payload) error {
		return errors.New("still unreachable")
	})

	require.NoError(t, mgr.Enqueue(context.Background(), 0x50, "node-a", "node-b", model.Payload{}, model.PriorityNormal))

	for i := 0; i < 3; i++ {
		mgr.ProcessBuffer(context.Background())
	}

	for _, b := range fs.rows {
		assert.True(t, b.Status.IsTerminal())
		assert.Equal(t, model.BufferFailed, b.Status)
	}
}

func TestDueForRetryHonorsBackoffTable(t *testing.T) {
	mgr, _ := newTestManager(t, func(ctx context.Context, signalType uint16, source, target string, payload model.Payload) error {
		return nil
	})
	mgr.cfg.RetryIntervals = []time.Duration{10 * time.Second, 30 * time.Second}

	now := int64(1_000_000)
	b := model.BufferedSignal{BufferedAt: now, RetryCount: 0}
	assert.False(t, mgr.dueForRetry(b, now+5_000))
	assert.True(t, mgr.dueForRetry(b, now+10_000))

	b.RetryCount = 5 // beyond table length clamps to last interval
	assert.False(t, mgr.dueForRetry(b, now+20_000))
	assert.True(t, mgr.dueForRetry(b, now+30_000))
}

func TestFlushBufferLeavesNoFurtherRetries(t *testing.T) {
	mgr, fs := newTestManager(t, func(ctx context.Context, signalType uint16, source, target string, payload model.Payload) error {
		return errors.New("offline")
	})
	require.NoError(t, mgr.Enqueue(context.Background(), 0x50, "node-a", "node-b", model.Payload{}, model.PriorityNormal))

	n, err := mgr.FlushBuffer(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	for _, b := range fs.rows {
		assert.Equal(t, model.BufferFailed, b.Status)
	}
}

func TestClearBufferedSignalsByID(t *testing.T) {
	mgr, fs := newTestManager(t, nil)
	require.NoError(t, mgr.Enqueue(context.Background(), 0x50, "node-a", "node-b", model.Payload{}, model.PriorityNormal))

	var id string
	for k := range fs.rows {
		id = k
	}

	n, err := mgr.ClearBufferedSignals(context.Background(), store.ClearFilter{IDs: []string{id}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Empty(t, fs.rows)
}
