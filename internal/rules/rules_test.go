package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/synapse-relay/node/internal/model"
)

type fakeStore struct {
	rules   map[int64]model.RelayRule
	nextID  int64
}

func newFakeStore(rules ...model.RelayRule) *fakeStore {
	fs := &fakeStore{rules: make(map[int64]model.RelayRule)}
	for _, r := range rules {
		fs.nextID++
		r.ID = fs.nextID
		fs.rules[r.ID] = r
	}
	return fs
}

func (f *fakeStore) MatchRules(ctx context.Context, signalType uint16) ([]model.RelayRule, error) {
	var out []model.RelayRule
	for _, r := range f.rules {
		if r.Enabled && r.SignalPattern == signalType {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) IncrementMatchCount(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if r, ok := f.rules[id]; ok {
			r.MatchCount++
			f.rules[id] = r
		}
	}
	return nil
}

func (f *fakeStore) AddRule(ctx context.Context, r model.RelayRule) (int64, error) {
	f.nextID++
	r.ID = f.nextID
	f.rules[r.ID] = r
	return r.ID, nil
}

func (f *fakeStore) UpdateRule(ctx context.Context, r model.RelayRule) (bool, error) {
	if _, ok := f.rules[r.ID]; !ok {
		return false, nil
	}
	f.rules[r.ID] = r
	return true, nil
}

func (f *fakeStore) RemoveRule(ctx context.Context, id int64) (bool, error) {
	if _, ok := f.rules[id]; !ok {
		return false, nil
	}
	delete(f.rules, id)
	return true, nil
}

func (f *fakeStore) ListRules(ctx context.Context) ([]model.RelayRule, error) {
	var out []model.RelayRule
	for _, r := range f.rules {
		out = append(out, r)
	}
	return out, nil
}

func TestMatchFiltersBySourceRegex(t *testing.T) {
	store := newFakeStore(
		model.RelayRule{SignalPattern: 0x50, SourceFilter: `^node-a`, RelayTo: []string{"target-1"}, Enabled: true},
		model.RelayRule{SignalPattern: 0x50, SourceFilter: `^node-b`, RelayTo: []string{"target-2"}, Enabled: true},
	)
	engine := New(store, zap.NewNop())

	matched, err := engine.Match(context.Background(), 0x50, "node-a-1")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, []string{"target-1"}, matched[0].RelayTo)
}

func TestMatchTreatsEmptyFilterAsUnfiltered(t *testing.T) {
	store := newFakeStore(
		model.RelayRule{SignalPattern: 0x50, RelayTo: []string{"target-1"}, Enabled: true},
	)
	engine := New(store, zap.NewNop())

	matched, err := engine.Match(context.Background(), 0x50, "anyone")
	require.NoError(t, err)
	require.Len(t, matched, 1)
}

func TestMatchTreatsInvalidRegexAsUnfiltered(t *testing.T) {
	store := newFakeStore(
		model.RelayRule{SignalPattern: 0x50, SourceFilter: `(unterminated`, RelayTo: []string{"target-1"}, Enabled: true},
	)
	engine := New(store, zap.NewNop())

	matched, err := engine.Match(context.Background(), 0x50, "anyone")
	require.NoError(t, err)
	require.Len(t, matched, 1)
}

func TestMatchIncrementsCountOnlyForRulesPassingSourceFilter(t *testing.T) {
	store := newFakeStore(
		model.RelayRule{SignalPattern: 0x50, SourceFilter: `^node-a`, RelayTo: []string{"target-1"}, Enabled: true},
		model.RelayRule{SignalPattern: 0x50, SourceFilter: `^node-b`, RelayTo: []string{"target-2"}, Enabled: true},
	)
	engine := New(store, zap.NewNop())

	_, err := engine.Match(context.Background(), 0x50, "node-a-1")
	require.NoError(t, err)

	assert.EqualValues(t, 1, store.rules[1].MatchCount)
	assert.EqualValues(t, 0, store.rules[2].MatchCount)
}

func TestMatchOrdersByPriorityDescending(t *testing.T) {
	store := newFakeStore(
		model.RelayRule{SignalPattern: 0x50, RelayTo: []string{"low"}, Priority: 1, Enabled: true},
		model.RelayRule{SignalPattern: 0x50, RelayTo: []string{"high"}, Priority: 10, Enabled: true},
	)
	engine := New(store, zap.NewNop())

	matched, err := engine.Match(context.Background(), 0x50, "anyone")
	require.NoError(t, err)
	require.Len(t, matched, 2)
	assert.Equal(t, []string{"high"}, matched[0].RelayTo)
	assert.Equal(t, []string{"low"}, matched[1].RelayTo)
}

func TestApplyTransformSetsDeletesAndRenames(t *testing.T) {
	payload := model.Payload{"old_name": "value", "drop_me": "gone", "keep": "me"}
	spec := model.TransformSpec{
		"new_name": map[string]interface{}{"rename": "old_name"},
		"drop_me":  nil,
		"literal":  "constant",
	}

	out := ApplyTransform(payload, spec)

	assert.Equal(t, "value", out["new_name"])
	assert.NotContains(t, out, "old_name")
	assert.NotContains(t, out, "drop_me")
	assert.Equal(t, "constant", out["literal"])
	assert.Equal(t, "me", out["keep"])
}

func TestApplyTransformLeavesOriginalPayloadUntouched(t *testing.T) {
	payload := model.Payload{"a": "1"}
	spec := model.TransformSpec{"a": "2"}

	out := ApplyTransform(payload, spec)

	assert.Equal(t, "1", payload["a"])
	assert.Equal(t, "2", out["a"])
}

func TestAutoRelayTargetsDedupes(t *testing.T) {
	matched := []model.RelayRule{
		{RelayTo: []string{"a", "b"}},
		{RelayTo: []string{"b", "c"}},
	}
	out := AutoRelayTargets(matched)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, out)
}

func TestAddRejectsEmptyRelayTo(t *testing.T) {
	engine := New(newFakeStore(), zap.NewNop())
	_, err := engine.Add(context.Background(), model.RelayRule{SignalPattern: 0x50})
	assert.ErrorIs(t, err, ErrEmptyRelayTo)
}

func TestUpdateRejectsMissingID(t *testing.T) {
	engine := New(newFakeStore(), zap.NewNop())
	_, err := engine.Update(context.Background(), model.RelayRule{RelayTo: []string{"x"}})
	assert.ErrorIs(t, err, ErrMissingRuleID)
}

func TestRemoveRejectsMissingID(t *testing.T) {
	engine := New(newFakeStore(), zap.NewNop())
	_, err := engine.Remove(context.Background(), 0)
	assert.ErrorIs(t, err, ErrMissingRuleID)
}
