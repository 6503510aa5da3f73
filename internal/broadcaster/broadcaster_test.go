package broadcaster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSubscribeExactTopicMatch(t *testing.T) {
	bus := New(zap.NewNop())
	defer bus.Close()

	ch := bus.Subscribe(TopicRelaySent)
	bus.Publish(TopicRelaySent, map[string]string{"relay_id": "r1"})

	select {
	case evt := <-ch:
		assert.Equal(t, TopicRelaySent, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("expected event, got none")
	}
}

func TestSubscribePrefixWildcard(t *testing.T) {
	bus := New(zap.NewNop())
	defer bus.Close()

	ch := bus.Subscribe("buffer:*")
	bus.Publish(TopicBufferRetry, nil)
	bus.Publish(TopicRelaySent, nil)

	select {
	case evt := <-ch:
		assert.Equal(t, TopicBufferRetry, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("expected buffer:retry event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("unexpected second event delivered: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeStarMatchesEverything(t *testing.T) {
	bus := New(zap.NewNop())
	defer bus.Close()

	ch := bus.Subscribe("*")
	bus.Publish(TopicStatsUpdate, nil)

	select {
	case evt := <-ch:
		assert.Equal(t, TopicStatsUpdate, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(zap.NewNop())
	defer bus.Close()

	ch := bus.Subscribe("*")
	bus.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
}

func TestCloseClosesAllSubscriberChannels(t *testing.T) {
	bus := New(zap.NewNop())
	ch1 := bus.Subscribe("*")
	ch2 := bus.Subscribe(TopicRelaySent)

	bus.Close()

	_, open1 := <-ch1
	_, open2 := <-ch2
	assert.False(t, open1)
	assert.False(t, open2)
}

func TestSubscriberCount(t *testing.T) {
	bus := New(zap.NewNop())
	defer bus.Close()

	require.Equal(t, 0, bus.SubscriberCount())
	bus.Subscribe("*")
	bus.Subscribe(TopicRelaySent)
	assert.Equal(t, 2, bus.SubscriberCount())
}
