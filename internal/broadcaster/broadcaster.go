// Package broadcaster is the relay node's event bus: a one-way fan-out
// of engine events (relay:sent, relay:failed, relay:buffered,
// buffer:expired, stats:update, ...) to subscribers, who may narrow by
// exact topic, "prefix:*", or "*".
//
// Adapted from the teacher's tier-aware block broadcaster
// (internal/broadcaster/broadcaster.go in the source repo), which
// batches fan-out on a short ticker and pre-encodes each event once for
// every subscriber. This version generalizes the payload from a single
// BlockEvent type to an arbitrary named Event and replaces
// subscription-by-tier with subscription-by-topic-pattern.
package broadcaster

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is a single event-bus message.
type Event struct {
	Type         string      `json:"type"`
	Data         interface{} `json:"data"`
	TimestampISO string      `json:"timestamp_iso"`
}

// Topic name constants, matching §6's event bus contract.
const (
	TopicRelaySent     = "relay:sent"
	TopicRelayFailed   = "relay:failed"
	TopicRelayBuffered = "relay:buffered"
	TopicBufferRetry   = "buffer:retry"
	TopicBufferExpired = "buffer:expired"
	TopicStatsUpdate   = "stats:update"
	TopicError         = "error"
)

type subscription struct {
	pattern string
	ch      chan Event
}

// Bus is the event bus. Publish is non-blocking: a slow or full
// subscriber drops events rather than stalling the publisher.
type Bus struct {
	mu        sync.RWMutex
	subs      map[chan Event]*subscription
	logger    *zap.Logger
	batchChan chan Event
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// New creates an event bus and starts its batching fan-out worker.
func New(logger *zap.Logger) *Bus {
	b := &Bus{
		subs:      make(map[chan Event]*subscription),
		logger:    logger,
		batchChan: make(chan Event, 1000),
		stopChan:  make(chan struct{}),
	}

	b.wg.Add(1)
	go b.fanOutBatcher()

	return b
}

// Subscribe registers a subscriber for a topic pattern: an exact topic
// name, "prefix:*" for everything under that prefix, or "*" for all
// events. The returned channel is closed on Unsubscribe or Close.
func (b *Bus) Subscribe(pattern string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 256)
	b.subs[ch] = &subscription{pattern: pattern, ch: ch}

	b.logger.Debug("broadcaster: new subscriber",
		zap.String("pattern", pattern), zap.Int("total_subscribers", len(b.subs)))

	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subCh := range b.subs {
		if subCh == ch {
			delete(b.subs, subCh)
			close(subCh)
			return
		}
	}
}

// Publish queues an event for fan-out. A full internal queue drops the
// event (logged) rather than blocking the caller.
func (b *Bus) Publish(topic string, data interface{}) {
	evt := Event{
		Type:         topic,
		Data:         data,
		TimestampISO: time.Now().UTC().Format(time.RFC3339Nano),
	}

	select {
	case b.batchChan <- evt:
	default:
		b.logger.Warn("broadcaster: event queue full, dropping event", zap.String("topic", topic))
	}
}

func (b *Bus) fanOutBatcher() {
	defer b.wg.Done()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	var pending []Event
	const maxBatch = 64

	flush := func() {
		if len(pending) == 0 {
			return
		}
		b.deliver(pending)
		pending = pending[:0]
	}

	for {
		select {
		case <-b.stopChan:
			flush()
			return
		case evt := <-b.batchChan:
			pending = append(pending, evt)
			if len(pending) >= maxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (b *Bus) deliver(events []Event) {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, evt := range events {
		for _, s := range subs {
			if !matches(s.pattern, evt.Type) {
				continue
			}
			select {
			case s.ch <- evt:
			default:
				b.logger.Debug("broadcaster: subscriber channel full, dropping event",
					zap.String("pattern", s.pattern), zap.String("topic", evt.Type))
			}
		}
	}
}

func matches(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(topic, prefix)
	}
	return false
}

// Close stops the fan-out worker and closes every subscriber channel.
func (b *Bus) Close() {
	close(b.stopChan)
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
	}
	b.subs = make(map[chan Event]*subscription)
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
