// Package bus is a small in-process pub/sub used for runtime lifecycle
// events: session creation, status changes, queue transitions, reminder
// fires. Delivery is non-blocking; slow consumers drop events.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	subscriptionBuffer = 100

	// dropWarnInterval throttles drop warnings so a wedged consumer cannot
	// flood the log.
	dropWarnInterval = time.Minute
)

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription represents an active subscription.
type Subscription struct {
	id     uint64
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is an in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	logger   *slog.Logger
	dropped  atomic.Int64
	warnedAt atomic.Int64 // unix nanos of the last drop warning

	mu     sync.RWMutex
	nextID uint64
	subs   []*Subscription
}

// New creates a new Bus.
func New() *Bus {
	return NewWithLogger(nil)
}

// NewWithLogger creates a new Bus with an optional logger for drop warnings.
func NewWithLogger(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe creates a subscription for events matching the given topic
// prefix. An empty prefix matches all topics. The returned channel is
// buffered; a full buffer drops events rather than blocking publishers.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, subscriptionBuffer),
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == sub.id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Publish sends an event to all matching subscribers without blocking.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
			b.warnDropped(topic)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedEventCount returns the total number of events dropped due to full
// buffers.
func (b *Bus) DroppedEventCount() int64 {
	return b.dropped.Load()
}

// warnDropped logs at most one drop warning per interval. The CompareAndSwap
// on the last-warned timestamp elects a single logger among concurrent
// publishers.
func (b *Bus) warnDropped(topic string) {
	if b.logger == nil {
		return
	}
	now := time.Now().UnixNano()
	last := b.warnedAt.Load()
	if now-last < int64(dropWarnInterval) {
		return
	}
	if b.warnedAt.CompareAndSwap(last, now) {
		b.logger.Warn("bus dropping events for slow consumer",
			slog.String("topic", topic),
			slog.Int64("dropped_total", b.dropped.Load()),
		)
	}
}
