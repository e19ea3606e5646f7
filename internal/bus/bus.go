// Package bus is an in-process publish/subscribe event stream used for
// observability only, never for correctness. Dispatcher, worker pool,
// and store transitions publish onto it; nothing in the fabric's
// control flow ever subscribes to reach a decision: the bus records what
// happened, it does not decide what happens next.
//
// Publish is non-blocking: each subscriber gets a buffered channel, and
// events that would block are dropped and counted, with threshold-gated
// logging, so a slow subscriber never stalls a publisher.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one published notification.
type Event struct {
	Topic     string
	Payload   map[string]any
	Timestamp time.Time
}

// Subscription is a live registration returned by Subscribe. Callers
// must range over C until Unsubscribe is called, or drop counting will
// climb without bound.
type Subscription struct {
	id      uint64
	topic   string
	C       <-chan Event
	bus     *Bus
	dropped atomic.Int64
}

// Dropped reports how many events this subscription has missed because
// its buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

const subscriberBuffer = 64

// dropLogThresholds are the cumulative drop counts at which a warning is
// re-emitted, so a permanently-stuck subscriber logs O(log n) times
// instead of once per drop.
var dropLogThresholds = []int64{1, 10, 100, 1000}

// Bus is a single process-wide event hub. The zero value is not usable;
// construct with New.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]*subEntry
	next uint64

	log *slog.Logger
}

type subEntry struct {
	topic string
	ch    chan Event
	sub   *Subscription
}

func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{subs: make(map[uint64]*subEntry), log: log}
}

// Subscribe registers interest in topics sharing the given prefix. An
// empty prefix matches every topic.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{id: id, topic: topicPrefix, C: ch, bus: b}
	b.subs[id] = &subEntry{topic: topicPrefix, ch: ch, sub: sub}
	return sub
}

// Unsubscribe stops delivery to sub and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(entry.ch)
	}
}

// Publish fans event out to every subscription whose prefix matches
// topic. Delivery is best-effort and non-blocking: a full subscriber
// buffer drops the event rather than stalling the publisher.
func (b *Bus) Publish(topic string, payload map[string]any) {
	b.PublishAt(topic, payload, time.Now().UTC())
}

// PublishAt is Publish with an explicit timestamp, used by callers that
// already hold one (e.g. a finalize transaction's updated_at).
func (b *Bus) PublishAt(topic string, payload map[string]any, ts time.Time) {
	event := Event{Topic: topic, Payload: payload, Timestamp: ts}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, entry := range b.subs {
		if !strings.HasPrefix(topic, entry.topic) {
			continue
		}
		select {
		case entry.ch <- event:
		default:
			b.recordDrop(entry.sub, topic)
		}
	}
}

func (b *Bus) recordDrop(sub *Subscription, topic string) {
	n := sub.dropped.Add(1)
	for _, threshold := range dropLogThresholds {
		if n == threshold {
			b.log.Warn("bus: subscriber buffer full, dropping event",
				"topic", topic, "subscription_topic", sub.topic, "dropped_total", n)
			return
		}
	}
}
