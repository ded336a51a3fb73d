// Package eventbus is an in-process, topic-keyed publish/subscribe bus used
// to fan internal state changes (stream lifecycle, bandwidth samples, config
// changes, metrics snapshots) out to the HTTP and diagnostics layers without
// those layers reaching into session/config internals directly.
//
// Delivery is best-effort and in-order per subscriber: each subscriber owns a
// bounded channel, and a slow subscriber has its oldest buffered event
// dropped to make room for the newest one rather than blocking the
// publisher or the bus's other subscribers.
package eventbus

import (
	"sync"

	"github.com/plexbridge/plexbridge/internal/logging"
)

// Well-known topics (spec.md §6).
const (
	TopicStreamStarted   = "stream:started"
	TopicStreamStopped   = "stream:stopped"
	TopicBandwidthUpdate = "streams:bandwidth:update"
	TopicSettingsChanged = "settings:changed"
	TopicSettingsUpdated = "settings:updated"
	TopicMetricsUpdate   = "metrics:update"
)

// Event is the payload carried on every topic. Data is opaque to the bus;
// each topic's publisher and subscribers agree on its concrete type.
type Event struct {
	Topic string
	Data  any
}

const defaultBufferSize = 64

// Bus is a bounded, drop-oldest, multi-topic pub/sub.
type Bus struct {
	mu         sync.Mutex
	subs       map[string][]*subscription
	bufferSize int
}

type subscription struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// New returns a Bus whose per-subscriber buffers hold bufferSize events.
// bufferSize <= 0 uses a sane default.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{subs: make(map[string][]*subscription), bufferSize: bufferSize}
}

// Subscription is a handle returned by Subscribe; callers must call Close
// when done to release the subscriber's buffer.
type Subscription struct {
	bus   *Bus
	topic string
	sub   *subscription
}

// C returns the channel events for this subscription arrive on.
func (s *Subscription) C() <-chan Event {
	return s.sub.ch
}

// Close unsubscribes and closes the channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.topic]
	out := subs[:0]
	for _, sub := range subs {
		if sub != s.sub {
			out = append(out, sub)
		}
	}
	if len(out) == 0 {
		delete(s.bus.subs, s.topic)
	} else {
		s.bus.subs[s.topic] = out
	}
	s.sub.mu.Lock()
	if !s.sub.closed {
		s.sub.closed = true
		close(s.sub.ch)
	}
	s.sub.mu.Unlock()
}

// Subscribe registers a new subscriber on topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &subscription{ch: make(chan Event, b.bufferSize)}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()
	return &Subscription{bus: b, topic: topic, sub: sub}
}

// Publish fans data out to every current subscriber of topic. Publish never
// blocks: a subscriber whose buffer is full has its oldest pending event
// discarded to make room.
func (b *Bus) Publish(topic string, data any) {
	b.mu.Lock()
	subs := append([]*subscription(nil), b.subs[topic]...)
	b.mu.Unlock()

	ev := Event{Topic: topic, Data: data}
	for _, sub := range subs {
		sub.send(topic, ev)
	}
}

func (s *subscription) send(topic string, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			logging.WithComponent("eventbus").Warn().
				Str("topic", topic).
				Msg("subscriber buffer full, dropping oldest event")
		default:
			return
		}
	}
}
