// Package eventbus implements the reliable, ordered fan-out pub/sub fabric
// described in spec §4.1: named topics, each retaining its most recent event
// for replay to late-joining subscribers, each terminable exactly once.
//
// Delivery is per-subscriber and independent: a slow subscriber whose bounded
// buffer fills is dropped (with ErrOverflow) rather than allowed to stall the
// publisher, matching the teacher's drop-mode MemoryEventBus.Publish in
// modules/eventbus/memory.go.
package eventbus

import (
	"errors"
	"sync"
	"time"
)

// DefaultBufferSize is the recommended minimum subscriber buffer size from
// spec §4.1.
const DefaultBufferSize = 16

var (
	// ErrTopicTerminal is returned by Publish when the topic has already
	// been closed; it is a no-op signal to the caller, not a fatal error.
	ErrTopicTerminal = errors.New("eventbus: topic is terminal")
)

// Event is a single message published on a topic. Payload carries whatever
// the owning component publishes: a Task Record snapshot for task topics, or
// one of the queue-topic event shapes (task_added/task_removed) for the
// queue topic.
type Event struct {
	Topic     string
	Payload   any
	CreatedAt time.Time
}

// Bus is the in-process event bus. The zero value is not usable; construct
// with New.
type Bus struct {
	mu         sync.Mutex
	topics     map[string]*topic
	bufferSize int
}

// New creates an event bus. bufferSize bounds each subscriber's channel; if
// non-positive, DefaultBufferSize is used.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		topics:     make(map[string]*topic),
		bufferSize: bufferSize,
	}
}

type topic struct {
	mu       sync.Mutex
	latest   *Event
	hasLast  bool
	subs     map[uint64]*subscription
	nextSub  uint64
	terminal bool
}

// Subscription is a lazy, ordered sequence of events for one topic. C is
// finite iff the topic is (or becomes) terminal; if the subscriber is
// dropped for overflow, C is closed early and Err returns ErrOverflow.
type Subscription struct {
	C <-chan Event

	topicName string
	id        uint64
	ch        chan Event
	t         *topic
	bus       *Bus

	mu       sync.Mutex
	overflow bool
}

// Err reports why the channel closed: nil for a clean topic close, or
// ErrOverflow if this subscriber's buffer filled and it was dropped.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overflow {
		return errOverflow
	}
	return nil
}

// errOverflow is a package-local sentinel re-exported by taskengine as
// ErrOverflow; kept local to avoid an import cycle with the root package.
var errOverflow = errors.New("eventbus: subscriber buffer overflow")

// ErrOverflow is returned by Subscription.Err for a subscriber dropped
// because its bounded buffer filled while the publisher kept going.
var ErrOverflow = errOverflow

// Unsubscribe removes the subscription early. Safe to call multiple times.
func (s *Subscription) Unsubscribe() {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if _, ok := s.t.subs[s.id]; ok {
		delete(s.t.subs, s.id)
		close(s.ch)
	}
}

func (b *Bus) getOrCreateTopic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[uint64]*subscription)}
		b.topics[name] = t
	}
	return t
}

// Subscribe joins topicName. If the topic has a retained latest event it is
// delivered first (O2); if the topic is already terminal, the subscription
// observes that one event (if any) then closes immediately.
func (b *Bus) Subscribe(topicName string) *Subscription {
	t := b.getOrCreateTopic(topicName)

	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	sub := &subscription{ch: ch}
	s := &Subscription{C: ch, topicName: topicName, t: t, bus: b, ch: ch}

	if t.hasLast {
		// Buffer is always >=1 capacity, so this never blocks on a fresh
		// subscription.
		ch <- *t.latest
	}

	if t.terminal {
		close(ch)
		return s
	}

	t.nextSub++
	id := t.nextSub
	s.id = id
	sub.sub = s
	t.subs[id] = sub
	return s
}

type subscription struct {
	ch  chan Event
	sub *Subscription
}

// Publish delivers event to every currently-registered subscriber of
// topicName and replaces the retained latest snapshot. Publishing on a
// terminal topic is a no-op returning ErrTopicTerminal.
func (b *Bus) Publish(topicName string, payload any) error {
	t := b.getOrCreateTopic(topicName)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminal {
		return ErrTopicTerminal
	}

	ev := Event{Topic: topicName, Payload: payload, CreatedAt: time.Now()}
	t.latest = &ev
	t.hasLast = true

	for id, sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber: drop rather than block the publisher.
			sub.sub.mu.Lock()
			sub.sub.overflow = true
			sub.sub.mu.Unlock()
			close(sub.ch)
			delete(t.subs, id)
		}
	}
	return nil
}

// Close optionally publishes finalPayload, then marks topicName terminal.
// Remaining subscribers drain any buffered events and then see their
// channel close (O4: terminal event precedes close).
func (b *Bus) Close(topicName string, finalPayload any, hasFinal bool) {
	t := b.getOrCreateTopic(topicName)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminal {
		return
	}

	if hasFinal {
		ev := Event{Topic: topicName, Payload: finalPayload, CreatedAt: time.Now()}
		t.latest = &ev
		t.hasLast = true
		for id, sub := range t.subs {
			select {
			case sub.ch <- ev:
			default:
				sub.sub.mu.Lock()
				sub.sub.overflow = true
				sub.sub.mu.Unlock()
			}
			_ = id
		}
	}

	t.terminal = true
	for id, sub := range t.subs {
		close(sub.ch)
		delete(t.subs, id)
	}
}

// CloseAll closes every topic that is not already terminal, without a final
// payload (each topic keeps whatever it last retained). Used on engine
// shutdown (spec §4.4) to guarantee every open subscription, including ones
// on topics that never reach their own terminal transition (the queue
// topic), observes end-of-stream.
func (b *Bus) CloseAll() {
	b.mu.Lock()
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	b.mu.Unlock()

	for _, name := range names {
		b.Close(name, nil, false)
	}
}

// IsTerminal reports whether topicName has already been closed. Unknown
// topics are reported open (false): they simply have no history yet.
func (b *Bus) IsTerminal(topicName string) bool {
	b.mu.Lock()
	t, ok := b.topics[topicName]
	b.mu.Unlock()
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminal
}
