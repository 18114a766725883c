package clock

import (
	"sync"
	"time"
)

// Mock is a controllable Clock for tests. Advance moves time forward and
// fires any timers/tickers whose deadline has passed.
type Mock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
	tickers []*mockTicker
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewMock creates a Mock starting at the given time.
func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan time.Time, 1)
	deadline := m.now.Add(d)
	if !deadline.After(m.now) {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, waiter{deadline: deadline, ch: ch})
	return ch
}

func (m *Mock) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTicker{period: d, next: m.now.Add(d), ch: make(chan time.Time, 1), owner: m}
	m.tickers = append(m.tickers, t)
	return t
}

// Advance moves the mock clock forward by d, firing any waiters/tickers
// whose deadline has now passed. Waiters fire in the order they were
// registered, each receiving the new current time.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)

	remaining := m.waiters[:0]
	for _, w := range m.waiters {
		if !w.deadline.After(m.now) {
			select {
			case w.ch <- m.now:
			default:
			}
		} else {
			remaining = append(remaining, w)
		}
	}
	m.waiters = remaining

	for _, t := range m.tickers {
		if t.stopped {
			continue
		}
		for !t.next.After(m.now) {
			select {
			case t.ch <- m.now:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
}

type mockTicker struct {
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
	owner   *Mock
}

func (t *mockTicker) C() <-chan time.Time { return t.ch }

func (t *mockTicker) Stop() {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	t.stopped = true
}
