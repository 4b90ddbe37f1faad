package router

import (
	"sync"

	"github.com/nkkko/feedhub/internal/metrics"
)

// Mailbox is an unbounded FIFO of closures drained by one goroutine.
// Post never blocks.
type Mailbox struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
	closed bool

	metrics *metrics.Metrics
}

// NewMailbox creates an empty mailbox
func NewMailbox() *Mailbox {
	return &Mailbox{
		queue:   make([]func(), 0, 64),
		notify:  make(chan struct{}, 1),
		metrics: metrics.GetMetrics(),
	}
}

// Post appends fn. It reports false once the mailbox is closed.
func (m *Mailbox) Post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	size := len(m.queue)
	m.mu.Unlock()

	m.metrics.RouterQueueSize.Set(float64(size))

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled when closures are waiting
func (m *Mailbox) Ready() <-chan struct{} {
	return m.notify
}

// Take swaps out every queued closure in arrival order
func (m *Mailbox) Take() []func() {
	m.mu.Lock()
	batch := m.queue
	if len(batch) > 0 {
		m.queue = make([]func(), 0, cap(batch))
	}
	m.mu.Unlock()

	m.metrics.RouterQueueSize.Set(0)
	return batch
}

// Len returns the number of queued closures
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close rejects further posts and returns what was still queued
func (m *Mailbox) Close() []func() {
	m.mu.Lock()
	m.closed = true
	batch := m.queue
	m.queue = nil
	m.mu.Unlock()
	return batch
}
