package notifier

import (
	"errors"
	"sync"
	"time"

	"github.com/nkkko/feedhub/internal/domain"
	"github.com/nkkko/feedhub/internal/metrics"
	"github.com/nkkko/feedhub/pkg/proto"
)

var (
	// ErrOutboxClosed is returned once the outbox is closed and drained
	ErrOutboxClosed = errors.New("outbox closed")

	// ErrSlowConsumer is returned when a surface falls too far behind
	ErrSlowConsumer = errors.New("surface is not keeping up")
)

var _ domain.Sink = (*Outbox)(nil)

// Outbox buffers the events of one surface between the coordinator and the
// connection writer. Send never blocks; a surface that lets capacity events
// pile up is disconnected rather than silently losing events.
type Outbox struct {
	capacity int

	mu      sync.Mutex
	pending []*proto.Event
	err     error

	notify  chan struct{}
	metrics *metrics.Metrics
}

// NewOutbox creates an outbox holding at most capacity undelivered events
func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = DefaultConfig().OutboxSize
	}
	return &Outbox{
		capacity: capacity,
		pending:  make([]*proto.Event, 0, 16),
		notify:   make(chan struct{}, 1),
		metrics:  metrics.GetMetrics(),
	}
}

// Send queues ev for the writer
func (o *Outbox) Send(ev *proto.Event) error {
	o.mu.Lock()
	if o.err != nil {
		err := o.err
		o.mu.Unlock()
		o.metrics.NotifierEventsDropped.WithLabelValues("closed").Inc()
		return err
	}
	if len(o.pending) >= o.capacity {
		o.err = ErrSlowConsumer
		o.pending = nil
		o.mu.Unlock()
		o.metrics.NotifierEventsDropped.WithLabelValues("slow_consumer").Inc()
		o.signal()
		return ErrSlowConsumer
	}
	o.pending = append(o.pending, ev)
	o.mu.Unlock()

	o.signal()
	return nil
}

func (o *Outbox) signal() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Next waits up to timeout for queued events and returns them in order.
// It returns no events and no error on timeout, and the close reason once
// the outbox is closed and empty.
func (o *Outbox) Next(timeout time.Duration) ([]*proto.Event, error) {
	if batch, err := o.take(); batch != nil || err != nil {
		return batch, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-o.notify:
		return o.take()
	case <-timer.C:
		return nil, nil
	}
}

// take swaps out the pending events
func (o *Outbox) take() ([]*proto.Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.pending) > 0 {
		batch := o.pending
		o.pending = make([]*proto.Event, 0, 16)
		return batch, nil
	}
	return nil, o.err
}

// Len returns the number of undelivered events
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Close rejects further events. Queued events can still be drained.
func (o *Outbox) Close() {
	o.mu.Lock()
	if o.err == nil {
		o.err = ErrOutboxClosed
	}
	o.mu.Unlock()
	o.signal()
}

// Err returns why the outbox closed, or nil
func (o *Outbox) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}
