package watch

import (
	"sync"
	"sync/atomic"

	"github.com/nkkko/feedhub/internal/domain"
	"github.com/nkkko/feedhub/internal/metrics"
	"github.com/nkkko/feedhub/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultBufferSize is the per-watcher event buffer
const DefaultBufferSize = 256

type watcher struct {
	id       int64
	query    proto.Query
	ch       chan *proto.ChangeEvent
	overflow atomic.Bool
}

// Hub fans store changes out to the watchers whose query matches
type Hub struct {
	mu         sync.RWMutex
	watchers   map[int64]*watcher
	nextID     int64
	bufferSize int
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewHub creates a hub with the given per-watcher buffer
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		watchers:   make(map[int64]*watcher),
		bufferSize: bufferSize,
		metrics:    metrics.GetMetrics(),
		logger:     log.With().Str("component", "watch-hub").Logger(),
	}
}

// Add registers a watcher for query.
// Returns the watcher id, an events channel, and a cancel func.
func (h *Hub) Add(query proto.Query) (int64, <-chan *proto.ChangeEvent, func()) {
	w := h.add(query)
	return w.id, w.ch, func() { h.Remove(w.id) }
}

// Subscribe registers a watcher for query and wraps it with initial.
// A watcher that falls a full buffer behind is closed and its
// subscription reports domain.ErrOverflow.
func (h *Hub) Subscribe(initial []*proto.Record, query proto.Query) *domain.FeedSubscription {
	w := h.add(query)
	sub := domain.NewFeedSubscription(initial, w.ch, func() { h.Remove(w.id) })
	return sub.WithErr(func() error {
		if w.overflow.Load() {
			return domain.ErrOverflow
		}
		return nil
	})
}

func (h *Hub) add(query proto.Query) *watcher {
	w := &watcher{
		id:    atomic.AddInt64(&h.nextID, 1),
		query: query,
		ch:    make(chan *proto.ChangeEvent, h.bufferSize),
	}
	h.mu.Lock()
	h.watchers[w.id] = w
	h.mu.Unlock()
	h.metrics.WatchersActive.Inc()
	return w
}

// Remove unregisters a watcher by id and closes its channel
func (h *Hub) Remove(id int64) {
	h.mu.Lock()
	w, ok := h.watchers[id]
	if ok {
		delete(h.watchers, id)
		close(w.ch)
	}
	h.mu.Unlock()
	if ok {
		h.metrics.WatchersActive.Dec()
	}
}

// Broadcast sends a change of rec to all matching watchers without blocking.
// A watcher whose buffer is full is marked overflowed and closed, so its
// reader sees the end of the stream instead of a gap.
func (h *Hub) Broadcast(action proto.ChangeAction, rec *proto.Record) {
	var overflowed []int64

	h.mu.RLock()
	for _, w := range h.watchers {
		if !w.query.Matches(rec) || w.overflow.Load() {
			continue
		}
		ev := &proto.ChangeEvent{Key: rec.Key, Id: rec.Id, Value: rec, Action: action}
		select {
		case w.ch <- ev:
		default:
			w.overflow.Store(true)
			overflowed = append(overflowed, w.id)
			h.metrics.StorageOperations.WithLabelValues("watch_overflow", "false").Inc()
			h.logger.Warn().
				Int64("watcher_id", w.id).
				Str("key", string(rec.Key)).
				Str("record_id", rec.Id).
				Msg("Watcher buffer full, closing watcher")
		}
	}
	h.mu.RUnlock()

	for _, id := range overflowed {
		h.Remove(id)
	}
}

// Len returns the number of registered watchers
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}

// Close removes every watcher
func (h *Hub) Close() {
	h.mu.Lock()
	n := len(h.watchers)
	for id, w := range h.watchers {
		delete(h.watchers, id)
		close(w.ch)
	}
	h.mu.Unlock()
	h.metrics.WatchersActive.Sub(float64(n))
}
