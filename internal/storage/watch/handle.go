package watch

import (
	"context"
	"sync"

	"github.com/nkkko/feedhub/internal/domain"
	"github.com/nkkko/feedhub/pkg/proto"
)

// Handle scopes a feed store to one coordinator session.
// Closing it cancels every subscription opened through it.
type Handle struct {
	store  domain.FeedStore
	mu     sync.Mutex
	subs   map[uint64]*domain.FeedSubscription
	nextID uint64
	closed bool
}

var _ domain.FeedHandle = (*Handle)(nil)

// NewHandle opens a session handle over store
func NewHandle(store domain.FeedStore) *Handle {
	return &Handle{
		store: store,
		subs:  make(map[uint64]*domain.FeedSubscription),
	}
}

// Subscribe opens a subscription owned by the handle
func (h *Handle) Subscribe(ctx context.Context, query proto.Query) (*domain.FeedSubscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, domain.ErrStoreClosed
	}
	h.mu.Unlock()

	inner, err := h.store.Subscribe(ctx, query)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		inner.Cancel()
		return nil, domain.ErrStoreClosed
	}
	h.nextID++
	id := h.nextID
	sub := domain.NewFeedSubscription(inner.Initial, inner.Events, func() {
		h.forget(id)
		inner.Cancel()
	}).WithErr(inner.Err)
	h.subs[id] = sub
	return sub, nil
}

func (h *Handle) forget(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Put stores a record through the handle
func (h *Handle) Put(ctx context.Context, rec *proto.Record) (*proto.Record, error) {
	if h.isClosed() {
		return nil, domain.ErrStoreClosed
	}
	return h.store.Put(ctx, rec)
}

// Get retrieves a record through the handle
func (h *Handle) Get(ctx context.Context, id string) (*proto.Record, error) {
	if h.isClosed() {
		return nil, domain.ErrStoreClosed
	}
	return h.store.Get(ctx, id)
}

// Delete removes a record through the handle
func (h *Handle) Delete(ctx context.Context, id string) error {
	if h.isClosed() {
		return domain.ErrStoreClosed
	}
	return h.store.Delete(ctx, id)
}

// Open returns the number of subscriptions still open through the handle
func (h *Handle) Open() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close cancels all subscriptions. Further calls fail with ErrStoreClosed.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := make([]*domain.FeedSubscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	return nil
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
