package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nkkko/feedhub/internal/domain"
	"github.com/nkkko/feedhub/internal/metrics"
	"github.com/nkkko/feedhub/internal/telemetry"
	"github.com/nkkko/feedhub/pkg/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrSubscriptionOpen is returned when the store refuses or times out opening a feed
	ErrSubscriptionOpen = errors.New("subscription open failed")

	// ErrNoStore is returned when an open is attempted with no store attached
	ErrNoStore = errors.New("no feed store attached")

	// ErrSuspended tells an acquirer its feed is paused until the registry resumes
	ErrSuspended = errors.New("feed subscriptions suspended")
)

// Config contains registry configuration
type Config struct {
	// Upper bound for a single store subscribe call
	OpenTimeout time.Duration

	// QueryFor builds the store query for a key
	QueryFor func(key proto.ResourceKey) proto.Query
}

// DefaultConfig returns a default registry configuration
func DefaultConfig() Config {
	return Config{
		OpenTimeout: 5 * time.Second,
		QueryFor:    proto.DefaultQuery,
	}
}

// EventFunc receives every change event of a live subscription, tagged with its key
type EventFunc func(key proto.ResourceKey, event *proto.ChangeEvent)

// PostFunc schedules fn on the owning coordinator goroutine
type PostFunc func(fn func())

// EntryInfo is a read-only view of a registry entry
type EntryInfo struct {
	Key       proto.ResourceKey `json:"key"`
	RefCount  int               `json:"ref_count"`
	Live      bool              `json:"live"`
	Suspended bool              `json:"suspended"`
	Opening   bool              `json:"opening"`
	LastError string            `json:"last_error,omitempty"`
}

// liveSub is a store subscription owned by an entry
type liveSub struct {
	openID uint64
	sub    *domain.FeedSubscription
}

// pendingOpen marks a store open in flight
type pendingOpen struct {
	openID  uint64
	waiters []func(error)
}

// entry is the per-key reference count and its store subscription
type entry struct {
	refCount  int
	handle    *liveSub
	suspended bool
	opening   *pendingOpen
	lastErr   error
}

// Registry maps resource keys to at most one live store subscription each.
// It is not safe for concurrent use: every method must run on the goroutine
// that drains the PostFunc queue.
type Registry struct {
	config     Config
	store      domain.FeedStore
	entries    map[proto.ResourceKey]*entry
	suspended  bool
	nextOpenID uint64
	post       PostFunc
	onEvent    EventFunc
	metrics    *metrics.RegistryMetrics
	logger     zerolog.Logger
}

// NewRegistry creates a registry. Entries start suspended until ResumeAll.
func NewRegistry(config Config, post PostFunc, onEvent EventFunc) *Registry {
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = DefaultConfig().OpenTimeout
	}
	if config.QueryFor == nil {
		config.QueryFor = DefaultConfig().QueryFor
	}
	if onEvent == nil {
		onEvent = func(proto.ResourceKey, *proto.ChangeEvent) {}
	}

	return &Registry{
		config:    config,
		entries:   make(map[proto.ResourceKey]*entry),
		suspended: true,
		post:      post,
		onEvent:   onEvent,
		metrics:   metrics.GetRegistryMetrics(),
		logger:    log.With().Str("component", "registry").Logger(),
	}
}

// Attach sets the store used for subsequent opens
func (r *Registry) Attach(store domain.FeedStore) {
	r.store = store
}

// Detach forgets the store. Existing handles are not touched.
func (r *Registry) Detach() {
	r.store = nil
}

// Acquire adds one reference to key. done reports the outcome of the open
// the caller depends on: nil when a handle exists, ErrSuspended when the
// entry is suspended or the open is invalidated by a suspension, otherwise
// the result of the (possibly shared) store open.
func (r *Registry) Acquire(key proto.ResourceKey, done func(error)) {
	if done == nil {
		done = func(error) {}
	}

	e, ok := r.entries[key]
	if !ok {
		e = &entry{suspended: r.suspended}
		r.entries[key] = e
		r.metrics.EntriesActive.Inc()
	}
	e.refCount++

	switch {
	case e.suspended:
		done(ErrSuspended)
	case e.handle != nil:
		done(nil)
	case e.opening != nil:
		e.opening.waiters = append(e.opening.waiters, done)
	default:
		r.startOpen(key, e, done)
	}
}

// Release drops one reference to key. At zero the entry is removed and its
// handle cancelled. Releasing an unknown key is a no-op.
func (r *Registry) Release(key proto.ResourceKey) {
	e, ok := r.entries[key]
	if !ok || e.refCount <= 0 {
		return
	}

	e.refCount--
	if e.refCount > 0 {
		return
	}

	r.cancelHandle(key, e)
	r.abandonOpen(e, nil)
	delete(r.entries, key)
	r.metrics.EntriesActive.Dec()
}

// SuspendAll cancels every live handle and marks all entries suspended.
// Opens in flight are invalidated.
func (r *Registry) SuspendAll() {
	r.suspended = true
	for key, e := range r.entries {
		r.cancelHandle(key, e)
		r.abandonOpen(e, ErrSuspended)
		e.suspended = true
	}
	r.metrics.SuspensionsTotal.Inc()
	r.logger.Debug().Int("entries", len(r.entries)).Msg("Suspended all subscriptions")
}

// ResumeAll reopens every referenced entry that has no handle and drops
// unreferenced ones. It returns the number of opens started.
func (r *Registry) ResumeAll() int {
	r.suspended = false
	started := 0
	for key, e := range r.entries {
		if e.refCount <= 0 {
			r.cancelHandle(key, e)
			r.abandonOpen(e, nil)
			delete(r.entries, key)
			r.metrics.EntriesActive.Dec()
			continue
		}
		e.suspended = false
		if e.handle == nil && e.opening == nil {
			r.startOpen(key, e, nil)
			started++
		}
	}
	r.metrics.ResumptionsTotal.Inc()
	r.logger.Debug().Int("entries", len(r.entries)).Int("opens", started).Msg("Resumed subscriptions")
	return started
}

// Clear cancels every handle and forgets all entries. The registry is left suspended.
func (r *Registry) Clear() {
	for key, e := range r.entries {
		r.cancelHandle(key, e)
		r.abandonOpen(e, ErrSuspended)
		delete(r.entries, key)
	}
	r.suspended = true
	r.metrics.EntriesActive.Set(0)
}

// RefCount returns the reference count for key
func (r *Registry) RefCount(key proto.ResourceKey) int {
	if e, ok := r.entries[key]; ok {
		return e.refCount
	}
	return 0
}

// HasHandle reports whether key currently owns a live store subscription
func (r *Registry) HasHandle(key proto.ResourceKey) bool {
	e, ok := r.entries[key]
	return ok && e.handle != nil
}

// Suspended reports the global suspension flag
func (r *Registry) Suspended() bool {
	return r.suspended
}

// Len returns the number of entries
func (r *Registry) Len() int {
	return len(r.entries)
}

// Snapshot returns all entries ordered by key
func (r *Registry) Snapshot() []EntryInfo {
	infos := make([]EntryInfo, 0, len(r.entries))
	for key, e := range r.entries {
		info := EntryInfo{
			Key:       key,
			RefCount:  e.refCount,
			Live:      e.handle != nil,
			Suspended: e.suspended,
			Opening:   e.opening != nil,
		}
		if e.lastErr != nil {
			info.LastError = e.lastErr.Error()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

// startOpen begins a store open for key and registers done as its first waiter
func (r *Registry) startOpen(key proto.ResourceKey, e *entry, done func(error)) {
	r.nextOpenID++
	openID := r.nextOpenID
	e.opening = &pendingOpen{openID: openID}
	if done != nil {
		e.opening.waiters = append(e.opening.waiters, done)
	}

	store := r.store
	query := r.config.QueryFor(key)
	timeout := r.config.OpenTimeout

	go func() {
		if store == nil {
			r.post(func() { r.completeOpen(key, openID, nil, ErrNoStore) })
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		ctx, span := telemetry.StartSpan(ctx, "registry.open")
		span.SetAttributes(attribute.String("feed.key", string(key)))
		timer := prometheus.NewTimer(r.metrics.OpenDuration)
		sub, err := store.Subscribe(ctx, query)
		timer.ObserveDuration()
		if err != nil {
			telemetry.MarkSpanError(ctx, err)
		}
		span.End()

		r.post(func() { r.completeOpen(key, openID, sub, err) })
	}()
}

// completeOpen applies the result of a store open on the coordinator goroutine
func (r *Registry) completeOpen(key proto.ResourceKey, openID uint64, sub *domain.FeedSubscription, err error) {
	e, ok := r.entries[key]
	if !ok || e.opening == nil || e.opening.openID != openID {
		// Interest went away or the open was invalidated by a suspension.
		if sub != nil {
			sub.Cancel()
		}
		r.metrics.StaleCompletions.Inc()
		r.metrics.OpensTotal.WithLabelValues("stale").Inc()
		r.logger.Debug().Str("key", string(key)).Uint64("open_id", openID).Msg("Discarded stale subscription open")
		return
	}

	waiters := e.opening.waiters
	e.opening = nil

	if err != nil {
		wrapped := fmt.Errorf("%w: %s: %v", ErrSubscriptionOpen, key, err)
		e.lastErr = wrapped
		r.metrics.OpensTotal.WithLabelValues("error").Inc()
		r.logger.Warn().Err(err).Str("key", string(key)).Int("ref_count", e.refCount).Msg("Failed to open feed subscription")
		for _, w := range waiters {
			w(wrapped)
		}
		return
	}

	e.lastErr = nil
	e.handle = &liveSub{openID: openID, sub: sub}
	r.metrics.OpensTotal.WithLabelValues("ok").Inc()
	r.metrics.SubscriptionsLive.Inc()
	r.logger.Debug().Str("key", string(key)).Uint64("open_id", openID).Msg("Feed subscription opened")

	// Surfaces drop what they hold before the fresh result set arrives.
	r.onEvent(key, &proto.ChangeEvent{Key: key, Action: proto.ChangeReset})
	go r.pump(key, openID, sub)

	for _, w := range waiters {
		w(nil)
	}
}

// pump forwards the initial result set and every change of sub into the coordinator queue
func (r *Registry) pump(key proto.ResourceKey, openID uint64, sub *domain.FeedSubscription) {
	for _, rec := range sub.Initial {
		ev := &proto.ChangeEvent{Key: key, Id: rec.Id, Value: rec, Action: proto.ChangeInitial}
		r.post(func() { r.deliver(key, openID, ev) })
	}
	if sub.Events == nil {
		return
	}
	for ev := range sub.Events {
		ev := ev
		r.post(func() { r.deliver(key, openID, ev) })
	}
	if err := sub.Err(); err != nil {
		r.post(func() { r.resync(key, openID, err) })
	}
}

// resync replaces a handle whose change stream was cut off by the store.
// The reopen replays the full result set behind a reset.
func (r *Registry) resync(key proto.ResourceKey, openID uint64, cause error) {
	e, ok := r.entries[key]
	if !ok || e.handle == nil || e.handle.openID != openID {
		return
	}

	r.cancelHandle(key, e)
	e.lastErr = cause
	r.metrics.ResyncsTotal.Inc()
	r.logger.Warn().Err(cause).Str("key", string(key)).Int("ref_count", e.refCount).Msg("Feed subscription fell behind, reopening")

	if e.suspended || e.opening != nil {
		return
	}
	r.startOpen(key, e, nil)
}

// deliver hands ev to the event func if it came from the entry's current handle
func (r *Registry) deliver(key proto.ResourceKey, openID uint64, ev *proto.ChangeEvent) {
	e, ok := r.entries[key]
	if !ok {
		r.metrics.EventsDiscarded.WithLabelValues("unknown_key").Inc()
		return
	}
	if e.handle == nil || e.handle.openID != openID {
		r.metrics.EventsDiscarded.WithLabelValues("cancelled").Inc()
		return
	}
	ev.Key = key
	r.onEvent(key, ev)
}

// cancelHandle cancels and clears the entry's live handle, if any
func (r *Registry) cancelHandle(key proto.ResourceKey, e *entry) {
	if e.handle == nil {
		return
	}
	e.handle.sub.Cancel()
	e.handle = nil
	r.metrics.SubscriptionsLive.Dec()
	r.logger.Debug().Str("key", string(key)).Msg("Feed subscription cancelled")
}

// abandonOpen invalidates an open in flight and hands reason to its waiters
func (r *Registry) abandonOpen(e *entry, reason error) {
	if e.opening == nil {
		return
	}
	waiters := e.opening.waiters
	e.opening = nil
	for _, w := range waiters {
		w(reason)
	}
}
