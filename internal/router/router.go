package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/feedhub/internal/authgate"
	"github.com/nkkko/feedhub/internal/domain"
	"github.com/nkkko/feedhub/internal/lifecycle"
	"github.com/nkkko/feedhub/internal/metrics"
	"github.com/nkkko/feedhub/internal/registry"
	"github.com/nkkko/feedhub/internal/telemetry"
	"github.com/nkkko/feedhub/pkg/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/protobuf/types/known/timestamppb"
)

var (
	// ErrStopped is returned once the router loop has exited
	ErrStopped = errors.New("router stopped")

	// ErrInvalidMessage is returned for malformed surface messages
	ErrInvalidMessage = errors.New("invalid message")

	// ErrNoSession is returned when an action needs an open session
	ErrNoSession = errors.New("no active session")
)

// Config contains router configuration
type Config struct {
	Registry registry.Config
	Gate     authgate.Config

	// Bounds opening and closing the feed store session
	SessionTimeout time.Duration

	// Resume a locally registered credential when a session starts inactive
	SilentResume bool
}

// DefaultConfig returns a default router configuration
func DefaultConfig() Config {
	return Config{
		Registry:       registry.DefaultConfig(),
		Gate:           authgate.DefaultConfig(),
		SessionTimeout: 10 * time.Second,
		SilentResume:   true,
	}
}

// SessionState describes the feed store session shared by all surfaces
type SessionState string

const (
	SessionIdle    SessionState = "idle"
	SessionOpening SessionState = "opening"
	SessionOpen    SessionState = "open"
	SessionClosing SessionState = "closing"
)

// Snapshot is a read-only view of the coordinator
type Snapshot struct {
	Session       SessionState         `json:"session"`
	Auth          proto.AuthState      `json:"auth"`
	Bootstrapping bool                 `json:"bootstrapping"`
	AuthError     string               `json:"auth_error,omitempty"`
	Surfaces      []SurfaceInfo        `json:"surfaces"`
	Entries       []registry.EntryInfo `json:"entries"`
}

// SurfaceInfo describes one tracked surface
type SurfaceInfo struct {
	Id  proto.SurfaceID   `json:"id"`
	Key proto.ResourceKey `json:"key"`
}

// Router is the coordinator: one goroutine owns the registry, the tracker
// and the gate, and every inbound message runs on it in arrival order.
type Router struct {
	config   Config
	opener   domain.FeedOpener
	provider domain.AuthProvider

	mailbox  *Mailbox
	registry *registry.Registry
	tracker  *lifecycle.Tracker
	gate     *authgate.Gate
	sinks    map[proto.SurfaceID]domain.Sink

	session    SessionState
	sessionGen uint64
	handle     domain.FeedHandle
	unwatch    func()

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewRouter creates a router over a feed store and an auth provider
func NewRouter(config Config, opener domain.FeedOpener, provider domain.AuthProvider) *Router {
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = DefaultConfig().SessionTimeout
	}

	r := &Router{
		config:   config,
		opener:   opener,
		provider: provider,
		mailbox:  NewMailbox(),
		sinks:    make(map[proto.SurfaceID]domain.Sink),
		session:  SessionIdle,
		metrics:  metrics.GetMetrics(),
		logger:   log.With().Str("component", "router").Logger(),
	}

	r.registry = registry.NewRegistry(config.Registry, r.post, r.fanOut)
	r.tracker = lifecycle.NewTracker(r.registry)
	r.gate = authgate.NewGate(config.Gate, r.registry, r.post, r.onAuthChange)
	return r
}

func (r *Router) post(fn func()) {
	if !r.mailbox.Post(fn) {
		r.logger.Debug().Msg("Dropping completion posted after stop")
	}
}

// Start runs the coordinator loop until ctx is done
func (r *Router) Start(ctx context.Context) error {
	r.logger.Info().Msg("Starting message router")

	for {
		select {
		case <-r.mailbox.Ready():
			for _, fn := range r.mailbox.Take() {
				r.run(fn)
			}

		case <-ctx.Done():
			r.logger.Info().Msg("Context canceled, stopping router")
			for _, fn := range r.mailbox.Close() {
				r.run(fn)
			}
			r.stop()
			return nil
		}
	}
}

// run executes one closure; a panic is logged and the loop continues
func (r *Router) run(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("Recovered panic in router loop")
		}
	}()
	fn()
}

// stop releases the session on the way out
func (r *Router) stop() {
	r.registry.Clear()
	r.gate.Reset()
	r.registry.Detach()
	if r.unwatch != nil {
		r.unwatch()
		r.unwatch = nil
	}
	if r.handle != nil {
		if err := r.handle.Close(); err != nil {
			r.logger.Error().Err(err).Msg("Error closing feed session")
		}
		r.handle = nil
	}
	r.session = SessionIdle
	r.sinks = make(map[proto.SurfaceID]domain.Sink)
	r.tracker.Reset()
	r.metrics.SurfacesActive.Set(0)
}

const (
	dispatchPending int32 = iota
	dispatchDelivered
	dispatchAbandoned
)

// Dispatch runs msg on the coordinator and returns its response.
// sink receives the events pushed to the surface opened by msg.
//
// When ctx ends first the message is abandoned: it is skipped if it has
// not run yet, and a surface it already opened is closed again.
func (r *Router) Dispatch(ctx context.Context, msg *proto.Message, sink domain.Sink) (*proto.Response, error) {
	if msg == nil {
		return nil, ErrInvalidMessage
	}

	var state atomic.Int32
	result := make(chan *proto.Response, 1)
	posted := r.mailbox.Post(func() {
		if ctx.Err() != nil {
			state.CompareAndSwap(dispatchPending, dispatchAbandoned)
		}
		if state.Load() == dispatchAbandoned {
			r.logger.Debug().Str("action", string(msg.Action)).Str("surface_id", string(msg.SurfaceId)).Msg("Skipped abandoned message")
			return
		}

		resp := r.dispatch(ctx, msg, sink)
		if state.CompareAndSwap(dispatchPending, dispatchDelivered) {
			result <- resp
			return
		}
		r.undo(msg, resp)
	})
	if !posted {
		return nil, ErrStopped
	}

	select {
	case resp := <-result:
		return resp, nil
	case <-ctx.Done():
		if state.CompareAndSwap(dispatchPending, dispatchAbandoned) || state.Load() == dispatchAbandoned {
			return nil, ctx.Err()
		}
		return <-result, nil
	}
}

// undo reverts a message whose caller stopped waiting while it ran
func (r *Router) undo(msg *proto.Message, resp *proto.Response) {
	if msg.Action != proto.ActionSurfaceOpen || !resp.Success {
		return
	}
	r.logger.Debug().Str("surface_id", string(resp.SurfaceId)).Msg("Closing surface opened by an abandoned message")
	r.handleClose(&proto.Message{Action: proto.ActionSurfaceClose, SurfaceId: resp.SurfaceId})
}

// CloseSurface queues a host-driven surface-close without waiting
func (r *Router) CloseSurface(surface proto.SurfaceID) {
	r.post(func() {
		r.dispatch(context.Background(), &proto.Message{Action: proto.ActionSurfaceClose, SurfaceId: surface}, nil)
	})
}

// Snapshot returns a view of the coordinator state
func (r *Router) Snapshot(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	err := r.call(ctx, func() { snap = r.snapshot() })
	return snap, err
}

// Healthy returns nil when privileged operations may proceed:
// a session is active and its bootstrap succeeded.
func (r *Router) Healthy(ctx context.Context) error {
	var herr error
	err := r.call(ctx, func() { herr = r.gate.Healthy() })
	if err != nil {
		return err
	}
	return herr
}

// call runs fn on the coordinator and waits for it
func (r *Router) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !r.mailbox.Post(func() { fn(); close(done) }) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) dispatch(ctx context.Context, msg *proto.Message, sink domain.Sink) *proto.Response {
	timer := prometheus.NewTimer(r.metrics.RouterEventDuration)
	defer timer.ObserveDuration()

	_, span := telemetry.StartSpan(ctx, "router."+string(msg.Action))
	span.SetAttributes(
		attribute.String("surface.id", string(msg.SurfaceId)),
		attribute.String("feed.key", string(msg.Key)),
	)
	defer span.End()

	var resp *proto.Response
	switch msg.Action {
	case proto.ActionSurfaceOpen:
		resp = r.handleOpen(msg, sink)
	case proto.ActionSurfaceClose:
		resp = r.handleClose(msg)
	case proto.ActionAuthStateChanged:
		resp = r.handleAuthStateChanged(msg)
	case proto.ActionDataChange:
		resp = r.handleDataChange(msg)
	case proto.ActionPing:
		state := r.gate.State()
		resp = &proto.Response{Success: true, SurfaceId: msg.SurfaceId, Auth: &state}
	case proto.ActionState:
		resp = &proto.Response{Success: true, Data: r.snapshot()}
	default:
		resp = errorResponse(msg.SurfaceId, fmt.Errorf("%w: unknown action %q", ErrInvalidMessage, msg.Action))
	}

	r.metrics.RouterMessagesTotal.WithLabelValues(string(msg.Action), fmt.Sprintf("%t", resp.Success)).Inc()
	if !resp.Success {
		span.SetAttributes(attribute.String("error", resp.Error))
	}
	return resp
}

func errorResponse(surface proto.SurfaceID, err error) *proto.Response {
	return &proto.Response{Success: false, SurfaceId: surface, Error: err.Error()}
}

func (r *Router) handleOpen(msg *proto.Message, sink domain.Sink) *proto.Response {
	if msg.Key == "" {
		return errorResponse(msg.SurfaceId, fmt.Errorf("%w: key is required", ErrInvalidMessage))
	}
	if sink == nil {
		return errorResponse(msg.SurfaceId, fmt.Errorf("%w: surface has no event sink", ErrInvalidMessage))
	}

	surface := msg.SurfaceId
	if surface == "" {
		surface = proto.SurfaceID(generateID())
	}
	if _, taken := r.sinks[surface]; taken {
		return errorResponse(surface, lifecycle.ErrAlreadyRegistered)
	}

	key := msg.Key
	r.sinks[surface] = sink
	err := r.tracker.OnSurfaceOpened(surface, key, func(err error) {
		switch {
		case err == nil:
		case errors.Is(err, registry.ErrSuspended):
			r.sendTo(surface, &proto.Event{Kind: proto.EventStatus, Key: key, Status: "paused"})
		default:
			r.sendTo(surface, &proto.Event{Kind: proto.EventError, Key: key, Error: err.Error()})
		}
	})
	if err != nil {
		delete(r.sinks, surface)
		return errorResponse(surface, err)
	}
	r.metrics.SurfacesActive.Set(float64(r.tracker.ActiveSurfaceCount()))

	logger := r.logger.With().Str("surface_id", string(surface)).Str("key", string(key)).Logger()
	logger.Debug().Int("surfaces", r.tracker.ActiveSurfaceCount()).Msg("Surface opened")

	switch r.session {
	case SessionIdle:
		r.startSession()
	case SessionOpen:
		state := r.gate.State()
		r.sendTo(surface, authEvent(state))
		if err := r.gate.Err(); err != nil {
			r.sendTo(surface, &proto.Event{Kind: proto.EventError, Error: err.Error()})
		}
	}

	state := r.gate.State()
	return &proto.Response{Success: true, SurfaceId: surface, Auth: &state}
}

func (r *Router) handleClose(msg *proto.Message) *proto.Response {
	if !r.tracker.OnSurfaceClosed(msg.SurfaceId) {
		return &proto.Response{Success: true, SurfaceId: msg.SurfaceId}
	}
	delete(r.sinks, msg.SurfaceId)
	r.metrics.SurfacesActive.Set(float64(r.tracker.ActiveSurfaceCount()))
	r.logger.Debug().Str("surface_id", string(msg.SurfaceId)).Int("surfaces", r.tracker.ActiveSurfaceCount()).Msg("Surface closed")

	if r.tracker.ActiveSurfaceCount() == 0 {
		r.closeSession()
	}
	return &proto.Response{Success: true, SurfaceId: msg.SurfaceId}
}

func (r *Router) handleAuthStateChanged(msg *proto.Message) *proto.Response {
	if msg.Auth == nil {
		return errorResponse(msg.SurfaceId, fmt.Errorf("%w: auth state is required", ErrInvalidMessage))
	}
	if r.session != SessionOpen {
		return errorResponse(msg.SurfaceId, ErrNoSession)
	}
	r.gate.Transition(*msg.Auth)
	state := r.gate.State()
	return &proto.Response{Success: true, Auth: &state}
}

func (r *Router) handleDataChange(msg *proto.Message) *proto.Response {
	if msg.Key == "" || msg.Change == nil {
		return errorResponse(msg.SurfaceId, fmt.Errorf("%w: key and change are required", ErrInvalidMessage))
	}
	r.fanOut(msg.Key, msg.Change)
	return &proto.Response{Success: true}
}

// fanOut delivers a change to every surface registered for key.
// A reset becomes its own event kind.
func (r *Router) fanOut(key proto.ResourceKey, change *proto.ChangeEvent) {
	ts := timestamppb.Now()
	if change.Action == proto.ChangeReset {
		for _, surface := range r.tracker.SurfacesFor(key) {
			r.sendTo(surface, &proto.Event{Kind: proto.EventReset, Key: key, Ts: ts})
		}
		return
	}
	for _, surface := range r.tracker.SurfacesFor(key) {
		r.sendTo(surface, &proto.Event{Kind: proto.EventDataChange, Key: key, Change: change, Ts: ts})
		r.metrics.RouterEventsRouted.Inc()
	}
}

// sendTo pushes ev to one surface; closed surfaces are skipped
func (r *Router) sendTo(surface proto.SurfaceID, ev *proto.Event) {
	sink, ok := r.sinks[surface]
	if !ok {
		return
	}
	if ev.Ts == nil {
		ev.Ts = timestamppb.Now()
	}
	if err := sink.Send(ev); err != nil {
		r.logger.Warn().Err(err).Str("surface_id", string(surface)).Str("kind", string(ev.Kind)).Msg("Failed to deliver event")
	}
}

// broadcast pushes ev to every open surface
func (r *Router) broadcast(ev *proto.Event) {
	for surface := range r.sinks {
		copied := *ev
		r.sendTo(surface, &copied)
	}
}

func authEvent(state proto.AuthState) *proto.Event {
	return &proto.Event{Kind: proto.EventAuthState, Auth: &state}
}

// onAuthChange runs on the coordinator after every applied gate transition
func (r *Router) onAuthChange(state proto.AuthState, err error) {
	r.broadcast(authEvent(state))
	if err != nil {
		r.broadcast(&proto.Event{Kind: proto.EventError, Error: err.Error()})
	}
}

// startSession opens the feed store session for the first surface
func (r *Router) startSession() {
	r.session = SessionOpening
	r.sessionGen++
	gen := r.sessionGen
	timeout := r.config.SessionTimeout
	opener := r.opener

	r.broadcast(&proto.Event{Kind: proto.EventStatus, Status: "initializing"})
	r.logger.Info().Uint64("session", gen).Msg("Opening feed session")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var (
			handle domain.FeedHandle
			err    error
		)
		if opener == nil {
			err = registry.ErrNoStore
		} else {
			handle, err = opener.OpenFeed(ctx)
		}
		r.post(func() { r.completeSession(gen, handle, err) })
	}()
}

// completeSession attaches an opened session, or discards a stale one
func (r *Router) completeSession(gen uint64, handle domain.FeedHandle, err error) {
	if gen != r.sessionGen || r.session != SessionOpening {
		if handle != nil {
			handle.Close()
		}
		return
	}

	if err != nil {
		r.session = SessionIdle
		r.logger.Error().Err(err).Msg("Failed to open feed session")
		r.broadcast(&proto.Event{Kind: proto.EventError, Error: fmt.Sprintf("failed to open feed session: %v", err)})
		return
	}

	if r.tracker.ActiveSurfaceCount() == 0 {
		r.session = SessionOpen
		r.handle = handle
		r.closeSession()
		return
	}

	r.session = SessionOpen
	r.handle = handle
	r.metrics.SessionsOpened.Inc()
	r.registry.Attach(handle)

	if r.provider == nil {
		r.broadcast(authEvent(proto.Inactive()))
		return
	}

	r.gate.Attach(r.provider)
	r.unwatch = r.provider.OnStateChange(func(state proto.AuthState) {
		r.post(func() {
			if r.sessionGen == gen && r.session == SessionOpen {
				r.gate.Transition(state)
			}
		})
	})

	state := r.provider.State()
	if state.IsActive {
		r.gate.Transition(state)
	} else {
		r.broadcast(authEvent(state))
	}
	r.broadcast(&proto.Event{Kind: proto.EventStatus, Status: "ready"})
	r.logger.Info().Uint64("session", gen).Str("auth", state.String()).Msg("Feed session open")

	if !state.IsActive && r.config.SilentResume && r.provider.HasLocalCredentialRegistration() {
		r.resumeLocal()
	}
}

// resumeLocal silently activates the registered credential. The resulting
// transition arrives through the provider callback.
func (r *Router) resumeLocal() {
	provider := r.provider
	timeout := r.config.SessionTimeout

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := provider.ResumeLocal(ctx); err != nil {
			r.post(func() {
				r.logger.Warn().Err(err).Msg("Silent credential resume failed")
				r.broadcast(&proto.Event{Kind: proto.EventStatus, Status: "login-required"})
			})
		}
	}()
}

// closeSession tears down registry state after the last surface closed.
// The identity stays logged in.
func (r *Router) closeSession() {
	r.registry.Clear()
	r.gate.Reset()
	r.registry.Detach()
	if r.unwatch != nil {
		r.unwatch()
		r.unwatch = nil
	}
	r.sessionGen++

	handle := r.handle
	r.handle = nil
	if handle == nil {
		r.session = SessionIdle
		return
	}

	r.session = SessionClosing
	gen := r.sessionGen
	r.logger.Info().Msg("Closing feed session")

	go func() {
		if err := handle.Close(); err != nil {
			r.logger.Error().Err(err).Msg("Error closing feed session")
		}
		r.post(func() { r.completeClose(gen) })
	}()
}

// completeClose reopens the session when surfaces arrived while closing
func (r *Router) completeClose(gen uint64) {
	if gen != r.sessionGen || r.session != SessionClosing {
		return
	}
	r.session = SessionIdle
	if r.tracker.ActiveSurfaceCount() > 0 {
		r.startSession()
	}
}

func (r *Router) snapshot() *Snapshot {
	snap := &Snapshot{
		Session:       r.session,
		Auth:          r.gate.State(),
		Bootstrapping: r.gate.Bootstrapping(),
		Surfaces:      make([]SurfaceInfo, 0, r.tracker.ActiveSurfaceCount()),
		Entries:       r.registry.Snapshot(),
	}
	if err := r.gate.Err(); err != nil {
		snap.AuthError = err.Error()
	}
	for _, surface := range r.tracker.Surfaces() {
		key, _ := r.tracker.KeyOf(surface)
		snap.Surfaces = append(snap.Surfaces, SurfaceInfo{Id: surface, Key: key})
	}
	return snap
}

// Variable for generating unique surface IDs
// Can be replaced in tests for deterministic behavior
var generateID = func() string {
	return uuid.NewString()
}
