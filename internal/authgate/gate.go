package authgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nkkko/feedhub/internal/metrics"
	"github.com/nkkko/feedhub/internal/telemetry"
	"github.com/nkkko/feedhub/pkg/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrRoleAssignment is returned when bootstrap role assignment fails
	ErrRoleAssignment = errors.New("role assignment failed")

	// ErrNotActive is returned for privileged checks without an active session
	ErrNotActive = errors.New("no active session")
)

// LogoutPolicy decides what happens to subscriptions on de-authentication
type LogoutPolicy string

const (
	// LogoutSuspend cancels store subscriptions but keeps reference counts
	LogoutSuspend LogoutPolicy = "suspend"

	// LogoutTeardown forgets every registry entry
	LogoutTeardown LogoutPolicy = "teardown"
)

// Config contains auth gate configuration
type Config struct {
	// Identities granted BootstrapRole on every activation
	BootstrapIdentities []string

	// Role granted to bootstrap identities
	BootstrapRole string

	// Upper bound for the whole bootstrap
	BootstrapTimeout time.Duration

	// What to do with subscriptions on logout
	LogoutPolicy LogoutPolicy
}

// DefaultConfig returns a default gate configuration
func DefaultConfig() Config {
	return Config{
		BootstrapRole:    "superadmin",
		BootstrapTimeout: 10 * time.Second,
		LogoutPolicy:     LogoutSuspend,
	}
}

// Suspender is the part of the subscription registry the gate toggles
type Suspender interface {
	SuspendAll()
	ResumeAll() int
	Clear()
}

// RoleAssigner grants roles during bootstrap
type RoleAssigner interface {
	AssignRole(ctx context.Context, identity, role string) error
}

// ChangeFunc observes applied transitions. err is set when the activation failed.
type ChangeFunc func(state proto.AuthState, err error)

// Gate applies auth transitions to the registry in arrival order.
// It is owned by the coordinator goroutine; bootstrap runs on its own
// goroutine and reports back through post.
type Gate struct {
	config        Config
	registry      Suspender
	assigner      RoleAssigner
	post          func(func())
	onChange      ChangeFunc
	state         proto.AuthState
	activation    uint64
	bootstrapping bool
	pending       []proto.AuthState
	bootstrapErr  error
	metrics       *metrics.RegistryMetrics
	logger        zerolog.Logger
}

// NewGate creates a gate in the inactive state
func NewGate(config Config, registry Suspender, post func(func()), onChange ChangeFunc) *Gate {
	if config.BootstrapRole == "" {
		config.BootstrapRole = DefaultConfig().BootstrapRole
	}
	if config.BootstrapTimeout <= 0 {
		config.BootstrapTimeout = DefaultConfig().BootstrapTimeout
	}
	if config.LogoutPolicy == "" {
		config.LogoutPolicy = DefaultConfig().LogoutPolicy
	}
	if onChange == nil {
		onChange = func(proto.AuthState, error) {}
	}

	return &Gate{
		config:   config,
		registry: registry,
		post:     post,
		onChange: onChange,
		metrics:  metrics.GetRegistryMetrics(),
		logger:   log.With().Str("component", "authgate").Logger(),
	}
}

// Attach sets the role assigner used by bootstrap
func (g *Gate) Attach(assigner RoleAssigner) {
	g.assigner = assigner
}

// Reset returns the gate to inactive without touching the registry.
// A bootstrap in flight is abandoned.
func (g *Gate) Reset() {
	g.assigner = nil
	g.state = proto.Inactive()
	g.activation++
	g.bootstrapping = false
	g.pending = nil
	g.bootstrapErr = nil
}

// State returns the last applied auth state
func (g *Gate) State() proto.AuthState {
	return g.state
}

// Err returns the failure of the current activation, if any
func (g *Gate) Err() error {
	return g.bootstrapErr
}

// Bootstrapping reports whether a bootstrap is in flight
func (g *Gate) Bootstrapping() bool {
	return g.bootstrapping
}

// Healthy returns nil when privileged operations may proceed
func (g *Gate) Healthy() error {
	if !g.state.IsActive {
		return ErrNotActive
	}
	if g.bootstrapErr != nil {
		return g.bootstrapErr
	}
	if g.bootstrapping {
		return fmt.Errorf("%w: bootstrap in progress", ErrNotActive)
	}
	return nil
}

// Transition applies next, or queues it behind a bootstrap in flight.
// A transition to the current state is a no-op. Active(a) to Active(b) is
// an identity switch: feeds are suspended and the bootstrap runs again
// for b before they resume.
func (g *Gate) Transition(next proto.AuthState) {
	if g.bootstrapping {
		g.pending = append(g.pending, next)
		g.logger.Debug().Str("state", next.String()).Int("pending", len(g.pending)).Msg("Queued auth transition")
		return
	}
	g.apply(next)
}

func (g *Gate) apply(next proto.AuthState) {
	if next == g.state {
		return
	}

	if !next.IsActive {
		g.state = proto.Inactive()
		g.bootstrapErr = nil
		if g.config.LogoutPolicy == LogoutTeardown {
			g.registry.Clear()
		} else {
			g.registry.SuspendAll()
		}
		g.metrics.AuthTransitions.WithLabelValues("inactive").Inc()
		g.logger.Info().Str("policy", string(g.config.LogoutPolicy)).Msg("Session deactivated")
		g.onChange(g.state, nil)
		return
	}

	if g.state.IsActive {
		// Identity switch: the old identity's feeds go away before the new activation.
		g.registry.SuspendAll()
		g.metrics.AuthTransitions.WithLabelValues("switch").Inc()
	} else {
		g.metrics.AuthTransitions.WithLabelValues("active").Inc()
	}

	g.state = next
	g.bootstrapErr = nil
	g.activation++
	g.logger.Info().Str("identity", next.Identity).Uint64("activation", g.activation).Msg("Session activated")

	if len(g.config.BootstrapIdentities) == 0 || g.assigner == nil {
		g.finishActivation(nil)
		return
	}

	g.bootstrapping = true
	activation := g.activation
	assigner := g.assigner
	identities := append([]string(nil), g.config.BootstrapIdentities...)
	role := g.config.BootstrapRole
	timeout := g.config.BootstrapTimeout

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		ctx, span := telemetry.StartSpan(ctx, "authgate.bootstrap")
		span.SetAttributes(attribute.Int("bootstrap.identities", len(identities)))
		timer := prometheus.NewTimer(g.metrics.BootstrapDuration)

		var err error
		for _, identity := range identities {
			if err = assigner.AssignRole(ctx, identity, role); err != nil {
				err = fmt.Errorf("%w: %s as %s: %v", ErrRoleAssignment, identity, role, err)
				break
			}
		}

		timer.ObserveDuration()
		if err != nil {
			telemetry.MarkSpanError(ctx, err)
		}
		span.End()

		g.post(func() { g.completeBootstrap(activation, err) })
	}()
}

// completeBootstrap runs on the coordinator goroutine when a bootstrap finishes
func (g *Gate) completeBootstrap(activation uint64, err error) {
	if activation != g.activation || !g.bootstrapping {
		g.logger.Debug().Uint64("activation", activation).Msg("Ignoring stale bootstrap result")
		return
	}
	g.bootstrapping = false
	g.finishActivation(err)

	for len(g.pending) > 0 && !g.bootstrapping {
		next := g.pending[0]
		g.pending = g.pending[1:]
		g.apply(next)
	}
}

func (g *Gate) finishActivation(err error) {
	if err != nil {
		g.bootstrapErr = err
		g.metrics.BootstrapsTotal.WithLabelValues("error").Inc()
		g.logger.Error().Err(err).Str("identity", g.state.Identity).Msg("Bootstrap role assignment failed, feeds stay suspended")
		g.onChange(g.state, err)
		return
	}

	if len(g.config.BootstrapIdentities) > 0 && g.assigner != nil {
		g.metrics.BootstrapsTotal.WithLabelValues("ok").Inc()
	}
	opened := g.registry.ResumeAll()
	g.logger.Debug().Int("opens", opened).Msg("Resumed feeds after activation")
	g.onChange(g.state, nil)
}
