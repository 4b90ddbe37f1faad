package chi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	apierrors "github.com/nkkko/feedhub/internal/api/errors"
	"github.com/nkkko/feedhub/internal/api/models"
	"github.com/nkkko/feedhub/internal/api/response"
	"github.com/nkkko/feedhub/internal/api/validation"
	"github.com/nkkko/feedhub/internal/auth"
	"github.com/nkkko/feedhub/internal/authgate"
	"github.com/nkkko/feedhub/internal/domain"
	"github.com/nkkko/feedhub/internal/logging"
	"github.com/nkkko/feedhub/internal/metrics"
	"github.com/nkkko/feedhub/internal/telemetry"
	"github.com/nkkko/feedhub/pkg/proto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Config contains control API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration

	// CORS origins allowed to call the API
	AllowedOrigins []string

	// Serve Prometheus metrics on /metrics
	ServeMetrics bool
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:           ":8081",
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		RequestTimeout: 30 * time.Second,
		AllowedOrigins: []string{"*"},
		ServeMetrics:   true,
	}
}

// ChiAPI is the control API: it writes records, drives the host session,
// grants roles and exposes coordinator diagnostics.
type ChiAPI struct {
	config      Config
	server      *http.Server
	store       RecordStore
	coordinator Coordinator
	auth        Authenticator
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// NewChiAPI creates a new control API instance
func NewChiAPI(config Config, store RecordStore, coordinator Coordinator, authenticator Authenticator) *ChiAPI {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = defaults.AllowedOrigins
	}

	return &ChiAPI{
		config:      config,
		store:       store,
		coordinator: coordinator,
		auth:        authenticator,
		metrics:     metrics.GetMetrics(),
		logger:      log.With().Str("component", "api-chi").Logger(),
	}
}

// Handler builds the routed handler with its middleware stack
func (a *ChiAPI) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware(telemetry.TracerName))
	r.Use(logging.HTTPMiddleware())
	r.Use(a.metricsMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(a.config.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	a.registerRoutes(r)
	return r
}

// Start runs the control API until ctx is done
func (a *ChiAPI) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		return err
	}

	a.server = &http.Server{
		Handler:      a.Handler(),
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		IdleTimeout:  a.config.IdleTimeout,
	}

	go func() {
		if err := a.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.logger.Error().Err(err).Msg("Control API server error")
		}
	}()

	a.logger.Info().Str("addr", ln.Addr().String()).Msg("Control API started")

	<-ctx.Done()
	return nil
}

// registerRoutes sets up all API endpoints
func (a *ChiAPI) registerRoutes(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if a.config.ServeMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", a.handleLogin)
		r.With(a.authenticate).Post("/logout", a.handleLogout)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.authenticate)

		r.With(a.require(auth.PermWrite)).Post("/records", a.handleCreateRecord)
		r.With(a.require(auth.PermRead)).Get("/records", a.handleListRecords)
		r.With(a.require(auth.PermRead)).Get("/records/{id}", a.handleGetRecord)
		r.Delete("/records/{id}", a.handleDeleteRecord)

		r.With(a.require(auth.PermAssignRole)).Post("/roles", a.handleAssignRole)
		r.With(a.require(auth.PermRead)).Get("/state", a.handleState)
	})
}

func (a *ChiAPI) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		a.metrics.APIActiveConnections.Inc()
		defer a.metrics.APIActiveConnections.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.metrics.APIRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		a.metrics.APIRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type principalKey struct{}

// principal is the caller resolved from a bearer token
type principal struct {
	Identity string
	Role     string
}

func principalFrom(ctx context.Context) principal {
	p, _ := ctx.Value(principalKey{}).(principal)
	return p
}

// authenticate resolves the bearer token into a principal
func (a *ChiAPI) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			response.Error(w, r, apierrors.UnauthorizedError("missing_token", "Bearer token is required"))
			return
		}

		identity, err := a.auth.VerifyToken(token)
		if err != nil {
			response.Error(w, r, apierrors.UnauthorizedError("invalid_token", "Token is invalid or expired"))
			return
		}

		// Roles are read on every request so grants apply without a new token
		role, err := a.auth.RoleOf(r.Context(), identity)
		if err != nil {
			telemetry.LogAndTraceError(r.Context(), err, "Failed to resolve role")
			response.Error(w, r, apierrors.InternalError("role_lookup_failed", "Failed to resolve role"))
			return
		}

		telemetry.AddSpanEvent(r.Context(), "authenticated",
			attribute.String("identity", identity),
			attribute.String("role", role))

		ctx := context.WithValue(r.Context(), principalKey{}, principal{Identity: identity, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// require rejects callers whose role lacks perm
func (a *ChiAPI) require(perm auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p := principalFrom(r.Context()); !auth.Can(p.Role, perm) {
				response.Error(w, r, forbidden(perm))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forbidden(perm auth.Permission) *apierrors.APIError {
	return apierrors.ForbiddenError("permission_denied", "Role lacks permission "+string(perm))
}

// requireHealthy blocks privileged operations while the session bootstrap
// has not succeeded
func (a *ChiAPI) requireHealthy(w http.ResponseWriter, r *http.Request) bool {
	err := a.coordinator.Healthy(r.Context())
	if err == nil {
		return true
	}

	switch {
	case errors.Is(err, authgate.ErrNotActive):
		response.Error(w, r, apierrors.UnavailableError("session_inactive", err.Error()))
	case errors.Is(err, authgate.ErrRoleAssignment):
		response.Error(w, r, apierrors.UnavailableError("bootstrap_failed", err.Error()))
	default:
		response.Error(w, r, apierrors.UnavailableError("coordinator_unavailable", err.Error()))
	}
	return false
}

// handleLogin starts the host session for an identity
func (a *ChiAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	token, role, err := a.auth.Login(r.Context(), req.Identity, req.Register)
	if err != nil {
		telemetry.LogAndTraceError(r.Context(), err, "Login failed")
		response.Error(w, r, apierrors.InternalError("login_failed", "Failed to log in"))
		return
	}

	a.logger.Info().Str("identity", req.Identity).Str("role", role).Msg("Session started")
	response.JSON(w, r, http.StatusOK, proto.LoginResponse{
		Identity: req.Identity,
		Token:    token,
		Role:     role,
	})
}

// handleLogout ends the host session. Surfaces stay open.
func (a *ChiAPI) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.auth.Logout()
	a.logger.Info().Str("identity", principalFrom(r.Context()).Identity).Msg("Session ended")
	response.JSON(w, r, http.StatusOK, map[string]bool{"logged_out": true})
}

// handleCreateRecord adds a record authored by the caller
func (a *ChiAPI) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRecordRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		a.logger.Debug().Err(err).Msg("Invalid create record request")
		response.Error(w, r, err)
		return
	}

	rec := req.ToRecord(principalFrom(r.Context()).Identity)
	if rec.Parent != "" {
		parent, err := a.store.Get(r.Context(), rec.Parent)
		switch {
		case errors.Is(err, domain.ErrRecordNotFound):
			response.Error(w, r, apierrors.ValidationError("parent_not_found", "Parent record does not exist"))
			return
		case err != nil:
			response.Error(w, r, a.storeError(r, err, rec.Parent))
			return
		case parent.Key != rec.Key:
			response.Error(w, r, apierrors.ValidationError("parent_key_mismatch", "Parent record belongs to another feed"))
			return
		}
	}

	rec, err := a.store.Put(r.Context(), rec)
	if err != nil {
		telemetry.LogAndTraceError(r.Context(), err, "Failed to create record")
		response.Error(w, r, apierrors.InternalError("create_record_failed", "Failed to create record"))
		return
	}

	response.JSON(w, r, http.StatusCreated, models.RecordFromProto(rec))
}

// handleListRecords returns one page of a feed, newest first
func (a *ChiAPI) handleListRecords(w http.ResponseWriter, r *http.Request) {
	req, err := models.ParseListRecordsRequest(r.URL.Query())
	if err != nil {
		response.Error(w, r, err)
		return
	}

	page, err := a.store.List(r.Context(), proto.DefaultQuery(req.Key), req.Offset, req.Count)
	if err != nil {
		telemetry.LogAndTraceError(r.Context(), err, "Failed to list records")
		response.Error(w, r, apierrors.InternalError("list_records_failed", "Failed to list records"))
		return
	}

	response.JSON(w, r, http.StatusOK, models.RecordPageFromProto(page))
}

// handleGetRecord retrieves a record by ID
func (a *ChiAPI) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := a.store.Get(r.Context(), id)
	if err != nil {
		response.Error(w, r, a.storeError(r, err, id))
		return
	}

	response.JSON(w, r, http.StatusOK, models.RecordFromProto(rec))
}

// handleDeleteRecord removes a record. Authors may delete their own records;
// deleting anyone else's is privileged.
func (a *ChiAPI) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	caller := principalFrom(r.Context())

	rec, err := a.store.Get(r.Context(), id)
	if err != nil {
		response.Error(w, r, a.storeError(r, err, id))
		return
	}

	if rec.Author == caller.Identity {
		if !auth.Can(caller.Role, auth.PermDeleteMessage) {
			response.Error(w, r, forbidden(auth.PermDeleteMessage))
			return
		}
	} else {
		if !auth.Can(caller.Role, auth.PermDeleteAnyMessage) {
			response.Error(w, r, forbidden(auth.PermDeleteAnyMessage))
			return
		}
		if !a.requireHealthy(w, r) {
			return
		}
	}

	if err := a.store.Delete(r.Context(), id); err != nil {
		response.Error(w, r, a.storeError(r, err, id))
		return
	}

	response.JSON(w, r, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// handleAssignRole grants a role to an identity
func (a *ChiAPI) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req models.AssignRoleRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}
	if !a.requireHealthy(w, r) {
		return
	}

	if err := a.auth.AssignRole(r.Context(), req.Identity, req.Role); err != nil {
		if errors.Is(err, auth.ErrInvalidRole) || errors.Is(err, auth.ErrInvalidIdentity) {
			response.Error(w, r, apierrors.ValidationError("invalid_role_assignment", err.Error()))
			return
		}
		telemetry.LogAndTraceError(r.Context(), err, "Failed to assign role")
		response.Error(w, r, apierrors.InternalError("assign_role_failed", "Failed to assign role"))
		return
	}

	a.logger.Info().
		Str("identity", req.Identity).
		Str("role", req.Role).
		Str("granted_by", principalFrom(r.Context()).Identity).
		Msg("Role assigned")
	response.JSON(w, r, http.StatusOK, models.RoleResponse{Identity: req.Identity, Role: req.Role})
}

// handleState returns the coordinator snapshot
func (a *ChiAPI) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := a.coordinator.Snapshot(r.Context())
	if err != nil {
		response.Error(w, r, apierrors.UnavailableError("coordinator_unavailable", err.Error()))
		return
	}
	response.JSON(w, r, http.StatusOK, snap)
}

func (a *ChiAPI) storeError(r *http.Request, err error, id string) *apierrors.APIError {
	if errors.Is(err, domain.ErrRecordNotFound) {
		return apierrors.NotFoundError("record_not_found", "Record not found")
	}
	telemetry.LogAndTraceError(r.Context(), err, "Record store failure")
	return apierrors.InternalError("record_store_failed", "Failed to access record "+id)
}

// Shutdown stops the API server
func (a *ChiAPI) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down control API")
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}
