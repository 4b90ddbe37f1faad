package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nkkko/feedhub/internal/api"
	controlapi "github.com/nkkko/feedhub/internal/api/chi"
	"github.com/nkkko/feedhub/internal/auth"
	"github.com/nkkko/feedhub/internal/config"
	"github.com/nkkko/feedhub/internal/logging"
	"github.com/nkkko/feedhub/internal/notifier"
	"github.com/nkkko/feedhub/internal/router"
	"github.com/nkkko/feedhub/internal/storage"
	"github.com/nkkko/feedhub/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Engine owns every feedhub component and their lifecycle
type Engine struct {
	config      *config.Config
	storage     storage.Storage
	redis       *redis.Client
	provider    *auth.Provider
	router      *router.Router
	notifier    *notifier.Notifier
	api         *api.API
	control     *controlapi.ChiAPI
	logger      zerolog.Logger
	telemetryFn func(context.Context) error
}

// CreateEngine builds all components from the configuration
func CreateEngine(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	e := &Engine{
		config: cfg,
		logger: logging.Component("engine"),
	}

	storageConfig := cfg.ToStorageFactoryConfig()
	if storageConfig.Type != storage.MemoryStorage && !storageConfig.Config.InMemory {
		if err := os.MkdirAll(storageConfig.Config.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	store, err := storage.CreateStorage(storageConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	e.storage = store

	roles, err := e.createRoleStore()
	if err != nil {
		e.closeStores()
		return nil, err
	}

	provider, err := auth.NewProvider(cfg.ToAuthConfig(), roles)
	if err != nil {
		e.closeStores()
		return nil, fmt.Errorf("failed to initialize auth provider: %w", err)
	}
	e.provider = provider

	e.router = router.NewRouter(cfg.ToRouterConfig(), store, provider)
	e.notifier = notifier.NewNotifier(cfg.ToNotifierConfig(), e.router)
	e.api = api.NewAPI(cfg.ToAPIConfig(), e.notifier, e.router)
	if cfg.Control.Enabled {
		e.control = controlapi.NewChiAPI(cfg.ToControlConfig(), store, e.router, provider)
	}

	return e, nil
}

// createRoleStore connects the configured role store
func (e *Engine) createRoleStore() (auth.RoleStore, error) {
	if e.config.Auth.RoleStore != "redis" {
		return auth.NewMemoryRoleStore(), nil
	}

	e.redis = redis.NewClient(e.config.ToRedisOptions())
	store := auth.NewRedisRoleStore(e.redis, e.config.Auth.RedisPrefix)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to role store at %s: %w", e.config.Auth.RedisAddr, err)
	}
	return store, nil
}

// Router returns the coordinator
func (e *Engine) Router() *router.Router {
	return e.router
}

// Provider returns the auth provider
func (e *Engine) Provider() *auth.Provider {
	return e.provider
}

// Storage returns the feed store
func (e *Engine) Storage() storage.Storage {
	return e.storage
}

// Start runs all components until ctx is done or one of them fails
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Msg("Starting feedhub engine")

	telShutdown, err := telemetry.Setup(ctx, e.config.ToTelemetryConfig())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.storage.Start(ctx)
	})

	g.Go(func() error {
		return e.router.Start(ctx)
	})

	g.Go(func() error {
		return e.notifier.Start(ctx)
	})

	g.Go(func() error {
		return e.api.Start(ctx)
	})

	if e.control != nil {
		g.Go(func() error {
			return e.control.Start(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("feedhub engine stopped")
	return nil
}

// Shutdown stops the servers first, then the stores
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down feedhub engine")

	if err := e.api.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down surface gateway")
	}

	if e.control != nil {
		if err := e.control.Shutdown(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down control API")
		}
	}

	if err := e.notifier.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down notifier")
	}

	err := e.storage.Shutdown(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down storage")
	}
	if e.redis != nil {
		if cerr := e.redis.Close(); cerr != nil {
			e.logger.Error().Err(cerr).Msg("Failed to close role store")
		}
	}

	if e.telemetryFn != nil {
		if terr := e.telemetryFn(ctx); terr != nil {
			e.logger.Error().Err(terr).Msg("Failed to shut down telemetry")
		}
	}

	return err
}

// closeStores releases stores opened by a failed CreateEngine
func (e *Engine) closeStores() {
	if e.storage != nil {
		e.storage.Shutdown(context.Background())
	}
	if e.redis != nil {
		e.redis.Close()
	}
}
