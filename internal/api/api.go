package api

import (
	"context"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/nkkko/feedhub/internal/logging"
	"github.com/nkkko/feedhub/internal/notifier"
	"github.com/nkkko/feedhub/internal/telemetry"
	"github.com/nkkko/feedhub/pkg/proto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Config contains surface gateway configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts. Long-lived surface connections are not bound by them.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Maximum request body in bytes
	BodyLimit int

	// Serve Prometheus metrics on /metrics
	ServeMetrics bool
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		ReadTimeout:  5 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    64 * 1024,
		ServeMetrics: true,
	}
}

// API is the surface gateway: it serves the websocket and SSE surface
// endpoints plus health and metrics.
type API struct {
	config   Config
	app      *fiber.App
	notifier *notifier.Notifier
	pinger   notifier.Dispatcher
	logger   zerolog.Logger
}

// NewAPI creates a new gateway. pinger answers readiness pings.
func NewAPI(config Config, n *notifier.Notifier, pinger notifier.Dispatcher) *API {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.BodyLimit == 0 {
		config.BodyLimit = defaults.BodyLimit
	}

	a := &API{
		config:   config,
		notifier: n,
		pinger:   pinger,
		logger:   log.With().Str("component", "api").Logger(),
	}
	a.app = a.newApp()
	return a
}

// newApp builds the fiber app with middleware and routes
func (a *API) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:           a.config.ReadTimeout,
		WriteTimeout:          a.config.WriteTimeout,
		IdleTimeout:           a.config.IdleTimeout,
		BodyLimit:             a.config.BodyLimit,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(telemetry.FiberMiddleware(telemetry.TracerName))
	app.Use(logging.FiberMiddleware())
	app.Use(cors.New())

	a.registerRoutes(app)
	return app
}

// registerRoutes sets up all gateway endpoints
func (a *API) registerRoutes(app *fiber.App) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	app.Get("/readyz", a.handleReady)

	if a.config.ServeMetrics {
		metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
		app.Get("/metrics", func(c *fiber.Ctx) error {
			metricsHandler(c.Context())
			return nil
		})
	}

	app.Get("/surfaces", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"connected": a.notifier.ClientCount()})
	})

	a.notifier.RegisterWebSocketHandler(app)
	a.notifier.RegisterSSEHandler(app)
}

// handleReady reports ready once the coordinator answers a ping
func (a *API) handleReady(c *fiber.Ctx) error {
	if a.pinger == nil {
		return c.SendString("OK")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := a.pinger.Dispatch(ctx, &proto.Message{Action: proto.ActionPing}, nil)
	if err != nil || !resp.Success {
		return c.Status(fiber.StatusServiceUnavailable).SendString("coordinator unavailable")
	}
	return c.JSON(fiber.Map{"auth": resp.Auth})
}

// App returns the fiber app
func (a *API) App() *fiber.App {
	return a.app
}

// Start runs the gateway until ctx is done
func (a *API) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		return err
	}
	a.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting surface gateway")

	go func() {
		if err := a.app.Listener(ln); err != nil {
			a.logger.Error().Err(err).Msg("Surface gateway error")
		}
	}()

	<-ctx.Done()
	return nil
}

// Shutdown stops the gateway
func (a *API) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down surface gateway")
	return a.app.ShutdownWithContext(ctx)
}
