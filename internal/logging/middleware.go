package logging

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// HTTPMiddleware logs control API requests. The request logger, carrying
// the chi request id and trace ids, is attached to the request context for
// handlers to pick up with zerolog.Ctx.
func HTTPMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			logger := FromContext(r.Context()).With().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Str("request_id", middleware.GetReqID(r.Context())).
				Logger()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			logger.Debug().Msg("Request started")

			next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context())))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			event := levelFor(logger, status)
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				event = event.Str("route", rctx.RoutePattern())
			}
			event.
				Int("status", status).
				Dur("duration", time.Since(start)).
				Int("response_size", ww.BytesWritten()).
				Msg("Request completed")
		})
	}
}

// FiberMiddleware logs requests served by the fiber gateway. Upgraded
// websocket requests are logged when the upgrade handler returns.
func FiberMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		fields := FromContext(c.UserContext()).With().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Str("remote_addr", c.IP())
		if id := c.Get(fiber.HeaderXRequestID); id != "" {
			fields = fields.Str("request_id", id)
		}
		if key := c.Query("key"); key != "" {
			fields = fields.Str("key", key)
		}
		logger := fields.Logger()

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		levelFor(logger, status).
			Err(err).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("Request completed")
		return err
	}
}

func levelFor(logger zerolog.Logger, status int) *zerolog.Event {
	switch {
	case status >= 500:
		return logger.Error()
	case status >= 400:
		return logger.Warn()
	default:
		return logger.Info()
	}
}
