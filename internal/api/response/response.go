package response

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	apierrors "github.com/nkkko/feedhub/internal/api/errors"
	"github.com/nkkko/feedhub/internal/metrics"
	"github.com/rs/zerolog"
)

// Envelope is the body of every control API response
type Envelope struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     any    `json:"error,omitempty"`
}

// JSON writes data in a success envelope
func JSON(w http.ResponseWriter, r *http.Request, statusCode int, data any) {
	write(w, statusCode, Envelope{
		Success:   statusCode >= 200 && statusCode < 300,
		RequestID: middleware.GetReqID(r.Context()),
		Data:      data,
	})
}

// Error writes err in a failure envelope. Errors that are not an APIError
// become internal errors.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.GetReqID(r.Context())
	apiErr := apierrors.FromError(err).WithRequestID(requestID)

	metrics.GetMetrics().APIErrorsTotal.WithLabelValues(r.Method, routePattern(r), string(apiErr.Type)).Inc()
	if apiErr.HTTPCode >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Str("code", apiErr.Code).Msg(apiErr.Message)
	}

	write(w, apiErr.HTTPCode, Envelope{
		Success:   false,
		RequestID: requestID,
		Error:     apiErr,
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func write(w http.ResponseWriter, statusCode int, body Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	// Headers are already sent; an encoding failure can only be dropped
	_ = json.NewEncoder(w).Encode(body)
}
