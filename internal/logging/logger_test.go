package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestSetup_JSONFields(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	previous := log.Logger
	defer func() { log.Logger = previous }()

	var buf bytes.Buffer
	config := DefaultConfig()
	config.Output = &buf
	config.IncludeCaller = false
	config.Level = LevelDebug

	require.NoError(t, Setup(config))

	logger := Surface("notifier", "s-1", "room")
	logger.Debug().Msg("hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "feedhub", entry["service"])
	assert.Equal(t, "notifier", entry["component"])
	assert.Equal(t, "s-1", entry["surface_id"])
	assert.Equal(t, "room", entry["key"])
	assert.Equal(t, "hello", entry["message"])
}

func TestParseLevel(t *testing.T) {
	level, err := parseLevel(LevelWarn)
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, level)

	level, err = parseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, level)

	_, err = parseLevel("verbose")
	assert.Error(t, err)
}

func captureGlobal(t *testing.T, includeTrace bool) *bytes.Buffer {
	t.Helper()
	previous := log.Logger
	t.Cleanup(func() {
		log.Logger = previous
		traceContext.Store(true)
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	})

	var buf bytes.Buffer
	config := DefaultConfig()
	config.Output = &buf
	config.IncludeCaller = false
	config.IncludeTraceContext = includeTrace
	require.NoError(t, Setup(config))
	return &buf
}

func TestFromContext_FallsBackToGlobal(t *testing.T) {
	buf := captureGlobal(t, true)

	logger := FromContext(context.Background())
	logger.Info().Msg("plain")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "feedhub", entry["service"])
	assert.NotContains(t, entry, "trace_id")
}

func TestFromContext_AddsTraceIDs(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	buf := captureGlobal(t, true)
	logger := FromContext(ctx)
	logger.Info().Msg("traced")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, sc.TraceID().String(), entry["trace_id"])
	assert.Equal(t, sc.SpanID().String(), entry["span_id"])

	buf = captureGlobal(t, false)
	logger = FromContext(ctx)
	logger.Info().Msg("untraced")
	assert.NotContains(t, buf.String(), "trace_id")
}

func TestHTTPMiddleware_LogsRequest(t *testing.T) {
	buf := captureGlobal(t, true)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(HTTPMiddleware())
	r.Get("/records/{id}", func(w http.ResponseWriter, r *http.Request) {
		zerolog.Ctx(r.Context()).Info().Msg("handler")
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/records/abc", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var handler, completed map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &handler))
	require.NoError(t, json.Unmarshal(lines[1], &completed))

	assert.Equal(t, "handler", handler["message"])
	assert.NotEmpty(t, handler["request_id"])
	assert.Equal(t, "warn", completed["level"])
	assert.Equal(t, "/records/{id}", completed["route"])
	assert.EqualValues(t, http.StatusNotFound, completed["status"])
}
