package api

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/nkkko/feedhub/internal/domain"
	"github.com/nkkko/feedhub/internal/notifier"
	"github.com/nkkko/feedhub/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingDispatcher struct {
	err error
}

func (d *pingDispatcher) Dispatch(ctx context.Context, msg *proto.Message, sink domain.Sink) (*proto.Response, error) {
	if d.err != nil {
		return nil, d.err
	}
	state := proto.Active("alice")
	return &proto.Response{Success: true, Auth: &state}, nil
}

func (d *pingDispatcher) CloseSurface(proto.SurfaceID) {}

func setupTestAPI(t *testing.T, pingErr error) *API {
	t.Helper()
	d := &pingDispatcher{err: pingErr}
	return NewAPI(DefaultConfig(), notifier.NewNotifier(notifier.DefaultConfig(), d), d)
}

func TestHealthEndpoints(t *testing.T) {
	a := setupTestAPI(t, nil)

	resp, err := a.App().Test(httptest.NewRequest("GET", "/healthz", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = a.App().Test(httptest.NewRequest("GET", "/readyz", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "alice")
}

func TestReadyz_CoordinatorDown(t *testing.T) {
	a := setupTestAPI(t, context.DeadlineExceeded)

	resp, err := a.App().Test(httptest.NewRequest("GET", "/readyz", nil))
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	a := setupTestAPI(t, nil)

	resp, err := a.App().Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "feedhub_")
}

func TestSurfaceEndpoints(t *testing.T) {
	a := setupTestAPI(t, nil)

	// Plain GET without an upgrade is refused
	resp, err := a.App().Test(httptest.NewRequest("GET", "/surface?key=k", nil))
	require.NoError(t, err)
	assert.Equal(t, 426, resp.StatusCode)

	resp, err = a.App().Test(httptest.NewRequest("GET", "/surface-sse", nil))
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)

	resp, err = a.App().Test(httptest.NewRequest("GET", "/surfaces", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"connected":0}`, string(body))
}
