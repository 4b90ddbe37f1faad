package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nkkko/feedhub/internal/config"
	"github.com/nkkko/feedhub/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSink chan *proto.Event

func (s chanSink) Send(ev *proto.Event) error {
	select {
	case s <- ev:
	default:
	}
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Control.Addr = "127.0.0.1:0"
	cfg.Storage.StorageType = "memory"
	cfg.Auth.JWTSecret = "engine-test"
	cfg.Auth.CredentialPath = filepath.Join(t.TempDir(), "credential.yaml")
	return cfg
}

func TestCreateEngine_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gate.LogoutPolicy = "forget"

	_, err := CreateEngine(cfg)
	assert.Error(t, err)
}

func TestEngine_EndToEnd(t *testing.T) {
	e, err := CreateEngine(testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Start(ctx) }()

	sink := make(chanSink, 64)
	resp, err := e.Router().Dispatch(ctx, &proto.Message{Action: proto.ActionSurfaceOpen, Key: "room"}, sink)
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)

	_, _, err = e.Provider().Login(ctx, "alice", false)
	require.NoError(t, err)

	// Wait for the gate to activate before writing
	require.Eventually(t, func() bool {
		return e.Router().Healthy(ctx) == nil
	}, 3*time.Second, 10*time.Millisecond)

	rec, err := e.Storage().Put(ctx, &proto.Record{Key: "room", Body: "hello"})
	require.NoError(t, err)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sink:
			if ev.Kind == proto.EventDataChange && ev.Change != nil && ev.Change.Id == rec.Id {
				cancel()
				require.NoError(t, <-done)
				require.NoError(t, e.Shutdown(context.Background()))
				return
			}
		case <-deadline:
			cancel()
			t.Fatal("record never reached the surface")
		}
	}
}
