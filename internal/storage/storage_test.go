package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nkkko/feedhub/internal/storage/badger"
	"github.com/nkkko/feedhub/internal/storage/memory"
	"github.com/nkkko/feedhub/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateStorage_Types(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "storage-test-*")
	require.NoError(t, err, "Failed to create temp directory")
	defer os.RemoveAll(tempDir)

	config := DefaultFactoryConfig()
	config.Config.DataDir = tempDir

	s, err := CreateStorage(config)
	require.NoError(t, err)
	_, ok := s.(*badger.Storage)
	assert.True(t, ok, "default type is badger")
	require.NoError(t, s.Shutdown(context.Background()))

	config.Type = MemoryStorage
	s, err = CreateStorage(config)
	require.NoError(t, err)
	_, ok = s.(*memory.Store)
	assert.True(t, ok)

	config.Type = "cassandra"
	_, err = CreateStorage(config)
	assert.Error(t, err)
}

func TestStorage_RoundTrip(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "storage-test-*")
	require.NoError(t, err, "Failed to create temp directory")
	defer os.RemoveAll(tempDir)

	config := DefaultConfig()
	config.DataDir = tempDir
	config.WatchBufferSize = 16

	s, err := NewStorage(config)
	require.NoError(t, err, "Failed to create storage")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)
	defer s.Shutdown(context.Background())

	h, err := s.OpenFeed(ctx)
	require.NoError(t, err)
	defer h.Close()

	sub, err := h.Subscribe(ctx, proto.DefaultQuery("room"))
	require.NoError(t, err)
	assert.Empty(t, sub.Initial)

	rec, err := s.Put(ctx, &proto.Record{Key: "room", Body: "hello", Author: "alice"})
	require.NoError(t, err)

	select {
	case ev := <-sub.Events:
		assert.Equal(t, proto.ChangeAdded, ev.Action)
		assert.Equal(t, rec.Id, ev.Id)
	case <-time.After(time.Second):
		t.Fatal("no change event")
	}

	size, err := DirSize(tempDir)
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}
