package badger

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/nkkko/feedhub/pkg/proto"
	"github.com/stretchr/testify/require"
)

// BenchmarkCaching compares reads with and without the record cache
func BenchmarkCaching(b *testing.B) {
	ctx := context.Background()

	setupStorage := func(cacheEnabled bool) (*Storage, func()) {
		tempDir, err := os.MkdirTemp("", "cache-bench-*")
		require.NoError(b, err, "Failed to create temp directory")

		config := DefaultConfig()
		config.DataDir = tempDir
		config.CacheEnabled = cacheEnabled
		config.GCInterval = 0

		storage, err := NewStorage(config)
		require.NoError(b, err, "Failed to create storage")

		cleanup := func() {
			storage.Shutdown(context.Background())
			os.RemoveAll(tempDir)
		}
		return storage, cleanup
	}

	for _, cacheEnabled := range []bool{false, true} {
		b.Run(fmt.Sprintf("RepeatedReads_Cache_%t", cacheEnabled), func(b *testing.B) {
			storage, cleanup := setupStorage(cacheEnabled)
			defer cleanup()

			rec, err := storage.Put(ctx, &proto.Record{Key: "bench", Body: "Benchmark payload for repeated reads"})
			require.NoError(b, err)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_, err := storage.Get(ctx, rec.Id)
				require.NoError(b, err)
			}
		})
	}
}

// BenchmarkSubscribe measures the initial snapshot of a key with many records
func BenchmarkSubscribe(b *testing.B) {
	ctx := context.Background()
	config := DefaultConfig()
	config.InMemory = true

	storage, err := NewStorage(config)
	require.NoError(b, err)
	defer storage.Shutdown(ctx)

	for i := 0; i < 500; i++ {
		_, err := storage.Put(ctx, &proto.Record{
			Key:  "bench",
			Body: fmt.Sprintf("Benchmark payload %d", i),
			Meta: map[string]string{"index": fmt.Sprintf("%d", i)},
		})
		require.NoError(b, err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sub, err := storage.Subscribe(ctx, proto.DefaultQuery("bench"))
		require.NoError(b, err)
		sub.Cancel()
	}
}
