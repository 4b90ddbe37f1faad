package storage

import (
	"os"
	"path/filepath"
	"time"

	"github.com/nkkko/feedhub/internal/domain"
	"github.com/nkkko/feedhub/internal/storage/watch"
)

// Storage is the engine every backend implements
type Storage = domain.StorageEngine

// Config contains storage configuration
type Config struct {
	// Base directory for data files
	DataDir string

	// Keep badger entirely in memory
	InMemory bool

	// Sync every write to disk
	SyncWrites bool

	// Cache settings
	CacheEnabled    bool
	RecordCacheSize int
	CacheExpiration time.Duration

	// Per-subscription change buffer
	WatchBufferSize int

	// Value log garbage collection
	GCInterval     time.Duration
	GCDiscardRatio float64

	// How often to report database size
	MetricsInterval time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		DataDir:         "./data",
		CacheEnabled:    true,
		RecordCacheSize: 10000,
		CacheExpiration: 30 * time.Second,
		WatchBufferSize: watch.DefaultBufferSize,
		GCInterval:      10 * time.Minute,
		GCDiscardRatio:  0.5,
		MetricsInterval: 15 * time.Second,
	}
}

// DirSize returns the size of a directory and its subdirectories in bytes
func DirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
