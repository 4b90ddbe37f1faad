package storage

import (
	"fmt"

	"github.com/nkkko/feedhub/internal/storage/badger"
	"github.com/nkkko/feedhub/internal/storage/memory"
)

// StorageType represents the type of storage implementation to use
type StorageType string

const (
	// BadgerStorage is the default storage type
	BadgerStorage StorageType = "badger"

	// MemoryStorage keeps records in process memory
	MemoryStorage StorageType = "memory"
)

// FactoryConfig contains configuration for the storage factory
type FactoryConfig struct {
	// Storage type to create
	Type StorageType

	// Basic configuration
	Config Config
}

// DefaultFactoryConfig returns the default factory configuration
func DefaultFactoryConfig() FactoryConfig {
	return FactoryConfig{
		Type:   BadgerStorage,
		Config: DefaultConfig(),
	}
}

// NewStorage creates a new storage instance with the default storage type
func NewStorage(config Config) (Storage, error) {
	return badger.NewStorage(toBadgerConfig(config))
}

// CreateStorage creates a storage instance based on the factory configuration
func CreateStorage(config FactoryConfig) (Storage, error) {
	switch config.Type {
	case BadgerStorage, "":
		return NewStorage(config.Config)

	case MemoryStorage:
		return memory.NewStore(config.Config.WatchBufferSize), nil

	default:
		return nil, fmt.Errorf("unknown storage type %q", config.Type)
	}
}

func toBadgerConfig(config Config) badger.Config {
	badgerConfig := badger.DefaultConfig()
	badgerConfig.DataDir = config.DataDir
	badgerConfig.InMemory = config.InMemory
	badgerConfig.SyncWrites = config.SyncWrites
	badgerConfig.CacheEnabled = config.CacheEnabled
	badgerConfig.RecordCacheSize = config.RecordCacheSize
	badgerConfig.CacheExpiration = config.CacheExpiration
	badgerConfig.WatchBufferSize = config.WatchBufferSize
	badgerConfig.GCInterval = config.GCInterval
	badgerConfig.GCDiscardRatio = config.GCDiscardRatio
	badgerConfig.MetricsInterval = config.MetricsInterval
	return badgerConfig
}
