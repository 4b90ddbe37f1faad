package badger

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/nkkko/feedhub/internal/domain"
	"github.com/nkkko/feedhub/internal/metrics"
	"github.com/nkkko/feedhub/internal/storage/watch"
	"github.com/nkkko/feedhub/pkg/proto"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Ensure Storage implements domain.StorageEngine
var _ domain.StorageEngine = (*Storage)(nil)

const (
	// Prefix keys for different types
	prefixRecords = "rec:"
	prefixIndex   = "idx:"
)

// Config contains storage configuration
type Config struct {
	// Base directory for data files
	DataDir string

	// Keep everything in memory (tests)
	InMemory bool

	// Sync every write to disk
	SyncWrites bool

	// Cache settings
	CacheEnabled    bool
	RecordCacheSize int
	CacheExpiration time.Duration

	// Per-subscription change buffer
	WatchBufferSize int

	// Badger tuning
	MemTableSize   int64
	NumCompactors  int
	IndexCacheSize int64
	BlockCacheSize int64

	// Value log garbage collection
	GCInterval     time.Duration
	GCDiscardRatio float64

	// How often to report database size
	MetricsInterval time.Duration
}

// DefaultConfig returns a default configuration for Badger-based storage
func DefaultConfig() Config {
	return Config{
		DataDir:         "./data",
		CacheEnabled:    true,
		RecordCacheSize: 10000,
		CacheExpiration: 30 * time.Second,
		WatchBufferSize: watch.DefaultBufferSize,
		MemTableSize:    64 << 20,
		NumCompactors:   4,
		IndexCacheSize:  100 << 20,
		BlockCacheSize:  256 << 20,
		GCInterval:      10 * time.Minute,
		GCDiscardRatio:  0.5,
		MetricsInterval: 15 * time.Second,
	}
}

// storedRecord is the on-disk encoding of a record
type storedRecord struct {
	Id      string            `cbor:"1,keyasint"`
	Key     string            `cbor:"2,keyasint"`
	Type    string            `cbor:"3,keyasint"`
	Author  string            `cbor:"4,keyasint,omitempty"`
	Body    string            `cbor:"5,keyasint"`
	Meta    map[string]string `cbor:"6,keyasint,omitempty"`
	TsNanos int64             `cbor:"7,keyasint"`
	Parent  string            `cbor:"8,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("badger: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("badger: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeRecord(rec *proto.Record) ([]byte, error) {
	return encMode.Marshal(storedRecord{
		Id:      rec.Id,
		Key:     string(rec.Key),
		Type:    rec.Type,
		Author:  rec.Author,
		Body:    rec.Body,
		Meta:    rec.Meta,
		TsNanos: rec.Ts.AsTime().UnixNano(),
		Parent:  rec.Parent,
	})
}

func decodeRecord(data []byte) (*proto.Record, error) {
	var sr storedRecord
	if err := decMode.Unmarshal(data, &sr); err != nil {
		return nil, err
	}
	return &proto.Record{
		Id:     sr.Id,
		Key:    proto.ResourceKey(sr.Key),
		Type:   sr.Type,
		Author: sr.Author,
		Body:   sr.Body,
		Meta:   sr.Meta,
		Ts:     timestamppb.New(time.Unix(0, sr.TsNanos)),
		Parent: sr.Parent,
	}, nil
}

// Storage persists feed records in Badger and streams changes to watchers
type Storage struct {
	config  Config
	db      *badger.DB
	hub     *watch.Hub
	cache   *Cache
	writeMu sync.RWMutex
	entropy *ulid.MonotonicEntropy
	done    chan struct{}
	closeMu sync.Once
	logger  zerolog.Logger
}

// NewStorage creates a new Storage instance using Badger
func NewStorage(config Config) (*Storage, error) {
	logger := log.With().Str("component", "storage-badger").Logger()
	defaults := DefaultConfig()

	if config.WatchBufferSize <= 0 {
		config.WatchBufferSize = defaults.WatchBufferSize
	}
	if config.GCDiscardRatio <= 0 || config.GCDiscardRatio >= 1 {
		config.GCDiscardRatio = defaults.GCDiscardRatio
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = defaults.MetricsInterval
	}

	s := &Storage{
		config:  config,
		hub:     watch.NewHub(config.WatchBufferSize),
		entropy: ulid.Monotonic(rand.Reader, 0),
		done:    make(chan struct{}),
		logger:  logger,
	}

	if err := s.initBadger(); err != nil {
		return nil, err
	}

	if config.CacheEnabled {
		if config.RecordCacheSize <= 0 {
			config.RecordCacheSize = defaults.RecordCacheSize
		}
		if config.CacheExpiration <= 0 {
			config.CacheExpiration = defaults.CacheExpiration
		}

		cache, err := NewCache(config.RecordCacheSize, config.CacheExpiration)
		if err != nil {
			s.db.Close()
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
		s.cache = cache
		s.config = config
		s.logger.Info().
			Int("record_cache_size", config.RecordCacheSize).
			Dur("cache_expiration", config.CacheExpiration).
			Msg("Cache initialized")
	}

	return s, nil
}

// initBadger initializes the Badger database
func (s *Storage) initBadger() error {
	var options badger.Options
	if s.config.InMemory {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dbPath := filepath.Join(s.config.DataDir, "badger")
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return fmt.Errorf("failed to create badger directory: %w", err)
		}
		options = badger.DefaultOptions(dbPath)
	}

	options = options.WithLoggingLevel(badger.WARNING) // Reduce logging noise
	options = options.WithSyncWrites(s.config.SyncWrites)
	if s.config.MemTableSize > 0 {
		options = options.WithMemTableSize(s.config.MemTableSize)
	}
	if s.config.NumCompactors > 1 {
		options = options.WithNumCompactors(s.config.NumCompactors)
	}
	if s.config.IndexCacheSize > 0 {
		options = options.WithIndexCacheSize(s.config.IndexCacheSize)
	}
	if s.config.BlockCacheSize > 0 {
		options = options.WithBlockCacheSize(s.config.BlockCacheSize)
	}

	db, err := badger.Open(options)
	if err != nil {
		return fmt.Errorf("failed to open Badger: %w", err)
	}

	s.db = db
	return nil
}

// prefixKey adds the appropriate type prefix to a key
func prefixKey(prefix string, key []byte) []byte {
	prefixedKey := make([]byte, len(prefix)+len(key))
	copy(prefixedKey, prefix)
	copy(prefixedKey[len(prefix):], key)
	return prefixedKey
}

// indexPrefix returns the index prefix of a resource key: idx:{key}:
func indexPrefix(key proto.ResourceKey) []byte {
	return []byte(prefixIndex + string(key) + ":")
}

// makeIndexKey creates a composite key for key-timestamp indexing.
// Format idx:{key}:{timestamp}{id} keeps records of a key in time order.
func makeIndexKey(key proto.ResourceKey, ts time.Time, id string) []byte {
	prefix := indexPrefix(key)
	out := make([]byte, len(prefix)+8+len(id))
	copy(out, prefix)
	binary.BigEndian.PutUint64(out[len(prefix):], uint64(ts.UnixNano()))
	copy(out[len(prefix)+8:], id)
	return out
}

// Start runs maintenance until ctx is done
func (s *Storage) Start(ctx context.Context) error {
	if s.config.GCInterval > 0 && !s.config.InMemory {
		go s.runPeriodicGC(ctx)
	}
	go s.collectMetrics(ctx)

	select {
	case <-ctx.Done():
	case <-s.done:
	}
	return nil
}

// runPeriodicGC runs value log garbage collection on a regular interval
func (s *Storage) runPeriodicGC(ctx context.Context) {
	logger := log.With().Str("component", "badger-gc").Logger()
	ticker := time.NewTicker(s.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := s.db.RunValueLogGC(s.config.GCDiscardRatio)
			if err != nil {
				if errors.Is(err, badger.ErrNoRewrite) {
					logger.Debug().Msg("No garbage collection needed")
				} else {
					logger.Error().Err(err).Msg("Error during garbage collection")
				}
			} else {
				logger.Info().Msg("Garbage collection completed")
			}
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// collectMetrics periodically reports database size
func (s *Storage) collectMetrics(ctx context.Context) {
	ticker := time.NewTicker(s.config.MetricsInterval)
	defer ticker.Stop()

	m := metrics.GetMetrics()
	for {
		select {
		case <-ticker.C:
			lsm, vlog := s.db.Size()
			m.DBSize.Set(float64(lsm + vlog))
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// Shutdown closes all watchers and the database
func (s *Storage) Shutdown(ctx context.Context) error {
	var err error
	s.closeMu.Do(func() {
		close(s.done)
		s.hub.Close()
		if s.cache != nil {
			s.cache.Clear()
		}
		if cerr := s.db.Close(); cerr != nil {
			s.logger.Error().Err(cerr).Msg("Error closing Badger database")
			err = cerr
		}
	})
	return err
}

// OpenFeed returns a session handle over the store
func (s *Storage) OpenFeed(ctx context.Context) (domain.FeedHandle, error) {
	select {
	case <-s.done:
		return nil, domain.ErrStoreClosed
	default:
	}
	return watch.NewHandle(s), nil
}

// Subscribe returns the records matching query and streams later changes
func (s *Storage) Subscribe(ctx context.Context, query proto.Query) (*domain.FeedSubscription, error) {
	m := metrics.GetMetrics()
	timer := prometheus.NewTimer(m.StorageOperationDuration.WithLabelValues("subscribe"))
	defer timer.ObserveDuration()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if query.Key == "" {
		return nil, fmt.Errorf("query key is required")
	}

	// Writers wait until the snapshot is taken and the watcher registered.
	s.writeMu.RLock()
	defer s.writeMu.RUnlock()

	initial, err := s.listByKey(ctx, query)
	if err != nil {
		m.StorageOperations.WithLabelValues("subscribe", "false").Inc()
		return nil, err
	}

	sub := s.hub.Subscribe(initial, query)
	m.StorageOperations.WithLabelValues("subscribe", "true").Inc()
	return sub, nil
}

// List returns one page of the records matching query, newest first.
// The key-time index is walked in reverse so the page needs no sort.
func (s *Storage) List(ctx context.Context, query proto.Query, offset, count int) (*proto.RecordPage, error) {
	m := metrics.GetMetrics()
	timer := prometheus.NewTimer(m.StorageOperationDuration.WithLabelValues("list"))
	defer timer.ObserveDuration()

	if query.Key == "" {
		return nil, fmt.Errorf("query key is required")
	}

	query.Order = proto.OrderDesc
	records, err := s.listByKey(ctx, query)
	if err != nil {
		m.StorageOperations.WithLabelValues("list", "false").Inc()
		return nil, err
	}
	m.StorageOperations.WithLabelValues("list", "true").Inc()
	return proto.NewRecordPage(query.Key, records, offset, count), nil
}

// listByKey walks the key-time index in query order
func (s *Storage) listByKey(ctx context.Context, query proto.Query) ([]*proto.Record, error) {
	records := make([]*proto.Record, 0)
	prefix := indexPrefix(query.Key)
	reverse := query.Order == proto.OrderDesc

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = reverse
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		start := prefix
		if reverse {
			// Seek just past the prefix range
			start = append(append([]byte{}, prefix...), 0xFF)
		}

		for it.Seek(start); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			if !bytes.HasPrefix(item.Key(), prefix) {
				break
			}

			var id string
			if err := item.Value(func(val []byte) error {
				id = string(val)
				return nil
			}); err != nil {
				return fmt.Errorf("failed to read record id from index: %w", err)
			}

			rec, err := s.getInTxn(txn, id)
			if err != nil {
				s.logger.Error().Err(err).Str("id", id).Msg("Failed to retrieve indexed record")
				continue
			}
			if query.Matches(rec) {
				records = append(records, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return records, nil
}

// Put stores a new record, or replaces one with the same id
func (s *Storage) Put(ctx context.Context, rec *proto.Record) (*proto.Record, error) {
	m := metrics.GetMetrics()
	timer := prometheus.NewTimer(m.StorageOperationDuration.WithLabelValues("put"))
	defer timer.ObserveDuration()

	if rec == nil || rec.Key == "" {
		return nil, fmt.Errorf("record key is required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	stored := *rec
	now := time.Now()
	if stored.Ts == nil {
		stored.Ts = timestamppb.New(now)
	}
	if stored.Type == "" {
		stored.Type = proto.DefaultRecordType
	}
	if stored.Id == "" {
		stored.Id = ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
	}

	data, err := encodeRecord(&stored)
	if err != nil {
		m.StorageOperations.WithLabelValues("marshal_record", "false").Inc()
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	action := proto.ChangeAdded
	err = s.db.Update(func(txn *badger.Txn) error {
		previous, err := s.getInTxn(txn, stored.Id)
		switch {
		case err == nil:
			action = proto.ChangeUpdated
			if err := txn.Delete(makeIndexKey(previous.Key, previous.Ts.AsTime(), previous.Id)); err != nil {
				return err
			}
		case !errors.Is(err, domain.ErrRecordNotFound):
			return err
		}

		if err := txn.Set(prefixKey(prefixRecords, []byte(stored.Id)), data); err != nil {
			return fmt.Errorf("failed to store record: %w", err)
		}
		if err := txn.Set(makeIndexKey(stored.Key, stored.Ts.AsTime(), stored.Id), []byte(stored.Id)); err != nil {
			return fmt.Errorf("failed to create key-time index: %w", err)
		}
		return nil
	})
	if err != nil {
		m.StorageOperations.WithLabelValues("put", "false").Inc()
		return nil, err
	}

	if s.cache != nil {
		s.cache.SetRecord(&stored)
	}
	s.hub.Broadcast(action, &stored)

	if action == proto.ChangeAdded {
		m.RecordsTotal.Inc()
	}
	m.StorageOperations.WithLabelValues("put", "true").Inc()
	return &stored, nil
}

// Get retrieves a record by id
func (s *Storage) Get(ctx context.Context, id string) (*proto.Record, error) {
	m := metrics.GetMetrics()
	timer := prometheus.NewTimer(m.StorageOperationDuration.WithLabelValues("get"))
	defer timer.ObserveDuration()

	if s.cache != nil {
		if rec, found := s.cache.GetRecord(id); found {
			return rec, nil
		}
	}

	var rec *proto.Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = s.getInTxn(txn, id)
		return err
	})
	if err != nil {
		m.StorageOperations.WithLabelValues("get", "false").Inc()
		return nil, err
	}

	if s.cache != nil {
		s.cache.SetRecord(rec)
	}
	m.StorageOperations.WithLabelValues("get", "true").Inc()
	return rec, nil
}

// getInTxn loads a record inside an open transaction
func (s *Storage) getInTxn(txn *badger.Txn, id string) (*proto.Record, error) {
	item, err := txn.Get(prefixKey(prefixRecords, []byte(id)))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
		}
		return nil, fmt.Errorf("failed to retrieve record: %w", err)
	}

	var rec *proto.Record
	err = item.Value(func(val []byte) error {
		var derr error
		rec, derr = decodeRecord(val)
		return derr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}

// Delete removes a record and its index entry
func (s *Storage) Delete(ctx context.Context, id string) error {
	m := metrics.GetMetrics()
	timer := prometheus.NewTimer(m.StorageOperationDuration.WithLabelValues("delete"))
	defer timer.ObserveDuration()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var removed *proto.Record
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := s.getInTxn(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(prefixKey(prefixRecords, []byte(id))); err != nil {
			return err
		}
		if err := txn.Delete(makeIndexKey(rec.Key, rec.Ts.AsTime(), rec.Id)); err != nil {
			return err
		}
		removed = rec
		return nil
	})
	if err != nil {
		m.StorageOperations.WithLabelValues("delete", "false").Inc()
		return err
	}

	if s.cache != nil {
		s.cache.InvalidateRecord(id)
	}
	s.hub.Broadcast(proto.ChangeRemoved, removed)
	m.StorageOperations.WithLabelValues("delete", "true").Inc()
	return nil
}
