package memory

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nkkko/feedhub/internal/domain"
	"github.com/nkkko/feedhub/internal/metrics"
	"github.com/nkkko/feedhub/internal/storage/watch"
	"github.com/nkkko/feedhub/pkg/proto"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/timestamppb"
)

var _ domain.StorageEngine = (*Store)(nil)

// Store keeps records in memory. Used for tests and storage type "memory".
type Store struct {
	mu      sync.RWMutex
	records map[string]*proto.Record
	hub     *watch.Hub
	entropy *ulid.MonotonicEntropy
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewStore creates an empty in-memory store
func NewStore(watchBufferSize int) *Store {
	return &Store{
		records: make(map[string]*proto.Record),
		hub:     watch.NewHub(watchBufferSize),
		entropy: ulid.Monotonic(rand.Reader, 0),
		metrics: metrics.GetMetrics(),
		logger:  log.With().Str("component", "storage-memory").Logger(),
	}
}

// Start blocks until ctx is done
func (s *Store) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Shutdown closes every watcher
func (s *Store) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return nil
}

// OpenFeed returns a session handle over the store
func (s *Store) OpenFeed(ctx context.Context) (domain.FeedHandle, error) {
	return watch.NewHandle(s), nil
}

// Subscribe returns the matching records and streams later changes
func (s *Store) Subscribe(ctx context.Context, query proto.Query) (*domain.FeedSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The read lock keeps writers out between the snapshot and the watcher registration.
	s.mu.RLock()
	defer s.mu.RUnlock()

	initial := make([]*proto.Record, 0)
	for _, rec := range s.records {
		if query.Matches(rec) {
			initial = append(initial, rec)
		}
	}
	SortRecords(initial, query)

	sub := s.hub.Subscribe(initial, query)
	s.metrics.StorageOperations.WithLabelValues("subscribe", "true").Inc()
	return sub, nil
}

// List returns records matching query, newest first, skipping offset
func (s *Store) List(ctx context.Context, query proto.Query, offset, count int) (*proto.RecordPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	matched := make([]*proto.Record, 0)
	for _, rec := range s.records {
		if query.Matches(rec) {
			matched = append(matched, rec)
		}
	}
	s.mu.RUnlock()

	query.Order = proto.OrderDesc
	SortRecords(matched, query)
	s.metrics.StorageOperations.WithLabelValues("list", "true").Inc()
	return proto.NewRecordPage(query.Key, matched, offset, count), nil
}

// Put stores rec, assigning id and timestamp when missing
func (s *Store) Put(ctx context.Context, rec *proto.Record) (*proto.Record, error) {
	if rec == nil || rec.Key == "" {
		return nil, fmt.Errorf("record key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *rec
	now := time.Now()
	if stored.Ts == nil {
		stored.Ts = timestamppb.New(now)
	}
	if stored.Type == "" {
		stored.Type = proto.DefaultRecordType
	}
	action := proto.ChangeUpdated
	if stored.Id == "" {
		stored.Id = ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
	}
	if _, exists := s.records[stored.Id]; !exists {
		action = proto.ChangeAdded
		s.metrics.RecordsTotal.Inc()
	}
	s.records[stored.Id] = &stored

	s.hub.Broadcast(action, &stored)
	s.metrics.StorageOperations.WithLabelValues("put", "true").Inc()
	return &stored, nil
}

// Get retrieves a record by id
func (s *Store) Get(ctx context.Context, id string) (*proto.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
	}
	return rec, nil
}

// Delete removes a record by id
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
	}
	delete(s.records, id)

	s.hub.Broadcast(proto.ChangeRemoved, rec)
	s.metrics.StorageOperations.WithLabelValues("delete", "true").Inc()
	return nil
}

// SortRecords orders records by the query's sort field and order.
// Timestamp is the only supported sort field; ties break on id.
func SortRecords(records []*proto.Record, query proto.Query) {
	less := func(a, b *proto.Record) bool {
		ta, tb := a.Ts.AsTime(), b.Ts.AsTime()
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return a.Id < b.Id
	}
	sort.SliceStable(records, func(i, j int) bool {
		if query.Order == proto.OrderDesc {
			return less(records[j], records[i])
		}
		return less(records[i], records[j])
	})
}
