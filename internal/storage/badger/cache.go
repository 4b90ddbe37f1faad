package badger

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/feedhub/internal/metrics"
	"github.com/nkkko/feedhub/pkg/proto"
)

// Cache is a read-through cache for records
type Cache struct {
	records    *lru.TwoQueueCache
	mutex      sync.RWMutex
	metrics    *metrics.Metrics
	expiration time.Duration
}

// cacheItem represents an item in the cache with an expiration time
type cacheItem struct {
	value      *proto.Record
	expiration time.Time
}

// NewCache creates a new cache with the given capacity
func NewCache(capacity int, expiration time.Duration) (*Cache, error) {
	records, err := lru.New2Q(capacity)
	if err != nil {
		return nil, err
	}

	return &Cache{
		records:    records,
		metrics:    metrics.GetMetrics(),
		expiration: expiration,
	}, nil
}

// GetRecord retrieves a record from the cache
func (c *Cache) GetRecord(id string) (*proto.Record, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	value, found := c.records.Get(id)
	if !found {
		c.metrics.StorageOperations.WithLabelValues("cache_miss_record", "true").Inc()
		return nil, false
	}

	item := value.(cacheItem)
	if time.Now().After(item.expiration) {
		c.records.Remove(id)
		c.metrics.StorageOperations.WithLabelValues("cache_expired_record", "true").Inc()
		return nil, false
	}

	c.metrics.StorageOperations.WithLabelValues("cache_hit_record", "true").Inc()
	return item.value, true
}

// SetRecord adds a record to the cache
func (c *Cache) SetRecord(rec *proto.Record) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.records.Add(rec.Id, cacheItem{
		value:      rec,
		expiration: time.Now().Add(c.expiration),
	})
}

// InvalidateRecord removes a record from the cache
func (c *Cache) InvalidateRecord(id string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.records.Remove(id)
	c.metrics.StorageOperations.WithLabelValues("cache_invalidate_record", "true").Inc()
}

// Clear empties the cache
func (c *Cache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.records.Purge()
}
