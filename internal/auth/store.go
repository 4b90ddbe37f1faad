package auth

import (
	"context"
	"errors"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound indicates no role is stored for the identity
	ErrNotFound = errors.New("role not found")
)

// RoleStore persists the role of each identity.
// Implementations must be safe for concurrent use.
type RoleStore interface {
	// GetRole returns the role of identity, or ErrNotFound
	GetRole(ctx context.Context, identity string) (string, error)

	// SetRole stores role for identity, replacing any previous role
	SetRole(ctx context.Context, identity, role string) error

	// SetRoleIfAbsent stores role only when identity has none.
	// It reports whether the role was written.
	SetRoleIfAbsent(ctx context.Context, identity, role string) (bool, error)
}

// MemoryRoleStore is an in-memory RoleStore for development and tests
type MemoryRoleStore struct {
	mux   sync.RWMutex
	roles map[string]string
}

// NewMemoryRoleStore creates an empty MemoryRoleStore
func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{roles: map[string]string{}}
}

func (s *MemoryRoleStore) GetRole(_ context.Context, identity string) (string, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	role, ok := s.roles[identity]
	if !ok {
		return "", ErrNotFound
	}
	return role, nil
}

func (s *MemoryRoleStore) SetRole(_ context.Context, identity, role string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.roles[identity] = role
	return nil
}

func (s *MemoryRoleStore) SetRoleIfAbsent(_ context.Context, identity, role string) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.roles[identity]; ok {
		return false, nil
	}
	s.roles[identity] = role
	return true, nil
}

// RedisRoleStore is a durable RoleStore backed by Redis
type RedisRoleStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisRoleStore creates a Redis-backed store
func NewRedisRoleStore(rdb *redis.Client, prefix string) *RedisRoleStore {
	if prefix == "" {
		prefix = "feedhub:"
	}
	return &RedisRoleStore{rdb: rdb, prefix: prefix}
}

func (s *RedisRoleStore) keyRole(identity string) string { return s.prefix + "role:" + identity }

func (s *RedisRoleStore) GetRole(ctx context.Context, identity string) (string, error) {
	role, err := s.rdb.Get(ctx, s.keyRole(identity)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrNotFound
		}
		return "", err
	}
	return role, nil
}

func (s *RedisRoleStore) SetRole(ctx context.Context, identity, role string) error {
	return s.rdb.Set(ctx, s.keyRole(identity), role, 0).Err()
}

func (s *RedisRoleStore) SetRoleIfAbsent(ctx context.Context, identity, role string) (bool, error) {
	return s.rdb.SetNX(ctx, s.keyRole(identity), role, 0).Result()
}

// Ping checks the Redis connection
func (s *RedisRoleStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
