// Package metadata stores the opaque per-call context supplied when a call is
// placed. The bridge reads it to script the agent; the supervisor deletes it
// at call termination.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Metadata is the opaque key/value context of one call.
type Metadata map[string]any

// String returns the value under key when it is a string.
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Store keeps Metadata keyed by call identifier. Get returns nil, nil when
// nothing is stored for the call.
type Store interface {
	Put(ctx context.Context, callID string, md Metadata) error
	Get(ctx context.Context, callID string) (Metadata, error)
	Delete(ctx context.Context, callID string) error
	Close() error
}

type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

var (
	ErrInvalidStoreType = errors.New("metadata: invalid store type")
	ErrInvalidConfig    = errors.New("metadata: invalid store config")
)

const (
	defaultKeyPrefix = "callrelay:metadata:"
	defaultTTL       = 24 * time.Hour
)

type StoreOption func(*storeConfig)

type storeConfig struct {
	redisClient *redis.Client
	ttl         time.Duration
	keyPrefix   string
}

func WithRedisClient(client *redis.Client) StoreOption {
	return func(c *storeConfig) { c.redisClient = client }
}

// WithTTL bounds how long metadata survives a call that never terminates cleanly.
func WithTTL(ttl time.Duration) StoreOption {
	return func(c *storeConfig) { c.ttl = ttl }
}

func WithKeyPrefix(prefix string) StoreOption {
	return func(c *storeConfig) { c.keyPrefix = prefix }
}

func NewStore(storeType StoreType, opts ...StoreOption) (Store, error) {
	cfg := &storeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	switch storeType {
	case StoreTypeMemory, "":
		return &memoryStore{entries: make(map[string]Metadata)}, nil
	case StoreTypeRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		if cfg.ttl <= 0 {
			cfg.ttl = defaultTTL
		}
		if cfg.keyPrefix == "" {
			cfg.keyPrefix = defaultKeyPrefix
		}
		return &redisStore{client: cfg.redisClient, ttl: cfg.ttl, prefix: cfg.keyPrefix}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStoreType, storeType)
	}
}

type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]Metadata
}

func (s *memoryStore) Put(ctx context.Context, callID string, md Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(Metadata, len(md))
	for k, v := range md {
		cp[k] = v
	}
	s.entries[callID] = cp
	return nil
}

func (s *memoryStore) Get(ctx context.Context, callID string) (Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	md, ok := s.entries[callID]
	if !ok {
		return nil, nil
	}
	cp := make(Metadata, len(md))
	for k, v := range md {
		cp[k] = v
	}
	return cp, nil
}

func (s *memoryStore) Delete(ctx context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, callID)
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}

type redisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func (s *redisStore) key(callID string) string {
	return s.prefix + callID
}

func (s *redisStore) Put(ctx context.Context, callID string, md Metadata) error {
	if md == nil {
		md = Metadata{}
	}
	val, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("metadata: encode: %w", err)
	}
	return s.client.Set(ctx, s.key(callID), val, s.ttl).Err()
}

func (s *redisStore) Get(ctx context.Context, callID string) (Metadata, error) {
	val, err := s.client.Get(ctx, s.key(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: get %s: %w", callID, err)
	}
	var md Metadata
	if err := json.Unmarshal(val, &md); err != nil {
		return nil, fmt.Errorf("metadata: decode %s: %w", callID, err)
	}
	return md, nil
}

func (s *redisStore) Delete(ctx context.Context, callID string) error {
	return s.client.Del(ctx, s.key(callID)).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
