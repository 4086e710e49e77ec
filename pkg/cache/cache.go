// Package cache caches per-owner capsule listings served by the ledger.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"digitalvault/pkg/ledger"

	"github.com/bluele/gcache"
	"github.com/redis/go-redis/v9"
)

const (
	TypeNone   = "none"
	TypeMemory = "memory"
	TypeRedis  = "redis"

	defaultPrefix = "digitalvault:listing:"
)

// ListingCache caches an owner's capsule listing. A miss is (nil, false, nil).
type ListingCache interface {
	GetListing(ctx context.Context, owner string) ([]*ledger.CapsuleRecord, bool, error)
	SetListing(ctx context.Context, owner string, records []*ledger.CapsuleRecord) error
	InvalidateOwner(ctx context.Context, owner string) error
	Close() error
}

// RedisListingCache implements ListingCache for Redis
type RedisListingCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisCacheConfig holds configuration for Redis cache
type RedisCacheConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewRedisListingCache creates a Redis-backed cache and checks the connection
func NewRedisListingCache(config RedisCacheConfig) (*RedisListingCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := config.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	ttl := config.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}

	return &RedisListingCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

func (c *RedisListingCache) GetListing(ctx context.Context, owner string) ([]*ledger.CapsuleRecord, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+owner).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read listing cache: %w", err)
	}

	var records []*ledger.CapsuleRecord
	if err := json.Unmarshal(data, &records); err != nil {
		// A corrupt entry is a miss; the caller repopulates it.
		_ = c.client.Del(ctx, c.prefix+owner).Err()
		return nil, false, nil
	}
	return records, true, nil
}

func (c *RedisListingCache) SetListing(ctx context.Context, owner string, records []*ledger.CapsuleRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode listing: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+owner, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write listing cache: %w", err)
	}
	return nil
}

// InvalidateOwner removes an owner's cached listing
func (c *RedisListingCache) InvalidateOwner(ctx context.Context, owner string) error {
	if err := c.client.Del(ctx, c.prefix+owner).Err(); err != nil {
		return fmt.Errorf("failed to invalidate listing cache: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *RedisListingCache) Close() error {
	return c.client.Close()
}

// MemoryListingCache is an in-process LRU with expiry.
type MemoryListingCache struct {
	store gcache.Cache
}

func NewMemoryListingCache(size int, ttl time.Duration) *MemoryListingCache {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &MemoryListingCache{
		store: gcache.New(size).LRU().Expiration(ttl).Build(),
	}
}

func (c *MemoryListingCache) GetListing(ctx context.Context, owner string) ([]*ledger.CapsuleRecord, bool, error) {
	v, err := c.store.Get(owner)
	if errors.Is(err, gcache.KeyNotFoundError) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read listing cache: %w", err)
	}
	return cloneRecords(v.([]*ledger.CapsuleRecord)), true, nil
}

func (c *MemoryListingCache) SetListing(ctx context.Context, owner string, records []*ledger.CapsuleRecord) error {
	return c.store.Set(owner, cloneRecords(records))
}

func (c *MemoryListingCache) InvalidateOwner(ctx context.Context, owner string) error {
	c.store.Remove(owner)
	return nil
}

func (c *MemoryListingCache) Close() error {
	c.store.Purge()
	return nil
}

func cloneRecords(in []*ledger.CapsuleRecord) []*ledger.CapsuleRecord {
	out := make([]*ledger.CapsuleRecord, len(in))
	for i, r := range in {
		cp := *r
		if r.Geofence != nil {
			g := *r.Geofence
			cp.Geofence = &g
		}
		out[i] = &cp
	}
	return out
}

// NoOpListingCache never hits (when caching is disabled)
type NoOpListingCache struct{}

func NewNoOpListingCache() *NoOpListingCache {
	return &NoOpListingCache{}
}

func (NoOpListingCache) GetListing(context.Context, string) ([]*ledger.CapsuleRecord, bool, error) {
	return nil, false, nil
}

func (NoOpListingCache) SetListing(context.Context, string, []*ledger.CapsuleRecord) error {
	return nil
}

func (NoOpListingCache) InvalidateOwner(context.Context, string) error {
	return nil
}

func (NoOpListingCache) Close() error {
	return nil
}

// Config selects and sizes a ListingCache.
type Config struct {
	Type    string
	TTL     time.Duration
	MaxSize int
	Redis   RedisCacheConfig
}

// New builds the cache named by cfg.Type.
func New(cfg Config) (ListingCache, error) {
	switch cfg.Type {
	case TypeNone, "":
		return NewNoOpListingCache(), nil
	case TypeMemory:
		return NewMemoryListingCache(cfg.MaxSize, cfg.TTL), nil
	case TypeRedis:
		rc := cfg.Redis
		if rc.TTL <= 0 {
			rc.TTL = cfg.TTL
		}
		return NewRedisListingCache(rc)
	default:
		return nil, fmt.Errorf("unknown cache type %q", cfg.Type)
	}
}
