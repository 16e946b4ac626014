package main

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheConfig holds cache settings
type CacheConfig struct {
	RedisURL    string
	EnableRedis bool
	DefaultTTL  time.Duration
	KeyPrefix   string
}

type memEntry struct {
	data    []byte
	expires time.Time
}

// Cache stores computed views in Redis, or in process memory when Redis is off or unreachable.
type Cache struct {
	redis      *redis.Client
	prefix     string
	defaultTTL time.Duration

	mu  sync.RWMutex
	mem map[string]memEntry
}

// NewCache connects to Redis when enabled; a failed ping falls back to memory.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "traffic:"
	}
	c := &Cache{
		prefix:     cfg.KeyPrefix,
		defaultTTL: cfg.DefaultTTL,
		mem:        make(map[string]memEntry),
	}

	if cfg.EnableRedis && cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Printf("[CACHE] invalid REDIS_URL, using in-memory cache: %v", err)
			return c
		}
		client := redis.NewClient(opt)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("[CACHE] redis unreachable, using in-memory cache: %v", err)
			client.Close()
			return c
		}
		c.redis = client
		log.Printf("[CACHE] using redis at %s", opt.Addr)
		return c
	}
	log.Printf("[CACHE] using in-memory cache")
	return c
}

// Backend names the active store
func (c *Cache) Backend() string {
	if c.redis != nil {
		return "redis"
	}
	return "memory"
}

// Get decodes the cached value into dst and reports a hit.
func (c *Cache) Get(ctx context.Context, key string, dst interface{}) bool {
	var raw []byte
	if c.redis != nil {
		b, err := c.redis.Get(ctx, c.prefix+key).Bytes()
		if err != nil {
			if err != redis.Nil {
				log.Printf("[CACHE] redis get %s failed: %v", key, err)
			}
			return false
		}
		raw = b
	} else {
		c.mu.RLock()
		e, ok := c.mem[key]
		c.mu.RUnlock()
		if !ok || time.Now().After(e.expires) {
			return false
		}
		raw = e.data
	}
	return json.Unmarshal(raw, dst) == nil
}

// Set stores v as JSON; ttl <= 0 uses the default.
func (c *Cache) Set(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if c.redis != nil {
		return c.redis.Set(ctx, c.prefix+key, b, ttl).Err()
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	// drop expired entries while we hold the lock; keys include the snapshot version
	// so old views pile up at poll rate otherwise
	for k, e := range c.mem {
		if now.After(e.expires) {
			delete(c.mem, k)
		}
	}
	c.mem[key] = memEntry{data: b, expires: now.Add(ttl)}
	return nil
}

// Close releases the Redis connection
func (c *Cache) Close() error {
	if c.redis != nil {
		return c.redis.Close()
	}
	return nil
}
