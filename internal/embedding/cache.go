package embedding

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trapias/memoria/internal/observability"
)

// Cache is the embedding cache. Keys are derived from normalized text,
// model identifier, and dimension so that a model or dimension change never
// returns a stale vector for the new configuration.
type Cache interface {
	Get(ctx context.Context, text, modelID string, dimension int) ([]float32, bool)
	Put(ctx context.Context, text, modelID string, dimension int, vector []float32) error
	Touch(ctx context.Context, text, modelID string, dimension int)
	Size(ctx context.Context) int
	Evict(ctx context.Context, n int) int
}

// NormalizeKey strips leading/trailing whitespace and a known role prefix,
// preserving internal whitespace, then derives the cache key as
// hash(normalized_text) ⊕ model_id ⊕ dimension.
func NormalizeKey(text, modelID string, dimension int, rolePrefixes map[string]string) string {
	t := strings.TrimSpace(text)
	for _, prefix := range rolePrefixes {
		if prefix != "" && strings.HasPrefix(t, prefix) {
			t = strings.TrimPrefix(t, prefix)
			break
		}
	}
	sum := sha256.Sum256([]byte(t))
	return fmt.Sprintf("%s:%s:%d", hex.EncodeToString(sum[:]), modelID, dimension)
}

type cacheEntry struct {
	vector     []float32
	dimension  int
	lastUsedAt time.Time
}

// MemoryCache is an in-process LRU-bounded cache, used when the cache is
// enabled and no Redis address is configured. Safe for concurrent use; lost
// updates under races are acceptable since the value is a pure function of
// the key.
type MemoryCache struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
}

type lruItem struct {
	key   string
	entry cacheEntry
}

// NewMemoryCache builds a bounded in-memory cache. maxEntries <= 0 means
// unbounded.
func NewMemoryCache(maxEntries int) *MemoryCache {
	return &MemoryCache{
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

func (c *MemoryCache) Get(_ context.Context, text, modelID string, dimension int) ([]float32, bool) {
	key := NormalizeKey(text, modelID, dimension, nil)
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	item := el.Value.(*lruItem)
	if item.entry.dimension != dimension {
		return nil, false
	}
	c.order.MoveToFront(el)
	out := make([]float32, len(item.entry.vector))
	copy(out, item.entry.vector)
	return out, true
}

func (c *MemoryCache) Put(_ context.Context, text, modelID string, dimension int, vector []float32) error {
	key := NormalizeKey(text, modelID, dimension, nil)
	cp := make([]float32, len(vector))
	copy(cp, vector)

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		item := el.Value.(*lruItem)
		item.entry = cacheEntry{vector: cp, dimension: dimension, lastUsedAt: time.Now().UTC()}
		c.order.MoveToFront(el)
		return nil
	}
	el := c.order.PushFront(&lruItem{key: key, entry: cacheEntry{vector: cp, dimension: dimension, lastUsedAt: time.Now().UTC()}})
	c.entries[key] = el
	if c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		c.evictLocked(len(c.entries) - c.maxEntries)
	}
	return nil
}

func (c *MemoryCache) Touch(_ context.Context, text, modelID string, dimension int) {
	key := NormalizeKey(text, modelID, dimension, nil)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*lruItem).entry.lastUsedAt = time.Now().UTC()
		c.order.MoveToFront(el)
	}
}

func (c *MemoryCache) Size(context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) Evict(_ context.Context, n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked(n)
}

func (c *MemoryCache) evictLocked(n int) int {
	evicted := 0
	for i := 0; i < n; i++ {
		back := c.order.Back()
		if back == nil {
			break
		}
		item := back.Value.(*lruItem)
		delete(c.entries, item.key)
		c.order.Remove(back)
		evicted++
	}
	return evicted
}

// RedisCache persists cache entries in Redis so they survive process
// restart, as JSON values written without an expiry. Recency is tracked in
// the "embcache:lru" sorted set (scored by last-use time); Put trims the
// cache to maxEntries through Evict, which picks the oldest members with
// ZRANGE and removes them with DEL+ZREM.
type RedisCache struct {
	client     redis.UniversalClient
	maxEntries int
	ttl        time.Duration
}

// NewRedisCache builds a Redis-backed cache. addr == "" disables it
// (nil, nil is returned).
func NewRedisCache(addr string, db int, maxEntries int) (*RedisCache, error) {
	if addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis embedding cache ping: %w", err)
	}
	return &RedisCache{client: client, maxEntries: maxEntries}, nil
}

type redisValue struct {
	Vector     []float32 `json:"vector"`
	Dimension  int       `json:"dimension"`
	LastUsedAt time.Time `json:"last_used_at"`
}

func (c *RedisCache) key(text, modelID string, dimension int) string {
	return "embcache:" + NormalizeKey(text, modelID, dimension, nil)
}

func (c *RedisCache) Get(ctx context.Context, text, modelID string, dimension int) ([]float32, bool) {
	log := observability.LoggerWithTrace(ctx)
	key := c.key(text, modelID, dimension)
	raw, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("key", key).Msg("embedding_cache_get_error")
		}
		return nil, false
	}
	var v redisValue
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("embedding_cache_unmarshal_error")
		return nil, false
	}
	if v.Dimension != dimension {
		return nil, false
	}
	_ = c.client.ZAdd(ctx, "embcache:lru", redis.Z{Score: float64(time.Now().UnixNano()), Member: key}).Err()
	return v.Vector, true
}

func (c *RedisCache) Put(ctx context.Context, text, modelID string, dimension int, vector []float32) error {
	key := c.key(text, modelID, dimension)
	data, err := json.Marshal(redisValue{Vector: vector, Dimension: dimension, LastUsedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return err
	}
	if err := c.client.ZAdd(ctx, "embcache:lru", redis.Z{Score: float64(time.Now().UnixNano()), Member: key}).Err(); err != nil {
		return err
	}
	if c.maxEntries > 0 {
		c.Evict(ctx, c.maxEntries)
	}
	return nil
}

func (c *RedisCache) Touch(ctx context.Context, text, modelID string, dimension int) {
	key := c.key(text, modelID, dimension)
	_ = c.client.ZAdd(ctx, "embcache:lru", redis.Z{Score: float64(time.Now().UnixNano()), Member: key}).Err()
}

func (c *RedisCache) Size(ctx context.Context) int {
	n, _ := c.client.ZCard(ctx, "embcache:lru").Result()
	return int(n)
}

// Evict trims the cache down to n entries, removing the least-recently-used
// keys first.
func (c *RedisCache) Evict(ctx context.Context, n int) int {
	total, err := c.client.ZCard(ctx, "embcache:lru").Result()
	if err != nil || int(total) <= n {
		return 0
	}
	toRemove := int(total) - n
	keys, err := c.client.ZRange(ctx, "embcache:lru", 0, int64(toRemove)-1).Result()
	if err != nil || len(keys) == 0 {
		return 0
	}
	pipe := c.client.Pipeline()
	for _, k := range keys {
		pipe.Del(ctx, k)
		pipe.ZRem(ctx, "embcache:lru", k)
	}
	_, _ = pipe.Exec(ctx)
	return len(keys)
}

func (c *RedisCache) Close() error { return c.client.Close() }
