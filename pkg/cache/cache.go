package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"

	"github.com/verisimdb/verisimdb/pkg/log"
)

// Layer selects cache layers for writes.
type Layer int

const (
	L1 Layer = 1 << iota // hot, in-process
	L2                   // inter-process within a node (redis)
	L3                   // persisted on the temporal store (bolt)

	AllLayers = L1 | L2 | L3
)

// Entry is one cached value with its expiry and invalidation tags.
// Tags follow the forms hexad:<id>, modality:<name>, federation:<pattern>,
// ast, plan, zkp.
type Entry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Size      int64     `json:"size"`
	Tags      []string  `json:"tags,omitempty"`
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Stats is a point-in-time snapshot of per-layer counters.
type Stats struct {
	L1Hits      uint64 `json:"l1_hits"`
	L2Hits      uint64 `json:"l2_hits"`
	L3Hits      uint64 `json:"l3_hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	L1Entries   int    `json:"l1_entries"`
	L1SizeBytes int64  `json:"l1_size_bytes"`
}

// String renders the snapshot for operator surfaces.
func (s Stats) String() string {
	return fmt.Sprintf("l1=%d hits=%d/%d/%d misses=%d evictions=%d size=%s",
		s.L1Entries, s.L1Hits, s.L2Hits, s.L3Hits, s.Misses, s.Evictions,
		humanize.Bytes(uint64(s.L1SizeBytes)))
}

var (
	bucketEntries = []byte("cache_entries")
	bucketTags    = []byte("cache_tags")
)

// Cache is the multi-layer query cache. GET walks L1 -> L2 -> L3 and
// promotes found entries toward L1; PUT writes the requested layers;
// invalidation is by exact key or by tag across every layer.
type Cache struct {
	mu sync.Mutex

	l1     *lru.Cache[string, *Entry]
	l1Tags map[string]map[string]struct{}
	l1Size int64
	budget int64

	rdb *redis.Client
	db  *bolt.DB

	stats Stats
	now   func() time.Time
}

// Options configures optional layers and the L1 memory budget.
type Options struct {
	L1Entries   int
	BudgetBytes int64
	RedisAddr   string        // empty disables L2
	BoltDB      *bolt.DB      // nil disables L3
	Redis       *redis.Client // overrides RedisAddr when set (tests)
}

// New creates the cache. L1 is always present.
func New(opts Options) (*Cache, error) {
	c := &Cache{
		l1Tags: make(map[string]map[string]struct{}),
		budget: opts.BudgetBytes,
		db:     opts.BoltDB,
		now:    time.Now,
	}

	entries := opts.L1Entries
	if entries <= 0 {
		entries = 4096
	}
	l1, err := lru.NewWithEvict[string, *Entry](entries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.l1 = l1

	switch {
	case opts.Redis != nil:
		c.rdb = opts.Redis
	case opts.RedisAddr != "":
		c.rdb = redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
	}

	if c.db != nil {
		err := c.db.Update(func(tx *bolt.Tx) error {
			for _, b := range [][]byte{bucketEntries, bucketTags} {
				if _, err := tx.CreateBucketIfNotExists(b); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create cache buckets: %w", err)
		}
	}
	return c, nil
}

// onEvict maintains the size accounting and tag index when LRU discards
// an entry. Runs with c.mu held (all l1 mutations happen under it).
func (c *Cache) onEvict(key string, e *Entry) {
	c.stats.Evictions++
	c.l1Size -= e.Size
	for _, t := range e.Tags {
		if keys, ok := c.l1Tags[t]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.l1Tags, t)
			}
		}
	}
}

// Get walks the layers and promotes a hit toward L1.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.l1.Get(key); ok {
		if e.expired(now) {
			c.l1.Remove(key)
			c.mu.Unlock()
			return nil, false
		}
		c.stats.L1Hits++
		c.mu.Unlock()
		return e, true
	}
	c.mu.Unlock()

	if e, ok := c.getL2(ctx, key, now); ok {
		c.promote(e)
		c.mu.Lock()
		c.stats.L2Hits++
		c.mu.Unlock()
		return e, true
	}

	if e, ok := c.getL3(key, now); ok {
		c.promote(e)
		c.mu.Lock()
		c.stats.L3Hits++
		c.mu.Unlock()
		return e, true
	}

	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
	return nil, false
}

func (c *Cache) getL2(ctx context.Context, key string, now time.Time) (*Entry, bool) {
	if c.rdb == nil {
		return nil, false
	}
	data, err := c.rdb.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil || e.expired(now) {
		return nil, false
	}
	return &e, true
}

func (c *Cache) getL3(key string, now time.Time) (*Entry, bool) {
	if c.db == nil {
		return nil, false
	}
	var e *Entry
	_ = c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEntries).Get([]byte(key))
		if data == nil {
			return nil
		}
		var decoded Entry
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil
		}
		if !decoded.expired(now) {
			e = &decoded
		}
		return nil
	})
	return e, e != nil
}

// promote installs an entry found in a lower layer into L1.
func (c *Cache) promote(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putL1(e)
}

// Put writes the entry to the requested layers.
func (c *Cache) Put(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string, layers Layer) error {
	now := c.now()
	e := &Entry{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		Size:      int64(len(value) + len(key)),
		Tags:      tags,
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}

	if layers&L1 != 0 {
		c.mu.Lock()
		c.putL1(e)
		c.mu.Unlock()
	}

	if layers&L2 != 0 && c.rdb != nil {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		pipe := c.rdb.Pipeline()
		pipe.Set(ctx, redisKey(key), data, ttl)
		for _, t := range tags {
			pipe.SAdd(ctx, redisTagKey(t), key)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			log.WithComponent("cache").Warn().Err(err).Msg("l2 put failed")
		}
	}

	if layers&L3 != 0 && c.db != nil {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		err = c.db.Update(func(tx *bolt.Tx) error {
			if err := tx.Bucket(bucketEntries).Put([]byte(key), data); err != nil {
				return err
			}
			tb := tx.Bucket(bucketTags)
			for _, t := range tags {
				if err := tb.Put(tagIndexKey(t, key), nil); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("l3 put failed: %w", err)
		}
	}
	return nil
}

// putL1 inserts into L1 and evicts LRU entries until the memory budget
// holds. Caller holds c.mu.
func (c *Cache) putL1(e *Entry) {
	if prev, ok := c.l1.Peek(e.Key); ok {
		c.l1Size -= prev.Size
	}
	c.l1.Add(e.Key, e)
	c.l1Size += e.Size
	for _, t := range e.Tags {
		keys, ok := c.l1Tags[t]
		if !ok {
			keys = make(map[string]struct{})
			c.l1Tags[t] = keys
		}
		keys[e.Key] = struct{}{}
	}
	for c.budget > 0 && c.l1Size > c.budget && c.l1.Len() > 0 {
		c.l1.RemoveOldest()
	}
}

// Invalidate removes an exact key from every layer.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	c.l1.Remove(key)
	c.mu.Unlock()

	if c.rdb != nil {
		c.rdb.Del(ctx, redisKey(key))
	}
	if c.db != nil {
		_ = c.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketEntries).Delete([]byte(key))
		})
	}
}

// InvalidateTag removes every entry carrying the tag from every layer.
func (c *Cache) InvalidateTag(ctx context.Context, tag string) {
	c.mu.Lock()
	for key := range c.l1Tags[tag] {
		c.l1.Remove(key)
	}
	delete(c.l1Tags, tag)
	c.mu.Unlock()

	if c.rdb != nil {
		keys, err := c.rdb.SMembers(ctx, redisTagKey(tag)).Result()
		if err == nil {
			for _, k := range keys {
				c.rdb.Del(ctx, redisKey(k))
			}
			c.rdb.Del(ctx, redisTagKey(tag))
		}
	}

	if c.db != nil {
		_ = c.db.Update(func(tx *bolt.Tx) error {
			tb := tx.Bucket(bucketTags)
			eb := tx.Bucket(bucketEntries)
			cur := tb.Cursor()
			prefix := tagIndexKey(tag, "")
			var stale [][]byte
			for k, _ := cur.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = cur.Next() {
				key := k[len(prefix):]
				if err := eb.Delete(key); err != nil {
					return err
				}
				stale = append(stale, append([]byte(nil), k...))
			}
			for _, k := range stale {
				if err := tb.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
	}
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.L1Entries = c.l1.Len()
	s.L1SizeBytes = c.l1Size
	return s
}

// Close releases the redis connection. The bolt handle is owned by the
// caller.
func (c *Cache) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

func redisKey(key string) string    { return "vs:cache:" + key }
func redisTagKey(tag string) string { return "vs:tag:" + tag }

// tagIndexKey is tag + NUL + key; NUL cannot appear in tags.
func tagIndexKey(tag, key string) []byte {
	out := make([]byte, 0, len(tag)+1+len(key))
	out = append(out, tag...)
	out = append(out, 0)
	out = append(out, key...)
	return out
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
