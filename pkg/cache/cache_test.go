package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/verisimdb/verisimdb/pkg/log"
)

func init() {
	log.Init(log.Config{Verbosity: log.Silent})
}

// newLayeredCache builds a cache with all three layers backed by miniredis
// and a temp bolt file.
func newLayeredCache(t *testing.T) *Cache {
	t.Helper()

	mr := miniredis.RunT(t)
	db, err := bolt.Open(filepath.Join(t.TempDir(), "cache.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c, err := New(Options{
		L1Entries: 16,
		Redis:     redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		BoltDB:    db,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutGetAllLayers(t *testing.T) {
	c := newLayeredCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k1", []byte("v1"), time.Minute, []string{"hexad:ent-1"}, AllLayers))

	e, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), e.Value)

	s := c.Stats()
	assert.Equal(t, uint64(1), s.L1Hits)
}

func TestGetPromotesTowardL1(t *testing.T) {
	c := newLayeredCache(t)
	ctx := context.Background()

	// Written to L3 only; the first read promotes it into L1.
	require.NoError(t, c.Put(ctx, "deep", []byte("v"), time.Minute, nil, L3))

	_, ok := c.Get(ctx, "deep")
	require.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().L3Hits)

	_, ok = c.Get(ctx, "deep")
	require.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().L1Hits)
}

func TestL2RoundTrip(t *testing.T) {
	c := newLayeredCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "mid", []byte("v"), time.Minute, nil, L2))

	_, ok := c.Get(ctx, "mid")
	require.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().L2Hits)
}

func TestTTLExpiry(t *testing.T) {
	c := newLayeredCache(t)
	ctx := context.Background()

	now := time.Now()
	c.now = func() time.Time { return now }
	require.NoError(t, c.Put(ctx, "short", []byte("v"), time.Second, nil, L1))

	now = now.Add(2 * time.Second)
	_, ok := c.Get(ctx, "short")
	assert.False(t, ok)
}

func TestInvalidateKeyRemovesEverywhere(t *testing.T) {
	c := newLayeredCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("v"), time.Minute, nil, AllLayers))
	c.Invalidate(ctx, "k")

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestInvalidateTagRemovesFromAllLayers(t *testing.T) {
	c := newLayeredCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "a", []byte("1"), time.Minute, []string{"hexad:ent-1", "modality:document"}, AllLayers))
	require.NoError(t, c.Put(ctx, "b", []byte("2"), time.Minute, []string{"hexad:ent-1"}, AllLayers))
	require.NoError(t, c.Put(ctx, "c", []byte("3"), time.Minute, []string{"hexad:ent-2"}, AllLayers))

	c.InvalidateTag(ctx, "hexad:ent-1")

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok, "tagged entry must not be readable from any layer")
	_, ok = c.Get(ctx, "b")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "c")
	assert.True(t, ok, "entry without the invalidated tag survives")
}

func TestLRUEvictionUnderBudget(t *testing.T) {
	c, err := New(Options{L1Entries: 128, BudgetBytes: 64})
	require.NoError(t, err)

	ctx := context.Background()
	payload := make([]byte, 30)
	require.NoError(t, c.Put(ctx, "a", payload, time.Minute, nil, L1))
	require.NoError(t, c.Put(ctx, "b", payload, time.Minute, nil, L1))
	require.NoError(t, c.Put(ctx, "c", payload, time.Minute, nil, L1))

	s := c.Stats()
	assert.Greater(t, s.Evictions, uint64(0), "eviction count must be visible in statistics")
	assert.LessOrEqual(t, s.L1SizeBytes, int64(64))

	// The oldest entry went first.
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
}

func TestStatsString(t *testing.T) {
	c, err := New(Options{L1Entries: 4})
	require.NoError(t, err)
	require.NoError(t, c.Put(context.Background(), "k", []byte("v"), 0, nil, L1))
	assert.Contains(t, c.Stats().String(), "l1=1")
}
