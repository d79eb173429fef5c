package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFingerprint(t *testing.T) {
	a := Fingerprint("agent-1", "what is the refund policy", FingerprintOptions{Model: "m"})
	b := Fingerprint("agent-1", "what is the refund policy", FingerprintOptions{Model: "m"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	// Any component changing changes the key.
	assert.NotEqual(t, a, Fingerprint("agent-2", "what is the refund policy", FingerprintOptions{Model: "m"}))
	assert.NotEqual(t, a, Fingerprint("agent-1", "what is the return policy", FingerprintOptions{Model: "m"}))
	assert.NotEqual(t, a, Fingerprint("agent-1", "what is the refund policy", FingerprintOptions{Model: "other"}))
	assert.NotEqual(t, a, Fingerprint("agent-1", "what is the refund policy", FingerprintOptions{Model: "m", Temperature: 0.5}))
}

func TestLocalGetSetAndHitCount(t *testing.T) {
	c := NewResponseCache(Config{}, nil, zap.NewNop())
	ctx := context.Background()

	key := Fingerprint("agent-1", "q", FingerprintOptions{})
	_, ok := c.Get(ctx, key)
	assert.False(t, ok)

	c.Set(ctx, key, &Entry{AgentID: "agent-1", Answer: "cached answer"})

	entry, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "cached answer", entry.Answer)
	assert.Equal(t, 1, entry.HitCount)

	entry, ok = c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, 2, entry.HitCount)
}

func TestLocalTTLExpiry(t *testing.T) {
	lru := newLRUCache(10, 20*time.Millisecond)
	lru.Set("k", &Entry{AgentID: "a", Answer: "v"})

	_, ok := lru.Get("k")
	assert.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = lru.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, lru.Len())
}

func TestLocalLRUEviction(t *testing.T) {
	lru := newLRUCache(2, time.Minute)
	lru.Set("a", &Entry{AgentID: "x"})
	lru.Set("b", &Entry{AgentID: "x"})

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := lru.Get("a")
	require.True(t, ok)

	lru.Set("c", &Entry{AgentID: "x"})
	_, ok = lru.Get("b")
	assert.False(t, ok)
	_, ok = lru.Get("a")
	assert.True(t, ok)
	_, ok = lru.Get("c")
	assert.True(t, ok)
}

func TestInvalidateAgent(t *testing.T) {
	c := NewResponseCache(Config{}, nil, zap.NewNop())
	ctx := context.Background()

	k1 := Fingerprint("agent-1", "q1", FingerprintOptions{})
	k2 := Fingerprint("agent-1", "q2", FingerprintOptions{})
	k3 := Fingerprint("agent-2", "q1", FingerprintOptions{})
	c.Set(ctx, k1, &Entry{AgentID: "agent-1", Answer: "a1"})
	c.Set(ctx, k2, &Entry{AgentID: "agent-1", Answer: "a2"})
	c.Set(ctx, k3, &Entry{AgentID: "agent-2", Answer: "a3"})

	c.Invalidate(ctx, "agent-1")

	_, ok := c.Get(ctx, k1)
	assert.False(t, ok)
	_, ok = c.Get(ctx, k2)
	assert.False(t, ok)

	// Other agents keep their entries.
	_, ok = c.Get(ctx, k3)
	assert.True(t, ok)
}

func newRedisCache(t *testing.T) (*ResponseCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := DefaultConfig()
	cfg.EnableRedis = true
	return NewResponseCache(cfg, rdb, zap.NewNop()), mr
}

func TestRedisTier(t *testing.T) {
	c, _ := newRedisCache(t)
	ctx := context.Background()

	key := Fingerprint("agent-1", "q", FingerprintOptions{})
	c.Set(ctx, key, &Entry{AgentID: "agent-1", Answer: "from redis"})

	// Drop the local tier to force a redis round trip.
	c.local = newLRUCache(10, time.Minute)

	entry, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "from redis", entry.Answer)

	// The redis hit repopulated the local tier.
	_, ok = c.local.Get(key)
	assert.True(t, ok)
}

func TestRedisInvalidate(t *testing.T) {
	c, _ := newRedisCache(t)
	ctx := context.Background()

	k1 := Fingerprint("agent-1", "q1", FingerprintOptions{})
	k2 := Fingerprint("agent-2", "q2", FingerprintOptions{})
	c.Set(ctx, k1, &Entry{AgentID: "agent-1", Answer: "a1"})
	c.Set(ctx, k2, &Entry{AgentID: "agent-2", Answer: "a2"})

	c.Invalidate(ctx, "agent-1")
	c.local = newLRUCache(10, time.Minute)

	_, ok := c.Get(ctx, k1)
	assert.False(t, ok)
	_, ok = c.Get(ctx, k2)
	assert.True(t, ok)
}

func TestRedisFailureDegradesToMiss(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()

	key := Fingerprint("agent-1", "q", FingerprintOptions{})
	c.Set(ctx, key, &Entry{AgentID: "agent-1", Answer: "a"})
	c.local = newLRUCache(10, time.Minute)

	mr.Close()

	// Down redis is a miss, not an error; Set and Invalidate are no-ops.
	_, ok := c.Get(ctx, key)
	assert.False(t, ok)
	c.Set(ctx, key, &Entry{AgentID: "agent-1", Answer: "b"})
	c.Invalidate(ctx, "agent-1")
}
