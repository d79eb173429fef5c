// Package cache memoizes assembled answers keyed by a fingerprint of the
// query, agent, and generation options. It layers a local LRU over an
// optional Redis tier; every cache failure degrades to a miss or no-op so
// the pipeline never fails because of the cache.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dabbishpuppy/react.chatastic.ai-sub002/llm"
)

// Citation names one source that contributed to a cached answer.
type Citation struct {
	SourceID   string `json:"source_id"`
	Title      string `json:"title"`
	SourceType string `json:"source_type,omitempty"`
}

// Entry is one cached answer.
type Entry struct {
	AgentID   string        `json:"agent_id"`
	Answer    string        `json:"answer"`
	Citations []Citation    `json:"citations,omitempty"`
	Usage     llm.ChatUsage `json:"usage"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	HitCount  int           `json:"hit_count"`
}

// FingerprintOptions is the option subset that makes two otherwise equal
// queries distinct answers.
type FingerprintOptions struct {
	Provider      string  `json:"provider,omitempty"`
	Model         string  `json:"model,omitempty"`
	Temperature   float32 `json:"temperature,omitempty"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
	ContextWindow int     `json:"context_window,omitempty"`
}

// Fingerprint derives the cache key for one (agent, query, options) triple.
func Fingerprint(agentID, query string, opts FingerprintOptions) string {
	data, _ := json.Marshal(struct {
		AgentID string             `json:"agent_id"`
		Query   string             `json:"query"`
		Options FingerprintOptions `json:"options"`
	}{AgentID: agentID, Query: query, Options: opts})
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])[:32]
}

// Config configures the response cache.
type Config struct {
	LocalMaxSize int           `yaml:"local_max_size" json:"local_max_size"`
	LocalTTL     time.Duration `yaml:"local_ttl" json:"local_ttl"`
	RedisTTL     time.Duration `yaml:"redis_ttl" json:"redis_ttl"`
	EnableRedis  bool          `yaml:"enable_redis" json:"enable_redis"`
}

// DefaultConfig returns the cache defaults.
func DefaultConfig() Config {
	return Config{
		LocalMaxSize: 1000,
		LocalTTL:     15 * time.Minute,
		RedisTTL:     time.Hour,
	}
}

// ResponseCache is a two-tier answer cache with per-agent invalidation.
type ResponseCache struct {
	local  *lruCache
	redis  *redis.Client
	cfg    Config
	logger *zap.Logger
}

// NewResponseCache creates a response cache. rdb may be nil for a
// local-only cache.
func NewResponseCache(cfg Config, rdb *redis.Client, logger *zap.Logger) *ResponseCache {
	if cfg.LocalMaxSize <= 0 {
		cfg.LocalMaxSize = DefaultConfig().LocalMaxSize
	}
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = DefaultConfig().LocalTTL
	}
	if cfg.RedisTTL <= 0 {
		cfg.RedisTTL = DefaultConfig().RedisTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponseCache{
		local:  newLRUCache(cfg.LocalMaxSize, cfg.LocalTTL),
		redis:  rdb,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "response_cache")),
	}
}

// Get returns the cached entry for the key, or false on a miss. Redis
// failures are logged and treated as misses.
func (c *ResponseCache) Get(ctx context.Context, key string) (*Entry, bool) {
	if entry, ok := c.local.Get(key); ok {
		return entry, true
	}

	if c.cfg.EnableRedis && c.redis != nil {
		data, err := c.redis.Get(ctx, redisKey(key)).Bytes()
		if err == nil {
			var entry Entry
			if err := json.Unmarshal(data, &entry); err == nil {
				if time.Now().Before(entry.ExpiresAt) {
					c.local.Set(key, &entry)
					return &entry, true
				}
			}
		} else if err != redis.Nil {
			c.logger.Warn("redis get failed, treating as miss", zap.Error(err))
		}
	}

	return nil, false
}

// Set stores an entry under the key. Redis failures are logged, never
// returned.
func (c *ResponseCache) Set(ctx context.Context, key string, entry *Entry) {
	entry.CreatedAt = time.Now()
	entry.ExpiresAt = time.Now().Add(c.cfg.RedisTTL)

	c.local.Set(key, entry)

	if c.cfg.EnableRedis && c.redis != nil {
		data, err := json.Marshal(entry)
		if err != nil {
			return
		}
		pipe := c.redis.Pipeline()
		pipe.Set(ctx, redisKey(key), data, c.cfg.RedisTTL)
		pipe.SAdd(ctx, agentKeySet(entry.AgentID), key)
		pipe.Expire(ctx, agentKeySet(entry.AgentID), c.cfg.RedisTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			c.logger.Warn("redis set failed", zap.Error(err))
		}
	}
}

// Invalidate drops every cached answer for the agent. Called after an
// agent's sources change.
func (c *ResponseCache) Invalidate(ctx context.Context, agentID string) {
	c.local.RemoveAgent(agentID)

	if c.cfg.EnableRedis && c.redis != nil {
		keys, err := c.redis.SMembers(ctx, agentKeySet(agentID)).Result()
		if err != nil {
			c.logger.Warn("redis invalidate failed", zap.Error(err))
			return
		}
		if len(keys) > 0 {
			full := make([]string, 0, len(keys)+1)
			for _, k := range keys {
				full = append(full, redisKey(k))
			}
			full = append(full, agentKeySet(agentID))
			if err := c.redis.Del(ctx, full...).Err(); err != nil {
				c.logger.Warn("redis invalidate failed", zap.Error(err))
			}
		} else {
			_ = c.redis.Del(ctx, agentKeySet(agentID)).Err()
		}
	}
}

func redisKey(key string) string   { return "rag:cache:" + key }
func agentKeySet(id string) string { return "rag:cache:agent:" + id }
