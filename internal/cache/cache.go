package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aihub/docindex/internal/metrics"
)

// Cache is a byte-oriented key/value store with per-key TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// IndexGenerationKey holds a token that changes every time a document enters
// or leaves the indexed state. Query results are cached under the current
// token, so a change makes every earlier entry unreachable.
const IndexGenerationKey = "index:generation"

// BestEffort wraps a Cache so that failures never reach the caller: errors
// are logged at debug level and treated as misses.
type BestEffort struct {
	inner   Cache
	name    string
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewBestEffort 创建尽力而为的缓存包装。inner 为 nil 时所有操作都是空操作。
func NewBestEffort(inner Cache, name string, m *metrics.Metrics, logger *zap.Logger) *BestEffort {
	return &BestEffort{inner: inner, name: name, metrics: m, logger: logger}
}

// Get 读取缓存，错误视为未命中
func (c *BestEffort) Get(ctx context.Context, key string) ([]byte, bool) {
	if c == nil || c.inner == nil {
		return nil, false
	}
	value, ok, err := c.inner.Get(ctx, key)
	if err != nil {
		c.logger.Debug("cache get failed", zap.String("cache", c.name), zap.String("key", key), zap.Error(err))
		c.metrics.CacheRequests.WithLabelValues(c.name, "error").Inc()
		return nil, false
	}
	if !ok {
		c.metrics.CacheRequests.WithLabelValues(c.name, "miss").Inc()
		return nil, false
	}
	c.metrics.CacheRequests.WithLabelValues(c.name, "hit").Inc()
	return value, true
}

// Set 写入缓存，错误仅记录日志
func (c *BestEffort) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if c == nil || c.inner == nil {
		return
	}
	if err := c.inner.Set(ctx, key, value, ttl); err != nil {
		c.logger.Debug("cache set failed", zap.String("cache", c.name), zap.String("key", key), zap.Error(err))
	}
}

// Delete 删除缓存键
func (c *BestEffort) Delete(ctx context.Context, keys ...string) {
	if c == nil || c.inner == nil || len(keys) == 0 {
		return
	}
	if err := c.inner.Delete(ctx, keys...); err != nil {
		c.logger.Debug("cache delete failed", zap.String("cache", c.name), zap.Strings("keys", keys), zap.Error(err))
	}
}

// GetJSON decodes a cached JSON value into out. Undecodable entries count as misses.
func (c *BestEffort) GetJSON(ctx context.Context, key string, out interface{}) bool {
	data, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Debug("cache entry undecodable", zap.String("cache", c.name), zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// SetJSON 以JSON格式写入缓存
func (c *BestEffort) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Debug("cache value not encodable", zap.String("cache", c.name), zap.Error(err))
		return
	}
	c.Set(ctx, key, data, ttl)
}

// Generation returns the token stored under key, creating one when absent.
// ok is false when the cache cannot be read; callers must then neither read
// nor write entries derived from the token.
func (c *BestEffort) Generation(ctx context.Context, key string) (string, bool) {
	if c == nil || c.inner == nil {
		return "", false
	}
	value, found, err := c.inner.Get(ctx, key)
	if err != nil {
		c.logger.Debug("cache generation unreadable", zap.String("cache", c.name), zap.String("key", key), zap.Error(err))
		return "", false
	}
	if found && len(value) > 0 {
		return string(value), true
	}
	token := uuid.NewString()
	if err := c.inner.Set(ctx, key, []byte(token), 0); err != nil {
		c.logger.Debug("cache generation not stored", zap.String("cache", c.name), zap.String("key", key), zap.Error(err))
		return "", false
	}
	return token, true
}

// BumpGeneration replaces the token under key with a fresh one.
func (c *BestEffort) BumpGeneration(ctx context.Context, key string) {
	c.Set(ctx, key, []byte(uuid.NewString()), 0)
}
