package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"YieldScout/internal/domain"
	"YieldScout/pkg/logger"
)

type decorated struct {
	inner Adapter
}

func (d decorated) ID() string                    { return d.inner.ID() }
func (d decorated) Covers(protocolID string) bool { return d.inner.Covers(protocolID) }

// Close forwards to the wrapped adapter when it owns resources.
func (d decorated) Close() error {
	if closer, ok := d.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Unwrap returns the wrapped adapter.
func (d decorated) Unwrap() Adapter { return d.inner }

type rateLimited struct {
	decorated
	limiter *rate.Limiter
}

// WithRateLimit blocks each Fetch until the token bucket admits it.
func WithRateLimit(adapter Adapter, limit rate.Limit, burst int) Adapter {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimited{decorated: decorated{inner: adapter}, limiter: rate.NewLimiter(limit, burst)}
}

func (r *rateLimited) Fetch(ctx context.Context, scope domain.ScopeEntry) ([]domain.RawRecord, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, LimitFailure(ctx, r.ID(), err)
	}
	return r.inner.Fetch(ctx, scope)
}

// Cache 是数据源响应的共享缓存。未命中时返回 (nil, false, nil)。
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type cached struct {
	decorated
	cache Cache
	ttl   time.Duration
}

// WithCache serves repeated fetches for the same scope from cache within ttl.
// Cache errors never fail a fetch; the adapter is called instead.
func WithCache(adapter Adapter, cache Cache, ttl time.Duration) Adapter {
	return &cached{decorated: decorated{inner: adapter}, cache: cache, ttl: ttl}
}

func (c *cached) key(scope domain.ScopeEntry) string {
	n := scope.Normalize()
	return fmt.Sprintf("%s:%s:%s", c.ID(), n.ProtocolID, n.PoolID)
}

func (c *cached) Fetch(ctx context.Context, scope domain.ScopeEntry) ([]domain.RawRecord, error) {
	key := c.key(scope)
	if payload, ok, err := c.cache.Get(ctx, key); err != nil {
		logger.L().Warn("读取数据源缓存失败", slog.String("provider", c.ID()), slog.Any("error", err))
	} else if ok {
		var records []domain.RawRecord
		if err := json.Unmarshal(payload, &records); err == nil {
			return records, nil
		}
		logger.L().Warn("数据源缓存内容损坏", slog.String("provider", c.ID()), slog.String("key", key))
	}

	records, err := c.inner.Fetch(ctx, scope)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return records, nil
	}
	if err := c.cache.Set(ctx, key, payload, c.ttl); err != nil {
		logger.L().Warn("写入数据源缓存失败", slog.String("provider", c.ID()), slog.Any("error", err))
	}
	return records, nil
}
