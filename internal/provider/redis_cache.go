package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "YieldScout/internal/errors"
)

// RedisCacheConfig 描述数据源缓存所用的 Redis 连接。
type RedisCacheConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisCache 使用 Redis 字符串键保存数据源响应。
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache 创建 Redis 缓存并检查连通性。
func NewRedisCache(ctx context.Context, cfg RedisCacheConfig) (*RedisCache, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 缓存失败")
	}
	return &RedisCache{client: client, prefix: cfg.KeyPrefix}, nil
}

func (c *RedisCache) fullKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}

// Get 实现 Cache 接口。
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := c.client.Get(ctx, c.fullKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, xerrors.Wrap(xerrors.CodeCacheFailure, err, fmt.Sprintf("读取缓存 %s 失败", key))
	}
	return payload, true, nil
}

// Set 实现 Cache 接口。
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.fullKey(key), value, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, fmt.Sprintf("写入缓存 %s 失败", key))
	}
	return nil
}

// Close 关闭 Redis 连接。
func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

var _ Cache = (*RedisCache)(nil)
