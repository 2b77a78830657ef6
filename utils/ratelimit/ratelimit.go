// Package ratelimit 提供固定窗口限流: Redis 实现用于多节点共享计数,
// 内存实现用于未启用 Redis 的单节点部署
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter 限流器接口
type Limiter interface {
	// Allow 检查 key 在 window 内是否还允许一次请求
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	AllowN(ctx context.Context, key string, n, limit int, window time.Duration) (bool, error)
	Remaining(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

const keyPrefix = "nyx:ratelimit:"

// RedisLimiter 基于 INCRBY + EXPIRE 的固定窗口计数
type RedisLimiter struct {
	client *redis.Client
	logger *zap.Logger
	// failOpen 为 true 时 Redis 故障放行请求
	failOpen bool
	now      func() time.Time
}

func NewRedisLimiter(client *redis.Client, logger *zap.Logger, failOpen bool) *RedisLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{client: client, logger: logger, failOpen: failOpen, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return l.AllowN(ctx, key, 1, limit, window)
}

func (l *RedisLimiter) AllowN(ctx context.Context, key string, n, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	bucket := bucketKey(key, l.now(), window)

	pipe := l.client.Pipeline()
	incr := pipe.IncrBy(ctx, bucket, int64(n))
	pipe.Expire(ctx, bucket, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Error("rate limit check failed", zap.String("key", bucket), zap.Error(err))
		if l.failOpen {
			return true, nil
		}
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	if incr.Val() > int64(limit) {
		l.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", incr.Val()),
			zap.Int("limit", limit),
		)
		return false, nil
	}
	return true, nil
}

func (l *RedisLimiter) Remaining(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	count, err := l.client.Get(ctx, bucketKey(key, l.now(), window)).Int()
	if errors.Is(err, redis.Nil) {
		return limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get remaining tokens: %w", err)
	}
	return max(limit-count, 0), nil
}

func bucketKey(key string, now time.Time, window time.Duration) string {
	w := max(window.Milliseconds(), 1)
	return fmt.Sprintf("%s%s:%d", keyPrefix, key, now.UnixMilli()/w)
}

// MemoryLimiter 进程内固定窗口计数
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
	now     func() time.Time
}

type memBucket struct {
	window int64
	count  int
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{buckets: make(map[string]*memBucket), now: time.Now}
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return l.AllowN(ctx, key, 1, limit, window)
}

func (l *MemoryLimiter) AllowN(_ context.Context, key string, n, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketLocked(key, window)
	b.count += n
	return b.count <= limit, nil
}

func (l *MemoryLimiter) Remaining(_ context.Context, key string, limit int, window time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return max(limit-l.bucketLocked(key, window).count, 0), nil
}

func (l *MemoryLimiter) bucketLocked(key string, window time.Duration) *memBucket {
	idx := l.now().UnixMilli() / max(window.Milliseconds(), 1)
	b, ok := l.buckets[key]
	if !ok || b.window != idx {
		// 窗口切换时顺带清理过期桶, 防止 map 无限增长
		if len(l.buckets) > 10000 {
			for k, old := range l.buckets {
				if old.window != idx {
					delete(l.buckets, k)
				}
			}
		}
		b = &memBucket{window: idx}
		l.buckets[key] = b
	}
	return b
}
