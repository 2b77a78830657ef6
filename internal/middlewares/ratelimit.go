package middlewares

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/Nyx/internal/apperr"
	"github.com/Gopher0727/Nyx/utils/ratelimit"
)

// RateLimitMiddleware 按客户端 IP 限流, 每秒最多 qps 个请求. qps<=0 时不限流
func RateLimitMiddleware(limiter ratelimit.Limiter, qps int, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || qps <= 0 {
			c.Next()
			return
		}
		allowed, err := limiter.Allow(c.Request.Context(), "ip:"+c.ClientIP(), qps, time.Second)
		if err != nil && log != nil {
			log.Warn("rate limiter failed", zap.String("ip", c.ClientIP()), zap.Error(err))
		}
		if !allowed && err == nil {
			abort(c, fmt.Errorf("%w: too many requests", apperr.ErrRateLimited))
			return
		}
		c.Next()
	}
}

// MaxConcurrencyMiddleware 限制同时处理的请求数量, 超出时直接拒绝
func MaxConcurrencyMiddleware(maxConcurrent int) gin.HandlerFunc {
	if maxConcurrent <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	// 带缓冲的 channel 作为信号量
	sem := make(chan struct{}, maxConcurrent)

	return func(c *gin.Context) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			c.Next()
		default:
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"error":   "too many concurrent requests",
				"code":    "unavailable",
			})
		}
	}
}

// TimeoutMiddleware 为请求上下文设置超时, 存储调用随之取消. d<=0 时不设置
func TimeoutMiddleware(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
