package middlewares

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	logger "github.com/Gopher0727/Nyx/middleware/log"
)

const HeaderRequestID = "X-Request-ID"

// TraceMiddleware 为每个请求分配 trace id 并记录访问日志
func TraceMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(HeaderRequestID)
		if traceID == "" {
			traceID = logger.NewTraceID()
		}
		ctx := logger.WithTraceID(c.Request.Context(), traceID)
		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderRequestID, traceID)

		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		reqLog := log
		if uid := CurrentUserID(c); uid != "" {
			reqLog = log.WithFields(logger.UserID(uid))
		}
		// 失败请求按级别记录; 成功的写请求记 Info, 读请求记 Debug
		switch status := c.Writer.Status(); {
		case status >= 500:
			reqLog.ErrorContext(ctx, "request", fields...)
		case status >= 400:
			reqLog.WarnContext(ctx, "request", fields...)
		case c.Request.Method != "GET" && c.Request.Method != "HEAD":
			reqLog.InfoContext(ctx, "request", fields...)
		default:
			reqLog.DebugContext(ctx, "request", fields...)
		}
	}
}
