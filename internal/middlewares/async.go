package middlewares

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Nyx/internal/apperr"
	"github.com/Gopher0727/Nyx/internal/utils"
)

// AsyncMiddleware 把请求的后续处理链放到协程池中执行, 以限制同时访问数据库的请求数.
// 当前 goroutine 阻塞等待 worker 完成, 同一时间只有一个 goroutine 操作 gin.Context.
// pool 为 nil 时同步执行
func AsyncMiddleware(pool *utils.WorkerPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if pool == nil {
			c.Next()
			return
		}

		done := make(chan struct{})
		err := pool.Submit(c.Request.Context(), func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					// worker 内的 panic 到不了 gin.Recovery, 在这里返回 500 后交给协程池记录
					if !c.Writer.Written() {
						abort(c, fmt.Errorf("%w: handler panic", apperr.ErrStore))
					}
					panic(r)
				}
			}()
			c.Next()
		})
		if err != nil {
			if errors.Is(err, utils.ErrPoolStopped) {
				abort(c, fmt.Errorf("%w: server is shutting down", apperr.ErrRateLimited))
			} else {
				// 客户端在排队期间断开
				c.Abort()
			}
			return
		}
		<-done
	}
}
