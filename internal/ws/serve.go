package ws

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func (h *Hub) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  h.opts.ReadBufferSize,
		WriteBufferSize: h.opts.WriteBufferSize,
		// 跨域由 CORS 中间件控制, 端到端加密的内容不依赖 Origin
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// ServeWS 升级连接并启动读写协程. 客户端随后发送 auth 事件完成认证
func (h *Hub) ServeWS(c *gin.Context) {
	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "server is shutting down"})
		return
	default:
	}

	conn, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn)
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	h.log.Debug("client connected", zap.String("connId", client.id), zap.String("remote", c.ClientIP()))

	go client.writePump()
	go client.readPump()
}
