package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Nyx/internal/apperr"
	"github.com/Gopher0727/Nyx/internal/middlewares"
	"github.com/Gopher0727/Nyx/internal/views"
)

// ChatAnnouncer 把新建的会话推送给参与者的在线连接
type ChatAnnouncer interface {
	AnnounceChat(ctx context.Context, chat *views.ChatCreated)
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": data})
}

// fail 按错误类别返回状态码, 存储错误只返回通用信息
func fail(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{
		"success": false,
		"error":   apperr.Message(err),
		"code":    apperr.Code(err),
	})
}

func badRequest(c *gin.Context, err error) {
	fail(c, fmt.Errorf("%w: %v", apperr.ErrValidation, err))
}

// authorize 已认证的请求只能操作自己的资源; 未启用认证时放行
func authorize(c *gin.Context, userID string) error {
	caller := middlewares.CurrentUserID(c)
	if caller != "" && caller != userID {
		return fmt.Errorf("%w: cannot act on behalf of another user", apperr.ErrForbidden)
	}
	return nil
}
