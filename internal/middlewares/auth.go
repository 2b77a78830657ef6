package middlewares

import (
	"context"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Nyx/internal/apperr"
	jwtpkg "github.com/Gopher0727/Nyx/middleware/jwt"
)

const ctxUserID = "user_id"

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*jwtpkg.Claims, error)
}

// BearerToken 从 Authorization 头或 ?token= 中取出 token
func BearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return c.Query("token")
}

// CurrentUserID 未认证时为空
func CurrentUserID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

// AuthMiddleware 校验 token 与会话. required 为 false 时没有 token 的请求放行,
// 但携带了无效 token 的请求仍被拒绝
func AuthMiddleware(auth Authenticator, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			if required {
				abort(c, fmt.Errorf("%w: missing token", apperr.ErrUnauthorized))
				return
			}
			c.Next()
			return
		}

		claims, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			abort(c, err)
			return
		}
		c.Set(ctxUserID, claims.UserID)
		c.Next()
	}
}

func abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(apperr.HTTPStatus(err), gin.H{
		"success": false,
		"error":   apperr.Message(err),
		"code":    apperr.Code(err),
	})
}
