package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Nyx/internal/middlewares"
	"github.com/Gopher0727/Nyx/internal/services"
)

// AuthHandler 注册, 登录与登出
type AuthHandler struct {
	authService *services.AuthService
}

func NewAuthHandler(authService *services.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

// Register POST /api/auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req services.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := h.authService.Register(c.Request.Context(), &req)
	if err != nil {
		fail(c, err)
		return
	}
	created(c, resp)
}

// Login POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req services.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := h.authService.Login(c.Request.Context(), &req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, resp)
}

// Refresh POST /api/auth/refresh, 使用 Authorization 头中临近过期的 token
func (h *AuthHandler) Refresh(c *gin.Context) {
	resp, err := h.authService.Refresh(c.Request.Context(), middlewares.BearerToken(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, resp)
}

// Logout POST /api/auth/logout, 没有 token 时也返回成功
func (h *AuthHandler) Logout(c *gin.Context) {
	if token := middlewares.BearerToken(c); token != "" {
		if err := h.authService.Logout(c.Request.Context(), token); err != nil {
			fail(c, err)
			return
		}
	}
	ok(c, gin.H{"loggedOut": true})
}
