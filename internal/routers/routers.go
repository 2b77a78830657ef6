package routers

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Nyx/config"
	"github.com/Gopher0727/Nyx/internal/handlers"
	"github.com/Gopher0727/Nyx/internal/middlewares"
	"github.com/Gopher0727/Nyx/internal/utils"
	logger "github.com/Gopher0727/Nyx/middleware/log"
	"github.com/Gopher0727/Nyx/utils/ratelimit"
)

// Deps 是路由需要的处理器与中间件依赖
type Deps struct {
	Auth    *handlers.AuthHandler
	Users   *handlers.UserHandler
	Chats   *handlers.ChatHandler
	WS      gin.HandlerFunc
	Health  gin.HandlerFunc
	Authn   middlewares.Authenticator
	Limiter ratelimit.Limiter
	Pool    *utils.WorkerPool
	Log     *logger.Logger
}

// SetupRoutes 设置所有路由
func SetupRoutes(r *gin.Engine, cfg *config.Config, d Deps) {
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", middlewares.HeaderRequestID}
	corsConfig.ExposeHeaders = []string{middlewares.HeaderRequestID}
	r.Use(cors.New(corsConfig))
	r.Use(middlewares.TraceMiddleware(d.Log))

	health := d.Health
	if health == nil {
		health = func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		}
	}
	r.GET("/health", health)

	// WebSocket 必须在 AsyncMiddleware 之前注册, 避免长连接占用 worker
	if d.WS != nil {
		r.GET("/ws", d.WS)
	}

	api := r.Group("/api")
	api.Use(
		middlewares.MaxConcurrencyMiddleware(cfg.RateLimit.MaxConcurrency),
		middlewares.RateLimitMiddleware(d.Limiter, cfg.RateLimit.QPS, d.Log.Logger),
		middlewares.AsyncMiddleware(d.Pool),
		middlewares.TimeoutMiddleware(cfg.Database.QueryTimeout),
	)

	RegisterAuthRoutes(api, d.Auth)

	authed := api.Group("")
	authed.Use(middlewares.AuthMiddleware(d.Authn, cfg.JWT.Required))
	RegisterUserRoutes(authed, d.Users)
	RegisterChatRoutes(authed, d.Chats)
}

func RegisterAuthRoutes(r *gin.RouterGroup, h *handlers.AuthHandler) {
	g := r.Group("/auth")
	{
		g.POST("/register", h.Register)
		g.POST("/login", h.Login)
		g.POST("/refresh", h.Refresh)
		g.POST("/logout", h.Logout)
	}
}

func RegisterUserRoutes(r *gin.RouterGroup, h *handlers.UserHandler) {
	g := r.Group("/users")
	{
		g.GET("/search/:query", h.Search)
		g.GET("/:id", h.GetUser)
		g.PATCH("/:id", h.UpdateUser)
		g.GET("/:id/presence", h.Presence)
		g.GET("/:id/contacts", h.ListContacts)
		g.POST("/:id/contacts", h.AddContact)
	}
}

func RegisterChatRoutes(r *gin.RouterGroup, h *handlers.ChatHandler) {
	g := r.Group("/chats")
	{
		g.POST("/private", h.CreatePrivate)
		g.POST("/group", h.CreateGroup)
		g.GET("/user/:userId", h.ListForUser)
		g.GET("/:chatId/messages", h.Messages)
		g.POST("/:chatId/read", h.MarkRead)
	}
}
