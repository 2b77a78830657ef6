package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Gopher0727/Nyx/config"
	"github.com/Gopher0727/Nyx/internal/handlers"
	"github.com/Gopher0727/Nyx/internal/pipeline"
	"github.com/Gopher0727/Nyx/internal/presence"
	"github.com/Gopher0727/Nyx/internal/relay"
	"github.com/Gopher0727/Nyx/internal/repositories"
	"github.com/Gopher0727/Nyx/internal/rooms"
	"github.com/Gopher0727/Nyx/internal/routers"
	"github.com/Gopher0727/Nyx/internal/rpc"
	"github.com/Gopher0727/Nyx/internal/services"
	"github.com/Gopher0727/Nyx/internal/storage"
	"github.com/Gopher0727/Nyx/internal/utils"
	"github.com/Gopher0727/Nyx/internal/ws"
	jwtpkg "github.com/Gopher0727/Nyx/middleware/jwt"
	logger "github.com/Gopher0727/Nyx/middleware/log"
	"github.com/Gopher0727/Nyx/utils/consistenthash"
	"github.com/Gopher0727/Nyx/utils/ratelimit"
	"github.com/Gopher0727/Nyx/utils/snowflake"
)

const (
	shutdownTimeout    = 10 * time.Second
	sessionPurgeEvery  = time.Hour
	heartbeatsPerTTL   = 3
	defaultPresenceTTL = 2 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 HTTP, WebSocket 与内部 gRPC 服务",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()
	zl := log.Logger.With(zap.String("node", cfg.Gateway.NodeID))

	// 存储
	db, err := storage.OpenDatabase(&cfg.Database, zl)
	if err != nil {
		return err
	}
	defer storage.Close(db)
	if err := storage.Migrate(ctx, db); err != nil {
		return err
	}

	rdb, err := storage.OpenRedis(ctx, &cfg.Redis, zl)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// 集群: 一致性哈希环决定用户的 home 节点, 节点名决定 snowflake 的 node id
	nodes := cfg.Gateway.Nodes
	if len(nodes) == 0 {
		nodes = map[string]int{cfg.Gateway.NodeID: 1}
	}
	ring := consistenthash.FromWeights(consistenthash.DefaultReplicas, nodes)
	ids, err := snowflake.NewGenerator(snowflake.Config{
		NodeID: snowflake.NodeIDFromName(cfg.Gateway.NodeID, snowflake.DefaultNodeBits),
	})
	if err != nil {
		return err
	}

	userRepo := repositories.NewUserRepository(db, rdb)
	sessionRepo := repositories.NewSessionRepository(db)
	contactRepo := repositories.NewContactRepository(db)
	chatRepo := repositories.NewChatRepository(db)
	messageRepo := repositories.NewMessageRepository(db)

	presenceTTL := cfg.Websocket.PresenceTTL
	if presenceTTL <= 0 {
		presenceTTL = defaultPresenceTTL
	}
	var (
		mirror  presence.Mirror
		locator services.Locator
		limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter()
	)
	if rdb != nil {
		m := presence.NewRedisMirror(rdb, cfg.Gateway.NodeID, ring, presenceTTL)
		mirror, locator = m, m
		limiter = ratelimit.NewRedisLimiter(rdb, zl, true)
	}
	registry := presence.NewRegistry(mirror, zl)
	roomManager := rooms.NewManager(chatRepo, zl)

	rl, err := newRelay(cfg, rdb, zl)
	if err != nil {
		return err
	}
	defer rl.Close()

	// 服务
	tokens := jwtpkg.NewTokenManager(cfg.JWT.Secret, cfg.JWT.ExpireHours, cfg.JWT.RefreshHours)
	authService := services.NewAuthService(userRepo, sessionRepo, tokens, zl)
	chatService := services.NewChatService(chatRepo, messageRepo, userRepo, zl)
	historyService := services.NewHistoryService(messageRepo, cfg.Chat.HistoryDefaultLimit, cfg.Chat.HistoryMaxLimit, zl)
	userService := services.NewUserService(userRepo, contactRepo, chatService, registry, locator, zl)

	hub := ws.NewHub(ws.Deps{
		Presence: registry,
		Rooms:    roomManager,
		Relay:    rl,
		Auth:     authService,
		Users:    userRepo,
		Chats:    chatService,
		Limiter:  limiter,
	}, ws.Options{
		RequireToken:      cfg.JWT.Required,
		EnforceMembership: cfg.Chat.EnforceMembership,
		MessageLimit:      cfg.RateLimit.MessageLimit,
		MessageWindow:     cfg.RateLimit.MessageWindow,
		QueryTimeout:      cfg.Database.QueryTimeout,
		SendBuffer:        cfg.Websocket.SendBuffer,
		WriteWait:         cfg.Websocket.WriteWait,
		PongWait:          cfg.Websocket.PongWait,
		MaxMessageSize:    cfg.Websocket.MaxMessageSize,
		ReadBufferSize:    cfg.Websocket.ReadBufferSize,
		WriteBufferSize:   cfg.Websocket.WriteBufferSize,
	}, zl)
	hub.SetSubmitter(pipeline.New(chatRepo, messageRepo, userRepo, ids, rl, hub, pipeline.Options{
		EnforceMembership: cfg.Chat.EnforceMembership,
		MaxPayloadBytes:   cfg.Chat.MaxPayloadBytes,
	}, zl))

	// relay 在 ctx 取消前持续消费
	if err := rl.Start(ctx, hub); err != nil {
		return fmt.Errorf("start %s relay: %w", rl.Name(), err)
	}

	go hub.Run(ctx)
	go registry.RunHeartbeat(ctx, presenceTTL/heartbeatsPerTTL)

	pool := utils.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, zl)
	pool.Start()
	defer pool.Stop()
	go purgeSessions(ctx, pool, authService, zl)

	// HTTP
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery())
	routers.SetupRoutes(r, cfg, routers.Deps{
		Auth:    handlers.NewAuthHandler(authService),
		Users:   handlers.NewUserHandler(userService, hub),
		Chats:   handlers.NewChatHandler(chatService, historyService, hub, cfg.Chat.EnforceMembership),
		WS:      hub.ServeWS,
		Health:  handlers.NewHealthHandler(db, rdb, registry, cfg.Gateway.NodeID, rl.Name()).Health,
		Authn:   authService,
		Limiter: limiter,
		Pool:    pool,
		Log:     log,
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		zl.Info("http server listening", zap.String("addr", srv.Addr), zap.String("relay", rl.Name()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcServer *rpc.Server
	if cfg.GRPC.Port > 0 {
		grpcServer, err = rpc.NewServer(fmt.Sprintf(":%d", cfg.GRPC.Port), zl)
		if err != nil {
			return err
		}
		grpcServer.Register(historyService, userService)
		go func() {
			if err := grpcServer.Start(); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		zl.Info("shutting down")
	case err = <-errCh:
		zl.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	hub.Stop()
	if grpcServer != nil {
		grpcServer.Stop()
	}
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		zl.Warn("http shutdown", zap.Error(serr))
	}
	return err
}

func newRelay(cfg *config.Config, rdb *redis.Client, log *zap.Logger) (relay.Relay, error) {
	switch cfg.Gateway.Relay {
	case "redis":
		if rdb == nil {
			return nil, errors.New("relay=redis 需要启用 redis")
		}
		return relay.NewRedis(rdb, "", cfg.Gateway.NodeID, log), nil
	case "kafka":
		return relay.NewKafkaFromConfig(&cfg.Kafka, cfg.Gateway.NodeID, log)
	default:
		return relay.NewLocal(), nil
	}
}

// purgeSessions 定期清理过期会话, 任务交给协程池执行
func purgeSessions(ctx context.Context, pool *utils.WorkerPool, auth *services.AuthService, log *zap.Logger) {
	ticker := time.NewTicker(sessionPurgeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := pool.Submit(ctx, func() {
				n, err := auth.PurgeExpiredSessions(ctx)
				if err != nil {
					log.Warn("purge sessions failed", zap.Error(err))
					return
				}
				if n > 0 {
					log.Info("expired sessions purged", zap.Int64("count", n))
				}
			})
			if err != nil {
				return
			}
		}
	}
}

// newLogger debug 模式下使用开发者友好的控制台输出
func newLogger(cfg *config.Config) (*logger.Logger, error) {
	if cfg.Server.Mode == gin.DebugMode {
		return logger.NewDevelopmentLogger()
	}
	return logger.NewLogger(&cfg.Logging)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
