package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Stats 本节点的连接统计
type Stats interface {
	Count() (users, conns int)
}

type HealthHandler struct {
	db     *gorm.DB
	redis  *redis.Client
	stats  Stats
	nodeID string
	relay  string
}

// NewHealthHandler redis 与 stats 可以为 nil
func NewHealthHandler(db *gorm.DB, rdb *redis.Client, stats Stats, nodeID, relay string) *HealthHandler {
	return &HealthHandler{db: db, redis: rdb, stats: stats, nodeID: nodeID, relay: relay}
}

// Health GET /health, 依赖不可用时返回 503
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if sqlDB, err := h.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		checks["database"] = "down"
		healthy = false
	} else {
		checks["database"] = "ok"
	}
	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "down"
			healthy = false
		} else {
			checks["redis"] = "ok"
		}
	}

	body := gin.H{
		"status": "ok",
		"node":   h.nodeID,
		"relay":  h.relay,
		"checks": checks,
	}
	if h.stats != nil {
		users, conns := h.stats.Count()
		body["onlineUsers"] = users
		body["connections"] = conns
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	c.JSON(code, body)
}
