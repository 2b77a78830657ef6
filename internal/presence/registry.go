// Package presence 维护在线连接与用户的映射, 并在用户上下线时发出通知.
//
// 一个用户可以同时有多个连接; 第一个连接建立时用户上线, 最后一个连接断开时下线.
// 内存中的表是权威数据, Redis 镜像只用于跨节点查询.
package presence

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Notifier 接收上下线事件. 回调在 Registry 的锁内执行,
// 以保证同一用户的上下线顺序; 实现不得回调 Registry
type Notifier interface {
	UserOnline(userID, exceptConnID string)
	UserOffline(userID, exceptConnID string)
}

// Mirror 将在线状态同步到外部存储
type Mirror interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	Refresh(ctx context.Context, userIDs []string) error
}

type Registry struct {
	mu       sync.RWMutex
	conns    map[string]string              // connID -> userID
	users    map[string]map[string]struct{} // userID -> connIDs
	notifier Notifier

	mirror Mirror
	log    *zap.Logger
}

// NewRegistry mirror 可以为 nil
func NewRegistry(mirror Mirror, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		conns:  make(map[string]string),
		users:  make(map[string]map[string]struct{}),
		mirror: mirror,
		log:    log.Named("presence"),
	}
}

// SetNotifier 在启动阶段设置通知接收方
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	r.notifier = n
	r.mu.Unlock()
}

// Register 记录 connID 属于 userID, 返回该用户是否因此上线.
// 同一 connID 重复注册是幂等的; 换绑到其他用户时旧用户按断开处理
func (r *Registry) Register(ctx context.Context, connID, userID string) bool {
	if connID == "" || userID == "" {
		return false
	}

	r.mu.Lock()
	var wentOffline string
	if prev, ok := r.conns[connID]; ok {
		if prev == userID {
			r.mu.Unlock()
			return false
		}
		if r.removeLocked(connID) {
			wentOffline = prev
		}
	}

	r.conns[connID] = userID
	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	set[connID] = struct{}{}
	wentOnline := len(set) == 1

	if r.notifier != nil {
		if wentOffline != "" {
			r.notifier.UserOffline(wentOffline, connID)
		}
		if wentOnline {
			r.notifier.UserOnline(userID, connID)
		}
	}
	r.mu.Unlock()

	if wentOffline != "" {
		r.mirrorOffline(ctx, wentOffline)
	}
	if wentOnline {
		r.log.Debug("user online", zap.String("userId", userID), zap.String("connId", connID))
		r.mirrorOnline(ctx, userID)
	}
	return wentOnline
}

// Unregister 移除连接. 未知 connID 是空操作.
// 返回连接所属用户, 以及该用户是否因此下线
func (r *Registry) Unregister(ctx context.Context, connID string) (string, bool) {
	r.mu.Lock()
	userID, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	wentOffline := r.removeLocked(connID)
	if wentOffline && r.notifier != nil {
		r.notifier.UserOffline(userID, connID)
	}
	r.mu.Unlock()

	if wentOffline {
		r.log.Debug("user offline", zap.String("userId", userID), zap.String("connId", connID))
		r.mirrorOffline(ctx, userID)
	}
	return userID, wentOffline
}

// removeLocked 删除连接, 返回其用户是否已无连接
func (r *Registry) removeLocked(connID string) bool {
	userID := r.conns[connID]
	delete(r.conns, connID)
	set := r.users[userID]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.users, userID)
		return true
	}
	return false
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// ConnectionsOf 返回用户的全部连接, 按 connID 排序
func (r *Registry) ConnectionsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.users[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.conns[connID]
	return u, ok
}

// OnlineUsers 返回所有在线用户
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Count 返回在线用户数与连接数
func (r *Registry) Count() (users, conns int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users), len(r.conns)
}

// RunHeartbeat 周期刷新镜像中在线用户的 TTL, ctx 取消后返回
func (r *Registry) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if r.mirror == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			users := r.OnlineUsers()
			if len(users) == 0 {
				continue
			}
			if err := r.mirror.Refresh(ctx, users); err != nil {
				r.log.Warn("presence heartbeat failed", zap.Int("users", len(users)), zap.Error(err))
			}
		}
	}
}

// 镜像写入失败只记录日志
func (r *Registry) mirrorOnline(ctx context.Context, userID string) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.SetOnline(context.WithoutCancel(ctx), userID); err != nil {
		r.log.Warn("presence mirror set online failed", zap.String("userId", userID), zap.Error(err))
	}
}

func (r *Registry) mirrorOffline(ctx context.Context, userID string) {
	if r.mirror == nil {
		return
	}
	// 镜像写入在锁外完成, 期间用户可能已重新上线
	if r.IsOnline(userID) {
		return
	}
	if err := r.mirror.SetOffline(context.WithoutCancel(ctx), userID); err != nil {
		r.log.Warn("presence mirror set offline failed", zap.String("userId", userID), zap.Error(err))
	}
}
