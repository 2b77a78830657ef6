package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Gopher0727/Nyx/internal/models"
	"github.com/Gopher0727/Nyx/internal/pipeline"
	"github.com/Gopher0727/Nyx/internal/presence"
	"github.com/Gopher0727/Nyx/internal/relay"
	"github.com/Gopher0727/Nyx/internal/rooms"
	"github.com/Gopher0727/Nyx/internal/views"
	jwtpkg "github.com/Gopher0727/Nyx/middleware/jwt"
	"github.com/Gopher0727/Nyx/utils/ratelimit"
)

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*jwtpkg.Claims, error)
}

type UserChecker interface {
	Missing(ctx context.Context, ids ...string) ([]string, error)
}

type MembershipChecker interface {
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
}

type Submitter interface {
	Submit(ctx context.Context, req pipeline.SubmitRequest) (*models.Message, error)
}

// Deps 是 Hub 处理事件所需的服务. Auth 为 nil 时忽略 token
type Deps struct {
	Presence *presence.Registry
	Rooms    *rooms.Manager
	Relay    relay.Relay
	Auth     Authenticator
	Users    UserChecker
	Chats    MembershipChecker
	Limiter  ratelimit.Limiter
}

type Options struct {
	// RequireToken 为 true 时 auth 事件必须携带有效 token
	RequireToken      bool
	EnforceMembership bool
	MessageLimit      int
	MessageWindow     time.Duration
	// QueryTimeout 限制单个事件的存储调用时长, 0 表示不限制
	QueryTimeout time.Duration

	SendBuffer      int
	WriteWait       time.Duration
	PongWait        time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
}

func (o *Options) setDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 8 << 20
	}
}

// Hub 维护本节点的连接, 负责把事件推送到连接上.
// 房间订阅由 rooms.Manager 维护, 用户与连接的映射由 presence.Registry 维护
type Hub struct {
	// connID -> Client
	clients map[string]*Client
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	// 上下线通知在 Registry 锁内产生, 经队列异步发布以免阻塞 Registry
	notices chan *relay.Envelope

	deps   Deps
	sender Submitter
	opts   Options

	done     chan struct{}
	stopOnce sync.Once
	log      *zap.Logger
}

func NewHub(deps Deps, opts Options, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	opts.setDefaults()
	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		notices:    make(chan *relay.Envelope, 1024),
		deps:       deps,
		opts:       opts,
		done:       make(chan struct{}),
		log:        log.Named("ws"),
	}
	if deps.Presence != nil {
		deps.Presence.SetNotifier(h)
	}
	return h
}

// SetSubmitter 在启动阶段注入消息管道. 管道又以 Hub 作为本地兜底投递方
func (h *Hub) SetSubmitter(s Submitter) {
	h.sender = s
}

// Run 处理连接的注册与注销, 直到 ctx 取消
func (h *Hub) Run(ctx context.Context) {
	go h.dispatchNotices(ctx)

	for {
		select {
		case <-ctx.Done():
			h.Stop()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(ctx, client)
		}
	}
}

// Stop 关闭所有连接, 可重复调用
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.RLock()
		for _, c := range h.clients {
			c.closeConn()
		}
		h.mu.RUnlock()
	})
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

// removeClient 先清理在线状态与房间, 再关闭发送通道
func (h *Hub) removeClient(ctx context.Context, c *Client) {
	if h.deps.Presence != nil {
		h.deps.Presence.Unregister(ctx, c.id)
	}
	if h.deps.Rooms != nil {
		h.deps.Rooms.Drop(c.id)
	}

	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()
	h.log.Debug("client disconnected", zap.String("connId", c.id), zap.String("userId", c.UserID()))
}

// Count 返回本节点的连接数
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Deliver 实现 relay.Deliverer: 把事件推送到本节点的目标连接
func (h *Hub) Deliver(env *relay.Envelope) {
	targets := h.targets(env)
	if len(targets) == 0 && !env.All {
		return
	}

	frame, err := json.Marshal(Frame{Event: env.Event, Data: env.Data})
	if err != nil {
		h.log.Error("encode frame failed", zap.String("event", env.Event), zap.Error(err))
		return
	}

	// chat:created 需要让参与者的连接订阅新房间
	if env.Event == EventChatCreated && env.ChatID != "" && h.deps.Rooms != nil {
		for _, connID := range targets {
			if h.isLocal(connID) {
				h.deps.Rooms.Join(connID, env.ChatID)
			}
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if env.All {
		for id, c := range h.clients {
			if id != env.Exclude && c.UserID() != "" {
				h.push(c, frame)
			}
		}
		return
	}
	for _, id := range targets {
		if id == env.Exclude {
			continue
		}
		if c, ok := h.clients[id]; ok {
			h.push(c, frame)
		}
	}
}

// targets 在不持有 Hub 锁的情况下计算目标连接
func (h *Hub) targets(env *relay.Envelope) []string {
	switch {
	case env.All:
		return nil
	case len(env.UserIDs) > 0:
		if h.deps.Presence == nil {
			return nil
		}
		var out []string
		for _, u := range env.UserIDs {
			out = append(out, h.deps.Presence.ConnectionsOf(u)...)
		}
		return out
	case env.ChatID != "":
		if h.deps.Rooms == nil {
			return nil
		}
		return h.deps.Rooms.Subscribers(env.ChatID)
	}
	return nil
}

func (h *Hub) isLocal(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[connID]
	return ok
}

// push 非阻塞写入; 缓冲区满说明客户端过慢, 直接断开
func (h *Hub) push(c *Client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		h.log.Warn("client too slow, closing", zap.String("connId", c.id), zap.String("userId", c.UserID()))
		c.closeConn()
	}
}

// UserOnline 实现 presence.Notifier
func (h *Hub) UserOnline(userID, exceptConnID string) {
	h.notice(EventUserOnline, userID, exceptConnID)
}

// UserOffline 实现 presence.Notifier
func (h *Hub) UserOffline(userID, exceptConnID string) {
	h.notice(EventUserOffline, userID, exceptConnID)
}

func (h *Hub) notice(event, userID, except string) {
	data, _ := json.Marshal(userID)
	env := &relay.Envelope{
		ID:      uuid.NewString(),
		All:     true,
		Event:   event,
		Data:    data,
		Exclude: except,
	}
	select {
	case h.notices <- env:
	case <-h.done:
	}
}

// dispatchNotices 按产生顺序发布上下线通知
func (h *Hub) dispatchNotices(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case env := <-h.notices:
			h.publish(ctx, env)
		}
	}
}

// publish 经 relay 发布, 失败时退化为本地投递
func (h *Hub) publish(ctx context.Context, env *relay.Envelope) {
	if h.deps.Relay != nil {
		err := h.deps.Relay.Publish(ctx, env)
		if err == nil {
			return
		}
		h.log.Warn("relay publish failed, delivering locally",
			zap.String("event", env.Event), zap.String("relay", h.deps.Relay.Name()), zap.Error(err))
	}
	h.Deliver(env)
}

// AnnounceChat 通知参与者新会话已创建, 并让他们在线的连接订阅该会话
func (h *Hub) AnnounceChat(ctx context.Context, chat *views.ChatCreated) {
	if chat == nil || len(chat.Participants) == 0 {
		return
	}
	data, err := json.Marshal(chat)
	if err != nil {
		h.log.Error("encode chat:created failed", zap.String("chatId", chat.ChatID), zap.Error(err))
		return
	}
	h.publish(ctx, &relay.Envelope{
		ID:      uuid.NewString(),
		ChatID:  chat.ChatID,
		UserIDs: chat.Participants,
		Event:   EventChatCreated,
		Data:    data,
	})
}
