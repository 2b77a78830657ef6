package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Gopher0727/Nyx/internal/apperr"
	"github.com/Gopher0727/Nyx/internal/models"
	"github.com/Gopher0727/Nyx/internal/pipeline"
	"github.com/Gopher0727/Nyx/internal/relay"
	"github.com/Gopher0727/Nyx/internal/utils"
)

// Client 代表一个 WebSocket 连接. 认证前只接受 auth 事件
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	// 缓冲通道, 由 Hub 在注销时关闭
	send chan []byte

	mu     sync.RWMutex
	userID string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:     uuid.NewString(),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.opts.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Client) ID() string { return c.id }

// UserID 未认证时为空
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) setUser(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

// closeConn 关闭底层连接, readPump 随后退出并注销
func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// readPump 读取客户端事件并顺序处理, 同一连接的事件按到达顺序执行
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.closeConn()
	}()

	pongWait := c.hub.opts.PongWait
	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read error", zap.String("connId", c.id), zap.Error(err))
			}
			return
		}
		c.handle(c.ctx, message)
	}
}

// writePump 将 send 中的帧写入连接, 并定期发送 ping
func (c *Client) writePump() {
	writeWait := c.hub.opts.WriteWait
	ticker := time.NewTicker(c.hub.opts.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 关闭了通道
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply 只写给本连接; 连接已注销时丢弃
func (c *Client) reply(frame []byte) {
	if frame == nil {
		return
	}
	h := c.hub
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.id]; ok {
		h.push(c, frame)
	}
}

func (c *Client) handle(ctx context.Context, raw []byte) {
	if t := c.hub.opts.QueryTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	f, ev, err := ParseFrame(raw)
	event, ref := "", ""
	if f != nil {
		event, ref = f.Event, f.Ref
	}
	if err == nil {
		switch e := ev.(type) {
		case AuthEvent:
			err = c.handleAuth(ctx, ref, e)
		case SendEvent:
			err = c.handleSend(ctx, ref, e)
		case TypingEvent:
			err = c.handleTyping(ctx, e)
		case JoinEvent:
			err = c.handleJoin(ctx, e)
		case LeaveEvent:
			err = c.handleLeave(e)
		}
	}
	if err == nil {
		return
	}

	fields := []zap.Field{zap.String("connId", c.id), zap.String("event", event), zap.Error(err)}
	if errors.Is(err, apperr.ErrStore) {
		c.hub.log.Error("handle event failed", fields...)
	} else {
		c.hub.log.Debug("event rejected", fields...)
	}
	c.reply(errorFrame(event, ref, err))
}

func (c *Client) requireUser() (string, error) {
	if id := c.UserID(); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("%w: authenticate first", apperr.ErrUnauthorized)
}

func (c *Client) handleAuth(ctx context.Context, ref string, ev AuthEvent) error {
	h := c.hub
	if !utils.ValidateUserID(ev.UserID) {
		return fmt.Errorf("%w: invalid userId", apperr.ErrValidation)
	}
	if cur := c.UserID(); cur != "" && cur != ev.UserID {
		return fmt.Errorf("%w: connection is bound to another user", apperr.ErrForbidden)
	}

	switch {
	case ev.Token != "" && h.deps.Auth != nil:
		claims, err := h.deps.Auth.Authenticate(ctx, ev.Token)
		if err != nil {
			return err
		}
		if claims.UserID != ev.UserID {
			return fmt.Errorf("%w: token does not belong to %s", apperr.ErrUnauthorized, ev.UserID)
		}
	case h.opts.RequireToken:
		return fmt.Errorf("%w: token is required", apperr.ErrUnauthorized)
	case h.deps.Users != nil:
		missing, err := h.deps.Users.Missing(ctx, ev.UserID)
		if err != nil {
			return fmt.Errorf("%w: load user", apperr.ErrStore)
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: user %s", apperr.ErrNotFound, ev.UserID)
		}
	}

	c.setUser(ev.UserID)
	if h.deps.Presence != nil {
		h.deps.Presence.Register(ctx, c.id, ev.UserID)
	}

	chats := []string{}
	if h.deps.Rooms != nil {
		ids, err := h.deps.Rooms.SubscribeAllPersistedChats(ctx, c.id, ev.UserID)
		if err != nil {
			// 连接仍然可用, 客户端可以通过 chat:join 补订阅
			h.log.Warn("subscribe persisted chats failed", zap.String("connId", c.id),
				zap.String("userId", ev.UserID), zap.Error(err))
		} else if ids != nil {
			chats = ids
		}
	}

	frame, err := encodeFrame(EventAuthOK, ref, AuthOK{UserID: ev.UserID, ConnID: c.id, Chats: chats})
	if err != nil {
		return err
	}
	c.reply(frame)
	h.log.Info("client authenticated", zap.String("connId", c.id), zap.String("userId", ev.UserID),
		zap.Int("chats", len(chats)))
	return nil
}

func (c *Client) handleSend(ctx context.Context, ref string, ev SendEvent) error {
	h := c.hub
	userID, err := c.requireUser()
	if err != nil {
		return err
	}
	if ev.SenderID != "" && ev.SenderID != userID {
		return fmt.Errorf("%w: senderId does not match the authenticated user", apperr.ErrForbidden)
	}
	if h.sender == nil {
		return fmt.Errorf("%w: message pipeline unavailable", apperr.ErrStore)
	}

	if h.deps.Limiter != nil && h.opts.MessageLimit > 0 {
		ok, err := h.deps.Limiter.Allow(ctx, "send:"+userID, h.opts.MessageLimit, h.opts.MessageWindow)
		if err != nil {
			h.log.Warn("rate limiter failed", zap.String("userId", userID), zap.Error(err))
		}
		if !ok && err == nil {
			return fmt.Errorf("%w: too many messages", apperr.ErrRateLimited)
		}
	}

	// 连接断开不应中断已开始的落库与广播
	sctx := context.WithoutCancel(ctx)
	if t := h.opts.QueryTimeout; t > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(sctx, t)
		defer cancel()
	}
	msg, err := h.sender.Submit(sctx, pipeline.SubmitRequest{
		ChatID:   ev.ChatID,
		SenderID: userID,
		Content:  ev.Content,
		Nonce:    ev.Nonce,
		Type:     models.MessageType(ev.Type),
		ReplyTo:  ev.ReplyTo,
	})
	if err != nil {
		return err
	}

	frame, err := encodeFrame(EventMessageSent, ref, MessageSent{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		Seq:       msg.Seq,
		Timestamp: msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	c.reply(frame)
	return nil
}

// handleTyping 只转发, 不落库
func (c *Client) handleTyping(ctx context.Context, ev TypingEvent) error {
	h := c.hub
	userID, err := c.requireUser()
	if err != nil {
		return err
	}
	if h.deps.Rooms != nil && !h.deps.Rooms.IsSubscribed(c.id, ev.ChatID) {
		return fmt.Errorf("%w: not subscribed to %s", apperr.ErrForbidden, ev.ChatID)
	}

	data, err := encodeData(Typing{ChatID: ev.ChatID, UserID: userID})
	if err != nil {
		return err
	}
	h.publish(ctx, &relay.Envelope{
		ID:      uuid.NewString(),
		ChatID:  ev.ChatID,
		Event:   EventTyping,
		Data:    data,
		Exclude: c.id,
	})
	return nil
}

func (c *Client) handleJoin(ctx context.Context, ev JoinEvent) error {
	h := c.hub
	userID, err := c.requireUser()
	if err != nil {
		return err
	}
	if h.opts.EnforceMembership && h.deps.Chats != nil {
		ok, err := h.deps.Chats.IsParticipant(ctx, ev.ChatID, userID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: not a participant of %s", apperr.ErrForbidden, ev.ChatID)
		}
	}
	if h.deps.Rooms != nil {
		h.deps.Rooms.Join(c.id, ev.ChatID)
	}
	return nil
}

func (c *Client) handleLeave(ev LeaveEvent) error {
	if _, err := c.requireUser(); err != nil {
		return err
	}
	if c.hub.deps.Rooms != nil {
		c.hub.deps.Rooms.Leave(c.id, ev.ChatID)
	}
	return nil
}
