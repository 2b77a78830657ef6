// Package pipeline 负责消息的校验, 持久化与扇出.
//
// 同一会话的提交串行执行: 先分配 ID 与序号并落库, 成功后才发布 message:new,
// 因此广播顺序与提交顺序一致. 落库失败时不广播.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/Nyx/internal/apperr"
	"github.com/Gopher0727/Nyx/internal/models"
	"github.com/Gopher0727/Nyx/internal/relay"
	"github.com/Gopher0727/Nyx/internal/repositories"
	"github.com/Gopher0727/Nyx/internal/views"
)

// EventMessageNew 是新消息的推送事件名
const EventMessageNew = "message:new"

type ChatStore interface {
	GetByID(ctx context.Context, id string) (*models.Chat, error)
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
}

type MessageStore interface {
	Append(ctx context.Context, msg *models.Message) error
	GetByID(ctx context.Context, id string) (*models.Message, error)
}

type UserStore interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// IDGenerator 生成按时间递增的消息 ID
type IDGenerator interface {
	NextMessageID() (string, error)
}

type Options struct {
	EnforceMembership bool
	// MaxPayloadBytes 限制 content 与 nonce 的总长度, 0 表示不限制
	MaxPayloadBytes int
	LockStripes     int
}

type Pipeline struct {
	chats    ChatStore
	messages MessageStore
	users    UserStore
	ids      IDGenerator

	relay    relay.Relay
	fallback relay.Deliverer

	opts  Options
	locks *stripedLock
	now   func() time.Time
	log   *zap.Logger
}

// New fallback 在 relay 发布失败时用于本地投递, 可以为 nil
func New(chats ChatStore, messages MessageStore, users UserStore, ids IDGenerator,
	rl relay.Relay, fallback relay.Deliverer, opts Options, log *zap.Logger,
) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		chats:    chats,
		messages: messages,
		users:    users,
		ids:      ids,
		relay:    rl,
		fallback: fallback,
		opts:     opts,
		locks:    newStripedLock(opts.LockStripes),
		now:      time.Now,
		log:      log.Named("pipeline"),
	}
}

// SubmitRequest 是一次发送请求
type SubmitRequest struct {
	ChatID   string
	SenderID string
	Content  string
	Nonce    string
	Type     models.MessageType
	ReplyTo  string
	// Exclude 是不接收本次广播的连接, 通常为空以便发送者的其他设备同步
	Exclude string
}

// Submit 校验并持久化消息, 然后广播给会话内所有连接
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*models.Message, error) {
	if err := p.validate(req); err != nil {
		return nil, err
	}
	if req.Type == "" {
		req.Type = models.MessageText
	}

	if _, err := p.chats.GetByID(ctx, req.ChatID); err != nil {
		if repositories.IsNotFound(err) {
			return nil, fmt.Errorf("%w: chat %s", apperr.ErrNotFound, req.ChatID)
		}
		return nil, p.storeError("load chat", err)
	}

	if p.opts.EnforceMembership {
		ok, err := p.chats.IsParticipant(ctx, req.ChatID, req.SenderID)
		if err != nil {
			return nil, p.storeError("check participant", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a participant of %s", apperr.ErrForbidden, req.SenderID, req.ChatID)
		}
	}

	var replyTo *string
	if req.ReplyTo != "" {
		target, err := p.messages.GetByID(ctx, req.ReplyTo)
		if err != nil && !repositories.IsNotFound(err) {
			return nil, p.storeError("load reply target", err)
		}
		if err != nil || target.ChatID != req.ChatID {
			return nil, fmt.Errorf("%w: replyTo %s is not a message of this chat", apperr.ErrValidation, req.ReplyTo)
		}
		replyTo = &req.ReplyTo
	}

	expiresAt, err := p.expiry(ctx, req.SenderID)
	if err != nil {
		return nil, err
	}

	mu := p.locks.get(req.ChatID)
	mu.Lock()
	defer mu.Unlock()

	id, err := p.ids.NextMessageID()
	if err != nil {
		return nil, fmt.Errorf("%w: generate message id: %v", apperr.ErrStore, err)
	}
	msg := &models.Message{
		ID:               id,
		ChatID:           req.ChatID,
		SenderID:         req.SenderID,
		EncryptedContent: req.Content,
		Nonce:            req.Nonce,
		Type:             req.Type,
		ReplyTo:          replyTo,
		CreatedAt:        p.now().UTC().Truncate(time.Microsecond),
	}
	if expiresAt != nil {
		at := msg.CreatedAt.Add(*expiresAt)
		msg.ExpiresAt = &at
	}

	if err := p.messages.Append(ctx, msg); err != nil {
		if repositories.IsNotFound(err) {
			return nil, fmt.Errorf("%w: chat %s", apperr.ErrNotFound, req.ChatID)
		}
		return nil, p.storeError("persist message", err)
	}

	p.publish(ctx, msg, req.Exclude)
	return msg, nil
}

func (p *Pipeline) validate(req SubmitRequest) error {
	switch {
	case strings.TrimSpace(req.ChatID) == "":
		return fmt.Errorf("%w: chatId is required", apperr.ErrValidation)
	case strings.TrimSpace(req.SenderID) == "":
		return fmt.Errorf("%w: senderId is required", apperr.ErrValidation)
	case req.Content == "":
		return fmt.Errorf("%w: content is empty", apperr.ErrValidation)
	case req.Type != "" && !req.Type.Valid():
		return fmt.Errorf("%w: unknown message type %q", apperr.ErrValidation, req.Type)
	case p.opts.MaxPayloadBytes > 0 && len(req.Content)+len(req.Nonce) > p.opts.MaxPayloadBytes:
		return fmt.Errorf("%w: payload exceeds %d bytes", apperr.ErrValidation, p.opts.MaxPayloadBytes)
	}
	return nil
}

// expiry 读取发送者的自动删除设置; 只记录 expires_at, 不负责删除
func (p *Pipeline) expiry(ctx context.Context, senderID string) (*time.Duration, error) {
	if p.users == nil {
		return nil, nil
	}
	u, err := p.users.GetByID(ctx, senderID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return nil, fmt.Errorf("%w: user %s", apperr.ErrNotFound, senderID)
		}
		return nil, p.storeError("load sender", err)
	}
	if u.AutoDeleteMessages == nil || *u.AutoDeleteMessages <= 0 {
		return nil, nil
	}
	d := time.Duration(*u.AutoDeleteMessages) * time.Second
	return &d, nil
}

// publish 发布失败只记录日志并退回本地投递, 消息已经提交
func (p *Pipeline) publish(ctx context.Context, msg *models.Message, exclude string) {
	data, err := json.Marshal(views.FromMessage(msg))
	if err != nil {
		p.log.Error("encode message failed", zap.String("messageId", msg.ID), zap.Error(err))
		return
	}
	env := &relay.Envelope{
		ID:      msg.ID,
		ChatID:  msg.ChatID,
		Event:   EventMessageNew,
		Data:    data,
		Exclude: exclude,
	}

	if p.relay != nil {
		err = p.relay.Publish(context.WithoutCancel(ctx), env)
		if err == nil {
			return
		}
		p.log.Warn("relay publish failed, delivering locally",
			zap.String("relay", p.relay.Name()),
			zap.String("messageId", msg.ID),
			zap.String("chatId", msg.ChatID),
			zap.Error(err),
		)
	}
	if p.fallback != nil {
		p.fallback.Deliver(env)
	}
}

func (p *Pipeline) storeError(op string, err error) error {
	p.log.Error(op+" failed", zap.Error(err))
	return fmt.Errorf("%w: %s", apperr.ErrStore, op)
}
