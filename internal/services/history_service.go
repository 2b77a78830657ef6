package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/Nyx/internal/apperr"
	"github.com/Gopher0727/Nyx/internal/repositories"
	"github.com/Gopher0727/Nyx/internal/views"
)

// HistoryService 分页读取会话历史
type HistoryService struct {
	messages     *repositories.MessageRepository
	defaultLimit int
	maxLimit     int
	log          *zap.Logger
}

func NewHistoryService(messages *repositories.MessageRepository, defaultLimit, maxLimit int, log *zap.Logger) *HistoryService {
	if defaultLimit <= 0 {
		defaultLimit = 50
	}
	if maxLimit <= 0 {
		maxLimit = 200
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HistoryService{messages: messages, defaultLimit: defaultLimit, maxLimit: maxLimit, log: log.Named("history")}
}

// clamp limit<=0 使用默认值, 超过上限截断
func (s *HistoryService) clamp(limit int) int {
	if limit <= 0 {
		return s.defaultLimit
	}
	return min(limit, s.maxLimit)
}

// List 返回 created_at 严格早于 before 的最新 limit 条消息, 按时间升序.
// 未知会话返回空列表
func (s *HistoryService) List(ctx context.Context, chatID string, limit int, before *time.Time) ([]views.Message, error) {
	if chatID == "" {
		return nil, fmt.Errorf("%w: chatId is required", apperr.ErrValidation)
	}
	msgs, err := s.messages.ListBefore(ctx, chatID, before, s.clamp(limit))
	if err != nil {
		s.log.Error("list messages failed", zap.String("chatId", chatID), zap.Error(err))
		return nil, fmt.Errorf("%w: list messages", apperr.ErrStore)
	}
	return views.FromMessages(msgs), nil
}

// ListAfterSeq 返回 seq 大于 afterSeq 的消息, 用于断线重连后的增量同步
func (s *HistoryService) ListAfterSeq(ctx context.Context, chatID string, afterSeq int64, limit int) ([]views.Message, error) {
	if chatID == "" || afterSeq < 0 {
		return nil, fmt.Errorf("%w: chatId and a non-negative after_seq are required", apperr.ErrValidation)
	}
	msgs, err := s.messages.ListAfterSeq(ctx, chatID, afterSeq, s.clamp(limit))
	if err != nil {
		s.log.Error("list messages after seq failed", zap.String("chatId", chatID), zap.Error(err))
		return nil, fmt.Errorf("%w: list messages", apperr.ErrStore)
	}
	return views.FromMessages(msgs), nil
}
