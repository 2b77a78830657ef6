package services

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Gopher0727/Nyx/internal/apperr"
	"github.com/Gopher0727/Nyx/internal/models"
	"github.com/Gopher0727/Nyx/internal/repositories"
	"github.com/Gopher0727/Nyx/internal/utils"
	"github.com/Gopher0727/Nyx/internal/views"
)

const maxGroupNameLen = 64

// ChatService 会话的创建与查询
type ChatService struct {
	chats    *repositories.ChatRepository
	messages *repositories.MessageRepository
	users    *repositories.UserRepository
	log      *zap.Logger
	now      func() time.Time
}

func NewChatService(chats *repositories.ChatRepository, messages *repositories.MessageRepository,
	users *repositories.UserRepository, log *zap.Logger,
) *ChatService {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChatService{chats: chats, messages: messages, users: users, log: log.Named("chat"), now: time.Now}
}

// CreatePrivate 返回两人之间唯一的私聊, 不存在时创建.
// 并发创建时唯一约束冲突的一方读取已存在的会话, Existing 为 true
func (s *ChatService) CreatePrivate(ctx context.Context, userA, userB string) (*views.ChatCreated, error) {
	if !utils.ValidateUserID(userA) || !utils.ValidateUserID(userB) {
		return nil, fmt.Errorf("%w: malformed user id", apperr.ErrValidation)
	}
	if userA == userB {
		return nil, fmt.Errorf("%w: cannot open a private chat with yourself", apperr.ErrValidation)
	}
	if err := s.requireUsers(ctx, userA, userB); err != nil {
		return nil, err
	}

	key := models.PairKey(userA, userB)
	participants := []string{userA, userB}
	slices.Sort(participants)

	if chat, err := s.chats.FindPrivate(ctx, key); err == nil {
		return privateView(chat.ID, participants, true), nil
	} else if !repositories.IsNotFound(err) {
		return nil, s.storeError("find private chat", err)
	}

	chat := &models.Chat{
		ID:        uuid.NewString(),
		Type:      models.ChatPrivate,
		PairKey:   &key,
		CreatedAt: s.now().UTC().Truncate(time.Microsecond),
	}
	err := s.chats.CreateWithParticipants(ctx, chat, participants)
	if repositories.IsDuplicate(err) {
		existing, ferr := s.chats.FindPrivate(ctx, key)
		if ferr != nil {
			return nil, s.storeError("reload private chat", ferr)
		}
		return privateView(existing.ID, participants, true), nil
	}
	if err != nil {
		return nil, s.storeError("create private chat", err)
	}

	s.log.Info("private chat created", zap.String("chatId", chat.ID))
	return privateView(chat.ID, participants, false), nil
}

func privateView(chatID string, participants []string, existing bool) *views.ChatCreated {
	return &views.ChatCreated{
		ChatID:       chatID,
		Type:         string(models.ChatPrivate),
		Participants: participants,
		Existing:     existing,
	}
}

// CreateGroup 创建群聊, 创建者与去重后的成员在同一事务中加入
func (s *ChatService) CreateGroup(ctx context.Context, name, creatorID string, participantIDs []string) (*views.ChatCreated, error) {
	name = strings.TrimSpace(name)
	if name == "" || len([]rune(name)) > maxGroupNameLen {
		return nil, fmt.Errorf("%w: group name must be 1-%d characters", apperr.ErrValidation, maxGroupNameLen)
	}
	if !utils.ValidateUserID(creatorID) {
		return nil, fmt.Errorf("%w: malformed creator id", apperr.ErrValidation)
	}

	members := []string{creatorID}
	seen := map[string]bool{creatorID: true}
	for _, id := range participantIDs {
		if !utils.ValidateUserID(id) {
			return nil, fmt.Errorf("%w: malformed participant id %q", apperr.ErrValidation, id)
		}
		if !seen[id] {
			seen[id] = true
			members = append(members, id)
		}
	}
	if err := s.requireUsers(ctx, members...); err != nil {
		return nil, err
	}

	chat := &models.Chat{
		ID:        uuid.NewString(),
		Type:      models.ChatGroup,
		Name:      name,
		CreatedAt: s.now().UTC().Truncate(time.Microsecond),
	}
	if err := s.chats.CreateWithParticipants(ctx, chat, members); err != nil {
		return nil, s.storeError("create group chat", err)
	}

	s.log.Info("group chat created", zap.String("chatId", chat.ID), zap.Int("members", len(members)))
	return &views.ChatCreated{
		ChatID:       chat.ID,
		Type:         string(models.ChatGroup),
		Name:         name,
		Participants: members,
	}, nil
}

func (s *ChatService) requireUsers(ctx context.Context, ids ...string) error {
	missing, err := s.users.Missing(ctx, ids...)
	if err != nil {
		return s.storeError("check users", err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: user %s", apperr.ErrNotFound, strings.Join(missing, ", "))
	}
	return nil
}

// ListForUser 返回用户的会话摘要, 新建的在前
func (s *ChatService) ListForUser(ctx context.Context, userID string) ([]views.ChatSummary, error) {
	chats, err := s.chats.ListForUser(ctx, userID)
	if err != nil {
		return nil, s.storeError("list chats", err)
	}
	if len(chats) == 0 {
		return []views.ChatSummary{}, nil
	}

	chatIDs := make([]string, 0, len(chats))
	for _, c := range chats {
		chatIDs = append(chatIDs, c.ID)
	}
	parts, err := s.chats.Participants(ctx, chatIDs)
	if err != nil {
		return nil, s.storeError("load participants", err)
	}
	last, err := s.messages.LastMessages(ctx, chatIDs)
	if err != nil {
		return nil, s.storeError("load last messages", err)
	}
	unread, err := s.chats.UnreadCounts(ctx, userID)
	if err != nil {
		return nil, s.storeError("count unread", err)
	}

	var userIDs []string
	for _, ps := range parts {
		for _, p := range ps {
			userIDs = append(userIDs, p.UserID)
		}
	}
	slices.Sort(userIDs)
	users, err := s.users.GetByIDs(ctx, slices.Compact(userIDs))
	if err != nil {
		return nil, s.storeError("load users", err)
	}
	byID := make(map[string]*models.User, len(users))
	for i := range users {
		byID[users[i].ID] = &users[i]
	}

	out := make([]views.ChatSummary, 0, len(chats))
	for _, c := range chats {
		summary := views.ChatSummary{
			ID:          c.ID,
			Type:        string(c.Type),
			Name:        c.Name,
			Avatar:      c.Avatar,
			UnreadCount: unread[c.ID],
			LastSeq:     c.LastSeq,
			CreatedAt:   c.CreatedAt.UTC(),
		}
		for _, p := range parts[c.ID] {
			u, ok := byID[p.UserID]
			if !ok {
				continue
			}
			summary.Participants = append(summary.Participants, views.Participant{
				ID: u.ID, Nickname: u.Nickname, PublicKey: u.PublicKey, Avatar: u.Avatar,
			})
			// 私聊显示对方的昵称与头像
			if c.Type == models.ChatPrivate && u.ID != userID {
				summary.Name = u.Nickname
				summary.Avatar = u.Avatar
			}
		}
		if m, ok := last[c.ID]; ok {
			v := views.FromMessage(&m)
			summary.LastMessage = &v
		}
		out = append(out, summary)
	}
	return out, nil
}

// MarkRead 推进用户在会话中的已读序号
func (s *ChatService) MarkRead(ctx context.Context, chatID, userID string, seq int64) error {
	if chatID == "" || !utils.ValidateUserID(userID) || seq < 0 {
		return fmt.Errorf("%w: chatId, userId and a non-negative seq are required", apperr.ErrValidation)
	}
	ok, err := s.chats.MarkRead(ctx, chatID, userID, seq)
	if err != nil {
		return s.storeError("mark read", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s is not a participant of %s", apperr.ErrForbidden, userID, chatID)
	}
	return nil
}

// IsParticipant 供传输层校验 chat:join
func (s *ChatService) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	ok, err := s.chats.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return false, s.storeError("check participant", err)
	}
	return ok, nil
}

// CheckReader 会话存在而 userID 不是参与者时返回 ErrForbidden.
// 未知会话不报错, 历史查询返回空列表
func (s *ChatService) CheckReader(ctx context.Context, chatID, userID string) error {
	if _, err := s.chats.GetByID(ctx, chatID); err != nil {
		if repositories.IsNotFound(err) {
			return nil
		}
		return s.storeError("load chat", err)
	}
	ok, err := s.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s is not a participant of %s", apperr.ErrForbidden, userID, chatID)
	}
	return nil
}

func (s *ChatService) storeError(op string, err error) error {
	s.log.Error(op+" failed", zap.Error(err))
	return fmt.Errorf("%w: %s", apperr.ErrStore, op)
}
