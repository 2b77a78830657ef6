package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Gopher0727/Nyx/internal/apperr"
	"github.com/Gopher0727/Nyx/internal/models"
	"github.com/Gopher0727/Nyx/internal/presence"
	"github.com/Gopher0727/Nyx/internal/repositories"
	"github.com/Gopher0727/Nyx/internal/utils"
	"github.com/Gopher0727/Nyx/internal/views"
)

const searchLimit = 20

// OnlineChecker 查询本节点的在线状态
type OnlineChecker interface {
	IsOnline(userID string) bool
}

// Locator 查询集群范围内的在线位置
type Locator interface {
	Lookup(ctx context.Context, userID string) (presence.Location, bool, error)
}

// UserService 用户资料, 搜索与联系人
type UserService struct {
	users    *repositories.UserRepository
	contacts *repositories.ContactRepository
	chats    *ChatService
	online   OnlineChecker
	locator  Locator
	log      *zap.Logger
}

// NewUserService locator 可以为 nil
func NewUserService(users *repositories.UserRepository, contacts *repositories.ContactRepository,
	chats *ChatService, online OnlineChecker, locator Locator, log *zap.Logger,
) *UserService {
	if log == nil {
		log = zap.NewNop()
	}
	return &UserService{users: users, contacts: contacts, chats: chats, online: online, locator: locator, log: log.Named("user")}
}

func (s *UserService) Get(ctx context.Context, id string) (*views.User, error) {
	if !utils.ValidateUserID(id) {
		return nil, fmt.Errorf("%w: malformed user id", apperr.ErrValidation)
	}
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		if repositories.IsNotFound(err) {
			return nil, fmt.Errorf("%w: user %s", apperr.ErrNotFound, id)
		}
		return nil, s.storeError("load user", err)
	}
	v := views.FromUser(u)
	return &v, nil
}

// Search 按昵称搜索, 只返回允许被搜索的用户
func (s *UserService) Search(ctx context.Context, query, requesterID string) ([]views.Participant, error) {
	query = strings.TrimSpace(query)
	if len([]rune(query)) < utils.SearchMinLen {
		return nil, fmt.Errorf("%w: query must be at least %d characters", apperr.ErrValidation, utils.SearchMinLen)
	}
	users, err := s.users.SearchByNickname(ctx, query, requesterID, searchLimit)
	if err != nil {
		return nil, s.storeError("search users", err)
	}
	out := make([]views.Participant, 0, len(users))
	for _, u := range users {
		out = append(out, views.Participant{ID: u.ID, Nickname: u.Nickname, PublicKey: u.PublicKey, Avatar: u.Avatar})
	}
	return out, nil
}

// UpdateUserRequest 只更新非 nil 字段
type UpdateUserRequest struct {
	Nickname              *string `json:"nickname"`
	Avatar                *string `json:"avatar"`
	AllowSearchByNickname *bool   `json:"allowSearchByNickname"`
	// AutoDeleteMessages 秒, 0 表示关闭
	AutoDeleteMessages *int64 `json:"autoDeleteMessages"`
}

func (s *UserService) Update(ctx context.Context, id string, req *UpdateUserRequest) (*views.User, error) {
	updates := make(map[string]any)
	if req.Nickname != nil {
		nickname := strings.TrimSpace(*req.Nickname)
		if !utils.ValidateNickname(nickname) {
			return nil, fmt.Errorf("%w: nickname must be %d-%d characters", apperr.ErrValidation, utils.NicknameMinLen, utils.NicknameMaxLen)
		}
		other, err := s.users.GetByNickname(ctx, nickname)
		if err == nil && other.ID != id {
			return nil, fmt.Errorf("%w: nickname already taken", apperr.ErrConflict)
		}
		if err != nil && !repositories.IsNotFound(err) {
			return nil, s.storeError("check nickname", err)
		}
		updates["nickname"] = nickname
	}
	if req.Avatar != nil {
		updates["avatar"] = *req.Avatar
	}
	if req.AllowSearchByNickname != nil {
		updates["allow_search_by_nickname"] = *req.AllowSearchByNickname
	}
	if req.AutoDeleteMessages != nil {
		switch v := *req.AutoDeleteMessages; {
		case v < 0:
			return nil, fmt.Errorf("%w: autoDeleteMessages must not be negative", apperr.ErrValidation)
		case v == 0:
			updates["auto_delete_messages"] = nil
		default:
			updates["auto_delete_messages"] = v
		}
	}
	if len(updates) == 0 {
		return nil, fmt.Errorf("%w: no updates provided", apperr.ErrValidation)
	}

	u, err := s.users.Update(ctx, id, updates)
	switch {
	case repositories.IsNotFound(err):
		return nil, fmt.Errorf("%w: user %s", apperr.ErrNotFound, id)
	case repositories.IsDuplicate(err):
		return nil, fmt.Errorf("%w: nickname already taken", apperr.ErrConflict)
	case err != nil:
		return nil, s.storeError("update user", err)
	}
	v := views.FromUser(u)
	return &v, nil
}

// Presence 本节点在线优先, 否则查询镜像
func (s *UserService) Presence(ctx context.Context, id string) (*views.Presence, error) {
	if !utils.ValidateUserID(id) {
		return nil, fmt.Errorf("%w: malformed user id", apperr.ErrValidation)
	}
	p := &views.Presence{UserID: id, Online: s.online.IsOnline(id)}
	if s.locator != nil {
		loc, ok, err := s.locator.Lookup(ctx, id)
		if err != nil {
			s.log.Warn("presence lookup failed", zap.String("userId", id), zap.Error(err))
		} else if ok {
			p.Online = true
			p.Node = loc.Node
			p.Home = loc.Home
		}
	}
	return p, nil
}

// AddContactRequest 添加联系人
type AddContactRequest struct {
	ContactID string `json:"contactId" binding:"required"`
	Nickname  string `json:"nickname"`
}

// AddContact 添加联系人并确保两人之间存在私聊
func (s *UserService) AddContact(ctx context.Context, ownerID string, req *AddContactRequest) (*views.Contact, *views.ChatCreated, error) {
	chat, err := s.chats.CreatePrivate(ctx, ownerID, req.ContactID)
	if err != nil {
		return nil, nil, err
	}
	contact := &models.Contact{OwnerID: ownerID, ContactID: req.ContactID, Nickname: strings.TrimSpace(req.Nickname)}
	if err := s.contacts.Add(ctx, contact); err != nil {
		return nil, nil, s.storeError("add contact", err)
	}
	u, err := s.users.GetByID(ctx, req.ContactID)
	if err != nil {
		return nil, nil, s.storeError("load contact", err)
	}
	return &views.Contact{
		ID:        u.ID,
		Nickname:  u.Nickname,
		Alias:     contact.Nickname,
		PublicKey: u.PublicKey,
		Avatar:    u.Avatar,
		Online:    s.online.IsOnline(u.ID),
		AddedAt:   contact.AddedAt.UTC(),
	}, chat, nil
}

func (s *UserService) ListContacts(ctx context.Context, ownerID string) ([]views.Contact, error) {
	rows, err := s.contacts.List(ctx, ownerID)
	if err != nil {
		return nil, s.storeError("list contacts", err)
	}
	out := make([]views.Contact, 0, len(rows))
	for _, r := range rows {
		out = append(out, views.Contact{
			ID:        r.ContactID,
			Nickname:  r.UserNickname,
			Alias:     r.Nickname,
			PublicKey: r.PublicKey,
			Avatar:    r.Avatar,
			Online:    s.online.IsOnline(r.ContactID),
			AddedAt:   r.AddedAt.UTC(),
		})
	}
	return out, nil
}

func (s *UserService) storeError(op string, err error) error {
	s.log.Error(op+" failed", zap.Error(err))
	return fmt.Errorf("%w: %s", apperr.ErrStore, op)
}
