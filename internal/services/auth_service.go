package services

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Gopher0727/Nyx/internal/apperr"
	"github.com/Gopher0727/Nyx/internal/models"
	"github.com/Gopher0727/Nyx/internal/repositories"
	"github.com/Gopher0727/Nyx/internal/utils"
	"github.com/Gopher0727/Nyx/internal/views"
	jwtpkg "github.com/Gopher0727/Nyx/middleware/jwt"
)

// AuthService 注册, 登录与会话校验
type AuthService struct {
	users    *repositories.UserRepository
	sessions *repositories.SessionRepository
	tokens   *jwtpkg.TokenManager
	log      *zap.Logger
	now      func() time.Time
}

func NewAuthService(users *repositories.UserRepository, sessions *repositories.SessionRepository,
	tokens *jwtpkg.TokenManager, log *zap.Logger,
) *AuthService {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthService{users: users, sessions: sessions, tokens: tokens, log: log.Named("auth"), now: time.Now}
}

// RegisterRequest 注册请求, ID 为空时由服务端生成
type RegisterRequest struct {
	ID        string `json:"id"`
	Nickname  string `json:"nickname" binding:"required"`
	PublicKey string `json:"publicKey" binding:"required"`
	Avatar    string `json:"avatar"`
}

type LoginRequest struct {
	ID        string `json:"id" binding:"required"`
	PublicKey string `json:"publicKey" binding:"required"`
}

// AuthResult 认证响应
type AuthResult struct {
	User      views.User `json:"user"`
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

const maxIDAttempts = 5

func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (*AuthResult, error) {
	req.Nickname = strings.TrimSpace(req.Nickname)
	if !utils.ValidateNickname(req.Nickname) {
		return nil, fmt.Errorf("%w: nickname must be %d-%d characters", apperr.ErrValidation, utils.NicknameMinLen, utils.NicknameMaxLen)
	}
	if strings.TrimSpace(req.PublicKey) == "" {
		return nil, fmt.Errorf("%w: publicKey is required", apperr.ErrValidation)
	}
	if req.ID != "" && !utils.ValidateUserID(req.ID) {
		return nil, fmt.Errorf("%w: id must match NYX-XXXXXXXX", apperr.ErrValidation)
	}

	if _, err := s.users.GetByNickname(ctx, req.Nickname); err == nil {
		return nil, fmt.Errorf("%w: nickname already taken", apperr.ErrConflict)
	} else if !repositories.IsNotFound(err) {
		return nil, s.storeError("check nickname", err)
	}

	user := &models.User{
		Nickname:              req.Nickname,
		PublicKey:             req.PublicKey,
		KeyFingerprint:        utils.KeyFingerprint(req.PublicKey),
		Avatar:                req.Avatar,
		AllowSearchByNickname: true,
	}

	// 客户端自带 ID 时冲突即报错; 服务端生成时重试
	for attempt := 0; ; attempt++ {
		user.ID = req.ID
		if user.ID == "" {
			user.ID = utils.GenerateUserID()
		}
		err := s.users.Create(ctx, user)
		if err == nil {
			break
		}
		if !repositories.IsDuplicate(err) {
			return nil, s.storeError("create user", err)
		}
		// 唯一冲突可能来自昵称的并发注册
		if _, nerr := s.users.GetByNickname(ctx, req.Nickname); nerr == nil {
			return nil, fmt.Errorf("%w: nickname already taken", apperr.ErrConflict)
		}
		if req.ID != "" {
			return nil, fmt.Errorf("%w: id already registered", apperr.ErrConflict)
		}
		if attempt+1 >= maxIDAttempts {
			return nil, s.storeError("allocate user id", err)
		}
	}

	s.log.Info("user registered", zap.String("userId", user.ID))
	return s.issue(ctx, user)
}

// Login 使用 ID 与注册时的公钥重新建立会话
func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*AuthResult, error) {
	if !utils.ValidateUserID(req.ID) || req.PublicKey == "" {
		return nil, fmt.Errorf("%w: id and publicKey are required", apperr.ErrValidation)
	}
	user, err := s.users.GetByID(ctx, req.ID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return nil, fmt.Errorf("%w: user %s", apperr.ErrNotFound, req.ID)
		}
		return nil, s.storeError("load user", err)
	}
	if subtle.ConstantTimeCompare([]byte(user.PublicKey), []byte(req.PublicKey)) != 1 {
		return nil, fmt.Errorf("%w: invalid credentials", apperr.ErrUnauthorized)
	}
	return s.issue(ctx, user)
}

func (s *AuthService) issue(ctx context.Context, user *models.User) (*AuthResult, error) {
	now := s.now().UTC()
	session := &models.Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.tokens.ExpireDuration()),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, s.storeError("create session", err)
	}
	token, err := s.tokens.GenerateToken(user.ID, session.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: sign token", apperr.ErrStore)
	}
	return &AuthResult{User: views.FromUser(user), Token: token, ExpiresAt: session.ExpiresAt}, nil
}

// Logout 删除 token 对应的会话; 无效 token 被忽略
func (s *AuthService) Logout(ctx context.Context, token string) error {
	claims, err := s.tokens.ParseToken(token)
	if err != nil {
		return nil
	}
	if err := s.sessions.Delete(ctx, claims.SessionID); err != nil {
		return s.storeError("delete session", err)
	}
	return nil
}

// Authenticate 校验 token 签名与会话是否仍然有效
func (s *AuthService) Authenticate(ctx context.Context, token string) (*jwtpkg.Claims, error) {
	claims, err := s.tokens.ParseToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrUnauthorized, err)
	}
	if _, err := s.sessions.GetValid(ctx, claims.SessionID, s.now()); err != nil {
		if repositories.IsNotFound(err) {
			return nil, fmt.Errorf("%w: session expired or revoked", apperr.ErrUnauthorized)
		}
		return nil, s.storeError("load session", err)
	}
	return claims, nil
}

// Refresh 为同一会话签发新 token. 已登出的会话不能刷新
func (s *AuthService) Refresh(ctx context.Context, token string) (*AuthResult, error) {
	fresh, err := s.tokens.RefreshToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrUnauthorized, err)
	}
	claims, err := s.tokens.ParseToken(fresh)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrUnauthorized, err)
	}

	expiresAt := s.now().UTC().Add(s.tokens.ExpireDuration())
	if err := s.sessions.Extend(ctx, claims.SessionID, expiresAt); err != nil {
		if repositories.IsNotFound(err) {
			return nil, fmt.Errorf("%w: session revoked", apperr.ErrUnauthorized)
		}
		return nil, s.storeError("extend session", err)
	}
	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return nil, fmt.Errorf("%w: user %s", apperr.ErrUnauthorized, claims.UserID)
		}
		return nil, s.storeError("load user", err)
	}
	return &AuthResult{User: views.FromUser(user), Token: fresh, ExpiresAt: expiresAt}, nil
}

// PurgeExpiredSessions 清理超出刷新窗口的过期会话
func (s *AuthService) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	n, err := s.sessions.DeleteExpired(ctx, s.now().Add(-s.tokens.RefreshWindow()))
	if err != nil {
		return 0, s.storeError("purge sessions", err)
	}
	return n, nil
}

func (s *AuthService) storeError(op string, err error) error {
	s.log.Error(op+" failed", zap.Error(err))
	return fmt.Errorf("%w: %s", apperr.ErrStore, op)
}
