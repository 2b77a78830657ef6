package routers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/Nyx/config"
	"github.com/Gopher0727/Nyx/internal/handlers"
	"github.com/Gopher0727/Nyx/internal/models"
	"github.com/Gopher0727/Nyx/internal/presence"
	"github.com/Gopher0727/Nyx/internal/repositories"
	"github.com/Gopher0727/Nyx/internal/services"
	"github.com/Gopher0727/Nyx/internal/storage"
	"github.com/Gopher0727/Nyx/internal/utils"
	"github.com/Gopher0727/Nyx/internal/views"
	jwtpkg "github.com/Gopher0727/Nyx/middleware/jwt"
	"github.com/Gopher0727/Nyx/utils/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingAnnouncer struct {
	mu    sync.Mutex
	chats []*views.ChatCreated
}

func (a *recordingAnnouncer) AnnounceChat(_ context.Context, chat *views.ChatCreated) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chats = append(a.chats, chat)
}

func (a *recordingAnnouncer) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chats)
}

type server struct {
	engine    *gin.Engine
	messages  *repositories.MessageRepository
	announcer *recordingAnnouncer
}

func newServer(t *testing.T, required bool, qps int) *server {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	users := repositories.NewUserRepository(db, nil)
	chats := repositories.NewChatRepository(db)
	messages := repositories.NewMessageRepository(db)

	registry := presence.NewRegistry(nil, nil)
	authSvc := services.NewAuthService(users, repositories.NewSessionRepository(db), jwtpkg.NewTokenManager("test", 1, 2), nil)
	chatSvc := services.NewChatService(chats, messages, users, nil)
	historySvc := services.NewHistoryService(messages, 50, 200, nil)
	userSvc := services.NewUserService(users, repositories.NewContactRepository(db), chatSvc, registry, nil, nil)

	pool := utils.NewWorkerPool(4, 16, nil)
	pool.Start()
	t.Cleanup(pool.Stop)

	cfg := &config.Config{}
	cfg.JWT.Required = required
	cfg.RateLimit.QPS = qps
	cfg.RateLimit.MaxConcurrency = 16

	s := &server{engine: gin.New(), messages: messages, announcer: &recordingAnnouncer{}}
	SetupRoutes(s.engine, cfg, Deps{
		Auth:    handlers.NewAuthHandler(authSvc),
		Users:   handlers.NewUserHandler(userSvc, s.announcer),
		Chats:   handlers.NewChatHandler(chatSvc, historySvc, s.announcer, true),
		Authn:   authSvc,
		Limiter: ratelimit.NewMemoryLimiter(),
		Pool:    pool,
	})
	return s
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func (s *server) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func (s *server) register(t *testing.T, id, nickname string) services.AuthResult {
	t.Helper()
	code, env := s.do(t, http.MethodPost, "/api/auth/register", "",
		gin.H{"id": id, "nickname": nickname, "publicKey": "pk-" + id})
	require.Equal(t, http.StatusCreated, code, env.Error)
	var res services.AuthResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	return res
}

const (
	alice = "NYX-AAAAAAAA"
	bob   = "NYX-BBBBBBBB"
	carol = "NYX-CCCCCCCC"
)

func TestHealth(t *testing.T) {
	s := newServer(t, false, 0)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestAuthFlow(t *testing.T) {
	s := newServer(t, false, 0)
	res := s.register(t, alice, "alice")
	assert.Equal(t, alice, res.User.ID)
	assert.NotEmpty(t, res.Token)

	code, env := s.do(t, http.MethodPost, "/api/auth/register", "",
		gin.H{"nickname": "alice", "publicKey": "other"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "conflict", env.Code)
	assert.False(t, env.Success)

	code, env = s.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"id": alice, "publicKey": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthorized", env.Code)

	code, _ = s.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"id": alice, "publicKey": "pk-" + alice})
	assert.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, http.MethodPost, "/api/auth/register", "", gin.H{"nickname": "x"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = s.do(t, http.MethodPost, "/api/auth/refresh", res.Token, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
	code, _ = s.do(t, http.MethodPost, "/api/auth/refresh", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(t, http.MethodPost, "/api/auth/logout", res.Token, nil)
	assert.Equal(t, http.StatusOK, code)
	// 登出后 token 对应的会话失效
	code, env = s.do(t, http.MethodGet, "/api/users/"+alice, res.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthorized", env.Code)
}

func TestTokenRequired(t *testing.T) {
	s := newServer(t, true, 0)
	a := s.register(t, alice, "alice")
	s.register(t, bob, "bobby")

	code, _ := s.do(t, http.MethodGet, "/api/users/"+bob, "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(t, http.MethodGet, "/api/users/"+bob, a.Token, nil)
	assert.Equal(t, http.StatusOK, code)

	code, env := s.do(t, http.MethodPatch, "/api/users/"+bob, a.Token, gin.H{"avatar": "x"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "forbidden", env.Code)
}

func TestUsers(t *testing.T) {
	s := newServer(t, false, 0)
	s.register(t, alice, "alice")
	s.register(t, bob, "bobby")

	code, env := s.do(t, http.MethodGet, "/api/users/NYX-ZZZZZZZZ", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", env.Code)

	code, _ = s.do(t, http.MethodGet, "/api/users/search/bo", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = s.do(t, http.MethodGet, "/api/users/search/bob?userId="+alice, "", nil)
	require.Equal(t, http.StatusOK, code)
	var found []views.Participant
	require.NoError(t, json.Unmarshal(env.Data, &found))
	require.Len(t, found, 1)
	assert.Equal(t, bob, found[0].ID)

	code, env = s.do(t, http.MethodPatch, "/api/users/"+alice, "", gin.H{"nickname": "bobby"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "conflict", env.Code)

	code, env = s.do(t, http.MethodGet, "/api/users/"+bob+"/presence", "", nil)
	require.Equal(t, http.StatusOK, code)
	var p views.Presence
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.False(t, p.Online)
}

func TestContactsCreatePrivateChat(t *testing.T) {
	s := newServer(t, false, 0)
	s.register(t, alice, "alice")
	s.register(t, bob, "bobby")

	code, env := s.do(t, http.MethodPost, "/api/users/"+alice+"/contacts", "", gin.H{"contactId": bob, "nickname": "B"})
	require.Equal(t, http.StatusCreated, code, env.Error)
	assert.Equal(t, 1, s.announcer.count())

	code, env = s.do(t, http.MethodGet, "/api/users/"+alice+"/contacts", "", nil)
	require.Equal(t, http.StatusOK, code)
	var contacts []views.Contact
	require.NoError(t, json.Unmarshal(env.Data, &contacts))
	require.Len(t, contacts, 1)
	assert.Equal(t, "B", contacts[0].Alias)

	// 私聊已经存在
	code, env = s.do(t, http.MethodPost, "/api/chats/private", "", gin.H{"userId": bob, "contactId": alice})
	require.Equal(t, http.StatusOK, code)
	var out struct {
		ChatID   string `json:"chatId"`
		Existing bool   `json:"existing"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.True(t, out.Existing)
	assert.Equal(t, 1, s.announcer.count())
}

func TestChatsAndHistory(t *testing.T) {
	s := newServer(t, false, 0)
	s.register(t, alice, "alice")
	s.register(t, bob, "bobby")
	s.register(t, carol, "carol")

	code, env := s.do(t, http.MethodPost, "/api/chats/private", "", gin.H{"userId": alice, "contactId": bob})
	require.Equal(t, http.StatusOK, code, env.Error)
	var private struct {
		ChatID   string `json:"chatId"`
		Existing bool   `json:"existing"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &private))
	assert.False(t, private.Existing)

	code, env = s.do(t, http.MethodPost, "/api/chats/group", "",
		gin.H{"name": "team", "creatorId": alice, "participants": []string{bob, carol}})
	require.Equal(t, http.StatusCreated, code, env.Error)
	assert.Equal(t, 2, s.announcer.count())

	code, env = s.do(t, http.MethodGet, "/api/chats/user/"+carol, "", nil)
	require.Equal(t, http.StatusOK, code)
	var summaries []views.ChatSummary
	require.NoError(t, json.Unmarshal(env.Data, &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "team", summaries[0].Name)

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, s.messages.Append(context.Background(), &models.Message{
			ID: id, ChatID: private.ChatID, SenderID: alice, EncryptedContent: id,
			Type: models.MessageText, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	code, env = s.do(t, http.MethodGet, "/api/chats/"+private.ChatID+"/messages?limit=1", "", nil)
	require.Equal(t, http.StatusOK, code)
	var msgs []views.Message
	require.NoError(t, json.Unmarshal(env.Data, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "m3", msgs[0].ID)

	before := base.Add(2 * time.Second).Format(time.RFC3339Nano)
	code, env = s.do(t, http.MethodGet, "/api/chats/"+private.ChatID+"/messages?before="+before, "", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"m1", "m2"}, []string{msgs[0].ID, msgs[1].ID})

	code, env = s.do(t, http.MethodGet, "/api/chats/"+private.ChatID+"/messages?after_seq=2", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "m3", msgs[0].ID)

	code, _ = s.do(t, http.MethodGet, "/api/chats/"+private.ChatID+"/messages?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, "/api/chats/"+private.ChatID+"/read", "", gin.H{"userId": bob, "seq": 3})
	assert.Equal(t, http.StatusOK, code)
	code, env = s.do(t, http.MethodPost, "/api/chats/"+private.ChatID+"/read", "", gin.H{"userId": carol, "seq": 3})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "forbidden", env.Code)
}

func TestHistoryRequiresParticipant(t *testing.T) {
	s := newServer(t, true, 0)
	a := s.register(t, alice, "alice")
	s.register(t, bob, "bobby")
	c := s.register(t, carol, "carol")

	code, env := s.do(t, http.MethodPost, "/api/chats/private", a.Token, gin.H{"userId": alice, "contactId": bob})
	require.Equal(t, http.StatusOK, code, env.Error)
	var private struct {
		ChatID string `json:"chatId"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &private))
	require.NoError(t, s.messages.Append(context.Background(), &models.Message{
		ID: "msg_1", ChatID: private.ChatID, SenderID: alice, EncryptedContent: "secret",
		Type: models.MessageText, CreatedAt: time.Now().UTC(),
	}))

	code, env = s.do(t, http.MethodGet, "/api/chats/"+private.ChatID+"/messages", a.Token, nil)
	require.Equal(t, http.StatusOK, code)
	var msgs []views.Message
	require.NoError(t, json.Unmarshal(env.Data, &msgs))
	require.Len(t, msgs, 1)

	code, env = s.do(t, http.MethodGet, "/api/chats/"+private.ChatID+"/messages", c.Token, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "forbidden", env.Code)
	assert.NotContains(t, string(env.Data), "secret")

	code, env = s.do(t, http.MethodGet, "/api/chats/"+private.ChatID+"/messages?after_seq=0", c.Token, nil)
	assert.Equal(t, http.StatusForbidden, code)

	// 未知会话仍返回空列表
	code, env = s.do(t, http.MethodGet, "/api/chats/no-such-chat/messages", c.Token, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &msgs))
	assert.Empty(t, msgs)
}

func TestRateLimitPerIP(t *testing.T) {
	s := newServer(t, false, 2)
	var codes []int
	for i := 0; i < 3; i++ {
		code, _ := s.do(t, http.MethodGet, "/api/users/NYX-ZZZZZZZZ", "", nil)
		codes = append(codes, code)
	}
	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, codes)
}

func TestHealthHandler_ReportsStores(t *testing.T) {
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	registry := presence.NewRegistry(nil, nil)
	registry.Register(context.Background(), "c1", alice)

	r := gin.New()
	SetupRoutes(r, &config.Config{}, Deps{
		Health: handlers.NewHealthHandler(db, nil, registry, "node-1", "local").Health,
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "node-1", body["node"])
	assert.Equal(t, float64(1), body["onlineUsers"])

	require.NoError(t, storage.Close(db))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
