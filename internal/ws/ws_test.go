package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/Nyx/internal/models"
	"github.com/Gopher0727/Nyx/internal/pipeline"
	"github.com/Gopher0727/Nyx/internal/presence"
	"github.com/Gopher0727/Nyx/internal/relay"
	"github.com/Gopher0727/Nyx/internal/repositories"
	"github.com/Gopher0727/Nyx/internal/rooms"
	"github.com/Gopher0727/Nyx/internal/storage"
	"github.com/Gopher0727/Nyx/internal/views"
	"github.com/Gopher0727/Nyx/utils/ratelimit"
	"github.com/Gopher0727/Nyx/utils/snowflake"
)

const (
	alice = "NYX-AAAAAAAA"
	bob   = "NYX-BBBBBBBB"
	carol = "NYX-CCCCCCCC"
)

type fixture struct {
	hub      *Hub
	registry *presence.Registry
	rooms    *rooms.Manager
	chats    *repositories.ChatRepository
}

func setup(t *testing.T, opts Options) *fixture {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	ctx := context.Background()
	users := repositories.NewUserRepository(db, nil)
	chats := repositories.NewChatRepository(db)
	messages := repositories.NewMessageRepository(db)
	for i, id := range []string{alice, bob, carol} {
		require.NoError(t, users.Create(ctx, &models.User{ID: id, Nickname: "user" + string(rune('a'+i)), PublicKey: "k"}))
	}
	require.NoError(t, chats.CreateWithParticipants(ctx,
		&models.Chat{ID: "chat-ab", Type: models.ChatGroup, CreatedAt: time.Now().UTC()},
		[]string{alice, bob}))

	f := &fixture{
		registry: presence.NewRegistry(nil, nil),
		chats:    chats,
	}
	f.rooms = rooms.NewManager(chats, nil)

	local := relay.NewLocal()
	opts.EnforceMembership = true
	f.hub = NewHub(Deps{
		Presence: f.registry,
		Rooms:    f.rooms,
		Relay:    local,
		Users:    users,
		Chats:    chats,
		Limiter:  ratelimit.NewMemoryLimiter(),
	}, opts, nil)
	require.NoError(t, local.Start(ctx, f.hub))

	ids, err := snowflake.NewGenerator(snowflake.Config{NodeID: 1})
	require.NoError(t, err)
	f.hub.SetSubmitter(pipeline.New(chats, messages, users, ids, local, f.hub,
		pipeline.Options{EnforceMembership: true}, nil))

	runCtx, cancel := context.WithCancel(ctx)
	go f.hub.Run(runCtx)
	t.Cleanup(cancel)
	return f
}

func frame(t *testing.T, event, ref string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	b, err := json.Marshal(Frame{Event: event, Ref: ref, Data: raw})
	require.NoError(t, err)
	return b
}

// connect 创建一个无底层连接的客户端, userID 非空时完成认证
func (f *fixture) connect(t *testing.T, userID string) *Client {
	t.Helper()
	c := newClient(f.hub, nil)
	f.hub.addClient(c)
	if userID != "" {
		c.handle(context.Background(), frame(t, EventAuth, "", AuthEvent{UserID: userID}))
		next(t, c, EventAuthOK)
	}
	return c
}

// next 跳过其他事件, 返回第一条 event 帧
func next(t *testing.T, c *Client, event string) Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw, ok := <-c.send:
			require.True(t, ok, "send channel closed")
			var f Frame
			require.NoError(t, json.Unmarshal(raw, &f))
			if f.Event == event {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on %s", event, c.id)
		}
	}
}

func drain(c *Client) []Frame {
	var out []Frame
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return out
			}
			var f Frame
			if json.Unmarshal(raw, &f) == nil {
				out = append(out, f)
			}
		default:
			return out
		}
	}
}

func count(frames []Frame, event string) int {
	n := 0
	for _, f := range frames {
		if f.Event == event {
			n++
		}
	}
	return n
}

func errorOf(t *testing.T, c *Client) ErrorPayload {
	t.Helper()
	f := next(t, c, EventError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	return p
}

func TestAuth_SubscribesPersistedChats(t *testing.T) {
	f := setup(t, Options{})
	c := newClient(f.hub, nil)
	f.hub.addClient(c)

	c.handle(context.Background(), frame(t, EventAuth, "a1", AuthEvent{UserID: alice}))
	ok := next(t, c, EventAuthOK)
	assert.Equal(t, "a1", ok.Ref)

	var payload AuthOK
	require.NoError(t, json.Unmarshal(ok.Data, &payload))
	assert.Equal(t, alice, payload.UserID)
	assert.Equal(t, []string{"chat-ab"}, payload.Chats)
	assert.True(t, f.rooms.IsSubscribed(c.id, "chat-ab"))
	assert.True(t, f.registry.IsOnline(alice))
}

func TestAuth_Rejections(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	c := f.connect(t, "")
	c.handle(ctx, frame(t, EventSendMessage, "", SendEvent{ChatID: "chat-ab", Content: "x"}))
	assert.Equal(t, "unauthorized", errorOf(t, c).Code)

	c.handle(ctx, frame(t, EventAuth, "", AuthEvent{UserID: "not-an-id"}))
	assert.Equal(t, "validation_error", errorOf(t, c).Code)

	c.handle(ctx, frame(t, EventAuth, "", AuthEvent{UserID: "NYX-ZZZZZZZZ"}))
	assert.Equal(t, "not_found", errorOf(t, c).Code)

	c.handle(ctx, []byte(`{"event":"bogus"}`))
	assert.Equal(t, "validation_error", errorOf(t, c).Code)

	c.handle(ctx, frame(t, EventAuth, "", AuthEvent{UserID: alice}))
	next(t, c, EventAuthOK)
	c.handle(ctx, frame(t, EventAuth, "", AuthEvent{UserID: bob}))
	assert.Equal(t, "forbidden", errorOf(t, c).Code)
}

func TestAuth_TokenRequired(t *testing.T) {
	f := setup(t, Options{RequireToken: true})
	c := f.connect(t, "")
	c.handle(context.Background(), frame(t, EventAuth, "", AuthEvent{UserID: alice}))
	assert.Equal(t, "unauthorized", errorOf(t, c).Code)
	assert.False(t, f.registry.IsOnline(alice))
}

func TestSend_DeliversToEveryParticipantConnection(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	a1 := f.connect(t, alice)
	a2 := f.connect(t, alice)
	b1 := f.connect(t, bob)
	c1 := f.connect(t, carol)

	a1.handle(ctx, frame(t, EventSendMessage, "r1", SendEvent{ChatID: "chat-ab", Content: "cipher", Nonce: "n1"}))

	// 发送方自己也会收到 message:new, 随后是 ack
	got := next(t, a1, EventMessageNew)
	var msg views.Message
	require.NoError(t, json.Unmarshal(got.Data, &msg))
	assert.Equal(t, alice, msg.SenderID)
	assert.Equal(t, "cipher", msg.Content)
	assert.Equal(t, int64(1), msg.Seq)

	sent := next(t, a1, EventMessageSent)
	assert.Equal(t, "r1", sent.Ref)
	var ack MessageSent
	require.NoError(t, json.Unmarshal(sent.Data, &ack))
	assert.Equal(t, msg.ID, ack.ID)

	for _, c := range []*Client{a2, b1} {
		got := next(t, c, EventMessageNew)
		var m views.Message
		require.NoError(t, json.Unmarshal(got.Data, &m))
		assert.Equal(t, msg.ID, m.ID)
	}
	assert.Zero(t, count(drain(c1), EventMessageNew))
}

func TestSend_AcceptsEncryptedContentAlias(t *testing.T) {
	f := setup(t, Options{})
	a := f.connect(t, alice)

	a.handle(context.Background(), []byte(
		`{"event":"message:send","data":{"chatId":"chat-ab","encryptedContent":"cipher","nonce":"n"}}`))
	got := next(t, a, EventMessageNew)
	var m views.Message
	require.NoError(t, json.Unmarshal(got.Data, &m))
	assert.Equal(t, "cipher", m.Content)
}

func TestSend_Rejections(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	a := f.connect(t, alice)
	c := f.connect(t, carol)

	a.handle(ctx, frame(t, EventSendMessage, "", SendEvent{ChatID: "chat-ab", SenderID: bob, Content: "x"}))
	assert.Equal(t, "forbidden", errorOf(t, a).Code)

	c.handle(ctx, frame(t, EventSendMessage, "", SendEvent{ChatID: "chat-ab", Content: "x"}))
	assert.Equal(t, "forbidden", errorOf(t, c).Code)

	a.handle(ctx, frame(t, EventSendMessage, "r", SendEvent{ChatID: "missing", Content: "x"}))
	e := next(t, a, EventError)
	assert.Equal(t, "r", e.Ref)

	a.handle(ctx, frame(t, EventSendMessage, "", SendEvent{ChatID: "chat-ab"}))
	assert.Equal(t, "validation_error", errorOf(t, a).Code)
}

func TestSend_RateLimited(t *testing.T) {
	f := setup(t, Options{MessageLimit: 1, MessageWindow: time.Minute})
	ctx := context.Background()
	a := f.connect(t, alice)

	a.handle(ctx, frame(t, EventSendMessage, "", SendEvent{ChatID: "chat-ab", Content: "1"}))
	next(t, a, EventMessageSent)
	a.handle(ctx, frame(t, EventSendMessage, "", SendEvent{ChatID: "chat-ab", Content: "2"}))
	assert.Equal(t, "rate_limited", errorOf(t, a).Code)
}

func TestPresence_SingleOfflineNotification(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	c := f.connect(t, carol)

	b1 := f.connect(t, bob)
	online := next(t, c, EventUserOnline)
	var who string
	require.NoError(t, json.Unmarshal(online.Data, &who))
	assert.Equal(t, bob, who)

	b2 := f.connect(t, bob)
	f.hub.removeClient(ctx, b1)
	assert.True(t, f.registry.IsOnline(bob))

	f.hub.removeClient(ctx, b2)
	offline := next(t, c, EventUserOffline)
	require.NoError(t, json.Unmarshal(offline.Data, &who))
	assert.Equal(t, bob, who)

	time.Sleep(50 * time.Millisecond)
	rest := drain(c)
	assert.Zero(t, count(rest, EventUserOffline))
	assert.Zero(t, count(rest, EventUserOnline))

	// 注销后发送通道被关闭
	for range b2.send {
	}
}

func TestJoinLeaveAndTyping(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	a := f.connect(t, alice)
	b := f.connect(t, bob)
	c := f.connect(t, carol)

	c.handle(ctx, []byte(`{"event":"chat:join","data":"chat-ab"}`))
	assert.Equal(t, "forbidden", errorOf(t, c).Code)
	assert.False(t, f.rooms.IsSubscribed(c.id, "chat-ab"))

	b.handle(ctx, []byte(`{"event":"chat:leave","data":{"chatId":"chat-ab"}}`))
	assert.False(t, f.rooms.IsSubscribed(b.id, "chat-ab"))
	b.handle(ctx, []byte(`{"event":"chat:join","data":"chat-ab"}`))
	assert.True(t, f.rooms.IsSubscribed(b.id, "chat-ab"))

	a.handle(ctx, frame(t, EventTyping, "", TypingEvent{ChatID: "chat-ab"}))
	got := next(t, b, EventTyping)
	var typing Typing
	require.NoError(t, json.Unmarshal(got.Data, &typing))
	assert.Equal(t, Typing{ChatID: "chat-ab", UserID: alice}, typing)
	assert.Zero(t, count(drain(a), EventTyping))

	c.handle(ctx, frame(t, EventTyping, "", TypingEvent{ChatID: "chat-ab"}))
	assert.Equal(t, "forbidden", errorOf(t, c).Code)
}

func TestAnnounceChat_SubscribesParticipants(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	a := f.connect(t, alice)
	c := f.connect(t, carol)
	b := f.connect(t, bob)

	require.NoError(t, f.chats.CreateWithParticipants(ctx,
		&models.Chat{ID: "chat-ac", Type: models.ChatGroup, CreatedAt: time.Now().UTC()},
		[]string{alice, carol}))
	f.hub.AnnounceChat(ctx, &views.ChatCreated{ChatID: "chat-ac", Type: "group", Participants: []string{alice, carol}})

	for _, cl := range []*Client{a, c} {
		got := next(t, cl, EventChatCreated)
		var created views.ChatCreated
		require.NoError(t, json.Unmarshal(got.Data, &created))
		assert.Equal(t, "chat-ac", created.ChatID)
		assert.True(t, f.rooms.IsSubscribed(cl.id, "chat-ac"))
	}
	assert.Zero(t, count(drain(b), EventChatCreated))

	c.handle(ctx, frame(t, EventSendMessage, "", SendEvent{ChatID: "chat-ac", Content: "hi"}))
	next(t, a, EventMessageNew)
}

func TestDeliver_ClosesSlowClient(t *testing.T) {
	f := setup(t, Options{SendBuffer: 1})
	c := newClient(f.hub, nil)
	f.hub.addClient(c)
	f.rooms.Join(c.id, "chat-x")

	env := &relay.Envelope{ChatID: "chat-x", Event: EventTyping, Data: json.RawMessage(`{}`)}
	f.hub.Deliver(env)
	f.hub.Deliver(env)

	select {
	case <-c.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("slow client was not closed")
	}
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Inbound
		err  bool
	}{
		{"join bare id", `{"event":"chat:join","data":"c1"}`, JoinEvent{ChatID: "c1"}, false},
		{"join object", `{"event":"chat:join","data":{"chatId":"c1"}}`, JoinEvent{ChatID: "c1"}, false},
		{"leave", `{"event":"chat:leave","data":"c1"}`, LeaveEvent{ChatID: "c1"}, false},
		{"join empty", `{"event":"chat:join","data":""}`, nil, true},
		{"typing", `{"event":"message:typing","data":{"chatId":"c1"}}`, TypingEvent{ChatID: "c1"}, false},
		{"auth without user", `{"event":"auth","data":{}}`, nil, true},
		{"missing data", `{"event":"message:send"}`, nil, true},
		{"not json", `hello`, nil, true},
		{"unknown", `{"event":"nope","data":{}}`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ev, err := ParseFrame([]byte(tt.raw))
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev)
		})
	}
}
