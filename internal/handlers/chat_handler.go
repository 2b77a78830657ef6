package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Nyx/internal/middlewares"
	"github.com/Gopher0727/Nyx/internal/services"
)

type ChatHandler struct {
	chatService    *services.ChatService
	historyService *services.HistoryService
	announcer      ChatAnnouncer
	// 为 true 时已认证的调用者只能读取自己参与的会话
	enforceMembership bool
}

func NewChatHandler(chatService *services.ChatService, historyService *services.HistoryService,
	announcer ChatAnnouncer, enforceMembership bool,
) *ChatHandler {
	return &ChatHandler{
		chatService:       chatService,
		historyService:    historyService,
		announcer:         announcer,
		enforceMembership: enforceMembership,
	}
}

type createPrivateRequest struct {
	UserID    string `json:"userId" binding:"required"`
	ContactID string `json:"contactId" binding:"required"`
}

// CreatePrivate POST /api/chats/private, 已存在时返回原会话
func (h *ChatHandler) CreatePrivate(c *gin.Context) {
	var req createPrivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := authorize(c, req.UserID); err != nil {
		fail(c, err)
		return
	}

	chat, err := h.chatService.CreatePrivate(c.Request.Context(), req.UserID, req.ContactID)
	if err != nil {
		fail(c, err)
		return
	}
	if !chat.Existing && h.announcer != nil {
		h.announcer.AnnounceChat(c.Request.Context(), chat)
	}
	ok(c, gin.H{"chatId": chat.ChatID, "existing": chat.Existing})
}

type createGroupRequest struct {
	Name         string   `json:"name" binding:"required"`
	CreatorID    string   `json:"creatorId" binding:"required"`
	Participants []string `json:"participants"`
}

// CreateGroup POST /api/chats/group
func (h *ChatHandler) CreateGroup(c *gin.Context) {
	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := authorize(c, req.CreatorID); err != nil {
		fail(c, err)
		return
	}

	chat, err := h.chatService.CreateGroup(c.Request.Context(), req.Name, req.CreatorID, req.Participants)
	if err != nil {
		fail(c, err)
		return
	}
	if h.announcer != nil {
		h.announcer.AnnounceChat(c.Request.Context(), chat)
	}
	created(c, gin.H{"chatId": chat.ChatID, "name": chat.Name, "participants": chat.Participants})
}

// ListForUser GET /api/chats/user/:userId
func (h *ChatHandler) ListForUser(c *gin.Context) {
	userID := c.Param("userId")
	if err := authorize(c, userID); err != nil {
		fail(c, err)
		return
	}
	chats, err := h.chatService.ListForUser(c.Request.Context(), userID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, chats)
}

// Messages GET /api/chats/:chatId/messages?limit=&before=&after_seq=
// after_seq 优先于 before
func (h *ChatHandler) Messages(c *gin.Context) {
	chatID := c.Param("chatId")
	if caller := middlewares.CurrentUserID(c); caller != "" && h.enforceMembership {
		if err := h.chatService.CheckReader(c.Request.Context(), chatID, caller); err != nil {
			fail(c, err)
			return
		}
	}

	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			badRequest(c, errors.New("limit must be an integer"))
			return
		}
		limit = n
	}

	if s := c.Query("after_seq"); s != "" {
		seq, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			badRequest(c, errors.New("after_seq must be an integer"))
			return
		}
		msgs, err := h.historyService.ListAfterSeq(c.Request.Context(), chatID, seq, limit)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, msgs)
		return
	}

	var before *time.Time
	if s := c.Query("before"); s != "" {
		t, err := parseBefore(s)
		if err != nil {
			badRequest(c, err)
			return
		}
		before = &t
	}

	msgs, err := h.historyService.List(c.Request.Context(), chatID, limit, before)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, msgs)
}

// parseBefore 接受 RFC3339 时间或毫秒时间戳
func parseBefore(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, errors.New("before must be an RFC3339 time or unix milliseconds")
	}
	return time.UnixMilli(ms).UTC(), nil
}

type markReadRequest struct {
	UserID string `json:"userId" binding:"required"`
	Seq    int64  `json:"seq"`
}

// MarkRead POST /api/chats/:chatId/read
func (h *ChatHandler) MarkRead(c *gin.Context) {
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := authorize(c, req.UserID); err != nil {
		fail(c, err)
		return
	}
	if err := h.chatService.MarkRead(c.Request.Context(), c.Param("chatId"), req.UserID, req.Seq); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"chatId": c.Param("chatId"), "seq": req.Seq})
}
