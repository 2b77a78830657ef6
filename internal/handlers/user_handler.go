package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Nyx/internal/middlewares"
	"github.com/Gopher0727/Nyx/internal/services"
)

type UserHandler struct {
	userService *services.UserService
	announcer   ChatAnnouncer
}

// NewUserHandler announcer 可以为 nil
func NewUserHandler(userService *services.UserService, announcer ChatAnnouncer) *UserHandler {
	return &UserHandler{userService: userService, announcer: announcer}
}

// GetUser GET /api/users/:id
func (h *UserHandler) GetUser(c *gin.Context) {
	user, err := h.userService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, user)
}

// Search GET /api/users/search/:query
// 请求者通过认证信息或 ?userId= 从结果中排除
func (h *UserHandler) Search(c *gin.Context) {
	requester := middlewares.CurrentUserID(c)
	if requester == "" {
		requester = c.Query("userId")
	}
	users, err := h.userService.Search(c.Request.Context(), c.Param("query"), requester)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, users)
}

// UpdateUser PATCH /api/users/:id
func (h *UserHandler) UpdateUser(c *gin.Context) {
	id := c.Param("id")
	if err := authorize(c, id); err != nil {
		fail(c, err)
		return
	}
	var req services.UpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	user, err := h.userService.Update(c.Request.Context(), id, &req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, user)
}

// Presence GET /api/users/:id/presence
func (h *UserHandler) Presence(c *gin.Context) {
	p, err := h.userService.Presence(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, p)
}

// ListContacts GET /api/users/:id/contacts
func (h *UserHandler) ListContacts(c *gin.Context) {
	id := c.Param("id")
	if err := authorize(c, id); err != nil {
		fail(c, err)
		return
	}
	contacts, err := h.userService.ListContacts(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, contacts)
}

// AddContact POST /api/users/:id/contacts, 同时确保双方的私聊存在
func (h *UserHandler) AddContact(c *gin.Context) {
	id := c.Param("id")
	if err := authorize(c, id); err != nil {
		fail(c, err)
		return
	}
	var req services.AddContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	contact, chat, err := h.userService.AddContact(c.Request.Context(), id, &req)
	if err != nil {
		fail(c, err)
		return
	}
	if h.announcer != nil && !chat.Existing {
		h.announcer.AnnounceChat(c.Request.Context(), chat)
	}
	created(c, gin.H{"contact": contact, "chatId": chat.ChatID})
}
