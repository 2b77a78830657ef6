// Package views 定义对外输出的 JSON 结构, HTTP, WebSocket 与 gRPC 共用
package views

import (
	"time"

	"github.com/Gopher0727/Nyx/internal/models"
)

// Message 消息视图. Content 为客户端加密后的内容
type Message struct {
	ID        string     `json:"id"`
	ChatID    string     `json:"chatId"`
	SenderID  string     `json:"senderId"`
	Content   string     `json:"content"`
	Nonce     string     `json:"nonce"`
	Type      string     `json:"type"`
	Seq       int64      `json:"seq"`
	ReplyTo   *string    `json:"replyTo,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

func FromMessage(m *models.Message) Message {
	return Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Content:   m.EncryptedContent,
		Nonce:     m.Nonce,
		Type:      string(m.Type),
		Seq:       m.Seq,
		ReplyTo:   m.ReplyTo,
		ExpiresAt: m.ExpiresAt,
		Timestamp: m.CreatedAt.UTC(),
	}
}

func FromMessages(ms []models.Message) []Message {
	out := make([]Message, 0, len(ms))
	for i := range ms {
		out = append(out, FromMessage(&ms[i]))
	}
	return out
}

// User 公开的用户资料
type User struct {
	ID                    string    `json:"id"`
	Nickname              string    `json:"nickname"`
	PublicKey             string    `json:"publicKey"`
	KeyFingerprint        string    `json:"keyFingerprint,omitempty"`
	Avatar                string    `json:"avatar,omitempty"`
	AllowSearchByNickname bool      `json:"allowSearchByNickname"`
	AutoDeleteMessages    *int64    `json:"autoDeleteMessages,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
}

func FromUser(u *models.User) User {
	return User{
		ID:                    u.ID,
		Nickname:              u.Nickname,
		PublicKey:             u.PublicKey,
		KeyFingerprint:        u.KeyFingerprint,
		Avatar:                u.Avatar,
		AllowSearchByNickname: u.AllowSearchByNickname,
		AutoDeleteMessages:    u.AutoDeleteMessages,
		CreatedAt:             u.CreatedAt.UTC(),
	}
}

// Participant 会话参与者
type Participant struct {
	ID        string `json:"id"`
	Nickname  string `json:"nickname"`
	PublicKey string `json:"publicKey"`
	Avatar    string `json:"avatar,omitempty"`
}

// ChatSummary 会话列表项
type ChatSummary struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Name         string        `json:"name"`
	Avatar       string        `json:"avatar,omitempty"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UnreadCount  int64         `json:"unreadCount"`
	LastSeq      int64         `json:"lastSeq"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// ChatCreated 是 chat:created 事件与建群接口的返回
type ChatCreated struct {
	ChatID       string   `json:"chatId"`
	Type         string   `json:"type"`
	Name         string   `json:"name,omitempty"`
	Participants []string `json:"participants"`
	Existing     bool     `json:"existing,omitempty"`
}

// Contact 联系人
type Contact struct {
	ID        string    `json:"id"`
	Nickname  string    `json:"nickname"`
	Alias     string    `json:"alias,omitempty"`
	PublicKey string    `json:"publicKey"`
	Avatar    string    `json:"avatar,omitempty"`
	Online    bool      `json:"online"`
	AddedAt   time.Time `json:"addedAt"`
}

// Presence 在线状态
type Presence struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
	Node   string `json:"node,omitempty"`
	Home   string `json:"home,omitempty"`
}
