package models

import (
	"time"
)

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageAudio MessageType = "audio"
)

// Valid 报告 t 是否为已知消息类型
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageAudio:
		return true
	}
	return false
}

// Message 消息模型. 内容与 nonce 为客户端加密后的不透明字符串
type Message struct {
	ID               string      `gorm:"primaryKey;size:32" json:"id"`
	ChatID           string      `gorm:"size:36;not null;index:idx_messages_chat_created,priority:1;uniqueIndex:idx_messages_chat_seq,priority:1" json:"chatId"`
	Seq              int64       `gorm:"not null;uniqueIndex:idx_messages_chat_seq,priority:2" json:"seq"`
	SenderID         string      `gorm:"size:12;not null;index" json:"senderId"`
	EncryptedContent string      `gorm:"type:text;not null" json:"encryptedContent"`
	Nonce            string      `gorm:"type:text" json:"nonce"`
	Type             MessageType `gorm:"size:16;not null;default:text" json:"type"`
	ReplyTo          *string     `gorm:"size:32" json:"replyTo,omitempty"`
	ExpiresAt        *time.Time  `json:"expiresAt,omitempty"`
	CreatedAt        time.Time   `gorm:"not null;index:idx_messages_chat_created,priority:2" json:"createdAt"`
}

func (Message) TableName() string {
	return "messages"
}

// All 返回需要迁移的全部模型
func All() []any {
	return []any{
		&User{},
		&Session{},
		&Contact{},
		&Chat{},
		&ChatParticipant{},
		&Message{},
	}
}
