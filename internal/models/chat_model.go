package models

import (
	"sort"
	"time"
)

type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
)

// Chat 会话. 私聊的 PairKey 为两个参与者 ID 排序后以 "|" 连接,
// 唯一索引保证同一对用户最多一个私聊; 群聊 PairKey 为 NULL
type Chat struct {
	ID      string   `gorm:"primaryKey;size:36" json:"id"`
	Type    ChatType `gorm:"size:16;not null;index" json:"type"`
	Name    string   `gorm:"size:64" json:"name,omitempty"`
	Avatar  string   `gorm:"type:text" json:"avatar,omitempty"`
	PairKey *string  `gorm:"uniqueIndex;size:32" json:"-"`
	// LastSeq 是该会话最后一条消息的序号, 与消息插入在同一事务中递增
	LastSeq   int64     `gorm:"not null;default:0" json:"lastSeq"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`

	Participants []ChatParticipant `gorm:"foreignKey:ChatID" json:"-"`
}

func (Chat) TableName() string {
	return "chats"
}

// ChatParticipant 会话参与者, 只增不减
type ChatParticipant struct {
	ChatID      string    `gorm:"primaryKey;size:36" json:"chatId"`
	UserID      string    `gorm:"primaryKey;size:12;index" json:"userId"`
	JoinedAt    time.Time `gorm:"autoCreateTime" json:"joinedAt"`
	LastReadSeq int64     `gorm:"not null;default:0" json:"lastReadSeq"`
}

func (ChatParticipant) TableName() string {
	return "chat_participants"
}

// PairKey 返回无序用户对的规范键
func PairKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + "|" + pair[1]
}
