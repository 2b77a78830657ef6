package models

import (
	"time"
)

// User 用户模型, ID 形如 NYX-XXXXXXXX, 创建后不可变
type User struct {
	ID             string `gorm:"primaryKey;size:12" json:"id"`
	Nickname       string `gorm:"uniqueIndex;size:32;not null" json:"nickname"`
	PublicKey      string `gorm:"type:text;not null" json:"publicKey"`
	KeyFingerprint string `gorm:"size:64" json:"keyFingerprint"`
	Avatar         string `gorm:"type:text" json:"avatar,omitempty"`

	AllowSearchByNickname bool `gorm:"default:true" json:"allowSearchByNickname"`
	// AutoDeleteMessages 以秒为单位, nil 表示不自动删除
	AutoDeleteMessages *int64 `json:"autoDeleteMessages,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

func (User) TableName() string {
	return "users"
}

// Session 登录会话, token 中携带 session id, 登出时删除
type Session struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    string    `gorm:"index;size:12;not null" json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `gorm:"index" json:"expiresAt"`
}

func (Session) TableName() string {
	return "sessions"
}

// Contact 联系人, 单向
type Contact struct {
	OwnerID   string    `gorm:"primaryKey;size:12" json:"ownerId"`
	ContactID string    `gorm:"primaryKey;size:12" json:"contactId"`
	Nickname  string    `gorm:"size:32" json:"nickname,omitempty"`
	AddedAt   time.Time `gorm:"autoCreateTime" json:"addedAt"`
}

func (Contact) TableName() string {
	return "contacts"
}
