package repositories

import (
	"context"

	"gorm.io/gorm"

	"github.com/Gopher0727/Nyx/internal/models"
)

type ChatRepository struct {
	db *gorm.DB
}

func NewChatRepository(db *gorm.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

// CreateWithParticipants 在一个事务中创建会话及全部参与者
// 私聊的 pair_key 唯一约束冲突以 gorm.ErrDuplicatedKey 返回
func (r *ChatRepository) CreateWithParticipants(ctx context.Context, chat *models.Chat, userIDs []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(chat).Error; err != nil {
			return err
		}
		// 直接插入中间表记录
		participants := make([]models.ChatParticipant, 0, len(userIDs))
		for _, uid := range userIDs {
			participants = append(participants, models.ChatParticipant{
				ChatID:   chat.ID,
				UserID:   uid,
				JoinedAt: chat.CreatedAt,
			})
		}
		return tx.Create(&participants).Error
	})
}

func (r *ChatRepository) GetByID(ctx context.Context, id string) (*models.Chat, error) {
	var chat models.Chat
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&chat).Error; err != nil {
		return nil, err
	}
	return &chat, nil
}

// FindPrivate 根据 pair key 查找私聊
func (r *ChatRepository) FindPrivate(ctx context.Context, pairKey string) (*models.Chat, error) {
	var chat models.Chat
	err := r.db.WithContext(ctx).
		Where("pair_key = ? AND type = ?", pairKey, models.ChatPrivate).
		First(&chat).Error
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// IsParticipant 检查用户是否是会话参与者, 利用联合主键索引
func (r *ChatRepository) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ChatParticipant{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Count(&count).Error
	return count > 0, err
}

func (r *ChatRepository) ParticipantIDs(ctx context.Context, chatID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&models.ChatParticipant{}).
		Where("chat_id = ?", chatID).
		Order("joined_at ASC, user_id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

// ChatIDsForUser 获取用户参与的所有会话 ID
func (r *ChatRepository) ChatIDsForUser(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&models.ChatParticipant{}).
		Where("user_id = ?", userID).
		Pluck("chat_id", &ids).Error
	return ids, err
}

// ListForUser 返回用户的会话, 新建的在前
func (r *ChatRepository) ListForUser(ctx context.Context, userID string) ([]models.Chat, error) {
	var chats []models.Chat
	err := r.db.WithContext(ctx).
		Joins("JOIN chat_participants cp ON cp.chat_id = chats.id").
		Where("cp.user_id = ?", userID).
		Order("chats.created_at DESC, chats.id ASC").
		Find(&chats).Error
	return chats, err
}

// Participants 批量获取多个会话的参与者
func (r *ChatRepository) Participants(ctx context.Context, chatIDs []string) (map[string][]models.ChatParticipant, error) {
	out := make(map[string][]models.ChatParticipant, len(chatIDs))
	if len(chatIDs) == 0 {
		return out, nil
	}
	var rows []models.ChatParticipant
	err := r.db.WithContext(ctx).
		Where("chat_id IN ?", chatIDs).
		Order("joined_at ASC, user_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, p := range rows {
		out[p.ChatID] = append(out[p.ChatID], p)
	}
	return out, nil
}

// MarkRead 推进已读序号, 只前进不后退, 且不超过会话的 last_seq; 返回是否为参与者
func (r *ChatRepository) MarkRead(ctx context.Context, chatID, userID string, seq int64) (bool, error) {
	ok, err := r.IsParticipant(ctx, chatID, userID)
	if err != nil || !ok {
		return ok, err
	}
	chat, err := r.GetByID(ctx, chatID)
	if err != nil {
		return true, err
	}
	seq = min(seq, chat.LastSeq)
	err = r.db.WithContext(ctx).Model(&models.ChatParticipant{}).
		Where("chat_id = ? AND user_id = ? AND last_read_seq < ?", chatID, userID, seq).
		Update("last_read_seq", seq).Error
	return true, err
}

// UnreadCounts 统计用户在各会话中 seq 大于已读序号且非本人发送的消息数
func (r *ChatRepository) UnreadCounts(ctx context.Context, userID string) (map[string]int64, error) {
	type row struct {
		ChatID string
		Unread int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Table("messages m").
		Select("m.chat_id AS chat_id, COUNT(*) AS unread").
		Joins("JOIN chat_participants cp ON cp.chat_id = m.chat_id AND cp.user_id = ?", userID).
		Where("m.seq > cp.last_read_seq AND m.sender_id <> ?", userID).
		Group("m.chat_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.ChatID] = r.Unread
	}
	return out, nil
}
