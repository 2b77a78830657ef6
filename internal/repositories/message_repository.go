package repositories

import (
	"context"
	"slices"
	"time"

	"gorm.io/gorm"

	"github.com/Gopher0727/Nyx/internal/models"
)

// MessageRepository 消息仓储
type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Append 追加一条消息.
// 同一事务内: 递增 chats.last_seq 作为消息序号 (UPDATE 持有行锁, 多实例下也串行),
// 并把 created_at 钳制为不早于该会话上一条消息, 保证 (created_at, seq) 与提交顺序一致.
// 会话不存在时返回 gorm.ErrRecordNotFound
func (r *MessageRepository) Append(ctx context.Context, msg *models.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Chat{}).
			Where("id = ?", msg.ChatID).
			Update("last_seq", gorm.Expr("last_seq + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		var seq int64
		if err := tx.Model(&models.Chat{}).Where("id = ?", msg.ChatID).Pluck("last_seq", &seq).Error; err != nil {
			return err
		}
		msg.Seq = seq

		var prev models.Message
		err := tx.Select("created_at").
			Where("chat_id = ?", msg.ChatID).
			Order("seq DESC").
			Limit(1).
			Find(&prev).Error
		if err != nil {
			return err
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		if msg.CreatedAt.Before(prev.CreatedAt) {
			msg.CreatedAt = prev.CreatedAt.UTC()
		}

		return tx.Create(msg).Error
	})
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListBefore 取 created_at 严格早于 before 的最新 limit 条, 按 (created_at, seq) 升序返回.
// before 为 nil 时取最新的 limit 条
func (r *MessageRepository) ListBefore(ctx context.Context, chatID string, before *time.Time, limit int) ([]models.Message, error) {
	q := r.db.WithContext(ctx).Where("chat_id = ?", chatID)
	if before != nil {
		q = q.Where("created_at < ?", before.UTC())
	}
	var messages []models.Message
	err := q.Order("created_at DESC, seq DESC").Limit(limit).Find(&messages).Error
	if err != nil {
		return nil, err
	}
	slices.Reverse(messages)
	return messages, nil
}

// ListAfterSeq 增量同步: 取 seq 大于 afterSeq 的前 limit 条, 升序
func (r *MessageRepository) ListAfterSeq(ctx context.Context, chatID string, afterSeq int64, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := r.db.WithContext(ctx).
		Where("chat_id = ? AND seq > ?", chatID, afterSeq).
		Order("seq ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// LastMessages 批量获取各会话的最后一条消息
func (r *MessageRepository) LastMessages(ctx context.Context, chatIDs []string) (map[string]models.Message, error) {
	out := make(map[string]models.Message, len(chatIDs))
	if len(chatIDs) == 0 {
		return out, nil
	}
	var rows []models.Message
	err := r.db.WithContext(ctx).
		Joins("JOIN chats ON chats.id = messages.chat_id AND chats.last_seq = messages.seq").
		Where("messages.chat_id IN ?", chatIDs).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, m := range rows {
		out[m.ChatID] = m
	}
	return out, nil
}
