package repositories

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/Gopher0727/Nyx/internal/models"
)

type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, s *models.Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// GetValid 返回未过期的会话
func (r *SessionRepository) GetValid(ctx context.Context, id string, now time.Time) (*models.Session, error) {
	var s models.Session
	err := r.db.WithContext(ctx).Where("id = ? AND expires_at > ?", id, now.UTC()).First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Extend 延长会话有效期, 会话不存在时返回 gorm.ErrRecordNotFound
func (r *SessionRepository) Extend(ctx context.Context, id string, expiresAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", id).Update("expires_at", expiresAt.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Session{}).Error
}

// DeleteExpired 清理 before 之前过期的会话, 返回删除条数
func (r *SessionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", before.UTC()).Delete(&models.Session{})
	return res.RowsAffected, res.Error
}
