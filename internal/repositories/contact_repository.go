package repositories

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gopher0727/Nyx/internal/models"
)

type ContactRepository struct {
	db *gorm.DB
}

func NewContactRepository(db *gorm.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// Add 添加联系人, 已存在时忽略
func (r *ContactRepository) Add(ctx context.Context, c *models.Contact) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(c).Error
}

// ContactRow 联系人及其用户资料
type ContactRow struct {
	models.Contact
	UserNickname string
	PublicKey    string
	Avatar       string
}

func (r *ContactRepository) List(ctx context.Context, ownerID string) ([]ContactRow, error) {
	var rows []ContactRow
	err := r.db.WithContext(ctx).
		Table("contacts").
		Select("contacts.*, users.nickname AS user_nickname, users.public_key, users.avatar").
		Joins("JOIN users ON users.id = contacts.contact_id").
		Where("contacts.owner_id = ?", ownerID).
		Order("contacts.added_at ASC").
		Scan(&rows).Error
	return rows, err
}
