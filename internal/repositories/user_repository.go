package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/Gopher0727/Nyx/internal/models"
)

const (
	userCacheKeyPrefix = "nyx:user:" // Redis String, 值是 user JSON
	userCacheTTL       = 1 * time.Hour
)

type UserRepository struct {
	db    *gorm.DB
	redis *redis.Client
}

// NewUserRepository redis 可以为 nil, 此时不使用缓存
func NewUserRepository(db *gorm.DB, redis *redis.Client) *UserRepository {
	return &UserRepository{db: db, redis: redis}
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

// GetByID 根据 ID 获取用户 (带缓存)
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if r.redis != nil {
		val, err := r.redis.Get(ctx, userCacheKeyPrefix+id).Bytes()
		if err == nil {
			var user models.User
			if json.Unmarshal(val, &user) == nil {
				return &user, nil
			}
		}
	}

	var user models.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, err
	}

	// 回填缓存, 失败不影响结果
	if r.redis != nil {
		if data, err := json.Marshal(&user); err == nil {
			r.redis.Set(ctx, userCacheKeyPrefix+id, data, userCacheTTL)
		}
	}
	return &user, nil
}

// GetByIDs 批量获取用户, 不存在的 ID 被忽略
func (r *UserRepository) GetByIDs(ctx context.Context, ids []string) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var users []models.User
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error
	return users, err
}

func (r *UserRepository) GetByNickname(ctx context.Context, nickname string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("nickname = ?", nickname).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// Missing 返回 ids 中不存在的用户
func (r *UserRepository) Missing(ctx context.Context, ids ...string) ([]string, error) {
	var found []string
	if err := r.db.WithContext(ctx).Model(&models.User{}).Where("id IN ?", ids).Pluck("id", &found).Error; err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(found))
	for _, id := range found {
		have[id] = true
	}
	var missing []string
	for _, id := range ids {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// SearchByNickname 按昵称前缀/子串搜索允许被搜索的用户
func (r *UserRepository) SearchByNickname(ctx context.Context, query, excludeID string, limit int) ([]models.User, error) {
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	var users []models.User
	err := r.db.WithContext(ctx).
		Where("LOWER(nickname) LIKE ? ESCAPE '\\'", pattern).
		Where("allow_search_by_nickname = ?", true).
		Where("id <> ?", excludeID).
		Order("nickname ASC").
		Limit(limit).
		Find(&users).Error
	return users, err
}

// Update 更新用户字段并清除缓存
func (r *UserRepository) Update(ctx context.Context, id string, updates map[string]any) (*models.User, error) {
	res := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	r.invalidate(ctx, id)
	return r.GetByID(ctx, id)
}

func (r *UserRepository) invalidate(ctx context.Context, id string) {
	if r.redis != nil {
		r.redis.Del(ctx, userCacheKeyPrefix+id)
	}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// IsNotFound 报告 err 是否为记录不存在
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// IsDuplicate 报告 err 是否为唯一约束冲突
func IsDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
