package repository

import (
	"context"
	"time"

	"payledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type IdempotencyRepository struct {
	db *gorm.DB
}

func NewIdempotencyRepository(db *gorm.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Insert 键已存在时不插入，返回 false
func (r *IdempotencyRepository) Insert(ctx context.Context, tx *gorm.DB, key *model.IdempotencyKey) (bool, error) {
	result := conn(r.db, tx).WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "key"}}, DoNothing: true}).
		Create(key)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *IdempotencyRepository) Get(ctx context.Context, tx *gorm.DB, key string) (*model.IdempotencyKey, error) {
	var k model.IdempotencyKey
	err := conn(r.db, tx).WithContext(ctx).
		Where(clause.Eq{Column: clause.Column{Name: "key"}, Value: key}).
		First(&k).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &k, nil
}

// TakeOver 接管已过期的键，只有仍处于过期状态时才会更新成功
func (r *IdempotencyRepository) TakeOver(ctx context.Context, tx *gorm.DB, key, transactionID string, now, expiresAt time.Time) (bool, error) {
	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.IdempotencyKey{}).
		Where(clause.Eq{Column: clause.Column{Name: "key"}, Value: key}).
		Where("expires_at <= ?", now).
		Updates(map[string]interface{}{
			"transaction_id": transactionID,
			"created_at":     now,
			"expires_at":     expiresAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// PurgeExpired 删除过期的键，返回删除条数
func (r *IdempotencyRepository) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at < ?", before).
		Delete(&model.IdempotencyKey{})
	return result.RowsAffected, result.Error
}
