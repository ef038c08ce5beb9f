package repository

import (
	"context"
	"time"

	"payledger/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BalanceRepository 余额流水（balances）与当前余额（user_balances）
type BalanceRepository struct {
	db *gorm.DB
}

func NewBalanceRepository(db *gorm.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

// EnsureUserBalance 不存在时插入零余额行，已存在则不做任何事
func (r *BalanceRepository) EnsureUserBalance(ctx context.Context, tx *gorm.DB, userID int64) error {
	row := model.UserBalance{
		UserID:         userID,
		CurrentBalance: decimal.Zero,
		TotalDeposited: decimal.Zero,
		TotalSpent:     decimal.Zero,
	}
	return conn(r.db, tx).WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&row).Error
}

func (r *BalanceRepository) GetUserBalanceForUpdate(ctx context.Context, tx *gorm.DB, userID int64) (*model.UserBalance, error) {
	var ub model.UserBalance
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&ub).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &ub, nil
}

func (r *BalanceRepository) GetUserBalance(ctx context.Context, tx *gorm.DB, userID int64) (*model.UserBalance, error) {
	var ub model.UserBalance
	err := conn(r.db, tx).WithContext(ctx).Where("user_id = ?", userID).First(&ub).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &ub, nil
}

// UpdateUserBalance 乐观锁更新，version 为读取时的版本号
func (r *BalanceRepository) UpdateUserBalance(ctx context.Context, tx *gorm.DB, ub *model.UserBalance, version int) error {
	result := tx.WithContext(ctx).
		Model(&model.UserBalance{}).
		Where("user_id = ? AND version = ?", ub.UserID, version).
		Updates(map[string]interface{}{
			"current_balance":     ub.CurrentBalance,
			"total_deposited":     ub.TotalDeposited,
			"total_spent":         ub.TotalSpent,
			"last_transaction_at": ub.LastTransactionAt,
			"version":             version + 1,
			"updated_at":          time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionChanged
	}
	ub.Version = version + 1
	return nil
}

func (r *BalanceRepository) CreateSnapshot(ctx context.Context, tx *gorm.DB, snap *model.BalanceSnapshot) error {
	return tx.WithContext(ctx).Create(snap).Error
}

func (r *BalanceRepository) GetSnapshotByTransaction(ctx context.Context, tx *gorm.DB, transactionID string) (*model.BalanceSnapshot, error) {
	var snap model.BalanceSnapshot
	err := conn(r.db, tx).WithContext(ctx).Where("transaction_id = ?", transactionID).First(&snap).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &snap, nil
}

func (r *BalanceRepository) CountSnapshots(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.BalanceSnapshot{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

func (r *BalanceRepository) ListSnapshots(ctx context.Context, userID int64, p Page) ([]*model.BalanceSnapshot, int64, error) {
	p = p.Normalize()
	var snaps []*model.BalanceSnapshot
	var total int64

	query := r.db.WithContext(ctx).Model(&model.BalanceSnapshot{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.
		Order("id DESC").
		Offset(p.Offset()).
		Limit(p.PageSize).
		Find(&snaps).Error
	return snaps, total, err
}

// SumChanges 用户全部流水 change_amount 之和
func (r *BalanceRepository) SumChanges(ctx context.Context, tx *gorm.DB, userID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := conn(r.db, tx).WithContext(ctx).
		Model(&model.BalanceSnapshot{}).
		Select("COALESCE(SUM(change_amount), 0)").
		Where("user_id = ?", userID).
		Row().Scan(&sum)
	return sum, err
}

// LatestSnapshot 用户最新一条流水，没有流水时返回 ErrNotFound
func (r *BalanceRepository) LatestSnapshot(ctx context.Context, tx *gorm.DB, userID int64) (*model.BalanceSnapshot, error) {
	var snap model.BalanceSnapshot
	err := conn(r.db, tx).WithContext(ctx).Where("user_id = ?", userID).Order("id DESC").First(&snap).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &snap, nil
}

// UsersWithActivitySince since 为空时返回所有有余额记录或流水的用户
func (r *BalanceRepository) UsersWithActivitySince(ctx context.Context, since *time.Time) ([]int64, error) {
	var ids []int64
	q := r.db.WithContext(ctx).Model(&model.BalanceSnapshot{}).Distinct("user_id")
	if since != nil {
		q = q.Where("created_at >= ?", *since)
	}
	if err := q.Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	if since != nil {
		return ids, nil
	}

	var balanceOwners []int64
	if err := r.db.WithContext(ctx).Model(&model.UserBalance{}).Pluck("user_id", &balanceOwners).Error; err != nil {
		return nil, err
	}
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	for _, id := range balanceOwners {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
