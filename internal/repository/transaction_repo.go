package repository

import (
	"context"
	"time"

	"payledger/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, txn *model.Transaction) error {
	return conn(r.db, tx).WithContext(ctx).Create(txn).Error
}

func (r *TransactionRepository) GetByID(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error) {
	var txn model.Transaction
	err := conn(r.db, tx).WithContext(ctx).Where("id = ?", id).First(&txn).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &txn, nil
}

// GetByIDForUpdate 行锁读取，必须在事务内调用
func (r *TransactionRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error) {
	var txn model.Transaction
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&txn).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &txn, nil
}

func (r *TransactionRepository) GetByReference(ctx context.Context, tx *gorm.DB, referenceCode string) (*model.Transaction, error) {
	var txn model.Transaction
	err := conn(r.db, tx).WithContext(ctx).Where("reference_code = ?", referenceCode).First(&txn).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &txn, nil
}

// GetRefundOf 查询原交易对应的退款
func (r *TransactionRepository) GetRefundOf(ctx context.Context, tx *gorm.DB, originalID string) (*model.Transaction, error) {
	var txn model.Transaction
	err := conn(r.db, tx).WithContext(ctx).Where("refund_of = ?", originalID).First(&txn).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &txn, nil
}

// UpdateStatus 基于 status + version 的 CAS 更新
// 成功后同步 txn 内存中的状态和版本号
func (r *TransactionRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, txn *model.Transaction, toStatus, reason string, now time.Time) error {
	updates := map[string]interface{}{
		"status":     toStatus,
		"version":    gorm.Expr("version + 1"),
		"updated_at": now,
	}
	switch toStatus {
	case model.TransactionStatusCompleted:
		updates["completed_at"] = now
	case model.TransactionStatusFailed, model.TransactionStatusCancelled:
		updates["failure_reason"] = reason
	}

	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND status = ? AND version = ?", txn.ID, txn.Status, txn.Version).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionChanged
	}

	txn.Status = toStatus
	txn.Version++
	txn.UpdatedAt = now
	switch toStatus {
	case model.TransactionStatusCompleted:
		txn.CompletedAt = &now
	case model.TransactionStatusFailed, model.TransactionStatusCancelled:
		txn.FailureReason = reason
	}
	return nil
}

// SetExternalID 只在尚未设置时写入网关交易号
func (r *TransactionRepository) SetExternalID(ctx context.Context, tx *gorm.DB, id, externalID string) (bool, error) {
	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND external_transaction_id IS NULL", id).
		Update("external_transaction_id", externalID)
	return result.RowsAffected == 1, result.Error
}

// ListStale 查询已过期但仍未终结的交易
func (r *TransactionRepository) ListStale(ctx context.Context, now time.Time, limit int) ([]*model.Transaction, error) {
	var txns []*model.Transaction
	err := r.db.WithContext(ctx).
		Where("status IN ? AND expires_at IS NOT NULL AND expires_at < ?",
			[]string{model.TransactionStatusPending, model.TransactionStatusProcessing}, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

func (r *TransactionRepository) applyFilter(q *gorm.DB, f model.TransactionFilter) *gorm.DB {
	if f.UserID != 0 {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.PaymentMethod != "" {
		q = q.Where("payment_method = ?", f.PaymentMethod)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at < ?", *f.To)
	}
	return q
}

func (r *TransactionRepository) List(ctx context.Context, f model.TransactionFilter, p Page) ([]*model.Transaction, int64, error) {
	p = p.Normalize()
	var txns []*model.Transaction
	var total int64

	query := r.applyFilter(r.db.WithContext(ctx).Model(&model.Transaction{}), f)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset(p.Offset()).
		Limit(p.PageSize).
		Find(&txns).Error
	return txns, total, err
}

// ============================================================================
// 统计
// ============================================================================

type StatusCount struct {
	Status string
	Count  int64
	Amount decimal.Decimal
}

type MethodStat struct {
	PaymentMethod string
	Status        string
	Count         int64
	Amount        decimal.Decimal
}

type TypeVolume struct {
	Type   string
	Count  int64
	Amount decimal.Decimal
	Fee    decimal.Decimal
}

func (r *TransactionRepository) CountByStatus(ctx context.Context, f model.TransactionFilter) ([]StatusCount, error) {
	var rows []StatusCount
	err := r.applyFilter(r.db.WithContext(ctx).Model(&model.Transaction{}), f).
		Select("status, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS amount").
		Group("status").
		Scan(&rows).Error
	return rows, err
}

func (r *TransactionRepository) StatsByMethod(ctx context.Context, f model.TransactionFilter) ([]MethodStat, error) {
	var rows []MethodStat
	err := r.applyFilter(r.db.WithContext(ctx).Model(&model.Transaction{}), f).
		Select("payment_method, status, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS amount").
		Group("payment_method, status").
		Scan(&rows).Error
	return rows, err
}

// CompletedVolumeByType 已完成交易按类型汇总金额和手续费
func (r *TransactionRepository) CompletedVolumeByType(ctx context.Context, f model.TransactionFilter) ([]TypeVolume, error) {
	var rows []TypeVolume
	err := r.applyFilter(r.db.WithContext(ctx).Model(&model.Transaction{}), f).
		Where("status = ?", model.TransactionStatusCompleted).
		Select("type, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS amount, COALESCE(SUM(fee_amount), 0) AS fee").
		Group("type").
		Scan(&rows).Error
	return rows, err
}
