package repository

import (
	"context"

	"payledger/internal/model"

	"gorm.io/gorm"
)

type TransactionLogRepository struct {
	db *gorm.DB
}

func NewTransactionLogRepository(db *gorm.DB) *TransactionLogRepository {
	return &TransactionLogRepository{db: db}
}

func (r *TransactionLogRepository) Create(ctx context.Context, tx *gorm.DB, log *model.TransactionLog) error {
	return conn(r.db, tx).WithContext(ctx).Create(log).Error
}

func (r *TransactionLogRepository) ListByTransaction(ctx context.Context, transactionID string) ([]*model.TransactionLog, error) {
	var logs []*model.TransactionLog
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("id ASC").
		Find(&logs).Error
	return logs, err
}
