package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceSnapshot 余额流水表（balances）
// 只追加，不修改；每笔已完成交易最多一条，balance_after = balance_before + change_amount
type BalanceSnapshot struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID        int64           `gorm:"index;not null" json:"user_id"`
	TransactionID *string         `gorm:"type:varchar(36);uniqueIndex" json:"transaction_id,omitempty"`
	BalanceBefore decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"balance_before"`
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"balance_after"`
	ChangeAmount  decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"change_amount"`
	Remark        string          `gorm:"type:varchar(256)" json:"remark,omitempty"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (BalanceSnapshot) TableName() string {
	return "balances"
}

// UserBalance 用户当前余额
// 只能通过 Ledger.Apply 修改，current_balance 始终等于最新一条流水的 balance_after
type UserBalance struct {
	ID                int64           `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID            int64           `gorm:"uniqueIndex;not null" json:"user_id"`
	CurrentBalance    decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"current_balance"`
	TotalDeposited    decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"total_deposited"`
	TotalSpent        decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"total_spent"`
	LastTransactionAt *time.Time      `json:"last_transaction_at,omitempty"`
	Version           int             `gorm:"not null;default:0" json:"-"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (UserBalance) TableName() string {
	return "user_balances"
}
