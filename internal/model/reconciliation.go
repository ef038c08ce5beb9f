package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	AlertKindBalanceDrift       = "balance_drift"
	AlertKindSnapshotMismatch   = "snapshot_mismatch"
	AlertKindExternalIDMismatch = "external_id_mismatch"
	AlertKindAmountMismatch     = "amount_mismatch"
	AlertKindNegativeBalance    = "negative_balance"
	AlertKindLateCallback       = "late_callback"
)

// ReconciliationAlert 对账告警，只报告不修正，需人工处理
type ReconciliationAlert struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID        int64           `gorm:"index;not null" json:"user_id"`
	Kind          string          `gorm:"type:varchar(32);index;not null" json:"kind"`
	Expected      decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"expected"`
	Actual        decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"actual"`
	Delta         decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"delta"`
	TransactionID *string         `gorm:"type:varchar(36)" json:"transaction_id,omitempty"`
	Detail        string          `gorm:"type:text" json:"detail,omitempty"`
	Resolved      bool            `gorm:"index;not null;default:false" json:"resolved"`
	ResolvedBy    string          `gorm:"type:varchar(64)" json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (ReconciliationAlert) TableName() string {
	return "reconciliation_alerts"
}

// ReconcileCursor 记录上次对账时间点，多副本共享
type ReconcileCursor struct {
	Name      string    `gorm:"type:varchar(64);primaryKey" json:"name"`
	LastRunAt time.Time `gorm:"not null" json:"last_run_at"`
}

func (ReconcileCursor) TableName() string {
	return "reconcile_cursors"
}
