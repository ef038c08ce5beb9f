package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 交易类型 / 状态常量
// ============================================================================

const (
	TransactionTypeDeposit        = "deposit"         // 充值
	TransactionTypeWithdrawal     = "withdrawal"      // 提现
	TransactionTypeServicePayment = "service_payment" // 服务扣款
	TransactionTypeRefund         = "refund"          // 退款
	TransactionTypeBonus          = "bonus"           // 赠送
)

const (
	TransactionStatusPending    = "pending"
	TransactionStatusProcessing = "processing"
	TransactionStatusCompleted  = "completed"
	TransactionStatusFailed     = "failed"
	TransactionStatusCancelled  = "cancelled"
)

// ValidStatusTransitions 状态机允许的边
// processing -> processing 视为重复回调，由状态机按无操作处理，不在此表中
var ValidStatusTransitions = map[string][]string{
	TransactionStatusPending:    {TransactionStatusProcessing, TransactionStatusCancelled, TransactionStatusFailed},
	TransactionStatusProcessing: {TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusCancelled},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// IsTerminalStatus 终态：completed / failed / cancelled
func IsTerminalStatus(status string) bool {
	switch status {
	case TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusCancelled:
		return true
	}
	return false
}

func IsValidStatus(status string) bool {
	switch status {
	case TransactionStatusPending, TransactionStatusProcessing,
		TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusCancelled:
		return true
	}
	return false
}

func IsValidTransactionType(t string) bool {
	switch t {
	case TransactionTypeDeposit, TransactionTypeWithdrawal, TransactionTypeServicePayment,
		TransactionTypeRefund, TransactionTypeBonus:
		return true
	}
	return false
}

// IsDebit 扣减余额的交易类型
func IsDebit(t string) bool {
	return t == TransactionTypeWithdrawal || t == TransactionTypeServicePayment
}

// ============================================================================
// 交易实体
// ============================================================================

// Transaction 交易表
// 状态只能单向流转，终态后不可再变更；余额变动只发生在进入 completed 时
type Transaction struct {
	ID                    string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID                int64           `gorm:"index;not null" json:"user_id"`
	Type                  string          `gorm:"type:varchar(20);index;not null" json:"type"`
	PaymentMethod         string          `gorm:"type:varchar(32);index;not null" json:"payment_method"`
	Amount                decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	FeeAmount             decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"fee_amount"`
	NetAmount             decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"net_amount"`
	Status                string          `gorm:"type:varchar(20);index;not null" json:"status"`
	ReferenceCode         string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"reference_code"`
	ExternalTransactionID *string         `gorm:"type:varchar(128);index" json:"external_transaction_id,omitempty"`
	RefundOf              *string         `gorm:"type:varchar(36);uniqueIndex" json:"refund_of,omitempty"` // 退款对应的原交易，每笔原交易最多一笔退款
	Description           string          `gorm:"type:varchar(512)" json:"description,omitempty"`
	FailureReason         string          `gorm:"type:varchar(256)" json:"failure_reason,omitempty"`
	ExpiresAt             *time.Time      `gorm:"index" json:"expires_at,omitempty"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
	Version               int             `gorm:"not null;default:0" json:"-"`
	CreatedAt             time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt             time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}

func (t *Transaction) IsTerminal() bool {
	return IsTerminalStatus(t.Status)
}

// LedgerChange 交易完成时对余额的变动
// 入账类（充值/退款/赠送）按净额加，出账类（提现/服务扣款）按金额减
func (t *Transaction) LedgerChange() decimal.Decimal {
	if IsDebit(t.Type) {
		return t.Amount.Neg()
	}
	return t.NetAmount
}

// TransactionFilter 列表查询条件，零值字段不参与过滤
type TransactionFilter struct {
	UserID        int64
	Status        string
	Type          string
	PaymentMethod string
	From          *time.Time
	To            *time.Time
}
