package model

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// PaymentMethod 支付方式及其费率
type PaymentMethod struct {
	ID               int64           `gorm:"primaryKey;autoIncrement" json:"-"`
	Code             string          `gorm:"type:varchar(32);uniqueIndex;not null" json:"code"`
	Name             string          `gorm:"type:varchar(64);not null" json:"name"`
	Provider         string          `gorm:"type:varchar(32);not null" json:"provider"`
	IsActive         bool            `gorm:"not null;default:true" json:"is_active"`
	FeePercent       decimal.Decimal `gorm:"type:decimal(6,3);not null;default:0" json:"fee_percent"`
	FeeFixed         decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"fee_fixed"`
	MinAmount        decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"min_amount"`
	MaxAmount        decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"max_amount"`
	SupportsDeposit  bool            `gorm:"not null;default:false" json:"supports_deposit"`
	SupportsWithdraw bool            `gorm:"not null;default:false" json:"supports_withdraw"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"-"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"-"`
}

func (PaymentMethod) TableName() string {
	return "payment_methods"
}

// ComputeFee 手续费 = amount * fee_percent / 100 + fee_fixed，四舍五入到整数 VND
// 手续费不超过金额本身
func (m *PaymentMethod) ComputeFee(amount decimal.Decimal) decimal.Decimal {
	fee := amount.Mul(m.FeePercent).Div(hundred).Add(m.FeeFixed).Round(0)
	if fee.IsNegative() {
		return decimal.Zero
	}
	if fee.GreaterThan(amount) {
		return amount
	}
	return fee
}

// InBounds max_amount 为 0 表示无上限
func (m *PaymentMethod) InBounds(amount decimal.Decimal) bool {
	if amount.LessThan(m.MinAmount) {
		return false
	}
	if m.MaxAmount.IsPositive() && amount.GreaterThan(m.MaxAmount) {
		return false
	}
	return true
}

// Supports 判断该支付方式是否可用于指定交易类型
func (m *PaymentMethod) Supports(txnType string) bool {
	switch txnType {
	case TransactionTypeDeposit:
		return m.SupportsDeposit
	case TransactionTypeWithdrawal:
		return m.SupportsWithdraw
	}
	return true
}
