package model

import "time"

// IdempotencyKey 幂等键，一个键在有效期内只对应一笔交易
type IdempotencyKey struct {
	Key           string    `gorm:"type:varchar(191);primaryKey" json:"key"`
	TransactionID string    `gorm:"type:varchar(36);not null" json:"transaction_id"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
	ExpiresAt     time.Time `gorm:"index;not null" json:"expires_at"`
}

func (IdempotencyKey) TableName() string {
	return "idempotency_keys"
}

func (k *IdempotencyKey) Expired(now time.Time) bool {
	return !now.Before(k.ExpiresAt)
}
