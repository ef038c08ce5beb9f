package model

import "time"

const (
	LogReasonLedgerCommitError = "ledger_commit_error"
	LogReasonInvalidTransition = "invalid_transition"
	LogReasonAlreadyTerminal   = "already_terminal"
	LogReasonTimeout           = "timeout"
	LogReasonInsufficient      = "insufficient_balance"
)

// TransactionLog 状态变更审计日志，成功和被拒绝的尝试都会记录
type TransactionLog struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionID   string    `gorm:"type:varchar(36);index;not null" json:"transaction_id"`
	OldStatus       string    `gorm:"type:varchar(20)" json:"old_status"`
	NewStatus       string    `gorm:"type:varchar(20);not null" json:"new_status"`
	Reason          string    `gorm:"type:varchar(256)" json:"reason"`
	ChangedBy       string    `gorm:"type:varchar(64)" json:"changed_by"`
	ExecutionTimeMs int64     `gorm:"not null;default:0" json:"execution_time_ms"`
	Success         bool      `gorm:"not null" json:"success"`
	CreatedAt       time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (TransactionLog) TableName() string {
	return "transaction_logs"
}
