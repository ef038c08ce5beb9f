package service

import (
	"errors"
	"fmt"

	"payledger/internal/gateway"
)

// ============================================================================
// 业务错误
// ============================================================================
//
// handler 层通过 errors.Is / errors.As 映射 HTTP 状态码，
// 其余错误一律按 500 处理且不向客户端暴露内部信息。
// ============================================================================

var (
	ErrInvalidTransition   = errors.New("不允许的状态流转")
	ErrAlreadyTerminal     = errors.New("交易已处于终态")
	ErrInsufficientBalance = errors.New("余额不足")
	ErrSignature           = gateway.ErrSignature
	ErrUnknownTransaction  = errors.New("回调对应的交易不存在")
	ErrUnknownProvider     = gateway.ErrUnknownProvider
	ErrTransactionNotFound = errors.New("交易不存在")
	ErrMethodInactive      = errors.New("支付方式不可用")
	ErrConcurrentUpdate    = errors.New("并发更新冲突，请重试")
	ErrAlertNotFound       = errors.New("告警不存在")
)

// ValidationError 请求参数或金额不合法，用户可自行修正
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
