package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"payledger/internal/config"
	"payledger/internal/gateway"
	"payledger/internal/infrastructure/metrics"
	"payledger/internal/model"
	"payledger/internal/repository"
	"payledger/pkg/idgen"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// WalletMethod 余额支付、退款和赠送使用的内部支付方式
const WalletMethod = "wallet"

const expireBatchSize = 100

// ============================================================================
// 交易状态机
// ============================================================================
//
//   pending ──> processing ──> completed
//      │             ├──────> failed
//      │             └──────> cancelled
//      ├──> failed
//      └──> cancelled
//
// Transition 在一个数据库事务内完成：
//   锁交易行 -> 登记幂等键 -> 校验状态边 -> CAS 更新状态
//   -> (completed) 写账本 -> 写审计日志 -> (终态) 写 outbox
// 任一步失败整体回滚，回滚后再补写一条失败的审计日志。
// ============================================================================

type TransactionService struct {
	db         *gorm.DB
	cfg        *config.Config
	txnRepo    *repository.TransactionRepository
	logRepo    *repository.TransactionLogRepository
	methodRepo *repository.PaymentMethodRepository
	outboxRepo *repository.OutboxRepository
	ledger     *LedgerService
	guard      *IdempotencyGuard
	gateways   *gateway.Registry
	log        *zap.Logger
	now        func() time.Time
	newRefCode func() string
	newTxnID   func() string
}

func NewTransactionService(
	db *gorm.DB,
	cfg *config.Config,
	ledger *LedgerService,
	guard *IdempotencyGuard,
	gateways *gateway.Registry,
	log *zap.Logger,
) *TransactionService {
	return &TransactionService{
		db:         db,
		cfg:        cfg,
		txnRepo:    repository.NewTransactionRepository(db),
		logRepo:    repository.NewTransactionLogRepository(db),
		methodRepo: repository.NewPaymentMethodRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
		ledger:     ledger,
		guard:      guard,
		gateways:   gateways,
		log:        log,
		now:        time.Now,
		newRefCode: idgen.GenerateReferenceCode,
		newTxnID:   uuid.NewString,
	}
}

// ============================================================================
// 创建
// ============================================================================

type CreateRequest struct {
	UserID         int64
	Type           string
	Amount         decimal.Decimal
	Method         string
	Description    string
	IdempotencyKey string
	ChangedBy      string
	// RefundOf 退款对应的原交易 ID
	RefundOf       string
}

var errDuplicateKey = errors.New("duplicate idempotency key")

// Create 创建 pending 交易
// 带幂等键的重复请求直接返回第一次创建的交易
func (s *TransactionService) Create(ctx context.Context, req CreateRequest) (*model.Transaction, error) {
	method, err := s.validateCreate(ctx, &req)
	if err != nil {
		return nil, err
	}

	fee := method.ComputeFee(req.Amount)
	now := s.now()
	txn := &model.Transaction{
		ID:            s.newTxnID(),
		UserID:        req.UserID,
		Type:          req.Type,
		PaymentMethod: method.Code,
		Amount:        req.Amount,
		FeeAmount:     fee,
		NetAmount:     req.Amount.Sub(fee),
		Status:        model.TransactionStatusPending,
		ReferenceCode: s.newRefCode(),
		Description:   req.Description,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.RefundOf != "" {
		refundOf := req.RefundOf
		txn.RefundOf = &refundOf
	}
	if req.Type == model.TransactionTypeDeposit {
		expires := now.Add(s.cfg.Business.PaymentSessionTTL())
		txn.ExpiresAt = &expires
	}

	var existingID string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if txn.RefundOf != nil {
			// 锁住原交易，串行化同一笔交易的退款
			if _, err := s.txnRepo.GetByIDForUpdate(ctx, tx, *txn.RefundOf); err != nil {
				return fmt.Errorf("锁定原交易失败: %w", err)
			}
			existing, err := s.txnRepo.GetRefundOf(ctx, tx, *txn.RefundOf)
			if err == nil {
				existingID = existing.ID
				return errDuplicateKey
			}
			if !errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("查询已有退款失败: %w", err)
			}
		}
		if err := s.txnRepo.Create(ctx, tx, txn); err != nil {
			return fmt.Errorf("创建交易失败: %w", err)
		}
		if req.IdempotencyKey == "" {
			return nil
		}
		reg, err := s.guard.Register(ctx, tx, createKey(req.UserID, req.IdempotencyKey), txn.ID)
		if err != nil {
			return fmt.Errorf("登记幂等键失败: %w", err)
		}
		if !reg.New {
			existingID = reg.TransactionID
			return errDuplicateKey
		}
		return nil
	})
	if errors.Is(err, errDuplicateKey) {
		s.log.Info("重复的创建请求，返回原交易",
			zap.Int64("user_id", req.UserID),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("refund_of", req.RefundOf),
			zap.String("transaction_id", existingID))
		return s.Get(ctx, existingID)
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("交易已创建",
		zap.String("transaction_id", txn.ID),
		zap.String("reference_code", txn.ReferenceCode),
		zap.Int64("user_id", txn.UserID),
		zap.String("type", txn.Type),
		zap.String("method", txn.PaymentMethod),
		zap.String("amount", txn.Amount.String()),
		zap.String("fee", txn.FeeAmount.String()))

	if model.IsDebit(txn.Type) {
		return s.checkFunds(ctx, txn, req.ChangedBy)
	}
	return txn, nil
}

func createKey(userID int64, key string) string {
	return "create:" + strconv.FormatInt(userID, 10) + ":" + key
}

func (s *TransactionService) validateCreate(ctx context.Context, req *CreateRequest) (*model.PaymentMethod, error) {
	if req.UserID <= 0 {
		return nil, invalid("user_id", "must be positive")
	}
	if !model.IsValidTransactionType(req.Type) {
		return nil, invalid("type", "unsupported transaction type %q", req.Type)
	}
	if !req.Amount.IsPositive() {
		return nil, invalid("amount", "must be greater than 0")
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return nil, invalid("amount", "at most 2 decimal places")
	}
	if len(req.IdempotencyKey) > 128 {
		return nil, invalid("idempotency_key", "too long")
	}
	if req.Method == "" {
		req.Method = WalletMethod
	}

	method, err := s.methodRepo.GetByCode(ctx, req.Method)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, invalid("payment_method", "unknown payment method %q", req.Method)
	}
	if err != nil {
		return nil, fmt.Errorf("查询支付方式失败: %w", err)
	}
	if !method.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrMethodInactive, method.Code)
	}
	if !method.Supports(req.Type) {
		return nil, invalid("payment_method", "%s does not support %s", method.Code, req.Type)
	}

	// 退款和赠送由管理员发起，不受渠道限额约束
	if req.Type != model.TransactionTypeRefund && req.Type != model.TransactionTypeBonus && !method.InBounds(req.Amount) {
		return nil, invalid("amount", "must be between %s and %s for %s",
			method.MinAmount.String(), method.MaxAmount.String(), method.Code)
	}
	return method, nil
}

// checkFunds 出账类交易创建后立即校验余额，不足时置为 failed
func (s *TransactionService) checkFunds(ctx context.Context, txn *model.Transaction, changedBy string) (*model.Transaction, error) {
	if txn.Status != model.TransactionStatusPending {
		return txn, nil
	}
	balance, err := s.ledger.Current(ctx, txn.UserID)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	if !balance.CurrentBalance.LessThan(txn.Amount) {
		return txn, nil
	}

	failed, err := s.Transition(ctx, TransitionRequest{
		TransactionID: txn.ID,
		NewStatus:     model.TransactionStatusFailed,
		Reason:        model.LogReasonInsufficient,
		ChangedBy:     firstNonEmpty(changedBy, "system"),
	})
	if err != nil && !errors.Is(err, ErrAlreadyTerminal) {
		return nil, err
	}
	if failed == nil {
		failed = txn
	}
	return failed, ErrInsufficientBalance
}

// ============================================================================
// 状态流转
// ============================================================================

type TransitionRequest struct {
	TransactionID         string
	NewStatus             string
	Reason                string
	ChangedBy             string
	ExternalTransactionID string
	// IdempotencyKey 非空时与状态变更一起登记，重复的键直接视为已处理
	IdempotencyKey string
	// ExpectedStatus 非空时要求当前状态与之相同
	ExpectedStatus string
	// ViaProcessing 为真且交易仍是 pending 时，先经过 processing 再到目标状态，两步在同一事务内完成
	ViaProcessing bool
}

type transitionResult int

const (
	resultApplied transitionResult = iota
	resultNoop
)

func (s *TransactionService) Transition(ctx context.Context, req TransitionRequest) (*model.Transaction, error) {
	if !model.IsValidStatus(req.NewStatus) {
		return nil, invalid("status", "unknown status %q", req.NewStatus)
	}
	if req.ChangedBy == "" {
		req.ChangedBy = "system"
	}

	start := time.Now()
	var (
		txn       *model.Transaction
		oldStatus string
		result    transitionResult
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		txn, err = s.txnRepo.GetByIDForUpdate(ctx, tx, req.TransactionID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrTransactionNotFound
			}
			return err
		}
		oldStatus = txn.Status

		if txn.IsTerminal() {
			if txn.Status == req.NewStatus {
				result = resultNoop
				return s.writeLog(ctx, tx, txn.ID, oldStatus, req, "already_applied", start, true)
			}
			return ErrAlreadyTerminal
		}
		if req.ExpectedStatus != "" && txn.Status != req.ExpectedStatus {
			return ErrInvalidTransition
		}
		if txn.Status == model.TransactionStatusProcessing && req.NewStatus == model.TransactionStatusProcessing {
			// 网关重复通知处理中
			result = resultNoop
			if err := s.bindExternalID(ctx, tx, txn, req.ExternalTransactionID); err != nil {
				return err
			}
			return s.writeLog(ctx, tx, txn.ID, oldStatus, req, "already_applied", start, true)
		}
		steps := []string{req.NewStatus}
		if req.ViaProcessing && txn.Status == model.TransactionStatusPending && req.NewStatus != model.TransactionStatusProcessing {
			steps = []string{model.TransactionStatusProcessing, req.NewStatus}
		}
		from := txn.Status
		for _, st := range steps {
			if !model.CanTransitionTo(from, st) {
				return ErrInvalidTransition
			}
			from = st
		}

		if req.IdempotencyKey != "" {
			reg, err := s.guard.Register(ctx, tx, req.IdempotencyKey, txn.ID)
			if err != nil {
				return fmt.Errorf("登记幂等键失败: %w", err)
			}
			if !reg.New {
				if reg.TransactionID != txn.ID {
					return invalid("idempotency_key", "already used by another transaction")
				}
				result = resultNoop
				return nil
			}
		}

		if err := s.bindExternalID(ctx, tx, txn, req.ExternalTransactionID); err != nil {
			return err
		}

		now := s.now()
		if len(steps) > 1 {
			// 中间步骤 pending -> processing
			step := req
			step.NewStatus = model.TransactionStatusProcessing
			step.Reason = "gateway_callback"
			if err := s.txnRepo.UpdateStatus(ctx, tx, txn, step.NewStatus, step.Reason, now); err != nil {
				if errors.Is(err, repository.ErrVersionChanged) {
					return ErrConcurrentUpdate
				}
				return fmt.Errorf("更新交易状态失败: %w", err)
			}
			if err := s.writeLog(ctx, tx, txn.ID, oldStatus, step, step.Reason, start, true); err != nil {
				return err
			}
		}
		prevStatus := txn.Status
		if err := s.txnRepo.UpdateStatus(ctx, tx, txn, req.NewStatus, req.Reason, now); err != nil {
			if errors.Is(err, repository.ErrVersionChanged) {
				return ErrConcurrentUpdate
			}
			return fmt.Errorf("更新交易状态失败: %w", err)
		}

		if req.NewStatus == model.TransactionStatusCompleted {
			txnID := txn.ID
			if _, err := s.ledger.Apply(ctx, tx, LedgerEntry{
				UserID:        txn.UserID,
				TransactionID: &txnID,
				Change:        txn.LedgerChange(),
				Type:          txn.Type,
				Remark:        fmt.Sprintf("%s %s", txn.Type, txn.ReferenceCode),
				At:            now,
			}); err != nil {
				return err
			}
		}

		if err := s.writeLog(ctx, tx, txn.ID, prevStatus, req, req.Reason, start, true); err != nil {
			return err
		}

		if txn.IsTerminal() {
			if err := s.enqueueEvent(ctx, tx, txn, req.Reason, now); err != nil {
				return err
			}
		}
		result = resultApplied
		return nil
	})

	metrics.TransitionDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		return s.transitionFailed(ctx, req, txn, oldStatus, start, err)
	}

	if result == resultNoop {
		metrics.TransitionsTotal.WithLabelValues(req.NewStatus, "noop").Inc()
		// 幂等键命中时 txn 可能不是最新状态
		return s.Get(ctx, req.TransactionID)
	}

	metrics.TransitionsTotal.WithLabelValues(req.NewStatus, "ok").Inc()
	s.log.Info("交易状态变更",
		zap.String("transaction_id", txn.ID),
		zap.String("reference_code", txn.ReferenceCode),
		zap.String("from", oldStatus),
		zap.String("to", txn.Status),
		zap.String("reason", req.Reason),
		zap.String("changed_by", req.ChangedBy))
	return txn, nil
}

// transitionFailed 事务回滚后补写失败日志
func (s *TransactionService) transitionFailed(ctx context.Context, req TransitionRequest, txn *model.Transaction, oldStatus string, start time.Time, cause error) (*model.Transaction, error) {
	if errors.Is(cause, ErrTransactionNotFound) {
		metrics.TransitionsTotal.WithLabelValues(req.NewStatus, "rejected").Inc()
		return nil, cause
	}

	reason := model.LogReasonLedgerCommitError
	label := "error"
	var ve *ValidationError
	switch {
	case errors.Is(cause, ErrAlreadyTerminal):
		reason, label = model.LogReasonAlreadyTerminal, "rejected"
	case errors.Is(cause, ErrInvalidTransition), errors.As(cause, &ve):
		reason, label = model.LogReasonInvalidTransition, "rejected"
	}
	metrics.TransitionsTotal.WithLabelValues(req.NewStatus, label).Inc()

	if err := s.writeLog(context.WithoutCancel(ctx), nil, req.TransactionID, oldStatus, req, reason, start, false); err != nil {
		s.log.Error("写入失败审计日志失败", zap.String("transaction_id", req.TransactionID), zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("transaction_id", req.TransactionID),
		zap.String("from", oldStatus),
		zap.String("to", req.NewStatus),
		zap.String("log_reason", reason),
		zap.Error(cause),
	}
	if label == "error" {
		s.log.Error("交易状态变更失败，已回滚", fields...)
	} else {
		s.log.Warn("交易状态变更被拒绝", fields...)
	}

	if errors.Is(cause, ErrAlreadyTerminal) {
		return txn, cause
	}
	return nil, cause
}

func (s *TransactionService) bindExternalID(ctx context.Context, tx *gorm.DB, txn *model.Transaction, externalID string) error {
	if externalID == "" || txn.ExternalTransactionID != nil {
		return nil
	}
	if _, err := s.txnRepo.SetExternalID(ctx, tx, txn.ID, externalID); err != nil {
		return fmt.Errorf("写入网关交易号失败: %w", err)
	}
	txn.ExternalTransactionID = &externalID
	return nil
}

func (s *TransactionService) writeLog(ctx context.Context, tx *gorm.DB, txnID, oldStatus string, req TransitionRequest, reason string, start time.Time, success bool) error {
	return s.logRepo.Create(ctx, tx, &model.TransactionLog{
		TransactionID:   txnID,
		OldStatus:       oldStatus,
		NewStatus:       req.NewStatus,
		Reason:          reason,
		ChangedBy:       req.ChangedBy,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		Success:         success,
	})
}

func (s *TransactionService) enqueueEvent(ctx context.Context, tx *gorm.DB, txn *model.Transaction, reason string, now time.Time) error {
	payload, err := json.Marshal(model.TransactionEvent{
		TransactionID: txn.ID,
		ReferenceCode: txn.ReferenceCode,
		UserID:        txn.UserID,
		Type:          txn.Type,
		Status:        txn.Status,
		Amount:        txn.Amount.String(),
		NetAmount:     txn.NetAmount.String(),
		Reason:        reason,
		OccurredAt:    now.Unix(),
	})
	if err != nil {
		return err
	}
	return s.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		MessageKey: txn.ReferenceCode,
		Topic:      s.cfg.Kafka.Topic.TransactionResult,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
}

// ============================================================================
// 过期处理
// ============================================================================

// ExpireStale 把超过 expires_at 仍未终结的交易取消，走与 Transition 相同的入口
func (s *TransactionService) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	for {
		txns, err := s.txnRepo.ListStale(ctx, now, expireBatchSize)
		if err != nil {
			return expired, fmt.Errorf("查询过期交易失败: %w", err)
		}
		progressed := 0
		for _, txn := range txns {
			if ctx.Err() != nil {
				return expired, ctx.Err()
			}
			_, err := s.Transition(ctx, TransitionRequest{
				TransactionID: txn.ID,
				NewStatus:     model.TransactionStatusCancelled,
				Reason:        model.LogReasonTimeout,
				ChangedBy:     "system:expiry",
			})
			if err != nil {
				if errors.Is(err, ErrAlreadyTerminal) {
					progressed++
					continue
				}
				s.log.Warn("取消过期交易失败", zap.String("transaction_id", txn.ID), zap.Error(err))
				continue
			}
			progressed++
			expired++
			metrics.ExpiredTotal.Inc()
		}
		if len(txns) < expireBatchSize || progressed == 0 {
			return expired, nil
		}
	}
}

// ============================================================================
// 业务操作
// ============================================================================

// PaymentResult 充值/提现的返回结果
type PaymentResult struct {
	Transaction *model.Transaction
	PaymentURL  string
}

type DepositRequest struct {
	UserID         int64
	Amount         decimal.Decimal
	Method         string
	Description    string
	ReturnURL      string
	ClientIP       string
	IdempotencyKey string
}

// Deposit 创建充值交易并生成渠道支付链接，生成链接不在数据库事务内
func (s *TransactionService) Deposit(ctx context.Context, req DepositRequest) (*PaymentResult, error) {
	txn, err := s.Create(ctx, CreateRequest{
		UserID:         req.UserID,
		Type:           model.TransactionTypeDeposit,
		Amount:         req.Amount,
		Method:         req.Method,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
		ChangedBy:      userActor(req.UserID),
	})
	if err != nil {
		return nil, err
	}

	result := &PaymentResult{Transaction: txn}
	if txn.Status != model.TransactionStatusPending {
		return result, nil
	}

	method, err := s.methodRepo.GetByCode(ctx, txn.PaymentMethod)
	if err != nil {
		return nil, fmt.Errorf("查询支付方式失败: %w", err)
	}
	gw, err := s.gateways.Get(method.Provider)
	if err != nil {
		return nil, invalid("payment_method", "%s has no payment gateway", method.Code)
	}
	pr := gateway.PaymentRequest{
		ReferenceCode: txn.ReferenceCode,
		UserID:        txn.UserID,
		Amount:        txn.Amount,
		Description:   txn.Description,
		ReturnURL:     req.ReturnURL,
		ClientIP:      req.ClientIP,
		CreatedAt:     txn.CreatedAt,
	}
	if txn.ExpiresAt != nil {
		pr.ExpiresAt = *txn.ExpiresAt
	}
	if result.PaymentURL, err = gw.PaymentURL(pr); err != nil {
		return nil, fmt.Errorf("生成支付链接失败: %w", err)
	}
	return result, nil
}

type WithdrawRequest struct {
	UserID         int64
	Amount         decimal.Decimal
	Method         string
	Description    string
	IdempotencyKey string
}

// Withdraw 创建提现交易，余额充足时立即进入 processing 等待银行回调
// 余额在回调成功（completed）时才扣减
func (s *TransactionService) Withdraw(ctx context.Context, req WithdrawRequest) (*PaymentResult, error) {
	txn, err := s.Create(ctx, CreateRequest{
		UserID:         req.UserID,
		Type:           model.TransactionTypeWithdrawal,
		Amount:         req.Amount,
		Method:         req.Method,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
		ChangedBy:      userActor(req.UserID),
	})
	if err != nil {
		if txn != nil {
			return &PaymentResult{Transaction: txn}, err
		}
		return nil, err
	}
	if txn.Status != model.TransactionStatusPending {
		return &PaymentResult{Transaction: txn}, nil
	}

	txn, err = s.Transition(ctx, TransitionRequest{
		TransactionID:  txn.ID,
		NewStatus:      model.TransactionStatusProcessing,
		Reason:         "payout_dispatched",
		ChangedBy:      userActor(req.UserID),
		ExpectedStatus: model.TransactionStatusPending,
	})
	if err != nil {
		return nil, err
	}
	return &PaymentResult{Transaction: txn}, nil
}

type PayServiceRequest struct {
	UserID         int64
	Amount         decimal.Decimal
	Description    string
	IdempotencyKey string
}

// PayService 使用余额支付服务费用，同步完成
func (s *TransactionService) PayService(ctx context.Context, req PayServiceRequest) (*model.Transaction, error) {
	txn, err := s.Create(ctx, CreateRequest{
		UserID:         req.UserID,
		Type:           model.TransactionTypeServicePayment,
		Amount:         req.Amount,
		Method:         WalletMethod,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
		ChangedBy:      userActor(req.UserID),
	})
	if err != nil {
		return txn, err
	}
	return s.settle(ctx, txn, userActor(req.UserID))
}

// Refund 退还一笔已完成的服务扣款，每笔原交易最多退款一次
// 唯一性由 refund_of 唯一索引保证，幂等键过期后也不会重复退款
func (s *TransactionService) Refund(ctx context.Context, adminID int64, originalID, reason string) (*model.Transaction, error) {
	orig, err := s.Get(ctx, originalID)
	if err != nil {
		return nil, err
	}
	if orig.Type != model.TransactionTypeServicePayment {
		return nil, invalid("transaction_id", "only service payments can be refunded")
	}
	if orig.Status != model.TransactionStatusCompleted {
		return nil, fmt.Errorf("%w: transaction is %s", ErrInvalidTransition, orig.Status)
	}

	desc := "refund of " + orig.ReferenceCode
	if reason != "" {
		desc += ": " + reason
	}
	txn, err := s.Create(ctx, CreateRequest{
		UserID:         orig.UserID,
		Type:           model.TransactionTypeRefund,
		Amount:         orig.Amount,
		Method:         WalletMethod,
		Description:    desc,
		IdempotencyKey: "refund:" + orig.ID,
		ChangedBy:      adminActor(adminID),
		RefundOf:       orig.ID,
	})
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, txn, adminActor(adminID))
}

// GrantBonus 管理员赠送余额
func (s *TransactionService) GrantBonus(ctx context.Context, adminID, userID int64, amount decimal.Decimal, reason, idempotencyKey string) (*model.Transaction, error) {
	txn, err := s.Create(ctx, CreateRequest{
		UserID:         userID,
		Type:           model.TransactionTypeBonus,
		Amount:         amount,
		Method:         WalletMethod,
		Description:    reason,
		IdempotencyKey: idempotencyKey,
		ChangedBy:      adminActor(adminID),
	})
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, txn, adminActor(adminID))
}

// settle 内部交易同步推进到 completed
// 扣款时余额不足则置为 failed 并返回 ErrInsufficientBalance
func (s *TransactionService) settle(ctx context.Context, txn *model.Transaction, actor string) (*model.Transaction, error) {
	var err error
	if txn.Status == model.TransactionStatusPending {
		txn, err = s.Transition(ctx, TransitionRequest{
			TransactionID: txn.ID,
			NewStatus:     model.TransactionStatusProcessing,
			Reason:        "internal_settlement",
			ChangedBy:     actor,
		})
		if err != nil {
			return txn, err
		}
	}
	if txn.Status != model.TransactionStatusProcessing {
		return txn, nil
	}

	completed, err := s.Transition(ctx, TransitionRequest{
		TransactionID: txn.ID,
		NewStatus:     model.TransactionStatusCompleted,
		Reason:        "internal_settlement",
		ChangedBy:     actor,
	})
	if errors.Is(err, ErrInsufficientBalance) {
		failed, ferr := s.Transition(ctx, TransitionRequest{
			TransactionID: txn.ID,
			NewStatus:     model.TransactionStatusFailed,
			Reason:        model.LogReasonInsufficient,
			ChangedBy:     actor,
		})
		if ferr != nil && !errors.Is(ferr, ErrAlreadyTerminal) {
			return nil, ferr
		}
		return failed, ErrInsufficientBalance
	}
	return completed, err
}

// Cancel 用户取消自己尚未提交到渠道的交易
func (s *TransactionService) Cancel(ctx context.Context, userID int64, id string) (*model.Transaction, error) {
	if _, err := s.GetForUser(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.Transition(ctx, TransitionRequest{
		TransactionID:  id,
		NewStatus:      model.TransactionStatusCancelled,
		Reason:         "user_cancelled",
		ChangedBy:      userActor(userID),
		ExpectedStatus: model.TransactionStatusPending,
	})
}

// ============================================================================
// 查询
// ============================================================================

func (s *TransactionService) Get(ctx context.Context, id string) (*model.Transaction, error) {
	txn, err := s.txnRepo.GetByID(ctx, nil, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrTransactionNotFound
	}
	return txn, err
}

// GetForUser 只返回属于该用户的交易，他人的交易按不存在处理
func (s *TransactionService) GetForUser(ctx context.Context, userID int64, id string) (*model.Transaction, error) {
	txn, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.UserID != userID {
		return nil, ErrTransactionNotFound
	}
	return txn, nil
}

func (s *TransactionService) GetByReference(ctx context.Context, referenceCode string) (*model.Transaction, error) {
	txn, err := s.txnRepo.GetByReference(ctx, nil, referenceCode)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrTransactionNotFound
	}
	return txn, err
}

func (s *TransactionService) ListByUser(ctx context.Context, userID int64, f model.TransactionFilter, p repository.Page) ([]*model.Transaction, int64, error) {
	f.UserID = userID
	return s.txnRepo.List(ctx, f, p)
}

func (s *TransactionService) ListAll(ctx context.Context, f model.TransactionFilter, p repository.Page) ([]*model.Transaction, int64, error) {
	return s.txnRepo.List(ctx, f, p)
}

func (s *TransactionService) Logs(ctx context.Context, id string) ([]*model.TransactionLog, error) {
	return s.logRepo.ListByTransaction(ctx, id)
}

func (s *TransactionService) ActiveMethods(ctx context.Context) ([]*model.PaymentMethod, error) {
	return s.methodRepo.ListActive(ctx)
}

func userActor(id int64) string  { return "user:" + strconv.FormatInt(id, 10) }
func adminActor(id int64) string { return "admin:" + strconv.FormatInt(id, 10) }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
