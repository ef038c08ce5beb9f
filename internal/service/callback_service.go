package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"payledger/internal/gateway"
	"payledger/internal/infrastructure/metrics"
	"payledger/internal/model"
	"payledger/internal/repository"

	"go.uber.org/zap"
)

// ============================================================================
// 网关回调
// ============================================================================
//
// 处理顺序：
//   1. 校验签名（失败返回 ErrSignature，网关会重试）
//   2. 按参考码查找交易（找不到返回 ErrUnknownTransaction，不重试）
//   3. 核对金额、网关交易号
//   4. 以 webhook:<provider>:<外部交易号>:<目标状态> 为幂等键推进，
//      pending 在同一事务内先经过 processing
//
// 签名校验和报文解析都在数据库事务之外完成。
// ============================================================================

type CallbackService struct {
	txns       *TransactionService
	recon      *ReconcileService
	gateways   *gateway.Registry
	methodRepo *repository.PaymentMethodRepository
	log        *zap.Logger
}

func NewCallbackService(txns *TransactionService, recon *ReconcileService, gateways *gateway.Registry, log *zap.Logger) *CallbackService {
	return &CallbackService{
		txns:       txns,
		recon:      recon,
		gateways:   gateways,
		methodRepo: txns.methodRepo,
		log:        log,
	}
}

// Handle 处理一次回调，重复投递返回已记录的结果
func (s *CallbackService) Handle(ctx context.Context, provider string, header http.Header, body []byte) (*model.Transaction, error) {
	gw, err := s.gateways.Get(provider)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("unknown", "unknown_provider").Inc()
		return nil, err
	}

	ev, err := gw.Verify(header, body)
	if err != nil {
		if errors.Is(err, gateway.ErrSignature) {
			metrics.SignatureFailures.WithLabelValues(provider).Inc()
			metrics.WebhooksTotal.WithLabelValues(provider, "bad_signature").Inc()
			s.log.Warn("回调签名校验失败", zap.String("provider", provider), zap.Int("body_size", len(body)))
			return nil, ErrSignature
		}
		metrics.WebhooksTotal.WithLabelValues(provider, "malformed").Inc()
		s.log.Warn("回调报文格式错误", zap.String("provider", provider), zap.Error(err))
		return nil, invalid("body", "malformed callback payload")
	}

	txn, err := s.resolve(ctx, ev)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues(provider, "unknown_transaction").Inc()
		s.log.Warn("回调对应的交易不存在",
			zap.String("provider", provider),
			zap.String("reference_code", ev.ReferenceCode),
			zap.String("external_id", ev.ExternalTransactionID),
			zap.Error(err))
		return nil, err
	}

	result, err := s.apply(ctx, ev, txn)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues(provider, "error").Inc()
		return nil, err
	}
	metrics.WebhooksTotal.WithLabelValues(provider, ev.Outcome).Inc()
	return result, nil
}

// resolve 按参考码查找交易，并确认交易确实属于该渠道
func (s *CallbackService) resolve(ctx context.Context, ev *gateway.CallbackEvent) (*model.Transaction, error) {
	txn, err := s.txns.GetByReference(ctx, ev.ReferenceCode)
	if errors.Is(err, ErrTransactionNotFound) {
		return nil, ErrUnknownTransaction
	}
	if err != nil {
		return nil, err
	}

	method, err := s.methodRepo.GetByCode(ctx, txn.PaymentMethod)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnknownTransaction
		}
		return nil, err
	}
	if method.Provider != ev.Provider {
		return nil, fmt.Errorf("%w: transaction belongs to %s", ErrUnknownTransaction, method.Provider)
	}
	return txn, nil
}

func (s *CallbackService) apply(ctx context.Context, ev *gateway.CallbackEvent, txn *model.Transaction) (*model.Transaction, error) {
	actor := "gateway:" + ev.Provider
	reason := "gateway_" + ev.Outcome
	outcome := ev.Outcome

	if !ev.Amount.IsZero() && !ev.Amount.Equal(txn.Amount) {
		s.alert(ctx, txn, model.AlertKindAmountMismatch, ev,
			fmt.Sprintf("%s reported amount %s, transaction amount %s", ev.Provider, ev.Amount, txn.Amount))
		outcome = gateway.OutcomeFailed
		reason = model.AlertKindAmountMismatch
	}

	externalID := ev.ExternalTransactionID
	if externalID != "" && txn.ExternalTransactionID != nil && *txn.ExternalTransactionID != externalID {
		// 网关交易号一旦写入不再修改
		s.alert(ctx, txn, model.AlertKindExternalIDMismatch, ev,
			fmt.Sprintf("stored external id %s, callback external id %s", *txn.ExternalTransactionID, externalID))
	}

	if txn.IsTerminal() {
		return s.terminalReplay(ctx, ev, txn, outcome)
	}

	target := model.TransactionStatusFailed
	switch outcome {
	case gateway.OutcomeSuccess:
		target = model.TransactionStatusCompleted
	case gateway.OutcomeProcessing:
		target = model.TransactionStatusProcessing
	}

	// 幂等键在第一次状态变更前登记，pending 经 processing 到终态在同一事务内完成
	key := "webhook:" + ev.Provider + ":" + firstNonEmpty(externalID, ev.ReferenceCode) + ":" + target
	done, err := s.txns.Transition(ctx, TransitionRequest{
		TransactionID:         txn.ID,
		NewStatus:             target,
		Reason:                reason,
		ChangedBy:             actor,
		IdempotencyKey:        key,
		ExternalTransactionID: externalID,
		ViaProcessing:         true,
	})
	switch {
	case err == nil:
		return done, nil
	case errors.Is(err, ErrAlreadyTerminal) && done != nil:
		return s.terminalReplay(ctx, ev, done, outcome)
	case errors.Is(err, ErrInsufficientBalance):
		// 提现回调成功但余额已不足以扣减
		s.log.Error("回调完成时余额不足，交易置为失败",
			zap.String("transaction_id", txn.ID),
			zap.String("provider", ev.Provider))
		failed, ferr := s.txns.Transition(ctx, TransitionRequest{
			TransactionID:  txn.ID,
			NewStatus:      model.TransactionStatusFailed,
			Reason:         model.LogReasonInsufficient,
			ChangedBy:      actor,
			IdempotencyKey: key,
			ViaProcessing:  true,
		})
		if ferr != nil && !errors.Is(ferr, ErrAlreadyTerminal) {
			return nil, ferr
		}
		s.alert(ctx, txn, model.AlertKindLateCallback, ev, "gateway reported success but balance was insufficient")
		return failed, nil
	default:
		return nil, err
	}
}

// terminalReplay 交易已是终态：重复投递直接返回记录；结果冲突时告警但仍返回 200
func (s *CallbackService) terminalReplay(ctx context.Context, ev *gateway.CallbackEvent, txn *model.Transaction, outcome string) (*model.Transaction, error) {
	conflict := (outcome == gateway.OutcomeSuccess && txn.Status != model.TransactionStatusCompleted) ||
		(outcome == gateway.OutcomeFailed && txn.Status == model.TransactionStatusCompleted)
	if conflict && outcome == gateway.OutcomeSuccess {
		s.alert(ctx, txn, model.AlertKindLateCallback, ev,
			fmt.Sprintf("gateway reported success for %s transaction", txn.Status))
	} else if conflict {
		s.log.Warn("回调结果与交易终态不一致",
			zap.String("transaction_id", txn.ID),
			zap.String("status", txn.Status),
			zap.String("outcome", outcome))
	} else {
		s.log.Info("重复回调，交易已处理",
			zap.String("transaction_id", txn.ID),
			zap.String("status", txn.Status),
			zap.String("provider", ev.Provider))
	}
	return txn, nil
}

func (s *CallbackService) alert(ctx context.Context, txn *model.Transaction, kind string, ev *gateway.CallbackEvent, detail string) {
	txnID := txn.ID
	a := &model.ReconciliationAlert{
		UserID:        txn.UserID,
		Kind:          kind,
		Expected:      txn.Amount,
		Actual:        ev.Amount,
		Delta:         ev.Amount.Sub(txn.Amount),
		TransactionID: &txnID,
		Detail:        detail,
	}
	if err := s.recon.RaiseAlert(ctx, a); err != nil {
		s.log.Error("写入回调告警失败", zap.String("transaction_id", txn.ID), zap.String("kind", kind), zap.Error(err))
	}
}
