package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"payledger/internal/config"
	"payledger/internal/infrastructure/metrics"
	"payledger/internal/model"
	"payledger/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const reconcileCursor = "balances"

// reconcileOverlap 流水时间取自状态变更开始时，提交可能晚于游标，每轮向前多查一段
const reconcileOverlap = 5 * time.Minute

// ReconcileService 对账：余额流水之和必须等于当前余额
// 发现差异只写告警，不做任何自动修正
type ReconcileService struct {
	db          *gorm.DB
	cfg         *config.Config
	balanceRepo *repository.BalanceRepository
	reconRepo   *repository.ReconciliationRepository
	outboxRepo  *repository.OutboxRepository
	log         *zap.Logger
	now         func() time.Time
	overlap     time.Duration
}

func NewReconcileService(db *gorm.DB, cfg *config.Config, log *zap.Logger) *ReconcileService {
	return &ReconcileService{
		db:          db,
		cfg:         cfg,
		balanceRepo: repository.NewBalanceRepository(db),
		reconRepo:   repository.NewReconciliationRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		log:         log,
		now:         time.Now,
		overlap:     reconcileOverlap,
	}
}

// ReconcileReport 一次对账的结果
type ReconcileReport struct {
	StartedAt    time.Time                    `json:"started_at"`
	Since        *time.Time                   `json:"since,omitempty"`
	UsersChecked int                          `json:"users_checked"`
	Alerts       []*model.ReconciliationAlert `json:"alerts"`
	Errors       int                          `json:"errors"`
}

// Run 检查自上次运行以来有流水的用户，首次运行检查全部用户
func (s *ReconcileService) Run(ctx context.Context) (*ReconcileReport, error) {
	since, err := s.reconRepo.LastRun(ctx, reconcileCursor)
	if err != nil {
		return nil, fmt.Errorf("读取对账游标失败: %w", err)
	}
	report := &ReconcileReport{StartedAt: s.now(), Since: since}

	var from *time.Time
	if since != nil {
		f := since.Add(-s.overlap)
		from = &f
	}
	users, err := s.balanceRepo.UsersWithActivitySince(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("查询待对账用户失败: %w", err)
	}

	for _, userID := range users {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		alerts, err := s.CheckUser(ctx, userID)
		if err != nil {
			report.Errors++
			s.log.Error("用户对账失败", zap.Int64("user_id", userID), zap.Error(err))
			continue
		}
		report.UsersChecked++
		report.Alerts = append(report.Alerts, alerts...)
	}
	metrics.ReconcileUsersChecked.Add(float64(report.UsersChecked))

	// 出错的用户下次仍需检查，游标不前移
	if report.Errors == 0 {
		if err := s.reconRepo.SaveRun(ctx, reconcileCursor, report.StartedAt); err != nil {
			return report, fmt.Errorf("保存对账游标失败: %w", err)
		}
	}

	s.log.Info("对账完成",
		zap.Int("users_checked", report.UsersChecked),
		zap.Int("alerts", len(report.Alerts)),
		zap.Int("errors", report.Errors))
	return report, nil
}

// CheckUser 锁住余额行后比较流水之和、最新流水与当前余额
func (s *ReconcileService) CheckUser(ctx context.Context, userID int64) ([]*model.ReconciliationAlert, error) {
	var found []*model.ReconciliationAlert

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current := decimal.Zero
		ub, err := s.balanceRepo.GetUserBalanceForUpdate(ctx, tx, userID)
		switch {
		case err == nil:
			current = ub.CurrentBalance
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}

		sum, err := s.balanceRepo.SumChanges(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !sum.Equal(current) {
			found = append(found, &model.ReconciliationAlert{
				UserID:   userID,
				Kind:     model.AlertKindBalanceDrift,
				Expected: sum,
				Actual:   current,
				Delta:    current.Sub(sum),
				Detail:   "sum(change_amount) differs from current_balance",
			})
		}

		latest, err := s.balanceRepo.LatestSnapshot(ctx, tx, userID)
		switch {
		case err == nil:
			if !latest.BalanceAfter.Equal(current) {
				txnID := latest.TransactionID
				found = append(found, &model.ReconciliationAlert{
					UserID:        userID,
					Kind:          model.AlertKindSnapshotMismatch,
					Expected:      latest.BalanceAfter,
					Actual:        current,
					Delta:         current.Sub(latest.BalanceAfter),
					TransactionID: txnID,
					Detail:        fmt.Sprintf("latest snapshot %d balance_after differs from current_balance", latest.ID),
				})
			}
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}

		if current.IsNegative() {
			found = append(found, &model.ReconciliationAlert{
				UserID:   userID,
				Kind:     model.AlertKindNegativeBalance,
				Expected: decimal.Zero,
				Actual:   current,
				Delta:    current,
				Detail:   "current_balance is negative",
			})
		}

		for _, a := range found {
			if err := s.raise(ctx, tx, a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// RaiseAlert 记录一条告警并发布告警事件
func (s *ReconcileService) RaiseAlert(ctx context.Context, alert *model.ReconciliationAlert) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.raise(ctx, tx, alert)
	})
}

func (s *ReconcileService) raise(ctx context.Context, tx *gorm.DB, alert *model.ReconciliationAlert) error {
	if err := s.reconRepo.CreateAlert(ctx, tx, alert); err != nil {
		return fmt.Errorf("写入对账告警失败: %w", err)
	}
	payload, err := json.Marshal(model.ReconcileAlertEvent{
		AlertID:  alert.ID,
		UserID:   alert.UserID,
		Kind:     alert.Kind,
		Expected: alert.Expected.String(),
		Actual:   alert.Actual.String(),
		Delta:    alert.Delta.String(),
	})
	if err != nil {
		return err
	}
	if err := s.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		MessageKey: fmt.Sprintf("alert-%d", alert.ID),
		Topic:      s.cfg.Kafka.Topic.ReconcileAlert,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}); err != nil {
		return fmt.Errorf("写入告警消息失败: %w", err)
	}

	metrics.ReconcileAlertsTotal.WithLabelValues(alert.Kind).Inc()
	fields := []zap.Field{
		zap.Int64("alert_id", alert.ID),
		zap.Int64("user_id", alert.UserID),
		zap.String("kind", alert.Kind),
		zap.String("expected", alert.Expected.String()),
		zap.String("actual", alert.Actual.String()),
		zap.String("delta", alert.Delta.String()),
	}
	if alert.TransactionID != nil {
		fields = append(fields, zap.String("transaction_id", *alert.TransactionID))
	}
	s.log.Warn("对账告警", fields...)
	return nil
}

func (s *ReconcileService) ListAlerts(ctx context.Context, resolved *bool, kind string, p repository.Page) ([]*model.ReconciliationAlert, int64, error) {
	return s.reconRepo.ListAlerts(ctx, resolved, kind, p)
}

// ResolveAlert 只标记告警已人工复核，重复调用返回已处理的告警
func (s *ReconcileService) ResolveAlert(ctx context.Context, id int64, resolvedBy string) (*model.ReconciliationAlert, error) {
	alert, err := s.reconRepo.GetAlert(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, err
	}
	if alert.Resolved {
		return alert, nil
	}
	if err := s.reconRepo.ResolveAlert(ctx, id, resolvedBy, s.now()); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	return s.reconRepo.GetAlert(ctx, id)
}
