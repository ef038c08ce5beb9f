package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payledger/internal/infrastructure/metrics"
	"payledger/internal/model"
	"payledger/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ============================================================================
// 账本
// ============================================================================
//
// Apply 是修改 user_balances 的唯一入口，必须在调用方的数据库事务中执行：
//   1. 确保余额行存在
//   2. SELECT ... FOR UPDATE 锁定余额行
//   3. 计算变动后余额，小于 0 直接拒绝
//   4. 写入余额流水（balances）
//   5. 乐观锁更新余额行
//
// 加锁顺序固定为：交易行 -> 余额行，避免死锁。
// ============================================================================

// LedgerEntry 一次余额变动
type LedgerEntry struct {
	UserID        int64
	TransactionID *string
	Change        decimal.Decimal
	Type          string
	Remark        string
	At            time.Time
}

type LedgerService struct {
	db          *gorm.DB
	balanceRepo *repository.BalanceRepository
	log         *zap.Logger
}

func NewLedgerService(db *gorm.DB, log *zap.Logger) *LedgerService {
	return &LedgerService{
		db:          db,
		balanceRepo: repository.NewBalanceRepository(db),
		log:         log,
	}
}

func (l *LedgerService) Apply(ctx context.Context, tx *gorm.DB, e LedgerEntry) (*model.BalanceSnapshot, error) {
	if tx == nil {
		return nil, errors.New("ledger apply requires a transaction")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	if err := l.balanceRepo.EnsureUserBalance(ctx, tx, e.UserID); err != nil {
		return nil, fmt.Errorf("初始化余额失败: %w", err)
	}
	ub, err := l.balanceRepo.GetUserBalanceForUpdate(ctx, tx, e.UserID)
	if err != nil {
		return nil, fmt.Errorf("锁定余额失败: %w", err)
	}

	before := ub.CurrentBalance
	after := before.Add(e.Change)
	if after.IsNegative() {
		return nil, ErrInsufficientBalance
	}

	snap := &model.BalanceSnapshot{
		UserID:        e.UserID,
		TransactionID: e.TransactionID,
		BalanceBefore: before,
		BalanceAfter:  after,
		ChangeAmount:  e.Change,
		Remark:        e.Remark,
		CreatedAt:     e.At,
	}
	if err := l.balanceRepo.CreateSnapshot(ctx, tx, snap); err != nil {
		return nil, fmt.Errorf("写入余额流水失败: %w", err)
	}

	ub.CurrentBalance = after
	switch {
	case e.Type == model.TransactionTypeDeposit:
		ub.TotalDeposited = ub.TotalDeposited.Add(e.Change)
	case model.IsDebit(e.Type):
		ub.TotalSpent = ub.TotalSpent.Add(e.Change.Neg())
	}
	at := e.At
	ub.LastTransactionAt = &at

	if err := l.balanceRepo.UpdateUserBalance(ctx, tx, ub, ub.Version); err != nil {
		if errors.Is(err, repository.ErrVersionChanged) {
			return nil, ErrConcurrentUpdate
		}
		return nil, fmt.Errorf("更新余额失败: %w", err)
	}

	metrics.LedgerAppliedTotal.WithLabelValues(e.Type).Inc()
	l.log.Debug("余额变动",
		zap.Int64("user_id", e.UserID),
		zap.String("change", e.Change.String()),
		zap.String("balance_after", after.String()))
	return snap, nil
}

// Current 当前余额，没有记录时返回零余额
func (l *LedgerService) Current(ctx context.Context, userID int64) (*model.UserBalance, error) {
	ub, err := l.balanceRepo.GetUserBalance(ctx, nil, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return &model.UserBalance{
			UserID:         userID,
			CurrentBalance: decimal.Zero,
			TotalDeposited: decimal.Zero,
			TotalSpent:     decimal.Zero,
		}, nil
	}
	return ub, err
}

func (l *LedgerService) History(ctx context.Context, userID int64, p repository.Page) ([]*model.BalanceSnapshot, int64, error) {
	return l.balanceRepo.ListSnapshots(ctx, userID, p)
}

func (l *LedgerService) Sum(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return l.balanceRepo.SumChanges(ctx, nil, userID)
}
