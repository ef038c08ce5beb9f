package job

import (
	"context"
	"time"

	"payledger/internal/config"
	"payledger/internal/infrastructure/lock"
	"payledger/internal/service"

	"go.uber.org/zap"
)

const expiryLockKey = "job:lock:expiry"

// ExpiryJob 取消超过支付会话有效期的交易，并清理过期的幂等键
type ExpiryJob struct {
	txns     *service.TransactionService
	guard    *service.IdempotencyGuard
	locker   lock.Locker
	log      *zap.Logger
	stopCh   chan struct{}
	interval time.Duration
	now      func() time.Time
}

func NewExpiryJob(cfg *config.Config, txns *service.TransactionService, guard *service.IdempotencyGuard, locker lock.Locker, log *zap.Logger) *ExpiryJob {
	interval := cfg.Business.ExpiryInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ExpiryJob{
		txns:     txns,
		guard:    guard,
		locker:   locker,
		log:      log.Named("expiry_job"),
		stopCh:   make(chan struct{}),
		interval: interval,
		now:      time.Now,
	}
}

func (j *ExpiryJob) Start(ctx context.Context) {
	j.log.Info("交易过期任务启动", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("任务停止")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *ExpiryJob) Stop() {
	close(j.stopCh)
}

// RunOnce 执行一轮，返回是否抢到锁
func (j *ExpiryJob) RunOnce(ctx context.Context) bool {
	return runLocked(ctx, j.locker, expiryLockKey, lockTTL(j.interval), j.log, j.expire)
}

func (j *ExpiryJob) expire(ctx context.Context) {
	now := j.now()
	n, err := j.txns.ExpireStale(ctx, now)
	if err != nil {
		j.log.Error("取消过期交易失败", zap.Int("expired", n), zap.Error(err))
	} else if n > 0 {
		j.log.Info("已取消过期交易", zap.Int("expired", n))
	}

	purged, err := j.guard.PurgeExpired(ctx, now)
	if err != nil {
		j.log.Error("清理过期幂等键失败", zap.Error(err))
		return
	}
	if purged > 0 {
		j.log.Debug("已清理过期幂等键", zap.Int64("purged", purged))
	}
}
