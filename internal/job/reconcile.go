package job

import (
	"context"
	"time"

	"payledger/internal/config"
	"payledger/internal/infrastructure/lock"
	"payledger/internal/service"

	"go.uber.org/zap"
)

const reconcileLockKey = "job:lock:reconcile"

// ReconcileJob 定时对账，发现差异只告警
type ReconcileJob struct {
	recon    *service.ReconcileService
	locker   lock.Locker
	log      *zap.Logger
	stopCh   chan struct{}
	interval time.Duration
}

func NewReconcileJob(cfg *config.Config, recon *service.ReconcileService, locker lock.Locker, log *zap.Logger) *ReconcileJob {
	interval := cfg.Business.ReconcileInterval
	if interval <= 0 {
		interval = time.Hour
	}
	return &ReconcileJob{
		recon:    recon,
		locker:   locker,
		log:      log.Named("reconcile_job"),
		stopCh:   make(chan struct{}),
		interval: interval,
	}
}

func (j *ReconcileJob) Start(ctx context.Context) {
	j.log.Info("对账任务启动", zap.Duration("interval", j.interval))

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

func (j *ReconcileJob) Stop() {
	close(j.stopCh)
}

func (j *ReconcileJob) RunOnce(ctx context.Context) bool {
	return runLocked(ctx, j.locker, reconcileLockKey, lockTTL(j.interval), j.log, func(ctx context.Context) {
		// 对账出错不影响下一轮，游标未前移时会重新检查
		if _, err := j.recon.Run(ctx); err != nil {
			j.log.Error("对账执行失败", zap.Error(err))
		}
	})
}
