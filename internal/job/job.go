package job

import (
	"context"
	"time"

	"payledger/internal/infrastructure/lock"

	"go.uber.org/zap"
)

// Job 后台定时任务
type Job interface {
	Start(ctx context.Context)
	Stop()
}

// runLocked 抢到分布式锁才执行 fn，多副本部署时同一时刻只有一个实例运行
func runLocked(ctx context.Context, locker lock.Locker, key string, ttl time.Duration, log *zap.Logger, fn func(ctx context.Context)) bool {
	release, ok, err := locker.TryAcquire(ctx, key, ttl)
	if err != nil {
		log.Warn("获取任务锁失败", zap.String("lock", key), zap.Error(err))
		return false
	}
	if !ok {
		log.Debug("任务锁被其他实例持有，跳过本轮", zap.String("lock", key))
		return false
	}
	defer release()
	fn(ctx)
	return true
}

func lockTTL(interval time.Duration) time.Duration {
	if ttl := 2 * interval; ttl > 10*time.Second {
		return ttl
	}
	return 10 * time.Second
}
