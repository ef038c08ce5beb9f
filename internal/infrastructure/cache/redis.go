package cache

import (
	"context"
	"fmt"
	"time"

	"payledger/internal/config"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

var RedisClient *redis.Client

// InitRedis 连接 Redis，分布式锁依赖它保证后台任务单实例运行
func InitRedis(cfg *config.RedisConfig, log *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal("连接 Redis 失败", zap.String("addr", client.Options().Addr), zap.Error(err))
	}

	RedisClient = client
	log.Info("Redis 连接成功", zap.String("addr", client.Options().Addr))
	return client
}
