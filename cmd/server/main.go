package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"payledger/internal/config"
	"payledger/internal/gateway"
	"payledger/internal/handler"
	"payledger/internal/infrastructure/cache"
	"payledger/internal/infrastructure/database"
	"payledger/internal/infrastructure/lock"
	"payledger/internal/infrastructure/logger"
	"payledger/internal/infrastructure/metrics"
	"payledger/internal/infrastructure/mq"
	"payledger/internal/job"
	"payledger/internal/service"
	"payledger/pkg/idgen"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg := config.LoadConfig(*configPath)

	zl, err := logger.New(&cfg.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	metrics.Init()

	// 初始化参考码生成器
	idgen.Init(cfg.Server.WorkerID)

	// 初始化数据库
	db := database.MustOpen(&cfg.Database, zl)
	if err := database.SeedPaymentMethods(db, cfg.PaymentMethods); err != nil {
		zl.Fatal("写入支付方式失败", zap.Error(err))
	}

	// 任务锁：配置了 Redis 用分布式锁，否则仅进程内互斥
	var locker lock.Locker
	if cfg.Redis.Host != "" {
		rdb := cache.InitRedis(&cfg.Redis, zl)
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, "")
	} else {
		zl.Warn("未配置 Redis，后台任务仅在本实例内互斥")
		locker = lock.NewLocalLocker()
	}

	// 消息投递
	var publisher mq.Publisher
	if cfg.Kafka.Enabled {
		kp, err := mq.NewKafkaPublisher(&cfg.Kafka)
		if err != nil {
			zl.Fatal("创建 Kafka 生产者失败", zap.Strings("brokers", cfg.Kafka.Brokers), zap.Error(err))
		}
		zl.Info("Kafka 生产者初始化成功", zap.Strings("brokers", cfg.Kafka.Brokers))
		publisher = kp
	} else {
		publisher = mq.NewLogPublisher(zl)
	}
	defer publisher.Close()

	// 服务
	gateways := gateway.NewRegistryFromConfig(&cfg.Gateways, cfg.Business.WebhookTimestampWindow)
	ledger := service.NewLedgerService(db, zl)
	guard := service.NewIdempotencyGuard(db, cfg.Business.IdempotencyTTL())
	txns := service.NewTransactionService(db, cfg, ledger, guard, gateways, zl)
	recon := service.NewReconcileService(db, cfg, zl)
	callbacks := service.NewCallbackService(txns, recon, gateways, zl)
	stats := service.NewStatisticsService(db)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	jobs := []job.Job{
		job.NewOutboxSender(db, cfg, publisher, zl),
		job.NewExpiryJob(cfg, txns, guard, locker, zl),
		job.NewReconcileJob(cfg, recon, locker, zl),
	}
	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j job.Job) {
			defer wg.Done()
			j.Start(ctx)
		}(j)
	}

	// 设置路由
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	h := handler.NewHandler(txns, ledger, callbacks, recon, stats, zl)
	router := handler.SetupRouter(h, handler.NewTokenManager(cfg.JWT), zl)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		zl.Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zl.Info("正在关闭服务...")

	// 先停止接收请求，再停止后台任务
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Error("服务关闭异常", zap.Error(err))
	}

	cancel()
	wg.Wait()

	zl.Info("服务已关闭")
}
