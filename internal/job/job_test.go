package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"payledger/internal/config"
	"payledger/internal/gateway"
	"payledger/internal/infrastructure/database"
	"payledger/internal/infrastructure/lock"
	"payledger/internal/model"
	"payledger/internal/service"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

type brokenLocker struct{}

func (brokenLocker) TryAcquire(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, errors.New("redis: connection refused")
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func jobConfig() *config.Config {
	return &config.Config{
		Business: config.BusinessConfig{
			PaymentSessionMinutes: 15,
			IdempotencyTTLHours:   24,
			MaxRetryCount:         2,
		},
		Gateways: config.GatewaysConfig{
			VNPay: config.VNPayConfig{TmnCode: "TESTTMN", HashSecret: "TEST_VNPAY_SECRET", PayURL: "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"},
		},
		PaymentMethods: []config.PaymentMethodConfig{
			{Code: "vnpay", Name: "VNPay", Provider: "vnpay", Active: true, FeePercent: "2",
				MinAmount: "10000", MaxAmount: "50000000", SupportsDeposit: true},
			{Code: service.WalletMethod, Name: "Wallet", Provider: service.WalletMethod, Active: true,
				MinAmount: "1000", MaxAmount: "100000000"},
		},
	}
}

func addOutbox(t *testing.T, db *gorm.DB, keys ...string) {
	t.Helper()
	for _, k := range keys {
		msg := &model.OutboxMessage{MessageKey: k, Topic: "payment.transaction.result", Payload: "{}", Status: model.OutboxStatusPending}
		if err := db.Create(msg).Error; err != nil {
			t.Fatalf("create outbox message: %v", err)
		}
	}
}

func outboxByKey(t *testing.T, db *gorm.DB, key string) *model.OutboxMessage {
	t.Helper()
	var msg model.OutboxMessage
	if err := db.Where("message_key = ?", key).First(&msg).Error; err != nil {
		t.Fatalf("load outbox %s: %v", key, err)
	}
	return &msg
}

func TestRunLockedSkipsWhenLockHeld(t *testing.T) {
	locker := lock.NewLocalLocker()
	ctx := context.Background()

	release, ok, _ := locker.TryAcquire(ctx, expiryLockKey, time.Minute)
	if !ok {
		t.Fatal("acquire failed")
	}

	called := false
	if runLocked(ctx, locker, expiryLockKey, time.Minute, zap.NewNop(), func(context.Context) { called = true }) {
		t.Fatal("runLocked should report skipped while lock is held")
	}
	if called {
		t.Fatal("fn ran without the lock")
	}

	release()
	if !runLocked(ctx, locker, expiryLockKey, time.Minute, zap.NewNop(), func(context.Context) { called = true }) || !called {
		t.Fatal("fn should run once the lock is free")
	}
}

func TestRunLockedLockerError(t *testing.T) {
	if runLocked(context.Background(), brokenLocker{}, "k", time.Second, zap.NewNop(), func(context.Context) {
		t.Fatal("fn must not run when the locker errors")
	}) {
		t.Fatal("runLocked should report skipped")
	}
}

func TestLockTTL(t *testing.T) {
	if got := lockTTL(time.Second); got != 10*time.Second {
		t.Errorf("lockTTL(1s) = %v, want 10s", got)
	}
	if got := lockTTL(time.Minute); got != 2*time.Minute {
		t.Errorf("lockTTL(1m) = %v, want 2m", got)
	}
}

func TestOutboxSenderPublishesPending(t *testing.T) {
	db := openDB(t)
	addOutbox(t, db, "a", "b")

	pub := &recordingPublisher{}
	s := NewOutboxSender(db, jobConfig(), pub, zap.NewNop())
	if n := s.ProcessPending(context.Background()); n != 2 {
		t.Fatalf("sent = %d, want 2", n)
	}
	if len(pub.keys) != 2 || pub.keys[0] != "a" || pub.keys[1] != "b" {
		t.Fatalf("published keys = %v, want [a b]", pub.keys)
	}
	for _, k := range []string{"a", "b"} {
		if st := outboxByKey(t, db, k).Status; st != model.OutboxStatusSent {
			t.Errorf("%s status = %s, want SENT", k, st)
		}
	}
	if n := s.ProcessPending(context.Background()); n != 0 {
		t.Fatalf("second pass sent = %d, want 0", n)
	}
}

func TestOutboxSenderGivesUpAfterMaxRetry(t *testing.T) {
	db := openDB(t)
	addOutbox(t, db, "flaky")

	pub := &recordingPublisher{err: errors.New("kafka: broker not available")}
	s := NewOutboxSender(db, jobConfig(), pub, zap.NewNop())
	ctx := context.Background()

	s.ProcessPending(ctx)
	msg := outboxByKey(t, db, "flaky")
	if msg.Status != model.OutboxStatusPending || msg.RetryCount != 1 || msg.LastError == "" {
		t.Fatalf("after first failure: %+v", msg)
	}

	s.ProcessPending(ctx)
	msg = outboxByKey(t, db, "flaky")
	if msg.Status != model.OutboxStatusFailed || msg.RetryCount != 2 {
		t.Fatalf("after max retry: %+v", msg)
	}

	s.ProcessPending(ctx)
	if len(pub.keys) != 2 {
		t.Fatalf("publish attempts = %d, want 2", len(pub.keys))
	}
}

func TestExpiryJobCancelsStaleTransactions(t *testing.T) {
	db := openDB(t)
	cfg := jobConfig()
	if err := database.SeedPaymentMethods(db, cfg.PaymentMethods); err != nil {
		t.Fatalf("seed: %v", err)
	}
	log := zap.NewNop()
	gateways := gateway.NewRegistry(gateway.NewVNPay(cfg.Gateways.VNPay))
	ledger := service.NewLedgerService(db, log)
	guard := service.NewIdempotencyGuard(db, cfg.Business.IdempotencyTTL())
	txns := service.NewTransactionService(db, cfg, ledger, guard, gateways, log)

	ctx := context.Background()
	res, err := txns.Deposit(ctx, service.DepositRequest{UserID: 3, Amount: decimal.NewFromInt(100000), Method: "vnpay"})
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	j := NewExpiryJob(cfg, txns, guard, lock.NewLocalLocker(), log)
	if !j.RunOnce(ctx) {
		t.Fatal("RunOnce should acquire the lock")
	}
	if txn, _ := txns.Get(ctx, res.Transaction.ID); txn.Status != model.TransactionStatusPending {
		t.Fatalf("fresh transaction expired early: %s", txn.Status)
	}

	j.now = func() time.Time { return time.Now().Add(time.Hour) }
	j.RunOnce(ctx)
	txn, _ := txns.Get(ctx, res.Transaction.ID)
	if txn.Status != model.TransactionStatusCancelled || txn.FailureReason != model.LogReasonTimeout {
		t.Fatalf("status=%s reason=%s, want cancelled/timeout", txn.Status, txn.FailureReason)
	}
}

func TestReconcileJobRunsUnderLock(t *testing.T) {
	db := openDB(t)
	cfg := jobConfig()
	locker := lock.NewLocalLocker()
	j := NewReconcileJob(cfg, service.NewReconcileService(db, cfg, zap.NewNop()), locker, zap.NewNop())

	release, _, _ := locker.TryAcquire(context.Background(), reconcileLockKey, time.Minute)
	if j.RunOnce(context.Background()) {
		t.Fatal("RunOnce should skip while another instance holds the lock")
	}
	release()
	if !j.RunOnce(context.Background()) {
		t.Fatal("RunOnce should run once the lock is free")
	}
}
