package service

import (
	"context"
	"net/url"
	"testing"
	"time"

	"payledger/internal/config"
	"payledger/internal/gateway"
	"payledger/internal/infrastructure/database"
	"payledger/internal/model"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	db        *gorm.DB
	cfg       *config.Config
	ledger    *LedgerService
	guard     *IdempotencyGuard
	txns      *TransactionService
	recon     *ReconcileService
	callbacks *CallbackService
	stats     *StatisticsService
	vnpay     *gateway.VNPay
	bank      *gateway.BankTransfer
}

func testConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{Topic: config.KafkaTopicConfig{
			TransactionResult: "payment.transaction.result",
			ReconcileAlert:    "payment.reconcile.alert",
		}},
		Business: config.BusinessConfig{
			PaymentSessionMinutes:  15,
			IdempotencyTTLHours:    24,
			MaxRetryCount:          3,
			WebhookTimestampWindow: 5 * time.Minute,
		},
		Gateways: config.GatewaysConfig{
			VNPay: config.VNPayConfig{
				TmnCode:    "TESTTMN",
				HashSecret: "TEST_VNPAY_SECRET",
				PayURL:     "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
				ReturnURL:  "https://example.test/return",
			},
			MoMo:         config.MoMoConfig{PartnerCode: "MOMO", AccessKey: "ak", SecretKey: "TEST_MOMO_SECRET"},
			ZaloPay:      config.ZaloPayConfig{AppID: "2553", Key1: "k1", Key2: "TEST_ZALO_KEY2"},
			BankTransfer: config.BankTransferConfig{Secret: "TEST_BANK_SECRET"},
		},
		PaymentMethods: []config.PaymentMethodConfig{
			{Code: "vnpay", Name: "VNPay", Provider: "vnpay", Active: true, FeePercent: "2",
				MinAmount: "10000", MaxAmount: "50000000", SupportsDeposit: true},
			{Code: "momo", Name: "MoMo", Provider: "momo", Active: false, FeePercent: "2",
				MinAmount: "10000", MaxAmount: "50000000", SupportsDeposit: true},
			{Code: "bank_transfer", Name: "Bank transfer", Provider: "bank_transfer", Active: true, FeeFixed: "3300",
				MinAmount: "10000", MaxAmount: "500000000", SupportsDeposit: true, SupportsWithdraw: true},
			{Code: WalletMethod, Name: "Wallet", Provider: WalletMethod, Active: true,
				MinAmount: "1000", MaxAmount: "100000000"},
		},
	}
}

func newTestEnv(t *testing.T) *testEnv {
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

	cfg := testConfig()
	if err := database.SeedPaymentMethods(db, cfg.PaymentMethods); err != nil {
		t.Fatalf("seed payment methods: %v", err)
	}

	log := zap.NewNop()
	vnpay := gateway.NewVNPay(cfg.Gateways.VNPay)
	bank := gateway.NewBankTransfer(cfg.Gateways.BankTransfer, cfg.Business.WebhookTimestampWindow)
	registry := gateway.NewRegistry(vnpay, gateway.NewMoMo(cfg.Gateways.MoMo), gateway.NewZaloPay(cfg.Gateways.ZaloPay), bank)

	ledger := NewLedgerService(db, log)
	guard := NewIdempotencyGuard(db, cfg.Business.IdempotencyTTL())
	txns := NewTransactionService(db, cfg, ledger, guard, registry, log)
	recon := NewReconcileService(db, cfg, log)

	return &testEnv{
		db:        db,
		cfg:       cfg,
		ledger:    ledger,
		guard:     guard,
		txns:      txns,
		recon:     recon,
		callbacks: NewCallbackService(txns, recon, registry, log),
		stats:     NewStatisticsService(db),
		vnpay:     vnpay,
		bank:      bank,
	}
}

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

// fund 用管理员赠送给用户充值
func (e *testEnv) fund(t *testing.T, userID int64, amount string) {
	t.Helper()
	txn, err := e.txns.GrantBonus(context.Background(), 1, userID, d(amount), "test funding", "")
	if err != nil {
		t.Fatalf("fund user %d: %v", userID, err)
	}
	if txn.Status != model.TransactionStatusCompleted {
		t.Fatalf("bonus status = %s, want completed", txn.Status)
	}
}

func (e *testEnv) balance(t *testing.T, userID int64) decimal.Decimal {
	t.Helper()
	ub, err := e.ledger.Current(context.Background(), userID)
	if err != nil {
		t.Fatalf("current balance: %v", err)
	}
	return ub.CurrentBalance
}

func (e *testEnv) snapshotCount(t *testing.T, txnID string) int64 {
	t.Helper()
	var n int64
	if err := e.db.Model(&model.BalanceSnapshot{}).Where("transaction_id = ?", txnID).Count(&n).Error; err != nil {
		t.Fatalf("count snapshots: %v", err)
	}
	return n
}

// vnpayCallback 构造带签名的 VNPay 回调表单，amount 为 VND
func (e *testEnv) vnpayCallback(ref, amount, responseCode, transactionNo string) []byte {
	params := map[string]string{
		"vnp_Amount":        d(amount).Mul(decimal.NewFromInt(100)).StringFixed(0),
		"vnp_BankCode":      "NCB",
		"vnp_ResponseCode":  responseCode,
		"vnp_TmnCode":       e.cfg.Gateways.VNPay.TmnCode,
		"vnp_TransactionNo": transactionNo,
		"vnp_TxnRef":        ref,
	}
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("vnp_SecureHash", e.vnpay.Sign(params))
	return []byte(q.Encode())
}
