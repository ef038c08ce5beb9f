package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"payledger/internal/model"
	"payledger/internal/repository"

	"gorm.io/gorm"
)

func TestReconcileCleanLedgerRaisesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, 70, "10000")
	env.fund(t, 71, "25000")
	if _, err := env.txns.PayService(ctx, PayServiceRequest{UserID: 71, Amount: d("5000")}); err != nil {
		t.Fatalf("PayService: %v", err)
	}

	// 游标落在现有流水一小时之后，超出回看窗口
	cursor := time.Now().Add(time.Hour)
	env.recon.now = func() time.Time { return cursor }

	report, err := env.recon.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.UsersChecked != 2 || len(report.Alerts) != 0 || report.Errors != 0 {
		t.Fatalf("report = %+v, want 2 users and no alerts", report)
	}

	// 游标前移后没有新流水的用户不再检查
	report, err = env.recon.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if report.Since == nil || report.UsersChecked != 0 {
		t.Fatalf("second report = %+v, want cursor set and nothing checked", report)
	}
}

func TestReconcileRechecksLateCommittedSnapshots(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, 74, "10000")

	cursor := time.Now().Add(time.Hour)
	env.recon.now = func() time.Time { return cursor }
	if _, err := env.recon.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// 流水时间早于游标，但在上一轮之后才提交
	apply := func(userID int64, at time.Time) {
		t.Helper()
		err := env.db.Transaction(func(tx *gorm.DB) error {
			_, err := env.ledger.Apply(ctx, tx, LedgerEntry{UserID: userID, Change: d("100"), Type: model.TransactionTypeBonus, At: at})
			return err
		})
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	apply(75, cursor.Add(-30*time.Second))
	apply(76, cursor.Add(-2*time.Hour))

	env.recon.now = func() time.Time { return cursor.Add(time.Hour) }
	report, err := env.recon.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if report.UsersChecked != 1 {
		t.Fatalf("users checked = %d, want only the late commit inside the overlap", report.UsersChecked)
	}
}

func TestReconcileDetectsDrift(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, 72, "10000")

	if err := env.db.Model(&model.UserBalance{}).Where("user_id = ?", 72).
		Update("current_balance", d("12345")).Error; err != nil {
		t.Fatalf("tamper: %v", err)
	}

	alerts, err := env.recon.CheckUser(ctx, 72)
	if err != nil {
		t.Fatalf("CheckUser: %v", err)
	}
	kinds := map[string]*model.ReconciliationAlert{}
	for _, a := range alerts {
		kinds[a.Kind] = a
	}
	drift, ok := kinds[model.AlertKindBalanceDrift]
	if !ok {
		t.Fatalf("no balance_drift alert in %+v", alerts)
	}
	if !drift.Expected.Equal(d("10000")) || !drift.Actual.Equal(d("12345")) || !drift.Delta.Equal(d("2345")) {
		t.Errorf("drift = expected %s actual %s delta %s", drift.Expected, drift.Actual, drift.Delta)
	}
	if _, ok := kinds[model.AlertKindSnapshotMismatch]; !ok {
		t.Errorf("no snapshot_mismatch alert in %+v", alerts)
	}

	// 对账只告警，不修正余额
	if got := env.balance(t, 72); !got.Equal(d("12345")) {
		t.Fatalf("balance = %s, reconciliation must not correct it", got)
	}

	var events int64
	env.db.Model(&model.OutboxMessage{}).Where("topic = ?", env.cfg.Kafka.Topic.ReconcileAlert).Count(&events)
	if events != int64(len(alerts)) {
		t.Errorf("alert events = %d, want %d", events, len(alerts))
	}
}

func TestReconcileNegativeBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, 73, "1000")
	env.db.Model(&model.UserBalance{}).Where("user_id = ?", 73).Update("current_balance", d("-5"))

	alerts, err := env.recon.CheckUser(ctx, 73)
	if err != nil {
		t.Fatalf("CheckUser: %v", err)
	}
	found := false
	for _, a := range alerts {
		if a.Kind == model.AlertKindNegativeBalance {
			found = true
		}
	}
	if !found {
		t.Fatalf("no negative_balance alert in %+v", alerts)
	}
}

func TestResolveAlert(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := &model.ReconciliationAlert{UserID: 1, Kind: model.AlertKindBalanceDrift, Expected: d("1"), Actual: d("2"), Delta: d("1")}
	if err := env.recon.RaiseAlert(ctx, a); err != nil {
		t.Fatalf("RaiseAlert: %v", err)
	}

	resolved, err := env.recon.ResolveAlert(ctx, a.ID, "admin:1")
	if err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}
	if !resolved.Resolved || resolved.ResolvedBy != "admin:1" || resolved.ResolvedAt == nil {
		t.Fatalf("alert not resolved: %+v", resolved)
	}

	again, err := env.recon.ResolveAlert(ctx, a.ID, "admin:2")
	if err != nil || again.ResolvedBy != "admin:1" {
		t.Fatalf("second resolve: %v %+v", err, again)
	}

	if _, err := env.recon.ResolveAlert(ctx, 9999, "admin:1"); !errors.Is(err, ErrAlertNotFound) {
		t.Fatalf("err = %v, want ErrAlertNotFound", err)
	}

	open := false
	list, total, _ := env.recon.ListAlerts(ctx, &open, "", repository.Page{})
	if total != 0 || len(list) != 0 {
		t.Fatalf("unresolved alerts = %d", total)
	}
}
