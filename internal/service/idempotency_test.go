package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"
)

func TestIdempotencyGuardExpiryTakeover(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	g := NewIdempotencyGuard(env.db, time.Hour)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }

	register := func(txnID string) Registration {
		t.Helper()
		var reg Registration
		err := env.db.Transaction(func(tx *gorm.DB) error {
			var err error
			reg, err = g.Register(ctx, tx, "webhook:vnpay:1", txnID)
			return err
		})
		if err != nil {
			t.Fatalf("Register(%s): %v", txnID, err)
		}
		return reg
	}

	if reg := register("txn-a"); !reg.New {
		t.Fatalf("first registration should be new: %+v", reg)
	}
	if reg := register("txn-b"); reg.New || reg.TransactionID != "txn-a" {
		t.Fatalf("duplicate registration = %+v, want existing txn-a", reg)
	}
	if id, _ := g.Lookup(ctx, "webhook:vnpay:1"); id != "txn-a" {
		t.Fatalf("Lookup = %q, want txn-a", id)
	}

	g.now = func() time.Time { return base.Add(2 * time.Hour) }
	if id, _ := g.Lookup(ctx, "webhook:vnpay:1"); id != "" {
		t.Fatalf("expired key still visible: %q", id)
	}
	if reg := register("txn-b"); !reg.New || reg.TransactionID != "txn-b" {
		t.Fatalf("expired key should be taken over: %+v", reg)
	}
	if id, _ := g.Lookup(ctx, "webhook:vnpay:1"); id != "txn-b" {
		t.Fatalf("Lookup after takeover = %q, want txn-b", id)
	}

	purged, err := g.PurgeExpired(ctx, base.Add(5*time.Hour))
	if err != nil || purged != 1 {
		t.Fatalf("PurgeExpired = %d, %v; want 1", purged, err)
	}
}

func TestIdempotencyKeyRollsBackWithTransaction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := env.db.Transaction(func(tx *gorm.DB) error {
		if _, err := env.guard.Register(ctx, tx, "rollback-key", "txn-a"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if id, _ := env.guard.Lookup(ctx, "rollback-key"); id != "" {
		t.Fatalf("key survived rollback: %q", id)
	}
}
