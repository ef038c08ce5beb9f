package lock

import (
	"context"
	"testing"
	"time"
)

func TestLocalLockerExclusivePerKey(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, ok, err := l.TryAcquire(ctx, "job:lock:expiry", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	if _, ok, _ := l.TryAcquire(ctx, "job:lock:expiry", time.Minute); ok {
		t.Fatal("second acquire of the same key should fail")
	}

	other, ok, _ := l.TryAcquire(ctx, "job:lock:reconcile", time.Minute)
	if !ok {
		t.Fatal("different key should be acquirable")
	}
	other()

	release()
	again, ok, _ := l.TryAcquire(ctx, "job:lock:expiry", time.Minute)
	if !ok {
		t.Fatal("acquire after release should succeed")
	}
	again()
}
