package sessioncache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/ngoclaw/browseragent/internal/domain/browser"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisLockTable) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	table := NewRedisLockTable(mr.Addr(), "test", time.Minute, 10*time.Millisecond, zap.NewNop())
	t.Cleanup(func() { table.Close() })
	return mr, table
}

func TestRedisLockTable_CopyModeAlwaysSucceeds(t *testing.T) {
	_, table := setupTestRedis(t)
	if err := table.Claim(context.Background(), browser.AttachmentCopy, "sess-1", "run-a"); err != nil {
		t.Fatalf("expected copy mode to always succeed, got %v", err)
	}
}

func TestRedisLockTable_StrictModeFailsWhenHeld(t *testing.T) {
	_, table := setupTestRedis(t)
	ctx := context.Background()

	if err := table.Claim(ctx, browser.AttachmentStrict, "sess-1", "run-a"); err != nil {
		t.Fatalf("first claim should succeed: %v", err)
	}

	err := table.Claim(ctx, browser.AttachmentStrict, "sess-1", "run-b")
	if err == nil {
		t.Fatal("expected second strict claim by a different run to fail")
	}
	var busy *browser.ErrSessionBusy
	if !asErrSessionBusy(err, &busy) {
		t.Fatalf("expected ErrSessionBusy, got %v (%T)", err, err)
	}
	if busy.HeldBy != "run-a" {
		t.Errorf("expected HeldBy run-a, got %q", busy.HeldBy)
	}
}

func asErrSessionBusy(err error, target **browser.ErrSessionBusy) bool {
	busy, ok := err.(*browser.ErrSessionBusy)
	if ok {
		*target = busy
	}
	return ok
}

func TestRedisLockTable_ReleaseUnblocksSharedWaiter(t *testing.T) {
	_, table := setupTestRedis(t)
	ctx := context.Background()

	if err := table.Claim(ctx, browser.AttachmentShared, "sess-1", "run-a"); err != nil {
		t.Fatalf("first claim should succeed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- table.Claim(ctx, browser.AttachmentShared, "sess-1", "run-b")
	}()

	select {
	case <-done:
		t.Fatal("expected run-b's claim to block while run-a holds the session")
	case <-time.After(30 * time.Millisecond):
	}

	table.Release("sess-1", "run-a")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected run-b to acquire the session after release, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for run-b to acquire the released session")
	}
}

func TestRedisLockTable_ReleaseIsNoOpForNonHolder(t *testing.T) {
	_, table := setupTestRedis(t)
	ctx := context.Background()

	if err := table.Claim(ctx, browser.AttachmentStrict, "sess-1", "run-a"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	table.Release("sess-1", "run-b")

	if err := table.Claim(ctx, browser.AttachmentStrict, "sess-1", "run-c"); err == nil {
		t.Fatal("expected session to still be held by run-a after a non-holder's Release")
	}
}
