package lockout

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestMemory() (*Memory, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	m := NewMemory()
	m.SetClock(clock.now)
	return m, clock
}

// =============================================================================
// Memory Manager Tests
// =============================================================================

// TestMemory_BlockIPExpires verifies blocks lapse after their duration.
func TestMemory_BlockIPExpires(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestMemory()

	if err := m.BlockIP(ctx, "203.0.113.7", "brute_force_ip", 15*time.Minute); err != nil {
		t.Fatalf("BlockIP failed: %v", err)
	}
	if blocked, _ := m.IsIPBlocked(ctx, "203.0.113.7"); !blocked {
		t.Error("IP should be blocked")
	}

	clock.t = clock.t.Add(15 * time.Minute)
	if blocked, _ := m.IsIPBlocked(ctx, "203.0.113.7"); blocked {
		t.Error("block should expire")
	}
}

// TestMemory_LockAccountCaseInsensitive verifies username folding.
func TestMemory_LockAccountCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()

	if err := m.LockAccount(ctx, "Alice", "brute_force_account", time.Hour); err != nil {
		t.Fatalf("LockAccount failed: %v", err)
	}
	if locked, _ := m.IsAccountLocked(ctx, "alice"); !locked {
		t.Error("lock should apply regardless of case")
	}

	removed, _ := m.UnlockAccount(ctx, "ALICE")
	if !removed {
		t.Error("UnlockAccount should report removal")
	}
	if locked, _ := m.IsAccountLocked(ctx, "alice"); locked {
		t.Error("account should be unlocked")
	}
}

// TestMemory_NeverShortens verifies a shorter re-block keeps the longer expiry.
func TestMemory_NeverShortens(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestMemory()

	_ = m.BlockIP(ctx, "198.51.100.1", "first", time.Hour)
	_ = m.BlockIP(ctx, "198.51.100.1", "second", time.Minute)

	clock.t = clock.t.Add(30 * time.Minute)
	if blocked, _ := m.IsIPBlocked(ctx, "198.51.100.1"); !blocked {
		t.Error("longer block should survive a shorter re-block")
	}
}

// TestMemory_InvalidTarget verifies validation.
func TestMemory_InvalidTarget(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()

	if err := m.BlockIP(ctx, "", "x", time.Minute); err != ErrInvalidTarget {
		t.Errorf("empty IP: got %v, want ErrInvalidTarget", err)
	}
	if err := m.LockAccount(ctx, "bob", "x", 0); err != ErrInvalidTarget {
		t.Errorf("zero duration: got %v, want ErrInvalidTarget", err)
	}
}

// TestMemory_List verifies listing skips expired entries and sorts by expiry.
func TestMemory_List(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestMemory()

	_ = m.BlockIP(ctx, "10.0.0.1", "a", 10*time.Minute)
	_ = m.LockAccount(ctx, "carol", "b", 5*time.Minute)
	_ = m.BlockIP(ctx, "10.0.0.2", "c", time.Minute)

	clock.t = clock.t.Add(2 * time.Minute)
	locks, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(locks) != 2 {
		t.Fatalf("got %d locks, want 2", len(locks))
	}
	if locks[0].Kind != KindAccount || locks[0].Target != "carol" {
		t.Errorf("first lock = %+v, want account carol", locks[0])
	}
	if locks[1].Target != "10.0.0.1" {
		t.Errorf("second lock = %+v, want 10.0.0.1", locks[1])
	}
}

// TestMemory_UnblockUnknown verifies removing a missing block reports false.
func TestMemory_UnblockUnknown(t *testing.T) {
	m, _ := newTestMemory()
	removed, err := m.UnblockIP(context.Background(), "192.0.2.1")
	if err != nil || removed {
		t.Errorf("UnblockIP = %v, %v; want false, nil", removed, err)
	}
}

// =============================================================================
// Redis Manager Tests
// =============================================================================

// TestRedis_KeyLayout verifies key naming without a server.
func TestRedis_KeyLayout(t *testing.T) {
	r := NewRedis(nil, "", zap.NewNop())
	if got := r.key(KindIP, "10.1.2.3"); got != "etbguard:lockout:ip:10.1.2.3" {
		t.Errorf("key = %q", got)
	}
	if got := r.key(KindAccount, "dave"); got != "etbguard:lockout:account:dave" {
		t.Errorf("key = %q", got)
	}
}
