package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// failAttempt records one failed attempt for id and registers it.
func failAttempt(t *testing.T, authService *AuthService, id string) (*Lockout, bool) {
	t.Helper()
	ctx := context.Background()
	attempt, err := authService.recordAttempt(ctx, id, OriginInfo{}, false, false)
	if err != nil {
		t.Fatalf("recordAttempt() error = %v", err)
	}
	lockout, locked, err := authService.registerFailure(ctx, attempt)
	if err != nil {
		t.Fatalf("registerFailure() error = %v", err)
	}
	return lockout, locked
}

func TestCheckLockout_StateMachine(t *testing.T) {
	authService, storage, clock := mustCreateTestAuthServiceWithClock(t, testSecurityConfig())
	ctx := context.Background()
	threshold := authService.SecurityConfig().MaxLoginAttempts

	for i := 1; i < threshold; i++ {
		if _, locked := failAttempt(t, authService, "alice"); locked {
			t.Fatalf("Locked after %d failures, threshold is %d", i, threshold)
		}
	}

	status, err := authService.CheckLockout(ctx, "ALICE")
	if err != nil {
		t.Fatalf("CheckLockout() error = %v", err)
	}
	if status.Locked || status.AttemptCount != threshold-1 {
		t.Errorf("CheckLockout() = %+v, want open with %d failures", status, threshold-1)
	}

	lockout, locked := failAttempt(t, authService, "alice")
	if !locked || lockout.AttemptCount != threshold {
		t.Fatalf("Expected lock on failure %d, got locked=%v count=%d", threshold, locked, lockout.AttemptCount)
	}

	status, err = authService.CheckLockout(ctx, "alice")
	if err != nil {
		t.Fatalf("CheckLockout() error = %v", err)
	}
	if !status.Locked {
		t.Fatal("Expected identifier to be locked")
	}
	if status.Remaining != 15*time.Minute {
		t.Errorf("Expected 15m remaining, got %v", status.Remaining)
	}

	clock.Advance(15 * time.Minute)

	status, err = authService.CheckLockout(ctx, "alice")
	if err != nil {
		t.Fatalf("CheckLockout() error = %v", err)
	}
	if status.Locked {
		t.Error("Expected lock to lapse after the lockout duration")
	}
	if _, ok := storage.lockouts["alice"]; ok {
		t.Error("Expected lapsed lockout row to be removed")
	}
}

func TestRegisterFailure_WindowRestart(t *testing.T) {
	authService, _, clock := mustCreateTestAuthServiceWithClock(t, testSecurityConfig())

	for range 3 {
		failAttempt(t, authService, "bob")
	}

	// Failures older than the lockout window no longer count
	clock.Advance(16 * time.Minute)

	lockout, locked := failAttempt(t, authService, "bob")
	if locked || lockout.AttemptCount != 1 {
		t.Errorf("Expected counter to restart at 1, got %d (locked=%v)", lockout.AttemptCount, locked)
	}
}

// Every failure keeps the previous one inside the window, but never more
// than two fall inside it at once.
func TestRegisterFailure_SlidingWindow(t *testing.T) {
	authService, _, clock := mustCreateTestAuthServiceWithClock(t, testSecurityConfig())
	ctx := context.Background()

	tests := []struct {
		offset time.Duration
		want   int
	}{
		{0, 1},
		{10 * time.Minute, 2},
		{20 * time.Minute, 2},
		{30 * time.Minute, 2},
		{40 * time.Minute, 2},
	}

	start := authService.now()
	for _, tt := range tests {
		clock.Advance(start.Add(tt.offset).Sub(authService.now()))
		lockout, locked := failAttempt(t, authService, "spaced")
		if locked || lockout.IsLocked(authService.now()) {
			t.Fatalf("+%v: unexpected lock with %d failures in the window", tt.offset, lockout.AttemptCount)
		}
		if lockout.AttemptCount != tt.want {
			t.Errorf("+%v: attempt count = %d, want %d", tt.offset, lockout.AttemptCount, tt.want)
		}
	}

	if got, _ := authService.RecentFailures(ctx, "spaced"); got != 2 {
		t.Errorf("Expected 2 failures in the window, got %d", got)
	}
}

func TestRegisterFailure_KeepsActiveLock(t *testing.T) {
	config := testSecurityConfig()
	config.MaxLoginAttempts = 2
	authService, _, clock := mustCreateTestAuthServiceWithClock(t, config)

	failAttempt(t, authService, "carol")
	first, locked := failAttempt(t, authService, "carol")
	if !locked {
		t.Fatal("Expected identifier to lock at the threshold")
	}

	clock.Advance(time.Minute)
	again, locked := failAttempt(t, authService, "carol")
	if locked {
		t.Error("A failure during a lock must not report a new lock")
	}
	if !again.LockedUntil.Equal(*first.LockedUntil) {
		t.Errorf("Lock was extended from %v to %v", first.LockedUntil, again.LockedUntil)
	}
	if again.LockingAttemptID != first.LockingAttemptID {
		t.Errorf("Locking attempt changed from %d to %d", first.LockingAttemptID, again.LockingAttemptID)
	}
}

func TestRegisterFailure_Concurrent(t *testing.T) {
	config := testSecurityConfig()
	config.MaxLoginAttempts = 10
	authService, storage, _ := mustCreateTestAuthServiceWithClock(t, config)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	locks := 0
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			attempt, err := authService.recordAttempt(ctx, "dave", OriginInfo{}, false, false)
			if err != nil {
				t.Errorf("recordAttempt() error = %v", err)
				return
			}
			_, locked, err := authService.registerFailure(ctx, attempt)
			if err != nil {
				t.Errorf("registerFailure() error = %v", err)
				return
			}
			if locked {
				mu.Lock()
				locks++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if locks != 1 {
		t.Errorf("Expected exactly one failure to lock the identifier, got %d", locks)
	}
	if got := storage.lockouts["dave"].AttemptCount; got != 25 {
		t.Errorf("Expected 25 counted failures, got %d", got)
	}
	if authService.Stats().Lockouts != 1 {
		t.Errorf("Expected lockouts stat 1, got %d", authService.Stats().Lockouts)
	}
}

// Attempts refused by a lock are in the ledger but never count, so the
// first failure after the lock lapses starts a fresh streak.
func TestRegisterFailure_IgnoresBlockedAttempts(t *testing.T) {
	authService, storage, clock := mustCreateTestAuthServiceWithClock(t, testSecurityConfig())
	mustCreateTestUser(t, authService, "ivan", "")
	ctx := context.Background()

	for range 5 {
		authService.SecureLogin(ctx, "ivan", "wrong", OriginInfo{})
	}
	for range 3 {
		clock.Advance(time.Minute)
		if _, err := authService.SecureLogin(ctx, "ivan", "wrong", OriginInfo{}); !errors.Is(err, ErrAccountLocked) {
			t.Fatalf("Expected ErrAccountLocked, got %v", err)
		}
	}

	blocked := 0
	for _, attempt := range storage.attempts {
		if attempt.Blocked {
			blocked++
		}
	}
	if blocked != 3 {
		t.Errorf("Expected 3 blocked attempts in the ledger, got %d", blocked)
	}

	clock.Advance(12 * time.Minute)
	_, err := authService.SecureLogin(ctx, "ivan", "wrong", OriginInfo{})
	var invalid *InvalidCredentialsError
	if !errors.As(err, &invalid) {
		t.Fatalf("Expected *InvalidCredentialsError after the lock lapsed, got %v", err)
	}
	if invalid.RemainingAttempts != 4 {
		t.Errorf("Expected a fresh streak with 4 attempts left, got %d", invalid.RemainingAttempts)
	}
}

func TestClearLockout(t *testing.T) {
	authService, storage, clock := mustCreateTestAuthServiceWithClock(t, testSecurityConfig())
	ctx := context.Background()

	for range 5 {
		failAttempt(t, authService, "erin")
	}
	if status, _ := authService.CheckLockout(ctx, "erin"); !status.Locked {
		t.Fatal("Expected erin to be locked")
	}

	if err := authService.ClearLockout(ctx, " Erin "); err != nil {
		t.Fatalf("ClearLockout() error = %v", err)
	}

	status, err := authService.CheckLockout(ctx, "erin")
	if err != nil {
		t.Fatalf("CheckLockout() error = %v", err)
	}
	if status.Locked || status.AttemptCount != 0 {
		t.Errorf("Expected a clean slate after ClearLockout, got %+v", status)
	}

	// Failures before the reset stay in the ledger but stop counting
	if len(storage.attempts) != 5 {
		t.Errorf("Expected the ledger to keep 5 attempts, got %d", len(storage.attempts))
	}
	clock.Advance(time.Second)
	lockout, locked := failAttempt(t, authService, "erin")
	if locked || lockout.AttemptCount != 1 {
		t.Errorf("Expected the next failure to count 1, got %d (locked=%v)", lockout.AttemptCount, locked)
	}
}

func TestCheckLockout_StoreUnavailable(t *testing.T) {
	tests := []struct {
		name  string
		cause error
	}{
		{"driver_error", errors.New("database is locked")},
		{"deadline", context.DeadlineExceeded},
		{"canceled", context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authService, storage, _ := mustCreateTestAuthServiceWithClock(t, testSecurityConfig())
			storage.setError(tt.cause)

			_, err := authService.CheckLockout(context.Background(), "frank")
			if !errors.Is(err, ErrStoreUnavailable) {
				t.Errorf("Expected ErrStoreUnavailable, got %v", err)
			}
			if !errors.Is(err, tt.cause) {
				t.Errorf("Expected the cause to stay visible, got %v", err)
			}
		})
	}
}

func TestAttemptLedger(t *testing.T) {
	authService, storage, clock := mustCreateTestAuthServiceWithClock(t, testSecurityConfig())
	ctx := context.Background()
	origin := OriginInfo{IPAddress: "198.51.100.7", UserAgent: "test-agent"}
	windowStart := authService.now().Add(-time.Hour)

	record := func(success bool) {
		t.Helper()
		clock.Advance(time.Second)
		if err := authService.RecordAttempt(ctx, "Grace", origin, success); err != nil {
			t.Fatalf("RecordAttempt() error = %v", err)
		}
	}

	record(false)
	record(false)
	if got, _ := authService.FailuresSince(ctx, "grace", windowStart); got != 2 {
		t.Errorf("Expected 2 failures, got %d", got)
	}

	record(true)
	if got, _ := authService.FailuresSince(ctx, "grace", windowStart); got != 0 {
		t.Errorf("Expected failures to reset after a success, got %d", got)
	}

	record(false)
	if got, _ := authService.RecentFailures(ctx, "GRACE"); got != 1 {
		t.Errorf("Expected 1 failure after the success, got %d", got)
	}

	storage.mu.RLock()
	defer storage.mu.RUnlock()
	if len(storage.attempts) != 4 {
		t.Fatalf("Expected 4 recorded attempts, got %d", len(storage.attempts))
	}
	for _, attempt := range storage.attempts {
		if attempt.Identifier != "grace" {
			t.Errorf("Expected normalised identifier, got %q", attempt.Identifier)
		}
		if attempt.IPAddress != origin.IPAddress || attempt.UserAgent != origin.UserAgent {
			t.Errorf("Origin not recorded: %+v", attempt)
		}
	}
}
