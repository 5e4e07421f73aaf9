package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestValidateSession_Lifecycle(t *testing.T) {
	authService, storage, clock := mustCreateTestAuthServiceWithClock(t, testSecurityConfig())
	ctx := context.Background()
	user := mustCreateTestUser(t, authService, "heidi", "heidi@example.com")
	sessionID := mustLogin(t, authService, "heidi")
	loginAt := authService.now()

	if len(sessionID) != 64 {
		t.Errorf("Expected a 64 character session id, got %d", len(sessionID))
	}

	info, err := authService.ValidateSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("ValidateSession() error = %v", err)
	}
	if info.User.ID != user.ID || info.User.PasswordHash != "" {
		t.Errorf("Unexpected session user %+v", info.User)
	}
	if info.Remaining != 2*time.Hour || info.ExpiringSoon {
		t.Errorf("Fresh session: remaining=%v expiringSoon=%v", info.Remaining, info.ExpiringSoon)
	}

	// Inside the refresh interval nothing is written
	clock.Advance(4 * time.Minute)
	if _, err := authService.ValidateSession(ctx, sessionID); err != nil {
		t.Fatalf("ValidateSession() error = %v", err)
	}
	if stored := storage.sessions[sessionID]; !stored.LastActivity.Equal(loginAt) {
		t.Errorf("Activity refreshed too early: %v", stored.LastActivity)
	}

	// Past the refresh interval the activity moves forward
	clock.Advance(2 * time.Minute)
	info, err = authService.ValidateSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("ValidateSession() error = %v", err)
	}
	if stored := storage.sessions[sessionID]; !stored.LastActivity.Equal(authService.now()) {
		t.Errorf("Expected activity refresh, got %v", stored.LastActivity)
	}
	if info.IdleFor != 0 {
		t.Errorf("Expected zero idle time after refresh, got %v", info.IdleFor)
	}

	// Exactly at the timeout the session is still valid and gets refreshed
	clock.Advance(2 * time.Hour)
	info, err = authService.ValidateSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("ValidateSession() at the timeout boundary error = %v", err)
	}
	if info.Remaining != 2*time.Hour {
		t.Errorf("Expected a full timeout after refresh, got %v", info.Remaining)
	}
}

func TestValidateSession_ExpiringSoon(t *testing.T) {
	config := testSecurityConfig()
	config.RefreshInterval = 2 * time.Hour
	authService, _, clock := mustCreateTestAuthServiceWithClock(t, config)
	mustCreateTestUser(t, authService, "ivy", "")
	sessionID := mustLogin(t, authService, "ivy")

	clock.Advance(100 * time.Minute)
	info, err := authService.ValidateSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("ValidateSession() error = %v", err)
	}
	if info.RemainingSeconds() != 20*60 {
		t.Errorf("Expected 1200 seconds remaining, got %d", info.RemainingSeconds())
	}
	if !info.ExpiringSoon {
		t.Error("Expected ExpiringSoon inside the warn threshold")
	}
}

func TestValidateSession_Expiry(t *testing.T) {
	authService, storage, clock := mustCreateTestAuthServiceWithClock(t, testSecurityConfig())
	ctx := context.Background()
	mustCreateTestUser(t, authService, "ivan", "")
	sessionID := mustLogin(t, authService, "ivan")

	clock.Advance(2*time.Hour + time.Second)

	if _, err := authService.ValidateSession(ctx, sessionID); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Expected ErrSessionExpired, got %v", err)
	}
	if storage.sessions[sessionID].IsActive {
		t.Error("Expired session should be deactivated")
	}

	// Once deactivated the session is simply unknown
	if _, err := authService.ValidateSession(ctx, sessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound on the second check, got %v", err)
	}
	if authService.Stats().SessionsExpired != 1 {
		t.Errorf("Expected sessions expired stat 1, got %d", authService.Stats().SessionsExpired)
	}
}

func TestValidateSession_Unknown(t *testing.T) {
	authService := mustCreateTestAuthService(t)

	for _, sessionID := range []string{"", "does-not-exist"} {
		if _, err := authService.ValidateSession(context.Background(), sessionID); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("ValidateSession(%q) = %v, want ErrSessionNotFound", sessionID, err)
		}
	}
}

func TestValidateSession_DeletedUser(t *testing.T) {
	authService, storage, _ := mustCreateTestAuthServiceWithClock(t, testSecurityConfig())
	user := mustCreateTestUser(t, authService, "judy", "")
	sessionID := mustLogin(t, authService, "judy")

	storage.mu.Lock()
	delete(storage.users, user.ID)
	storage.mu.Unlock()

	if _, err := authService.ValidateSession(context.Background(), sessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
	if storage.sessions[sessionID].IsActive {
		t.Error("Orphaned session should be deactivated")
	}
}

func TestValidateSession_StoreUnavailable(t *testing.T) {
	authService, storage, _ := mustCreateTestAuthServiceWithClock(t, testSecurityConfig())
	mustCreateTestUser(t, authService, "kim", "")
	sessionID := mustLogin(t, authService, "kim")

	storage.setError(errors.New("connection reset"))
	_, err := authService.ValidateSession(context.Background(), sessionID)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable, got %v", err)
	}
}

// racingStorage refreshes the session right after every read, like a
// concurrent request from the same user would.
type racingStorage struct {
	*mockStorage
	clock *testClock
	races int
}

func (r *racingStorage) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	session, err := r.mockStorage.GetSession(ctx, sessionID)
	if err != nil || session == nil || r.races == 0 {
		return session, err
	}
	r.races--
	r.mockStorage.TouchSession(ctx, sessionID, session.LastActivity, r.clock.Now())
	return session, nil
}

func TestValidateSession_ConcurrentRefreshWins(t *testing.T) {
	authService, storage, clock := mustCreateTestAuthServiceWithClock(t, testSecurityConfig())
	mustCreateTestUser(t, authService, "leo", "")
	sessionID := mustLogin(t, authService, "leo")

	racing := &racingStorage{mockStorage: storage, clock: clock, races: 1}
	authService.storage = racing

	// The read sees an idle session, but another request refreshed it first
	clock.Advance(3 * time.Hour)
	info, err := authService.ValidateSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Expected the refreshed session to stay valid, got %v", err)
	}
	if info.IdleFor != 0 {
		t.Errorf("Expected re-read to see the refresh, idle %v", info.IdleFor)
	}
	if !storage.sessions[sessionID].IsActive {
		t.Error("Refreshed session must not be deactivated")
	}
}

func TestSessionRemainingSeconds(t *testing.T) {
	authService, storage, clock := mustCreateTestAuthServiceWithClock(t, testSecurityConfig())
	ctx := context.Background()
	mustCreateTestUser(t, authService, "mallory", "")
	sessionID := mustLogin(t, authService, "mallory")
	loginAt := authService.now()

	clock.Advance(90*time.Minute + 500*time.Millisecond)
	remaining, err := authService.SessionRemainingSeconds(ctx, sessionID)
	if err != nil {
		t.Fatalf("SessionRemainingSeconds() error = %v", err)
	}
	if remaining != 1799 {
		t.Errorf("Expected 1799 seconds, got %d", remaining)
	}
	if !storage.sessions[sessionID].LastActivity.Equal(loginAt) {
		t.Error("SessionRemainingSeconds must not refresh the session")
	}

	clock.Advance(time.Hour)
	if remaining, _ := authService.SessionRemainingSeconds(ctx, sessionID); remaining != 0 {
		t.Errorf("Expected 0 for a timed-out session, got %d", remaining)
	}
	if remaining, _ := authService.SessionRemainingSeconds(ctx, "unknown"); remaining != 0 {
		t.Errorf("Expected 0 for an unknown session, got %d", remaining)
	}
}

func TestLogout(t *testing.T) {
	authService, _, _ := mustCreateTestAuthServiceWithClock(t, testSecurityConfig())
	ctx := context.Background()
	mustCreateTestUser(t, authService, "nina", "")
	sessionID := mustLogin(t, authService, "nina")

	if err := authService.Logout(ctx, sessionID); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := authService.ValidateSession(ctx, sessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound after logout, got %v", err)
	}

	// Idempotent for inactive and unknown sessions
	for _, id := range []string{sessionID, "unknown", ""} {
		if err := authService.Logout(ctx, id); err != nil {
			t.Errorf("Logout(%q) error = %v", id, err)
		}
	}
}

func TestSingleActiveSession(t *testing.T) {
	authService, _, clock := mustCreateTestAuthServiceWithClock(t, testSecurityConfig())
	ctx := context.Background()
	user := mustCreateTestUser(t, authService, "oscar", "oscar@example.com")

	first := mustLogin(t, authService, "oscar")
	clock.Advance(time.Second)
	second := mustLogin(t, authService, "OSCAR@example.com")

	if first == second {
		t.Fatal("Expected a new session id per login")
	}
	if _, err := authService.ValidateSession(ctx, first); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected first session to be superseded, got %v", err)
	}
	if _, err := authService.ValidateSession(ctx, second); err != nil {
		t.Errorf("Expected second session to be valid, got %v", err)
	}

	count, err := authService.CountActiveSessions(ctx, user.ID)
	if err != nil || count != 1 {
		t.Errorf("CountActiveSessions() = %d, %v; want 1", count, err)
	}

	active, err := authService.ActiveSession(ctx, user.ID)
	if err != nil || active == nil || active.SessionID != second {
		t.Errorf("ActiveSession() = %+v, %v", active, err)
	}
}

func TestConcurrentLoginsKeepOneSession(t *testing.T) {
	authService, _, _ := mustCreateTestAuthServiceWithClock(t, testSecurityConfig())
	ctx := context.Background()
	user := mustCreateTestUser(t, authService, "peggy", "")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := authService.SecureLogin(ctx, "peggy", testPassword, OriginInfo{}); err != nil {
				t.Errorf("SecureLogin() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if count, _ := authService.CountActiveSessions(ctx, user.ID); count != 1 {
		t.Errorf("Expected exactly one active session, got %d", count)
	}
}

func TestForceLogout(t *testing.T) {
	authService, _, _ := mustCreateTestAuthServiceWithClock(t, testSecurityConfig())
	ctx := context.Background()
	user := mustCreateTestUser(t, authService, "quinn", "")
	sessionID := mustLogin(t, authService, "quinn")

	terminated, err := authService.ForceLogout(ctx, user.ID)
	if err != nil {
		t.Fatalf("ForceLogout() error = %v", err)
	}
	if terminated != 1 {
		t.Errorf("Expected 1 terminated session, got %d", terminated)
	}
	if _, err := authService.ValidateSession(ctx, sessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound after force logout, got %v", err)
	}
	if count, _ := authService.CountActiveSessions(ctx, user.ID); count != 0 {
		t.Errorf("Expected no active sessions, got %d", count)
	}
}
