package core

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// CleanupReport counts the rows touched by one Cleanup run.
type CleanupReport struct {
	SessionsExpired int64 `json:"sessions_expired"`
	AttemptsPurged  int64 `json:"attempts_purged"`
	LockoutsPurged  int64 `json:"lockouts_purged"`
}

// Cleanup deactivates idle sessions, purges login attempts past retention and
// removes lapsed lockouts. Every step is a single conditional statement, so it
// can run while logins and validations are in flight, and running it twice in
// a row changes nothing the second time.
//
// A failing step does not stop the others; their errors are joined.
func (a *AuthService) Cleanup(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport
	var errs []error
	now := a.now()

	sessions, err := a.storage.DeactivateIdleSessions(ctx, now.Add(-a.securityConfig.SessionTimeout))
	if err != nil {
		errs = append(errs, storeError("deactivate idle sessions", err))
	}
	report.SessionsExpired = sessions

	attempts, err := a.storage.PurgeLoginAttempts(ctx, now.Add(-a.securityConfig.AttemptRetention), now)
	if err != nil {
		errs = append(errs, storeError("purge login attempts", err))
	}
	report.AttemptsPurged = attempts

	lockouts, err := a.storage.PurgeLockouts(ctx, now, now.Add(-a.securityConfig.LockoutDuration))
	if err != nil {
		errs = append(errs, storeError("purge lockouts", err))
	}
	report.LockoutsPurged = lockouts

	a.stats.sweeps.Add(1)
	a.stats.sessionsExpired.Add(uint64(max(sessions, 0)))

	if err := errors.Join(errs...); err != nil {
		slog.Error("Cleanup finished with errors", "error", err)
		return report, err
	}

	slog.Debug("Cleanup finished",
		"sessions_expired", report.SessionsExpired,
		"attempts_purged", report.AttemptsPurged,
		"lockouts_purged", report.LockoutsPurged)
	return report, nil
}

// RunSweeper runs Cleanup immediately and then every interval until ctx is
// done. Failed runs are logged and retried on the next tick.
func (a *AuthService) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = a.securityConfig.RefreshInterval
	}
	if interval <= 0 {
		interval = time.Minute
	}

	slog.Info("Session sweeper started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := a.Cleanup(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("Session sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			slog.Info("Session sweeper stopped")
			return nil
		case <-ticker.C:
			if a.loginLimiter != nil {
				a.loginLimiter.Cleanup()
			}
		}
	}
}
