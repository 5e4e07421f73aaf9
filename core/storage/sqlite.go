package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/wispberry-tech/wispy-session/core"
	. "github.com/wispberry-tech/wispy-session/core"
)

// sqliteParams makes every connection wait on locks instead of failing and
// start write transactions with BEGIN IMMEDIATE.
const sqliteParams = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"

// SQLiteStorage is a production-ready SQLite storage implementation for session security.
// Timestamps are stored as Unix milliseconds.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dsn := dbPath
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	if strings.Contains(dsn, "?") {
		dsn += "&" + sqliteParams
	} else {
		dsn += "?" + sqliteParams + "&_pragma=journal_mode(wal)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	return NewSQLiteStorageFromDB(db)
}

// NewSQLiteStorageFromDB creates a new SQLite storage from an existing database connection
func NewSQLiteStorageFromDB(db *sql.DB) (*SQLiteStorage, error) {
	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStorage{db: db}

	// Auto-create missing tables
	schemaManager := core.NewSchemaManager(db, "sqlite")
	if err := schemaManager.EnsureCoreSchema(); err != nil {
		return nil, fmt.Errorf("failed to ensure core schema: %w", err)
	}

	return s, nil
}

// NewInMemorySQLiteStorage creates a new in-memory SQLite storage instance for testing
func NewInMemorySQLiteStorage() (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", "file::memory:?"+sqliteParams)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory SQLite database: %w", err)
	}

	// Every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)

	// Use the common initialization which includes auto-schema creation
	return NewSQLiteStorageFromDB(db)
}

// DB exposes the underlying connection pool, for schema inspection.
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func isSQLiteUniqueViolation(err error) bool {
	return errors.Is(err, sqlite3.CONSTRAINT_UNIQUE)
}

// User operations
func (s *SQLiteStorage) CreateUser(ctx context.Context, user *User) error {
	query := `INSERT INTO users (username, email, password_hash, role, created_at)
			  VALUES (?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		user.Username, nullString(user.Email), user.PasswordHash, user.Role, toMillis(user.CreatedAt))
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get user ID: %w", err)
	}

	user.ID = uint(id)
	return nil
}

func (s *SQLiteStorage) scanUser(row scanner) (*User, error) {
	user := &User{}
	var email sql.NullString
	var createdAt int64
	if err := row.Scan(&user.ID, &user.Username, &email, &user.PasswordHash, &user.Role, &createdAt); err != nil {
		return nil, err
	}
	user.Email = email.String
	user.CreatedAt = fromMillis(createdAt)
	return user, nil
}

// GetUserByIdentifier matches a username or an email case-insensitively,
// preferring a username match.
func (s *SQLiteStorage) GetUserByIdentifier(ctx context.Context, identifier string) (*User, error) {
	query := `SELECT id, username, email, password_hash, role, created_at
			  FROM users
			  WHERE LOWER(username) = ?1 OR LOWER(email) = ?1
			  ORDER BY CASE WHEN LOWER(username) = ?1 THEN 0 ELSE 1 END
			  LIMIT 1`

	user, err := s.scanUser(s.db.QueryRowContext(ctx, query, strings.ToLower(identifier)))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user by identifier: %w", err)
	}

	return user, nil
}

func (s *SQLiteStorage) GetUserByID(ctx context.Context, id uint) (*User, error) {
	query := `SELECT id, username, email, password_hash, role, created_at
			  FROM users WHERE id = ?`

	user, err := s.scanUser(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}

	return user, nil
}

func (s *SQLiteStorage) UpdateCredentialHash(ctx context.Context, userID uint, oldHash, newHash string) (bool, error) {
	query := `UPDATE users SET password_hash = ? WHERE id = ? AND password_hash = ?`

	result, err := s.db.ExecContext(ctx, query, newHash, userID, oldHash)
	if err != nil {
		return false, fmt.Errorf("failed to update credential hash: %w", err)
	}
	return affected(result)
}

// Session operations
func (s *SQLiteStorage) CreateSession(ctx context.Context, session *Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin session transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET is_active = 0 WHERE user_id = ? AND is_active = 1`,
		session.UserID); err != nil {
		return fmt.Errorf("failed to deactivate previous sessions: %w", err)
	}

	query := `INSERT INTO sessions (session_id, user_id, created_at, last_activity,
			  ip_address, user_agent, is_active)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`

	if _, err := tx.ExecContext(ctx, query,
		session.SessionID, session.UserID, toMillis(session.CreatedAt), toMillis(session.LastActivity),
		session.IPAddress, session.UserAgent, session.IsActive); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) scanSession(row scanner) (*Session, error) {
	session := &Session{}
	var createdAt, lastActivity int64
	if err := row.Scan(&session.SessionID, &session.UserID, &createdAt, &lastActivity,
		&session.IPAddress, &session.UserAgent, &session.IsActive); err != nil {
		return nil, err
	}
	session.CreatedAt = fromMillis(createdAt)
	session.LastActivity = fromMillis(lastActivity)
	return session, nil
}

func (s *SQLiteStorage) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	query := `SELECT session_id, user_id, created_at, last_activity, ip_address, user_agent, is_active
			  FROM sessions WHERE session_id = ?`

	session, err := s.scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

func (s *SQLiteStorage) GetActiveUserSession(ctx context.Context, userID uint) (*Session, error) {
	query := `SELECT session_id, user_id, created_at, last_activity, ip_address, user_agent, is_active
			  FROM sessions WHERE user_id = ? AND is_active = 1
			  ORDER BY created_at DESC LIMIT 1`

	session, err := s.scanSession(s.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}

	return session, nil
}

func (s *SQLiteStorage) TouchSession(ctx context.Context, sessionID string, observed, now time.Time) (bool, error) {
	query := `UPDATE sessions SET last_activity = ?
			  WHERE session_id = ? AND is_active = 1 AND last_activity = ?`

	result, err := s.db.ExecContext(ctx, query, toMillis(now), sessionID, toMillis(observed))
	if err != nil {
		return false, fmt.Errorf("failed to touch session: %w", err)
	}
	return affected(result)
}

func (s *SQLiteStorage) ExpireSession(ctx context.Context, sessionID string, observed time.Time) (bool, error) {
	query := `UPDATE sessions SET is_active = 0
			  WHERE session_id = ? AND is_active = 1 AND last_activity = ?`

	result, err := s.db.ExecContext(ctx, query, sessionID, toMillis(observed))
	if err != nil {
		return false, fmt.Errorf("failed to expire session: %w", err)
	}
	return affected(result)
}

func (s *SQLiteStorage) DeactivateSession(ctx context.Context, sessionID string) error {
	query := `UPDATE sessions SET is_active = 0 WHERE session_id = ?`
	if _, err := s.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("failed to deactivate session: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DeactivateUserSessions(ctx context.Context, userID uint) (int64, error) {
	query := `UPDATE sessions SET is_active = 0 WHERE user_id = ? AND is_active = 1`
	result, err := s.db.ExecContext(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate user sessions: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLiteStorage) DeactivateIdleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `UPDATE sessions SET is_active = 0 WHERE is_active = 1 AND last_activity < ?`
	result, err := s.db.ExecContext(ctx, query, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate idle sessions: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLiteStorage) CountActiveSessions(ctx context.Context, userID uint) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM sessions WHERE user_id = ? AND is_active = 1`
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

// Login attempt operations
func (s *SQLiteStorage) CreateLoginAttempt(ctx context.Context, attempt *LoginAttempt) error {
	query := `INSERT INTO login_attempts (identifier, ip_address, user_agent, attempted_at, success, blocked)
			  VALUES (?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		attempt.Identifier, attempt.IPAddress, attempt.UserAgent, toMillis(attempt.Timestamp),
		attempt.Success, attempt.Blocked)
	if err != nil {
		return fmt.Errorf("failed to create login attempt: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get login attempt ID: %w", err)
	}

	attempt.ID = uint(id)
	return nil
}

// sqliteFailures selects the counted failures of identifier ?1 newer than ?2.
const sqliteFailures = `FROM login_attempts
			  WHERE identifier = ?1 AND success = 0 AND blocked = 0 AND attempted_at > ?2
			  AND id > COALESCE((SELECT MAX(id) FROM login_attempts WHERE identifier = ?1 AND success = 1), 0)
			  AND attempted_at > COALESCE((SELECT reset_at FROM lockouts WHERE identifier = ?1), 0)`

func (s *SQLiteStorage) CountFailuresSince(ctx context.Context, identifier string, windowStart time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) ` + sqliteFailures

	if err := s.db.QueryRowContext(ctx, query, identifier, toMillis(windowStart)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count login failures: %w", err)
	}
	return count, nil
}

func (s *SQLiteStorage) PurgeLoginAttempts(ctx context.Context, before, now time.Time) (int64, error) {
	query := `DELETE FROM login_attempts
			  WHERE attempted_at < ?1
			  AND id NOT IN (
				SELECT MAX(a.id) FROM login_attempts a
				JOIN lockouts l ON l.identifier = a.identifier
				WHERE l.locked_until > ?2
				GROUP BY a.identifier)`

	result, err := s.db.ExecContext(ctx, query, toMillis(before), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to purge login attempts: %w", err)
	}
	return result.RowsAffected()
}

// Lockout operations
func (s *SQLiteStorage) scanLockout(row scanner) (*Lockout, error) {
	lockout := &Lockout{}
	var lockedUntil, lockedBy sql.NullInt64
	var lastFailureAt int64
	if err := row.Scan(&lockout.Identifier, &lockedUntil, &lockedBy, &lockout.AttemptCount, &lastFailureAt); err != nil {
		return nil, err
	}
	if lockedUntil.Valid {
		until := fromMillis(lockedUntil.Int64)
		lockout.LockedUntil = &until
	}
	lockout.LockingAttemptID = uint(lockedBy.Int64)
	lockout.LastFailureAt = fromMillis(lastFailureAt)
	return lockout, nil
}

func (s *SQLiteStorage) GetLockout(ctx context.Context, identifier string) (*Lockout, error) {
	query := `SELECT identifier, locked_until, locked_by, attempt_count, last_failure_at
			  FROM lockouts WHERE identifier = ?`

	lockout, err := s.scanLockout(s.db.QueryRowContext(ctx, query, identifier))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lockout: %w", err)
	}

	return lockout, nil
}

// RegisterFailure counts the failures in the ledger and stores the count in
// the same statement. SQLite takes the write lock before the count runs, so
// concurrent registrations see each other. A lock in force is kept as it is.
func (s *SQLiteStorage) RegisterFailure(ctx context.Context, update FailureUpdate) (*Lockout, error) {
	query := `WITH recent AS (SELECT COUNT(*) AS failures ` + sqliteFailures + `)
			  INSERT INTO lockouts (identifier, locked_until, locked_by, attempt_count, last_failure_at)
			  SELECT ?1,
				CASE WHEN failures >= ?4 THEN ?5 END,
				CASE WHEN failures >= ?4 THEN ?6 END,
				failures, ?3
			  FROM recent WHERE true
			  ON CONFLICT (identifier) DO UPDATE SET
				locked_until = CASE WHEN lockouts.locked_until > ?3 THEN lockouts.locked_until ELSE excluded.locked_until END,
				locked_by = CASE WHEN lockouts.locked_until > ?3 THEN lockouts.locked_by ELSE excluded.locked_by END,
				attempt_count = excluded.attempt_count,
				last_failure_at = excluded.last_failure_at
			  RETURNING identifier, locked_until, locked_by, attempt_count, last_failure_at`

	lockout, err := s.scanLockout(s.db.QueryRowContext(ctx, query,
		update.Identifier,
		toMillis(update.WindowStart),
		toMillis(update.Now),
		max(update.Threshold, 1),
		toMillis(update.LockedUntil),
		update.AttemptID))
	if err != nil {
		return nil, fmt.Errorf("failed to register failure: %w", err)
	}

	return lockout, nil
}

func (s *SQLiteStorage) DeleteLockout(ctx context.Context, identifier string, now time.Time) error {
	query := `DELETE FROM lockouts
			  WHERE identifier = ? AND (locked_until IS NULL OR locked_until <= ?)`

	if _, err := s.db.ExecContext(ctx, query, identifier, toMillis(now)); err != nil {
		return fmt.Errorf("failed to delete lockout: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ResetLockout(ctx context.Context, identifier string, now time.Time) error {
	query := `UPDATE lockouts
			  SET locked_until = NULL, locked_by = NULL, attempt_count = 0, reset_at = ?
			  WHERE identifier = ?`

	if _, err := s.db.ExecContext(ctx, query, toMillis(now), identifier); err != nil {
		return fmt.Errorf("failed to reset lockout: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteExpiredLockout(ctx context.Context, identifier string, now time.Time) (bool, error) {
	query := `DELETE FROM lockouts
			  WHERE identifier = ? AND locked_until IS NOT NULL AND locked_until <= ?`

	result, err := s.db.ExecContext(ctx, query, identifier, toMillis(now))
	if err != nil {
		return false, fmt.Errorf("failed to delete expired lockout: %w", err)
	}
	return affected(result)
}

func (s *SQLiteStorage) PurgeLockouts(ctx context.Context, now, staleBefore time.Time) (int64, error) {
	query := `DELETE FROM lockouts
			  WHERE (locked_until IS NOT NULL AND locked_until <= ?)
			  OR (locked_until IS NULL AND last_failure_at < ?)`

	result, err := s.db.ExecContext(ctx, query, toMillis(now), toMillis(staleBefore))
	if err != nil {
		return 0, fmt.Errorf("failed to purge lockouts: %w", err)
	}
	return result.RowsAffected()
}

// Health check
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
