package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/wispberry-tech/wispy-session/core"
	. "github.com/wispberry-tech/wispy-session/core"
)

// PostgresStorage implements Storage interface for PostgreSQL databases
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage creates a new PostgreSQL storage instance
func NewPostgresStorage(databaseDSN string) (*PostgresStorage, error) {
	// Parse the connection string
	config, err := pgx.ParseConfig(databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	// Register the pgx driver
	db := stdlib.OpenDB(*config)

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return NewPostgresStorageFromDB(db)
}

// NewPostgresStorageFromDB creates a PostgreSQL storage from an existing connection pool
func NewPostgresStorageFromDB(db *sql.DB) (*PostgresStorage, error) {
	storage := &PostgresStorage{
		db: db,
	}

	// Auto-create missing tables
	schemaManager := core.NewSchemaManager(db, "postgres")
	if err := schemaManager.EnsureCoreSchema(); err != nil {
		return nil, fmt.Errorf("failed to ensure core schema: %w", err)
	}

	return storage, nil
}

// DB exposes the underlying connection pool, for schema inspection.
func (p *PostgresStorage) DB() *sql.DB {
	return p.db
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// User operations
func (p *PostgresStorage) CreateUser(ctx context.Context, user *User) error {
	query := `INSERT INTO users (username, email, password_hash, role, created_at)
			  VALUES ($1, $2, $3, $4, $5) RETURNING id`

	err := p.db.QueryRowContext(ctx, query,
		user.Username, nullString(user.Email), user.PasswordHash, user.Role, user.CreatedAt,
	).Scan(&user.ID)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

func (p *PostgresStorage) scanUser(row scanner) (*User, error) {
	user := &User{}
	var email sql.NullString
	if err := row.Scan(&user.ID, &user.Username, &email, &user.PasswordHash, &user.Role, &user.CreatedAt); err != nil {
		return nil, err
	}
	user.Email = email.String
	user.CreatedAt = user.CreatedAt.UTC()
	return user, nil
}

// GetUserByIdentifier matches a username or an email case-insensitively,
// preferring a username match.
func (p *PostgresStorage) GetUserByIdentifier(ctx context.Context, identifier string) (*User, error) {
	query := `SELECT id, username, email, password_hash, role, created_at
			  FROM users
			  WHERE LOWER(username) = $1 OR LOWER(email) = $1
			  ORDER BY CASE WHEN LOWER(username) = $1 THEN 0 ELSE 1 END
			  LIMIT 1`

	user, err := p.scanUser(p.db.QueryRowContext(ctx, query, strings.ToLower(identifier)))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user by identifier: %w", err)
	}

	return user, nil
}

func (p *PostgresStorage) GetUserByID(ctx context.Context, id uint) (*User, error) {
	query := `SELECT id, username, email, password_hash, role, created_at
			  FROM users WHERE id = $1`

	user, err := p.scanUser(p.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}

	return user, nil
}

func (p *PostgresStorage) UpdateCredentialHash(ctx context.Context, userID uint, oldHash, newHash string) (bool, error) {
	query := `UPDATE users SET password_hash = $1 WHERE id = $2 AND password_hash = $3`

	result, err := p.db.ExecContext(ctx, query, newHash, userID, oldHash)
	if err != nil {
		return false, fmt.Errorf("failed to update credential hash: %w", err)
	}
	return affected(result)
}

// Session operations

// CreateSession serialises logins of the same user on a transaction-scoped
// advisory lock before swapping the active session.
func (p *PostgresStorage) CreateSession(ctx context.Context, session *Session) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin session transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(session.UserID)); err != nil {
		return fmt.Errorf("failed to lock user sessions: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET is_active = FALSE WHERE user_id = $1 AND is_active`,
		session.UserID); err != nil {
		return fmt.Errorf("failed to deactivate previous sessions: %w", err)
	}

	query := `INSERT INTO sessions (session_id, user_id, created_at, last_activity,
			  ip_address, user_agent, is_active)
			  VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if _, err := tx.ExecContext(ctx, query,
		session.SessionID, session.UserID, session.CreatedAt, session.LastActivity,
		session.IPAddress, session.UserAgent, session.IsActive); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

func (p *PostgresStorage) scanSession(row scanner) (*Session, error) {
	session := &Session{}
	if err := row.Scan(&session.SessionID, &session.UserID, &session.CreatedAt, &session.LastActivity,
		&session.IPAddress, &session.UserAgent, &session.IsActive); err != nil {
		return nil, err
	}
	session.CreatedAt = session.CreatedAt.UTC()
	session.LastActivity = session.LastActivity.UTC()
	return session, nil
}

func (p *PostgresStorage) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	query := `SELECT session_id, user_id, created_at, last_activity, ip_address, user_agent, is_active
			  FROM sessions WHERE session_id = $1`

	session, err := p.scanSession(p.db.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

func (p *PostgresStorage) GetActiveUserSession(ctx context.Context, userID uint) (*Session, error) {
	query := `SELECT session_id, user_id, created_at, last_activity, ip_address, user_agent, is_active
			  FROM sessions WHERE user_id = $1 AND is_active
			  ORDER BY created_at DESC LIMIT 1`

	session, err := p.scanSession(p.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}

	return session, nil
}

func (p *PostgresStorage) TouchSession(ctx context.Context, sessionID string, observed, now time.Time) (bool, error) {
	query := `UPDATE sessions SET last_activity = $1
			  WHERE session_id = $2 AND is_active AND last_activity = $3`

	result, err := p.db.ExecContext(ctx, query, now, sessionID, observed)
	if err != nil {
		return false, fmt.Errorf("failed to touch session: %w", err)
	}
	return affected(result)
}

func (p *PostgresStorage) ExpireSession(ctx context.Context, sessionID string, observed time.Time) (bool, error) {
	query := `UPDATE sessions SET is_active = FALSE
			  WHERE session_id = $1 AND is_active AND last_activity = $2`

	result, err := p.db.ExecContext(ctx, query, sessionID, observed)
	if err != nil {
		return false, fmt.Errorf("failed to expire session: %w", err)
	}
	return affected(result)
}

func (p *PostgresStorage) DeactivateSession(ctx context.Context, sessionID string) error {
	query := `UPDATE sessions SET is_active = FALSE WHERE session_id = $1`
	if _, err := p.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("failed to deactivate session: %w", err)
	}
	return nil
}

func (p *PostgresStorage) DeactivateUserSessions(ctx context.Context, userID uint) (int64, error) {
	query := `UPDATE sessions SET is_active = FALSE WHERE user_id = $1 AND is_active`
	result, err := p.db.ExecContext(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate user sessions: %w", err)
	}
	return result.RowsAffected()
}

func (p *PostgresStorage) DeactivateIdleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `UPDATE sessions SET is_active = FALSE WHERE is_active AND last_activity < $1`
	result, err := p.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate idle sessions: %w", err)
	}
	return result.RowsAffected()
}

func (p *PostgresStorage) CountActiveSessions(ctx context.Context, userID uint) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM sessions WHERE user_id = $1 AND is_active`
	if err := p.db.QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

// Login attempt operations
func (p *PostgresStorage) CreateLoginAttempt(ctx context.Context, attempt *LoginAttempt) error {
	query := `INSERT INTO login_attempts (identifier, ip_address, user_agent, attempted_at, success, blocked)
			  VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`

	err := p.db.QueryRowContext(ctx, query,
		attempt.Identifier, attempt.IPAddress, attempt.UserAgent, attempt.Timestamp, attempt.Success, attempt.Blocked,
	).Scan(&attempt.ID)
	if err != nil {
		return fmt.Errorf("failed to create login attempt: %w", err)
	}

	return nil
}

// postgresFailures selects the counted failures of identifier $1 newer than $2.
const postgresFailures = `FROM login_attempts
			  WHERE identifier = $1 AND NOT success AND NOT blocked AND attempted_at > $2::timestamptz
			  AND id > COALESCE((SELECT MAX(id) FROM login_attempts WHERE identifier = $1 AND success), 0)
			  AND attempted_at > COALESCE((SELECT reset_at FROM lockouts WHERE identifier = $1), '-infinity'::timestamptz)`

func (p *PostgresStorage) CountFailuresSince(ctx context.Context, identifier string, windowStart time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) ` + postgresFailures

	if err := p.db.QueryRowContext(ctx, query, identifier, windowStart).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count login failures: %w", err)
	}
	return count, nil
}

func (p *PostgresStorage) PurgeLoginAttempts(ctx context.Context, before, now time.Time) (int64, error) {
	query := `DELETE FROM login_attempts
			  WHERE attempted_at < $1
			  AND id NOT IN (
				SELECT MAX(a.id) FROM login_attempts a
				JOIN lockouts l ON l.identifier = a.identifier
				WHERE l.locked_until > $2
				GROUP BY a.identifier)`

	result, err := p.db.ExecContext(ctx, query, before, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge login attempts: %w", err)
	}
	return result.RowsAffected()
}

// Lockout operations
func (p *PostgresStorage) scanLockout(row scanner) (*Lockout, error) {
	lockout := &Lockout{}
	var lockedUntil sql.NullTime
	var lockedBy sql.NullInt64
	if err := row.Scan(&lockout.Identifier, &lockedUntil, &lockedBy, &lockout.AttemptCount, &lockout.LastFailureAt); err != nil {
		return nil, err
	}
	lockout.LockingAttemptID = uint(lockedBy.Int64)
	if lockedUntil.Valid {
		until := lockedUntil.Time.UTC()
		lockout.LockedUntil = &until
	}
	lockout.LastFailureAt = lockout.LastFailureAt.UTC()
	return lockout, nil
}

func (p *PostgresStorage) GetLockout(ctx context.Context, identifier string) (*Lockout, error) {
	query := `SELECT identifier, locked_until, locked_by, attempt_count, last_failure_at
			  FROM lockouts WHERE identifier = $1`

	lockout, err := p.scanLockout(p.db.QueryRowContext(ctx, query, identifier))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lockout: %w", err)
	}

	return lockout, nil
}

// RegisterFailure mirrors the SQLite upsert. The row lock taken by
// ON CONFLICT serialises the writes, and the registration that starts last
// counts every failure committed before it, so the lock is never missed.
func (p *PostgresStorage) RegisterFailure(ctx context.Context, update FailureUpdate) (*Lockout, error) {
	query := `WITH recent AS (SELECT COUNT(*) AS failures ` + postgresFailures + `)
			  INSERT INTO lockouts (identifier, locked_until, locked_by, attempt_count, last_failure_at)
			  SELECT $1,
				CASE WHEN failures >= $4::int THEN $5::timestamptz END,
				CASE WHEN failures >= $4::int THEN $6::bigint END,
				failures, $3::timestamptz
			  FROM recent
			  ON CONFLICT (identifier) DO UPDATE SET
				locked_until = CASE WHEN lockouts.locked_until > $3::timestamptz THEN lockouts.locked_until ELSE excluded.locked_until END,
				locked_by = CASE WHEN lockouts.locked_until > $3::timestamptz THEN lockouts.locked_by ELSE excluded.locked_by END,
				attempt_count = excluded.attempt_count,
				last_failure_at = excluded.last_failure_at
			  RETURNING identifier, locked_until, locked_by, attempt_count, last_failure_at`

	lockout, err := p.scanLockout(p.db.QueryRowContext(ctx, query,
		update.Identifier,
		update.WindowStart,
		update.Now,
		max(update.Threshold, 1),
		update.LockedUntil,
		int64(update.AttemptID)))
	if err != nil {
		return nil, fmt.Errorf("failed to register failure: %w", err)
	}

	return lockout, nil
}

func (p *PostgresStorage) DeleteLockout(ctx context.Context, identifier string, now time.Time) error {
	query := `DELETE FROM lockouts
			  WHERE identifier = $1 AND (locked_until IS NULL OR locked_until <= $2)`

	if _, err := p.db.ExecContext(ctx, query, identifier, now); err != nil {
		return fmt.Errorf("failed to delete lockout: %w", err)
	}
	return nil
}

func (p *PostgresStorage) ResetLockout(ctx context.Context, identifier string, now time.Time) error {
	query := `UPDATE lockouts
			  SET locked_until = NULL, locked_by = NULL, attempt_count = 0, reset_at = $2
			  WHERE identifier = $1`

	if _, err := p.db.ExecContext(ctx, query, identifier, now); err != nil {
		return fmt.Errorf("failed to reset lockout: %w", err)
	}
	return nil
}

func (p *PostgresStorage) DeleteExpiredLockout(ctx context.Context, identifier string, now time.Time) (bool, error) {
	query := `DELETE FROM lockouts
			  WHERE identifier = $1 AND locked_until IS NOT NULL AND locked_until <= $2`

	result, err := p.db.ExecContext(ctx, query, identifier, now)
	if err != nil {
		return false, fmt.Errorf("failed to delete expired lockout: %w", err)
	}
	return affected(result)
}

func (p *PostgresStorage) PurgeLockouts(ctx context.Context, now, staleBefore time.Time) (int64, error) {
	query := `DELETE FROM lockouts
			  WHERE (locked_until IS NOT NULL AND locked_until <= $1)
			  OR (locked_until IS NULL AND last_failure_at < $2)`

	result, err := p.db.ExecContext(ctx, query, now, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to purge lockouts: %w", err)
	}
	return result.RowsAffected()
}

// Health check
func (p *PostgresStorage) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStorage) Close() error {
	return p.db.Close()
}
