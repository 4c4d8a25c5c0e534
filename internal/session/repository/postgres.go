package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"careerpilot/backend/internal/session/domain"
)

const sessionColumns = `id, user_id, access_token_hash, refresh_token_hash, ip_address, user_agent,
is_active, expires_at, created_at, last_activity_at`

const (
	insertSessionSQL = `INSERT INTO user_sessions (` + sessionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	getSessionSQL         = `SELECT ` + sessionColumns + ` FROM user_sessions WHERE id = $1`
	updateAccessTokenSQL  = `UPDATE user_sessions
SET access_token_hash = $2, last_activity_at = GREATEST(last_activity_at, $3)
WHERE id = $1 AND is_active`
	touchActivitySQL = `UPDATE user_sessions SET last_activity_at = GREATEST(last_activity_at, $2)
WHERE id = $1 AND is_active`
	invalidateSessionSQL     = `UPDATE user_sessions SET is_active = FALSE WHERE id = $1 AND is_active`
	invalidateUserSessionSQL = `UPDATE user_sessions SET is_active = FALSE WHERE user_id = $1 AND is_active`
	expireSessionsSQL        = `UPDATE user_sessions SET is_active = FALSE WHERE is_active AND expires_at < $1`
	deactivateIdleSQL        = `UPDATE user_sessions SET is_active = FALSE WHERE is_active AND last_activity_at < $1`
	listActiveByUserSQL      = `SELECT ` + sessionColumns + ` FROM user_sessions
WHERE user_id = $1 AND is_active AND expires_at > $2
ORDER BY last_activity_at DESC`
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create persists the session to the database. The session must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	_, err := r.db.ExecContext(ctx, insertSessionSQL,
		s.ID,
		s.UserID,
		s.AccessTokenHash,
		s.RefreshTokenHash,
		nullString(s.IPAddress),
		nullString(s.UserAgent),
		s.IsActive,
		s.ExpiresAt,
		s.CreatedAt,
		s.LastActivityAt,
	)
	return err
}

// GetByID returns the session for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, getSessionSQL, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepository) UpdateAccessToken(ctx context.Context, id, accessTokenHash string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, updateAccessTokenSQL, id, accessTokenHash, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotActive
	}
	return nil
}

func (r *PostgresRepository) TouchActivity(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, touchActivitySQL, id, at)
	return err
}

func (r *PostgresRepository) Invalidate(ctx context.Context, id string) (bool, error) {
	n, err := r.exec(ctx, invalidateSessionSQL, id)
	return n > 0, err
}

func (r *PostgresRepository) InvalidateAllByUser(ctx context.Context, userID string) (int64, error) {
	return r.exec(ctx, invalidateUserSessionSQL, userID)
}

func (r *PostgresRepository) ExpireBefore(ctx context.Context, now time.Time) (int64, error) {
	return r.exec(ctx, expireSessionsSQL, now)
}

func (r *PostgresRepository) DeactivateIdleSince(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.exec(ctx, deactivateIdleSQL, cutoff)
}

func (r *PostgresRepository) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, listActiveByUserSQL, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		s         domain.Session
		ip, agent sql.NullString
	)
	if err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.AccessTokenHash,
		&s.RefreshTokenHash,
		&ip,
		&agent,
		&s.IsActive,
		&s.ExpiresAt,
		&s.CreatedAt,
		&s.LastActivityAt,
	); err != nil {
		return nil, err
	}
	s.IPAddress = ip.String
	s.UserAgent = agent.String
	s.ExpiresAt = s.ExpiresAt.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.LastActivityAt = s.LastActivityAt.UTC()
	return &s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
