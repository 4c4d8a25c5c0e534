package repository

import (
	"context"
	"database/sql"
	"time"

	"careerpilot/backend/internal/attempt/domain"
)

const (
	insertAttemptSQL = `INSERT INTO login_attempts (id, email, user_id, ip_address, success, failure_reason, attempted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	countAttemptsByIPSinceSQL = `SELECT COUNT(*) FROM login_attempts WHERE ip_address = $1 AND attempted_at >= $2`
	deleteAttemptsBeforeSQL   = `DELETE FROM login_attempts WHERE attempted_at < $1`
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an attempt repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Append inserts the attempt row.
func (r *PostgresRepository) Append(ctx context.Context, a *domain.Attempt) error {
	_, err := r.db.ExecContext(ctx, insertAttemptSQL,
		a.ID,
		a.Email,
		nullString(a.UserID),
		a.IPAddress,
		a.Success,
		nullString(a.FailureReason),
		a.AttemptedAt,
	)
	return err
}

// CountByIPSince uses the (ip_address, attempted_at) index.
func (r *PostgresRepository) CountByIPSince(ctx context.Context, ip string, since time.Time) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, countAttemptsByIPSinceSQL, ip, since).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteBefore prunes old rows.
func (r *PostgresRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, deleteAttemptsBeforeSQL, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
