package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chalklabs/chalk/pkg/models"
)

// Users persists accounts.
type Users struct {
	db *sql.DB
}

// NewUsers creates the user store.
func NewUsers(db *sql.DB) *Users {
	return &Users{db: db}
}

const userColumns = `id, email, full_name, password_hash, role, provider, active, created_at, last_seen_at, deleted_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	var deletedAt sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.PasswordHash, &u.Role,
		&u.Provider, &u.Active, &u.CreatedAt, &u.LastSeenAt, &deletedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	u.DeletedAt = timePtr(deletedAt)
	return &u, nil
}

// Create inserts a new account. Returns ErrDuplicate when the email exists.
func (s *Users) Create(ctx context.Context, u *models.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, full_name, password_hash, role, provider, active, created_at, last_seen_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		u.ID, u.Email, u.FullName, u.PasswordHash, u.Role, u.Provider, u.Active, u.CreatedAt)
	return translateErr(err)
}

// GetByEmail fetches a non-deleted account by lowercased email.
func (s *Users) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1 AND deleted_at IS NULL`, email)
	return scanUser(row)
}

// GetByID fetches a non-deleted account by id.
func (s *Users) GetByID(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanUser(row)
}

// UpdatePassword replaces the stored hash.
func (s *Users) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2 WHERE id = $1 AND deleted_at IS NULL`, id, passwordHash)
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res)
}

// TouchLastSeen records authentication activity.
func (s *Users) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_seen_at = $2 WHERE id = $1`, id, at)
	return translateErr(err)
}

// SoftDelete tombstones the account and cascades tombstones to everything
// the user owns. Lessons, visualizations, quizzes and notes are derived
// state and follow the documents they came from.
func (s *Users) SoftDelete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET deleted_at = $2, active = FALSE WHERE id = $1 AND deleted_at IS NULL`, id, now)
	if err != nil {
		return translateErr(err)
	}
	if err := requireRow(res); err != nil {
		return err
	}

	for _, q := range []string{
		`UPDATE documents SET deleted_at = $2 WHERE user_id = $1 AND deleted_at IS NULL`,
		`UPDATE lessons SET deleted_at = $2 WHERE user_id = $1 AND deleted_at IS NULL`,
		`UPDATE conversations SET deleted_at = $2 WHERE user_id = $1 AND deleted_at IS NULL`,
		`UPDATE visualizations SET deleted_at = $2 WHERE lesson_id IN (SELECT id FROM lessons WHERE user_id = $1) AND deleted_at IS NULL`,
		`UPDATE quizzes SET deleted_at = $2 WHERE lesson_id IN (SELECT id FROM lessons WHERE user_id = $1) AND deleted_at IS NULL`,
		`UPDATE notes SET deleted_at = $2 WHERE lesson_id IN (SELECT id FROM lessons WHERE user_id = $1) AND deleted_at IS NULL`,
	} {
		if _, err := tx.ExecContext(ctx, q, id, now); err != nil {
			return fmt.Errorf("failed to cascade user tombstone: %w", err)
		}
	}

	return tx.Commit()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
