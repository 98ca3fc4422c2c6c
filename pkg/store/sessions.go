package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/chalklabs/chalk/pkg/models"
)

// Sessions persists auth sessions and the refresh tokens minted under them.
type Sessions struct {
	db *sql.DB
}

// NewSessions creates the session store.
func NewSessions(db *sql.DB) *Sessions {
	return &Sessions{db: db}
}

// CreateWithToken inserts a new session and its first refresh token in one
// transaction.
func (s *Sessions) CreateWithToken(ctx context.Context, session *models.AuthSession, token *models.RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO auth_sessions (id, user_id, created_at) VALUES ($1, $2, $3)`,
		session.ID, session.UserID, session.CreatedAt)
	if err != nil {
		return translateErr(err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO refresh_tokens (token, session_id, user_id, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		token.Token, token.SessionID, token.UserID, token.ExpiresAt)
	if err != nil {
		return translateErr(err)
	}

	return tx.Commit()
}

// GetRefresh fetches a refresh token row by its opaque value.
func (s *Sessions) GetRefresh(ctx context.Context, token string) (*models.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token, session_id, user_id, expires_at, rotated_at, revoked_at
		 FROM refresh_tokens WHERE token = $1`, token)

	var t models.RefreshToken
	var rotatedAt, revokedAt sql.NullTime
	if err := row.Scan(&t.Token, &t.SessionID, &t.UserID, &t.ExpiresAt, &rotatedAt, &revokedAt); err != nil {
		return nil, translateErr(err)
	}
	t.RotatedAt = timePtr(rotatedAt)
	t.RevokedAt = timePtr(revokedAt)

	// A revoked session invalidates every token under it, including ones
	// minted before the revocation.
	var sessionRevoked sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT revoked_at FROM auth_sessions WHERE id = $1`, t.SessionID).Scan(&sessionRevoked)
	if err != nil {
		return nil, translateErr(err)
	}
	if sessionRevoked.Valid {
		t.RevokedAt = timePtr(sessionRevoked)
	}

	return &t, nil
}

// Rotate atomically invalidates the presented token and inserts its
// successor in the same session. Returns ErrConflict when the token was
// already rotated or revoked (stolen-token replay).
func (s *Sessions) Rotate(ctx context.Context, oldToken string, next *models.RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET rotated_at = now()
		 WHERE token = $1 AND rotated_at IS NULL AND revoked_at IS NULL`, oldToken)
	if err != nil {
		return translateErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO refresh_tokens (token, session_id, user_id, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		next.Token, next.SessionID, next.UserID, next.ExpiresAt)
	if err != nil {
		return translateErr(err)
	}

	return tx.Commit()
}

// RevokeSession invalidates a session and all its refresh tokens.
func (s *Sessions) RevokeSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE auth_sessions SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, sessionID)
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res)
}

// RevokeAllForUser invalidates every session the user holds. Used on
// password reset and account disable.
func (s *Sessions) RevokeAllForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE auth_sessions SET revoked_at = now() WHERE user_id = $1 AND revoked_at IS NULL`, userID)
	return translateErr(err)
}

// DeleteExpired removes refresh tokens past their expiry and sessions with
// no live tokens left. Safe to run from multiple pods.
func (s *Sessions) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, translateErr(err)
	}
	n, _ := res.RowsAffected()

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM auth_sessions WHERE id NOT IN (SELECT DISTINCT session_id FROM refresh_tokens)`)
	if err != nil {
		return n, translateErr(err)
	}
	return n, nil
}
