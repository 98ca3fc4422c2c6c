package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/chalklabs/chalk/pkg/models"
)

// OTPs persists one-time passwords, one row per email. The UPSERT in Issue
// is what enforces the one-live-OTP invariant.
type OTPs struct {
	db *sql.DB
}

// NewOTPs creates the OTP store.
func NewOTPs(db *sql.DB) *OTPs {
	return &OTPs{db: db}
}

// Issue writes a fresh OTP for the email, superseding any prior one.
func (s *OTPs) Issue(ctx context.Context, otp *models.OTP) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO otps (email, code, issued_at, expires_at, attempts_remaining, consumed)
		 VALUES ($1, $2, $3, $4, $5, FALSE)
		 ON CONFLICT (email) DO UPDATE SET
		   code = EXCLUDED.code,
		   issued_at = EXCLUDED.issued_at,
		   expires_at = EXCLUDED.expires_at,
		   attempts_remaining = EXCLUDED.attempts_remaining,
		   consumed = FALSE`,
		otp.Email, otp.Code, otp.IssuedAt, otp.ExpiresAt, otp.AttemptsRemaining)
	return translateErr(err)
}

// Get fetches the OTP row for an email.
func (s *OTPs) Get(ctx context.Context, email string) (*models.OTP, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT email, code, issued_at, expires_at, attempts_remaining, consumed
		 FROM otps WHERE email = $1`, email)

	var o models.OTP
	if err := row.Scan(&o.Email, &o.Code, &o.IssuedAt, &o.ExpiresAt, &o.AttemptsRemaining, &o.Consumed); err != nil {
		return nil, translateErr(err)
	}
	return &o, nil
}

// Decrement burns one verification attempt and returns the remaining count.
// An OTP that reaches zero attempts is marked consumed in the same
// statement so it can never be verified afterwards.
func (s *OTPs) Decrement(ctx context.Context, email string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE otps
		 SET attempts_remaining = attempts_remaining - 1,
		     consumed = (attempts_remaining - 1 <= 0)
		 WHERE email = $1 AND NOT consumed AND attempts_remaining > 0
		 RETURNING attempts_remaining`, email)

	var remaining int
	if err := row.Scan(&remaining); err != nil {
		return 0, translateErr(err)
	}
	return remaining, nil
}

// Consume marks the OTP used after a successful verification.
func (s *OTPs) Consume(ctx context.Context, email string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE otps SET consumed = TRUE WHERE email = $1 AND NOT consumed`, email)
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res)
}

// DeleteExpired removes rows whose expiry is behind the cutoff.
func (s *OTPs) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM otps WHERE expires_at < $1`, before)
	if err != nil {
		return 0, translateErr(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
