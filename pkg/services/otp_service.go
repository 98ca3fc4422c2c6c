package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/chalklabs/chalk/pkg/mailer"
	"github.com/chalklabs/chalk/pkg/models"
	"github.com/chalklabs/chalk/pkg/store"
)

// otpIssueInterval is the minimum gap between OTP issues for one email.
const otpIssueInterval = time.Minute

// OTPStore is the slice of the otps store the service needs.
type OTPStore interface {
	Issue(ctx context.Context, otp *models.OTP) error
	Get(ctx context.Context, email string) (*models.OTP, error)
	Decrement(ctx context.Context, email string) (int, error)
	Consume(ctx context.Context, email string) error
}

// OTPService runs the password recovery flow: issue a code over mail,
// verify it, reset the password.
type OTPService struct {
	otps     OTPStore
	users    UserStore
	sessions SessionStore
	mail     mailer.Sender
	limits   *limiterRegistry
	now      func() time.Time
}

// NewOTPService creates a new OTPService.
func NewOTPService(otps OTPStore, users UserStore, sessions SessionStore, mail mailer.Sender) *OTPService {
	return &OTPService{
		otps:     otps,
		users:    users,
		sessions: sessions,
		mail:     mail,
		limits:   newLimiterRegistry(rate.Every(otpIssueInterval), 1),
		now:      time.Now,
	}
}

// ForgotPassword issues a reset code for the account. The outcome is the
// same whether or not the email exists, so the endpoint cannot be used to
// enumerate accounts.
func (s *OTPService) ForgotPassword(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if !validEmail(email) {
		return NewValidationError("email", "must be a valid email address")
	}
	if !s.limits.allow(email) {
		return ErrRateLimited
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to look up user: %w", err)
	}
	if !user.Active || user.DeletedAt != nil {
		return nil
	}

	code, err := NewOTPCode()
	if err != nil {
		return err
	}
	now := s.now()
	otp := &models.OTP{
		Email:             email,
		Code:              code,
		IssuedAt:          now,
		ExpiresAt:         now.Add(models.OTPTTL),
		AttemptsRemaining: models.OTPAttempts,
	}
	if err := s.otps.Issue(ctx, otp); err != nil {
		return fmt.Errorf("failed to issue otp: %w", err)
	}

	subject, body := mailer.PasswordResetMessage(code, models.OTPTTL)
	if err := s.mail.Send(ctx, email, subject, body); err != nil {
		// Reported uniformly to the caller; the failure is an operations
		// problem, not an enumeration hint.
		slog.Error("Failed to send reset mail", "error", err)
	}
	return nil
}

// VerifyOTP checks a code without consuming it. Wrong codes burn an
// attempt; the code is consumed once attempts run out.
func (s *OTPService) VerifyOTP(ctx context.Context, email, code string) error {
	email = normalizeEmail(email)
	_, err := s.checkOTP(ctx, email, code)
	return err
}

// ResetPassword verifies the code, consumes it, enforces the password
// policy, stores the new hash and revokes every session the user holds.
func (s *OTPService) ResetPassword(ctx context.Context, email, code, newPassword, confirm string) error {
	email = normalizeEmail(email)

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidOTP
		}
		return fmt.Errorf("failed to look up user: %w", err)
	}

	if _, err := s.checkOTP(ctx, email, code); err != nil {
		return err
	}

	if newPassword != confirm {
		return NewValidationError("confirm_password", "passwords do not match")
	}
	if err := ValidatePassword(newPassword, user.FullName, email); err != nil {
		return err
	}

	// Consume before the update: a crash here costs the user a new code
	// rather than leaving a live one behind.
	if err := s.otps.Consume(ctx, email); err != nil {
		return fmt.Errorf("failed to consume otp: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, user.ID, string(hash)); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if err := s.sessions.RevokeAllForUser(ctx, user.ID); err != nil {
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}
	return nil
}

// checkOTP validates a presented code against the live OTP for the email.
func (s *OTPService) checkOTP(ctx context.Context, email, code string) (*models.OTP, error) {
	otp, err := s.otps.Get(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidOTP
		}
		return nil, fmt.Errorf("failed to look up otp: %w", err)
	}

	now := s.now()
	if otp.Consumed || otp.AttemptsRemaining <= 0 {
		return nil, ErrInvalidOTP
	}
	if now.After(otp.ExpiresAt) {
		return nil, ErrExpiredOTP
	}

	if code != otp.Code {
		// Decrement also consumes the OTP when this was the last attempt.
		if _, err := s.otps.Decrement(ctx, email); err != nil {
			slog.Error("Failed to burn otp attempt", "error", err)
		}
		return nil, ErrInvalidOTP
	}
	return otp, nil
}

// NewOTPCode returns a zero-padded 6-digit code from crypto/rand.
func NewOTPCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// limiterRegistry keeps one rate limiter per key, sweeping idle entries so
// the map stays bounded.
type limiterRegistry struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterSweepSize = 4096

func newLimiterRegistry(limit rate.Limit, burst int) *limiterRegistry {
	return &limiterRegistry{
		limit:   limit,
		burst:   burst,
		entries: make(map[string]*limiterEntry),
	}
}

func (r *limiterRegistry) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if len(r.entries) >= limiterSweepSize {
		r.sweep(now)
	}

	entry, ok := r.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// sweep drops entries idle long enough to have refilled their burst.
func (r *limiterRegistry) sweep(now time.Time) {
	idle := time.Duration(float64(r.burst) / float64(r.limit) * float64(time.Second))
	for key, entry := range r.entries {
		if now.Sub(entry.lastSeen) > idle {
			delete(r.entries, key)
		}
	}
}
