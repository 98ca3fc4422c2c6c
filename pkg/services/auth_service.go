package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/chalklabs/chalk/pkg/models"
	"github.com/chalklabs/chalk/pkg/store"
	"github.com/chalklabs/chalk/pkg/tokens"
)

// DefaultRefreshTTL is how long a refresh token stays valid.
const DefaultRefreshTTL = 14 * 24 * time.Hour

// dummyHash is compared against when the email is unknown so login timing
// does not reveal whether an account exists.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// UserStore is the slice of the users store the auth services need.
type UserStore interface {
	Create(ctx context.Context, u *models.User) error
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
}

// SessionStore is the slice of the sessions store the auth services need.
type SessionStore interface {
	CreateWithToken(ctx context.Context, session *models.AuthSession, token *models.RefreshToken) error
	GetRefresh(ctx context.Context, token string) (*models.RefreshToken, error)
	Rotate(ctx context.Context, oldToken string, next *models.RefreshToken) error
	RevokeSession(ctx context.Context, sessionID string) error
	RevokeAllForUser(ctx context.Context, userID string) error
}

// FederatedIdentity is a verified third-party assertion.
type FederatedIdentity struct {
	Email string
	Name  string
}

// FederatedVerifier checks an identity assertion against its issuer.
type FederatedVerifier interface {
	Verify(ctx context.Context, provider, idToken string) (*FederatedIdentity, error)
}

// AuthService manages accounts, credentials and token pairs
type AuthService struct {
	users      UserStore
	sessions   SessionStore
	tokens     *tokens.Manager
	federation FederatedVerifier
	refreshTTL time.Duration
	now        func() time.Time
}

// NewAuthService creates a new AuthService. federation may be nil when
// federated login is not configured.
func NewAuthService(users UserStore, sessions SessionStore, manager *tokens.Manager, federation FederatedVerifier) *AuthService {
	return &AuthService{
		users:      users,
		sessions:   sessions,
		tokens:     manager,
		federation: federation,
		refreshTTL: DefaultRefreshTTL,
		now:        time.Now,
	}
}

// Signup registers a new account and issues its first token pair.
func (s *AuthService) Signup(ctx context.Context, fullName, email, password, confirm string) (*models.User, *models.TokenPair, error) {
	fullName = strings.TrimSpace(fullName)
	email = normalizeEmail(email)

	if fullName == "" {
		return nil, nil, NewValidationError("full_name", "required")
	}
	if !validEmail(email) {
		return nil, nil, NewValidationError("email", "must be a valid email address")
	}
	if password != confirm {
		return nil, nil, NewValidationError("password_confirm", "passwords do not match")
	}
	if err := ValidatePassword(password, fullName, email); err != nil {
		return nil, nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		ID:           uuid.New().String(),
		Email:        email,
		FullName:     fullName,
		PasswordHash: string(hash),
		Role:         models.RoleStudent,
		Active:       true,
		CreatedAt:    s.now(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, nil, ErrAlreadyExists
		}
		return nil, nil, fmt.Errorf("failed to create user: %w", err)
	}

	pair, err := s.issuePair(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// Login verifies the credentials and issues a token pair. Unknown email
// and wrong password are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, email, password string) (*models.User, *models.TokenPair, error) {
	email = normalizeEmail(email)

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Burn a compare anyway to keep timing uniform.
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, nil, ErrInvalidCredentials
	}
	if !user.Active || user.DeletedAt != nil {
		return nil, nil, ErrInvalidCredentials
	}

	if err := s.users.TouchLastSeen(ctx, user.ID, s.now()); err != nil {
		slog.Warn("Failed to record last seen", "user_id", user.ID, "error", err)
	}

	pair, err := s.issuePair(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// Refresh rotates the presented refresh token and mints a new pair. A
// token that was already rotated is treated as stolen: the whole session
// is revoked before the caller is rejected.
func (s *AuthService) Refresh(ctx context.Context, refreshValue string) (*models.User, *models.TokenPair, error) {
	hash := tokens.HashRefresh(refreshValue)

	current, err := s.sessions.GetRefresh(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrInvalidToken
		}
		return nil, nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}

	now := s.now()
	if !current.Usable(now) {
		if current.RotatedAt != nil {
			// Replay of a rotated token means it leaked; kill the session.
			slog.Warn("Refresh token replay detected, revoking session",
				"session_id", current.SessionID, "user_id", current.UserID)
			if err := s.sessions.RevokeSession(ctx, current.SessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
				slog.Error("Failed to revoke replayed session", "session_id", current.SessionID, "error", err)
			}
			return nil, nil, ErrInvalidToken
		}
		if current.RevokedAt != nil {
			return nil, nil, ErrInvalidToken
		}
		return nil, nil, ErrExpiredToken
	}

	user, err := s.users.GetByID(ctx, current.UserID)
	if err != nil || !user.Active || user.DeletedAt != nil {
		return nil, nil, ErrInvalidToken
	}

	nextValue, err := tokens.NewRefreshValue()
	if err != nil {
		return nil, nil, err
	}
	next := &models.RefreshToken{
		Token:     tokens.HashRefresh(nextValue),
		SessionID: current.SessionID,
		UserID:    current.UserID,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	if err := s.sessions.Rotate(ctx, hash, next); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, nil, ErrInvalidToken
		}
		return nil, nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	access, _, err := s.tokens.Mint(user)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to mint access token: %w", err)
	}
	return user, &models.TokenPair{Access: access, Refresh: nextValue}, nil
}

// Logout revokes the session behind the presented refresh token. Unknown
// tokens are a no-op so logout stays idempotent.
func (s *AuthService) Logout(ctx context.Context, refreshValue string) error {
	token, err := s.sessions.GetRefresh(ctx, tokens.HashRefresh(refreshValue))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to look up refresh token: %w", err)
	}
	if err := s.sessions.RevokeSession(ctx, token.SessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// Verify decodes an access token and confirms the account is still in good
// standing. Disabled and tombstoned users fail verification.
func (s *AuthService) Verify(ctx context.Context, accessToken string) (*models.Principal, error) {
	principal, err := s.tokens.Verify(accessToken)
	if err != nil {
		if errors.Is(err, tokens.ErrExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	user, err := s.users.GetByID(ctx, principal.UserID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !user.Active || user.DeletedAt != nil {
		return nil, ErrInvalidToken
	}
	return principal, nil
}

// FederatedLogin verifies a third-party assertion, looks up or creates the
// account by email and issues the standard pair.
func (s *AuthService) FederatedLogin(ctx context.Context, provider, idToken string) (*models.User, *models.TokenPair, error) {
	if s.federation == nil {
		return nil, nil, NewValidationError("provider", "federated login is not configured")
	}

	identity, err := s.federation.Verify(ctx, provider, idToken)
	if err != nil {
		return nil, nil, err
	}
	email := normalizeEmail(identity.Email)
	if !validEmail(email) {
		return nil, nil, ErrInvalidToken
	}

	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		user = &models.User{
			ID:        uuid.New().String(),
			Email:     email,
			FullName:  identity.Name,
			Role:      models.RoleStudent,
			Provider:  provider,
			Active:    true,
			CreatedAt: s.now(),
		}
		if user.FullName == "" {
			user.FullName = email
		}
		if err := s.users.Create(ctx, user); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				// Raced another federated login for the same new account.
				if user, err = s.users.GetByEmail(ctx, email); err != nil {
					return nil, nil, fmt.Errorf("failed to look up user: %w", err)
				}
			} else {
				return nil, nil, fmt.Errorf("failed to create user: %w", err)
			}
		}
	} else if err != nil {
		return nil, nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if !user.Active || user.DeletedAt != nil {
		return nil, nil, ErrInvalidCredentials
	}

	pair, err := s.issuePair(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// issuePair mints an access token and opens a fresh session with its first
// refresh token.
func (s *AuthService) issuePair(ctx context.Context, user *models.User) (*models.TokenPair, error) {
	access, _, err := s.tokens.Mint(user)
	if err != nil {
		return nil, fmt.Errorf("failed to mint access token: %w", err)
	}

	refreshValue, err := tokens.NewRefreshValue()
	if err != nil {
		return nil, err
	}

	now := s.now()
	session := &models.AuthSession{ID: uuid.New().String(), UserID: user.ID, CreatedAt: now}
	token := &models.RefreshToken{
		Token:     tokens.HashRefresh(refreshValue),
		SessionID: session.ID,
		UserID:    user.ID,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	if err := s.sessions.CreateWithToken(ctx, session, token); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &models.TokenPair{Access: access, Refresh: refreshValue}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1
}
