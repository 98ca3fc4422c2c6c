package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/chalklabs/chalk/pkg/models"
)

var (
	// ErrExpired means the token was well formed and correctly signed but
	// is past its expiry. Clients should refresh.
	ErrExpired = errors.New("access token expired")

	// ErrInvalid covers everything else: bad signature, unknown kid,
	// wrong algorithm, malformed claims. Clients must re-authenticate.
	ErrInvalid = errors.New("access token invalid")
)

// Claims is the access token payload. Subject carries the user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Manager mints and verifies access tokens against a keyring.
type Manager struct {
	ring   *Keyring
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewManager creates a token manager. ttl is the access token lifetime.
func NewManager(ring *Keyring, issuer string, ttl time.Duration) *Manager {
	return &Manager{ring: ring, issuer: issuer, ttl: ttl, now: time.Now}
}

// TTL returns the configured access token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Mint signs a new access token for the user with the ring's active key.
// The kid travels in the header so verification survives rotation.
func (m *Manager) Mint(user *models.User) (string, time.Time, error) {
	kid, secret := m.ring.Active()
	if len(secret) == 0 {
		return "", time.Time{}, fmt.Errorf("no active signing key")
	}

	now := m.now()
	expiresAt := now.Add(m.ttl)
	claims := Claims{
		Email: user.Email,
		Name:  user.FullName,
		Role:  string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature, algorithm, issuer and expiry, and returns the
// principal the token asserts. Only ErrExpired and ErrInvalid come back;
// the reason detail stays server side.
func (m *Manager) Verify(tokenString string) (*models.Principal, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, m.keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalid
	}

	role := models.Role(claims.Role)
	if !role.Valid() {
		role = models.RoleStudent
	}
	return &models.Principal{
		UserID: claims.Subject,
		Email:  claims.Email,
		Name:   claims.Name,
		Role:   role,
	}, nil
}

func (m *Manager) keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("token has no kid header")
	}
	secret, ok := m.ring.Lookup(kid)
	if !ok {
		return nil, fmt.Errorf("kid %q not in keyring", kid)
	}
	return secret, nil
}
