package api

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/chalklabs/chalk/pkg/models"
	"github.com/chalklabs/chalk/pkg/services"
	"github.com/chalklabs/chalk/pkg/tokens"
)

// TokenVerifier authenticates a bearer token and resolves the caller.
// The auth service implements it with a live account check; every other
// service verifies signatures locally via LocalVerifier and never touches
// the users table.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*models.Principal, error)
}

// LocalVerifier adapts a token manager to TokenVerifier for services that
// validate access tokens without a database round trip.
type LocalVerifier struct {
	Manager *tokens.Manager
}

func (v LocalVerifier) Verify(_ context.Context, token string) (*models.Principal, error) {
	p, err := v.Manager.Verify(token)
	if err != nil {
		if errors.Is(err, tokens.ErrExpired) {
			return nil, services.ErrExpiredToken
		}
		return nil, services.ErrInvalidToken
	}
	return p, nil
}

// principalKey is the gin context key the auth middleware stores the
// caller under.
const principalKey = "principal"

// principal returns the authenticated caller set by requireAuth, or nil
// on routes that ran without it.
func principal(c *gin.Context) *models.Principal {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil
	}
	p, ok := v.(*models.Principal)
	if !ok {
		return nil
	}
	return p
}

// extractBearer pulls the token out of an Authorization header. It
// returns "" when the header is absent or not a bearer scheme.
func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
