package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalklabs/chalk/pkg/mailer"
	"github.com/chalklabs/chalk/pkg/services"
	"github.com/chalklabs/chalk/pkg/tokens"
)

// authFixture wires real auth and OTP services over in-memory fakes behind
// a routed engine, the way the auth binary assembles them.
type authFixture struct {
	router   *gin.Engine
	users    *fakeUsers
	sessions *fakeSessions
	otps     *fakeOTPs
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	users := newFakeUsers()
	sessions := newFakeSessions()
	otps := newFakeOTPs()
	ring := tokens.NewStaticKeyring("test", []byte("0123456789abcdef0123456789abcdef"))
	manager := tokens.NewManager(ring, "chalk-test", 15*time.Minute)
	auth := services.NewAuthService(users, sessions, manager, nil)
	otp := services.NewOTPService(otps, users, sessions, mailer.NewLog())

	server := NewServer(ServerConfig{
		Service:  "auth",
		Verifier: auth,
		Auth:     auth,
		OTP:      otp,
	})
	return &authFixture{router: server.Router(), users: users, sessions: sessions, otps: otps}
}

func (f *authFixture) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *authFixture) signup(t *testing.T, email string) TokenResponse {
	t.Helper()
	w := f.do(http.MethodPost, "/api/auth/signup/",
		`{"full_name":"Ada Lovelace","email":"`+email+`","password":"Str0ng!pass","password_confirm":"Str0ng!pass"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestSignupEndpoint(t *testing.T) {
	f := newAuthFixture(t)

	resp := f.signup(t, "ada@example.com")
	assert.NotEmpty(t, resp.Access)
	assert.NotEmpty(t, resp.Refresh)
	require.NotNil(t, resp.User)
	assert.Equal(t, "ada@example.com", resp.User.Email)

	t.Run("duplicate email gets email_taken", func(t *testing.T) {
		w := f.do(http.MethodPost, "/api/auth/signup/",
			`{"full_name":"Ada Again","email":"ada@example.com","password":"Str0ng!pass","password_confirm":"Str0ng!pass"}`)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "email_taken", decodeError(t, w).Error)
	})

	t.Run("weak password gets its own code", func(t *testing.T) {
		w := f.do(http.MethodPost, "/api/auth/signup/",
			`{"full_name":"Bob","email":"bob@example.com","password":"short","password_confirm":"short"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "weak_password", decodeError(t, w).Error)
	})

	t.Run("malformed body is a validation error", func(t *testing.T) {
		w := f.do(http.MethodPost, "/api/auth/signup/", `{"full_name":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "validation", decodeError(t, w).Error)
	})
}

func TestLoginEndpoint(t *testing.T) {
	f := newAuthFixture(t)
	f.signup(t, "ada@example.com")

	t.Run("correct credentials issue a pair", func(t *testing.T) {
		w := f.do(http.MethodPost, "/api/auth/login/",
			`{"email":"ada@example.com","password":"Str0ng!pass"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp TokenResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Access)
		assert.NotEmpty(t, resp.Refresh)
	})

	t.Run("wrong password is indistinguishable from unknown email", func(t *testing.T) {
		wrong := f.do(http.MethodPost, "/api/auth/login/",
			`{"email":"ada@example.com","password":"nope"}`)
		unknown := f.do(http.MethodPost, "/api/auth/login/",
			`{"email":"ghost@example.com","password":"nope"}`)

		assert.Equal(t, http.StatusUnauthorized, wrong.Code)
		assert.Equal(t, http.StatusUnauthorized, unknown.Code)
		assert.Equal(t, decodeError(t, wrong).Error, decodeError(t, unknown).Error)
		assert.Equal(t, "invalid_credentials", decodeError(t, wrong).Error)
	})
}

func TestRefreshEndpoint(t *testing.T) {
	f := newAuthFixture(t)
	first := f.signup(t, "ada@example.com")

	w := f.do(http.MethodPost, "/api/auth/refresh/", `{"refresh":"`+first.Refresh+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var second TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.NotEqual(t, first.Refresh, second.Refresh)

	t.Run("rotated token is dead", func(t *testing.T) {
		w := f.do(http.MethodPost, "/api/auth/refresh/", `{"refresh":"`+first.Refresh+`"}`)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "invalid_token", decodeError(t, w).Error)
	})

	t.Run("missing refresh field is rejected", func(t *testing.T) {
		w := f.do(http.MethodPost, "/api/auth/refresh/", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestLogoutEndpoint(t *testing.T) {
	f := newAuthFixture(t)
	pair := f.signup(t, "ada@example.com")
	bearer := "Bearer " + pair.Access

	w := f.do(http.MethodPost, "/api/auth/logout/", `{"refresh":"`+pair.Refresh+`"}`, "Authorization", bearer)
	assert.Equal(t, http.StatusNoContent, w.Code)

	t.Run("repeat logout stays 204", func(t *testing.T) {
		w := f.do(http.MethodPost, "/api/auth/logout/", `{"refresh":"`+pair.Refresh+`"}`, "Authorization", bearer)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("revoked refresh no longer rotates", func(t *testing.T) {
		w := f.do(http.MethodPost, "/api/auth/refresh/", `{"refresh":"`+pair.Refresh+`"}`)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("logout without a bearer is rejected", func(t *testing.T) {
		w := f.do(http.MethodPost, "/api/auth/logout/", `{"refresh":"x"}`)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestVerifyTokenEndpoint(t *testing.T) {
	f := newAuthFixture(t)
	pair := f.signup(t, "ada@example.com")

	w := f.do(http.MethodGet, "/api/auth/verify-token/", "", "Authorization", "Bearer "+pair.Access)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp VerifyTokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.User)
	assert.Equal(t, pair.User.ID, resp.User.UserID)
	assert.Equal(t, "ada@example.com", resp.User.Email)

	t.Run("garbage token is rejected", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/auth/verify-token/", "", "Authorization", "Bearer junk")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestPasswordResetFlow(t *testing.T) {
	f := newAuthFixture(t)
	f.signup(t, "ada@example.com")

	// 1. Request a code; the response never reveals whether the account
	// exists
	w := f.do(http.MethodPost, "/api/auth/forgot-password/", `{"email":"ada@example.com"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	unknown := f.do(http.MethodPost, "/api/auth/forgot-password/", `{"email":"ghost@example.com"}`)
	assert.Equal(t, http.StatusOK, unknown.Code)

	code := f.otps.code("ada@example.com")
	require.NotEmpty(t, code)

	// 2. A wrong code burns an attempt
	w = f.do(http.MethodPost, "/api/auth/verify-otp/", `{"email":"ada@example.com","otp":"000000"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_otp", decodeError(t, w).Error)

	// 3. The right code verifies without consuming
	w = f.do(http.MethodPost, "/api/auth/verify-otp/", `{"email":"ada@example.com","otp":"`+code+`"}`)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 4. Confirm the reset
	w = f.do(http.MethodPost, "/api/auth/password-reset-confirm/",
		`{"email":"ada@example.com","otp":"`+code+`","new_password":"N3w!longpass","confirm_password":"N3w!longpass"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 5. Old password dead, new one works
	w = f.do(http.MethodPost, "/api/auth/login/", `{"email":"ada@example.com","password":"Str0ng!pass"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/api/auth/login/", `{"email":"ada@example.com","password":"N3w!longpass"}`)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 6. The code is consumed
	w = f.do(http.MethodPost, "/api/auth/password-reset-confirm/",
		`{"email":"ada@example.com","otp":"`+code+`","new_password":"An0ther!pass","confirm_password":"An0ther!pass"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_otp", decodeError(t, w).Error)
}

func TestForgotPasswordRateLimit(t *testing.T) {
	f := newAuthFixture(t)
	f.signup(t, "ada@example.com")

	w := f.do(http.MethodPost, "/api/auth/forgot-password/", `{"email":"ada@example.com"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, "/api/auth/forgot-password/", `{"email":"ada@example.com"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decodeError(t, w).Error)
}
