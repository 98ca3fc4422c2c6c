package e2e

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalklabs/chalk/pkg/api"
)

// ────────────────────────────────────────────────────────────
// Auth tests: the token lifecycle and the OTP password reset, end to end
// over HTTP. Service-level variants live with the services package; these
// pin the wire contract.
// ────────────────────────────────────────────────────────────

func TestE2E_AuthSessionLifecycle(t *testing.T) {
	app := NewTestApp(t)

	acct := app.Signup(t, "Ada Hale", "ada@example.com", testPassword)

	// The signup bearer resolves to the account.
	var verified api.VerifyTokenResponse
	app.request(t, http.MethodGet, acct.Access, "/api/auth/verify-token/", nil, http.StatusOK, &verified)
	require.NotNil(t, verified.User)
	assert.Equal(t, acct.UserID, verified.User.UserID)
	assert.Equal(t, acct.Email, verified.User.Email)

	// Duplicate email gets its own code.
	dup := app.requestError(t, http.MethodPost, "", "/api/auth/signup/", api.SignupRequest{
		FullName:        "Ada Again",
		Email:           acct.Email,
		Password:        testPassword,
		PasswordConfirm: testPassword,
	}, http.StatusConflict)
	assert.Equal(t, "email_taken", dup.Code)

	// Weak passwords never reach the store.
	weak := app.requestError(t, http.MethodPost, "", "/api/auth/signup/", api.SignupRequest{
		FullName:        "Wes Kemp",
		Email:           "wes@example.com",
		Password:        "weakpass",
		PasswordConfirm: "weakpass",
	}, http.StatusBadRequest)
	assert.Equal(t, "weak_password", weak.Code)

	// Wrong password is rejected without detail.
	bad := app.requestError(t, http.MethodPost, "", "/api/auth/login/", api.LoginRequest{
		Email:    acct.Email,
		Password: "Wrong#00x",
	}, http.StatusUnauthorized)
	assert.Equal(t, "invalid_credentials", bad.Code)

	// Refresh rotates the pair.
	var rotated api.TokenResponse
	app.request(t, http.MethodPost, "", "/api/auth/refresh/", api.RefreshRequest{Refresh: acct.Refresh}, http.StatusOK, &rotated)
	require.NotEmpty(t, rotated.Refresh)
	require.NotEqual(t, acct.Refresh, rotated.Refresh)

	// Replaying the rotated-out token revokes the whole session, successor
	// included.
	replay := app.requestError(t, http.MethodPost, "", "/api/auth/refresh/", api.RefreshRequest{Refresh: acct.Refresh}, http.StatusUnauthorized)
	assert.Equal(t, "invalid_token", replay.Code)
	successor := app.requestError(t, http.MethodPost, "", "/api/auth/refresh/", api.RefreshRequest{Refresh: rotated.Refresh}, http.StatusUnauthorized)
	assert.Equal(t, "invalid_token", successor.Code)

	// Logout kills the refresh token and is safe to repeat.
	fresh := app.Login(t, acct.Email, testPassword)
	app.request(t, http.MethodPost, fresh.Access, "/api/auth/logout/", api.LogoutRequest{Refresh: fresh.Refresh}, http.StatusNoContent, nil)
	app.request(t, http.MethodPost, fresh.Access, "/api/auth/logout/", api.LogoutRequest{Refresh: fresh.Refresh}, http.StatusNoContent, nil)
	dead := app.requestError(t, http.MethodPost, "", "/api/auth/refresh/", api.RefreshRequest{Refresh: fresh.Refresh}, http.StatusUnauthorized)
	assert.Equal(t, "invalid_token", dead.Code)
}

func TestE2E_PasswordResetFlow(t *testing.T) {
	app := NewTestApp(t)
	acct := app.Signup(t, "Rhea Voss", "rhea@example.com", testPassword)

	app.request(t, http.MethodPost, "", "/api/auth/forgot-password/", api.ForgotPasswordRequest{Email: acct.Email}, http.StatusOK, nil)

	// An immediate second request is throttled per email.
	throttled := app.requestError(t, http.MethodPost, "", "/api/auth/forgot-password/", api.ForgotPasswordRequest{Email: acct.Email}, http.StatusTooManyRequests)
	assert.Equal(t, "rate_limited", throttled.Code)

	// The code would arrive by email; tests read it from the store.
	otp, err := app.OTPs.Get(context.Background(), acct.Email)
	require.NoError(t, err)
	require.NotEmpty(t, otp.Code)

	// A wrong code burns an attempt.
	wrong := "000000"
	if otp.Code == wrong {
		wrong = "111111"
	}
	badCode := app.requestError(t, http.MethodPost, "", "/api/auth/verify-otp/", api.VerifyOTPRequest{Email: acct.Email, OTP: wrong}, http.StatusBadRequest)
	assert.Equal(t, "invalid_otp", badCode.Code)

	// The right code verifies without being consumed.
	app.request(t, http.MethodPost, "", "/api/auth/verify-otp/", api.VerifyOTPRequest{Email: acct.Email, OTP: otp.Code}, http.StatusOK, nil)

	// Reset completes; the old password and every session die together.
	const newPassword = "Comet!55q"
	app.request(t, http.MethodPost, "", "/api/auth/password-reset-confirm/", api.ResetPasswordRequest{
		Email:           acct.Email,
		OTP:             otp.Code,
		NewPassword:     newPassword,
		ConfirmPassword: newPassword,
	}, http.StatusOK, nil)

	deadRefresh := app.requestError(t, http.MethodPost, "", "/api/auth/refresh/", api.RefreshRequest{Refresh: acct.Refresh}, http.StatusUnauthorized)
	assert.Equal(t, "invalid_token", deadRefresh.Code)
	oldLogin := app.requestError(t, http.MethodPost, "", "/api/auth/login/", api.LoginRequest{Email: acct.Email, Password: testPassword}, http.StatusUnauthorized)
	assert.Equal(t, "invalid_credentials", oldLogin.Code)

	fresh := app.Login(t, acct.Email, newPassword)
	assert.Equal(t, acct.UserID, fresh.UserID)

	// The consumed code cannot be replayed.
	replay := app.requestError(t, http.MethodPost, "", "/api/auth/password-reset-confirm/", api.ResetPasswordRequest{
		Email:           acct.Email,
		OTP:             otp.Code,
		NewPassword:     "Again#88s",
		ConfirmPassword: "Again#88s",
	}, http.StatusBadRequest)
	assert.Equal(t, "invalid_otp", replay.Code)
}
