package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chalklabs/chalk/pkg/services"
)

// signupHandler handles POST /api/auth/signup/.
// Creates an account and returns a token pair so the client is signed in
// immediately.
func (s *Server) signupHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "validation", "request body is not valid JSON")
		return
	}

	// 2. Call service
	user, pair, err := s.cfg.Auth.Signup(c.Request.Context(), req.FullName, req.Email, req.Password, req.PasswordConfirm)
	if err != nil {
		// Duplicate email gets its own code so the client can offer
		// a login link instead of a generic conflict.
		if errors.Is(err, services.ErrAlreadyExists) {
			writeError(c, http.StatusConflict, "email_taken", "an account with this email already exists")
			return
		}
		writeServiceError(c, err)
		return
	}

	// 3. Return response
	c.JSON(http.StatusCreated, &TokenResponse{
		Access:  pair.Access,
		Refresh: pair.Refresh,
		User:    user,
	})
}

// loginHandler handles POST /api/auth/login/.
func (s *Server) loginHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "validation", "request body is not valid JSON")
		return
	}

	// 2. Call service
	user, pair, err := s.cfg.Auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	// 3. Return response
	c.JSON(http.StatusOK, &TokenResponse{
		Access:  pair.Access,
		Refresh: pair.Refresh,
		User:    user,
	})
}

// refreshHandler handles POST /api/auth/refresh/.
// Rotates the refresh token: the presented token is consumed and a new
// pair is issued.
func (s *Server) refreshHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "validation", "request body is not valid JSON")
		return
	}
	if req.Refresh == "" {
		writeError(c, http.StatusBadRequest, "validation", "refresh field is required")
		return
	}

	// 2. Call service
	user, pair, err := s.cfg.Auth.Refresh(c.Request.Context(), req.Refresh)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	// 3. Return response
	c.JSON(http.StatusOK, &TokenResponse{
		Access:  pair.Access,
		Refresh: pair.Refresh,
		User:    user,
	})
}

// federatedLoginHandler handles POST /api/auth/federated/.
// Exchanges a provider-issued identity token for a chalk session,
// creating the account on first sight.
func (s *Server) federatedLoginHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req FederatedLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "validation", "request body is not valid JSON")
		return
	}
	if req.Provider == "" || req.IDToken == "" {
		writeError(c, http.StatusBadRequest, "validation", "provider and id_token fields are required")
		return
	}

	// 2. Call service
	user, pair, err := s.cfg.Auth.FederatedLogin(c.Request.Context(), req.Provider, req.IDToken)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	// 3. Return response
	c.JSON(http.StatusOK, &TokenResponse{
		Access:  pair.Access,
		Refresh: pair.Refresh,
		User:    user,
	})
}

// logoutHandler handles POST /api/auth/logout/.
// Revokes the presented refresh token. Revoking an already-revoked or
// unknown token still returns 204 so logout is safe to repeat.
func (s *Server) logoutHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req LogoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "validation", "request body is not valid JSON")
		return
	}

	// 2. Call service
	if err := s.cfg.Auth.Logout(c.Request.Context(), req.Refresh); err != nil {
		writeServiceError(c, err)
		return
	}

	// 3. Return response
	c.Status(http.StatusNoContent)
}

// verifyTokenHandler handles GET /api/auth/verify-token/.
// requireAuth already verified the bearer against the live account, so
// this just echoes the resolved principal.
func (s *Server) verifyTokenHandler(c *gin.Context) {
	c.JSON(http.StatusOK, &VerifyTokenResponse{User: principal(c)})
}

// forgotPasswordHandler handles POST /api/auth/forgot-password/.
// Always returns 200 regardless of whether the email maps to an account,
// so the endpoint cannot be used to enumerate users.
func (s *Server) forgotPasswordHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req ForgotPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "validation", "request body is not valid JSON")
		return
	}
	if req.Email == "" {
		writeError(c, http.StatusBadRequest, "validation", "email field is required")
		return
	}

	// 2. Call service
	if err := s.cfg.OTP.ForgotPassword(c.Request.Context(), req.Email); err != nil {
		writeServiceError(c, err)
		return
	}

	// 3. Return response
	c.JSON(http.StatusOK, &MessageResponse{Message: "if the email exists, a reset code has been sent"})
}

// verifyOTPHandler handles POST /api/auth/verify-otp/.
func (s *Server) verifyOTPHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req VerifyOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "validation", "request body is not valid JSON")
		return
	}
	if req.Email == "" || req.OTP == "" {
		writeError(c, http.StatusBadRequest, "validation", "email and otp fields are required")
		return
	}

	// 2. Call service
	if err := s.cfg.OTP.VerifyOTP(c.Request.Context(), req.Email, req.OTP); err != nil {
		writeServiceError(c, err)
		return
	}

	// 3. Return response
	c.JSON(http.StatusOK, &MessageResponse{Message: "code verified"})
}

// resetPasswordHandler handles POST /api/auth/password-reset-confirm/.
// Consumes the OTP, sets the new password and revokes every open session
// for the account.
func (s *Server) resetPasswordHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req ResetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "validation", "request body is not valid JSON")
		return
	}
	if req.Email == "" || req.OTP == "" {
		writeError(c, http.StatusBadRequest, "validation", "email and otp fields are required")
		return
	}

	// 2. Call service
	if err := s.cfg.OTP.ResetPassword(c.Request.Context(), req.Email, req.OTP, req.NewPassword, req.ConfirmPassword); err != nil {
		writeServiceError(c, err)
		return
	}

	// 3. Return response
	c.JSON(http.StatusOK, &MessageResponse{Message: "password has been reset"})
}
