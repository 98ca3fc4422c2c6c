package api

import "github.com/chalklabs/chalk/pkg/models"

// SignupRequest is the HTTP request body for POST /api/auth/signup/.
type SignupRequest struct {
	FullName        string `json:"full_name"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

// LoginRequest is the HTTP request body for POST /api/auth/login/.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RefreshRequest is the HTTP request body for POST /api/auth/refresh/.
type RefreshRequest struct {
	Refresh string `json:"refresh"`
}

// LogoutRequest is the HTTP request body for POST /api/auth/logout/.
type LogoutRequest struct {
	Refresh string `json:"refresh"`
}

// ForgotPasswordRequest is the HTTP request body for POST /api/auth/forgot-password/.
type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

// VerifyOTPRequest is the HTTP request body for POST /api/auth/verify-otp/.
type VerifyOTPRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

// ResetPasswordRequest is the HTTP request body for POST /api/auth/password-reset-confirm/.
type ResetPasswordRequest struct {
	Email           string `json:"email"`
	OTP             string `json:"otp"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

// FederatedLoginRequest is the HTTP request body for POST /api/auth/federated/.
type FederatedLoginRequest struct {
	Provider string `json:"provider"`
	IDToken  string `json:"id_token"`
}

// ProcessVisualizationRequest is the HTTP request body for POST /api/visualizations/process.
type ProcessVisualizationRequest struct {
	LessonID string         `json:"lesson_id"`
	Scenes   []models.Scene `json:"scenes"`
}

// SubmitQuizRequest is the HTTP request body for POST /api/quiz/submit.
type SubmitQuizRequest struct {
	LessonID string          `json:"lesson_id"`
	UserID   string          `json:"user_id"`
	Answers  []models.Answer `json:"answers"`
}

// CreateConversationRequest is the HTTP request body for POST /api/conversations/.
// Title is optional; a placeholder is used when empty.
type CreateConversationRequest struct {
	UserID string `json:"user_id"`
	Title  string `json:"title,omitempty"`
}

// RenameConversationRequest is the HTTP request body for POST /api/conversations/:id/rename/.
type RenameConversationRequest struct {
	Title string `json:"title"`
}

// AttachLessonRequest is the HTTP request body for POST /api/conversations/:id/attach-lesson.
type AttachLessonRequest struct {
	LessonID string `json:"lesson_id"`
}
