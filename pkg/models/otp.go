package models

import "time"

// OTPAttempts is the number of verification attempts an OTP starts with.
const OTPAttempts = 5

// OTPTTL is how long an issued OTP stays valid.
const OTPTTL = 10 * time.Minute

// OTP is a one-time password for password recovery. At most one live OTP
// exists per email; issuing a new one supersedes any prior.
type OTP struct {
	Email             string    `json:"email"`
	Code              string    `json:"-"`
	IssuedAt          time.Time `json:"issued_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	AttemptsRemaining int       `json:"attempts_remaining"`
	Consumed          bool      `json:"consumed"`
}

// Live reports whether the OTP can still be verified.
func (o *OTP) Live(now time.Time) bool {
	return !o.Consumed && o.AttemptsRemaining > 0 && now.Before(o.ExpiresAt)
}
