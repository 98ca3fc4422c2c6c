// Package mailer delivers transactional mail. The platform sends exactly
// one kind today, the password reset code, but the sender interface stays
// generic so callers never touch SMTP details.
package mailer

import (
	"context"
	"fmt"
	"time"
)

// Sender delivers one plain-text message.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// PasswordResetMessage composes the OTP mail. Callers pass the raw code;
// whether it ends up on the wire or in a dev log is the sender's concern.
func PasswordResetMessage(code string, ttl time.Duration) (subject, body string) {
	subject = "Your password reset code"
	body = fmt.Sprintf(
		"Use this code to reset your password: %s\n\nIt expires in %d minutes. If you did not request a reset, ignore this mail.\n",
		code, int(ttl.Minutes()))
	return subject, body
}
