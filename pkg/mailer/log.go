package mailer

import (
	"context"
	"log/slog"
	"os"
	"strconv"
)

// Log writes the whole message to the log instead of sending it. It is the
// development transport: reset codes become readable in the service log,
// which is exactly what you want locally and never in production.
type Log struct{}

// NewLog creates the logging sender.
func NewLog() *Log {
	return &Log{}
}

func (l *Log) Send(_ context.Context, to, subject, body string) error {
	slog.Info("Mail delivery is disabled, logging message instead",
		"to", to,
		"subject", subject,
		"body", body)
	return nil
}

// FromEnv picks the SMTP sender when SMTP_HOST is set and falls back to
// the logging sender otherwise.
func FromEnv() (Sender, error) {
	host := os.Getenv("SMTP_HOST")
	if host == "" {
		slog.Warn("SMTP_HOST not set, mail will be written to the log")
		return NewLog(), nil
	}
	port := 0
	if raw := os.Getenv("SMTP_PORT"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, err
		}
		port = parsed
	}
	return NewSMTP(SMTPConfig{
		Host:     host,
		Port:     port,
		Username: os.Getenv("SMTP_USERNAME"),
		Password: os.Getenv("SMTP_PASSWORD"),
		From:     os.Getenv("SMTP_FROM"),
	})
}
