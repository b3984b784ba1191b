// Package notify hands password-reset secrets to the delivery
// collaborator. Actual email delivery lives outside this service.
package notify

import (
	"context"

	"github.com/rs/zerolog"
)

type Notifier interface {
	SendPasswordReset(ctx context.Context, email, resetSecret string) error
}

// LogNotifier is the development stand-in for the mailer. In dev mode
// it logs the raw secret at debug level; it never does so elsewhere.
type LogNotifier struct {
	logger  zerolog.Logger
	devMode bool
}

func NewLogNotifier(logger zerolog.Logger, devMode bool) *LogNotifier {
	return &LogNotifier{logger: logger, devMode: devMode}
}

func (n *LogNotifier) SendPasswordReset(_ context.Context, email, resetSecret string) error {
	n.logger.Info().Str("email", email).Msg("password reset notification queued")
	if n.devMode {
		n.logger.Debug().Str("reset_token", resetSecret).Msg("reset token (dev only)")
	}
	return nil
}
