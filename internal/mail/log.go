package mail

import (
	"context"
	"time"

	"gallery-auth/internal/observability"
)

// LogSender writes messages to the log instead of delivering them. Development only.
type LogSender struct {
	logger *observability.Logger
}

func NewLogSender(logger *observability.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	content, err := render(msg, time.Now())
	if err != nil {
		return err
	}
	s.logger.Info("mail_not_sent", map[string]any{
		"to":      msg.To,
		"kind":    string(msg.Kind),
		"subject": content.Subject,
		"body":    content.Text,
	})
	return nil
}
