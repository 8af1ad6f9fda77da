package notifier

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// LogNotifier is a basic provider that logs messages instead of sending them.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a logging provider.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "log_notifier").Logger()}
}

// Send logs the message and returns nil to indicate success.
func (l *LogNotifier) Send(ctx context.Context, msg Message) error {
	event := l.logger.Info().
		Str("template", msg.TemplateID).
		Str("recipient", MaskEmail(msg.Recipient))
	if recordID, ok := msg.Context["record_id"].(string); ok {
		event = event.Str("record_id", recordID)
	}
	event.Msg("consent notification handed off")
	return nil
}

// MaskEmail hides most of the local part of an address for logs and exports.
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" {
		return "***"
	}
	local := parts[0]
	domain := parts[1]
	if len(local) <= 2 {
		local = local[:1] + "***"
	} else {
		local = local[:1] + "***" + local[len(local)-1:]
	}
	return local + "@" + domain
}
