package delivery

import (
	"context"
	"log/slog"

	"proz/internal/platform/privacy"
)

// Console logs messages instead of sending them. Secrets stay out of the log
// unless reveal is set, which is only allowed outside production.
type Console struct {
	logger *slog.Logger
	reveal bool
}

func NewConsole(logger *slog.Logger, reveal bool) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{logger: logger, reveal: reveal}
}

func (c *Console) Send(ctx context.Context, msg Message) error {
	args := []any{
		"channel", msg.Channel,
		"to", privacy.MaskSubject(msg.To),
		"purpose", msg.Purpose,
		"expires_at", msg.ExpiresAt,
	}
	if c.reveal {
		args = append(args, "secret", msg.Secret)
		if msg.Link != "" {
			args = append(args, "link", msg.Link)
		}
	}
	c.logger.InfoContext(ctx, "delivery_console", args...)
	return nil
}
