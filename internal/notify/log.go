package notify

import (
	"context"
	"log/slog"
)

type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) {
	l.log.InfoContext(ctx, "cart notification",
		"notification_id", n.ID.String(),
		"kind", string(n.Kind),
		"user_id", n.UserID,
		"product_id", n.ProductID,
		"message", n.Message,
	)
}
