package notify

import (
	"context"
	"log/slog"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/metrics"
)

// LogNotifier records notifications in the log when no broker is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, note domain.Notification) {
	metrics.NotificationsTotal.WithLabelValues(note.Kind, "logged").Inc()
	n.logger.InfoContext(ctx, "Notification",
		"kind", note.Kind,
		"owner_id", note.OwnerID,
		"transaction_id", note.TransactionID,
		"order_id", note.OrderID,
		"status", note.Status,
		"amount", note.Amount)
}
