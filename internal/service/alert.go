package service

import (
	"context"
	"log/slog"

	"marketplace-ledger/internal/metrics"
)

// Alert reasons raised to an operator.
const (
	AlertCompensationFailed      = "compensation_failed"
	AlertFinalizeFailed          = "purchase_finalize_failed"
	AlertInventoryRetryExhausted = "inventory_retry_exhausted"
	AlertInventoryRetryDropped   = "inventory_retry_dropped"
	AlertLateGatewaySuccess      = "late_gateway_success"
	AlertPurchaseStalled         = "purchase_stalled"
)

// Alerter escalates conditions that need a human, such as money that moved
// without a matching ledger entry.
type Alerter interface {
	Alert(ctx context.Context, reason string, attrs ...any)
}

type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (a *LogAlerter) Alert(ctx context.Context, reason string, attrs ...any) {
	metrics.Alerts.WithLabelValues(reason).Inc()
	a.logger.ErrorContext(ctx, "Operator alert", append([]any{"alert", true, "reason", reason}, attrs...)...)
}
