package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/errors"
	"marketplace-ledger/internal/metrics"
)

type ConfirmationResult struct {
	EventID       string                   `json:"event_id"`
	EventType     string                   `json:"event_type"`
	TransactionID string                   `json:"transaction_id,omitempty"`
	Status        domain.TransactionStatus `json:"status,omitempty"`
	Applied       bool                     `json:"applied"`
	Duplicate     bool                     `json:"duplicate,omitempty"`
}

// ConfirmationHandler applies the gateway's asynchronous verdicts on deposits.
// Deliveries may repeat or arrive out of order; the first terminal status a
// deposit reaches is final.
type ConfirmationHandler struct {
	wallets  *WalletService
	gateway  domain.PaymentGateway
	verifier domain.EventVerifier
	dedup    domain.EventDeduplicator
	notifier domain.Notifier
	alerter  Alerter
	logger   *slog.Logger
	window   time.Duration
	timeout  time.Duration
	now      func() time.Time
}

func NewConfirmationHandler(
	wallets *WalletService,
	gateway domain.PaymentGateway,
	verifier domain.EventVerifier,
	dedup domain.EventDeduplicator,
	notifier domain.Notifier,
	alerter Alerter,
	logger *slog.Logger,
	window time.Duration,
	timeout time.Duration,
) *ConfirmationHandler {
	return &ConfirmationHandler{
		wallets:  wallets,
		gateway:  gateway,
		verifier: verifier,
		dedup:    dedup,
		notifier: notifier,
		alerter:  alerter,
		logger:   logger,
		window:   window,
		timeout:  timeout,
		now:      time.Now,
	}
}

func (h *ConfirmationHandler) HandleEvent(ctx context.Context, payload []byte, signatureHeader string) (*ConfirmationResult, error) {
	event, err := h.verifier.ParseEvent(payload, signatureHeader)
	if err != nil {
		metrics.GatewayEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		h.logger.Warn("Rejected gateway event", "error", err)
		if errors.CodeOf(err) != errors.InternalError {
			return nil, err
		}
		return nil, errors.ErrSignatureInvalid.WithDetails(err.Error())
	}

	result := &ConfirmationResult{
		EventID:       event.ID,
		EventType:     event.RawType,
		TransactionID: event.TransactionID,
	}

	if event.Type == domain.EventIgnored {
		metrics.GatewayEventsTotal.WithLabelValues(event.RawType, "ignored").Inc()
		h.logger.Debug("Ignoring gateway event", "event_id", event.ID, "type", event.RawType)
		return result, nil
	}

	if h.dedup != nil {
		seen, err := h.dedup.Seen(ctx, event.ID)
		if err != nil {
			h.logger.Warn("Event cache unavailable, processing anyway", "event_id", event.ID, "error", err)
		} else if seen {
			metrics.GatewayEventsTotal.WithLabelValues(event.RawType, "duplicate").Inc()
			result.Duplicate = true
			return result, nil
		}
	}

	row, applied, err := h.apply(ctx, event)
	if err != nil {
		metrics.GatewayEventsTotal.WithLabelValues(event.RawType, "error").Inc()
		return nil, err
	}
	result.Status = row.Status
	result.Applied = applied

	if h.dedup != nil {
		if err := h.dedup.Remember(ctx, event.ID); err != nil {
			h.logger.Warn("Failed to remember gateway event", "event_id", event.ID, "error", err)
		}
	}

	outcome := "noop"
	if applied {
		outcome = "applied"
	}
	metrics.GatewayEventsTotal.WithLabelValues(event.RawType, outcome).Inc()
	return result, nil
}

func (h *ConfirmationHandler) apply(ctx context.Context, event *domain.GatewayEvent) (*domain.Transaction, bool, error) {
	txID, err := uuid.Parse(event.TransactionID)
	if err != nil {
		return nil, false, errors.NewAppError(errors.ValidationError, "event carries no transaction id")
	}

	row, err := h.wallets.GetTransaction(ctx, txID)
	if err != nil {
		return nil, false, err
	}
	if err := checkEventMatches(event, row); err != nil {
		h.logger.Warn("Gateway event does not match deposit",
			"event_id", event.ID, "transaction_id", row.ID, "error", err)
		return nil, false, err
	}

	switch event.Type {
	case domain.EventPaymentSucceeded:
		return h.settle(ctx, row, domain.StatusCompleted, map[string]string{
			domain.MetaGatewayEventID:  event.ID,
			domain.MetaPaymentIntentID: event.IntentID,
			domain.MetaCompletedAt:     h.now().UTC().Format(time.RFC3339),
		})
	case domain.EventPaymentFailed:
		reason := event.FailureReason
		if reason == "" {
			reason = "Payment failed"
		}
		return h.settle(ctx, row, domain.StatusFailed, map[string]string{
			domain.MetaGatewayEventID:  event.ID,
			domain.MetaPaymentIntentID: event.IntentID,
			domain.MetaFailureReason:   reason,
		})
	}
	return row, false, nil
}

func checkEventMatches(event *domain.GatewayEvent, row *domain.Transaction) error {
	if row.Type != domain.TransactionDeposit {
		return errors.NewAppError(errors.ValidationError, "transaction is not a deposit")
	}
	if event.OwnerID != row.OwnerID {
		return errors.NewAppError(errors.ValidationError, "event owner does not match wallet owner")
	}
	if stored := row.Metadata[domain.MetaPaymentIntentID]; stored != "" && event.IntentID != "" && stored != event.IntentID {
		return errors.NewAppError(errors.ValidationError, "event intent does not match deposit")
	}
	return nil
}

// settle applies a terminal verdict and reports what the row ended up as.
func (h *ConfirmationHandler) settle(ctx context.Context, row *domain.Transaction, to domain.TransactionStatus, meta map[string]string) (*domain.Transaction, bool, error) {
	settled, applied, err := h.wallets.Settle(ctx, row.ID, to, meta)
	if err != nil {
		h.logger.Error("Failed to settle deposit", "transaction_id", row.ID, "status", to, "error", err)
		return nil, false, err
	}

	if !applied {
		if to == domain.StatusCompleted && settled.Status == domain.StatusFailed {
			h.alerter.Alert(ctx, AlertLateGatewaySuccess,
				"transaction_id", settled.ID,
				"owner_id", settled.OwnerID,
				"amount", settled.Amount,
				"payment_intent_id", meta[domain.MetaPaymentIntentID])
		}
		h.logger.Info("Deposit already settled", "transaction_id", settled.ID, "status", settled.Status)
		return settled, false, nil
	}

	kind := domain.NotifyDepositCompleted
	if to == domain.StatusFailed {
		kind = domain.NotifyDepositFailed
	}
	h.notifier.Notify(ctx, domain.Notification{
		Kind:          kind,
		OwnerID:       settled.OwnerID,
		WalletID:      settled.WalletID.String(),
		TransactionID: settled.ID.String(),
		Status:        string(settled.Status),
		Amount:        settled.Amount,
		Currency:      settled.Currency,
		OccurredAt:    h.now().UTC(),
	})

	h.logger.Info("Deposit settled", "transaction_id", settled.ID, "status", settled.Status, "amount", settled.Amount)
	return settled, true, nil
}

// ReconcilePending asks the gateway about a deposit that never got a verdict.
func (h *ConfirmationHandler) ReconcilePending(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	row, err := h.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if row.Status.Terminal() {
		return row, nil
	}
	if row.Type != domain.TransactionDeposit {
		return nil, errors.NewAppError(errors.ValidationError, "only deposits reconcile against the gateway")
	}
	if h.now().Sub(row.CreatedAt) < h.window {
		return nil, errors.ErrReconciliationNotDue
	}

	gctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var intent *domain.PaymentIntent
	if intentID := row.Metadata[domain.MetaPaymentIntentID]; intentID != "" {
		intent, err = h.gateway.GetPaymentIntent(gctx, intentID)
	} else {
		intent, err = h.gateway.FindPaymentIntentByTransaction(gctx, row.ID.String())
	}
	if err != nil {
		h.logger.Error("Gateway lookup failed during reconciliation", "transaction_id", row.ID, "error", err)
		return nil, errors.ErrGateway.WithDetails(err.Error())
	}

	if intent == nil {
		h.logger.Warn("No payment intent at gateway, failing deposit", "transaction_id", row.ID)
		settled, _, err := h.settle(ctx, row, domain.StatusFailed, map[string]string{
			domain.MetaFailureReason: "no payment intent found at gateway",
		})
		return settled, err
	}

	switch intent.Status {
	case domain.IntentSucceeded:
		settled, _, err := h.settle(ctx, row, domain.StatusCompleted, map[string]string{
			domain.MetaPaymentIntentID: intent.ID,
			domain.MetaCompletedAt:     h.now().UTC().Format(time.RFC3339),
		})
		return settled, err
	case domain.IntentFailed:
		reason := intent.FailureReason
		if reason == "" {
			reason = "Payment failed"
		}
		settled, _, err := h.settle(ctx, row, domain.StatusFailed, map[string]string{
			domain.MetaPaymentIntentID: intent.ID,
			domain.MetaFailureReason:   reason,
		})
		return settled, err
	default:
		if row.Metadata[domain.MetaPaymentIntentID] == "" {
			if err := h.wallets.Annotate(ctx, row.ID, map[string]string{
				domain.MetaPaymentIntentID: intent.ID,
			}); err != nil {
				h.logger.Warn("Failed to store payment intent id", "transaction_id", row.ID, "error", err)
			}
		}
		return nil, errors.ErrReconciliationRequired.WithDetails("payment intent " + intent.ID + " is still open")
	}
}

func (h *ConfirmationHandler) GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	id, err := uuid.Parse(transactionID)
	if err != nil {
		return nil, errors.NewAppError(errors.ValidationError, "transaction id must be a UUID")
	}
	return h.wallets.GetTransaction(ctx, id)
}
