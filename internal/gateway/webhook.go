package gateway

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/errors"
)

const (
	eventIntentSucceeded = "payment_intent.succeeded"
	eventIntentFailed    = "payment_intent.payment_failed"
	eventIntentCanceled  = "payment_intent.canceled"
)

// WebhookVerifier checks Stripe-Signature headers and normalizes payment
// intent events.
type WebhookVerifier struct {
	secret    string
	tolerance time.Duration
	logger    *slog.Logger
}

var _ domain.EventVerifier = (*WebhookVerifier)(nil)

func NewWebhookVerifier(secret string, logger *slog.Logger) *WebhookVerifier {
	return &WebhookVerifier{
		secret:    secret,
		tolerance: webhook.DefaultTolerance,
		logger:    logger,
	}
}

func (v *WebhookVerifier) ParseEvent(payload []byte, signatureHeader string) (*domain.GatewayEvent, error) {
	if v.secret == "" {
		return nil, errors.ErrSignatureInvalid.WithDetails("webhook secret is not configured")
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, errors.ErrSignatureInvalid.WithDetails(err.Error())
	}

	out := &domain.GatewayEvent{
		ID:      event.ID,
		RawType: string(event.Type),
	}

	switch out.RawType {
	case eventIntentSucceeded:
		out.Type = domain.EventPaymentSucceeded
	case eventIntentFailed, eventIntentCanceled:
		out.Type = domain.EventPaymentFailed
	default:
		out.Type = domain.EventIgnored
		return out, nil
	}

	if event.Data == nil {
		return nil, errors.NewAppError(errors.ValidationError, "event has no data")
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, errors.NewAppError(errors.ValidationError, "event data is not a payment intent").WithDetails(err.Error())
	}

	out.IntentID = pi.ID
	out.AmountMinor = pi.Amount
	out.Currency = string(pi.Currency)
	out.OwnerID = pi.Metadata[domain.GatewayMetaOwnerID]
	out.TransactionID = pi.Metadata[domain.GatewayMetaTransactionID]
	if pi.LastPaymentError != nil {
		out.FailureReason = pi.LastPaymentError.Msg
	}
	if out.RawType == eventIntentCanceled && out.FailureReason == "" {
		out.FailureReason = "Payment canceled"
	}

	v.logger.Debug("Gateway event verified", "event_id", out.ID, "type", out.RawType, "payment_intent_id", out.IntentID)
	return out, nil
}
