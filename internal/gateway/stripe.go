// Package gateway adapts Stripe payment intents and webhooks to the domain
// payment gateway ports.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/errors"
)

type StripeConfig struct {
	SecretKey string
	// BaseURL points the client at another API host, such as stripe-mock.
	BaseURL string
	Timeout time.Duration
}

type StripeClient struct {
	api    *client.API
	logger *slog.Logger
}

var _ domain.PaymentGateway = (*StripeClient)(nil)

func NewStripeClient(cfg StripeConfig, logger *slog.Logger) *StripeClient {
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &leveledLogger{logger: logger},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	})

	return &StripeClient{api: api, logger: logger}
}

func (c *StripeClient) CreatePaymentIntent(ctx context.Context, req domain.PaymentIntentRequest) (*domain.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	c.logger.Info("Payment intent created", "payment_intent_id", pi.ID, "amount_minor", pi.Amount)
	return toIntent(pi), nil
}

func (c *StripeClient) GetPaymentIntent(ctx context.Context, intentID string) (*domain.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := c.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		if stripeErr, ok := err.(*stripe.Error); ok && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get payment intent %s: %w", intentID, err)
	}
	return toIntent(pi), nil
}

func (c *StripeClient) FindPaymentIntentByTransaction(ctx context.Context, transactionID string) (*domain.PaymentIntent, error) {
	params := &stripe.PaymentIntentSearchParams{
		SearchParams: stripe.SearchParams{
			Query:   fmt.Sprintf("metadata['%s']:'%s'", domain.GatewayMetaTransactionID, transactionID),
			Limit:   stripe.Int64(1),
			Context: ctx,
		},
	}

	iter := c.api.PaymentIntents.Search(params)
	if iter.Next() {
		return toIntent(iter.PaymentIntent()), nil
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("search payment intents: %w", err)
	}
	return nil, nil
}

func toIntent(pi *stripe.PaymentIntent) *domain.PaymentIntent {
	intent := &domain.PaymentIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       intentStatus(pi.Status),
		AmountMinor:  pi.Amount,
		Currency:     strings.ToUpper(string(pi.Currency)),
		Metadata:     pi.Metadata,
	}
	if pi.LastPaymentError != nil {
		intent.FailureReason = pi.LastPaymentError.Msg
	}
	return intent
}

func intentStatus(s stripe.PaymentIntentStatus) domain.IntentStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return domain.IntentSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return domain.IntentFailed
	default:
		return domain.IntentOpen
	}
}

// Unconfigured rejects every call; it stands in when no secret key is set.
type Unconfigured struct{}

var errNotConfigured = errors.NewAppError(errors.ConfigurationError, "payment gateway is not configured")

func (Unconfigured) CreatePaymentIntent(context.Context, domain.PaymentIntentRequest) (*domain.PaymentIntent, error) {
	return nil, errNotConfigured
}

func (Unconfigured) GetPaymentIntent(context.Context, string) (*domain.PaymentIntent, error) {
	return nil, errNotConfigured
}

func (Unconfigured) FindPaymentIntentByTransaction(context.Context, string) (*domain.PaymentIntent, error) {
	return nil, errNotConfigured
}

type leveledLogger struct {
	logger *slog.Logger
}

func (l *leveledLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), "component", "stripe")
}

func (l *leveledLogger) Infof(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), "component", "stripe")
}

func (l *leveledLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...), "component", "stripe")
}

func (l *leveledLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...), "component", "stripe")
}
