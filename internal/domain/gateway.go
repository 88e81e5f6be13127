package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway-side metadata keys attached to every payment intent.
const (
	GatewayMetaOwnerID       = "owner_id"
	GatewayMetaTransactionID = "transaction_id"
)

type PaymentIntentRequest struct {
	AmountMinor    int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

type IntentStatus string

const (
	IntentSucceeded IntentStatus = "succeeded"
	IntentFailed    IntentStatus = "failed"
	IntentOpen      IntentStatus = "open"
)

type PaymentIntent struct {
	ID            string
	ClientSecret  string
	Status        IntentStatus
	AmountMinor   int64
	Currency      string
	Metadata      map[string]string
	FailureReason string
}

type GatewayEventType string

const (
	EventPaymentSucceeded GatewayEventType = "succeeded"
	EventPaymentFailed    GatewayEventType = "failed"
	EventIgnored          GatewayEventType = "ignored"
)

// GatewayEvent is a verified, normalized webhook delivery.
type GatewayEvent struct {
	ID            string
	Type          GatewayEventType
	RawType       string
	IntentID      string
	AmountMinor   int64
	Currency      string
	TransactionID string
	OwnerID       string
	FailureReason string
}

type PaymentGateway interface {
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, intentID string) (*PaymentIntent, error)
	// FindPaymentIntentByTransaction returns nil, nil when the gateway holds no
	// intent for the transaction.
	FindPaymentIntentByTransaction(ctx context.Context, transactionID string) (*PaymentIntent, error)
}

type EventVerifier interface {
	ParseEvent(payload []byte, signatureHeader string) (*GatewayEvent, error)
}

// EventDeduplicator remembers processed gateway event ids.
type EventDeduplicator interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Remember(ctx context.Context, eventID string) error
}

type Notification struct {
	Kind          string          `json:"kind"`
	OwnerID       string          `json:"owner_id"`
	WalletID      string          `json:"wallet_id,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	OrderID       string          `json:"order_id,omitempty"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

const (
	NotifyPurchaseCompleted   = "purchase.completed"
	NotifyPurchaseCompensated = "purchase.compensated"
	NotifyDepositPending      = "deposit.pending"
	NotifyDepositCompleted    = "deposit.completed"
	NotifyDepositFailed       = "deposit.failed"
)

// Notifier is fire-and-forget: implementations swallow and log their errors.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}
