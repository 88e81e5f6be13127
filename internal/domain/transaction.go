package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionDeposit    TransactionType = "deposit"
	TransactionWithdrawal TransactionType = "withdrawal"
	TransactionPurchase   TransactionType = "purchase"
	TransactionRefund     TransactionType = "refund"
	TransactionFee        TransactionType = "fee"
	TransactionBonus      TransactionType = "bonus"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Metadata keys shared by the sagas and the confirmation handler.
const (
	MetaProcessingFee   = "processing_fee"
	MetaTotalAmount     = "total_amount"
	MetaPaymentMethod   = "payment_method"
	MetaPaymentIntentID = "payment_intent_id"
	MetaClientHandle    = "client_handle"
	MetaFailureReason   = "failure_reason"
	MetaCompletedAt     = "completed_at"
	MetaGatewayEventID  = "gateway_event_id"
	MetaAttemptID       = "attempt_id"
	MetaOrderID         = "order_id"
	MetaProductID       = "product_id"
	MetaDescription     = "description"
	MetaPayoutMethod    = "payout_method"
	MetaNetAmount       = "net_amount"
	MetaDestination     = "destination"
	MetaCancelledAt     = "cancelled_at"
)

// Transaction is one immutable ledger row. Only Status and Metadata change
// after insertion.
type Transaction struct {
	ID             uuid.UUID         `json:"id"`
	WalletID       uuid.UUID         `json:"wallet_id"`
	OwnerID        string            `json:"owner_id"`
	Type           TransactionType   `json:"type"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	Status         TransactionStatus `json:"status"`
	IdempotencyKey *string           `json:"idempotency_key,omitempty"`
	ReferenceID    *uuid.UUID        `json:"reference_id,omitempty"`
	Metadata       map[string]string `json:"metadata"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// AffectsBalance reports whether the row's amount is reflected in the wallet's
// available balance. Purchase debits are committed together with their row, so
// they count in every status. A pending withdrawal has already moved its amount
// to the frozen bucket. Everything else counts once completed.
func (t *Transaction) AffectsBalance() bool {
	switch {
	case t.Status == StatusCompleted, t.Type == TransactionPurchase:
		return true
	case t.Type == TransactionWithdrawal:
		return t.Status == StatusPending
	default:
		return false
	}
}

// LedgerTotals are the aggregates used to reconcile a wallet.
type LedgerTotals struct {
	Completed decimal.Decimal
	Effective decimal.Decimal
	Pending   int
}

type TransactionRepository interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransactionByID(ctx context.Context, id uuid.UUID) (*Transaction, error)
	// GetTransactionByIdempotencyKey returns nil, nil when no row carries key.
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
	// TransitionStatus moves the row from -> to and merges meta into its
	// metadata. It reports false without error when the row was not in from.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to TransactionStatus, meta map[string]string) (bool, error)
	MergeMetadata(ctx context.Context, id uuid.UUID, meta map[string]string) error
	ListTransactionsByWallet(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]Transaction, error)
	LedgerTotals(ctx context.Context, walletID uuid.UUID) (*LedgerTotals, error)
}
