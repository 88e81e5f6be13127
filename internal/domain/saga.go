package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type SagaState string

const (
	SagaInitiated        SagaState = "INITIATED"
	SagaFundsReserved    SagaState = "FUNDS_RESERVED"
	SagaOrderCreated     SagaState = "ORDER_CREATED"
	SagaItemCreated      SagaState = "ITEM_CREATED"
	SagaStockDecremented SagaState = "STOCK_DECREMENTED"
	SagaCompleted        SagaState = "COMPLETED"
	SagaCompensating     SagaState = "COMPENSATING"
	SagaCompensated      SagaState = "COMPENSATED"
	SagaAborted          SagaState = "ABORTED"
)

func (s SagaState) Terminal() bool {
	return s == SagaCompleted || s == SagaCompensated || s == SagaAborted
}

// PurchaseSagaRecord is the persisted progress of one buy-now attempt, keyed by
// the caller's attempt id.
type PurchaseSagaRecord struct {
	AttemptID           string          `json:"attempt_id"`
	BuyerID             string          `json:"buyer_id"`
	ProductID           uuid.UUID       `json:"product_id"`
	WalletID            *uuid.UUID      `json:"wallet_id,omitempty"`
	TransactionID       *uuid.UUID      `json:"transaction_id,omitempty"`
	OrderID             *uuid.UUID      `json:"order_id,omitempty"`
	RefundTransactionID *uuid.UUID      `json:"refund_transaction_id,omitempty"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	State               SagaState       `json:"state"`
	ErrorCode           string          `json:"error_code,omitempty"`
	// StockPending marks a stock decrement that failed inline and is owed by
	// the inventory retrier.
	StockPending bool      `json:"stock_pending,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type SagaRepository interface {
	// CreateSaga fails with ErrDuplicateAttempt when the attempt id is taken.
	CreateSaga(ctx context.Context, saga *PurchaseSagaRecord) error
	GetSaga(ctx context.Context, attemptID string) (*PurchaseSagaRecord, error)
	// UpdateSaga writes saga only while the stored state is still from, and
	// fails with ErrSagaConflict otherwise. StockPending is not written.
	UpdateSaga(ctx context.Context, saga *PurchaseSagaRecord, from SagaState) error
	// SetStockPending reports whether the flag changed.
	SetStockPending(ctx context.Context, attemptID string, pending bool) (bool, error)
}
