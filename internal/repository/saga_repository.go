package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/errors"
)

type sagaRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewSagaRepository(db SQLExecutor, logger *slog.Logger) domain.SagaRepository {
	return &sagaRepository{
		db:     db,
		logger: logger,
	}
}

func (r *sagaRepository) CreateSaga(ctx context.Context, saga *domain.PurchaseSagaRecord) error {
	query := `
		INSERT INTO purchase_sagas
		(attempt_id, buyer_id, product_id, amount, currency, state, error_code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		query,
		saga.AttemptID,
		saga.BuyerID,
		saga.ProductID,
		saga.Amount.String(),
		saga.Currency,
		saga.State,
		saga.ErrorCode,
		now,
	)
	if err != nil {
		var pqErr *pq.Error
		if stderrors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return errors.ErrDuplicateAttempt
		}
		r.logger.Error("Failed to create purchase saga", "attempt_id", saga.AttemptID, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to create purchase saga").WithDetails(err.Error())
	}

	saga.CreatedAt = now
	saga.UpdatedAt = now
	return nil
}

func (r *sagaRepository) GetSaga(ctx context.Context, attemptID string) (*domain.PurchaseSagaRecord, error) {
	query := `
		SELECT attempt_id, buyer_id, product_id, wallet_id, transaction_id, order_id, refund_transaction_id,
		       amount, currency, state, error_code, stock_pending, created_at, updated_at
		FROM purchase_sagas WHERE attempt_id = $1
	`

	var saga domain.PurchaseSagaRecord
	var walletID, txID, orderID, refundID uuid.NullUUID
	var amountStr string
	err := r.db.QueryRowContext(ctx, query, attemptID).Scan(
		&saga.AttemptID,
		&saga.BuyerID,
		&saga.ProductID,
		&walletID,
		&txID,
		&orderID,
		&refundID,
		&amountStr,
		&saga.Currency,
		&saga.State,
		&saga.ErrorCode,
		&saga.StockPending,
		&saga.CreatedAt,
		&saga.UpdatedAt,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrSagaNotFound
		}
		r.logger.Error("Failed to get purchase saga", "attempt_id", attemptID, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to get purchase saga").WithDetails(err.Error())
	}

	if saga.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to parse saga amount").WithDetails(err.Error())
	}
	saga.WalletID = fromNullUUID(walletID)
	saga.TransactionID = fromNullUUID(txID)
	saga.OrderID = fromNullUUID(orderID)
	saga.RefundTransactionID = fromNullUUID(refundID)
	return &saga, nil
}

func (r *sagaRepository) UpdateSaga(ctx context.Context, saga *domain.PurchaseSagaRecord, from domain.SagaState) error {
	query := `
		UPDATE purchase_sagas
		SET wallet_id = $1, transaction_id = $2, order_id = $3, refund_transaction_id = $4,
		    amount = $5, currency = $6, state = $7, error_code = $8, updated_at = $9
		WHERE attempt_id = $10 AND state = $11
	`

	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		query,
		toNullUUID(saga.WalletID),
		toNullUUID(saga.TransactionID),
		toNullUUID(saga.OrderID),
		toNullUUID(saga.RefundTransactionID),
		saga.Amount.String(),
		saga.Currency,
		saga.State,
		saga.ErrorCode,
		now,
		saga.AttemptID,
		from,
	)
	if err != nil {
		r.logger.Error("Failed to update purchase saga", "attempt_id", saga.AttemptID, "state", saga.State, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to update purchase saga").WithDetails(err.Error())
	}

	n, err := result.RowsAffected()
	if err != nil {
		return errors.NewAppError(errors.InternalError, "failed to update purchase saga").WithDetails(err.Error())
	}
	if n == 0 {
		return r.missingOrMoved(ctx, saga.AttemptID, from)
	}

	saga.UpdatedAt = now
	return nil
}

// missingOrMoved explains an UpdateSaga that matched no row.
func (r *sagaRepository) missingOrMoved(ctx context.Context, attemptID string, from domain.SagaState) error {
	var state domain.SagaState
	err := r.db.QueryRowContext(ctx, `SELECT state FROM purchase_sagas WHERE attempt_id = $1`, attemptID).Scan(&state)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.ErrSagaNotFound
	}
	if err != nil {
		return errors.NewAppError(errors.InternalError, "failed to get purchase saga").WithDetails(err.Error())
	}
	return errors.ErrSagaConflict.WithDetails(fmt.Sprintf("expected %s, found %s", from, state))
}

func (r *sagaRepository) SetStockPending(ctx context.Context, attemptID string, pending bool) (bool, error) {
	query := `
		UPDATE purchase_sagas SET stock_pending = $1, updated_at = $2
		WHERE attempt_id = $3 AND stock_pending <> $1
	`

	result, err := r.db.ExecContext(ctx, query, pending, time.Now().UTC(), attemptID)
	if err != nil {
		r.logger.Error("Failed to flag stock decrement", "attempt_id", attemptID, "pending", pending, "error", err)
		return false, errors.NewAppError(errors.InternalError, "failed to update purchase saga").WithDetails(err.Error())
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.NewAppError(errors.InternalError, "failed to update purchase saga").WithDetails(err.Error())
	}
	return n == 1, nil
}

func toNullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func fromNullUUID(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}
