package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/errors"
)

const transactionColumns = `id, wallet_id, owner_id, type, amount, currency, status, idempotency_key, reference_id, metadata, created_at, updated_at`

type transactionRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewTransactionRepository(db SQLExecutor, logger *slog.Logger) domain.TransactionRepository {
	return &transactionRepository{
		db:     db,
		logger: logger,
	}
}

func (r *transactionRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO wallet_transactions
		(id, wallet_id, owner_id, type, amount, currency, status, idempotency_key, reference_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`

	now := time.Now().UTC()

	// Handle optional idempotency key
	var idempotencyKey interface{}
	if tx.IdempotencyKey != nil {
		idempotencyKey = *tx.IdempotencyKey
	}

	var referenceID interface{}
	if tx.ReferenceID != nil {
		referenceID = *tx.ReferenceID
	}

	metadata, err := encodeMetadata(tx.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		query,
		tx.ID,
		tx.WalletID,
		tx.OwnerID,
		tx.Type,
		tx.Amount.String(),
		tx.Currency,
		tx.Status,
		idempotencyKey,
		referenceID,
		metadata,
		now,
	)

	if err != nil {
		var pqErr *pq.Error
		if stderrors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			if pqErr.Constraint == "idx_wallet_transactions_idempotency_key" {
				r.logger.Warn("Duplicate idempotency key", "idempotency_key", idempotencyKey)
				return errors.ErrDuplicateTransaction
			}
		}
		r.logger.Error("Failed to create transaction",
			"wallet_id", tx.WalletID,
			"type", tx.Type,
			"amount", tx.Amount,
			"error", err)
		return errors.NewAppError(errors.InternalError, "failed to create transaction").WithDetails(err.Error())
	}

	tx.CreatedAt = now
	tx.UpdatedAt = now
	r.logger.Info("Transaction recorded", "transaction_id", tx.ID, "type", tx.Type, "status", tx.Status, "amount", tx.Amount)
	return nil
}

func (r *transactionRepository) GetTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM wallet_transactions WHERE id = $1`

	tx, err := r.scanTransaction(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, errors.ErrTransactionNotFound
	}
	return tx, nil
}

func (r *transactionRepository) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM wallet_transactions WHERE idempotency_key = $1`

	return r.scanTransaction(r.db.QueryRowContext(ctx, query, key))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanTransaction returns nil, nil on sql.ErrNoRows.
func (r *transactionRepository) scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var transaction domain.Transaction
	var amountStr string
	var idempotencyKey sql.NullString
	var referenceID uuid.NullUUID
	var metadata []byte

	err := row.Scan(
		&transaction.ID,
		&transaction.WalletID,
		&transaction.OwnerID,
		&transaction.Type,
		&amountStr,
		&transaction.Currency,
		&transaction.Status,
		&idempotencyKey,
		&referenceID,
		&metadata,
		&transaction.CreatedAt,
		&transaction.UpdatedAt,
	)

	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("Failed to get transaction", "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to get transaction").WithDetails(err.Error())
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to parse amount").WithDetails(err.Error())
	}
	transaction.Amount = amount

	if idempotencyKey.Valid {
		key := idempotencyKey.String
		transaction.IdempotencyKey = &key
	}
	if referenceID.Valid {
		ref := referenceID.UUID
		transaction.ReferenceID = &ref
	}

	transaction.Metadata = map[string]string{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &transaction.Metadata); err != nil {
			return nil, errors.NewAppError(errors.InternalError, "failed to parse metadata").WithDetails(err.Error())
		}
	}

	return &transaction, nil
}

func (r *transactionRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.TransactionStatus, meta map[string]string) (bool, error) {
	query := `
		UPDATE wallet_transactions
		SET status = $1, metadata = metadata || $2::jsonb, updated_at = $3
		WHERE id = $4 AND status = $5
	`

	patch, err := encodeMetadata(meta)
	if err != nil {
		return false, err
	}

	result, err := r.db.ExecContext(ctx, query, to, patch, time.Now().UTC(), id, from)
	if err != nil {
		r.logger.Error("Failed to update transaction status",
			"transaction_id", id, "from", from, "to", to, "error", err)
		return false, errors.NewAppError(errors.InternalError, "failed to update transaction status").WithDetails(err.Error())
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, errors.NewAppError(errors.InternalError, "failed to get rows affected").WithDetails(err.Error())
	}

	if rowsAffected == 0 {
		return false, nil
	}

	r.logger.Info("Transaction status updated", "transaction_id", id, "from", from, "to", to)
	return true, nil
}

func (r *transactionRepository) MergeMetadata(ctx context.Context, id uuid.UUID, meta map[string]string) error {
	query := `UPDATE wallet_transactions SET metadata = metadata || $1::jsonb, updated_at = $2 WHERE id = $3`

	patch, err := encodeMetadata(meta)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, query, patch, time.Now().UTC(), id)
	if err != nil {
		r.logger.Error("Failed to update transaction metadata", "transaction_id", id, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to update transaction metadata").WithDetails(err.Error())
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return errors.ErrTransactionNotFound
	}
	return nil
}

func (r *transactionRepository) ListTransactionsByWallet(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM wallet_transactions
		WHERE wallet_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, walletID, limit, offset)
	if err != nil {
		r.logger.Error("Failed to list transactions", "wallet_id", walletID, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to list transactions").WithDetails(err.Error())
	}
	defer rows.Close()

	txs := make([]domain.Transaction, 0, limit)
	for rows.Next() {
		tx, err := r.scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to list transactions").WithDetails(err.Error())
	}
	return txs, nil
}

func (r *transactionRepository) LedgerTotals(ctx context.Context, walletID uuid.UUID) (*domain.LedgerTotals, error) {
	query := `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE status = 'completed'), 0)::text,
			COALESCE(SUM(amount) FILTER (
				WHERE status = 'completed' OR type = 'purchase' OR (type = 'withdrawal' AND status = 'pending')
			), 0)::text,
			COUNT(*) FILTER (WHERE status = 'pending')
		FROM wallet_transactions
		WHERE wallet_id = $1
	`

	var completedStr, effectiveStr string
	var totals domain.LedgerTotals
	if err := r.db.QueryRowContext(ctx, query, walletID).Scan(&completedStr, &effectiveStr, &totals.Pending); err != nil {
		r.logger.Error("Failed to sum ledger", "wallet_id", walletID, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to sum ledger").WithDetails(err.Error())
	}

	var err error
	if totals.Completed, err = decimal.NewFromString(completedStr); err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to parse ledger sum").WithDetails(err.Error())
	}
	if totals.Effective, err = decimal.NewFromString(effectiveStr); err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to parse ledger sum").WithDetails(err.Error())
	}
	return &totals, nil
}

// encodeMetadata returns JSON text; lib/pq would send a []byte as bytea.
func encodeMetadata(meta map[string]string) (string, error) {
	if meta == nil {
		meta = map[string]string{}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", errors.NewAppError(errors.InternalError, "failed to encode metadata").WithDetails(err.Error())
	}
	return string(b), nil
}
