package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/errors"
)

const walletColumns = `id, owner_id, currency, available_balance, escrow_balance, bonus_balance, frozen_balance, version, created_at, updated_at`

var bucketColumns = map[domain.Bucket]string{
	domain.BucketAvailable: "available_balance",
	domain.BucketEscrow:    "escrow_balance",
	domain.BucketBonus:     "bonus_balance",
	domain.BucketFrozen:    "frozen_balance",
}

type walletRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewWalletRepository(db SQLExecutor, logger *slog.Logger) domain.WalletRepository {
	return &walletRepository{
		db:     db,
		logger: logger,
	}
}

func (r *walletRepository) CreateWalletIfAbsent(ctx context.Context, w *domain.Wallet) (*domain.Wallet, error) {
	query := `
		INSERT INTO wallets (id, owner_id, currency, available_balance, escrow_balance, bonus_balance, frozen_balance, version, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, 0, 0, 0, $4, $4)
		ON CONFLICT (owner_id, currency) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query, w.ID, w.OwnerID, w.Currency, time.Now().UTC())
	if err != nil {
		r.logger.Error("Failed to create wallet", "owner_id", w.OwnerID, "currency", w.Currency, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to create wallet").WithDetails(err.Error())
	}

	if n, _ := result.RowsAffected(); n == 1 {
		r.logger.Info("Wallet created", "wallet_id", w.ID, "owner_id", w.OwnerID, "currency", w.Currency)
	}

	return r.GetWalletByOwner(ctx, w.OwnerID, w.Currency)
}

func (r *walletRepository) GetWallet(ctx context.Context, id uuid.UUID) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1`
	return r.scanWallet(r.db.QueryRowContext(ctx, query, id), "wallet_id", id)
}

func (r *walletRepository) GetWalletByOwner(ctx context.Context, ownerID, currency string) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE owner_id = $1 AND currency = $2`
	return r.scanWallet(r.db.QueryRowContext(ctx, query, ownerID, currency), "owner_id", ownerID)
}

func (r *walletRepository) scanWallet(row *sql.Row, key string, arg interface{}) (*domain.Wallet, error) {
	var w domain.Wallet
	var available, escrow, bonus, frozen string

	err := row.Scan(
		&w.ID,
		&w.OwnerID,
		&w.Currency,
		&available,
		&escrow,
		&bonus,
		&frozen,
		&w.Version,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrWalletNotFound
		}
		r.logger.Error("Failed to get wallet", key, arg, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to get wallet").WithDetails(err.Error())
	}

	for _, f := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{available, &w.AvailableBalance},
		{escrow, &w.EscrowBalance},
		{bonus, &w.BonusBalance},
		{frozen, &w.FrozenBalance},
	} {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			r.logger.Error("Failed to parse balance", key, arg, "balance_str", f.raw, "error", err)
			return nil, errors.NewAppError(errors.InternalError, "failed to parse balance").WithDetails(err.Error())
		}
		*f.dst = v
	}

	return &w, nil
}

func (r *walletRepository) CompareAndSetBalance(ctx context.Context, id uuid.UUID, bucket domain.Bucket, value decimal.Decimal, expectedVersion int64) (bool, error) {
	column, ok := bucketColumns[bucket]
	if !ok {
		return false, errors.NewAppErrorf(errors.ValidationError, "unknown balance bucket %q", bucket)
	}

	query := fmt.Sprintf(`
		UPDATE wallets
		SET %s = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4
	`, column)

	result, err := r.db.ExecContext(ctx, query, value.String(), time.Now().UTC(), id, expectedVersion)
	if err != nil {
		r.logger.Error("Failed to update wallet balance", "wallet_id", id, "bucket", bucket, "error", err)
		return false, errors.NewAppError(errors.InternalError, "failed to update wallet balance").WithDetails(err.Error())
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, errors.NewAppError(errors.InternalError, "failed to get rows affected").WithDetails(err.Error())
	}

	if rowsAffected == 0 {
		r.logger.Debug("Wallet version moved, balance not written", "wallet_id", id, "expected_version", expectedVersion)
		return false, nil
	}

	return true, nil
}
