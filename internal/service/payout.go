package service

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/errors"
	"marketplace-ledger/internal/metrics"
)

type PayoutMethod string

const (
	PayoutBank   PayoutMethod = "bank"
	PayoutCrypto PayoutMethod = "crypto"
)

var (
	minPayoutAmount = decimal.NewFromInt(10)

	// payoutFees are flat, charged on top of the requested amount.
	payoutFees = map[PayoutMethod]decimal.Decimal{
		PayoutBank:   decimal.RequireFromString("2.50"),
		PayoutCrypto: decimal.RequireFromString("5.00"),
	}
)

type PayoutRequest struct {
	OwnerID     string
	Amount      decimal.Decimal
	Currency    string
	Method      PayoutMethod
	Destination string
	AttemptID   string
}

type PayoutResult struct {
	TransactionID  uuid.UUID                `json:"transaction_id"`
	Status         domain.TransactionStatus `json:"status"`
	Currency       string                   `json:"currency"`
	NetAmount      decimal.Decimal          `json:"net_amount"`
	ProcessingFee  decimal.Decimal          `json:"processing_fee"`
	TotalDeduction decimal.Decimal          `json:"total_deduction"`
}

// RequestPayout freezes amount plus the method's fee and records a pending
// withdrawal for it. The money leaves the wallet when the payout is completed
// and returns to available if it is cancelled.
func (s *WalletService) RequestPayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	if req.OwnerID == "" {
		return nil, errors.NewAppError(errors.ValidationError, "owner id is required")
	}
	if !req.Amount.IsPositive() {
		return nil, errors.ErrInvalidAmount
	}
	if req.Amount.LessThan(minPayoutAmount) {
		return nil, errors.NewAppErrorf(errors.InvalidAmount, "minimum payout amount is %s", minPayoutAmount)
	}
	currency, err := NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	exp := CurrencyExponent(currency)
	if !req.Amount.Equal(req.Amount.Round(exp)) {
		return nil, errors.NewAppErrorf(errors.InvalidAmount, "%s amounts have at most %d decimal places", currency, exp)
	}
	if req.Method == "" {
		req.Method = PayoutBank
	}
	fee, ok := payoutFees[req.Method]
	if !ok {
		return nil, errors.NewAppErrorf(errors.ValidationError, "unknown payout method %q", req.Method)
	}

	var idempotencyKey string
	if req.AttemptID != "" {
		idempotencyKey = "payout:" + req.AttemptID
		existing, err := s.store.Transactions().GetTransactionByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return replayPayout(existing, req.OwnerID)
		}
	}

	wallet, err := s.FindWallet(ctx, req.OwnerID, currency)
	if err != nil {
		return nil, err
	}

	total := req.Amount.Add(fee)
	meta := map[string]string{
		domain.MetaPayoutMethod:  string(req.Method),
		domain.MetaNetAmount:     req.Amount.StringFixed(exp),
		domain.MetaProcessingFee: fee.StringFixed(exp),
		domain.MetaDescription:   "Withdrawal via " + string(req.Method),
	}
	if req.Destination != "" {
		meta[domain.MetaDestination] = req.Destination
	}

	var row *domain.Transaction
	err = s.store.WithTransaction(ctx, func(tx domain.Store) error {
		bound := s.Bind(tx)
		created, err := bound.RecordTransaction(ctx, LedgerEntry{
			WalletID:       wallet.ID,
			OwnerID:        req.OwnerID,
			Type:           domain.TransactionWithdrawal,
			Amount:         total.Neg(),
			Currency:       currency,
			Status:         domain.StatusPending,
			IdempotencyKey: idempotencyKey,
			Metadata:       meta,
		})
		if err != nil {
			return err
		}
		if _, err := bound.AdjustBalance(ctx, wallet.ID, domain.BucketAvailable, total.Neg(), false); err != nil {
			return err
		}
		if _, err := bound.AdjustBalance(ctx, wallet.ID, domain.BucketFrozen, total, false); err != nil {
			return err
		}
		row = created
		return nil
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrDuplicateTransaction) && idempotencyKey != "" {
			existing, getErr := s.store.Transactions().GetTransactionByIdempotencyKey(ctx, idempotencyKey)
			if getErr == nil && existing != nil {
				return replayPayout(existing, req.OwnerID)
			}
		}
		metrics.PayoutsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	metrics.PayoutsTotal.WithLabelValues("requested").Inc()
	s.logger.Info("Payout requested",
		"transaction_id", row.ID,
		"owner_id", req.OwnerID,
		"method", req.Method,
		"amount", req.Amount,
		"processing_fee", fee)
	return payoutResult(row), nil
}

// CancelPayout fails a pending withdrawal owned by ownerID and returns its
// frozen amount to the available balance.
func (s *WalletService) CancelPayout(ctx context.Context, txID uuid.UUID, ownerID string) (*PayoutResult, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, errors.NewAppError(errors.ValidationError, "owner id is required")
	}
	row, err := s.closePayout(ctx, txID, ownerID, domain.StatusFailed, map[string]string{
		domain.MetaFailureReason: "cancelled by owner",
		domain.MetaCancelledAt:   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	metrics.PayoutsTotal.WithLabelValues("cancelled").Inc()
	s.logger.Info("Payout cancelled", "transaction_id", txID, "owner_id", ownerID)
	return payoutResult(row), nil
}

// CompletePayout records that the funds were sent and releases the frozen
// amount. It is an operator action; the transfer itself happens outside.
func (s *WalletService) CompletePayout(ctx context.Context, txID uuid.UUID) (*PayoutResult, error) {
	row, err := s.closePayout(ctx, txID, "", domain.StatusCompleted, map[string]string{
		domain.MetaCompletedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	metrics.PayoutsTotal.WithLabelValues("completed").Inc()
	s.logger.Info("Payout completed", "transaction_id", txID)
	return payoutResult(row), nil
}

// closePayout moves a pending withdrawal to a terminal status and unwinds the
// frozen amount in the same store transaction. An empty ownerID skips the
// ownership check.
func (s *WalletService) closePayout(ctx context.Context, txID uuid.UUID, ownerID string, to domain.TransactionStatus, meta map[string]string) (*domain.Transaction, error) {
	var row *domain.Transaction
	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		current, err := tx.Transactions().GetTransactionByID(ctx, txID)
		if err != nil {
			return err
		}
		if current.Type != domain.TransactionWithdrawal || (ownerID != "" && current.OwnerID != ownerID) {
			return errors.ErrTransactionNotFound
		}

		ok, err := tx.Transactions().TransitionStatus(ctx, txID, domain.StatusPending, to, meta)
		if err != nil {
			return err
		}
		if !ok {
			return errors.ErrPayoutNotPending.WithDetails("payout is " + string(current.Status))
		}

		bound := s.Bind(tx)
		// current.Amount is the negative total deduction
		if _, err := bound.AdjustBalance(ctx, current.WalletID, domain.BucketFrozen, current.Amount, false); err != nil {
			return err
		}
		if to == domain.StatusFailed {
			if _, err := bound.AdjustBalance(ctx, current.WalletID, domain.BucketAvailable, current.Amount.Neg(), false); err != nil {
				return err
			}
		}

		row, err = tx.Transactions().GetTransactionByID(ctx, txID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func replayPayout(row *domain.Transaction, ownerID string) (*PayoutResult, error) {
	if row.OwnerID != ownerID || row.Type != domain.TransactionWithdrawal {
		return nil, errors.NewAppError(errors.ValidationError, "attempt id was used for a different request")
	}
	return payoutResult(row), nil
}

func payoutResult(row *domain.Transaction) *PayoutResult {
	total := row.Amount.Neg()
	fee, err := decimal.NewFromString(row.Metadata[domain.MetaProcessingFee])
	if err != nil {
		fee = decimal.Zero
	}
	return &PayoutResult{
		TransactionID:  row.ID,
		Status:         row.Status,
		Currency:       row.Currency,
		NetAmount:      total.Sub(fee),
		ProcessingFee:  fee,
		TotalDeduction: total,
	}
}
