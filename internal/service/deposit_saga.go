package service

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/errors"
	"marketplace-ledger/internal/metrics"
)

const defaultPaymentMethod = "card"

type DepositRequest struct {
	OwnerID       string
	Amount        decimal.Decimal
	Currency      string
	AttemptID     string
	PaymentMethod string
}

// DepositResult is what the client needs to finish payment with the gateway.
// Error is set, with Success false, when the outcome at the gateway is unknown
// and the deposit has to be reconciled.
type DepositResult struct {
	Success          bool                     `json:"success"`
	TransactionID    string                   `json:"transaction_id"`
	Status           domain.TransactionStatus `json:"status"`
	ClientHandle     string                   `json:"client_handle,omitempty"`
	PaymentIntentID  string                   `json:"payment_intent_id,omitempty"`
	TotalAmount      decimal.Decimal          `json:"total_amount"`
	ProcessingFee    decimal.Decimal          `json:"processing_fee"`
	CreditsToReceive decimal.Decimal          `json:"credits_to_receive"`
	Error            *errors.AppError         `json:"error,omitempty"`
}

// DepositSaga opens deposits against the payment gateway. Balances only move
// later, when the ConfirmationHandler applies the gateway's verdict.
type DepositSaga struct {
	wallets    *WalletService
	store      domain.Store
	gateway    domain.PaymentGateway
	notifier   domain.Notifier
	logger     *slog.Logger
	feePercent decimal.Decimal
	timeout    time.Duration
}

func NewDepositSaga(
	store domain.Store,
	wallets *WalletService,
	gateway domain.PaymentGateway,
	notifier domain.Notifier,
	logger *slog.Logger,
	feePercent decimal.Decimal,
	timeout time.Duration,
) *DepositSaga {
	return &DepositSaga{
		wallets:    wallets,
		store:      store,
		gateway:    gateway,
		notifier:   notifier,
		logger:     logger,
		feePercent: feePercent,
		timeout:    timeout,
	}
}

// Fee returns the processing fee charged on top of amount, rounded to the
// currency's minor unit.
func (s *DepositSaga) Fee(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Mul(s.feePercent).Div(decimal.NewFromInt(100)).Round(CurrencyExponent(currency))
}

func (s *DepositSaga) Deposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	if req.OwnerID == "" {
		return nil, errors.NewAppError(errors.ValidationError, "owner id is required")
	}
	if !req.Amount.IsPositive() {
		return nil, errors.ErrInvalidAmount
	}
	currency, err := NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	exp := CurrencyExponent(currency)
	if !req.Amount.Equal(req.Amount.Round(exp)) {
		return nil, errors.NewAppErrorf(errors.InvalidAmount, "%s amounts have at most %d decimal places", currency, exp)
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = defaultPaymentMethod
	}

	var idempotencyKey string
	if req.AttemptID != "" {
		idempotencyKey = "deposit:" + req.AttemptID
		existing, err := s.store.Transactions().GetTransactionByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return s.replay(existing, req.OwnerID)
		}
	}

	fee := s.Fee(req.Amount, currency)
	total := req.Amount.Add(fee)

	s.logger.Info("Processing deposit",
		"owner_id", req.OwnerID,
		"amount", req.Amount,
		"processing_fee", fee,
		"currency", currency)

	wallet, err := s.wallets.GetOrCreateWallet(ctx, req.OwnerID, currency)
	if err != nil {
		return nil, err
	}

	meta := map[string]string{
		domain.MetaProcessingFee: fee.StringFixed(exp),
		domain.MetaTotalAmount:   total.StringFixed(exp),
		domain.MetaPaymentMethod: req.PaymentMethod,
		domain.MetaDescription:   "Wallet deposit",
	}
	if req.AttemptID != "" {
		meta[domain.MetaAttemptID] = req.AttemptID
	}

	row, err := s.wallets.RecordTransaction(ctx, LedgerEntry{
		WalletID:       wallet.ID,
		OwnerID:        req.OwnerID,
		Type:           domain.TransactionDeposit,
		Amount:         req.Amount,
		Currency:       currency,
		Status:         domain.StatusPending,
		IdempotencyKey: idempotencyKey,
		Metadata:       meta,
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrDuplicateTransaction) && idempotencyKey != "" {
			existing, getErr := s.store.Transactions().GetTransactionByIdempotencyKey(ctx, idempotencyKey)
			if getErr == nil && existing != nil {
				return s.replay(existing, req.OwnerID)
			}
		}
		return nil, err
	}

	result := &DepositResult{
		TransactionID:    row.ID.String(),
		Status:           domain.StatusPending,
		TotalAmount:      total,
		ProcessingFee:    fee,
		CreditsToReceive: req.Amount,
	}

	gctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	intent, err := s.gateway.CreatePaymentIntent(gctx, domain.PaymentIntentRequest{
		AmountMinor: MinorUnits(total, currency),
		Currency:    currency,
		Metadata: map[string]string{
			domain.GatewayMetaOwnerID:       req.OwnerID,
			domain.GatewayMetaTransactionID: row.ID.String(),
		},
		IdempotencyKey: row.ID.String(),
	})

	// the ledger row must be updated even if the caller has gone away
	bg := context.WithoutCancel(ctx)

	if err != nil {
		if gctx.Err() != nil || stderrors.Is(err, context.DeadlineExceeded) {
			metrics.DepositsTotal.WithLabelValues("reconciliation_required").Inc()
			s.logger.Warn("Gateway outcome unknown, deposit left pending",
				"transaction_id", row.ID, "error", err)
			result.Error = errors.ErrReconciliationRequired
			return result, nil
		}

		metrics.DepositsTotal.WithLabelValues("gateway_error").Inc()
		s.logger.Error("Gateway rejected payment intent", "transaction_id", row.ID, "error", err)
		if _, _, settleErr := s.wallets.Settle(bg, row.ID, domain.StatusFailed, map[string]string{
			domain.MetaFailureReason: err.Error(),
		}); settleErr != nil {
			s.logger.Error("Failed to mark deposit failed", "transaction_id", row.ID, "error", settleErr)
		}
		s.notify(bg, row, domain.NotifyDepositFailed, domain.StatusFailed)
		return nil, errors.ErrGateway.WithDetails(err.Error())
	}

	if err := s.wallets.Annotate(bg, row.ID, map[string]string{
		domain.MetaPaymentIntentID: intent.ID,
		domain.MetaClientHandle:    intent.ClientSecret,
	}); err != nil {
		// reconciliation can still find the intent by its metadata
		s.logger.Error("Failed to store payment intent id", "transaction_id", row.ID, "payment_intent_id", intent.ID, "error", err)
	}

	metrics.DepositsTotal.WithLabelValues("pending").Inc()
	s.notify(bg, row, domain.NotifyDepositPending, domain.StatusPending)
	s.logger.Info("Deposit awaiting gateway confirmation", "transaction_id", row.ID, "payment_intent_id", intent.ID)

	result.Success = true
	result.ClientHandle = intent.ClientSecret
	result.PaymentIntentID = intent.ID
	return result, nil
}

// replay answers a repeated attempt with the state of its first request.
func (s *DepositSaga) replay(row *domain.Transaction, ownerID string) (*DepositResult, error) {
	if row.Type != domain.TransactionDeposit || row.OwnerID != ownerID {
		return nil, errors.NewAppError(errors.ValidationError, "attempt id was used for a different request")
	}

	s.logger.Info("Replaying deposit attempt", "transaction_id", row.ID, "status", row.Status)

	if row.Status == domain.StatusFailed {
		return nil, errors.ErrGateway.WithDetails(row.Metadata[domain.MetaFailureReason])
	}

	fee, _ := decimal.NewFromString(row.Metadata[domain.MetaProcessingFee])
	total, err := decimal.NewFromString(row.Metadata[domain.MetaTotalAmount])
	if err != nil {
		total = row.Amount.Add(fee)
	}

	result := &DepositResult{
		Success:          true,
		TransactionID:    row.ID.String(),
		Status:           row.Status,
		ClientHandle:     row.Metadata[domain.MetaClientHandle],
		PaymentIntentID:  row.Metadata[domain.MetaPaymentIntentID],
		TotalAmount:      total,
		ProcessingFee:    fee,
		CreditsToReceive: row.Amount,
	}
	if row.Status == domain.StatusPending && result.PaymentIntentID == "" {
		result.Success = false
		result.Error = errors.ErrReconciliationRequired
	}
	return result, nil
}

func (s *DepositSaga) notify(ctx context.Context, row *domain.Transaction, kind string, status domain.TransactionStatus) {
	s.notifier.Notify(ctx, domain.Notification{
		Kind:          kind,
		OwnerID:       row.OwnerID,
		WalletID:      row.WalletID.String(),
		TransactionID: row.ID.String(),
		Status:        string(status),
		Amount:        row.Amount,
		Currency:      row.Currency,
		OccurredAt:    time.Now().UTC(),
	})
}

// MinorUnits converts an amount to the integer minor units the gateway
// charges in, rounding half away from zero. JPY 1000 is 1000, USD 10.00 is 1000.
func MinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(CurrencyExponent(currency)).Round(0).IntPart()
}
