package service

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/errors"
	"marketplace-ledger/internal/metrics"
)

const (
	DefaultCurrency = "USD"

	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	balanceRetries      = 8
)

// WalletService owns wallet balances and the ledger rows that explain them.
type WalletService struct {
	store  domain.Store
	logger *slog.Logger
}

func NewWalletService(store domain.Store, logger *slog.Logger) *WalletService {
	return &WalletService{
		store:  store,
		logger: logger,
	}
}

// Bind returns a WalletService whose writes join st, typically a store
// transaction opened by the caller.
func (s *WalletService) Bind(st domain.Store) *WalletService {
	return &WalletService{store: st, logger: s.logger}
}

// LedgerEntry describes one row to append to the ledger.
type LedgerEntry struct {
	WalletID       uuid.UUID
	OwnerID        string
	Type           domain.TransactionType
	Amount         decimal.Decimal
	Currency       string
	Status         domain.TransactionStatus
	IdempotencyKey string
	ReferenceID    *uuid.UUID
	Metadata       map[string]string
}

type ReconciliationReport struct {
	WalletID         uuid.UUID       `json:"wallet_id"`
	OwnerID          string          `json:"owner_id"`
	Currency         string          `json:"currency"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	LedgerBalance    decimal.Decimal `json:"ledger_balance"`
	CompletedTotal   decimal.Decimal `json:"completed_total"`
	PendingCount     int             `json:"pending_count"`
	Balanced         bool            `json:"balanced"`
}

func (s *WalletService) GetOrCreateWallet(ctx context.Context, ownerID, currency string) (*domain.Wallet, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, errors.NewAppError(errors.ValidationError, "owner id is required")
	}
	currency, err := NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}

	return s.store.Wallets().CreateWalletIfAbsent(ctx, &domain.Wallet{
		ID:       uuid.New(),
		OwnerID:  ownerID,
		Currency: currency,
	})
}

func (s *WalletService) GetWallet(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error) {
	return s.store.Wallets().GetWallet(ctx, walletID)
}

// FindWallet looks a wallet up without creating it.
func (s *WalletService) FindWallet(ctx context.Context, ownerID, currency string) (*domain.Wallet, error) {
	currency, err := NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	return s.store.Wallets().GetWalletByOwner(ctx, ownerID, currency)
}

// RecordTransaction appends a ledger row without touching balances.
func (s *WalletService) RecordTransaction(ctx context.Context, entry LedgerEntry) (*domain.Transaction, error) {
	if entry.Amount.IsZero() {
		return nil, errors.ErrInvalidAmount
	}
	if !validType(entry.Type) {
		return nil, errors.NewAppErrorf(errors.ValidationError, "unknown transaction type %q", entry.Type)
	}
	if entry.Status == "" {
		entry.Status = domain.StatusPending
	}

	tx := &domain.Transaction{
		ID:          uuid.New(),
		WalletID:    entry.WalletID,
		OwnerID:     entry.OwnerID,
		Type:        entry.Type,
		Amount:      entry.Amount,
		Currency:    entry.Currency,
		Status:      entry.Status,
		ReferenceID: entry.ReferenceID,
		Metadata:    entry.Metadata,
	}
	if tx.Metadata == nil {
		tx.Metadata = map[string]string{}
	}
	if entry.IdempotencyKey != "" {
		key := entry.IdempotencyKey
		tx.IdempotencyKey = &key
	}

	if err := s.store.Transactions().CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Post appends entry and, when the row counts toward the balance, applies its
// amount to the available bucket in the same store transaction.
func (s *WalletService) Post(ctx context.Context, entry LedgerEntry) (*domain.Transaction, error) {
	var created *domain.Transaction
	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		bound := s.Bind(tx)
		row, err := bound.RecordTransaction(ctx, entry)
		if err != nil {
			return err
		}
		if row.AffectsBalance() {
			if _, err := bound.AdjustBalance(ctx, row.WalletID, domain.BucketAvailable, row.Amount, false); err != nil {
				return err
			}
		}
		created = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// AdjustBalance adds delta to one bucket. Writes are optimistic on the wallet
// version and retried with backoff when another writer got there first.
func (s *WalletService) AdjustBalance(ctx context.Context, walletID uuid.UUID, bucket domain.Bucket, delta decimal.Decimal, allowNegative bool) (decimal.Decimal, error) {
	if !bucket.Valid() {
		return decimal.Zero, errors.NewAppErrorf(errors.ValidationError, "unknown balance bucket %q", bucket)
	}

	var balance decimal.Decimal
	op := func() error {
		w, err := s.store.Wallets().GetWallet(ctx, walletID)
		if err != nil {
			return backoff.Permanent(err)
		}

		next := w.Balance(bucket).Add(delta)
		if next.IsNegative() && !allowNegative {
			return backoff.Permanent(errors.ErrInsufficientFunds)
		}

		ok, err := s.store.Wallets().CompareAndSetBalance(ctx, walletID, bucket, next, w.Version)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			metrics.BalanceConflicts.Inc()
			return errors.ErrBalanceConflict
		}
		balance = next
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(balanceBackOff(), balanceRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if stderrors.Is(err, errors.ErrBalanceConflict) {
			s.logger.Warn("Balance update kept losing version race", "wallet_id", walletID, "bucket", bucket)
		}
		return decimal.Zero, err
	}

	s.logger.Debug("Balance adjusted", "wallet_id", walletID, "bucket", bucket, "delta", delta, "balance", balance)
	return balance, nil
}

// Settle moves a pending row to a terminal status. The first terminal status
// wins: a row that is already terminal is returned unchanged with applied
// false. A row that starts counting toward the balance on this transition
// credits it atomically with the status change.
func (s *WalletService) Settle(ctx context.Context, txID uuid.UUID, to domain.TransactionStatus, meta map[string]string) (*domain.Transaction, bool, error) {
	if !to.Terminal() {
		return nil, false, errors.ErrInvalidStatusTransition
	}

	var row *domain.Transaction
	var applied bool
	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		current, err := tx.Transactions().GetTransactionByID(ctx, txID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			row = current
			return nil
		}

		ok, err := tx.Transactions().TransitionStatus(ctx, txID, domain.StatusPending, to, meta)
		if err != nil {
			return err
		}
		if !ok {
			// lost to a concurrent settlement
			row, err = tx.Transactions().GetTransactionByID(ctx, txID)
			return err
		}

		next := *current
		next.Status = to
		if !current.AffectsBalance() && next.AffectsBalance() {
			if _, err := s.Bind(tx).AdjustBalance(ctx, current.WalletID, domain.BucketAvailable, current.Amount, false); err != nil {
				return err
			}
		}

		row, err = tx.Transactions().GetTransactionByID(ctx, txID)
		applied = true
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return row, applied, nil
}

// Annotate merges meta into a row's metadata.
func (s *WalletService) Annotate(ctx context.Context, txID uuid.UUID, meta map[string]string) error {
	return s.store.Transactions().MergeMetadata(ctx, txID, meta)
}

func (s *WalletService) GetTransaction(ctx context.Context, txID uuid.UUID) (*domain.Transaction, error) {
	return s.store.Transactions().GetTransactionByID(ctx, txID)
}

// ListTransactions returns wallet history, newest first.
func (s *WalletService) ListTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.Transactions().ListTransactionsByWallet(ctx, walletID, limit, offset)
}

// Reconcile compares the available balance with the ledger.
func (s *WalletService) Reconcile(ctx context.Context, walletID uuid.UUID) (*ReconciliationReport, error) {
	w, err := s.store.Wallets().GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	totals, err := s.store.Transactions().LedgerTotals(ctx, walletID)
	if err != nil {
		return nil, err
	}

	report := &ReconciliationReport{
		WalletID:         w.ID,
		OwnerID:          w.OwnerID,
		Currency:         w.Currency,
		AvailableBalance: w.AvailableBalance,
		LedgerBalance:    totals.Effective,
		CompletedTotal:   totals.Completed,
		PendingCount:     totals.Pending,
		Balanced:         w.AvailableBalance.Equal(totals.Effective),
	}
	if !report.Balanced {
		s.logger.Error("Wallet does not reconcile with ledger",
			"wallet_id", w.ID,
			"available_balance", w.AvailableBalance,
			"ledger_balance", totals.Effective)
	}
	return report, nil
}

// NormalizeCurrency upper-cases an ISO 4217 code, defaulting to USD.
func NormalizeCurrency(currency string) (string, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return DefaultCurrency, nil
	}
	if len(currency) != 3 {
		return "", errors.NewAppErrorf(errors.ValidationError, "invalid currency %q", currency)
	}
	for _, r := range currency {
		if r < 'A' || r > 'Z' {
			return "", errors.NewAppErrorf(errors.ValidationError, "invalid currency %q", currency)
		}
	}
	return currency, nil
}

// zeroDecimalCurrencies are charged in whole units at the gateway.
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true,
	"JPY": true, "KMF": true, "KRW": true, "MGA": true,
	"PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// CurrencyExponent is the number of decimal places in currency's minor unit.
func CurrencyExponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

func validType(t domain.TransactionType) bool {
	switch t {
	case domain.TransactionDeposit, domain.TransactionWithdrawal, domain.TransactionPurchase,
		domain.TransactionRefund, domain.TransactionFee, domain.TransactionBonus:
		return true
	}
	return false
}

func balanceBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return b
}
