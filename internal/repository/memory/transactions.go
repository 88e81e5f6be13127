package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/errors"
)

type transactionRepository struct{ s *Store }

func (r *transactionRepository) CreateTransaction(_ context.Context, tx *domain.Transaction) error {
	defer r.s.write()()
	st := r.s.st

	if tx.IdempotencyKey != nil {
		if _, exists := st.idempotency[*tx.IdempotencyKey]; exists {
			return errors.ErrDuplicateTransaction
		}
	}
	if _, ok := st.wallets[tx.WalletID]; !ok {
		return errors.ErrWalletNotFound
	}

	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	row := *tx
	row.Metadata = copyMeta(tx.Metadata)
	st.transactions[row.ID] = row
	st.txOrder = append(st.txOrder, row.ID)
	if row.IdempotencyKey != nil {
		st.idempotency[*row.IdempotencyKey] = row.ID
	}
	return nil
}

func (r *transactionRepository) GetTransactionByID(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	defer r.s.read()()
	row, ok := r.s.st.transactions[id]
	if !ok {
		return nil, errors.ErrTransactionNotFound
	}
	row.Metadata = copyMeta(row.Metadata)
	return &row, nil
}

func (r *transactionRepository) GetTransactionByIdempotencyKey(_ context.Context, key string) (*domain.Transaction, error) {
	defer r.s.read()()
	id, ok := r.s.st.idempotency[key]
	if !ok {
		return nil, nil
	}
	row := r.s.st.transactions[id]
	row.Metadata = copyMeta(row.Metadata)
	return &row, nil
}

func (r *transactionRepository) TransitionStatus(_ context.Context, id uuid.UUID, from, to domain.TransactionStatus, meta map[string]string) (bool, error) {
	defer r.s.write()()
	row, ok := r.s.st.transactions[id]
	if !ok || row.Status != from {
		return false, nil
	}
	row.Status = to
	row.Metadata = copyMeta(row.Metadata)
	for k, v := range meta {
		row.Metadata[k] = v
	}
	row.UpdatedAt = time.Now().UTC()
	r.s.st.transactions[id] = row
	return true, nil
}

func (r *transactionRepository) MergeMetadata(_ context.Context, id uuid.UUID, meta map[string]string) error {
	defer r.s.write()()
	row, ok := r.s.st.transactions[id]
	if !ok {
		return errors.ErrTransactionNotFound
	}
	row.Metadata = copyMeta(row.Metadata)
	for k, v := range meta {
		row.Metadata[k] = v
	}
	row.UpdatedAt = time.Now().UTC()
	r.s.st.transactions[id] = row
	return nil
}

func (r *transactionRepository) ListTransactionsByWallet(_ context.Context, walletID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	defer r.s.read()()
	st := r.s.st

	out := make([]domain.Transaction, 0, limit)
	skipped := 0
	for i := len(st.txOrder) - 1; i >= 0 && len(out) < limit; i-- {
		row := st.transactions[st.txOrder[i]]
		if row.WalletID != walletID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		row.Metadata = copyMeta(row.Metadata)
		out = append(out, row)
	}
	return out, nil
}

func (r *transactionRepository) LedgerTotals(_ context.Context, walletID uuid.UUID) (*domain.LedgerTotals, error) {
	defer r.s.read()()
	totals := &domain.LedgerTotals{Completed: decimal.Zero, Effective: decimal.Zero}
	for _, row := range r.s.st.transactions {
		if row.WalletID != walletID {
			continue
		}
		if row.Status == domain.StatusCompleted {
			totals.Completed = totals.Completed.Add(row.Amount)
		}
		if row.AffectsBalance() {
			totals.Effective = totals.Effective.Add(row.Amount)
		}
		if row.Status == domain.StatusPending {
			totals.Pending++
		}
	}
	return totals, nil
}
