package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/errors"
)

type walletRepository struct{ s *Store }

func ownerKey(ownerID, currency string) string { return ownerID + "|" + currency }

func (r *walletRepository) CreateWalletIfAbsent(_ context.Context, w *domain.Wallet) (*domain.Wallet, error) {
	defer r.s.write()()
	st := r.s.st

	if id, ok := st.walletByOwner[ownerKey(w.OwnerID, w.Currency)]; ok {
		existing := st.wallets[id]
		return &existing, nil
	}

	now := time.Now().UTC()
	created := domain.Wallet{
		ID:               w.ID,
		OwnerID:          w.OwnerID,
		Currency:         w.Currency,
		AvailableBalance: decimal.Zero,
		EscrowBalance:    decimal.Zero,
		BonusBalance:     decimal.Zero,
		FrozenBalance:    decimal.Zero,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	st.wallets[created.ID] = created
	st.walletByOwner[ownerKey(w.OwnerID, w.Currency)] = created.ID
	return &created, nil
}

func (r *walletRepository) GetWallet(_ context.Context, id uuid.UUID) (*domain.Wallet, error) {
	defer r.s.read()()
	w, ok := r.s.st.wallets[id]
	if !ok {
		return nil, errors.ErrWalletNotFound
	}
	return &w, nil
}

func (r *walletRepository) GetWalletByOwner(_ context.Context, ownerID, currency string) (*domain.Wallet, error) {
	defer r.s.read()()
	id, ok := r.s.st.walletByOwner[ownerKey(ownerID, currency)]
	if !ok {
		return nil, errors.ErrWalletNotFound
	}
	w := r.s.st.wallets[id]
	return &w, nil
}

func (r *walletRepository) CompareAndSetBalance(_ context.Context, id uuid.UUID, bucket domain.Bucket, value decimal.Decimal, expectedVersion int64) (bool, error) {
	if !bucket.Valid() {
		return false, errors.NewAppErrorf(errors.ValidationError, "unknown balance bucket %q", bucket)
	}

	defer r.s.write()()
	w, ok := r.s.st.wallets[id]
	if !ok {
		return false, nil
	}
	if w.Version != expectedVersion {
		return false, nil
	}
	w.SetBalance(bucket, value)
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	r.s.st.wallets[id] = w
	return true, nil
}
