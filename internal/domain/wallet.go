package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Bucket names one of the balances a wallet carries.
type Bucket string

const (
	BucketAvailable Bucket = "available"
	BucketEscrow    Bucket = "escrow"
	BucketBonus     Bucket = "bonus"
	BucketFrozen    Bucket = "frozen"
)

func (b Bucket) Valid() bool {
	switch b {
	case BucketAvailable, BucketEscrow, BucketBonus, BucketFrozen:
		return true
	}
	return false
}

type Wallet struct {
	ID               uuid.UUID       `json:"id"`
	OwnerID          string          `json:"owner_id"`
	Currency         string          `json:"currency"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	EscrowBalance    decimal.Decimal `json:"escrow_balance"`
	BonusBalance     decimal.Decimal `json:"bonus_balance"`
	FrozenBalance    decimal.Decimal `json:"frozen_balance"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (w *Wallet) Balance(b Bucket) decimal.Decimal {
	switch b {
	case BucketEscrow:
		return w.EscrowBalance
	case BucketBonus:
		return w.BonusBalance
	case BucketFrozen:
		return w.FrozenBalance
	default:
		return w.AvailableBalance
	}
}

func (w *Wallet) SetBalance(b Bucket, v decimal.Decimal) {
	switch b {
	case BucketEscrow:
		w.EscrowBalance = v
	case BucketBonus:
		w.BonusBalance = v
	case BucketFrozen:
		w.FrozenBalance = v
	default:
		w.AvailableBalance = v
	}
}

type WalletRepository interface {
	// CreateWalletIfAbsent inserts w unless a wallet for (owner, currency)
	// already exists, and returns the stored wallet either way.
	CreateWalletIfAbsent(ctx context.Context, w *Wallet) (*Wallet, error)
	GetWallet(ctx context.Context, id uuid.UUID) (*Wallet, error)
	GetWalletByOwner(ctx context.Context, ownerID, currency string) (*Wallet, error)
	// CompareAndSetBalance writes value into bucket only while the stored
	// version still equals expectedVersion. It reports whether the write won.
	CompareAndSetBalance(ctx context.Context, id uuid.UUID, bucket Bucket, value decimal.Decimal, expectedVersion int64) (bool, error)
}
