package memory

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/errors"
)

func seedWallet(t *testing.T, s *Store) *domain.Wallet {
	t.Helper()
	w, err := s.Wallets().CreateWalletIfAbsent(context.Background(), &domain.Wallet{ID: uuid.New(), OwnerID: "user-1", Currency: "USD"})
	require.NoError(t, err)
	return w
}

func TestWithTransactionRollsBack(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	w := seedWallet(t, s)
	key := "key-1"

	boom := stderrors.New("boom")
	err := s.WithTransaction(ctx, func(tx domain.Store) error {
		require.NoError(t, tx.Transactions().CreateTransaction(ctx, &domain.Transaction{
			ID: uuid.New(), WalletID: w.ID, OwnerID: "user-1", Type: domain.TransactionBonus,
			Amount: decimal.NewFromInt(5), Currency: "USD", Status: domain.StatusCompleted, IdempotencyKey: &key,
		}))
		ok, err := tx.Wallets().CompareAndSetBalance(ctx, w.ID, domain.BucketAvailable, decimal.NewFromInt(5), w.Version)
		require.NoError(t, err)
		require.True(t, ok)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Wallets().GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.AvailableBalance.IsZero())
	assert.Equal(t, w.Version, got.Version)

	row, err := s.Transactions().GetTransactionByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, row)

	rows, err := s.Transactions().ListTransactionsByWallet(ctx, w.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestWithTransactionRollsBackOnPanic(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	productID := uuid.New()
	s.AddProduct(domain.Product{ID: productID, StockQuantity: 2})

	assert.Panics(t, func() {
		_ = s.WithTransaction(ctx, func(tx domain.Store) error {
			require.NoError(t, tx.Catalog().DecrementStock(ctx, productID, 1))
			panic("boom")
		})
	})

	p, err := s.Catalog().GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 2, p.StockQuantity)
}

func TestWithTransactionHonoursCancelledContext(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.WithTransaction(ctx, func(domain.Store) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestCompareAndSetBalance(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	w := seedWallet(t, s)

	ok, err := s.Wallets().CompareAndSetBalance(ctx, w.ID, domain.BucketBonus, decimal.NewFromInt(3), w.Version)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Wallets().CompareAndSetBalance(ctx, w.ID, domain.BucketBonus, decimal.NewFromInt(9), w.Version)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Wallets().GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(3).Equal(got.BonusBalance))
	assert.Equal(t, w.Version+1, got.Version)

	again, err := s.Wallets().CreateWalletIfAbsent(ctx, &domain.Wallet{ID: uuid.New(), OwnerID: "user-1", Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, w.ID, again.ID)
}

func TestTransactions(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	w := seedWallet(t, s)
	key := "deposit:1"

	row := &domain.Transaction{
		ID: uuid.New(), WalletID: w.ID, OwnerID: "user-1", Type: domain.TransactionDeposit,
		Amount: decimal.NewFromInt(50), Currency: "USD", Status: domain.StatusPending, IdempotencyKey: &key,
		Metadata: map[string]string{domain.MetaProcessingFee: "1.50"},
	}
	require.NoError(t, s.Transactions().CreateTransaction(ctx, row))

	dup := *row
	dup.ID = uuid.New()
	assert.True(t, stderrors.Is(s.Transactions().CreateTransaction(ctx, &dup), errors.ErrDuplicateTransaction))

	orphan := *row
	orphan.ID = uuid.New()
	orphan.IdempotencyKey = nil
	orphan.WalletID = uuid.New()
	assert.True(t, stderrors.Is(s.Transactions().CreateTransaction(ctx, &orphan), errors.ErrWalletNotFound))

	// callers cannot mutate stored metadata through their copy
	row.Metadata[domain.MetaProcessingFee] = "99"
	stored, err := s.Transactions().GetTransactionByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.50", stored.Metadata[domain.MetaProcessingFee])

	ok, err := s.Transactions().TransitionStatus(ctx, row.ID, domain.StatusPending, domain.StatusCompleted, map[string]string{domain.MetaGatewayEventID: "evt_1"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Transactions().TransitionStatus(ctx, row.ID, domain.StatusPending, domain.StatusFailed, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err = s.Transactions().GetTransactionByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.Equal(t, "evt_1", stored.Metadata[domain.MetaGatewayEventID])
	assert.Equal(t, "1.50", stored.Metadata[domain.MetaProcessingFee])

	assert.True(t, stderrors.Is(s.Transactions().MergeMetadata(ctx, uuid.New(), nil), errors.ErrTransactionNotFound))

	purchase := &domain.Transaction{
		ID: uuid.New(), WalletID: w.ID, OwnerID: "user-1", Type: domain.TransactionPurchase,
		Amount: decimal.NewFromInt(-20), Currency: "USD", Status: domain.StatusPending,
	}
	require.NoError(t, s.Transactions().CreateTransaction(ctx, purchase))

	totals, err := s.Transactions().LedgerTotals(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(totals.Completed))
	assert.True(t, decimal.NewFromInt(30).Equal(totals.Effective))
	assert.Equal(t, 1, totals.Pending)
}

func TestCatalogAndSagas(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	productID := uuid.New()
	s.AddProduct(domain.Product{ID: productID, StockQuantity: 1})

	require.NoError(t, s.Catalog().DecrementStock(ctx, productID, 1))
	assert.True(t, stderrors.Is(s.Catalog().DecrementStock(ctx, productID, 1), errors.ErrOutOfStock))
	assert.True(t, stderrors.Is(s.Catalog().DecrementStock(ctx, uuid.New(), 1), errors.ErrProductNotFound))

	v, err := s.Catalog().FirstVariant(ctx, productID)
	require.NoError(t, err)
	assert.Nil(t, v)

	rec := &domain.PurchaseSagaRecord{AttemptID: "attempt-1", BuyerID: "buyer-1", ProductID: productID, State: domain.SagaInitiated}
	require.NoError(t, s.Sagas().CreateSaga(ctx, rec))
	assert.True(t, stderrors.Is(s.Sagas().CreateSaga(ctx, rec), errors.ErrDuplicateAttempt))

	rec.State = domain.SagaAborted
	require.NoError(t, s.Sagas().UpdateSaga(ctx, rec, domain.SagaInitiated))

	stale := *rec
	stale.State = domain.SagaFundsReserved
	assert.True(t, stderrors.Is(s.Sagas().UpdateSaga(ctx, &stale, domain.SagaInitiated), errors.ErrSagaConflict))
	assert.True(t, stderrors.Is(s.Sagas().UpdateSaga(ctx, &domain.PurchaseSagaRecord{AttemptID: "missing"}, domain.SagaInitiated), errors.ErrSagaNotFound))

	got, err := s.Sagas().GetSaga(ctx, "attempt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaAborted, got.State)

	changed, err := s.Sagas().SetStockPending(ctx, "attempt-1", true)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.Sagas().SetStockPending(ctx, "attempt-1", true)
	require.NoError(t, err)
	assert.False(t, changed)

	// state writes leave the flag alone
	require.NoError(t, s.Sagas().UpdateSaga(ctx, rec, domain.SagaAborted))
	got, err = s.Sagas().GetSaga(ctx, "attempt-1")
	require.NoError(t, err)
	assert.True(t, got.StockPending)

	_, err = s.Sagas().GetSaga(ctx, "missing")
	assert.True(t, stderrors.Is(err, errors.ErrSagaNotFound))
}
