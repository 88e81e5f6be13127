package service

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/errors"
)

func TestPurchaseSucceeds(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	w := fx.fund(t, "buyer-1", "100.00")
	product := fx.addProduct("40.00", 5, true)

	result, err := fx.saga.Purchase(ctx, PurchaseRequest{AttemptID: "attempt-1", BuyerID: "buyer-1", ProductID: product.ID.String()})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, domain.SagaCompleted, result.State)
	require.NotNil(t, result.OrderID)
	require.NotNil(t, result.TransactionID)

	assert.True(t, dec("60.00").Equal(fx.wallet(t, w.ID).AvailableBalance))
	assert.Equal(t, 4, fx.stock(t, product.ID))

	order, err := fx.saga.GetOrder(ctx, result.OrderID.String(), "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, order.Status)
	assert.Equal(t, domain.PaymentStatusPaid, order.PaymentStatus)
	assert.Equal(t, domain.PaymentMethodWallet, order.PaymentMethod)
	require.Len(t, order.Items, 1)
	assert.Equal(t, product.ID, order.Items[0].ProductID)
	assert.Equal(t, 1, order.Items[0].Quantity)
	assert.True(t, dec("40.00").Equal(order.Items[0].TotalPrice))
	assert.JSONEq(t, `{"code":"ABCD-1234"}`, string(order.Items[0].DigitalContentDelivered))

	row, err := fx.wallets.GetTransaction(ctx, *result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionPurchase, row.Type)
	assert.Equal(t, domain.StatusCompleted, row.Status)
	assert.True(t, dec("-40.00").Equal(row.Amount))
	assert.Equal(t, result.OrderID.String(), row.Metadata[domain.MetaOrderID])

	assert.Contains(t, fx.notifier.Kinds(), domain.NotifyPurchaseCompleted)
	assert.Empty(t, fx.alerter.Reasons())
	fx.reconciled(t, w.ID)
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	w := fx.fund(t, "buyer-1", "10.00")
	product := fx.addProduct("40.00", 5, true)

	result, err := fx.saga.Purchase(ctx, PurchaseRequest{AttemptID: "attempt-1", BuyerID: "buyer-1", ProductID: product.ID.String()})
	assert.Nil(t, result)
	assert.True(t, stderrors.Is(err, errors.ErrInsufficientFunds))

	assert.True(t, dec("10.00").Equal(fx.wallet(t, w.ID).AvailableBalance))
	assert.Equal(t, 5, fx.stock(t, product.ID))

	history, err := fx.wallets.ListTransactions(ctx, w.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	rec, err := fx.mem.Sagas().GetSaga(ctx, "attempt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaAborted, rec.State)
	assert.Nil(t, rec.OrderID)
	assert.Equal(t, string(errors.InsufficientFunds), rec.ErrorCode)
}

func TestPurchaseRejectedBeforePayment(t *testing.T) {
	fx := newFixture(t)
	fx.fund(t, "buyer-1", "100.00")
	soldOut := fx.addProduct("40.00", 0, true)
	inStock := fx.addProduct("40.00", 3, true)

	tests := []struct {
		name string
		req  PurchaseRequest
		code errors.ErrorCode
	}{
		{"out of stock", PurchaseRequest{BuyerID: "buyer-1", ProductID: soldOut.ID.String()}, errors.OutOfStock},
		{"unknown product", PurchaseRequest{BuyerID: "buyer-1", ProductID: "7f1c6a8e-4b55-4a2b-9e3c-5f0d3b2a1c9d"}, errors.NotFound},
		{"malformed product id", PurchaseRequest{BuyerID: "buyer-1", ProductID: "not-a-uuid"}, errors.ValidationError},
		{"missing buyer", PurchaseRequest{ProductID: inStock.ID.String()}, errors.ValidationError},
		{"currency mismatch", PurchaseRequest{BuyerID: "buyer-1", ProductID: inStock.ID.String(), Currency: "eur"}, errors.ValidationError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := fx.saga.Purchase(context.Background(), tt.req)
			assert.Nil(t, result)
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err))
		})
	}

	assert.Equal(t, 3, fx.stock(t, inStock.ID))
}

func TestPurchaseWithoutVariantIsCompensated(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	w := fx.fund(t, "buyer-1", "100.00")
	product := fx.addProduct("40.00", 5, false)

	_, err := fx.saga.Purchase(ctx, PurchaseRequest{AttemptID: "attempt-1", BuyerID: "buyer-1", ProductID: product.ID.String()})
	assert.True(t, stderrors.Is(err, errors.ErrNoVariant))

	assert.True(t, dec("100.00").Equal(fx.wallet(t, w.ID).AvailableBalance))
	assert.Equal(t, 5, fx.stock(t, product.ID))

	rec, err := fx.mem.Sagas().GetSaga(ctx, "attempt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompensated, rec.State)
	require.NotNil(t, rec.OrderID)
	require.NotNil(t, rec.RefundTransactionID)

	order, err := fx.mem.Orders().GetOrder(ctx, *rec.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)
	assert.Equal(t, domain.PaymentStatusRefunded, order.PaymentStatus)

	purchase, err := fx.wallets.GetTransaction(ctx, *rec.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, purchase.Status)
	assert.Equal(t, errors.ErrNoVariant.Message, purchase.Metadata[domain.MetaFailureReason])

	refund, err := fx.wallets.GetTransaction(ctx, *rec.RefundTransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionRefund, refund.Type)
	assert.Equal(t, domain.StatusCompleted, refund.Status)
	assert.True(t, dec("40.00").Equal(refund.Amount))
	assert.Equal(t, purchase.ID, *refund.ReferenceID)

	assert.Contains(t, fx.notifier.Kinds(), domain.NotifyPurchaseCompensated)
	fx.reconciled(t, w.ID)
}

func TestPurchaseCompensatesStepFailures(t *testing.T) {
	tests := []struct {
		name        string
		inject      func(f *faults)
		expectOrder bool
	}{
		{
			name:   "order insert fails",
			inject: func(f *faults) { f.createOrder = stderrors.New("connection reset") },
		},
		{
			name:        "item insert fails",
			inject:      func(f *faults) { f.createItem = stderrors.New("connection reset") },
			expectOrder: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			ctx := context.Background()

			w := fx.fund(t, "buyer-1", "100.00")
			product := fx.addProduct("40.00", 5, true)
			fx.faults.set(tt.inject)

			_, err := fx.saga.Purchase(ctx, PurchaseRequest{AttemptID: "attempt-1", BuyerID: "buyer-1", ProductID: product.ID.String()})
			assert.True(t, stderrors.Is(err, errors.ErrTransactionFailed))

			assert.True(t, dec("100.00").Equal(fx.wallet(t, w.ID).AvailableBalance))
			assert.Equal(t, 5, fx.stock(t, product.ID))

			rec, err := fx.mem.Sagas().GetSaga(ctx, "attempt-1")
			require.NoError(t, err)
			assert.Equal(t, domain.SagaCompensated, rec.State)
			assert.Equal(t, tt.expectOrder, rec.OrderID != nil)

			if tt.expectOrder {
				order, err := fx.mem.Orders().GetOrder(ctx, *rec.OrderID)
				require.NoError(t, err)
				assert.Equal(t, domain.OrderStatusCancelled, order.Status)
				assert.Empty(t, order.Items)
			}
			fx.reconciled(t, w.ID)
		})
	}
}

func TestPurchaseDefersFailedStockDecrement(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	w := fx.fund(t, "buyer-1", "100.00")
	product := fx.addProduct("40.00", 5, true)
	fx.faults.set(func(f *faults) { f.decrementStock = stderrors.New("lock timeout") })

	result, err := fx.saga.Purchase(ctx, PurchaseRequest{AttemptID: "attempt-1", BuyerID: "buyer-1", ProductID: product.ID.String()})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, domain.SagaCompleted, result.State)

	jobs := fx.scheduler.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "attempt-1", jobs[0].AttemptID)
	assert.Equal(t, product.ID, jobs[0].ProductID)
	assert.Equal(t, *result.OrderID, jobs[0].OrderID)
	assert.Equal(t, 1, jobs[0].Quantity)

	assert.Equal(t, 5, fx.stock(t, product.ID))
	assert.True(t, dec("60.00").Equal(fx.wallet(t, w.ID).AvailableBalance))
	fx.reconciled(t, w.ID)

	rec, err := fx.mem.Sagas().GetSaga(ctx, "attempt-1")
	require.NoError(t, err)
	assert.True(t, rec.StockPending)
}

func TestRecoverReschedulesOwedStockDecrement(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.fund(t, "buyer-1", "100.00")
	product := fx.addProduct("40.00", 5, true)
	fx.faults.set(func(f *faults) { f.decrementStock = stderrors.New("lock timeout") })

	_, err := fx.saga.Purchase(ctx, PurchaseRequest{AttemptID: "attempt-1", BuyerID: "buyer-1", ProductID: product.ID.String()})
	require.NoError(t, err)
	require.Len(t, fx.scheduler.Jobs(), 1)

	// the process restarted and the queued job is gone
	fx.faults.reset()
	result, err := fx.saga.Recover(ctx, "attempt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompleted, result.State)

	jobs := fx.scheduler.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, jobs[0], jobs[1])

	r := NewInventoryRetrier(fx.store, fx.alerter, testLogger(), 3, time.Millisecond)
	defer r.Close()
	r.process(jobs[0])
	r.process(jobs[1])

	rec, err := fx.mem.Sagas().GetSaga(ctx, "attempt-1")
	require.NoError(t, err)
	assert.False(t, rec.StockPending)
	assert.Equal(t, 4, fx.stock(t, product.ID))
	assert.Empty(t, fx.alerter.Reasons())
}

func TestPurchaseReplaysAttempt(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	w := fx.fund(t, "buyer-1", "100.00")
	product := fx.addProduct("40.00", 5, true)
	req := PurchaseRequest{AttemptID: "attempt-1", BuyerID: "buyer-1", ProductID: product.ID.String()}

	first, err := fx.saga.Purchase(ctx, req)
	require.NoError(t, err)

	second, err := fx.saga.Purchase(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.TransactionID, second.TransactionID)

	assert.True(t, dec("60.00").Equal(fx.wallet(t, w.ID).AvailableBalance))
	assert.Equal(t, 4, fx.stock(t, product.ID))

	_, err = fx.saga.Purchase(ctx, PurchaseRequest{AttemptID: "attempt-1", BuyerID: "someone-else", ProductID: product.ID.String()})
	assert.Equal(t, errors.ValidationError, errors.CodeOf(err))
}

func TestPurchaseReplaysRecordedFailure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.fund(t, "buyer-1", "10.00")
	product := fx.addProduct("40.00", 5, true)
	req := PurchaseRequest{AttemptID: "attempt-1", BuyerID: "buyer-1", ProductID: product.ID.String()}

	_, err := fx.saga.Purchase(ctx, req)
	require.True(t, stderrors.Is(err, errors.ErrInsufficientFunds))

	fx.fund(t, "buyer-1", "100.00")

	_, err = fx.saga.Purchase(ctx, req)
	assert.True(t, stderrors.Is(err, errors.ErrInsufficientFunds))
	assert.Equal(t, 5, fx.stock(t, product.ID))
}

func TestPurchaseAttemptInProgress(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	product := fx.addProduct("40.00", 5, true)
	require.NoError(t, fx.mem.Sagas().CreateSaga(ctx, &domain.PurchaseSagaRecord{
		AttemptID: "attempt-1",
		BuyerID:   "buyer-1",
		ProductID: product.ID,
		State:     domain.SagaOrderCreated,
	}))

	_, err := fx.saga.Purchase(ctx, PurchaseRequest{AttemptID: "attempt-1", BuyerID: "buyer-1", ProductID: product.ID.String()})
	assert.True(t, stderrors.Is(err, errors.ErrPurchaseInProgress))
}

func TestPurchaseCompletesAfterCallerCancels(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := fx.fund(t, "buyer-1", "100.00")
	product := fx.addProduct("40.00", 5, true)
	fx.faults.set(func(f *faults) { f.beforeCreateOrder = cancel })

	result, err := fx.saga.Purchase(ctx, PurchaseRequest{AttemptID: "attempt-1", BuyerID: "buyer-1", ProductID: product.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompleted, result.State)
	assert.Error(t, ctx.Err())

	assert.True(t, dec("60.00").Equal(fx.wallet(t, w.ID).AvailableBalance))
	assert.Equal(t, 4, fx.stock(t, product.ID))
}

func TestPurchaseConcurrentAttemptsCannotOverdraw(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	w := fx.fund(t, "buyer-1", "100.00")
	product := fx.addProduct("40.00", 10, true)

	const attempts = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.saga.Purchase(ctx, PurchaseRequest{BuyerID: "buyer-1", ProductID: product.ID.String()})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case stderrors.Is(err, errors.ErrInsufficientFunds):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, succeeded)
	assert.Equal(t, attempts-2, rejected)
	assert.True(t, dec("20.00").Equal(fx.wallet(t, w.ID).AvailableBalance))
	assert.Equal(t, 8, fx.stock(t, product.ID))
	fx.reconciled(t, w.ID)
}

func TestRecoverAfterFailedCompensation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	w := fx.fund(t, "buyer-1", "100.00")
	product := fx.addProduct("40.00", 5, true)
	fx.faults.set(func(f *faults) {
		f.createOrder = stderrors.New("connection reset")
		f.sagaState = domain.SagaCompensated
		f.sagaErr = stderrors.New("connection reset")
	})

	_, err := fx.saga.Purchase(ctx, PurchaseRequest{AttemptID: "attempt-1", BuyerID: "buyer-1", ProductID: product.ID.String()})
	assert.True(t, stderrors.Is(err, errors.ErrCompensationFailed))
	assert.Equal(t, errors.TransactionFailed, errors.CodeOf(err))
	assert.Contains(t, fx.alerter.Reasons(), AlertCompensationFailed)

	rec, err := fx.mem.Sagas().GetSaga(ctx, "attempt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompensating, rec.State)
	assert.True(t, dec("60.00").Equal(fx.wallet(t, w.ID).AvailableBalance))

	_, err = fx.saga.Purchase(ctx, PurchaseRequest{AttemptID: "attempt-1", BuyerID: "buyer-1", ProductID: product.ID.String()})
	assert.True(t, stderrors.Is(err, errors.ErrPurchaseInProgress))

	fx.faults.reset()

	_, err = fx.saga.Recover(ctx, "attempt-1")
	assert.True(t, stderrors.Is(err, errors.ErrTransactionFailed))

	rec, err = fx.mem.Sagas().GetSaga(ctx, "attempt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompensated, rec.State)
	assert.True(t, dec("100.00").Equal(fx.wallet(t, w.ID).AvailableBalance))
	fx.reconciled(t, w.ID)

	// a second recovery only replays the outcome
	_, err = fx.saga.Recover(ctx, "attempt-1")
	assert.True(t, stderrors.Is(err, errors.ErrTransactionFailed))
	assert.True(t, dec("100.00").Equal(fx.wallet(t, w.ID).AvailableBalance))
}

func TestRecoverFinishesInterruptedSaga(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	w := fx.fund(t, "buyer-1", "100.00")
	product := fx.addProduct("40.00", 5, true)

	rec := &domain.PurchaseSagaRecord{
		AttemptID: "attempt-1",
		BuyerID:   "buyer-1",
		ProductID: product.ID,
		Amount:    product.Price,
		Currency:  "USD",
		State:     domain.SagaInitiated,
	}
	require.NoError(t, fx.store.Sagas().CreateSaga(ctx, rec))
	require.NoError(t, fx.saga.reserveFunds(ctx, rec, w, &product))
	require.NoError(t, fx.saga.createOrder(ctx, rec))
	variant, err := fx.store.Catalog().FirstVariant(ctx, product.ID)
	require.NoError(t, err)
	require.NoError(t, fx.saga.createItem(ctx, rec, &product, variant))

	result, err := fx.saga.Recover(ctx, "attempt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompleted, result.State)
	assert.Equal(t, rec.OrderID, result.OrderID)

	assert.Equal(t, 4, fx.stock(t, product.ID))
	assert.True(t, dec("60.00").Equal(fx.wallet(t, w.ID).AvailableBalance))
	fx.reconciled(t, w.ID)
}

func TestRecoverCompensatesReservedFunds(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	w := fx.fund(t, "buyer-1", "100.00")
	product := fx.addProduct("40.00", 5, true)

	rec := &domain.PurchaseSagaRecord{
		AttemptID: "attempt-1",
		BuyerID:   "buyer-1",
		ProductID: product.ID,
		Amount:    product.Price,
		Currency:  "USD",
		State:     domain.SagaInitiated,
	}
	require.NoError(t, fx.store.Sagas().CreateSaga(ctx, rec))
	require.NoError(t, fx.saga.reserveFunds(ctx, rec, w, &product))
	assert.True(t, dec("60.00").Equal(fx.wallet(t, w.ID).AvailableBalance))

	_, err := fx.saga.Recover(ctx, "attempt-1")
	assert.True(t, stderrors.Is(err, errors.ErrTransactionFailed))

	stored, err := fx.mem.Sagas().GetSaga(ctx, "attempt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompensated, stored.State)
	assert.True(t, dec("100.00").Equal(fx.wallet(t, w.ID).AvailableBalance))
	fx.reconciled(t, w.ID)
}

func TestRecoverAbortsAttemptThatNeverPaid(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	product := fx.addProduct("40.00", 5, true)
	require.NoError(t, fx.mem.Sagas().CreateSaga(ctx, &domain.PurchaseSagaRecord{
		AttemptID: "attempt-1",
		BuyerID:   "buyer-1",
		ProductID: product.ID,
		State:     domain.SagaInitiated,
	}))

	_, err := fx.saga.Recover(ctx, "attempt-1")
	assert.True(t, stderrors.Is(err, errors.ErrTransactionFailed))

	rec, err := fx.mem.Sagas().GetSaga(ctx, "attempt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaAborted, rec.State)

	_, err = fx.saga.Recover(ctx, "missing")
	assert.True(t, stderrors.Is(err, errors.ErrSagaNotFound))
}

func TestFinalizeFailureIsRecoverable(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	w := fx.fund(t, "buyer-1", "100.00")
	product := fx.addProduct("40.00", 5, true)
	fx.faults.set(func(f *faults) {
		f.sagaState = domain.SagaCompleted
		f.sagaErr = stderrors.New("connection reset")
	})

	result, err := fx.saga.Purchase(ctx, PurchaseRequest{AttemptID: "attempt-1", BuyerID: "buyer-1", ProductID: product.ID.String()})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, domain.SagaStockDecremented, result.State)
	assert.Contains(t, fx.alerter.Reasons(), AlertFinalizeFailed)

	row, err := fx.wallets.GetTransaction(ctx, *result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, row.Status)
	fx.reconciled(t, w.ID)

	fx.faults.reset()

	result, err = fx.saga.Recover(ctx, "attempt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompleted, result.State)

	row, err = fx.wallets.GetTransaction(ctx, *result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, row.Status)
	assert.True(t, dec("60.00").Equal(fx.wallet(t, w.ID).AvailableBalance))
	assert.Equal(t, 4, fx.stock(t, product.ID))
	fx.reconciled(t, w.ID)
}

func TestGetOrderHidesOtherBuyers(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.fund(t, "buyer-1", "100.00")
	product := fx.addProduct("40.00", 5, true)

	result, err := fx.saga.Purchase(ctx, PurchaseRequest{BuyerID: "buyer-1", ProductID: product.ID.String()})
	require.NoError(t, err)

	_, err = fx.saga.GetOrder(ctx, result.OrderID.String(), "buyer-2")
	assert.True(t, stderrors.Is(err, errors.ErrOrderNotFound))

	_, err = fx.saga.GetOrder(ctx, "nope", "buyer-1")
	assert.Equal(t, errors.ValidationError, errors.CodeOf(err))

	_, err = fx.saga.GetOrder(ctx, result.OrderID.String(), " ")
	assert.Equal(t, errors.ValidationError, errors.CodeOf(err))
}

func TestRecoverRefusesRecentlyActiveAttempt(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	w := fx.fund(t, "buyer-1", "100.00")
	product := fx.addProduct("40.00", 5, true)
	fx.saga.recoveryWindow = time.Minute

	rec := &domain.PurchaseSagaRecord{
		AttemptID: "attempt-1",
		BuyerID:   "buyer-1",
		ProductID: product.ID,
		Amount:    product.Price,
		Currency:  "USD",
		State:     domain.SagaInitiated,
	}
	require.NoError(t, fx.store.Sagas().CreateSaga(ctx, rec))
	require.NoError(t, fx.saga.reserveFunds(ctx, rec, w, &product))

	_, err := fx.saga.Recover(ctx, "attempt-1")
	assert.Equal(t, errors.PurchaseInProgress, errors.CodeOf(err))

	stored, err := fx.mem.Sagas().GetSaga(ctx, "attempt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaFundsReserved, stored.State)
	assert.True(t, dec("60.00").Equal(fx.wallet(t, w.ID).AvailableBalance))

	fx.saga.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = fx.saga.Recover(ctx, "attempt-1")
	assert.True(t, stderrors.Is(err, errors.ErrTransactionFailed))
	assert.True(t, dec("100.00").Equal(fx.wallet(t, w.ID).AvailableBalance))
	fx.reconciled(t, w.ID)
}

func TestRecoverDuringLivePurchaseIsRefused(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	w := fx.fund(t, "buyer-1", "100.00")
	product := fx.addProduct("40.00", 5, true)
	fx.saga.recoveryWindow = time.Minute

	var recoverErr error
	fx.faults.set(func(f *faults) {
		f.beforeCreateOrder = func() {
			_, recoverErr = fx.saga.Recover(ctx, "attempt-1")
		}
	})

	result, err := fx.saga.Purchase(ctx, PurchaseRequest{AttemptID: "attempt-1", BuyerID: "buyer-1", ProductID: product.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompleted, result.State)
	assert.Equal(t, errors.PurchaseInProgress, errors.CodeOf(recoverErr))

	assert.Empty(t, fx.alerter.Reasons())
	assert.NotContains(t, fx.notifier.Kinds(), domain.NotifyPurchaseCompensated)
	assert.True(t, dec("60.00").Equal(fx.wallet(t, w.ID).AvailableBalance))
	assert.Equal(t, 4, fx.stock(t, product.ID))
	fx.reconciled(t, w.ID)
}

func TestRecoverRacingLivePurchaseAppliesStepsOnce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	w := fx.fund(t, "buyer-1", "100.00")
	product := fx.addProduct("40.00", 5, true)

	var recovered *PurchaseResult
	fx.faults.set(func(f *faults) {
		f.beforeFirstVariant = func() {
			var err error
			recovered, err = fx.saga.Recover(ctx, "attempt-1")
			require.NoError(t, err)
		}
	})

	result, err := fx.saga.Purchase(ctx, PurchaseRequest{AttemptID: "attempt-1", BuyerID: "buyer-1", ProductID: product.ID.String()})
	require.NoError(t, err)
	require.NotNil(t, recovered)
	assert.Equal(t, domain.SagaCompleted, recovered.State)
	assert.Equal(t, domain.SagaCompleted, result.State)
	assert.Equal(t, recovered.OrderID, result.OrderID)

	order, err := fx.saga.GetOrder(ctx, result.OrderID.String(), "buyer-1")
	require.NoError(t, err)
	assert.Len(t, order.Items, 1)
	assert.Equal(t, domain.OrderStatusCompleted, order.Status)

	assert.Empty(t, fx.alerter.Reasons())
	assert.Equal(t, 4, fx.stock(t, product.ID))
	assert.True(t, dec("60.00").Equal(fx.wallet(t, w.ID).AvailableBalance))
	fx.reconciled(t, w.ID)
}

func TestRecoverReplaysCompletedAttempt(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.fund(t, "buyer-1", "100.00")
	product := fx.addProduct("40.00", 5, true)

	first, err := fx.saga.Purchase(ctx, PurchaseRequest{AttemptID: "attempt-1", BuyerID: "buyer-1", ProductID: product.ID.String()})
	require.NoError(t, err)

	again, err := fx.saga.Recover(ctx, "attempt-1")
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, again.OrderID)
	assert.Empty(t, fx.alerter.Reasons())
	assert.Empty(t, fx.scheduler.Jobs())
	assert.Equal(t, 4, fx.stock(t, product.ID))
}

func TestStaleSagaWriterLosesTransition(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	w := fx.fund(t, "buyer-1", "100.00")
	product := fx.addProduct("40.00", 5, true)

	rec := &domain.PurchaseSagaRecord{
		AttemptID: "attempt-1",
		BuyerID:   "buyer-1",
		ProductID: product.ID,
		Amount:    product.Price,
		Currency:  "USD",
		State:     domain.SagaInitiated,
	}
	require.NoError(t, fx.store.Sagas().CreateSaga(ctx, rec))
	require.NoError(t, fx.saga.reserveFunds(ctx, rec, w, &product))

	stale := *rec
	_, err := fx.saga.advance(ctx, rec, &product)
	require.NoError(t, err)

	// a driver still holding FUNDS_RESERVED must not compensate a completed purchase
	result, err := fx.saga.compensate(ctx, &stale, errors.ErrTransactionFailed)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompleted, result.State)

	assert.Empty(t, fx.alerter.Reasons())
	assert.True(t, dec("60.00").Equal(fx.wallet(t, w.ID).AvailableBalance))
	fx.reconciled(t, w.ID)
}
