package service

import (
	"context"
	stderrors "errors"
	"fmt"
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
	finalizeRetries = 5

	DefaultRecoveryWindow = 5 * time.Minute
)

type PurchaseRequest struct {
	AttemptID string
	BuyerID   string
	ProductID string
	Currency  string
}

type PurchaseResult struct {
	Success       bool             `json:"success"`
	AttemptID     string           `json:"attempt_id"`
	OrderID       *uuid.UUID       `json:"order_id,omitempty"`
	TransactionID *uuid.UUID       `json:"transaction_id,omitempty"`
	State         domain.SagaState `json:"state"`
}

// PurchaseSaga runs buy-now purchases paid from the buyer's wallet: debit,
// order, line item, stock. Every transition is a compare-and-set on the saga
// record, so an interrupted attempt can be resumed or compensated by Recover
// and two drivers never both apply the same step.
type PurchaseSaga struct {
	store          domain.Store
	wallets        *WalletService
	inventory      StockScheduler
	notifier       domain.Notifier
	alerter        Alerter
	logger         *slog.Logger
	recoveryWindow time.Duration
	now            func() time.Time
}

func NewPurchaseSaga(
	store domain.Store,
	wallets *WalletService,
	inventory StockScheduler,
	notifier domain.Notifier,
	alerter Alerter,
	logger *slog.Logger,
	recoveryWindow time.Duration,
) *PurchaseSaga {
	return &PurchaseSaga{
		store:          store,
		wallets:        wallets,
		inventory:      inventory,
		notifier:       notifier,
		alerter:        alerter,
		logger:         logger,
		recoveryWindow: recoveryWindow,
		now:            time.Now,
	}
}

func (s *PurchaseSaga) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	start := time.Now()

	productID, err := s.validate(&req)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Processing purchase",
		"attempt_id", req.AttemptID,
		"buyer_id", req.BuyerID,
		"product_id", productID)

	rec := &domain.PurchaseSagaRecord{
		AttemptID: req.AttemptID,
		BuyerID:   req.BuyerID,
		ProductID: productID,
		Amount:    decimal.Zero,
		Currency:  req.Currency,
		State:     domain.SagaInitiated,
	}
	if err := s.store.Sagas().CreateSaga(ctx, rec); err != nil {
		if stderrors.Is(err, errors.ErrDuplicateAttempt) {
			return s.replayAttempt(ctx, req, productID)
		}
		return nil, err
	}

	result, err := s.run(ctx, rec)
	metrics.PurchaseDuration.Observe(time.Since(start).Seconds())
	metrics.PurchasesTotal.WithLabelValues(string(rec.State), rec.ErrorCode).Inc()
	return result, err
}

func (s *PurchaseSaga) validate(req *PurchaseRequest) (uuid.UUID, error) {
	req.BuyerID = strings.TrimSpace(req.BuyerID)
	if req.BuyerID == "" {
		return uuid.Nil, errors.NewAppError(errors.ValidationError, "buyer id is required")
	}

	productID, err := uuid.Parse(req.ProductID)
	if err != nil {
		return uuid.Nil, errors.NewAppError(errors.ValidationError, "product id must be a UUID")
	}

	req.AttemptID = strings.TrimSpace(req.AttemptID)
	if req.AttemptID == "" {
		req.AttemptID = uuid.NewString()
	}

	if req.Currency != "" {
		if req.Currency, err = NormalizeCurrency(req.Currency); err != nil {
			return uuid.Nil, err
		}
	}
	return productID, nil
}

func (s *PurchaseSaga) run(ctx context.Context, rec *domain.PurchaseSagaRecord) (*PurchaseResult, error) {
	product, err := s.store.Catalog().GetProduct(ctx, rec.ProductID)
	if err != nil {
		return s.abort(ctx, rec, err)
	}
	if product.StockQuantity < 1 {
		return s.abort(ctx, rec, errors.ErrOutOfStock)
	}

	currency := product.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	if rec.Currency != "" && rec.Currency != currency {
		return s.abort(ctx, rec, errors.NewAppErrorf(errors.ValidationError, "product is priced in %s", currency))
	}
	rec.Currency = currency
	rec.Amount = product.Price

	wallet, err := s.wallets.GetOrCreateWallet(ctx, rec.BuyerID, currency)
	if err != nil {
		return s.abort(ctx, rec, err)
	}
	if wallet.AvailableBalance.LessThan(product.Price) {
		return s.abort(ctx, rec, errors.ErrInsufficientFunds)
	}

	if err := s.reserveFunds(ctx, rec, wallet, product); err != nil {
		if stderrors.Is(err, errors.ErrSagaConflict) {
			return s.superseded(ctx, rec)
		}
		if errors.CodeOf(err) == errors.InternalError {
			err = errors.ErrTransactionFailed.WithDetails(err.Error())
		}
		return s.abort(ctx, rec, err)
	}

	// Money has left the wallet; the rest runs to a terminal state even if the
	// caller goes away.
	return s.advance(context.WithoutCancel(ctx), rec, product)
}

func (s *PurchaseSaga) reserveFunds(ctx context.Context, rec *domain.PurchaseSagaRecord, wallet *domain.Wallet, product *domain.Product) error {
	next := *rec
	next.WalletID = &wallet.ID
	next.State = domain.SagaFundsReserved

	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		if err := tx.Sagas().UpdateSaga(ctx, &next, rec.State); err != nil {
			return err
		}
		row, err := s.wallets.Bind(tx).Post(ctx, LedgerEntry{
			WalletID:       wallet.ID,
			OwnerID:        rec.BuyerID,
			Type:           domain.TransactionPurchase,
			Amount:         product.Price.Neg(),
			Currency:       rec.Currency,
			Status:         domain.StatusPending,
			IdempotencyKey: rec.AttemptID,
			Metadata: map[string]string{
				domain.MetaAttemptID:   rec.AttemptID,
				domain.MetaProductID:   product.ID.String(),
				domain.MetaDescription: "Purchase: " + product.Title,
			},
		})
		if err != nil {
			return err
		}

		next.TransactionID = &row.ID
		return tx.Sagas().UpdateSaga(ctx, &next, next.State)
	})
	if err != nil {
		return err
	}

	*rec = next
	s.logger.Info("Funds reserved", "attempt_id", rec.AttemptID, "transaction_id", rec.TransactionID, "amount", rec.Amount)
	return nil
}

// advance drives the saga forward from whichever post-debit state rec is in.
func (s *PurchaseSaga) advance(ctx context.Context, rec *domain.PurchaseSagaRecord, product *domain.Product) (*PurchaseResult, error) {
	if rec.State == domain.SagaFundsReserved {
		if err := s.createOrder(ctx, rec); err != nil {
			if stderrors.Is(err, errors.ErrSagaConflict) {
				return s.superseded(ctx, rec)
			}
			s.logger.Error("Failed to create order", "attempt_id", rec.AttemptID, "error", err)
			return s.compensate(ctx, rec, errors.ErrTransactionFailed.WithDetails(err.Error()))
		}
	}

	if rec.State == domain.SagaOrderCreated {
		variant, err := s.store.Catalog().FirstVariant(ctx, product.ID)
		if err != nil {
			return s.compensate(ctx, rec, errors.ErrTransactionFailed.WithDetails(err.Error()))
		}
		if variant == nil {
			s.logger.Error("Product has no variant", "attempt_id", rec.AttemptID, "product_id", product.ID)
			return s.compensate(ctx, rec, errors.ErrNoVariant)
		}
		if err := s.createItem(ctx, rec, product, variant); err != nil {
			if stderrors.Is(err, errors.ErrSagaConflict) {
				return s.superseded(ctx, rec)
			}
			s.logger.Error("Failed to create order item", "attempt_id", rec.AttemptID, "error", err)
			return s.compensate(ctx, rec, errors.ErrTransactionFailed.WithDetails(err.Error()))
		}
	}

	if rec.State == domain.SagaItemCreated {
		if err := s.decrementStock(ctx, rec); err != nil {
			if stderrors.Is(err, errors.ErrSagaConflict) {
				return s.superseded(ctx, rec)
			}
			// the order stands; Recover retries the decrement
			s.alerter.Alert(ctx, AlertPurchaseStalled,
				"attempt_id", rec.AttemptID,
				"order_id", rec.OrderID,
				"state", rec.State,
				"error", err)
			return successResult(rec), nil
		}
	}

	if rec.State == domain.SagaStockDecremented {
		if err := s.finalize(ctx, rec); stderrors.Is(err, errors.ErrSagaConflict) {
			return s.superseded(ctx, rec)
		}
	}

	s.notifier.Notify(ctx, domain.Notification{
		Kind:          domain.NotifyPurchaseCompleted,
		OwnerID:       rec.BuyerID,
		WalletID:      uuidString(rec.WalletID),
		TransactionID: uuidString(rec.TransactionID),
		OrderID:       uuidString(rec.OrderID),
		Status:        string(rec.State),
		Amount:        rec.Amount,
		Currency:      rec.Currency,
		OccurredAt:    time.Now().UTC(),
	})

	s.logger.Info("Purchase completed", "attempt_id", rec.AttemptID, "order_id", rec.OrderID, "state", rec.State)
	return successResult(rec), nil
}

func (s *PurchaseSaga) createOrder(ctx context.Context, rec *domain.PurchaseSagaRecord) error {
	order := &domain.Order{
		ID:            uuid.New(),
		BuyerID:       rec.BuyerID,
		TotalAmount:   rec.Amount,
		Currency:      rec.Currency,
		Status:        domain.OrderStatusCompleted,
		PaymentStatus: domain.PaymentStatusPaid,
		PaymentMethod: domain.PaymentMethodWallet,
	}

	next := *rec
	next.OrderID = &order.ID
	next.State = domain.SagaOrderCreated

	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		if err := tx.Sagas().UpdateSaga(ctx, &next, rec.State); err != nil {
			return err
		}
		return tx.Orders().CreateOrder(ctx, order)
	})
	if err != nil {
		return err
	}
	*rec = next
	return nil
}

func (s *PurchaseSaga) createItem(ctx context.Context, rec *domain.PurchaseSagaRecord, product *domain.Product, variant *domain.ProductVariant) error {
	item := &domain.OrderItem{
		ID:                      uuid.New(),
		OrderID:                 *rec.OrderID,
		ProductID:               product.ID,
		VariantID:               variant.ID,
		SellerID:                product.SellerID,
		Quantity:                1,
		UnitPrice:               rec.Amount,
		TotalPrice:              rec.Amount,
		DeliveryStatus:          domain.DeliveryStatusCompleted,
		DigitalContentDelivered: product.DigitalContent,
	}

	next := *rec
	next.State = domain.SagaItemCreated

	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		if err := tx.Sagas().UpdateSaga(ctx, &next, rec.State); err != nil {
			return err
		}
		return tx.Orders().CreateOrderItem(ctx, item)
	})
	if err != nil {
		return err
	}
	*rec = next
	return nil
}

// decrementStock hands a decrement that cannot be applied now to the
// inventory retrier. The debt is recorded on the saga in the same transaction
// as the state change, so Recover can reschedule it after a restart.
func (s *PurchaseSaga) decrementStock(ctx context.Context, rec *domain.PurchaseSagaRecord) error {
	next := *rec
	next.State = domain.SagaStockDecremented

	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		if err := tx.Sagas().UpdateSaga(ctx, &next, rec.State); err != nil {
			return err
		}
		return tx.Catalog().DecrementStock(ctx, rec.ProductID, 1)
	})
	if err == nil {
		*rec = next
		return nil
	}
	if stderrors.Is(err, errors.ErrSagaConflict) {
		return err
	}

	s.logger.Warn("Stock decrement failed, deferring", "attempt_id", rec.AttemptID, "product_id", rec.ProductID, "error", err)
	err = s.store.WithTransaction(ctx, func(tx domain.Store) error {
		if err := tx.Sagas().UpdateSaga(ctx, &next, rec.State); err != nil {
			return err
		}
		_, err := tx.Sagas().SetStockPending(ctx, rec.AttemptID, true)
		return err
	})
	if err != nil {
		return err
	}

	next.StockPending = true
	*rec = next
	s.inventory.Schedule(stockJob(rec))
	return nil
}

// finalize settles the purchase row. On failure the order stands and the saga
// is left at STOCK_DECREMENTED for Recover.
func (s *PurchaseSaga) finalize(ctx context.Context, rec *domain.PurchaseSagaRecord) error {
	next := *rec
	next.State = domain.SagaCompleted

	op := func() error {
		err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
			if err := tx.Sagas().UpdateSaga(ctx, &next, rec.State); err != nil {
				return err
			}
			row, _, err := s.wallets.Bind(tx).Settle(ctx, *rec.TransactionID, domain.StatusCompleted, map[string]string{
				domain.MetaOrderID:     rec.OrderID.String(),
				domain.MetaCompletedAt: time.Now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				return err
			}
			if row.Status != domain.StatusCompleted {
				return backoff.Permanent(errors.ErrInvalidStatusTransition.WithDetails("purchase row is " + string(row.Status)))
			}
			return nil
		})
		if stderrors.Is(err, errors.ErrSagaConflict) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	err := backoff.Retry(op, backoff.WithMaxRetries(b, finalizeRetries))
	if err == nil {
		*rec = next
		return nil
	}
	if !stderrors.Is(err, errors.ErrSagaConflict) {
		s.alerter.Alert(ctx, AlertFinalizeFailed,
			"attempt_id", rec.AttemptID,
			"transaction_id", rec.TransactionID,
			"order_id", rec.OrderID,
			"error", err)
	}
	return err
}

// compensate refunds the debit and cancels the order, if any, in one store
// transaction. cause is what the caller receives once compensation is done.
func (s *PurchaseSaga) compensate(ctx context.Context, rec *domain.PurchaseSagaRecord, cause error) (*PurchaseResult, error) {
	from := rec.State
	if from != domain.SagaCompensating {
		marked := *rec
		marked.State = domain.SagaCompensating
		marked.ErrorCode = string(errors.CodeOf(cause))
		err := s.store.Sagas().UpdateSaga(ctx, &marked, from)
		switch {
		case err == nil:
			*rec = marked
			from = domain.SagaCompensating
		case stderrors.Is(err, errors.ErrSagaConflict):
			return s.superseded(ctx, rec)
		default:
			s.logger.Error("Failed to persist saga state", "attempt_id", rec.AttemptID, "state", marked.State, "error", err)
			rec.ErrorCode = marked.ErrorCode
		}
	}

	s.logger.Warn("Compensating purchase", "attempt_id", rec.AttemptID, "amount", rec.Amount, "cause", cause)

	next := *rec
	next.State = domain.SagaCompensated
	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		if err := tx.Sagas().UpdateSaga(ctx, &next, from); err != nil {
			return err
		}
		refundID, err := s.refund(ctx, tx, rec, cause)
		if err != nil {
			return err
		}
		if rec.OrderID != nil {
			if err := tx.Orders().UpdateOrderStatus(ctx, *rec.OrderID, domain.OrderStatusCancelled, domain.PaymentStatusRefunded); err != nil {
				return err
			}
		}
		next.RefundTransactionID = &refundID
		return tx.Sagas().UpdateSaga(ctx, &next, next.State)
	})
	if stderrors.Is(err, errors.ErrSagaConflict) {
		return s.superseded(ctx, rec)
	}
	if err != nil {
		metrics.CompensationsTotal.WithLabelValues("failed").Inc()
		metrics.CompensationFailures.Inc()
		s.alerter.Alert(ctx, AlertCompensationFailed,
			"attempt_id", rec.AttemptID,
			"wallet_id", rec.WalletID,
			"transaction_id", rec.TransactionID,
			"amount", rec.Amount,
			"error", err)
		return nil, errors.ErrCompensationFailed.WithDetails(err.Error())
	}

	*rec = next
	metrics.CompensationsTotal.WithLabelValues("succeeded").Inc()

	s.notifier.Notify(ctx, domain.Notification{
		Kind:          domain.NotifyPurchaseCompensated,
		OwnerID:       rec.BuyerID,
		WalletID:      uuidString(rec.WalletID),
		TransactionID: uuidString(rec.RefundTransactionID),
		OrderID:       uuidString(rec.OrderID),
		Status:        string(rec.State),
		Amount:        rec.Amount,
		Currency:      rec.Currency,
		OccurredAt:    time.Now().UTC(),
	})
	return nil, cause
}

// refund appends the offsetting row, credits the wallet and fails the purchase
// row. Running it twice for one attempt is a no-op.
func (s *PurchaseSaga) refund(ctx context.Context, tx domain.Store, rec *domain.PurchaseSagaRecord, cause error) (uuid.UUID, error) {
	purchase, err := tx.Transactions().GetTransactionByID(ctx, *rec.TransactionID)
	if err != nil {
		return uuid.Nil, err
	}

	refundKey := rec.AttemptID + ":refund"
	refund, err := tx.Transactions().GetTransactionByIdempotencyKey(ctx, refundKey)
	if err != nil {
		return uuid.Nil, err
	}
	if refund == nil {
		refund, err = s.wallets.Bind(tx).Post(ctx, LedgerEntry{
			WalletID:       purchase.WalletID,
			OwnerID:        purchase.OwnerID,
			Type:           domain.TransactionRefund,
			Amount:         purchase.Amount.Neg(),
			Currency:       purchase.Currency,
			Status:         domain.StatusCompleted,
			IdempotencyKey: refundKey,
			ReferenceID:    &purchase.ID,
			Metadata: map[string]string{
				domain.MetaAttemptID:   rec.AttemptID,
				domain.MetaDescription: "Refund for failed purchase",
			},
		})
		if err != nil {
			return uuid.Nil, err
		}
	}

	ok, err := tx.Transactions().TransitionStatus(ctx, purchase.ID, domain.StatusPending, domain.StatusFailed, map[string]string{
		domain.MetaFailureReason: errors.AsAppError(cause).Message,
	})
	if err != nil {
		return uuid.Nil, err
	}
	if !ok {
		current, err := tx.Transactions().GetTransactionByID(ctx, purchase.ID)
		if err != nil {
			return uuid.Nil, err
		}
		if current.Status != domain.StatusFailed {
			return uuid.Nil, errors.ErrInvalidStatusTransition.WithDetails("purchase row is " + string(current.Status))
		}
	}
	return refund.ID, nil
}

func (s *PurchaseSaga) abort(ctx context.Context, rec *domain.PurchaseSagaRecord, cause error) (*PurchaseResult, error) {
	next := *rec
	next.State = domain.SagaAborted
	next.ErrorCode = string(errors.CodeOf(cause))

	err := s.store.Sagas().UpdateSaga(context.WithoutCancel(ctx), &next, rec.State)
	if stderrors.Is(err, errors.ErrSagaConflict) {
		return s.superseded(ctx, rec)
	}
	if err != nil {
		s.logger.Error("Failed to persist saga state", "attempt_id", rec.AttemptID, "state", next.State, "error", err)
	}
	*rec = next
	s.logger.Info("Purchase aborted", "attempt_id", rec.AttemptID, "buyer_id", rec.BuyerID, "code", rec.ErrorCode)
	return nil, cause
}

func (s *PurchaseSaga) replayAttempt(ctx context.Context, req PurchaseRequest, productID uuid.UUID) (*PurchaseResult, error) {
	rec, err := s.store.Sagas().GetSaga(ctx, req.AttemptID)
	if err != nil {
		return nil, err
	}
	if rec.BuyerID != req.BuyerID || rec.ProductID != productID {
		return nil, errors.NewAppError(errors.ValidationError, "attempt id was used for a different purchase")
	}
	s.logger.Info("Replaying purchase attempt", "attempt_id", rec.AttemptID, "state", rec.State)
	return replay(rec)
}

// superseded reports what another driver made of an attempt after rec lost a
// state transition to it.
func (s *PurchaseSaga) superseded(ctx context.Context, rec *domain.PurchaseSagaRecord) (*PurchaseResult, error) {
	current, err := s.store.Sagas().GetSaga(context.WithoutCancel(ctx), rec.AttemptID)
	if err != nil {
		return nil, err
	}
	s.logger.Warn("Purchase attempt advanced by another driver",
		"attempt_id", rec.AttemptID, "expected", rec.State, "found", current.State)
	*rec = *current
	return replay(current)
}

// replay reports the outcome already recorded for an attempt.
func replay(rec *domain.PurchaseSagaRecord) (*PurchaseResult, error) {
	switch rec.State {
	case domain.SagaCompleted, domain.SagaStockDecremented:
		return successResult(rec), nil
	case domain.SagaAborted, domain.SagaCompensated:
		return nil, errorForCode(rec.ErrorCode)
	default:
		return nil, errors.ErrPurchaseInProgress
	}
}

// Recover resumes or compensates an attempt left in a non-terminal state.
// Attempts that progressed within the recovery window are presumed live and
// refused. A stock decrement still owed by the attempt is rescheduled.
func (s *PurchaseSaga) Recover(ctx context.Context, attemptID string) (*PurchaseResult, error) {
	rec, err := s.store.Sagas().GetSaga(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if rec.State.Terminal() {
		s.rescheduleStock(rec)
		return replay(rec)
	}
	if idle := s.now().Sub(rec.UpdatedAt); idle < s.recoveryWindow {
		return nil, errors.ErrPurchaseInProgress.WithDetails(
			fmt.Sprintf("last progress %s ago, recovery allowed after %s", idle.Round(time.Second), s.recoveryWindow))
	}

	ctx = context.WithoutCancel(ctx)
	s.logger.Info("Recovering purchase attempt", "attempt_id", attemptID, "state", rec.State)
	s.rescheduleStock(rec)

	if rec.State == domain.SagaInitiated {
		row, err := s.store.Transactions().GetTransactionByIdempotencyKey(ctx, attemptID)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return s.abort(ctx, rec, errors.ErrTransactionFailed.WithDetails("purchase interrupted before payment"))
		}

		next := *rec
		next.WalletID = &row.WalletID
		next.TransactionID = &row.ID
		next.Amount = row.Amount.Neg()
		next.Currency = row.Currency
		next.State = domain.SagaFundsReserved
		if err := s.store.Sagas().UpdateSaga(ctx, &next, rec.State); err != nil {
			if stderrors.Is(err, errors.ErrSagaConflict) {
				return s.superseded(ctx, rec)
			}
			return nil, err
		}
		*rec = next
	}

	switch rec.State {
	case domain.SagaFundsReserved:
		return s.compensate(ctx, rec, errors.ErrTransactionFailed.WithDetails("purchase interrupted before order"))
	case domain.SagaCompensating:
		return s.compensate(ctx, rec, errorForCode(rec.ErrorCode))
	}

	product, err := s.store.Catalog().GetProduct(ctx, rec.ProductID)
	if err != nil {
		return nil, err
	}
	return s.advance(ctx, rec, product)
}

func (s *PurchaseSaga) rescheduleStock(rec *domain.PurchaseSagaRecord) {
	if !rec.StockPending || rec.OrderID == nil {
		return
	}
	s.logger.Info("Rescheduling owed stock decrement", "attempt_id", rec.AttemptID, "product_id", rec.ProductID)
	s.inventory.Schedule(stockJob(rec))
}

func stockJob(rec *domain.PurchaseSagaRecord) StockJob {
	return StockJob{
		AttemptID: rec.AttemptID,
		OrderID:   *rec.OrderID,
		ProductID: rec.ProductID,
		Quantity:  1,
	}
}

// GetOrder returns an order with its items, scoped to its buyer. A buyer id
// that does not own the order is treated as not found.
func (s *PurchaseSaga) GetOrder(ctx context.Context, orderID, buyerID string) (*domain.Order, error) {
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return nil, errors.NewAppError(errors.ValidationError, "buyer id is required")
	}
	id, err := uuid.Parse(orderID)
	if err != nil {
		return nil, errors.NewAppError(errors.ValidationError, "order id must be a UUID")
	}

	order, err := s.store.Orders().GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != buyerID {
		return nil, errors.ErrOrderNotFound
	}
	return order, nil
}

func successResult(rec *domain.PurchaseSagaRecord) *PurchaseResult {
	return &PurchaseResult{
		Success:       true,
		AttemptID:     rec.AttemptID,
		OrderID:       rec.OrderID,
		TransactionID: rec.TransactionID,
		State:         rec.State,
	}
}

func errorForCode(code string) error {
	switch errors.ErrorCode(code) {
	case errors.OutOfStock:
		return errors.ErrOutOfStock
	case errors.InsufficientFunds:
		return errors.ErrInsufficientFunds
	case errors.NotFound:
		return errors.ErrProductNotFound
	case errors.ConfigurationError:
		return errors.ErrNoVariant
	case errors.ValidationError:
		return errors.ErrInvalidInput
	default:
		return errors.ErrTransactionFailed
	}
}

func uuidString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
