package service

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/errors"
	"marketplace-ledger/internal/metrics"
)

const inventoryQueueSize = 256

// StockJob is a stock decrement that failed inline and must still happen.
type StockJob struct {
	AttemptID string
	OrderID   uuid.UUID
	ProductID uuid.UUID
	Quantity  int
}

type StockScheduler interface {
	Schedule(job StockJob)
}

// InventoryRetrier applies deferred stock decrements in the background. The
// order behind a job already stands, so a job that cannot be applied is
// escalated instead of compensated.
type InventoryRetrier struct {
	store    domain.Store
	alerter  Alerter
	logger   *slog.Logger
	attempts uint64
	initial  time.Duration

	jobs   chan StockJob
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewInventoryRetrier(store domain.Store, alerter Alerter, logger *slog.Logger, attempts int, initial time.Duration) *InventoryRetrier {
	if attempts < 1 {
		attempts = 1
	}
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &InventoryRetrier{
		store:    store,
		alerter:  alerter,
		logger:   logger,
		attempts: uint64(attempts),
		initial:  initial,
		jobs:     make(chan StockJob, inventoryQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	r.wg.Add(1)
	go r.run()
	return r
}

func (r *InventoryRetrier) Schedule(job StockJob) {
	if r.ctx.Err() != nil {
		r.alerter.Alert(context.Background(), AlertInventoryRetryDropped,
			"attempt_id", job.AttemptID, "product_id", job.ProductID, "reason", "retrier stopped")
		return
	}

	select {
	case r.jobs <- job:
		r.logger.Info("Stock decrement scheduled for retry", "attempt_id", job.AttemptID, "product_id", job.ProductID)
	default:
		r.alerter.Alert(context.Background(), AlertInventoryRetryDropped,
			"attempt_id", job.AttemptID, "product_id", job.ProductID, "reason", "queue full")
	}
}

// Close stops the worker. Jobs still queued are reported as dropped.
func (r *InventoryRetrier) Close() {
	r.once.Do(func() {
		r.cancel()
		r.wg.Wait()

		for {
			select {
			case job := <-r.jobs:
				r.alerter.Alert(context.Background(), AlertInventoryRetryDropped,
					"attempt_id", job.AttemptID, "product_id", job.ProductID, "reason", "shutdown")
			default:
				return
			}
		}
	})
}

func (r *InventoryRetrier) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case job := <-r.jobs:
			r.process(job)
		}
	}
}

// process clears the saga's stock_pending flag and decrements in one
// transaction. A flag that is already clear means another worker applied the
// decrement, so the job is dropped.
func (r *InventoryRetrier) process(job StockJob) {
	owed := true
	op := func() error {
		err := r.store.WithTransaction(r.ctx, func(tx domain.Store) error {
			cleared, err := tx.Sagas().SetStockPending(r.ctx, job.AttemptID, false)
			if err != nil {
				return err
			}
			if owed = cleared; !owed {
				return nil
			}
			return tx.Catalog().DecrementStock(r.ctx, job.ProductID, job.Quantity)
		})
		if stderrors.Is(err, errors.ErrOutOfStock) || stderrors.Is(err, errors.ErrProductNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	b.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, r.attempts), r.ctx))
	if err != nil {
		metrics.InventoryRetries.WithLabelValues("exhausted").Inc()
		r.alerter.Alert(r.ctx, AlertInventoryRetryExhausted,
			"attempt_id", job.AttemptID,
			"order_id", job.OrderID,
			"product_id", job.ProductID,
			"error", err)
		return
	}
	if !owed {
		r.logger.Info("Stock decrement already applied", "attempt_id", job.AttemptID)
		return
	}

	metrics.InventoryRetries.WithLabelValues("succeeded").Inc()
	r.logger.Info("Deferred stock decrement applied", "attempt_id", job.AttemptID, "product_id", job.ProductID)
}
