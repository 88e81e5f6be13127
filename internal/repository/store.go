package repository

import (
	"context"
	"fmt"
	"log/slog"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/errors"
)

// Store provides a unified interface for all repository operations with transaction support
type Store struct {
	db       DB
	executor SQLExecutor
	inTx     bool
	logger   *slog.Logger
}

var _ domain.Store = (*Store)(nil)

// NewStore creates a new Store instance
func NewStore(db DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:       db,
		executor: db,
		logger:   logger,
	}
}

func (s *Store) Wallets() domain.WalletRepository {
	return NewWalletRepository(s.executor, s.logger)
}

func (s *Store) Transactions() domain.TransactionRepository {
	return NewTransactionRepository(s.executor, s.logger)
}

func (s *Store) Orders() domain.OrderRepository {
	return NewOrderRepository(s.executor, s.logger)
}

func (s *Store) Catalog() domain.CatalogRepository {
	return NewCatalogRepository(s.executor, s.logger)
}

func (s *Store) Sagas() domain.SagaRepository {
	return NewSagaRepository(s.executor, s.logger)
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.ErrCannotBeginTransaction
	}
	return s.db.PingContext(ctx)
}

// WithTransaction executes fn within a database transaction. A store that is
// already transactional joins the running transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(domain.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	if s.db == nil {
		return errors.ErrCannotBeginTransaction
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txStore := &Store{
		executor: tx,
		inTx:     true,
		logger:   s.logger,
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to roll back transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
