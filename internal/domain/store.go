package domain

import "context"

// Store hands out repositories bound to one executor. Repositories obtained
// inside WithTransaction share that transaction.
type Store interface {
	Wallets() WalletRepository
	Transactions() TransactionRepository
	Orders() OrderRepository
	Catalog() CatalogRepository
	Sagas() SagaRepository
	WithTransaction(ctx context.Context, fn func(Store) error) error
	Ping(ctx context.Context) error
}
