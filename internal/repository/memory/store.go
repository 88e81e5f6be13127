// Package memory implements the store ports in process memory. Writes are
// serialized store-wide and WithTransaction restores a snapshot on error, so the
// adapter honours the same atomicity the Postgres store gives the services.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"marketplace-ledger/internal/domain"
)

type state struct {
	txMu sync.Mutex
	mu   sync.Mutex

	wallets       map[uuid.UUID]domain.Wallet
	walletByOwner map[string]uuid.UUID
	transactions  map[uuid.UUID]domain.Transaction
	txOrder       []uuid.UUID
	idempotency   map[string]uuid.UUID
	orders        map[uuid.UUID]domain.Order
	orderItems    map[uuid.UUID][]domain.OrderItem
	products      map[uuid.UUID]domain.Product
	variants      map[uuid.UUID][]domain.ProductVariant
	sagas         map[string]domain.PurchaseSagaRecord
}

func newState() *state {
	return &state{
		wallets:       make(map[uuid.UUID]domain.Wallet),
		walletByOwner: make(map[string]uuid.UUID),
		transactions:  make(map[uuid.UUID]domain.Transaction),
		idempotency:   make(map[string]uuid.UUID),
		orders:        make(map[uuid.UUID]domain.Order),
		orderItems:    make(map[uuid.UUID][]domain.OrderItem),
		products:      make(map[uuid.UUID]domain.Product),
		variants:      make(map[uuid.UUID][]domain.ProductVariant),
		sagas:         make(map[string]domain.PurchaseSagaRecord),
	}
}

// clone copies every table; callers hold mu.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.walletByOwner {
		c.walletByOwner[k] = v
	}
	for k, v := range s.transactions {
		v.Metadata = copyMeta(v.Metadata)
		c.transactions[k] = v
	}
	c.txOrder = append([]uuid.UUID(nil), s.txOrder...)
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.orderItems {
		c.orderItems[k] = append([]domain.OrderItem(nil), v...)
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.variants {
		c.variants[k] = append([]domain.ProductVariant(nil), v...)
	}
	for k, v := range s.sagas {
		c.sagas[k] = v
	}
	return c
}

// restore swaps the tables of snap back in; callers hold mu.
func (s *state) restore(snap *state) {
	s.wallets = snap.wallets
	s.walletByOwner = snap.walletByOwner
	s.transactions = snap.transactions
	s.txOrder = snap.txOrder
	s.idempotency = snap.idempotency
	s.orders = snap.orders
	s.orderItems = snap.orderItems
	s.products = snap.products
	s.variants = snap.variants
	s.sagas = snap.sagas
}

type Store struct {
	st   *state
	inTx bool
}

var _ domain.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{st: newState()}
}

// write serializes a mutation against running transactions and returns the
// matching unlock.
func (s *Store) write() func() {
	if !s.inTx {
		s.st.txMu.Lock()
	}
	s.st.mu.Lock()
	return func() {
		s.st.mu.Unlock()
		if !s.inTx {
			s.st.txMu.Unlock()
		}
	}
}

func (s *Store) read() func() {
	s.st.mu.Lock()
	return s.st.mu.Unlock
}

func (s *Store) Wallets() domain.WalletRepository           { return &walletRepository{s} }
func (s *Store) Transactions() domain.TransactionRepository { return &transactionRepository{s} }
func (s *Store) Orders() domain.OrderRepository             { return &orderRepository{s} }
func (s *Store) Catalog() domain.CatalogRepository          { return &catalogRepository{s} }
func (s *Store) Sagas() domain.SagaRepository               { return &sagaRepository{s} }

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) WithTransaction(ctx context.Context, fn func(domain.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.st.txMu.Lock()
	defer s.st.txMu.Unlock()

	s.st.mu.Lock()
	snap := s.st.clone()
	s.st.mu.Unlock()

	txStore := &Store{st: s.st, inTx: true}

	defer func() {
		if p := recover(); p != nil {
			s.st.mu.Lock()
			s.st.restore(snap)
			s.st.mu.Unlock()
			panic(p)
		}
	}()

	if err := fn(txStore); err != nil {
		s.st.mu.Lock()
		s.st.restore(snap)
		s.st.mu.Unlock()
		return err
	}
	return nil
}

// AddProduct seeds the catalog.
func (s *Store) AddProduct(p domain.Product, variants ...domain.ProductVariant) {
	defer s.write()()
	if len(p.DigitalContent) > 0 {
		p.DigitalContent = append([]byte(nil), p.DigitalContent...)
	}
	s.st.products[p.ID] = p
	s.st.variants[p.ID] = append(s.st.variants[p.ID], variants...)
}

func copyMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
