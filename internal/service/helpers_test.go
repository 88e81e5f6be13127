package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/gateway"
	"marketplace-ledger/internal/gateway/gatewaytest"
	"marketplace-ledger/internal/repository/memory"
)

const testWebhookSecret = "whsec_test"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note domain.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
}

func (n *recordingNotifier) Kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]string, 0, len(n.sent))
	for _, note := range n.sent {
		kinds = append(kinds, note.Kind)
	}
	return kinds
}

type recordingAlerter struct {
	mu      sync.Mutex
	reasons []string
}

func (a *recordingAlerter) Alert(_ context.Context, reason string, _ ...any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reasons = append(a.reasons, reason)
}

func (a *recordingAlerter) Reasons() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.reasons...)
}

type stubScheduler struct {
	mu   sync.Mutex
	jobs []StockJob
}

func (s *stubScheduler) Schedule(job StockJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

func (s *stubScheduler) Jobs() []StockJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StockJob(nil), s.jobs...)
}

type memoryDedup struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func newMemoryDedup() *memoryDedup {
	return &memoryDedup{seen: make(map[string]bool)}
}

func (d *memoryDedup) Seen(_ context.Context, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	return d.seen[eventID], nil
}

func (d *memoryDedup) Remember(_ context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.seen[eventID] = true
	return nil
}

// faults injects errors into the repositories handed out by faultyStore.
type faults struct {
	mu                sync.Mutex
	createOrder       error
	createItem        error
	decrementStock    error
	updateOrderStatus error
	beforeCreateOrder func()
	// beforeFirstVariant runs once, on the next variant lookup.
	beforeFirstVariant func()
	// sagaErr fails UpdateSaga calls that move a saga into sagaState.
	sagaState domain.SagaState
	sagaErr   error
}

func (f *faults) get(field *error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *field
}

func (f *faults) set(fn func(*faults)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *faults) reset() {
	f.set(func(f *faults) {
		f.createOrder = nil
		f.createItem = nil
		f.decrementStock = nil
		f.updateOrderStatus = nil
		f.beforeCreateOrder = nil
		f.beforeFirstVariant = nil
		f.sagaState = ""
		f.sagaErr = nil
	})
}

type faultyStore struct {
	domain.Store
	f *faults
}

func (s *faultyStore) Orders() domain.OrderRepository {
	return &faultyOrders{OrderRepository: s.Store.Orders(), f: s.f}
}

func (s *faultyStore) Catalog() domain.CatalogRepository {
	return &faultyCatalog{CatalogRepository: s.Store.Catalog(), f: s.f}
}

func (s *faultyStore) Sagas() domain.SagaRepository {
	return &faultySagas{SagaRepository: s.Store.Sagas(), f: s.f}
}

func (s *faultyStore) WithTransaction(ctx context.Context, fn func(domain.Store) error) error {
	return s.Store.WithTransaction(ctx, func(tx domain.Store) error {
		return fn(&faultyStore{Store: tx, f: s.f})
	})
}

type faultyOrders struct {
	domain.OrderRepository
	f *faults
}

func (r *faultyOrders) CreateOrder(ctx context.Context, order *domain.Order) error {
	r.f.mu.Lock()
	hook := r.f.beforeCreateOrder
	r.f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err := r.f.get(&r.f.createOrder); err != nil {
		return err
	}
	return r.OrderRepository.CreateOrder(ctx, order)
}

func (r *faultyOrders) CreateOrderItem(ctx context.Context, item *domain.OrderItem) error {
	if err := r.f.get(&r.f.createItem); err != nil {
		return err
	}
	return r.OrderRepository.CreateOrderItem(ctx, item)
}

func (r *faultyOrders) UpdateOrderStatus(ctx context.Context, id uuid.UUID, status, paymentStatus string) error {
	if err := r.f.get(&r.f.updateOrderStatus); err != nil {
		return err
	}
	return r.OrderRepository.UpdateOrderStatus(ctx, id, status, paymentStatus)
}

type faultyCatalog struct {
	domain.CatalogRepository
	f *faults
}

func (r *faultyCatalog) FirstVariant(ctx context.Context, productID uuid.UUID) (*domain.ProductVariant, error) {
	r.f.mu.Lock()
	hook := r.f.beforeFirstVariant
	r.f.beforeFirstVariant = nil
	r.f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return r.CatalogRepository.FirstVariant(ctx, productID)
}

func (r *faultyCatalog) DecrementStock(ctx context.Context, productID uuid.UUID, qty int) error {
	if err := r.f.get(&r.f.decrementStock); err != nil {
		return err
	}
	return r.CatalogRepository.DecrementStock(ctx, productID, qty)
}

type faultySagas struct {
	domain.SagaRepository
	f *faults
}

func (r *faultySagas) UpdateSaga(ctx context.Context, saga *domain.PurchaseSagaRecord, from domain.SagaState) error {
	r.f.mu.Lock()
	state, err := r.f.sagaState, r.f.sagaErr
	r.f.mu.Unlock()
	if err != nil && saga.State == state {
		return err
	}
	return r.SagaRepository.UpdateSaga(ctx, saga, from)
}

type fixture struct {
	mem       *memory.Store
	faults    *faults
	store     domain.Store
	wallets   *WalletService
	saga      *PurchaseSaga
	deposits  *DepositSaga
	confirm   *ConfirmationHandler
	gateway   *gatewaytest.Gateway
	dedup     *memoryDedup
	notifier  *recordingNotifier
	alerter   *recordingAlerter
	scheduler *stubScheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mem := memory.NewStore()
	f := &faults{}
	store := &faultyStore{Store: mem, f: f}
	logger := testLogger()

	fx := &fixture{
		mem:       mem,
		faults:    f,
		store:     store,
		gateway:   gatewaytest.New(),
		dedup:     newMemoryDedup(),
		notifier:  &recordingNotifier{},
		alerter:   &recordingAlerter{},
		scheduler: &stubScheduler{},
	}
	fx.wallets = NewWalletService(store, logger)
	fx.saga = NewPurchaseSaga(store, fx.wallets, fx.scheduler, fx.notifier, fx.alerter, logger, 0)
	fx.deposits = NewDepositSaga(store, fx.wallets, fx.gateway, fx.notifier, logger, decimal.NewFromInt(3), time.Second)
	fx.confirm = NewConfirmationHandler(fx.wallets, fx.gateway, gateway.NewWebhookVerifier(testWebhookSecret, logger),
		fx.dedup, fx.notifier, fx.alerter, logger, time.Minute, time.Second)
	return fx
}

// fund credits ownerID's USD wallet with a completed bonus row.
func (fx *fixture) fund(t *testing.T, ownerID, amount string) *domain.Wallet {
	t.Helper()
	ctx := context.Background()

	w, err := fx.wallets.GetOrCreateWallet(ctx, ownerID, "USD")
	require.NoError(t, err)

	if amount != "" && amount != "0" {
		_, err = fx.wallets.Post(ctx, LedgerEntry{
			WalletID: w.ID,
			OwnerID:  ownerID,
			Type:     domain.TransactionBonus,
			Amount:   decimal.RequireFromString(amount),
			Currency: w.Currency,
			Status:   domain.StatusCompleted,
		})
		require.NoError(t, err)
	}
	return fx.wallet(t, w.ID)
}

func (fx *fixture) wallet(t *testing.T, id uuid.UUID) *domain.Wallet {
	t.Helper()
	w, err := fx.wallets.GetWallet(context.Background(), id)
	require.NoError(t, err)
	return w
}

func (fx *fixture) addProduct(price string, stock int, withVariant bool) domain.Product {
	p := domain.Product{
		ID:             uuid.New(),
		SellerID:       "seller-1",
		Title:          "Gift card",
		Price:          decimal.RequireFromString(price),
		Currency:       "USD",
		StockQuantity:  stock,
		DigitalContent: json.RawMessage(`{"code":"ABCD-1234"}`),
	}
	var variants []domain.ProductVariant
	if withVariant {
		variants = append(variants, domain.ProductVariant{ID: uuid.New(), ProductID: p.ID, Name: "Default", Price: p.Price})
	}
	fx.mem.AddProduct(p, variants...)
	return p
}

func (fx *fixture) stock(t *testing.T, productID uuid.UUID) int {
	t.Helper()
	p, err := fx.mem.Catalog().GetProduct(context.Background(), productID)
	require.NoError(t, err)
	return p.StockQuantity
}

func (fx *fixture) reconciled(t *testing.T, walletID uuid.UUID) {
	t.Helper()
	report, err := fx.wallets.Reconcile(context.Background(), walletID)
	require.NoError(t, err)
	require.True(t, report.Balanced, "available %s, ledger %s", report.AvailableBalance, report.LedgerBalance)
}

func (fx *fixture) webhook(t *testing.T, e gatewaytest.Event) (*ConfirmationResult, error) {
	t.Helper()
	payload := gatewaytest.Payload(e)
	return fx.confirm.HandleEvent(context.Background(), payload, gatewaytest.Sign(testWebhookSecret, payload, time.Now()))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
