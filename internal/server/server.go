package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"marketplace-ledger/internal/config"
	"marketplace-ledger/internal/dedup"
	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/gateway"
	"marketplace-ledger/internal/handler"
	"marketplace-ledger/internal/metrics"
	"marketplace-ledger/internal/notify"
	"marketplace-ledger/internal/repository"
	"marketplace-ledger/internal/repository/memory"
	"marketplace-ledger/internal/service"
	"marketplace-ledger/migrations"
)

// Server represents the HTTP server
type Server struct {
	router  *mux.Router
	server  *http.Server
	logger  *slog.Logger
	port    string
	closers []func() error
	retrier *service.InventoryRetrier
}

// Option overrides a collaborator NewServer would otherwise build from config.
type Option func(*dependencies)

type dependencies struct {
	store    domain.Store
	gateway  domain.PaymentGateway
	verifier domain.EventVerifier
	dedup    domain.EventDeduplicator
	notifier domain.Notifier
	alerter  service.Alerter
}

func WithStore(store domain.Store) Option {
	return func(d *dependencies) { d.store = store }
}

func WithGateway(g domain.PaymentGateway) Option {
	return func(d *dependencies) { d.gateway = g }
}

func WithVerifier(v domain.EventVerifier) Option {
	return func(d *dependencies) { d.verifier = v }
}

func WithDeduplicator(dd domain.EventDeduplicator) Option {
	return func(d *dependencies) { d.dedup = dd }
}

func WithNotifier(n domain.Notifier) Option {
	return func(d *dependencies) { d.notifier = n }
}

func WithAlerter(a service.Alerter) Option {
	return func(d *dependencies) { d.alerter = a }
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	deps := &dependencies{}
	for _, opt := range opts {
		opt(deps)
	}

	s := &Server{logger: logger}

	if deps.store == nil {
		store, err := s.openStore(cfg)
		if err != nil {
			s.close()
			return nil, err
		}
		deps.store = store
	}

	if deps.dedup == nil && cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unavailable, webhook replays fall back to the ledger", "error", err)
		}
		cancel()
		s.closers = append(s.closers, client.Close)
		deps.dedup = dedup.NewRedisDeduplicator(client, cfg.DedupTTL)
	}

	if deps.notifier == nil {
		if len(cfg.KafkaBrokers) > 0 {
			kn := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
			s.closers = append(s.closers, kn.Close)
			deps.notifier = kn
			logger.Info("Kafka notifier initialized", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
		} else {
			deps.notifier = notify.NewLogNotifier(logger)
		}
	}

	if deps.gateway == nil {
		if cfg.StripeSecretKey != "" {
			deps.gateway = gateway.NewStripeClient(gateway.StripeConfig{
				SecretKey: cfg.StripeSecretKey,
				Timeout:   cfg.GatewayTimeout,
			}, logger)
		} else {
			logger.Warn("STRIPE_SECRET_KEY not set, deposits are disabled")
			deps.gateway = gateway.Unconfigured{}
		}
	}
	if deps.verifier == nil {
		deps.verifier = gateway.NewWebhookVerifier(cfg.StripeWebhookSecret, logger)
	}
	if deps.alerter == nil {
		deps.alerter = service.NewLogAlerter(logger)
	}

	// Initialize services
	wallets := service.NewWalletService(deps.store, logger)
	s.retrier = service.NewInventoryRetrier(deps.store, deps.alerter, logger, cfg.InventoryRetryAttempts, 500*time.Millisecond)
	purchases := service.NewPurchaseSaga(deps.store, wallets, s.retrier, deps.notifier, deps.alerter, logger, cfg.RecoveryWindow)
	deposits := service.NewDepositSaga(deps.store, wallets, deps.gateway, deps.notifier, logger, cfg.DepositFeePercent, cfg.GatewayTimeout)

	confirmations := service.NewConfirmationHandler(wallets, deps.gateway, deps.verifier, deps.dedup, deps.notifier, deps.alerter,
		logger, cfg.ReconciliationWindow, cfg.GatewayTimeout)

	// Initialize handlers
	purchaseHandler := handler.NewPurchaseHandler(purchases)
	depositHandler := handler.NewDepositHandler(deposits, confirmations)
	transactionHandler := handler.NewTransactionHandler(confirmations)
	walletHandler := handler.NewWalletHandler(wallets)
	payoutHandler := handler.NewPayoutHandler(wallets)

	// Setup router
	router := mux.NewRouter()
	router.Use(loggingMiddleware(logger))

	router.HandleFunc("/purchases", purchaseHandler.Purchase).Methods("POST")
	router.HandleFunc("/purchases/{attempt_id}/recover", purchaseHandler.Recover).Methods("POST")
	router.HandleFunc("/orders/{order_id}", purchaseHandler.GetOrder).Methods("GET")

	router.HandleFunc("/deposits", depositHandler.Deposit).Methods("POST")
	router.HandleFunc("/webhooks/gateway", depositHandler.Webhook).Methods("POST")

	router.HandleFunc("/transactions/{transaction_id}", transactionHandler.GetTransaction).Methods("GET")
	router.HandleFunc("/transactions/{transaction_id}/reconcile", transactionHandler.Reconcile).Methods("POST")

	router.HandleFunc("/wallets/{owner_id}/{currency}", walletHandler.GetWallet).Methods("GET")
	router.HandleFunc("/wallets/{owner_id}/{currency}/transactions", walletHandler.ListTransactions).Methods("GET")
	router.HandleFunc("/wallets/{owner_id}/{currency}/reconciliation", walletHandler.Reconciliation).Methods("GET")

	router.HandleFunc("/payouts", payoutHandler.RequestPayout).Methods("POST")
	router.HandleFunc("/payouts/{transaction_id}/cancel", payoutHandler.CancelPayout).Methods("POST")
	router.HandleFunc("/payouts/{transaction_id}/complete", payoutHandler.CompletePayout).Methods("POST")

	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	store := deps.store
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": "database unavailable"})
			return
		}

		json.NewEncoder(w).Encode(map[string]string{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}).Methods("GET")

	s.router = router
	return s, nil
}

func (s *Server) openStore(cfg *config.Config) (domain.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		s.logger.Warn("Using in-memory store, data is lost on restart")
		return memory.NewStore(), nil
	case config.StoreDriverPostgres, "":
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	db, err := sql.Open("postgres", cfg.GetDBConnectionString())
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, db.Close)

	// Configure connection pool for better performance
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("Successfully connected to database")

	if cfg.AutoMigrate {
		applied, err := migrations.Apply(ctx, db)
		if err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		s.logger.Info("Migrations applied", "applied", applied)
	}

	return repository.NewStore(db, s.logger), nil
}

// loggingMiddleware adds request logging
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Create response wrapper to capture status code
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"duration", time.Since(start),
				"user_agent", r.UserAgent(),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server on the specified port
func (s *Server) Start(port string) (string, error) {
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return "", err
	}

	addr := listener.Addr().(*net.TCPAddr)
	s.port = strconv.Itoa(addr.Port)

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting server", "port", s.port)

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server failed to start", "error", err)
		}
	}()

	return s.port, nil
}

// Stop drains HTTP traffic, then stops the inventory retrier and releases
// connections.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.close()
	return err
}

func (s *Server) close() {
	if s.retrier != nil {
		s.retrier.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("Failed to close resource", "error", err)
		}
	}
	s.closers = nil
}

// GetPort returns the port the server is listening on
func (s *Server) GetPort() string {
	return s.port
}

// GetBaseURL returns the base URL for the server
func (s *Server) GetBaseURL() string {
	return "http://localhost:" + s.port
}

// GetRouter returns the router for testing purposes
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// StartServer starts the server with the given configuration
func StartServer(cfg *config.Config, opts ...Option) (*Server, string, error) {
	var logger *slog.Logger
	if cfg.ServerPort == "0" {
		// Test environment - use discard logger
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	server, err := NewServer(cfg, logger, opts...)
	if err != nil {
		return nil, "", err
	}

	port, err := server.Start(cfg.ServerPort)
	if err != nil {
		server.close()
		return nil, "", err
	}

	return server, port, nil
}
