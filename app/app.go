package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	sentryslog "github.com/getsentry/sentry-go/slog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/checkout/internal/cache"
	"github.com/gitshopapp/checkout/internal/config"
	"github.com/gitshopapp/checkout/internal/coupon"
	"github.com/gitshopapp/checkout/internal/crypto"
	"github.com/gitshopapp/checkout/internal/db"
	"github.com/gitshopapp/checkout/internal/email"
	"github.com/gitshopapp/checkout/internal/handlers"
	"github.com/gitshopapp/checkout/internal/inventory"
	"github.com/gitshopapp/checkout/internal/logging"
	"github.com/gitshopapp/checkout/internal/notify"
	"github.com/gitshopapp/checkout/internal/observability"
	"github.com/gitshopapp/checkout/internal/payment"
	"github.com/gitshopapp/checkout/internal/pricing"
	"github.com/gitshopapp/checkout/internal/services"
	"github.com/gitshopapp/checkout/internal/stripe"
	"github.com/gitshopapp/checkout/internal/worker"
)

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	DB            *pgxpool.Pool
	CacheProvider cache.Provider
	Notifier      *notify.Dispatcher
	Sweeper       *worker.PendingOrderSweeper
	Handlers      *handlers.Handlers
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if err := initSentry(cfg); err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.DatabaseURL, logger.With("component", "migrate")); err != nil {
			return nil, err
		}
	}

	database, err := db.Connect(startupCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger, DB: database}

	a.CacheProvider, err = cache.NewProvider(cache.Config{
		Provider:              cfg.CacheProvider,
		RedisConnectionString: cfg.RedisConnectionString,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize cache provider: %w", err)
	}

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}
	store, err := db.NewStore(database, encryptor, logger.With("component", "store"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	var provider payment.Provider
	switch cfg.PaymentProvider {
	case "stripe":
		provider = stripe.NewPaymentClient(cfg.StripeSecretKey, observability.NewHTTPClient(cfg.GatewayTimeout))
	default:
		logger.Warn("using sandbox payment provider; payments are simulated")
		provider = payment.NewSandboxProvider()
	}
	gateway, err := payment.NewAdapter(provider, payment.Config{
		Timeout:       cfg.GatewayTimeout,
		SigningSecret: cfg.PaymentSigningSecret,
		WebhookSecret: cfg.PaymentWebhookSecret,
	}, logger.With("component", "payment_adapter"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize payment adapter: %w", err)
	}

	rules, err := pricingRules(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	emailProvider, err := email.NewProvider(email.Config{
		Provider:   cfg.EmailProvider,
		APIKey:     cfg.EmailAPIKey,
		From:       cfg.EmailFrom,
		HTTPClient: observability.NewHTTPClient(10 * time.Second),
	}, logger.With("component", "email"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize email provider: %w", err)
	}
	// Notifications are best effort, so a rejected key only warns.
	if err := emailProvider.ValidateAPIKey(startupCtx); err != nil {
		logger.Warn("email provider rejected its API key; notifications will fail", "provider", cfg.EmailProvider, "error", err)
	}
	sender, err := notify.NewEmailSender(emailProvider, email.Shop{Name: cfg.ShopName, URL: cfg.ShopURL})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize email templates: %w", err)
	}
	a.Notifier = notify.NewDispatcher(sender, notify.Config{
		Workers:   cfg.NotifyWorkers,
		QueueSize: cfg.NotifyQueueSize,
	}, logger.With("component", "notify"))

	stock := inventory.NewManager(logger.With("component", "inventory"))
	orderService := services.NewOrderService(
		store,
		gateway,
		stock,
		coupon.NewValidator(),
		rules,
		a.Notifier,
		logger.With("component", "order_service"),
	)
	paymentService := services.NewPaymentService(store, gateway, stock, a.Notifier, logger.With("component", "payment_service"))

	a.Sweeper = worker.NewPendingOrderSweeper(paymentService, worker.SweeperConfig{
		Interval:  cfg.SweepInterval,
		TTL:       cfg.PendingOrderTTL,
		BatchSize: cfg.SweepBatchSize,
	}, logger.With("component", "sweeper"))

	var stripeRouter *handlers.StripeEventRouter
	if cfg.PaymentProvider == "stripe" {
		stripeRouter = handlers.NewStripeEventRouter(paymentService, logger.With("component", "stripe_router"))
	}

	tokens, err := handlers.NewTokenVerifier(cfg.JWTSecret)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize token verifier: %w", err)
	}

	a.Handlers, err = handlers.New(handlers.Dependencies{
		Config:        cfg,
		DB:            store,
		Orders:        orderService,
		Payments:      paymentService,
		Webhooks:      gateway,
		CacheProvider: a.CacheProvider,
		StripeRouter:  stripeRouter,
		Tokens:        tokens,
		Logger:        logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	return a, nil
}

// Start launches the background workers.
func (a *App) Start(ctx context.Context) {
	a.Notifier.Start(ctx)
	a.Sweeper.Start(ctx)
}

// Close stops workers before releasing the connections they use.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}
	if a.Notifier != nil {
		a.Notifier.Stop()
	}
	if a.CacheProvider != nil {
		closeCacheProvider(a.Logger, a.CacheProvider)
	}
	if a.DB != nil {
		a.DB.Close()
	}
	sentry.Flush(2 * time.Second)
}

func pricingRules(cfg *config.Config) (*pricing.RuleSet, error) {
	defaults := pricing.Rules{
		TaxRate:               decimal.RequireFromString(cfg.TaxRate),
		FreeShippingThreshold: decimal.RequireFromString(cfg.FreeShippingThreshold),
		FlatShippingFee:       decimal.RequireFromString(cfg.FlatShippingFee),
		Currency:              strings.ToUpper(cfg.Currency),
	}
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pricing configuration: %w", err)
	}
	if cfg.PricingRulesPath == "" {
		return pricing.NewRuleSet(defaults), nil
	}
	return pricing.LoadRuleSet(cfg.PricingRulesPath, defaults)
}

func initSentry(cfg *config.Config) error {
	if cfg.SentryDSN == "" {
		return nil
	}
	sampleRate := 1.0
	if cfg.IsProduction() {
		sampleRate = 0.2
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		EnableTracing:    true,
		TracesSampleRate: sampleRate,
		EnableLogs:       true,
	}); err != nil {
		return fmt.Errorf("failed to initialize sentry: %w", err)
	}
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var console slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.LogFormat)) {
	case "json":
		console = slog.NewJSONHandler(os.Stdout, opts)
	default:
		console = tint.NewHandler(os.Stdout, &tint.Options{Level: cfg.LogLevel})
	}
	if cfg.SentryDSN == "" {
		return slog.New(console)
	}

	sentryHandler := sentryslog.Option{
		EventLevel: []slog.Level{slog.LevelError},
		LogLevel:   []slog.Level{slog.LevelWarn, slog.LevelInfo},
	}.NewSentryHandler(context.Background())
	return slog.New(logging.MultiHandler(console, sentryHandler))
}

func closeCacheProvider(logger *slog.Logger, provider cache.Provider) {
	if provider == nil {
		return
	}
	if err := provider.Close(); err != nil && logger != nil {
		logger.Warn("failed to close cache provider", "error", err)
	}
}
