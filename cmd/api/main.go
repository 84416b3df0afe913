// Package main is the entry point for the reconciliation API server.
//
// It loads configuration (resolving SSM pointers outside local mode), opens
// the database pool, wires the payment provider, billing components and
// telemetry, and serves HTTP until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"

	"payrecon/internal/api/handlers"
	"payrecon/internal/auth"
	"payrecon/internal/billing"
	"payrecon/internal/config"
	"payrecon/internal/core"
	"payrecon/internal/db"
	"payrecon/internal/external"
	"payrecon/internal/metrics"
	"payrecon/internal/queue"
	"payrecon/internal/types"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig(secretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("payrecon API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	if cfg.Database.AutoMigrate {
		if err := migrateUp(cfg.Database.URL.Unmask(), logger); err != nil {
			return err
		}
	}

	awsCfg := &lazyAWSConfig{region: cfg.AWS.Region}

	recorder, metricsHandler, stopMetrics, err := buildMetrics(ctx, cfg, awsCfg, logger)
	if err != nil {
		return err
	}
	defer stopMetrics()

	publisher, err := buildPublisher(ctx, cfg, awsCfg, logger)
	if err != nil {
		return err
	}

	svc, err := buildServices(cfg, db.NewStore(pool), publisher, recorder, logger)
	if err != nil {
		return err
	}
	svc.metricsHandler = metricsHandler
	svc.probes = []core.HealthProbe{core.PingProbe{ProbeName: "database", Target: pool}}

	srv, err := newServer(cfg, logger, svc)
	if err != nil {
		return err
	}

	return serve(ctx, srv, cfg, logger)
}

// secretProvider returns the SSM provider unless running locally. The AWS
// settings are read from the raw environment because configuration has not
// been loaded yet.
func secretProvider() config.SecretProvider {
	if os.Getenv("APP_ENV") == "local" {
		return nil
	}
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	return config.NewSSMProvider(region, os.Getenv("AWS_ENDPOINT_URL"))
}

func migrateUp(databaseURL string, logger *slog.Logger) error {
	m, err := db.NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	if v, dirty, ok, err := m.Version(); err == nil && ok {
		logger.Info("schema up to date", "version", v, "dirty", dirty)
	}
	return nil
}

// lazyAWSConfig loads the SDK configuration on first use so deployments
// without CloudWatch or SQS never need AWS credentials.
type lazyAWSConfig struct {
	region string
	once   sync.Once
	cfg    aws.Config
	err    error
}

func (l *lazyAWSConfig) get(ctx context.Context) (aws.Config, error) {
	l.once.Do(func() {
		l.cfg, l.err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(l.region))
	})
	return l.cfg, l.err
}

// buildMetrics selects the metrics backend. The returned handler is non-nil
// only for Prometheus; stop drains the CloudWatch buffer.
func buildMetrics(ctx context.Context, cfg *config.Config, awsCfg *lazyAWSConfig, logger *slog.Logger) (metrics.Recorder, http.Handler, func(), error) {
	switch cfg.Observability.MetricsBackend {
	case config.MetricsBackendPrometheus:
		p := metrics.NewPrometheus(cfg.Observability.MetricNamespace)
		return p, p.Handler(), func() {}, nil

	case config.MetricsBackendCloudWatch:
		ac, err := awsCfg.get(ctx)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("loading AWS config for CloudWatch: %w", err)
		}
		client := cloudwatch.NewFromConfig(ac, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		cw := metrics.NewCloudWatch(client, cfg.Observability.MetricNamespace, logger)

		done := make(chan struct{})
		go func() {
			defer close(done)
			cw.Run(context.WithoutCancel(ctx))
		}()
		return cw, nil, func() {
			cw.Close()
			<-done
			if n := cw.Dropped(); n > 0 {
				logger.Warn("metrics dropped on full buffer", "count", n)
			}
		}, nil

	default:
		return metrics.Nop{}, nil, func() {}, nil
	}
}

func buildPublisher(ctx context.Context, cfg *config.Config, awsCfg *lazyAWSConfig, logger *slog.Logger) (types.SubscriptionEventPublisher, error) {
	if cfg.AWS.SubscriptionEventsQueue == "" {
		logger.Info("subscription events queue not configured; events will not be published")
		return queue.NopPublisher{}, nil
	}
	ac, err := awsCfg.get(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for SQS: %w", err)
	}
	client := sqs.NewFromConfig(ac, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	return queue.NewSubscriptionPublisher(client, cfg.AWS.SubscriptionEventsQueue, logger), nil
}

// ledger is what the account and admin handlers need from the payment ledger.
type ledger interface {
	handlers.PaymentHistory
	handlers.PaymentStatusUpdater
}

// services are the collaborators mounted by newServer.
type services struct {
	checkout       handlers.CheckoutCreator
	webhooks       handlers.WebhookProcessor
	catalog        handlers.ProductCatalog
	subscriptions  handlers.SubscriptionReader
	ledger         ledger
	authenticator  core.Authenticator
	adminVerifier  core.AdminVerifier
	metrics        core.MetricsCollector
	metricsHandler http.Handler
	probes         []core.HealthProbe
}

// storage is what the billing components need from the database layer.
type storage interface {
	types.RepositoryRegistry
	types.TransactionManager
}

// buildServices wires the provider client and the billing components.
func buildServices(cfg *config.Config, store storage, publisher types.SubscriptionEventPublisher, recorder metrics.Recorder, logger *slog.Logger) (services, error) {
	provider := external.NewStripeClient(
		&http.Client{Timeout: cfg.Billing.HTTPTimeout},
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
			BaseURL:   cfg.Billing.StripeAPIBase,
			Logger:    logger,
		},
	)
	verifier := external.NewStripeVerifier(cfg.Billing.StripeWebhookSecret.Unmask())

	adminVerifier, err := auth.NewAdminKeyVerifier(cfg.Security.AdminAPIKeyHash)
	if err != nil {
		return services{}, fmt.Errorf("ADMIN_API_KEY_HASH is not a valid bcrypt hash: %w", err)
	}

	customers := billing.NewCustomerResolver(provider, store.Users(), logger)
	checkout := billing.NewCheckoutService(provider, store.Users(), store.Subscriptions(), customers,
		billing.CheckoutConfig{
			SuccessURL: cfg.Billing.CheckoutSuccessURL,
			CancelURL:  cfg.Billing.CheckoutCancelURL,
			Currency:   cfg.Billing.Currency,
		}, recorder, logger)

	paymentLedger := billing.NewPaymentLedger(store.Payments(), logger)
	processor := billing.NewWebhookProcessor(billing.WebhookDeps{
		Verifier:  verifier,
		Provider:  provider,
		Users:     store.Users(),
		Tx:        store,
		Ledger:    paymentLedger,
		Machine:   billing.NewSubscriptionStateMachine(types.RealClock{}, logger),
		Publisher: publisher,
		Metrics:   recorder,
		Logger:    logger,
	})

	return services{
		checkout:      checkout,
		webhooks:      processor,
		catalog:       provider,
		subscriptions: store.Subscriptions(),
		ledger:        paymentLedger,
		authenticator: auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer),
		adminVerifier: adminVerifier,
		metrics:       recorder,
	}, nil
}

// newServer mounts every handler on the core chassis.
func newServer(cfg *config.Config, logger *slog.Logger, svc services) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.Authenticator = svc.authenticator
	srv.AdminVerifier = svc.adminVerifier
	srv.Metrics = svc.metrics
	srv.MetricsHandler = svc.metricsHandler
	srv.HealthProbes = svc.probes

	checkoutHandler := handlers.NewCheckoutHandler(svc.checkout, srv.Validator, logger)
	webhookHandler := handlers.NewWebhookHandler(svc.webhooks, logger)
	accountHandler := handlers.NewAccountHandler(svc.catalog, svc.subscriptions, svc.ledger, logger)
	adminHandler := handlers.NewAdminHandler(svc.ledger, srv.Validator, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		webhookHandler.RegisterRoutes,
		func(r chi.Router) {
			checkoutHandler.RegisterRoutes(r, srv.RequireUser)
			accountHandler.RegisterRoutes(r, srv.RequireUser)
			adminHandler.RegisterRoutes(r, srv.RequireAdmin)
		},
	)
	srv.MountRoutes()
	return srv, nil
}

// serve runs the HTTP server until ctx is cancelled, then drains in-flight
// requests within the shutdown timeout.
func serve(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server stopped cleanly")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
