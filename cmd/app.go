package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/checkout"
	"github.com/akylbek/payment-system/payment-reconciler/internal/config"
	"github.com/akylbek/payment-system/payment-reconciler/internal/events"
	"github.com/akylbek/payment-system/payment-reconciler/internal/gateway"
	"github.com/akylbek/payment-system/payment-reconciler/internal/gateway/cashfree"
	stripegw "github.com/akylbek/payment-system/payment-reconciler/internal/gateway/stripe"
	"github.com/akylbek/payment-system/payment-reconciler/internal/idempotency"
	"github.com/akylbek/payment-system/payment-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/payment-reconciler/internal/payment"
	"github.com/akylbek/payment-system/payment-reconciler/internal/repository"
	"github.com/akylbek/payment-system/payment-reconciler/internal/retry"
	"github.com/akylbek/payment-system/payment-reconciler/internal/telemetry"
	"github.com/akylbek/payment-system/payment-reconciler/internal/wallet"
)

// app is the assembled payment core. Everything is built once in newApp and
// handed down explicitly.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	repo         interfaces.PaymentRepository
	store        idempotency.Store
	hub          *checkout.Hub
	reconciler   *payment.Reconciler
	orchestrator *payment.Orchestrator
	webhooks     *payment.WebhookProcessor
	combined     *payment.CombinedCoordinator
	sweeper      *payment.Sweeper

	closers []func()
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// Close releases connections in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, hub: checkout.NewHub()}

	repo, err := a.openRepository(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.repo = repo
	a.store = a.openStore(ctx)
	publisher := a.openPublisher()

	walletSvc, err := a.openWallet()
	if err != nil {
		a.Close()
		return nil, err
	}

	gw, codec := newGateway(cfg)
	logger.Info("Payment gateway configured",
		zap.String("provider", gw.Name()),
		zap.String("env", string(cfg.Env)),
	)

	deps := payment.Deps{
		Repo:      a.repo,
		Gateway:   gw,
		Publisher: publisher,
		Policy:    retryPolicy(cfg.Retry, logger),
		Logger:    logger,
	}
	settings := payment.SettingsFromConfig(cfg)

	a.reconciler = payment.NewReconciler(deps)
	a.orchestrator = payment.NewOrchestrator(deps, settings, a.hub, a.reconciler)
	a.webhooks = payment.NewWebhookProcessor(deps, settings, codec, a.store)
	a.combined = payment.NewCombinedCoordinator(deps, a.orchestrator, walletSvc)
	a.sweeper = payment.NewSweeper(deps, cfg.Sweep, a.reconciler, a.combined)
	return a, nil
}

func (a *app) openRepository(ctx context.Context) (interfaces.PaymentRepository, error) {
	if a.cfg.DatabaseURL == "" {
		a.logger.Warn("DATABASE_URL not set, payment records are kept in memory")
		return repository.NewMemoryRepository(), nil
	}

	db, err := sql.Open("postgres", a.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.onClose(func() { db.Close() })
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := repository.NewPaymentRepository(db)
	if err := repo.InitDB(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return repo, nil
}

func (a *app) openStore(ctx context.Context) idempotency.Store {
	if a.cfg.RedisURL == "" {
		a.logger.Warn("REDIS_URL not set, webhook dedup is process-local")
		return idempotency.NewMemoryStore()
	}

	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		opts = &redis.Options{Addr: a.cfg.RedisURL}
	}
	client := redis.NewClient(opts)
	a.onClose(func() { client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		a.logger.Warn("Redis not reachable at startup", zap.Error(err))
	}
	return idempotency.NewRedisStore(client, "payment-reconciler:")
}

func (a *app) openPublisher() events.Publisher {
	if len(a.cfg.KafkaBrokers) == 0 {
		return events.Noop{}
	}
	p := events.NewKafkaPublisher(a.cfg.KafkaBrokers, a.cfg.KafkaTopic, a.logger)
	a.onClose(func() {
		if err := p.Close(); err != nil {
			a.logger.Error("Failed to close Kafka writer", zap.Error(err))
		}
	})
	return p
}

// openWallet talks to the wallet service over NATS. In debug mode an in-process
// ledger answers instead, behind NATS when a server is configured.
func (a *app) openWallet() (wallet.Service, error) {
	if a.cfg.NATSURL == "" {
		if !a.cfg.DebugMode {
			return nil, fmt.Errorf("missing required environment variable: NATS_URL")
		}
		a.logger.Warn("NATS_URL not set, using in-memory wallet ledger")
		return wallet.NewLedger(), nil
	}

	nc, err := nats.Connect(a.cfg.NATSURL, nats.Name("payment-reconciler"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	a.onClose(nc.Close)

	if a.cfg.DebugMode {
		responder := wallet.NewResponder(wallet.NewLedger(), a.logger)
		if err := responder.Start(nc, a.cfg.WalletSubjectPrefix); err != nil {
			return nil, fmt.Errorf("failed to start wallet responder: %w", err)
		}
		a.onClose(responder.Stop)
	}
	return wallet.NewClient(nc, a.cfg.WalletSubjectPrefix, retryPolicy(a.cfg.Retry, a.logger), a.logger), nil
}

func newGateway(cfg *config.Config) (gateway.Client, gateway.WebhookCodec) {
	if cfg.Gateway.Provider == config.ProviderStripe {
		return stripegw.New(cfg.Gateway.Credentials.ClientSecret), stripegw.NewWebhookCodec(cfg.Webhook.Secret)
	}
	httpClient := &http.Client{Timeout: cfg.Gateway.HTTPTimeout}
	return cashfree.New(cfg.Gateway, httpClient), cashfree.NewWebhookCodec(cfg.Webhook.Secret)
}

func retryPolicy(c config.Retry, logger *zap.Logger) retry.Policy {
	p := retry.Default()
	p.MaxAttempts = c.MaxAttempts
	p.BaseDelay = c.BaseDelay
	p.Multiplier = c.Multiplier
	return p.WithNotify(func(err error, attempt int, delay time.Duration) {
		logger.Warn("Retrying gateway call",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	})
}

func initTelemetry(ctx context.Context, cfg *config.Config) (*zap.Logger, func(context.Context) error, error) {
	logger, err := telemetry.NewLogger("payment-reconciler", cfg.DebugMode)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	shutdown, err := telemetry.InitTracing(ctx, "payment-reconciler", cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
		shutdown = func(context.Context) error { return nil }
	}
	return logger, shutdown, nil
}

func mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
