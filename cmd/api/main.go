package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/maplecart/api/internal/handlers"
	"github.com/maplecart/api/internal/notifications"
	"github.com/maplecart/api/internal/payments"
	"github.com/maplecart/api/internal/platform/auth"
	"github.com/maplecart/api/internal/platform/config"
	"github.com/maplecart/api/internal/platform/events"
	"github.com/maplecart/api/internal/platform/idempotency"
	"github.com/maplecart/api/internal/platform/observability"
	"github.com/maplecart/api/internal/platform/postgres"
	postgresRepo "github.com/maplecart/api/internal/repositories/postgres"
	"github.com/maplecart/api/internal/services"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	pool, err := postgres.NewPool(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	orderRepo := postgresRepo.NewOrderRepository(pool)
	historyRepo := postgresRepo.NewStatusHistoryRepository(pool)
	refundRepo := postgresRepo.NewRefundRepository(pool)
	stockRepo := postgresRepo.NewStockRepository(pool)
	unitOfWork := postgresRepo.NewUnitOfWork(pool)

	eventLogger := observability.EventLogger(logger)

	provider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey: cfg.Stripe.APIKey,
		Logger: payments.StripeLogger(eventLogger),
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe provider", zap.Error(err))
	}

	var redisClient *redis.Client
	dedup := idempotency.Store(idempotency.NewMemoryStore())
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		dedup = idempotency.NewRedisStore(redisClient)
	}

	var publisher services.OrderEventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPublisher, err := events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.Named("kafka"))
		if err != nil {
			logger.Fatal("failed to initialise event publisher", zap.Error(err))
		}
		defer func() {
			if err := kafkaPublisher.Close(); err != nil {
				logger.Warn("event publisher close error", zap.Error(err))
			}
		}()
		publisher = &orderEventPublisher{kafka: kafkaPublisher}
	}

	var notifier notifications.Notifier
	if cfg.SMTP.Host != "" {
		notifier, err = notifications.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From)
		if err != nil {
			logger.Fatal("failed to initialise smtp sender", zap.Error(err))
		}
	} else {
		notifier = notifications.NewLogSender(logger.Named("notifications"))
	}

	stockService, err := services.NewStockService(services.StockServiceDeps{
		Stock:  stockRepo,
		Logger: eventLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise stock service", zap.Error(err))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:              orderRepo,
		History:             historyRepo,
		Refunds:             refundRepo,
		Stock:               stockService,
		Payments:            provider,
		UnitOfWork:          unitOfWork,
		Notifier:            notifier,
		Events:              publisher,
		Logger:              eventLogger,
		ReturnRequestWindow: cfg.Returns.RequestWindow,
		ShipBackWindow:      cfg.Returns.ShipBackWindow,
		ConflictRetries:     cfg.Returns.ConflictRetries,
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	reconciliation, err := services.NewReconciliationService(services.ReconciliationServiceDeps{
		Orders:       orderService,
		OrderLookups: orderRepo,
		Stock:        stockService,
		Dedup:        dedup,
		Notifier:     notifier,
		Events:       publisher,
		Logger:       eventLogger,
		DedupTTL:     cfg.Redis.EventDedupTTL,
	})
	if err != nil {
		logger.Fatal("failed to initialise reconciliation service", zap.Error(err))
	}

	authenticator, err := auth.NewAuthenticator(cfg.Auth.JWTSecret)
	if err != nil {
		logger.Fatal("failed to initialise authenticator", zap.Error(err))
	}

	healthOpts := []handlers.HealthOption{
		handlers.WithHealthStartedAt(startedAt),
		handlers.WithReadinessCheck("postgres", func(ctx context.Context) error {
			return pool.Ping(ctx)
		}),
	}
	if redisClient != nil {
		healthOpts = append(healthOpts, handlers.WithReadinessCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}

	orderHandlers := handlers.NewOrderHandlers(orderService)
	adminHandlers := handlers.NewAdminOrderHandlers(orderService, stockService)
	webhookHandlers := handlers.NewWebhookHandlers(reconciliation, cfg.Stripe.WebhookSecret,
		handlers.WithWebhookLogger(func(event string, fields map[string]any) {
			eventLogger(ctx, event, fields)
		}),
	)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger),
			observability.RequestLoggerMiddleware(),
			observability.RecoveryMiddleware(logger),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithOrderMiddlewares(auth.RequireAuth(authenticator)),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminMiddlewares(auth.RequireAuth(authenticator), auth.RequireAdmin),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Fatal("server error", zap.Error(err))
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// orderEventPublisher adapts the Kafka publisher to the service contract,
// stamping each event with a fresh id.
type orderEventPublisher struct {
	kafka *events.Publisher
}

func (p *orderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	metadata := event.Metadata
	if event.ActorID != "" {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["actor_id"] = event.ActorID
	}
	return p.kafka.PublishOrderEvent(ctx, events.OrderEvent{
		EventID:        ulid.Make().String(),
		EventType:      event.Type,
		OrderID:        event.OrderID,
		OrderNumber:    event.OrderNumber,
		PreviousStatus: event.PreviousStatus,
		NewStatus:      event.CurrentStatus,
		OccurredAt:     event.OccurredAt,
		Metadata:       metadata,
	})
}
