/**
 * @description
 * Entry point for the billing service.
 */
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/transfa/billing-service/internal/api"
	"github.com/transfa/billing-service/internal/app"
	"github.com/transfa/billing-service/internal/config"
	"github.com/transfa/billing-service/internal/processor"
	"github.com/transfa/billing-service/internal/store"
	billingrabbit "github.com/transfa/billing-service/pkg/rabbitmq"
	"github.com/transfa/billing-service/pkg/stripeprocessor"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	pgConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	pgConfig.MaxConns = cfg.DatabaseMaxConns
	pgConfig.MinConns = 2
	pgConfig.MaxConnLifetime = 30 * time.Minute
	pgConfig.MaxConnIdleTime = 5 * time.Minute

	dbpool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	repository := store.NewPostgresRepository(dbpool)
	if err := repository.Migrate(ctx); err != nil {
		logger.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	var publisher app.EventPublisher = &billingrabbit.EventProducerFallback{}
	var callbackPublisher api.CallbackPublisher
	if cfg.RabbitMQURL != "" {
		if producer, err := billingrabbit.NewEventProducer(cfg.RabbitMQURL); err == nil {
			publisher = producer
			callbackPublisher = producer
			defer producer.Close()
		} else {
			logger.Warn("failed to connect to RabbitMQ, using fallback publisher", "error", err)
		}
	}

	var (
		limiter api.RateLimiter
		lease   app.JobLease
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid redis URL", "error", err)
			os.Exit(1)
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, callback rate limiting and job leases disabled", "error", err)
		} else {
			limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
			lease = app.NewRedisJobLease(redisClient, cfg.RedisKeyPrefix)
			logger.Info("redis connection established")
		}
	}

	newProcessor := func() processor.Processor { return processor.NewDummy() }
	if cfg.Processor == config.ProcessorStripe {
		newProcessor = func() processor.Processor {
			return stripeprocessor.New(stripeprocessor.Options{WebhookSecret: cfg.StripeWebhookSecret})
		}
	}
	processors := processor.NewRegistry(newProcessor, processor.BreakerSettings{
		MaxRequests:      cfg.BreakerMaxRequests,
		Interval:         time.Duration(cfg.BreakerIntervalSeconds) * time.Second,
		Timeout:          time.Duration(cfg.BreakerTimeoutSeconds) * time.Second,
		FailureThreshold: cfg.BreakerFailureThreshold,
		CallTimeout:      cfg.ProcessorTimeout(),
	}, logger)

	clock := app.SystemClock{}
	tokens := api.NewTokens(cfg.JWTSecret, 0)
	notifier := app.NewStatusNotifier(publisher, cfg.BillingEventsExchange, logger)

	invoices := app.NewInvoiceService(repository, processors, clock, notifier, logger)
	events := app.NewEventService(repository, invoices, clock, notifier, logger)
	subscriptions := app.NewSubscriptionService(repository, processors, invoices, clock, notifier, logger)
	runner := app.NewTransactionRunner(repository, processors, invoices, clock, cfg.MaxRetryCount, notifier, logger)
	callbacks := app.NewCallbackConsumer(repository, processors, events, logger)
	catalog := app.NewCatalogService(repository, processors, clock, api.CallbackURL(cfg.PublicBaseURL, tokens), logger)

	if callbackPublisher != nil {
		consumer, err := billingrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			logger.Warn("failed to start callback consumer, callbacks will be applied inline", "error", err)
			callbackPublisher = nil
		} else {
			defer consumer.Close()
			err := consumer.ConsumeWithBindings(cfg.BillingEventsExchange, cfg.ProcessorCallbackQueue, 10, map[string]billingrabbit.Handler{
				app.CallbackRoutingKey: callbacks.HandleMessage,
			})
			if err != nil {
				logger.Warn("failed to bind callback queue, callbacks will be applied inline", "error", err)
				callbackPublisher = nil
			}
		}
	}

	jobs := app.NewJobs(ctx, subscriptions, runner, lease, clock, logger, cfg)
	scheduler := app.NewScheduler(jobs, logger, cfg)
	scheduler.Start()

	handler := api.NewHandler(api.Services{
		Catalog:       catalog,
		Invoices:      invoices,
		Subscriptions: subscriptions,
		Events:        events,
		Runner:        runner,
		Callbacks:     callbacks,
	}, tokens, api.CallbackOptions{
		Publisher:      callbackPublisher,
		Exchange:       cfg.BillingEventsExchange,
		Limiter:        limiter,
		LimitPerMinute: cfg.CallbackRateLimitPerMinute,
	}, clock, logger)
	router := api.NewRouter(handler, cfg.InternalAPIKey)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort, "processor", cfg.Processor)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	// Give running jobs a grace period, then cancel whatever is left.
	select {
	case <-scheduler.Stop().Done():
	case <-time.After(30 * time.Second):
		logger.Warn("scheduled jobs still running, canceling")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	logger.Info("server stopped")
}
