/**
 * @description
 * This is the main entry point for the payments-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, provider gateways, the message broker, repositories, the core
 * application services, the background job scheduler, and the HTTP server.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for webhook rate limiting.
 * - internal/api, internal/app, internal/config, internal/ledger, internal/store: Internal packages.
 * - pkg/accountclient, pkg/provider, pkg/rabbitmq: External integrations.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/superplatform/payments-service/internal/api"
	"github.com/superplatform/payments-service/internal/app"
	"github.com/superplatform/payments-service/internal/config"
	"github.com/superplatform/payments-service/internal/ledger"
	"github.com/superplatform/payments-service/internal/store"
	"github.com/superplatform/payments-service/pkg/accountclient"
	"github.com/superplatform/payments-service/pkg/provider"
	"github.com/superplatform/payments-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting payments-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish lifecycle events. A broker
	// outage degrades to a no-op publisher rather than blocking payments.
	var eventProducer rabbitmq.Publisher
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		eventProducer = &rabbitmq.EventProducerFallback{}
	} else {
		defer producer.Close()
		eventProducer = producer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the account-service VPA directory.
	accountClient := accountclient.NewClient(cfg.AccountServiceURL, cfg.InternalAPIKey)

	// Redis backs the webhook rate limiter. Missing Redis disables limiting.
	var rateLimiter *app.RedisWebhookRateLimiter
	if cfg.WebhookRateLimitPerM > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; webhook rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; webhook rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient := redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; webhook rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
				} else {
					defer redisClient.Close()
					rateLimiter = app.NewRedisWebhookRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer, the ledger, and the gateway registry.
	repository := store.NewPostgresRepository(dbpool)
	ledgerService := ledger.NewService(repository)

	gateways := provider.NewRegistry(provider.NewDemoGateway("demo"))
	if providerCfg, err := repository.FindProviderByCode(context.Background(), cfg.DefaultProviderCode); err == nil && providerCfg.Code != "demo" {
		gateways = provider.NewRegistry(
			provider.NewDemoGateway("demo"),
			provider.NewHTTPGateway(*providerCfg),
		)
	}

	// Initialize the core application services with their dependencies.
	paymentService := app.NewPaymentService(repository, ledgerService, gateways, accountClient, eventProducer, app.PaymentConfig{
		Currency:             cfg.Currency,
		DefaultProviderCode:  cfg.DefaultProviderCode,
		PlatformVPA:          cfg.PlatformVPA,
		PaymentExpiry:        time.Duration(cfg.PaymentExpiryMinutes) * time.Minute,
		PollAfter:            time.Duration(cfg.PollAfterMinutes) * time.Minute,
		PaymentEventExchange: cfg.PaymentEventExchange,
	})
	refundService := app.NewRefundService(repository, ledgerService, gateways, eventProducer, cfg.PaymentEventExchange)
	mandateService := app.NewMandateService(repository, ledgerService, gateways, eventProducer, app.MandateConfig{
		Currency:             cfg.Currency,
		DefaultProviderCode:  cfg.DefaultProviderCode,
		PlatformVPA:          cfg.PlatformVPA,
		ChargeExpiry:         time.Duration(cfg.MandateChargeExpiryH) * time.Hour,
		MaxRetries:           cfg.MandateMaxRetries,
		PaymentEventExchange: cfg.PaymentEventExchange,
	})
	settlementService := app.NewSettlementService(repository, ledgerService, gateways, eventProducer, app.SettlementConfig{
		Exchange:                  cfg.PaymentEventExchange,
		ProviderCode:              cfg.DefaultProviderCode,
		DefaultCommissionPercent:  cfg.DefaultCommissionPct,
		DefaultPlatformFeePercent: cfg.DefaultPlatformFePct,
		DefaultTaxPercent:         cfg.DefaultTaxPct,
	})
	webhookProcessor := app.NewWebhookProcessor(repository, paymentService, refundService, mandateService)

	// Start the background job scheduler.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	jobs := app.NewJobs(paymentService, mandateService, settlementService, webhookProcessor, logger)
	scheduler := app.NewScheduler(jobs, logger, app.DefaultJobSchedules())
	scheduler.Start()

	// Initialize the API handlers and the router.
	handlers := api.NewPaymentHandlers(
		paymentService,
		refundService,
		mandateService,
		settlementService,
		webhookProcessor,
		rateLimiter,
		cfg.WebhookRateLimitPerM,
	)
	router := api.NewRouter(handlers, cfg.JWTSecret, cfg.InternalAPIKey)

	// Start the HTTP server.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	// Let in-flight cron jobs finish before the process exits.
	<-scheduler.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
