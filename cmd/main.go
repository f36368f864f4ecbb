/**
 * @description
 * This is the main entry point for the payout-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, payment gateway clients, message brokers, repositories, the core
 * application components, and the HTTP server. It wires everything together and
 * starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/gateway: Clients for the payment providers.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/watchearn/payout-service/internal/api"
	"github.com/watchearn/payout-service/internal/app"
	"github.com/watchearn/payout-service/internal/config"
	"github.com/watchearn/payout-service/internal/domain"
	"github.com/watchearn/payout-service/internal/store"
	"github.com/watchearn/payout-service/pkg/gateway"
	rmrabbit "github.com/watchearn/payout-service/pkg/rabbitmq"
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
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting payout-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish payout lifecycle events. A
	// broker outage at boot degrades to a logging fallback rather than a crash.
	var publisher rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		publisher = &rmrabbit.NoopPublisher{}
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the payment gateway clients.
	mpesaClient := gateway.NewMpesaClient(
		cfg.MpesaBaseURL,
		cfg.MpesaConsumerKey,
		cfg.MpesaConsumerSecret,
		cfg.MpesaShortcode,
		cfg.MpesaPasskey,
		cfg.MpesaCallbackSecret,
		cfg.DispatchTimeout(),
	)
	walletClient := gateway.NewWalletPayClient(
		cfg.WalletBaseURL,
		cfg.WalletAPIKey,
		cfg.WalletCallbackSecret,
		cfg.DispatchTimeout(),
	)
	gateways := map[domain.PayoutMethod]gateway.Client{
		domain.MethodMobileMoney: mpesaClient,
		domain.MethodWallet:      walletClient,
	}

	// Redis backs the callback rate limiter; the service runs without it.
	var redisClient *redis.Client
	if cfg.CallbackRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; callback rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; callback rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; callback rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application components.
	ledger := app.NewLedger(repository)
	orchestrator := app.NewPayoutOrchestrator(repository, ledger, gateways, publisher, app.OrchestratorConfig{
		MinWithdrawalCoins:  cfg.MinWithdrawalCoins,
		MaxDispatchAttempts: cfg.MaxDispatchAttempts,
		DispatchBaseBackoff: cfg.DispatchBaseBackoff(),
		DispatchBackoffCap:  cfg.DispatchBackoffCap(),
		DispatchTimeout:     cfg.DispatchTimeout(),
		EventExchange:       cfg.EventExchange,
	})
	reconciler := app.NewCallbackReconciler(repository, ledger, []gateway.Client{mpesaClient, walletClient}, publisher, cfg.EventExchange)

	var limiter *app.RedisCallbackRateLimiter
	if redisClient != nil {
		limiter = app.NewRedisCallbackRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	// Initialize the API handlers and router.
	payoutHandlers := api.NewPayoutHandlers(orchestrator, reconciler, limiter, cfg.CallbackRateLimitPerMinute)
	router := chi.NewRouter()
	router.Mount("/", api.PayoutRoutes(payoutHandlers, cfg.JWTSecret, cfg.InternalAPIKey))

	// Wire up the account event consumer: verification and watch-session events.
	accountConsumer := app.NewAccountEventConsumer(repository, ledger, cfg.ReferralBonusCoins)

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	if err := rabbitConsumer.ConsumeWithBindings(cfg.EventExchange, cfg.AccountEventQueue, accountConsumer.Bindings()); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"account consumer start failed\" err=%v", err)
	}

	// Start the maintenance scheduler.
	jobs := app.NewJobs(repository, ledger, orchestrator, publisher, cfg.EventExchange, cfg.SweepBatchSize)
	scheduler, err := app.NewScheduler(jobs, app.SchedulerConfig{
		ResetSchedule:      cfg.ResetSchedule,
		SweepSchedule:      cfg.SweepSchedule,
		RedispatchSchedule: cfg.RedispatchSchedule,
	})
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler init failed\" err=%v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
