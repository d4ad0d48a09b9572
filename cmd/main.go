/**
 * @description
 * This is the main entry point for the trustgroup-service. It initializes configuration,
 * the store (PostgreSQL or in-memory), the audit chain, the Redis-backed PIN rate limiter,
 * RabbitMQ publishing through the outbox, the disbursement status consumer, the maintenance
 * scheduler and the HTTP server, then runs them until SIGINT or SIGTERM.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: PIN rate limiting.
 * - github.com/joho/godotenv: local `.env` preload.
 * - github.com/prometheus/client_golang: /metrics.
 * - golang.org/x/sync/errgroup: run loop supervision.
 * - internal/api, internal/app, internal/audit, internal/config, internal/store.
 * - pkg/logging, pkg/rabbitmq.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/trustgroup-service/internal/api"
	"github.com/transfa/trustgroup-service/internal/app"
	"github.com/transfa/trustgroup-service/internal/audit"
	"github.com/transfa/trustgroup-service/internal/config"
	"github.com/transfa/trustgroup-service/internal/domain"
	"github.com/transfa/trustgroup-service/internal/metrics"
	"github.com/transfa/trustgroup-service/internal/store"
	"github.com/transfa/trustgroup-service/pkg/logging"
	rmrabbit "github.com/transfa/trustgroup-service/pkg/rabbitmq"
	"golang.org/x/sync/errgroup"
)

const (
	consumerPrefetch = 20
	shutdownTimeout  = 10 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("level=warn component=bootstrap msg=\"failed to load .env file\" err=%v", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	logger := logging.Setup(cfg.LogFormat, cfg.LogLevel)
	log.Printf("level=info component=bootstrap msg=\"starting trustgroup-service\" port=%s store=%s", cfg.ServerPort, cfg.StoreDriver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repository, closeStore := openStore(ctx, cfg)
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	chain := audit.NewChain(repository, m)
	options := []app.Option{app.WithMetrics(m)}
	if redisClient := openRedis(ctx, cfg); redisClient != nil {
		defer redisClient.Close()
		options = append(options, app.WithRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)))
	}

	service := app.NewService(repository, chain, serviceSettings(cfg), options...)

	if strings.TrimSpace(cfg.JWKSURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwks url must be configured\" env=JWKS_URL")
	}
	if cfg.InternalAPIKey == "" {
		log.Println("level=warn component=bootstrap msg=\"internal api key missing; internal routes disabled\" env=INTERNAL_API_KEY")
	}

	handlers := api.NewHandlers(service)
	router := api.NewRouter(handlers, api.RouterOptions{
		Authenticate:   api.JWTAuthMiddleware(api.NewJWKSKeySet(cfg.JWKSURL, nil), cfg.JWTAudience, cfg.JWTIssuer),
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOrigins(),
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	dispatcher := app.NewOutboxDispatcher(repository, producerFactory(cfg.RabbitMQURL), logging.Component(logger, "outbox"), m, cfg.OutboxPollInterval())

	jobs := app.NewJobs(service, logging.Component(logger, "jobs"))
	scheduler := app.NewScheduler(jobs, logging.Component(logger, "scheduler"), app.Schedules{
		ChainVerify:    cfg.ChainVerifySchedule,
		ProposalExpiry: cfg.ProposalExpirySchedule,
	})
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		dispatcher.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		return runDisbursementConsumer(groupCtx, cfg, service)
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Println("level=info component=http msg=\"shutdown started\"")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
		}
		<-scheduler.Stop().Done()
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Printf("level=error component=bootstrap msg=\"service stopped with error\" err=%v", err)
		closeStore()
		os.Exit(1)
	}
	log.Println("level=info component=http msg=\"shutdown complete\"")
}

func serviceSettings(cfg config.Config) app.Settings {
	settings := app.DefaultSettings()
	settings.StoreTimeout = cfg.StoreTimeout()
	settings.PINMaxAttempts = cfg.PINMaxAttempts
	settings.PINLockout = cfg.PINLockout()
	settings.PINRateLimitPerMinute = cfg.PINRateLimitPerMinute
	settings.DefaultApprovalThreshold = cfg.DefaultApprovalThreshold
	settings.VotingWindow = cfg.VotingWindow()
	settings.EventExchange = cfg.EventExchange
	return settings
}

// openStore connects the configured store. The returned close func is safe to call twice.
func openStore(ctx context.Context, cfg config.Config) (store.Repository, func()) {
	if cfg.StoreDriver == "memory" {
		log.Println("level=warn component=bootstrap msg=\"using in-memory store; data is lost on restart\"")
		return store.NewMemoryRepository(), func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	migrateCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := store.Migrate(migrateCtx, dbpool); err != nil {
		dbpool.Close()
		log.Fatalf("level=fatal component=bootstrap msg=\"database migration failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	closed := false
	return store.NewPostgresRepository(dbpool), func() {
		if !closed {
			closed = true
			dbpool.Close()
		}
	}
}

// openRedis returns nil when Redis is not configured or unreachable; PIN rate limiting is
// then disabled and lockouts still apply.
func openRedis(ctx context.Context, cfg config.Config) *redis.Client {
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; pin rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; pin rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; pin rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}

// producerFactory connects lazily so the outbox keeps rows until the broker is reachable.
func producerFactory(amqpURL string) app.PublisherFactory {
	return func() (rmrabbit.Publisher, error) {
		if strings.TrimSpace(amqpURL) == "" {
			return &rmrabbit.EventProducerFallback{}, nil
		}
		producer, err := rmrabbit.NewEventProducer(amqpURL)
		if err != nil {
			return nil, err
		}
		return producer, nil
	}
}

// runDisbursementConsumer keeps the disbursement status consumer attached, reconnecting
// after the broker drops the connection.
func runDisbursementConsumer(ctx context.Context, cfg config.Config, settler app.WithdrawalSettler) error {
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; disbursement status consumer disabled\" env=RABBITMQ_URL")
		<-ctx.Done()
		return nil
	}

	handler := app.NewDisbursementStatusConsumer(settler)
	bindings := map[string]rmrabbit.Handler{
		domain.RoutingKeyDisbursementCompleted: handler.HandleMessage,
		domain.RoutingKeyDisbursementFailed:    handler.HandleMessage,
	}

	backoff := time.Second
	for {
		consumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, consumerPrefetch)
		if err == nil {
			err = consumer.ConsumeWithBindings(cfg.DisbursementExchange, cfg.DisbursementEventQueue, bindings)
		}
		if err != nil {
			log.Printf("level=warn component=disbursement_consumer msg=\"consumer start failed; retrying\" backoff=%s err=%v", backoff, err)
			if consumer != nil {
				consumer.Close()
			}
		} else {
			log.Printf("level=info component=disbursement_consumer msg=\"consuming\" queue=%s", cfg.DisbursementEventQueue)
			backoff = time.Second
			select {
			case <-ctx.Done():
				consumer.Close()
				return nil
			case closeErr := <-consumer.NotifyClose():
				log.Printf("level=warn component=disbursement_consumer msg=\"connection closed; reconnecting\" err=%v", closeErr)
				consumer.Close()
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}
