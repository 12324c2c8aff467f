/**
 * @description
 * This is the main entry point for the ledger-cdc-service. It is responsible
 * for initializing all components of the service: configuration, the database
 * connection pool, the RabbitMQ subscription, the optional Redis duplicate
 * cache, the domain projectors, the CDC manager, the reconciler, and the
 * operational HTTP server. It wires everything together and starts the
 * pipeline.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing (via internal/api).
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/rabbitmq/amqp091-go: RabbitMQ client (via pkg/rabbitmq).
 * - internal/api, internal/app, internal/cdc, internal/config, internal/store.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/corebank/ledger-cdc-service/internal/api"
	"github.com/corebank/ledger-cdc-service/internal/app"
	"github.com/corebank/ledger-cdc-service/internal/cdc"
	"github.com/corebank/ledger-cdc-service/internal/config"
	"github.com/corebank/ledger-cdc-service/internal/observability"
	"github.com/corebank/ledger-cdc-service/internal/store"
	"github.com/corebank/ledger-cdc-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting ledger-cdc-service\" port=%s exchange=%s queue=%s", cfg.ServerPort, cfg.CDCExchange, cfg.CDCQueue)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 10
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

	repository := store.NewPostgresRepository(dbpool)

	// Prometheus registry and pipeline instruments.
	promRegistry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promRegistry)

	// Connect the CDC subscription.
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq connection failed\" err=%v", err)
	}
	defer consumer.Close()
	log.Println("level=info component=bootstrap msg=\"rabbitmq connected\"")

	deadLetterSink, err := consumer.NewDeadLetterPublisher(cfg.CDCDeadLetterExchange)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"dead-letter exchange declare failed\" err=%v", err)
	}

	// The Redis duplicate cache is optional; the pipeline is correct without it.
	var dedup *cdc.DedupCache
	if cfg.RedisURL != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; duplicate cache disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; duplicate cache disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				dedup = cdc.NewDedupCache(redisClient, cfg.DedupKeyPrefix, time.Duration(cfg.DedupTTLMinutes)*time.Minute)
				log.Println("level=info component=bootstrap msg=\"redis duplicate cache enabled\"")
			}
		}
	}

	// Register the domain projectors. The account projector runs first: the
	// loan and payment projectors read the transfer records it writes.
	registry := cdc.NewRegistry()
	subscription := cdc.SubscriptionConfig{
		Exchange:    cfg.CDCExchange,
		RoutingKeys: cdc.AllTransferRoutingKeys(),
		Queue:       cfg.CDCQueue,
	}
	err = registry.Register(subscription,
		app.NewAccountProjector(repository),
		app.NewPaymentProjector(repository),
		app.NewLoanProjector(repository),
	)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"handler registration failed\" err=%v", err)
	}

	dispatcher := cdc.NewDispatcher(registry, repository, dedup, deadLetterSink, metrics, cdc.DispatcherConfig{
		Workers:        cfg.WorkerPoolSize,
		MaxAttempts:    cfg.MaxDeliveryAttempts,
		BackoffBase:    time.Duration(cfg.RetryBackoffBaseMS) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.RetryBackoffMaxMS) * time.Millisecond,
		HandlerTimeout: time.Duration(cfg.HandlerTimeoutSeconds) * time.Second,
	})

	manager := cdc.NewManager(consumer, registry, dispatcher, repository, metrics, cfg.PrefetchCount)
	if err := manager.Start(context.Background()); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"cdc pipeline start failed\" err=%v", err)
	}

	reconciler := app.NewReconciler(repository, registry, metrics, app.ReconcilerConfig{
		ReplaySchedule: cfg.ReconcileSchedule,
		ExpirySchedule: cfg.PendingExpirySchedule,
		ParkedMaxAge:   time.Duration(cfg.ParkedMaxAgeMinutes) * time.Minute,
		BatchSize:      cfg.ParkedBatchSize,
	})
	if err := reconciler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"reconciler start failed\" err=%v", err)
	}

	// Operational HTTP surface: health, readiness, lag, metrics.
	handlers := api.NewHandlers(manager, repository)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: api.Routes(handlers, promRegistry),
	}
	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=bootstrap msg=\"shutdown started\"")

	// Stop pulling new events first, then let in-flight work drain.
	<-reconciler.Stop().Done()
	if err := manager.Stop(time.Duration(cfg.ShutdownTimeoutSecs) * time.Second); err != nil {
		log.Printf("level=error component=bootstrap msg=\"pipeline drain incomplete; unacked events will redeliver\" err=%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=bootstrap msg=\"shutdown complete\"")
}
