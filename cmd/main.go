package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storefront/config"
	"storefront/internal/clickhouse"
	"storefront/internal/lifecycle"
	"storefront/internal/memstore"
	"storefront/internal/notify"
	"storefront/internal/outbox"
	"storefront/internal/postgres"
	"storefront/internal/rabbitmq"
	"storefront/internal/review"
	"storefront/internal/store"
	"storefront/internal/workers"
	"storefront/pkg/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log := logger.With("main")
	log.Info().
		Str("store", cfg.Store.Driver).
		Str("exchange", cfg.RabbitMQ.Exchange).
		Bool("clickhouse", cfg.ClickHouse.Enabled).
		Msg("starting storefront service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	orders := lifecycle.New(st, lifecycle.Options{
		ConflictRetries:  cfg.Store.ConflictRetries,
		LedgerEntryLimit: cfg.Store.LedgerEntryLimit,
	})
	reviews := review.NewService(st, nil)

	publisher, err := rabbitmq.NewPublisher(cfg.RabbitMQ)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create publisher")
	}
	defer publisher.Close()

	commandConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQ)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create command consumer")
	}
	defer commandConsumer.Close()

	notificationConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQ)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create notification consumer")
	}
	defer notificationConsumer.Close()
	log.Info().Msg("connected to RabbitMQ")

	revenueWorker, closeRevenue, err := connectRevenue(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up revenue pipeline")
	}
	defer closeRevenue()

	relay := outbox.NewRelay(st, publisher, outbox.RelayConfig{
		BatchSize:    cfg.Outbox.BatchSize,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
		PollInterval: cfg.Outbox.PollInterval,
	})
	commandWorker := workers.NewCommandWorker(commandConsumer, orders, reviews, publisher, cfg.RabbitMQ.CommandQueue, cfg.CommandTimeout)
	notificationWorker := workers.NewNotificationWorker(notificationConsumer, notify.LogDeliverer{Log: logger.With("push")}, cfg.RabbitMQ.NotificationQueue)

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				log.Error().Err(err).Str("worker", name).Msg("worker stopped")
				stop()
			}
		}()
	}

	start("outbox_relay", relay.Run)
	start("commands", commandWorker.Start)
	start("notifications", notificationWorker.Start)
	if revenueWorker != nil {
		start("revenue", revenueWorker.Start)
	}

	if cfg.Metrics.Enabled {
		start("metrics", func(ctx context.Context) error {
			return serveMetrics(ctx, cfg.Metrics.Addr)
		})
	}

	log.Info().Msg("all workers started")
	<-ctx.Done()

	log.Info().Msg("shutting down workers")
	wg.Wait()
	log.Info().Msg("workers stopped gracefully")
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Store.Driver == config.DriverMemory {
		logger.Warn().Msg("using in-memory store; state is lost on exit")
		return memstore.New(), nil
	}

	client, err := postgres.NewClient(postgres.PostgresConfig{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		Username: cfg.Postgres.Username,
		Password: cfg.Postgres.Password,
		TimeZone: cfg.Postgres.TimeZone,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Store.AutoMigrate {
		if err := client.Migrate(); err != nil {
			client.Close()
			return nil, err
		}
	}
	logger.Info().Str("host", cfg.Postgres.Host).Str("database", cfg.Postgres.Database).Msg("connected to Postgres")
	return postgres.NewStore(client), nil
}

// connectRevenue opens ClickHouse and the revenue consumer. It runs before
// any worker starts, so a failure leaves nothing in flight. The worker is
// nil when ClickHouse is disabled.
func connectRevenue(ctx context.Context, cfg *config.Config) (*workers.RevenueWorker, func(), error) {
	if !cfg.ClickHouse.Enabled {
		return nil, func() {}, nil
	}

	chClient, err := clickhouse.NewClient(cfg.ClickHouse)
	if err != nil {
		return nil, nil, err
	}
	if err := chClient.EnsureSchema(ctx); err != nil {
		chClient.Close()
		return nil, nil, fmt.Errorf("create ClickHouse schema: %w", err)
	}
	logger.Info().Msg("connected to ClickHouse")

	revenueConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQ)
	if err != nil {
		chClient.Close()
		return nil, nil, fmt.Errorf("create revenue consumer: %w", err)
	}
	closeAll := func() {
		revenueConsumer.Close()
		chClient.Close()
	}
	return workers.NewRevenueWorker(revenueConsumer, chClient, cfg.RabbitMQ.RevenueQueue), closeAll, nil
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
