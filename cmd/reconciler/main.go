package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"github.com/example/bulk-dispatch/internal/common"
	"github.com/example/bulk-dispatch/internal/gateway"
	"github.com/example/bulk-dispatch/internal/reconcile"
	"github.com/example/bulk-dispatch/internal/scheduler"
	"github.com/example/bulk-dispatch/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("reconciler")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg.ServiceName)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	metricsSrv := common.StartMetricsServer(cfg.MetricsPort)
	defer metricsSrv.Shutdown(context.Background())

	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL must be provided")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	producer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Topic:    cfg.EventsTopic,
		Balancer: &kafka.Hash{},
	}
	defer producer.Close()

	messages := store.NewPostgresStore(pool)

	reconciler := &reconcile.Reconciler{
		Messages:     messages,
		Groups:       messages,
		Gateway:      gateway.NewClient(cfg.GatewayURL, cfg.GatewayAPIKey),
		Events:       producer,
		Logger:       logger,
		FetchTimeout: cfg.GatewayTimeout,
	}

	sweep, err := scheduler.New("reconcile-sweep", cfg.SweepInterval, logger, func(tickCtx context.Context) {
		if err := reconciler.SweepPending(tickCtx, cfg.SweepBatchSize); err != nil {
			logger.Error().Err(err).Msg("reconcile sweep failed")
		}
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build scheduler")
	}
	sweep.Start()
	defer sweep.Stop()

	logger.Info().
		Str("interval", cfg.SweepInterval.String()).
		Msg("reconciler running")

	<-ctx.Done()
}
