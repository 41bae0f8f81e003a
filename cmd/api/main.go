package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/bulk-dispatch/internal/api"
	"github.com/example/bulk-dispatch/internal/common"
	"github.com/example/bulk-dispatch/internal/dedupe"
	"github.com/example/bulk-dispatch/internal/dispatch"
	"github.com/example/bulk-dispatch/internal/gateway"
	"github.com/example/bulk-dispatch/internal/recipient"
	"github.com/example/bulk-dispatch/internal/reconcile"
	"github.com/example/bulk-dispatch/internal/scheduler"
	"github.com/example/bulk-dispatch/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("api")
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

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	producer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Topic:    cfg.EventsTopic,
		Balancer: &kafka.Hash{},
	}
	defer producer.Close()

	messages := store.NewPostgresStore(pool)
	directory := store.NewCustomerDirectory(pool)
	gw := gateway.NewClient(cfg.GatewayURL, cfg.GatewayAPIKey)

	dispatcher := &dispatch.Dispatcher{
		Messages:      messages,
		Groups:        messages,
		Logs:          messages,
		Gateway:       gw,
		Events:        producer,
		Logger:        logger,
		MaxGroupSize:  cfg.MaxGroupSize,
		Workers:       cfg.DispatchWorkers,
		SubmitTimeout: cfg.GatewayTimeout,
	}
	reconciler := &reconcile.Reconciler{
		Messages:     messages,
		Groups:       messages,
		Gateway:      gw,
		Events:       producer,
		Logger:       logger,
		FetchTimeout: cfg.GatewayTimeout,
	}

	h := api.NewHandler(
		messages,
		recipient.NewResolver(directory, logger),
		dedupe.NewRedisStore(rdb, cfg.DedupeTTL),
		dispatcher,
		reconciler,
		logger,
	)

	// Scheduled sends fire from here; the optimistic claim inside Dispatch
	// keeps a second api replica from double-sending.
	sched, err := scheduler.New("scheduled-dispatch", cfg.ScheduleInterval, logger, func(tickCtx context.Context) {
		n, err := dispatcher.DispatchDue(tickCtx, time.Now().UTC(), cfg.SweepBatchSize)
		if err != nil {
			logger.Error().Err(err).Msg("scheduled dispatch sweep failed")
			return
		}
		if n > 0 {
			logger.Info().Int("dispatched", n).Msg("scheduled messages dispatched")
		}
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build scheduler")
	}
	sched.Start()
	defer sched.Stop()

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.HTTPPort),
		Handler: h.Router(),
	}

	go func() {
		logger.Info().Int("port", cfg.HTTPPort).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
