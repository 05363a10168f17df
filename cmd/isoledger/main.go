package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"IsoLedger/internal/config"
	"IsoLedger/internal/core"
	"IsoLedger/internal/ingestion"
	"IsoLedger/internal/observability"
	"IsoLedger/internal/persistence"
	"IsoLedger/internal/query"
	"IsoLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const replayPageSize = 1000

func main() {
	logger := observability.NewLogger("isoledger")
	logger.Info().Msg("IsoLedger starting")

	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrator"))
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- World ---
	worldCfg, err := config.LoadWorld(cfg.WorldFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.WorldFile).Msg("load world")
	}
	world, err := core.BuildWorld(worldCfg, observability.NewLogger("world"))
	if err != nil {
		logger.Fatal().Err(err).Msg("build world")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Engine ---
	// The persist channel blocks when full; the publish channel drops.
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	publishChan := make(chan core.CoreOutput, cfg.PublishChanSize)

	engine := core.NewEngine(world, core.EngineConfig{
		PersistChan: persistChan,
		PublishChan: publishChan,
		DBChecker:   persistence.NewPostgresIdempotencyChecker(db),
		LRUCapacity: cfg.IdempotencyLRUCapacity,
		Metrics:     metrics,
		Logger:      observability.NewLogger("engine"),
	})

	// --- Recovery ---
	// The world is rebuilt from the world file, then every logged command is
	// re-applied and its state hash checked.
	reader := persistence.NewEventLogReader(db)
	start := time.Now()
	replayed, err := reader.ReplayAll(ctx, replayPageSize, engine.Replay)
	if err != nil {
		logger.Fatal().Err(err).Int64("replayed", replayed).Msg("event replay failed")
	}
	if replayed > 0 {
		logger.Info().
			Int64("replayed", replayed).
			Int64("sequence", engine.GetSequence()).
			Hex("state_hash", hashBytes(engine.GetStateHash())).
			Dur("took", time.Since(start)).
			Msg("event log replayed")
	} else {
		logger.Info().Msg("empty event log, cold start from sequence 0")
	}

	keys, err := reader.RecentKeys(ctx, cfg.IdempotencyLRUCapacity)
	if err != nil {
		logger.Warn().Err(err).Msg("load recent idempotency keys")
	} else if len(keys) > 0 {
		engine.WarmLRU(keys)
		logger.Info().Int("keys", len(keys)).Msg("idempotency LRU warmed")
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, vault lookups fall back to postgres")
	}

	store := persistence.NewStore(db)
	vaultLookup := persistence.NewCachedVaultLookup(store, rdb, cfg.RedisVaultTTL, metrics)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		logger.Fatal().Err(err).Msg("ensure NATS streams")
	}

	rawEventChan := make(chan ingestion.RawEvent, 4096)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan, observability.NewLogger("subscriber"))
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	router := ingestion.NewRouter(engine, metrics, observability.NewLogger("router"))
	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan, observability.NewLogger("publisher"))

	// --- Query + gRPC/HTTP ---
	queryService := query.NewService(engine, vaultLookup, store, metrics)
	api := server.NewAPI(queryService, engine, observability.NewLogger("api"))
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, api, healthChecker, observability.NewLogger("server"))

	healthChecker.AddCheck("postgres", db.PingContext)
	healthChecker.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	})

	// --- Goroutines ---
	errChan := make(chan error, 8)
	workersDone := make(chan struct{}, 2)

	// 1. Persistence worker. Committed vault rows prime the redis cache.
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout,
		persistence.WithMetrics(metrics),
		persistence.WithLogger(observability.NewLogger("persistence")),
		persistence.WithFlushHook(func(b *persistence.Batch) {
			if len(b.Vaults) > 0 {
				vaultLookup.Prime(context.Background(), b.Vaults)
			}
		}),
	)
	go func() {
		if err := persistWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
		workersDone <- struct{}{}
	}()

	// 2. Outbound publisher
	go func() {
		if err := outboundPublisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("outbound publisher: %w", err)
		}
		workersDone <- struct{}{}
	}()

	// 3. NATS -> engine
	go func() {
		if err := router.Run(ctx, rawEventChan); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("ingestion router: %w", err)
		}
	}()

	// 4. gRPC server
	go func() {
		errChan <- grpcServer.StartGRPC(ctx)
	}()

	// 5. HTTP gateway
	go func() {
		errChan <- grpcServer.StartHTTPGateway(ctx)
	}()

	// 6. Prometheus metrics
	go func() {
		if err := serveMetrics(ctx, cfg.MetricsAddr, logger); err != nil {
			errChan <- err
		}
	}()

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	logger.Info().
		Int64("sequence", engine.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("IsoLedger ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop taking commands, then let the workers flush what they hold.
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	natsSubscriber.Stop()
	cancel()

	waitForWorkers(workersDone, 2, 30*time.Second, logger)
	logger.Info().
		Int64("sequence", engine.GetSequence()).
		Hex("state_hash", hashBytes(engine.GetStateHash())).
		Msg("IsoLedger shutdown complete")
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening on /metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func waitForWorkers(done <-chan struct{}, n int, timeout time.Duration, logger zerolog.Logger) {
	deadline := time.After(timeout)
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-deadline:
			logger.Warn().Int("pending", n-i).Msg("workers did not drain before timeout")
			return
		}
	}
}

func hashBytes(h [32]byte) []byte { return h[:] }
