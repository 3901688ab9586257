package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"PerpEngine/internal/core"
	"PerpEngine/internal/event"
	"PerpEngine/internal/ingestion"
	"PerpEngine/internal/observability"
	"PerpEngine/internal/persistence"
	"PerpEngine/internal/projection"
	"PerpEngine/internal/query"
	"PerpEngine/internal/server"
	"PerpEngine/internal/state"
	"PerpEngine/internal/stream"
	"PerpEngine/internal/token"
)

func main() {
	log := observability.NewLogger("perpengine")
	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("perpengine exited")
	}
	log.Info().Msg("shutdown complete")
}

func run(log zerolog.Logger) error {
	cfg, err := DefaultConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log.Info().Strs("markets", cfg.Markets).Str("tokens", cfg.TokenBackend).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}

	if _, err := persistence.NewMigrator(db, cfg.MigrationsDir, log).Up(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()
	health.AddCheck("postgres", db.PingContext)

	tokens, closeTokens, err := openTokens(ctx, cfg, health)
	if err != nil {
		return err
	}
	defer closeTokens()

	// --- Recovery ---
	// The persist channel blocks the core when full; the projection channel
	// drops.
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	snapMgr := persistence.NewSnapshotManager(db)
	engine := core.NewEngine(log, cfg.MailboxSize)
	for _, market := range cfg.Markets {
		params := cfg.MarketParams(market)
		if cfg.RebuildProjections {
			if err := projection.RebuildProjections(ctx, db, params, log); err != nil {
				return fmt.Errorf("rebuild projections %s: %w", market, err)
			}
		}
		c, err := persistence.Recover(ctx, snapMgr, params, state.Tokens{
			Collateral: tokens["collateral"],
			Reward:     tokens["reward"],
		}, persistChan, projectionChan, core.Options{
			IdempotencyCapacity: cfg.IdempotencyLRUCapacity,
			DBChecker:           persistence.NewPostgresIdempotencyChecker(db, market),
			Metrics:             metrics,
			Logger:              log,
		}, log)
		if err != nil {
			return fmt.Errorf("recover %s: %w", market, err)
		}
		if err := engine.AddMarket(c); err != nil {
			return err
		}
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, log)
	if err != nil {
		return err
	}
	defer nc.Close()
	health.AddCheck("nats", natsCheck(nc))
	if err := ingestion.EnsureStreams(ctx, js, log); err != nil {
		return err
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, log); err != nil {
		return err
	}

	// --- Workers ---
	published := make(chan event.Effect, cfg.PublishChanSize)
	toNATS := make(chan event.Effect, cfg.PublishChanSize)
	toStream := make(chan event.Effect, cfg.PublishChanSize)

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, log)
	snapshotter := persistence.NewSnapshotter(engine, snapMgr, cfg.SnapshotInterval, metrics, log)
	persistWorker.OnFlushed = snapshotter.Observe
	persistWorker.Published = published
	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics, log)

	rawChan := make(chan ingestion.RawEvent, cfg.IngestChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, log)
	dispatcher := ingestion.NewDispatcher(rawChan, engine, log)
	publisher := ingestion.NewOutboundPublisher(js, toNATS, log)
	hub := stream.NewHub(metrics, log)

	// --- Servers ---
	api := server.NewAPI(server.APIConfig{
		Engine:     engine,
		History:    query.NewQueryService(db),
		Tokens:     tokens,
		Governance: cfg.Governance,
		Metrics:    metrics,
		Logger:     log,
	})
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, api, log)
	httpHandler, err := server.NewHTTPHandler(api, hub, log)
	if err != nil {
		return err
	}
	ops := server.NewOpsRouter(prometheus.DefaultGatherer, health)

	g, gctx := errgroup.WithContext(ctx)
	engine.Start(gctx)

	g.Go(func() error { return persistWorker.Run(gctx) })
	g.Go(func() error { return projWorker.Run(gctx) })
	g.Go(func() error { return snapshotter.Run(gctx) })
	g.Go(func() error { return fanOut(gctx, published, toNATS, toStream) })
	g.Go(func() error { return publisher.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx, toStream) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error {
		if err := subscriber.Subscribe(gctx, ingestion.DefaultSubjects()); err != nil {
			return err
		}
		<-gctx.Done()
		subscriber.Stop()
		return nil
	})
	g.Go(func() error { return grpcServer.Start(gctx) })
	g.Go(func() error { return server.ListenAndServe(gctx, cfg.HTTPAddr, httpHandler, log) })
	g.Go(func() error { return server.ListenAndServe(gctx, cfg.OpsAddr, ops, log) })

	health.SetReady(true)
	grpcServer.SetServing(true)
	log.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("ops", cfg.OpsAddr).
		Msg("perpengine ready")

	err = g.Wait()
	engine.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openTokens builds the collateral and reward ledgers for the configured
// backend. The returned func releases the backend.
func openTokens(ctx context.Context, cfg Config, health *observability.HealthChecker) (map[string]token.Ledger, func(), error) {
	if cfg.TokenBackend != "redis" {
		return map[string]token.Ledger{
			"collateral": token.NewMemoryLedger("USDC"),
			"reward":     token.NewMemoryLedger("PERP"),
		}, func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	health.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	return map[string]token.Ledger{
		"collateral": token.NewRedisLedger(rdb, "USDC"),
		"reward":     token.NewRedisLedger(rdb, "PERP"),
	}, func() { rdb.Close() }, nil
}

func natsCheck(nc *nats.Conn) observability.CheckFunc {
	return func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats %s", nc.Status())
		}
		return nil
	}
}

// fanOut copies every committed effect to each output.
func fanOut(ctx context.Context, in <-chan event.Effect, outs ...chan<- event.Effect) error {
	defer func() {
		for _, out := range outs {
			close(out)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-in:
			if !ok {
				return nil
			}
			for _, out := range outs {
				select {
				case out <- e:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}
