package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ledgerline-systems/ledgerline/internal/aggregate"
	"github.com/ledgerline-systems/ledgerline/internal/checkpoint"
	"github.com/ledgerline-systems/ledgerline/internal/database"
	"github.com/ledgerline-systems/ledgerline/internal/eventstore"
	"github.com/ledgerline-systems/ledgerline/internal/logging"
	"github.com/ledgerline-systems/ledgerline/internal/notify"
	"github.com/ledgerline-systems/ledgerline/internal/orders"
	"github.com/ledgerline-systems/ledgerline/internal/projection"
	"github.com/ledgerline-systems/ledgerline/internal/readmodel"
	"github.com/ledgerline-systems/ledgerline/internal/replay"
	"github.com/ledgerline-systems/ledgerline/internal/snapshot"
	"github.com/ledgerline-systems/ledgerline/internal/token"
)

// runtime holds the wired stores and services a command operates on.
type runtime struct {
	logger      *slog.Logger
	pool        *pgxpool.Pool
	rdb         *redis.Client
	store       eventstore.Store
	snapshots   snapshot.Store
	writer      *snapshot.Writer
	checkpoints checkpoint.Store
	readModels  readmodel.Store
	deadLetters projection.DeadLetterStore
	notifier    notify.Notifier
	engine      *projection.Engine
	router      *replay.Router
	registry    replay.Registry
	coordinator *replay.Coordinator
	repo        *aggregate.Repository
	handler     *aggregate.CommandHandler
	tokens      *token.Service
}

// newRuntime connects to the backing services, applying migrations first.
func newRuntime(ctx context.Context) (*runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if err := database.Migrate(cfg.Postgres.ConnString(), cfg.Postgres.MigrationsPath, logger); err != nil {
		return nil, err
	}
	pool, err := database.Connect(ctx, cfg.Postgres.ConnString(), cfg.Postgres.MaxConns)
	if err != nil {
		return nil, err
	}

	rt := &runtime{logger: logger, pool: pool}
	rt.store = eventstore.NewPostgresStore(pool)
	rt.snapshots = snapshot.NewPostgresStore(pool)
	rt.writer = snapshot.NewWriter(rt.snapshots, logger)
	rt.checkpoints = checkpoint.NewPostgresStore(pool)
	rt.readModels = readmodel.NewPostgresStore(pool)
	rt.deadLetters = projection.NewPostgresDeadLetters(pool)

	if cfg.NATS.Enabled {
		natsCfg := notify.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		n, err := notify.NewNATS(natsCfg, logger)
		if err != nil {
			// Hints are an optimization; polling covers their absence.
			logger.Warn("nats unavailable, falling back to polling", slog.String("error", err.Error()))
		} else {
			rt.notifier = n
		}
	}
	if rt.notifier == nil {
		rt.notifier = notify.NewLocal()
	}

	rt.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	rt.router = replay.NewRouter(rt.rdb, cfg.Replay.Grace)
	rt.registry = replay.NewPostgresRegistry(pool)

	rt.engine = projection.NewEngine(rt.store, rt.readModels, rt.checkpoints, rt.deadLetters,
		rt.notifier, logger, projection.Config{
			BatchSize:    cfg.Projections.BatchSize,
			BatchWait:    cfg.Projections.BatchWait,
			PollInterval: cfg.Projections.PollInterval,
			MaxRetries:   cfg.Projections.MaxRetries,
			LeaseTTL:     cfg.Projections.LeaseTTL,
		})
	rt.coordinator = replay.NewCoordinator(rt.store, rt.checkpoints, rt.readModels,
		rt.registry, rt.router, rt.engine, logger, replay.Config{
			LagThreshold:   cfg.Replay.LagThreshold,
			LagWindow:      cfg.Replay.LagWindow,
			StallAfter:     cfg.Replay.StallAfter,
			SampleInterval: cfg.Replay.SampleInterval,
			Grace:          cfg.Replay.Grace,
		})

	rt.repo, err = aggregate.NewRepository(aggregate.Options{
		Store:        rt.store,
		Snapshots:    rt.snapshots,
		Writer:       rt.writer,
		Chain:        orders.Chain(),
		Policy:       snapshot.Policy{Interval: cfg.Snapshots.Interval},
		Logger:       logger,
		NewAggregate: orders.Factory,
		SnapshotType: orders.SnapshotType,
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.handler = aggregate.NewCommandHandler(rt.repo)
	rt.tokens = token.NewService(rt.checkpoints, rt.notifier, cfg.Projections.PollInterval)

	return rt, nil
}

// projections returns the registered projections by name.
func (rt *runtime) projections() map[string]projection.Projection {
	return map[string]projection.Projection{
		orders.ViewName: orders.NewView(),
	}
}

func (rt *runtime) projectionByName(name string) (projection.Projection, error) {
	proj, ok := rt.projections()[name]
	if !ok {
		return nil, fmt.Errorf("unknown projection %q", name)
	}
	return proj, nil
}

func (rt *runtime) close() {
	if rt.writer != nil {
		rt.writer.Close()
	}
	if rt.notifier != nil {
		_ = rt.notifier.Close()
	}
	if rt.rdb != nil {
		_ = rt.rdb.Close()
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
}
