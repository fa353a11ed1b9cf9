package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	"github.com/creastat/tutoring/cache"
	"github.com/creastat/tutoring/completion"
	"github.com/creastat/tutoring/config"
	"github.com/creastat/tutoring/curriculum"
	"github.com/creastat/tutoring/curriculum/qdrant"
	"github.com/creastat/tutoring/event"
	"github.com/creastat/tutoring/gateway"
	"github.com/creastat/tutoring/gateway/sqlite"
	"github.com/creastat/tutoring/gateway/supabase"
	"github.com/creastat/tutoring/lifecycle"
	"github.com/creastat/tutoring/logging"
	"github.com/creastat/tutoring/pipeline"
	"github.com/creastat/tutoring/recovery"
	"github.com/creastat/tutoring/server"
	"github.com/creastat/tutoring/snapshot"
)

// app holds every long-lived component of a running server.
type app struct {
	gateway   gateway.Gateway
	snapshots snapshot.Store
	cache     *cache.Cache
	queue     *cache.Queue
	bus       *event.Bus
	lifecycle *lifecycle.Manager
	retriever *curriculum.Retriever
	pipeline  *pipeline.Pipeline
	server    *server.Server
	closers   []io.Closer
}

func buildGateway(cfg config.GatewayConfig) (gateway.Gateway, error) {
	switch cfg.Driver {
	case "", "memory":
		return gateway.NewMemory(), nil
	case "sqlite":
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "supabase":
		client, err := supabase.New(supabase.Config{URL: cfg.SupabaseURL, APIKey: cfg.SupabaseKey})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown gateway driver %q", cfg.Driver)
	}
}

func buildSnapshots(cfg config.SnapshotConfig) (snapshot.Store, error) {
	opts := []snapshot.StoreOption{snapshot.WithCapacity(cfg.Capacity)}
	switch cfg.Driver {
	case "", "memory":
		return snapshot.NewStore(snapshot.StoreTypeMemory, opts...)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		opts = append(opts, snapshot.WithRedisClient(client), snapshot.WithRedisTTL(cfg.TTL))
		return snapshot.NewStore(snapshot.StoreTypeRedis, opts...)
	default:
		return nil, fmt.Errorf("unknown snapshot driver %q", cfg.Driver)
	}
}

// buildRetriever returns nil when curriculum retrieval is not configured.
func buildRetriever(cfg config.Config) (*curriculum.Retriever, error) {
	if !cfg.Curriculum.Enabled() {
		return nil, nil
	}
	embedder, err := completion.NewEmbedder(cfg.Completion, cfg.Curriculum.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	store, err := qdrant.New(qdrant.Config{
		URL:            cfg.Curriculum.QdrantURL,
		CollectionName: cfg.Curriculum.Collection,
		APIKey:         cfg.Curriculum.QdrantAPIKey,
	})
	if err != nil {
		return nil, err
	}
	return curriculum.NewRetriever(store, embedder,
		curriculum.WithLimit(cfg.Curriculum.Limit),
		curriculum.WithMinScore(cfg.Curriculum.MinScore),
	), nil
}

// newApp wires the components described by cfg. Nothing is started.
func newApp(cfg *config.Config) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	var err error
	if a.gateway, err = buildGateway(cfg.Gateway); err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	a.closers = append(a.closers, a.gateway)

	if a.snapshots, err = buildSnapshots(cfg.Snapshot); err != nil {
		return nil, fmt.Errorf("snapshot store: %w", err)
	}
	a.closers = append(a.closers, a.snapshots)

	svc, err := completion.New(cfg.Completion)
	if err != nil {
		return nil, fmt.Errorf("completion: %w", err)
	}

	if a.retriever, err = buildRetriever(*cfg); err != nil {
		return nil, fmt.Errorf("curriculum: %w", err)
	}
	if a.retriever != nil {
		a.closers = append(a.closers, a.retriever)
	}

	a.cache = cache.New(cache.WithTTL(cfg.Cache.TTL))
	a.queue = cache.NewQueue(
		cache.WithDrainInterval(cfg.Queue.DrainInterval),
		cache.WithBatchSize(cfg.Queue.BatchSize),
		cache.WithOpTimeout(cfg.Queue.OpTimeout),
	)
	a.bus = event.NewBus()
	a.closers = append(a.closers, a.bus)

	a.lifecycle = lifecycle.New(a.gateway, a.cache,
		lifecycle.WithIdleTimeout(cfg.Lifecycle.IdleTimeout),
		lifecycle.WithSweepInterval(cfg.Lifecycle.SweepInterval),
		lifecycle.WithSweepBatch(cfg.Lifecycle.SweepBatch),
		lifecycle.WithPublisher(a.bus),
	)

	coordinator := recovery.New(a.gateway, a.snapshots,
		recovery.WithMaxAttempts(cfg.Recovery.MaxAttempts),
		recovery.WithBaseDelay(cfg.Recovery.BaseDelay),
		recovery.WithHistoryLimit(cfg.Recovery.HistoryLimit),
	)

	opts := []pipeline.Option{
		pipeline.WithPublisher(a.bus),
		pipeline.WithTokenizer(completion.NewTokenizerForModel(cfg.Completion.Model)),
		pipeline.WithCompletionTimeout(cfg.Completion.Timeout),
		pipeline.WithGeneration(cfg.Completion.MaxTokens, cfg.Completion.Temperature),
		pipeline.WithPersistPolicy(pipeline.PersistPolicy(cfg.Pipeline.PersistPolicy)),
		pipeline.WithHistoryLimit(cfg.Pipeline.HistoryLimit),
	}
	if a.retriever != nil {
		opts = append(opts,
			pipeline.WithCurriculum(a.retriever),
			pipeline.WithCurriculumTimeout(cfg.Curriculum.Timeout),
		)
	}
	a.pipeline = pipeline.New(pipeline.Deps{
		Cache:      a.cache,
		Queue:      a.queue,
		Recovery:   coordinator,
		Lifecycle:  a.lifecycle,
		Gateway:    a.gateway,
		Completion: svc,
	}, opts...)

	a.server = server.New(&server.Config{
		Addr:           cfg.Server.Addr,
		EnableCORS:     cfg.Server.EnableCORS,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ReadTimeout:    server.DefaultConfig().ReadTimeout,
	}, server.Deps{
		Turns:    a.pipeline,
		Sessions: a.lifecycle,
		Store:    a.gateway,
		Events:   a.bus,
	})

	ok = true
	return a, nil
}

// start launches the background workers. They stop when ctx ends.
func (a *app) start(ctx context.Context) {
	a.queue.Start(ctx, func() {
		if n := a.cache.Purge(); n > 0 {
			logging.Debug().Int("purged", n).Msg("expired contexts purged")
		}
	})
	go a.lifecycle.Run(ctx)
}

// shutdown flushes pending writes and releases resources.
func (a *app) shutdown(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		logging.Warn().Err(err).Msg("http shutdown")
	}
	a.lifecycle.Stop()
	a.queue.Stop(ctx)
	if n := a.queue.Len(); n > 0 {
		logging.Warn().Int("pending", n).Msg("deferred writes lost at shutdown")
	}
	a.close()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			logging.Warn().Err(err).Msg("close")
		}
	}
	a.closers = nil
}
