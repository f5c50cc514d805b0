package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/DeafMist/sneakdex-indexer/internal/config"
	"github.com/DeafMist/sneakdex-indexer/internal/dedupe"
	"github.com/DeafMist/sneakdex-indexer/internal/elasticsearch"
	"github.com/DeafMist/sneakdex-indexer/internal/embedder"
	"github.com/DeafMist/sneakdex-indexer/internal/logger"
	"github.com/DeafMist/sneakdex-indexer/internal/models"
	"github.com/DeafMist/sneakdex-indexer/internal/monitor"
	"github.com/DeafMist/sneakdex-indexer/internal/pipeline"
	"github.com/DeafMist/sneakdex-indexer/internal/processing"
	"github.com/DeafMist/sneakdex-indexer/internal/sink"
	"github.com/DeafMist/sneakdex-indexer/internal/source"
	"github.com/DeafMist/sneakdex-indexer/internal/sqlstore"
	"github.com/DeafMist/sneakdex-indexer/internal/stats"
	"github.com/DeafMist/sneakdex-indexer/internal/validate"
	"github.com/DeafMist/sneakdex-indexer/internal/vectorstore"
)

var version = "dev"

const (
	startupAttempts = 10
	startupDelay    = 2 * time.Second
	maxStartupDelay = 30 * time.Second
)

type rowStore interface {
	UpsertRows(ctx context.Context, rows []models.Row) (int, error)
	Ping(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
	Close() error
}

func main() {
	log := logger.New("indexer")
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("indexer stopped", slog.Any("err", err))
		os.Exit(1)
	}
	log.Info("indexer exited cleanly")
}

func run(ctx context.Context, cfg *config.Worker, log *slog.Logger) error {
	metrics := stats.NewMetrics(version)

	pool, err := ants.NewPool(cfg.SinkWorkers)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	emb, err := embedder.New(cfg.Embedding, log)
	if err != nil {
		return err
	}

	vectors, err := vectorstore.New(cfg.Qdrant.URL, cfg.Qdrant.APIKey, log)
	if err != nil {
		return err
	}
	defer vectors.Close()

	rows, err := openRowStore(cfg.RowStore, log)
	if err != nil {
		return err
	}
	defer rows.Close()

	checks := startup{attempts: startupAttempts, delay: startupDelay}
	if err := checks.checks(ctx, cfg, log, emb, vectors, rows); err != nil {
		return err
	}

	cache := dedupe.NewCache(cfg.DedupeCapacity)
	writer := sink.NewWriter(vectors, rows, pool, sink.Options{
		Collection:      cfg.Qdrant.Collection,
		ImageCollection: cfg.Qdrant.ImageCollection,
		ImageChunk:      cfg.Qdrant.ImageUpsertChunk,
		MaxAttempts:     cfg.RetryAttempts,
		BaseDelay:       cfg.RetryBaseDelay,
	}, metrics, log)

	driver := pipeline.New(
		source.New(cfg.Kafka),
		validate.New(cache, cfg.MinContentLength, log),
		emb,
		writer,
		pool,
		metrics,
		pipeline.Options{
			BatchSize:     cfg.BatchSize,
			BatchMaxWait:  cfg.BatchMaxWait,
			MaxDocs:       cfg.MaxDocs,
			PollTimeout:   cfg.Kafka.PollTimeout,
			ShutdownGrace: cfg.ShutdownGrace,
			Text: processing.TextOptions{
				MaxLength:        cfg.MaxEmbeddingLength,
				MaxHeadingLength: cfg.MaxHeadingLength,
			},
		},
		log,
	)

	mon := monitor.New(vectors, rows, cache, driver, metrics, monitor.Options{
		Collection:      cfg.Qdrant.Collection,
		KafkaConfigured: cfg.KafkaConfigured(),
		CheckTimeout:    cfg.HealthCheckTimeout,
		DegradedAfter:   cfg.DegradedAfterFailures,
	}, log)

	log.Info("indexer started",
		slog.String("version", version),
		slog.String("topic", cfg.Kafka.Topic),
		slog.String("group", cfg.Kafka.GroupID),
		slog.String("collection", cfg.Qdrant.Collection),
		slog.String("row_store", cfg.RowStore.Driver),
	)

	// The pipeline ending (MAX_DOCS, closed source) also stops the monitor.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return driver.Run(gctx)
	})
	g.Go(func() error {
		mon.Run(gctx)
		return nil
	})
	g.Go(func() error {
		addr := ":" + strconv.Itoa(cfg.MonitorPort)
		return monitor.Serve(gctx, addr, mon.Handler(), 10*time.Second, log)
	})
	return g.Wait()
}

func openRowStore(cfg config.RowStore, log *slog.Logger) (rowStore, error) {
	switch cfg.Driver {
	case config.RowStoreElasticsearch:
		client, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.RowStoreSQLite:
		store, err := sqlstore.Open(cfg.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown row store %q", cfg.Driver)
	}
}

// startup is the retry policy for dependency checks.
type startup struct {
	attempts int
	delay    time.Duration
}

// checks waits for every dependency and prepares collections and indexes.
// Any failure here is fatal.
func (s startup) checks(ctx context.Context, cfg *config.Worker, log *slog.Logger, emb *embedder.Embedder, vectors *vectorstore.Store, rows rowStore) error {
	err := waitReady(ctx, log, "kafka", s.attempts, s.delay, func(ctx context.Context) error {
		return source.CheckBrokers(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic)
	})
	if err != nil {
		return err
	}

	if err := waitReady(ctx, log, "row store", s.attempts, s.delay, rows.Ping); err != nil {
		return err
	}
	if es, ok := rows.(*elasticsearch.Client); ok {
		if err := waitReady(ctx, log, "elasticsearch cluster", s.attempts, s.delay, es.Health); err != nil {
			return err
		}
		if err := es.EnsureIndex(ctx); err != nil {
			return err
		}
	}

	var dim int
	err = waitReady(ctx, log, "embedder", s.attempts, s.delay, func(ctx context.Context) error {
		var err error
		dim, err = emb.Dimension(ctx)
		return err
	})
	if err != nil {
		return err
	}

	err = waitReady(ctx, log, "qdrant", s.attempts, s.delay, func(ctx context.Context) error {
		return vectors.EnsureCollections(ctx, dim, cfg.Qdrant.Collection, cfg.Qdrant.ImageCollection)
	})
	if err != nil {
		return err
	}

	log.Info("startup checks passed", slog.Int("embedding_dim", dim))
	return nil
}

// waitReady retries check with a doubling delay capped at maxStartupDelay.
func waitReady(ctx context.Context, log *slog.Logger, name string, attempts int, delay time.Duration, check func(context.Context) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = check(checkCtx)
		cancel()
		if err == nil {
			log.Info("dependency ready", slog.String("dependency", name))
			return nil
		}

		log.Warn("dependency not ready, retrying",
			slog.String("dependency", name),
			slog.Any("err", err),
			slog.Int("attempt", i+1),
			slog.Int("max_retries", attempts),
			slog.Duration("retry_in", delay),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", name, ctx.Err())
		}
		delay = min(delay*2, maxStartupDelay)
	}
	return fmt.Errorf("%s not ready after %d attempts: %w", name, attempts, err)
}
