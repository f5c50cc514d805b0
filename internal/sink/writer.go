package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/DeafMist/sneakdex-indexer/internal/models"
	"github.com/DeafMist/sneakdex-indexer/internal/stats"
)

// Sink labels used in logs and metrics.
const (
	Vectors = "vectors"
	Rows    = "rows"
	Images  = "images"
)

// VectorStore upserts points into a named collection.
type VectorStore interface {
	Upsert(ctx context.Context, collection string, points []models.Point) error
}

// RowStore upserts relational rows by primary key.
type RowStore interface {
	UpsertRows(ctx context.Context, rows []models.Row) (int, error)
}

// Batch is everything one flushed batch writes.
type Batch struct {
	Points []models.Point
	Rows   []models.Row
	Images []models.Point
}

// Outcome is the result of writing one batch to one sink.
type Outcome struct {
	Sink    string
	Written int
	Failed  int
	Tries   int
	Retries int
	Err     error
}

// OK reports whether every item reached the sink.
func (o Outcome) OK() bool { return o.Err == nil }

// Result holds the independent outcome of each sink.
type Result struct {
	Vectors Outcome
	Rows    Outcome
	Images  Outcome
}

// Options configure a Writer.
type Options struct {
	Collection      string
	ImageCollection string
	ImageChunk      int
	MaxAttempts     int
	BaseDelay       time.Duration
}

// Writer upserts one batch into the vector store and the row store. The two
// writes run concurrently on the pool and never affect each other.
type Writer struct {
	vectors VectorStore
	rows    RowStore
	pool    *ants.Pool
	opts    Options
	metrics *stats.Metrics
	log     *slog.Logger
}

// NewWriter creates a Writer. metrics may be nil.
func NewWriter(vectors VectorStore, rows RowStore, pool *ants.Pool, opts Options, metrics *stats.Metrics, log *slog.Logger) *Writer {
	if opts.ImageChunk <= 0 {
		opts.ImageChunk = 100
	}
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		vectors: vectors,
		rows:    rows,
		pool:    pool,
		opts:    opts,
		metrics: metrics,
		log:     log.With("component", "sink"),
	}
}

// Write runs all three upserts and waits for them. It never returns early
// because one sink failed.
func (w *Writer) Write(ctx context.Context, b Batch) Result {
	var (
		res Result
		wg  sync.WaitGroup
	)

	w.dispatch(&wg, func() { res.Vectors = w.writePoints(ctx, b.Points) })
	w.dispatch(&wg, func() { res.Rows = w.writeRows(ctx, b.Rows) })
	w.dispatch(&wg, func() { res.Images = w.writeImages(ctx, b.Images) })
	wg.Wait()

	return res
}

// dispatch runs task on the pool, or inline when the pool refuses it.
func (w *Writer) dispatch(wg *sync.WaitGroup, task func()) {
	wg.Add(1)
	run := func() {
		defer wg.Done()
		task()
	}
	if w.pool == nil {
		run()
		return
	}
	if err := w.pool.Submit(run); err != nil {
		w.log.Warn("pool rejected task, running inline", slog.Any("err", err))
		run()
	}
}

func (w *Writer) writePoints(ctx context.Context, points []models.Point) Outcome {
	out := Outcome{Sink: Vectors}
	if len(points) == 0 {
		return out
	}

	out.Tries, out.Err = RetryWithBackoff(ctx, w.log, Vectors, w.opts.MaxAttempts, w.opts.BaseDelay, func(ctx context.Context) error {
		return w.vectors.Upsert(ctx, w.opts.Collection, points)
	})
	if out.Err != nil {
		out.Failed = len(points)
	} else {
		out.Written = len(points)
	}
	out.Retries = max(out.Tries-1, 0)
	w.record(out)
	return out
}

func (w *Writer) writeRows(ctx context.Context, rows []models.Row) Outcome {
	out := Outcome{Sink: Rows}
	if len(rows) == 0 {
		return out
	}

	var written int
	out.Tries, out.Err = RetryWithBackoff(ctx, w.log, Rows, w.opts.MaxAttempts, w.opts.BaseDelay, func(ctx context.Context) error {
		n, err := w.rows.UpsertRows(ctx, rows)
		written = n
		return err
	})
	out.Written = written
	out.Failed = len(rows) - written
	out.Retries = max(out.Tries-1, 0)
	w.record(out)
	return out
}

func (w *Writer) writeImages(ctx context.Context, images []models.Point) Outcome {
	out := Outcome{Sink: Images}
	if len(images) == 0 {
		return out
	}

	var errs []error
	for start := 0; start < len(images); start += w.opts.ImageChunk {
		end := min(start+w.opts.ImageChunk, len(images))
		chunk := images[start:end]

		tries, err := RetryWithBackoff(ctx, w.log, Images, w.opts.MaxAttempts, w.opts.BaseDelay, func(ctx context.Context) error {
			return w.vectors.Upsert(ctx, w.opts.ImageCollection, chunk)
		})
		out.Tries += tries
		out.Retries += max(tries-1, 0)
		if err != nil {
			out.Failed += len(chunk)
			errs = append(errs, fmt.Errorf("images %d..%d: %w", start, end, err))
			continue
		}
		out.Written += len(chunk)
	}
	out.Err = errors.Join(errs...)
	w.record(out)
	return out
}

func (w *Writer) record(out Outcome) {
	if w.metrics == nil {
		return
	}
	outcome := "success"
	if out.Err != nil {
		outcome = "failure"
	}
	w.metrics.SinkUpserts.WithLabelValues(out.Sink, outcome).Inc()
	if out.Retries > 0 {
		w.metrics.SinkRetries.WithLabelValues(out.Sink).Add(float64(out.Retries))
	}
}
