package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/DeafMist/sneakdex-indexer/internal/batch"
	"github.com/DeafMist/sneakdex-indexer/internal/models"
	"github.com/DeafMist/sneakdex-indexer/internal/payload"
	"github.com/DeafMist/sneakdex-indexer/internal/processing"
	"github.com/DeafMist/sneakdex-indexer/internal/sink"
	"github.com/DeafMist/sneakdex-indexer/internal/source"
	"github.com/DeafMist/sneakdex-indexer/internal/stats"
	"github.com/DeafMist/sneakdex-indexer/internal/validate"
)

const defaultIdleSleep = 50 * time.Millisecond

// Poller is the message source.
type Poller interface {
	Poll(ctx context.Context, timeout time.Duration) source.Result
	Close() error
}

// Encoder turns texts into vectors.
type Encoder interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
}

// Writer upserts a prepared batch into the sinks.
type Writer interface {
	Write(ctx context.Context, b sink.Batch) sink.Result
}

// Options tune the driver loop.
type Options struct {
	BatchSize     int
	BatchMaxWait  time.Duration
	MaxDocs       int
	PollTimeout   time.Duration
	IdleSleep     time.Duration
	ShutdownGrace time.Duration
	Text          processing.TextOptions
}

// Driver runs the poll, batch, index loop.
type Driver struct {
	source    Poller
	batcher   *batch.Batcher[models.ParsedPage]
	validator *validate.Validator
	encoder   Encoder
	writer    Writer
	pool      *ants.Pool
	metrics   *stats.Metrics
	opts      Options
	log       *slog.Logger

	state    atomic.Int32
	consumed int
	failures atomic.Int64
}

// New wires a Driver. pool dispatches embedding calls off the loop and may
// be nil; metrics must not be nil.
func New(src Poller, validator *validate.Validator, encoder Encoder, writer Writer, pool *ants.Pool, metrics *stats.Metrics, opts Options, log *slog.Logger) *Driver {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 100 * time.Millisecond
	}
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = defaultIdleSleep
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Driver{
		source:    src,
		batcher:   batch.New[models.ParsedPage](opts.BatchSize, opts.BatchMaxWait),
		validator: validator,
		encoder:   encoder,
		writer:    writer,
		pool:      pool,
		metrics:   metrics,
		opts:      opts,
		log:       log.With("component", "pipeline"),
	}
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	return State(d.state.Load())
}

func (d *Driver) setState(s State) {
	if prev := State(d.state.Swap(int32(s))); prev != s {
		d.log.Debug("state change", slog.String("from", prev.String()), slog.String("to", s.String()))
	}
}

// ConsecutiveFailures is the number of failed batches since the last good one.
func (d *Driver) ConsecutiveFailures() int {
	return int(d.failures.Load())
}

// Run polls until ctx is done, the source closes or MaxDocs messages have
// been consumed. It then flushes the pending batch and closes the source
// exactly once. A batch still in flight when ctx ends gets ShutdownGrace to
// finish.
func (d *Driver) Run(ctx context.Context) error {
	d.setState(Polling)
	d.log.Info("pipeline started",
		slog.Int("batch_size", d.opts.BatchSize),
		slog.Duration("batch_max_wait", d.opts.BatchMaxWait),
		slog.Int("max_docs", d.opts.MaxDocs),
	)

	flushCtx, stopFlush := d.graceContext(ctx)
	defer stopFlush()

	runErr := d.poll(ctx, flushCtx)

	d.setState(Draining)
	if pending := d.batcher.Len(); pending > 0 {
		d.log.Info("flushing pending batch before shutdown", slog.Int("pending", pending))
	}
	d.flush(flushCtx)

	if err := d.source.Close(); err != nil {
		d.log.Error("close source", slog.Any("err", err))
	}
	d.setState(Stopped)
	d.log.Info("pipeline stopped", slog.Int("consumed", d.consumed))
	return runErr
}

func (d *Driver) poll(ctx, flushCtx context.Context) error {
	for {
		if ctx.Err() != nil {
			d.log.Info("shutdown signal received, draining")
			return nil
		}
		if d.opts.MaxDocs > 0 && d.consumed >= d.opts.MaxDocs {
			d.log.Info("max documents reached, draining", slog.Int("max_docs", d.opts.MaxDocs))
			return nil
		}

		res := d.source.Poll(ctx, d.opts.PollTimeout)
		switch res.Kind {
		case source.None:
			if d.batcher.Due() {
				d.flush(flushCtx)
				continue
			}
			select {
			case <-ctx.Done():
			case <-time.After(d.opts.IdleSleep):
			}

		case source.EndOfPartition:
			d.log.Debug("reached end of partition")
			if d.batcher.Due() {
				d.flush(flushCtx)
			}

		case source.Error:
			if ctx.Err() != nil {
				continue
			}
			if errors.Is(res.Err, source.ErrClosed) {
				return fmt.Errorf("poll: %w", res.Err)
			}
			var decodeErr *source.DecodeError
			if errors.As(res.Err, &decodeErr) {
				d.metrics.MessagesFailed.Inc()
				d.log.Warn("skipping malformed message",
					slog.Int("partition", res.Partition),
					slog.Int64("offset", res.Offset),
					slog.Any("err", &StageError{Stage: StageDecode, Err: res.Err}),
				)
				continue
			}
			d.log.Error("poll failed", slog.Any("err", res.Err))
			select {
			case <-ctx.Done():
			case <-time.After(d.opts.IdleSleep):
			}

		case source.Message:
			start := time.Now()
			d.consumed++
			d.metrics.MessagesConsumed.Inc()
			full := d.batcher.Add(res.Page)
			d.metrics.MessageSeconds.Observe(time.Since(start).Seconds())
			if full || d.batcher.Due() {
				d.flush(flushCtx)
			}
		}
	}
}

// graceContext returns a context that outlives ctx by ShutdownGrace.
func (d *Driver) graceContext(ctx context.Context) (context.Context, context.CancelFunc) {
	graceCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(d.opts.ShutdownGrace, cancel)
	})
	return graceCtx, func() {
		stop()
		cancel()
	}
}

func (d *Driver) flush(ctx context.Context) {
	pages := d.batcher.Flush()
	if len(pages) == 0 {
		return
	}

	prev := d.State()
	d.setState(BatchFlush)
	defer d.setState(prev)

	st, err := d.ProcessBatch(ctx, pages)
	d.metrics.Observe(st)

	if err != nil && !Fatal(err) {
		d.log.Warn("batch indexed without some images", slog.Any("err", err))
		err = nil
	}
	if err != nil {
		d.metrics.BatchesFailed.Inc()
		n := d.failures.Add(1)
		d.metrics.ConsecutiveFailed.Set(float64(n))
		d.log.Error("batch failed", slog.Any("err", err), slog.Int64("consecutive_failures", n), slog.Any("stats", st))
		return
	}

	d.metrics.BatchesIndexed.Inc()
	d.failures.Store(0)
	d.metrics.ConsecutiveFailed.Set(0)
	d.log.Info("batch indexed", slog.Any("stats", st))
}

// ProcessBatch validates, embeds and writes one batch. The returned error
// joins every StageError of the batch; stats are filled in either way.
func (d *Driver) ProcessBatch(ctx context.Context, pages []models.ParsedPage) (stats.Batch, error) {
	start := time.Now()
	var st stats.Batch

	vr := d.validator.Validate(pages)
	st.TotalDocs = vr.Total
	st.FailedDocs = vr.Failed
	st.DuplicateDocs = vr.Duplicate
	st.TotalImages = len(vr.Images)

	images, captions := captionImages(vr.Images)
	st.SkippedImages = len(vr.Images) - len(images)

	if len(vr.Documents) == 0 {
		st.ProcessingTime = time.Since(start)
		return st, nil
	}

	texts := make([]string, len(vr.Documents))
	for i, doc := range vr.Documents {
		texts[i] = processing.BuildEmbeddingText(doc.ParsedPage, d.opts.Text)
	}

	embedStart := time.Now()
	vectors, err := d.encode(ctx, texts)
	st.EmbeddingTime = time.Since(embedStart)
	if err != nil {
		st.FailedDocs += len(vr.Documents)
		st.FailedRows += len(vr.Documents)
		st.FailedImages += len(images)
		st.ProcessingTime = time.Since(start)
		return st, &StageError{Stage: StageEmbed, Err: err}
	}

	var b sink.Batch
	for i, doc := range vr.Documents {
		b.Points = append(b.Points, payload.DocumentPoint(doc, vectors[i]))
		b.Rows = append(b.Rows, payload.DocumentRow(doc))
	}
	var errs []error
	imgPoints, err := d.imagePoints(ctx, images, captions)
	if err != nil {
		st.FailedImages += len(images)
		errs = append(errs, err)
	}
	b.Images = imgPoints
	st.EmbeddingTime = time.Since(embedStart)

	res := d.writer.Write(ctx, b)
	st.SuccessfulDocs = res.Vectors.Written
	st.FailedDocs += res.Vectors.Failed
	st.SuccessfulRows = res.Rows.Written
	st.FailedRows += res.Rows.Failed
	st.SuccessfulImages = res.Images.Written
	st.FailedImages += res.Images.Failed

	if res.Vectors.Err != nil {
		errs = append(errs, &StageError{Stage: StageVectorUpsert, Err: res.Vectors.Err})
	}
	if res.Rows.Err != nil {
		errs = append(errs, &StageError{Stage: StageRowUpsert, Err: res.Rows.Err})
	}
	if res.Images.Err != nil {
		errs = append(errs, &StageError{Stage: StageImageUpsert, Err: res.Images.Err})
	}

	st.ProcessingTime = time.Since(start)
	return st, errors.Join(errs...)
}

// captionImages keeps the images that have a caption, in order, alongside
// their captions.
func captionImages(images []models.ImageRecord) ([]models.ImageRecord, []string) {
	captioned := make([]models.ImageRecord, 0, len(images))
	captions := make([]string, 0, len(images))
	for _, img := range images {
		if caption := processing.BuildImageCaption(img); caption != "" {
			captioned = append(captioned, img)
			captions = append(captions, caption)
		}
	}
	return captioned, captions
}

func (d *Driver) imagePoints(ctx context.Context, images []models.ImageRecord, captions []string) ([]models.Point, error) {
	if len(captions) == 0 {
		return nil, nil
	}

	vectors, err := d.encode(ctx, captions)
	if err != nil {
		return nil, &StageError{Stage: StageImageEmbed, Err: err}
	}

	points := make([]models.Point, len(images))
	for i, img := range images {
		points[i] = payload.ImagePoint(img, captions[i], vectors[i])
	}
	return points, nil
}

// encode runs the embedding call on the pool so the loop goroutine only
// waits on a channel.
func (d *Driver) encode(ctx context.Context, texts []string) ([][]float32, error) {
	if d.pool == nil {
		return d.encoder.Encode(ctx, texts)
	}

	type result struct {
		vectors [][]float32
		err     error
	}
	done := make(chan result, 1)
	err := d.pool.Submit(func() {
		vectors, err := d.encoder.Encode(ctx, texts)
		done <- result{vectors: vectors, err: err}
	})
	if err != nil {
		d.log.Warn("pool rejected embedding task, running inline", slog.Any("err", err))
		return d.encoder.Encode(ctx, texts)
	}

	select {
	case r := <-done:
		return r.vectors, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
