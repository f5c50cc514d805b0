package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/DeafMist/sneakdex-indexer/internal/dedupe"
	"github.com/DeafMist/sneakdex-indexer/internal/logger"
	"github.com/DeafMist/sneakdex-indexer/internal/models"
	"github.com/DeafMist/sneakdex-indexer/internal/pipeline"
	"github.com/DeafMist/sneakdex-indexer/internal/sink"
	"github.com/DeafMist/sneakdex-indexer/internal/source"
	"github.com/DeafMist/sneakdex-indexer/internal/stats"
	"github.com/DeafMist/sneakdex-indexer/internal/validate"
)

// events records the order of side effects across fakes.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type scriptedSource struct {
	results []source.Result
	onEmpty func()
	events  *events
	closes  int
}

func (s *scriptedSource) Poll(ctx context.Context, _ time.Duration) source.Result {
	if ctx.Err() != nil {
		return source.Result{Kind: source.Error, Err: ctx.Err()}
	}
	if len(s.results) == 0 {
		if s.onEmpty != nil {
			s.onEmpty()
		}
		return source.Result{Kind: source.None}
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r
}

func (s *scriptedSource) Close() error {
	s.closes++
	if s.events != nil {
		s.events.add("close")
	}
	return nil
}

type fakeEncoder struct {
	mu    sync.Mutex
	fail  func(texts []string) error
	calls int
}

func (f *fakeEncoder) Encode(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		if err := f.fail(texts); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1}
	}
	return out, nil
}

type fakeVectors struct {
	mu      sync.Mutex
	failFor map[string]bool
	points  map[string][]models.Point
	events  *events
}

func (f *fakeVectors) Upsert(_ context.Context, collection string, points []models.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[collection] {
		return errors.New("vector store unavailable")
	}
	if f.points == nil {
		f.points = map[string][]models.Point{}
	}
	f.points[collection] = append(f.points[collection], points...)
	if f.events != nil {
		f.events.add("upsert " + collection)
	}
	return nil
}

type fakeRows struct {
	mu        sync.Mutex
	fail      bool
	failCalls int
	rows      []models.Row
}

func (f *fakeRows) UpsertRows(_ context.Context, rows []models.Row) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || f.failCalls > 0 {
		f.failCalls--
		return 0, errors.New("row store unavailable")
	}
	f.rows = append(f.rows, rows...)
	return len(rows), nil
}

func (f *fakeRows) snapshot() []models.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Row(nil), f.rows...)
}

type harness struct {
	driver  *pipeline.Driver
	source  *scriptedSource
	encoder *fakeEncoder
	vectors *fakeVectors
	rows    *fakeRows
	metrics *stats.Metrics
	cache   *dedupe.Cache
}

func newHarness(t *testing.T, opts pipeline.Options) *harness {
	t.Helper()
	pool, err := ants.NewPool(4)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	h := &harness{
		source:  &scriptedSource{},
		encoder: &fakeEncoder{},
		vectors: &fakeVectors{},
		rows:    &fakeRows{},
		metrics: stats.NewMetrics("test"),
		cache:   dedupe.NewCache(0),
	}
	log := logger.Discard()
	writer := sink.NewWriter(h.vectors, h.rows, pool, sink.Options{
		Collection:      "docs",
		ImageCollection: "images",
		ImageChunk:      10,
		MaxAttempts:     2,
		BaseDelay:       time.Millisecond,
	}, h.metrics, log)

	if opts.BatchSize == 0 {
		opts.BatchSize = 100
	}
	if opts.BatchMaxWait == 0 {
		opts.BatchMaxWait = time.Hour
	}
	opts.IdleSleep = time.Millisecond
	h.driver = pipeline.New(h.source, validate.New(h.cache, 0, log), h.encoder, writer, pool, h.metrics, opts, log)
	return h
}

func page(url, title, body string) models.ParsedPage {
	return models.ParsedPage{URL: url, Title: title, CleanedText: body}
}

func message(p models.ParsedPage) source.Result {
	return source.Result{Kind: source.Message, Page: p}
}

func TestProcessBatchCountsDuplicates(t *testing.T) {
	h := newHarness(t, pipeline.Options{})

	st, err := h.driver.ProcessBatch(context.Background(), []models.ParsedPage{
		page("https://a.example/", "A", "alpha body"),
		page("https://b.example/", "B", "beta body"),
		page("https://a.example/", "A again", "other body"),
	})
	require.NoError(t, err)
	require.Equal(t, 3, st.TotalDocs)
	require.Equal(t, 2, st.SuccessfulDocs)
	require.Equal(t, 2, st.SuccessfulRows)
	require.Equal(t, 1, st.DuplicateDocs)
	require.Zero(t, st.FailedDocs)
	require.Len(t, h.vectors.points["docs"], 2)
}

func TestProcessBatchTitleOnlyPasses(t *testing.T) {
	h := newHarness(t, pipeline.Options{})

	st, err := h.driver.ProcessBatch(context.Background(), []models.ParsedPage{
		page("https://a.example/", "Only a title", ""),
		page("https://b.example/", "", ""),
	})
	require.NoError(t, err)
	require.Equal(t, 1, st.SuccessfulDocs)
	require.Equal(t, 1, st.FailedDocs)
}

func TestProcessBatchSinksAreIndependent(t *testing.T) {
	h := newHarness(t, pipeline.Options{})
	h.vectors.failFor = map[string]bool{"docs": true}

	st, err := h.driver.ProcessBatch(context.Background(), []models.ParsedPage{
		page("https://a.example/", "A", "alpha"),
		page("https://b.example/", "B", "beta"),
	})
	require.Error(t, err)
	require.True(t, pipeline.Fatal(err))

	var stageErr *pipeline.StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, pipeline.StageVectorUpsert, stageErr.Stage)

	require.Zero(t, st.SuccessfulDocs)
	require.Equal(t, 2, st.FailedDocs)
	require.Equal(t, 2, st.SuccessfulRows)
	require.Len(t, h.rows.rows, 2)
}

func TestProcessBatchEmbeddingFailure(t *testing.T) {
	h := newHarness(t, pipeline.Options{})
	h.encoder.fail = func([]string) error { return errors.New("model offline") }

	st, err := h.driver.ProcessBatch(context.Background(), []models.ParsedPage{page("https://a.example/", "A", "alpha")})

	var stageErr *pipeline.StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, pipeline.StageEmbed, stageErr.Stage)
	require.Equal(t, 1, st.FailedDocs)
	require.Empty(t, h.vectors.points)
	require.Empty(t, h.rows.rows)
}

func TestProcessBatchImageEmbeddingFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, pipeline.Options{})
	h.encoder.fail = func(texts []string) error {
		if strings.Contains(texts[0], "from:") {
			return errors.New("caption batch rejected")
		}
		return nil
	}

	p := page("https://a.example/", "Pets", "about cats")
	p.Images = []models.Image{{Src: "cat.png", Alt: "a cat"}}

	st, err := h.driver.ProcessBatch(context.Background(), []models.ParsedPage{p})
	require.Error(t, err)
	require.False(t, pipeline.Fatal(err))
	require.Equal(t, 1, st.SuccessfulDocs)
	require.Equal(t, 1, st.FailedImages)
	require.Equal(t, st.TotalImages, st.SuccessfulImages+st.FailedImages+st.SkippedImages)
	require.Empty(t, h.vectors.points["images"])
}

func TestProcessBatchIndexesImages(t *testing.T) {
	h := newHarness(t, pipeline.Options{})

	p := page("https://a.example/", "Pets", "about cats")
	p.Images = []models.Image{
		{Src: "cat.png", Alt: "a cat"},
		{Src: "blank.png"},
		{Src: "about:blank", Alt: "spacer"},
	}

	st, err := h.driver.ProcessBatch(context.Background(), []models.ParsedPage{p})
	require.NoError(t, err)
	require.Equal(t, 2, st.TotalImages)
	require.Equal(t, 1, st.SuccessfulImages)
	require.Equal(t, 1, st.SkippedImages)
	require.Zero(t, st.FailedImages)
	require.Equal(t, st.TotalImages, st.SuccessfulImages+st.FailedImages+st.SkippedImages)
	require.Len(t, h.vectors.points["images"], 1)
	require.Equal(t, "a cat from: Pets", h.vectors.points["images"][0].Payload["caption"])
}

func TestRunStopsAtMaxDocsAndFlushesRemainder(t *testing.T) {
	h := newHarness(t, pipeline.Options{BatchSize: 2, MaxDocs: 3})
	h.source.results = []source.Result{
		message(page("https://a.example/", "A", "a")),
		message(page("https://b.example/", "B", "b")),
		message(page("https://c.example/", "C", "c")),
		message(page("https://d.example/", "D", "d")),
	}

	require.NoError(t, h.driver.Run(context.Background()))
	require.Equal(t, pipeline.Stopped, h.driver.State())
	require.Equal(t, 1, h.source.closes)
	require.Len(t, h.rows.rows, 3)
	require.Len(t, h.source.results, 1)
	require.InDelta(t, 2, testutil.ToFloat64(h.metrics.BatchesIndexed), 0)
	require.InDelta(t, 3, testutil.ToFloat64(h.metrics.MessagesConsumed), 0)
}

func TestRunSkipsMalformedMessages(t *testing.T) {
	h := newHarness(t, pipeline.Options{MaxDocs: 1})
	h.source.results = []source.Result{
		{Kind: source.Error, Err: &source.DecodeError{Offset: 4, Err: errors.New("bad json")}},
		{Kind: source.EndOfPartition},
		message(page("https://a.example/", "A", "a")),
	}

	require.NoError(t, h.driver.Run(context.Background()))
	require.InDelta(t, 1, testutil.ToFloat64(h.metrics.MessagesFailed), 0)
	require.Len(t, h.rows.rows, 1)
}

func TestRunDrainsBeforeClosing(t *testing.T) {
	h := newHarness(t, pipeline.Options{})
	ev := &events{}
	h.source.events = ev
	h.vectors.events = ev

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.source.results = []source.Result{
		message(page("https://a.example/", "A", "a")),
		message(page("https://b.example/", "B", "b")),
	}
	h.source.onEmpty = cancel

	require.NoError(t, h.driver.Run(ctx))
	require.Equal(t, []string{"upsert docs", "close"}, ev.all())
	require.Len(t, h.vectors.points["docs"], 2)
	require.Equal(t, 1, h.source.closes)
}

func TestRunFlushesOnMaxWait(t *testing.T) {
	h := newHarness(t, pipeline.Options{BatchMaxWait: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.source.results = []source.Result{message(page("https://a.example/", "A", "a"))}
	h.source.onEmpty = func() {
		if len(h.rows.snapshot()) == 1 {
			cancel()
		}
	}

	require.NoError(t, h.driver.Run(ctx))
	require.InDelta(t, 1, testutil.ToFloat64(h.metrics.BatchesIndexed), 0)
}

func TestConsecutiveFailures(t *testing.T) {
	t.Run("accumulate", func(t *testing.T) {
		h := newHarness(t, pipeline.Options{BatchSize: 1, MaxDocs: 2})
		h.rows.fail = true
		h.source.results = []source.Result{
			message(page("https://a.example/", "A", "a")),
			message(page("https://b.example/", "B", "b")),
		}

		require.NoError(t, h.driver.Run(context.Background()))
		require.Equal(t, 2, h.driver.ConsecutiveFailures())
		require.InDelta(t, 2, testutil.ToFloat64(h.metrics.BatchesFailed), 0)
		require.InDelta(t, 2, testutil.ToFloat64(h.metrics.ConsecutiveFailed), 0)
	})

	t.Run("reset by a good batch", func(t *testing.T) {
		h := newHarness(t, pipeline.Options{BatchSize: 1, MaxDocs: 3})
		// Two batches with two attempts each.
		h.rows.failCalls = 4
		h.source.results = []source.Result{
			message(page("https://a.example/", "A", "a")),
			message(page("https://b.example/", "B", "b")),
			message(page("https://c.example/", "C", "c")),
		}

		require.NoError(t, h.driver.Run(context.Background()))
		require.Zero(t, h.driver.ConsecutiveFailures())
		require.InDelta(t, 2, testutil.ToFloat64(h.metrics.BatchesFailed), 0)
		require.InDelta(t, 1, testutil.ToFloat64(h.metrics.BatchesIndexed), 0)
	})
}

func TestRunReturnsWhenSourceCloses(t *testing.T) {
	h := newHarness(t, pipeline.Options{})
	h.source.results = []source.Result{{Kind: source.Error, Err: source.ErrClosed}}

	err := h.driver.Run(context.Background())
	require.ErrorIs(t, err, source.ErrClosed)
	require.Equal(t, pipeline.Stopped, h.driver.State())
}
