package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/DeafMist/sneakdex-indexer/internal/stats"
)

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
)

// VectorCounter reports the number of points in a collection.
type VectorCounter interface {
	Count(ctx context.Context, collection string) (uint64, error)
}

// RowStore is the health view of the row store.
type RowStore interface {
	Ping(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
}

// DedupCache is the operator view of the dedup cache.
type DedupCache interface {
	Len() (urls, hashes int)
	Clear() int
}

// FailureCounter reports consecutive failed batches.
type FailureCounter interface {
	ConsecutiveFailures() int
}

// Options configure a Monitor.
type Options struct {
	Collection      string
	KafkaConfigured bool
	CheckTimeout    time.Duration
	DegradedAfter   int
	Tick            time.Duration
}

// Monitor serves health, readiness and metrics, and keeps the uptime and
// event-loop latency gauges current.
type Monitor struct {
	vectors  VectorCounter
	rows     RowStore
	cache    DedupCache
	failures FailureCounter
	metrics  *stats.Metrics
	opts     Options
	log      *slog.Logger
	started  time.Time

	mu      sync.Mutex
	latency time.Duration
}

// New creates a Monitor. failures may be nil.
func New(vectors VectorCounter, rows RowStore, cache DedupCache, failures FailureCounter, metrics *stats.Metrics, opts Options, log *slog.Logger) *Monitor {
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 5 * time.Second
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		vectors:  vectors,
		rows:     rows,
		cache:    cache,
		failures: failures,
		metrics:  metrics,
		opts:     opts,
		log:      log.With("component", "monitor"),
		started:  time.Now(),
	}
}

// Handler returns the HTTP surface.
func (m *Monitor) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", m.handleIndex)
	r.Get("/health", m.handleHealth)
	r.Get("/ready", m.handleReady)
	r.Method(http.MethodGet, "/metrics", m.metrics.Handler())
	r.Post("/admin/dedup/clear", m.handleDedupClear)
	return r
}

// Run updates uptime and latency gauges until ctx is done. Latency is how
// much longer than Tick each sleep actually took.
func (m *Monitor) Run(ctx context.Context) {
	for {
		start := time.Now()
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.opts.Tick):
		}

		lag := max(time.Since(start)-m.opts.Tick, 0)
		m.mu.Lock()
		m.latency = lag
		m.mu.Unlock()

		if m.cache != nil {
			m.metrics.SetDedupSize(m.cache.Len())
		}
		m.metrics.EventLoopLatency.Set(lag.Seconds())
		m.metrics.Uptime.Set(time.Since(m.started).Seconds())
	}
}

// Latency is the last measured scheduling delay.
func (m *Monitor) Latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latency
}

type healthResponse struct {
	Status                   string            `json:"status"`
	Timestamp                string            `json:"timestamp"`
	Components               map[string]string `json:"components"`
	CurrentVectors           uint64            `json:"current_vectors"`
	CurrentRows              int64             `json:"current_rows"`
	ConsecutiveFailedBatches int               `json:"consecutive_failed_batches"`
	EventLoopLatencyMS       float64           `json:"event_loop_latency_ms"`
	UptimeSeconds            float64           `json:"uptime_seconds"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        statusOK,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Components:    make(map[string]string, 3),
		UptimeSeconds: time.Since(m.started).Seconds(),
	}
	resp.EventLoopLatencyMS = float64(m.Latency().Microseconds()) / 1000

	ctx, cancel := context.WithTimeout(r.Context(), m.opts.CheckTimeout)
	count, err := m.vectors.Count(ctx, m.opts.Collection)
	cancel()
	if err != nil {
		resp.Status = statusDegraded
		resp.Components["qdrant"] = "error: " + err.Error()
	} else {
		resp.Components["qdrant"] = statusOK
		resp.CurrentVectors = count
		m.metrics.CurrentVectors.Set(float64(count))
	}

	rows, err := m.countRows(r.Context())
	if err != nil {
		resp.Status = statusDegraded
		resp.Components["row_store"] = "error: " + err.Error()
	} else {
		resp.Components["row_store"] = statusOK
		resp.CurrentRows = rows
		m.metrics.CurrentRows.Set(float64(rows))
	}

	if m.opts.KafkaConfigured {
		resp.Components["kafka"] = "configured"
	} else {
		resp.Components["kafka"] = "not configured"
	}

	if m.failures != nil {
		resp.ConsecutiveFailedBatches = m.failures.ConsecutiveFailures()
		if m.opts.DegradedAfter > 0 && resp.ConsecutiveFailedBatches >= m.opts.DegradedAfter {
			resp.Status = statusDegraded
		}
	}

	status := http.StatusOK
	if resp.Status != statusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (m *Monitor) countRows(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.CheckTimeout)
	defer cancel()
	if err := m.rows.Ping(ctx); err != nil {
		return 0, err
	}
	return m.rows.Count(ctx)
}

func (m *Monitor) handleReady(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (m *Monitor) handleDedupClear(w http.ResponseWriter, _ *http.Request) {
	if m.cache == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "dedup cache not available"})
		return
	}
	dropped := m.cache.Clear()
	m.metrics.SetDedupSize(m.cache.Len())
	m.log.Info("dedup cache cleared", slog.Int("dropped", dropped))
	writeJSON(w, http.StatusOK, map[string]int{"dropped": dropped})
}

func (m *Monitor) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<html><head><title>Indexer</title></head><body>
<h1>Indexer</h1>
<ul>
<li><a href="/health">/health</a></li>
<li><a href="/ready">/ready</a></li>
<li><a href="/metrics">/metrics</a></li>
</ul>
</body></html>
`)
}

// Serve listens on addr until ctx is done, then shuts down within grace.
func Serve(ctx context.Context, addr string, handler http.Handler, grace time.Duration, log *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("monitor server starting", slog.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("monitor server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("monitor shutdown: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
