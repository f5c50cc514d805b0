package monitor_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/DeafMist/sneakdex-indexer/internal/dedupe"
	"github.com/DeafMist/sneakdex-indexer/internal/logger"
	"github.com/DeafMist/sneakdex-indexer/internal/monitor"
	"github.com/DeafMist/sneakdex-indexer/internal/stats"
)

type fakeVectors struct {
	count uint64
	err   error
}

func (f fakeVectors) Count(context.Context, string) (uint64, error) { return f.count, f.err }

type fakeRows struct {
	count    int64
	err      error
	countErr error
}

func (f fakeRows) Ping(context.Context) error { return f.err }

func (f fakeRows) Count(context.Context) (int64, error) { return f.count, f.countErr }

type fixedFailures int

func (f fixedFailures) ConsecutiveFailures() int { return int(f) }

type health struct {
	Status         string            `json:"status"`
	Components     map[string]string `json:"components"`
	CurrentVectors uint64            `json:"current_vectors"`
	CurrentRows    int64             `json:"current_rows"`
}

func getHealth(t *testing.T, m *monitor.Monitor) (int, health) {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var h health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	return rec.Code, h
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		vectors    fakeVectors
		rows       fakeRows
		failures   fixedFailures
		kafka      bool
		wantCode   int
		wantStatus string
	}{
		{name: "all ok", vectors: fakeVectors{count: 7}, rows: fakeRows{count: 5}, kafka: true, wantCode: http.StatusOK, wantStatus: "ok"},
		{name: "qdrant down", vectors: fakeVectors{err: errors.New("refused")}, kafka: true, wantCode: http.StatusServiceUnavailable, wantStatus: "degraded"},
		{name: "row store down", rows: fakeRows{err: errors.New("refused")}, wantCode: http.StatusServiceUnavailable, wantStatus: "degraded"},
		{name: "row count fails", rows: fakeRows{countErr: errors.New("no such table")}, kafka: true, wantCode: http.StatusServiceUnavailable, wantStatus: "degraded"},
		{name: "repeated batch failures", failures: 3, kafka: true, wantCode: http.StatusServiceUnavailable, wantStatus: "degraded"},
		{name: "below failure threshold", failures: 2, kafka: true, wantCode: http.StatusOK, wantStatus: "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := stats.NewMetrics("test")
			m := monitor.New(tt.vectors, tt.rows, dedupe.NewCache(0), tt.failures, metrics, monitor.Options{
				Collection:      "sneakdex",
				KafkaConfigured: tt.kafka,
				CheckTimeout:    time.Second,
				DegradedAfter:   3,
			}, logger.Discard())

			code, h := getHealth(t, m)
			require.Equal(t, tt.wantCode, code)
			require.Equal(t, tt.wantStatus, h.Status)
			require.Contains(t, h.Components, "qdrant")
			require.Contains(t, h.Components, "row_store")
			if tt.kafka {
				require.Equal(t, "configured", h.Components["kafka"])
			} else {
				require.Equal(t, "not configured", h.Components["kafka"])
			}
			if tt.vectors.err == nil {
				require.Equal(t, tt.vectors.count, h.CurrentVectors)
				require.InDelta(t, float64(tt.vectors.count), testutil.ToFloat64(metrics.CurrentVectors), 0)
			}
			if tt.rows.err == nil && tt.rows.countErr == nil {
				require.Equal(t, tt.rows.count, h.CurrentRows)
				require.InDelta(t, float64(tt.rows.count), testutil.ToFloat64(metrics.CurrentRows), 0)
			}
		})
	}
}

func TestReadyMetricsAndIndex(t *testing.T) {
	m := monitor.New(fakeVectors{}, fakeRows{}, dedupe.NewCache(0), nil, stats.NewMetrics("test"), monitor.Options{}, logger.Discard())
	h := m.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "indexer_build_info")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "/health"))
}

func TestDedupClear(t *testing.T) {
	cache := dedupe.NewCache(0)
	cache.Admit("https://a.example/", "h1")
	cache.Admit("https://b.example/", "h2")

	metrics := stats.NewMetrics("test")
	m := monitor.New(fakeVectors{}, fakeRows{}, cache, nil, metrics, monitor.Options{}, logger.Discard())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/dedup/clear", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 4, body["dropped"])
	require.Equal(t, dedupe.Admitted, cache.Admit("https://a.example/", "h1"))
	require.InDelta(t, 0, testutil.ToFloat64(metrics.DedupEntries.WithLabelValues("url")), 0)

	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/dedup/clear", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRunUpdatesGauges(t *testing.T) {
	metrics := stats.NewMetrics("test")
	cache := dedupe.NewCache(0)
	cache.Admit("https://a.example/", "h1")
	m := monitor.New(fakeVectors{}, fakeRows{}, cache, nil, metrics, monitor.Options{Tick: 5 * time.Millisecond}, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.Uptime) > 0
	}, time.Second, 5*time.Millisecond)
	require.InDelta(t, 1, testutil.ToFloat64(metrics.DedupEntries.WithLabelValues("url")), 0)
	require.GreaterOrEqual(t, m.Latency(), time.Duration(0))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor loop did not stop")
	}
}
