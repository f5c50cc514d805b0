package stats

import (
	"fmt"
	"log/slog"
	"time"
)

// Batch aggregates counters for one flushed batch. A fresh value is used for
// every batch; nothing here survives across batches.
//
// Document success is tracked per sink: SuccessfulDocs counts points written
// to the vector store, SuccessfulRows counts rows written to the row store.
type Batch struct {
	TotalDocs      int
	SuccessfulDocs int
	SuccessfulRows int
	FailedDocs     int
	FailedRows     int
	DuplicateDocs  int

	TotalImages      int
	SuccessfulImages int
	FailedImages     int
	SkippedImages    int

	EmbeddingTime  time.Duration
	ProcessingTime time.Duration
}

// SuccessRate is the share of total documents that reached the vector store.
func (b Batch) SuccessRate() float64 {
	return float64(b.SuccessfulDocs) / float64(max(b.TotalDocs, 1)) * 100
}

// DocsPerSecond is the vector-store throughput for the batch.
func (b Batch) DocsPerSecond() float64 {
	secs := b.ProcessingTime.Seconds()
	if secs < 0.01 {
		secs = 0.01
	}
	return float64(b.SuccessfulDocs) / secs
}

// LogValue renders the batch as a slog group.
func (b Batch) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("total_docs", b.TotalDocs),
		slog.Int("successful_docs", b.SuccessfulDocs),
		slog.Int("successful_rows", b.SuccessfulRows),
		slog.Int("failed_docs", b.FailedDocs),
		slog.Int("failed_rows", b.FailedRows),
		slog.Int("duplicate_docs", b.DuplicateDocs),
		slog.Int("total_images", b.TotalImages),
		slog.Int("successful_images", b.SuccessfulImages),
		slog.Int("failed_images", b.FailedImages),
		slog.Int("skipped_images", b.SkippedImages),
		slog.Duration("embedding_time", b.EmbeddingTime),
		slog.Duration("processing_time", b.ProcessingTime),
		slog.String("success_rate", fmt.Sprintf("%.1f%%", b.SuccessRate())),
		slog.Float64("docs_per_sec", b.DocsPerSecond()),
	)
}
