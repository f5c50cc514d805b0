package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	"github.com/DeafMist/sneakdex-indexer/internal/config"
)

var (
	// ErrDimensionMismatch means the model returned vectors of an unexpected size.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrCountMismatch means the model returned a different number of vectors than texts.
	ErrCountMismatch = errors.New("embedding count mismatch")
)

const dimensionProbe = "dimension probe"

// Client is the batch embedding call. langchaingo's embeddings.Embedder
// satisfies it.
type Client interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder maps texts to fixed-length vectors, calling the model in
// sub-batches of at most batchSize texts to bound peak memory.
type Embedder struct {
	client    Client
	batchSize int
	limiter   *rate.Limiter
	log       *slog.Logger

	mu  sync.Mutex
	dim int
}

// New connects to an OpenAI-compatible embeddings endpoint.
func New(cfg config.Embedding, log *slog.Logger) (*Embedder, error) {
	llm, err := openai.New(
		openai.WithBaseURL(cfg.Host),
		openai.WithToken(cfg.APIKey),
		openai.WithEmbeddingModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("create embedding client: %w", err)
	}

	emb, err := embeddings.NewEmbedder(llm,
		embeddings.WithStripNewLines(true),
		embeddings.WithBatchSize(cfg.BatchSize),
	)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	e := NewWithClient(emb, cfg.BatchSize, log)
	if cfg.MaxRPS > 0 {
		e.SetRateLimit(float64(cfg.MaxRPS), 1)
	}
	return e, nil
}

// NewWithClient wraps an arbitrary Client.
func NewWithClient(client Client, batchSize int, log *slog.Logger) *Embedder {
	if batchSize <= 0 {
		batchSize = 32
	}
	if log == nil {
		log = slog.Default()
	}
	return &Embedder{client: client, batchSize: batchSize, log: log.With("component", "embedder")}
}

// SetRateLimit throttles calls to the model to rps per second with the given
// burst. It must be called before the embedder is shared.
func (e *Embedder) SetRateLimit(rps float64, burst int) {
	e.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
}

// Dimension asks the model once for its vector size and caches the answer.
func (e *Embedder) Dimension(ctx context.Context) (int, error) {
	e.mu.Lock()
	dim := e.dim
	e.mu.Unlock()
	if dim > 0 {
		return dim, nil
	}

	vecs, err := e.client.EmbedDocuments(ctx, []string{dimensionProbe})
	if err != nil {
		return 0, fmt.Errorf("probe embedding dimension: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return 0, fmt.Errorf("probe embedding dimension: %w", ErrCountMismatch)
	}

	e.mu.Lock()
	e.dim = len(vecs[0])
	e.mu.Unlock()
	e.log.Info("embedding dimension detected", slog.Int("dim", len(vecs[0])))
	return len(vecs[0]), nil
}

// Encode returns one vector per text, in input order.
func (e *Embedder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	dim := e.dim
	e.mu.Unlock()

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		chunk := texts[start:end]

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("wait for embedding rate limit: %w", err)
			}
		}
		vecs, err := e.client.EmbedDocuments(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("embed texts %d..%d: %w", start, end, err)
		}
		if len(vecs) != len(chunk) {
			return nil, fmt.Errorf("embed texts %d..%d: got %d vectors: %w", start, end, len(vecs), ErrCountMismatch)
		}
		for _, v := range vecs {
			if dim > 0 && len(v) != dim {
				return nil, fmt.Errorf("got %d, want %d: %w", len(v), dim, ErrDimensionMismatch)
			}
		}
		out = append(out, vecs...)
	}

	e.log.Debug("generated embeddings", slog.Int("count", len(out)))
	return out, nil
}
