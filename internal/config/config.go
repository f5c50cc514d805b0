package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Row store drivers.
const (
	RowStoreElasticsearch = "elasticsearch"
	RowStoreSQLite        = "sqlite"
)

// Kafka holds broker and consumer-group parameters.
type Kafka struct {
	Brokers        []string
	Topic          string
	GroupID        string
	CommitInterval time.Duration
	PollTimeout    time.Duration
}

// Embedding describes the OpenAI-compatible embedding endpoint. MaxRPS 0
// leaves calls unthrottled.
type Embedding struct {
	Host      string
	Model     string
	APIKey    string
	BatchSize int
	MaxRPS    int
}

// Qdrant configures the vector store.
type Qdrant struct {
	URL              string
	APIKey           string
	Collection       string
	ImageCollection  string
	ImageUpsertChunk int
}

// RowStore selects and configures the relational/lexical sink.
type RowStore struct {
	Driver             string
	ElasticsearchAddr  string
	ElasticsearchIndex string
	SQLitePath         string
}

// Worker holds configuration for the parsed-pages -> vector/row store indexer.
type Worker struct {
	Kafka     Kafka
	Embedding Embedding
	Qdrant    Qdrant
	RowStore  RowStore

	BatchSize          int
	BatchMaxWait       time.Duration
	MaxDocs            int
	MinContentLength   int
	MaxHeadingLength   int
	MaxEmbeddingLength int
	DedupeCapacity     int

	RetryAttempts         int
	RetryBaseDelay        time.Duration
	SinkWorkers           int
	ShutdownGrace         time.Duration
	DegradedAfterFailures int

	MonitorPort        int
	HealthCheckTimeout time.Duration
}

// LoadWorker builds a Worker config from environment variables.
func LoadWorker() (*Worker, error) {
	c := &Worker{
		Kafka: Kafka{
			Brokers:        splitAndTrim(getEnv("KAFKA_BROKERS", "kafka:9092")),
			Topic:          getEnv("KAFKA_TOPIC_PARSED", "parsed-pages"),
			GroupID:        getEnv("KAFKA_GROUP_ID", "indexer-group"),
			CommitInterval: getDuration("KAFKA_COMMIT_INTERVAL", "1s"),
			PollTimeout:    getDuration("KAFKA_POLL_TIMEOUT", "100ms"),
		},
		Embedding: Embedding{
			Host:      getEnv("EMBEDDING_HOST", "http://embeddings:8080/v1"),
			Model:     getEnv("EMBEDDING_MODEL", "all-MiniLM-L12-v2"),
			APIKey:    getEnv("EMBEDDING_API_KEY", "none"),
			BatchSize: getInt("EMBEDDING_BATCH_SIZE", 32),
			MaxRPS:    getInt("EMBEDDING_MAX_RPS", 0),
		},
		Qdrant: Qdrant{
			URL:              getEnv("QDRANT_URL", "http://qdrant:6334"),
			APIKey:           getEnv("QDRANT_API_KEY", ""),
			Collection:       getEnv("COLLECTION_NAME", "sneakdex"),
			ImageCollection:  getEnv("COLLECTION_NAME_IMAGES", "sneakdex-images"),
			ImageUpsertChunk: getInt("IMAGE_UPSERT_CHUNK", 100),
		},
		RowStore: RowStore{
			Driver:             strings.ToLower(getEnv("ROW_STORE", RowStoreElasticsearch)),
			ElasticsearchAddr:  getEnv("ELASTICSEARCH_ADDR", "http://elasticsearch:9200"),
			ElasticsearchIndex: getEnv("ELASTICSEARCH_INDEX", "documents"),
			SQLitePath:         getEnv("SQLITE_PATH", "/data/documents.db"),
		},
		BatchSize:             getInt("BATCH_SIZE", 100),
		BatchMaxWait:          getDuration("BATCH_MAX_WAIT", "5s"),
		MaxDocs:               getInt("MAX_DOCS", 0),
		MinContentLength:      getInt("MIN_CONTENT_LENGTH", 0),
		MaxHeadingLength:      getInt("MAX_HEADING_LENGTH", 200),
		MaxEmbeddingLength:    getInt("MAX_EMBEDDING_LENGTH", 8192),
		DedupeCapacity:        getInt("DEDUPE_CAPACITY", 0),
		RetryAttempts:         getInt("RETRY_ATTEMPTS", 3),
		RetryBaseDelay:        getDuration("RETRY_BASE_DELAY", "1s"),
		SinkWorkers:           getInt("SINK_WORKERS", 4),
		ShutdownGrace:         getDuration("SHUTDOWN_GRACE", "30s"),
		DegradedAfterFailures: getInt("DEGRADED_AFTER_FAILURES", 3),
		MonitorPort:           getInt("MONITOR_PORT", 8080),
		HealthCheckTimeout:    getDuration("HEALTH_CHECK_TIMEOUT", "5s"),
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Worker) validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS must contain at least one broker")
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("KAFKA_TOPIC_PARSED is required")
	}
	if c.Qdrant.URL == "" {
		return fmt.Errorf("QDRANT_URL is required")
	}
	if c.Qdrant.Collection == c.Qdrant.ImageCollection {
		return fmt.Errorf("COLLECTION_NAME and COLLECTION_NAME_IMAGES must differ")
	}
	if c.Qdrant.ImageUpsertChunk <= 0 {
		return fmt.Errorf("IMAGE_UPSERT_CHUNK must be positive")
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("EMBEDDING_BATCH_SIZE must be positive")
	}
	if c.Embedding.MaxRPS < 0 {
		return fmt.Errorf("EMBEDDING_MAX_RPS cannot be negative")
	}

	switch c.RowStore.Driver {
	case RowStoreElasticsearch:
		if c.RowStore.ElasticsearchAddr == "" {
			return fmt.Errorf("ELASTICSEARCH_ADDR is required when ROW_STORE=%s", RowStoreElasticsearch)
		}
	case RowStoreSQLite:
		if c.RowStore.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when ROW_STORE=%s", RowStoreSQLite)
		}
	default:
		return fmt.Errorf("ROW_STORE must be %q or %q, got %q", RowStoreElasticsearch, RowStoreSQLite, c.RowStore.Driver)
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive")
	}
	if c.BatchMaxWait <= 0 {
		return fmt.Errorf("BATCH_MAX_WAIT must be positive")
	}
	if c.MaxDocs < 0 {
		return fmt.Errorf("MAX_DOCS cannot be negative")
	}
	if c.MinContentLength < 0 {
		return fmt.Errorf("MIN_CONTENT_LENGTH cannot be negative")
	}
	if c.MaxHeadingLength <= 0 {
		return fmt.Errorf("MAX_HEADING_LENGTH must be positive")
	}
	if c.MaxEmbeddingLength <= 0 {
		return fmt.Errorf("MAX_EMBEDDING_LENGTH must be positive")
	}
	if c.DedupeCapacity < 0 {
		return fmt.Errorf("DEDUPE_CAPACITY cannot be negative")
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("RETRY_ATTEMPTS must be positive")
	}
	if c.SinkWorkers <= 0 {
		return fmt.Errorf("SINK_WORKERS must be positive")
	}
	if c.MonitorPort < 1 || c.MonitorPort > 65535 {
		return fmt.Errorf("MONITOR_PORT must be between 1 and 65535")
	}
	return nil
}

// KafkaConfigured reports whether broker settings are present. It is not a
// connectivity check.
func (c *Worker) KafkaConfigured() bool {
	return len(c.Kafka.Brokers) > 0 && c.Kafka.Topic != ""
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key, fallback string) time.Duration {
	raw := getEnv(key, fallback)
	d, err := time.ParseDuration(raw)
	if err != nil {
		fd, ferr := time.ParseDuration(fallback)
		if ferr != nil {
			panic(fmt.Sprintf("invalid fallback duration %q: %v", fallback, ferr))
		}
		return fd
	}
	return d
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
