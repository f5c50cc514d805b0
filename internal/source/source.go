package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/segmentio/kafka-go"

	"github.com/DeafMist/sneakdex-indexer/internal/config"
	"github.com/DeafMist/sneakdex-indexer/internal/models"
)

// ErrClosed is returned by Poll after Close.
var ErrClosed = errors.New("source closed")

// Kind tells which of the poll outcomes a Result holds.
type Kind int

const (
	None Kind = iota
	Message
	EndOfPartition
	Error
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Message:
		return "message"
	case EndOfPartition:
		return "end_of_partition"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Result is one poll outcome. Page is set only for Message, Err only for Error.
type Result struct {
	Kind      Kind
	Page      models.ParsedPage
	Err       error
	Partition int
	Offset    int64
}

// DecodeError marks a message whose payload is not a valid page record.
type DecodeError struct {
	Partition int
	Offset    int64
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message %d@%d: %v", e.Partition, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Reader is the subset of *kafka.Reader the source needs.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Source polls parsed pages from Kafka. Offsets are committed by the reader
// periodically; there is no explicit acknowledgement.
type Source struct {
	reader Reader

	mu       sync.Mutex
	caughtUp bool
	closed   bool

	closeOnce sync.Once
	closeErr  error
}

// New subscribes to the configured topic as part of the consumer group.
func New(cfg config.Kafka) *Source {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: cfg.CommitInterval,
	})
	return NewFromReader(reader)
}

// NewFromReader wraps an existing reader.
func NewFromReader(r Reader) *Source {
	return &Source{reader: r}
}

// Poll waits up to timeout for the next message. A timeout yields None, or
// EndOfPartition once after the last message reached the high watermark.
// Malformed payloads yield Error with a *DecodeError and never stop the stream.
func (s *Source) Poll(ctx context.Context, timeout time.Duration) Result {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Result{Kind: Error, Err: ErrClosed}
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := s.reader.ReadMessage(pollCtx)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return Result{Kind: Error, Err: ctx.Err()}
		case errors.Is(err, context.DeadlineExceeded):
			return s.idle()
		case errors.Is(err, io.EOF):
			return Result{Kind: Error, Err: ErrClosed}
		default:
			return Result{Kind: Error, Err: fmt.Errorf("read message: %w", err)}
		}
	}

	s.mu.Lock()
	s.caughtUp = msg.HighWaterMark > 0 && msg.Offset+1 >= msg.HighWaterMark
	s.mu.Unlock()

	page, err := Decode(msg.Value)
	if err != nil {
		return Result{
			Kind:      Error,
			Err:       &DecodeError{Partition: msg.Partition, Offset: msg.Offset, Err: err},
			Partition: msg.Partition,
			Offset:    msg.Offset,
		}
	}
	return Result{Kind: Message, Page: page, Partition: msg.Partition, Offset: msg.Offset}
}

func (s *Source) idle() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caughtUp {
		s.caughtUp = false
		return Result{Kind: EndOfPartition}
	}
	return Result{Kind: None}
}

// ErrTopicNotFound means a broker answered but knows no partitions of the topic.
var ErrTopicNotFound = errors.New("topic has no partitions")

// CheckBrokers dials the brokers in order and returns nil as soon as one of
// them lists partitions for topic. The reader itself connects lazily, so this
// is the only place an unreachable broker shows up before the first poll.
func CheckBrokers(ctx context.Context, brokers []string, topic string) error {
	if len(brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}

	var errs []error
	for _, broker := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("dial %s: %w", broker, err))
			continue
		}
		partitions, err := conn.ReadPartitions(topic)
		_ = conn.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("read partitions of %s from %s: %w", topic, broker, err))
			continue
		}
		if len(partitions) == 0 {
			errs = append(errs, fmt.Errorf("%s on %s: %w", topic, broker, ErrTopicNotFound))
			continue
		}
		return nil
	}
	return errors.Join(errs...)
}

// Close releases the reader. Only the first call does anything.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.closeErr = s.reader.Close()
	})
	return s.closeErr
}

// Decode parses a UTF-8 JSON page record.
func Decode(value []byte) (models.ParsedPage, error) {
	var page models.ParsedPage
	if !utf8.Valid(value) {
		return page, errors.New("payload is not valid UTF-8")
	}
	if err := json.Unmarshal(value, &page); err != nil {
		return page, err
	}
	return page, nil
}
