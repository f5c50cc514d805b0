package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrInvalidMaxAttempts is returned when the retry policy allows no attempt.
var ErrInvalidMaxAttempts = errors.New("max attempts must be at least 1")

// RetryWithBackoff calls op until it succeeds or maxAttempts calls have
// failed. The wait after failed attempt i is baseDelay*2^(i-1). Intermediate
// failures are logged as warnings, exhaustion as an error. It returns how
// many times op was called.
func RetryWithBackoff(ctx context.Context, log *slog.Logger, label string, maxAttempts int, baseDelay time.Duration, op func(context.Context) error) (int, error) {
	if maxAttempts < 1 {
		return 0, ErrInvalidMaxAttempts
	}

	var err error
	for attempt := range maxAttempts {
		if err = op(ctx); err == nil {
			return attempt + 1, nil
		}

		if attempt == maxAttempts-1 {
			break
		}

		backoff := baseDelay * time.Duration(1<<uint(attempt))
		log.Warn("upsert failed, retrying",
			slog.String("sink", label),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", maxAttempts),
			slog.Duration("backoff", backoff),
			slog.Any("err", err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return attempt + 1, fmt.Errorf("%s: canceled during backoff: %w", label, errors.Join(ctx.Err(), err))
		}
	}

	log.Error("upsert failed after all attempts",
		slog.String("sink", label),
		slog.Int("attempts", maxAttempts),
		slog.Any("err", err),
	)
	return maxAttempts, fmt.Errorf("%s failed after %d attempts: %w", label, maxAttempts, err)
}
