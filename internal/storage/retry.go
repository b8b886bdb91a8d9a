package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryPolicy bounds how often a failed Save is retried.
type RetryPolicy struct {
	MaxRetries uint64
	Initial    time.Duration
	Max        time.Duration
}

// DefaultRetryPolicy retries three times starting at 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Initial: 100 * time.Millisecond, Max: 5 * time.Second}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	return p
}

// SaveWithRetry calls s.Save, retrying failures that wrap ErrPersistence
// with exponential backoff. Serialization errors, invalid keys and a done
// ctx are returned at once.
func SaveWithRetry(ctx context.Context, s Store, key string, value any, p RetryPolicy, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	p = p.withDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	eb.MaxInterval = p.Max
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, p.MaxRetries), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := s.Save(ctx, key, value)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrPersistence) {
			return backoff.Permanent(err)
		}
		logger.Warn("save failed",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}, policy)
}
