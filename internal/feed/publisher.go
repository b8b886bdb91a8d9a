// Package feed publishes committed ledger events to downstream consumers.
package feed

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/custodyledger/internal/ledger"
	"github.com/jmerrifield20/custodyledger/internal/metrics"
)

// Publisher hands committed events to an external feed.
type Publisher interface {
	Publish(ctx context.Context, caseName string, e ledger.Event) error
	Close() error
}

// publishTimeout bounds a single hand-off from the ledger observer.
const publishTimeout = 5 * time.Second

// Observer adapts p to a ledger observer. Publish failures are logged and
// counted; they never reach the appender.
func Observer(p Publisher, caseName string, logger *zap.Logger) func(ledger.Event) {
	return func(e ledger.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := p.Publish(ctx, caseName, e); err != nil {
			metrics.RecordFeedPublish(false)
			logger.Warn("feed publish failed", zap.Int64("event_id", e.ID), zap.Error(err))
			return
		}
		metrics.RecordFeedPublish(true)
	}
}
