package feed

import (
	"context"

	"go.uber.org/zap"

	"github.com/jmerrifield20/custodyledger/internal/ledger"
)

// NoopPublisher logs events instead of publishing them. Used when no
// brokers are configured.
type NoopPublisher struct {
	logger *zap.Logger
}

// NewNoopPublisher creates a NoopPublisher backed by the given logger.
func NewNoopPublisher(logger *zap.Logger) *NoopPublisher {
	return &NoopPublisher{logger: logger}
}

// Publish logs the event and returns nil.
func (n *NoopPublisher) Publish(_ context.Context, caseName string, e ledger.Event) error {
	n.logger.Debug("feed event (noop, not published)",
		zap.String("case", caseName),
		zap.Int64("event_id", e.ID),
		zap.String("action", string(e.Action)),
	)
	return nil
}

// Close implements Publisher.
func (n *NoopPublisher) Close() error { return nil }
