package feed

import (
	"context"
	"errors"

	"github.com/jmerrifield20/custodyledger/internal/ledger"
)

// Multi fans each event out to every publisher.
type Multi []Publisher

// Publish implements Publisher. Every publisher is tried; the errors are
// joined.
func (m Multi) Publish(ctx context.Context, caseName string, e ledger.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, caseName, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Publisher.
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
