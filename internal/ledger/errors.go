package ledger

import (
	"errors"
	"fmt"

	"github.com/jmerrifield20/custodyledger/internal/storage"
)

var (
	// ErrChainIntegrity is wrapped by every ChainIntegrityError.
	ErrChainIntegrity = errors.New("ledger: chain integrity violated")

	// ErrAlreadyInitialized is returned by Initialize when the key already
	// holds a ledger.
	ErrAlreadyInitialized = errors.New("ledger: already initialized")

	// ErrInvalidAction is returned for an unknown action, or for an attempt
	// to append a second GENESIS.
	ErrInvalidAction = errors.New("ledger: invalid action")

	// ErrNotFound is returned when a ledger or an event does not exist.
	ErrNotFound = storage.ErrNotFound

	// ErrStaleHead is returned by Append when another writer extended the
	// stored chain since this ledger last saw it. Nothing is written; the
	// ledger picks up the stored events, so a retry chains onto them.
	ErrStaleHead = errors.New("ledger: stored head has moved")

	// ErrUnsupportedState is returned when a stored ledger was written with
	// a different state or encoding version.
	ErrUnsupportedState = errors.New("ledger: unsupported state version")
)

// ChainIntegrityError describes the first point at which a chain fails
// verification.
type ChainIntegrityError struct {
	Divergence
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("ledger: chain integrity violated at index %d (event %d): %s: %s",
		e.Index, e.EventID, e.Reason, e.Detail)
}

func (e *ChainIntegrityError) Unwrap() error { return ErrChainIntegrity }
