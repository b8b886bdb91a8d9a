package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/custodyledger/internal/anchor"
	"github.com/jmerrifield20/custodyledger/internal/bundle"
	"github.com/jmerrifield20/custodyledger/internal/canonical"
	"github.com/jmerrifield20/custodyledger/internal/custody"
	"github.com/jmerrifield20/custodyledger/internal/digest"
	"github.com/jmerrifield20/custodyledger/internal/ledger"
	"github.com/jmerrifield20/custodyledger/internal/merkle"
	"github.com/jmerrifield20/custodyledger/internal/storage"
)

// Process exit codes, one per failure category.
const (
	exitOK                 = 0
	exitUnexpected         = 1
	exitUsage              = 2
	exitSerialization      = 3
	exitChainIntegrity     = 4
	exitPersistence        = 5
	exitNotFound           = 6
	exitEmptyBatch         = 7
	exitLeafNotFound       = 8
	exitAnchorTimeout      = 9
	exitAlreadyInitialized = 10
	exitInvalidInput       = 11
)

var (
	errInvalidInput  = errors.New("invalid input")
	errProofRejected = errors.New("inclusion proof rejected")
)

type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usageErr(err error) error { return &usageError{err: err} }

// exactArgs is cobra.ExactArgs reporting a usage error.
func exactArgs(n int) cobra.PositionalArgs { return wrapArgs(cobra.ExactArgs(n)) }

func rangeArgs(lo, hi int) cobra.PositionalArgs { return wrapArgs(cobra.RangeArgs(lo, hi)) }

func wrapArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageErr(err)
		}
		return nil
	}
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidInput, fmt.Sprintf(format, args...))
}

// exitCode maps err to its category. Integrity failures are checked first
// so that nothing masks a tampered ledger.
func exitCode(err error) int {
	var usage *usageError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &usage), strings.HasPrefix(err.Error(), "unknown command"):
		return exitUsage
	case errors.Is(err, ledger.ErrChainIntegrity),
		errors.Is(err, bundle.ErrInvalidBundle),
		errors.Is(err, merkle.ErrInvalidSnapshot),
		errors.Is(err, errProofRejected):
		return exitChainIntegrity
	case errors.Is(err, ledger.ErrAlreadyInitialized):
		return exitAlreadyInitialized
	case errors.Is(err, anchor.ErrAnchorTimeout):
		return exitAnchorTimeout
	case errors.Is(err, merkle.ErrEmptyBatch),
		errors.Is(err, custody.ErrNoArtifacts):
		return exitEmptyBatch
	case errors.Is(err, merkle.ErrLeafNotFound):
		return exitLeafNotFound
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, anchor.ErrUnknownHandle),
		errors.Is(err, anchor.ErrNotPending):
		return exitNotFound
	case errors.Is(err, ledger.ErrInvalidAction),
		errors.Is(err, digest.ErrInvalid),
		errors.Is(err, merkle.ErrInvalidDigest),
		errors.Is(err, storage.ErrInvalidKey),
		errors.Is(err, errInvalidInput):
		return exitInvalidInput
	case errors.Is(err, canonical.ErrSerialization):
		return exitSerialization
	case errors.Is(err, storage.ErrPersistence),
		errors.Is(err, ledger.ErrStaleHead),
		errors.Is(err, ledger.ErrUnsupportedState):
		return exitPersistence
	default:
		return exitUnexpected
	}
}
