// Package anchor is the boundary toward an external time-stamping service.
//
// The core only needs two calls: submit a digest and later ask what became
// of it. Receipts are opaque blobs. Monitor drives the asynchronous part
// and records every transition in the ledger.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State of a submitted digest.
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"

	// StateCancelled is never reported by an Anchorer; Monitor uses it for
	// handles withdrawn locally.
	StateCancelled State = "cancelled"
)

// Handle identifies one submission.
type Handle struct {
	ID          string    `json:"id"`
	Digest      string    `json:"digest"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Receipt is the anchoring service's proof for a digest. Proof is opaque.
type Receipt struct {
	HandleID    string    `json:"handle_id"`
	Digest      string    `json:"digest"`
	Proof       []byte    `json:"proof"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// Status is the answer to CheckStatus. Receipt is set when confirmed,
// Reason when failed.
type Status struct {
	State   State    `json:"state"`
	Receipt *Receipt `json:"receipt,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

// Anchorer submits digests to an external service.
type Anchorer interface {
	Submit(ctx context.Context, digest string) (Handle, error)
	CheckStatus(ctx context.Context, h Handle) (Status, error)
}

var (
	// ErrUnknownHandle is returned for a handle the service or monitor does
	// not know.
	ErrUnknownHandle = errors.New("anchor: unknown handle")

	// ErrNotPending is returned when cancelling a handle that already
	// resolved.
	ErrNotPending = errors.New("anchor: handle is not pending")

	// ErrAnchorTimeout is wrapped by AnchorTimeoutError.
	ErrAnchorTimeout = errors.New("anchor: timed out waiting for confirmation")
)

// AnchorTimeoutError reports a handle that was still unresolved when
// polling gave up. The handle stays pending and can be polled again.
type AnchorTimeoutError struct {
	Handle   Handle
	Attempts int
	Waited   time.Duration
}

func (e *AnchorTimeoutError) Error() string {
	return fmt.Sprintf("anchor: handle %s for %s unresolved after %d checks over %s",
		e.Handle.ID, e.Handle.Digest, e.Attempts, e.Waited.Round(time.Millisecond))
}

func (e *AnchorTimeoutError) Unwrap() error { return ErrAnchorTimeout }

// ReceiptKey is the storage key of the receipt for digest.
func ReceiptKey(digest string) string { return "receipts/" + digest }
