package anchor

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/custodyledger/internal/digest"
)

// LocalAnchorer is an in-process stand-in for an anchoring service. Each
// handle confirms after a fixed number of status checks; the receipt proof
// is SHA-256 over the digest and the confirmation time.
type LocalAnchorer struct {
	confirmAfter int
	now          func() time.Time

	mu      sync.Mutex
	handles map[string]*localEntry
}

type localEntry struct {
	handle  Handle
	checks  int
	failure string
	receipt *Receipt
}

// NewLocalAnchorer returns a stub that confirms on the confirmAfter-th
// status check. Zero or less confirms on the first check.
func NewLocalAnchorer(confirmAfter int) *LocalAnchorer {
	return &LocalAnchorer{
		confirmAfter: max(confirmAfter, 1),
		now:          time.Now,
		handles:      make(map[string]*localEntry),
	}
}

// Submit implements Anchorer.
func (a *LocalAnchorer) Submit(ctx context.Context, d string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	d, err := digest.Normalize(d)
	if err != nil {
		return Handle{}, err
	}
	h := Handle{ID: uuid.NewString(), Digest: d, SubmittedAt: a.now().UTC()}

	a.mu.Lock()
	a.handles[h.ID] = &localEntry{handle: h}
	a.mu.Unlock()
	return h, nil
}

// Fail makes the next status check of id report failure with reason.
func (a *LocalAnchorer) Fail(id, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.handles[id]; ok {
		e.failure = reason
	}
}

// CheckStatus implements Anchorer.
func (a *LocalAnchorer) CheckStatus(ctx context.Context, h Handle) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.handles[h.ID]
	if !ok {
		return Status{}, ErrUnknownHandle
	}
	if e.receipt != nil {
		return Status{State: StateConfirmed, Receipt: e.receipt}, nil
	}
	if e.failure != "" {
		return Status{State: StateFailed, Reason: e.failure}, nil
	}
	e.checks++
	if e.checks < a.confirmAfter {
		return Status{State: StatePending}, nil
	}

	at := a.now().UTC()
	sum := sha256.Sum256([]byte(e.handle.Digest + "|" + at.Format(time.RFC3339Nano)))
	e.receipt = &Receipt{
		HandleID:    e.handle.ID,
		Digest:      e.handle.Digest,
		Proof:       sum[:],
		ConfirmedAt: at,
	}
	return Status{State: StateConfirmed, Receipt: e.receipt}, nil
}
