package ledger

import (
	"bytes"
	"fmt"

	"github.com/jmerrifield20/custodyledger/internal/canonical"
)

// Reason classifies a verification failure.
type Reason string

const (
	ReasonEmptyLedger     Reason = "empty_ledger"
	ReasonGenesisMismatch Reason = "genesis_mismatch"
	ReasonIDGap           Reason = "id_gap"
	ReasonUnknownAction   Reason = "unknown_action"
	ReasonBrokenLink      Reason = "broken_link"
	ReasonHashMismatch    Reason = "hash_mismatch"
	ReasonTimestamp       Reason = "non_monotonic_timestamp"
)

// Divergence locates the first failing event.
type Divergence struct {
	Index   int    `json:"index"`
	EventID int64  `json:"event_id"`
	Reason  Reason `json:"reason"`
	Detail  string `json:"detail"`
}

// VerificationResult is the outcome of walking a chain from genesis.
type VerificationResult struct {
	Valid      bool        `json:"valid"`
	Events     int         `json:"events"`
	Head       string      `json:"head,omitempty"`
	Divergence *Divergence `json:"divergence,omitempty"`
}

// Err returns nil for a valid chain and a *ChainIntegrityError otherwise.
func (r VerificationResult) Err() error {
	if r.Valid {
		return nil
	}
	return &ChainIntegrityError{Divergence: *r.Divergence}
}

// Verify walks events from genesis and reports the first divergence. It
// never modifies events.
func Verify(events []Event) VerificationResult {
	res := VerificationResult{Events: len(events)}
	fail := func(i int, reason Reason, format string, args ...any) VerificationResult {
		var id int64
		if i < len(events) {
			id = events[i].ID
		}
		res.Divergence = &Divergence{
			Index:   i,
			EventID: id,
			Reason:  reason,
			Detail:  fmt.Sprintf(format, args...),
		}
		return res
	}

	if len(events) == 0 {
		return fail(0, ReasonEmptyLedger, "ledger has no events")
	}

	g := events[0]
	switch {
	case g.ID != 1:
		return fail(0, ReasonGenesisMismatch, "genesis id is %d, want 1", g.ID)
	case g.Action != ActionGenesis:
		return fail(0, ReasonGenesisMismatch, "genesis action is %q", g.Action)
	case g.PrevHash != "":
		return fail(0, ReasonGenesisMismatch, "genesis carries prev_hash %q", g.PrevHash)
	case g.CurrentHash != GenesisHash:
		return fail(0, ReasonGenesisMismatch, "genesis hash is %q, want %q", g.CurrentHash, GenesisHash)
	case g.SubjectHash != "":
		return fail(0, ReasonGenesisMismatch, "genesis carries subject_hash %q", g.SubjectHash)
	case !sameMetadata(g.Metadata, genesisMetadata()):
		return fail(0, ReasonGenesisMismatch, "genesis metadata altered")
	}

	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1], events[i]
		if cur.ID != prev.ID+1 {
			return fail(i, ReasonIDGap, "id %d follows %d", cur.ID, prev.ID)
		}
		if !cur.Action.Valid() || cur.Action == ActionGenesis {
			return fail(i, ReasonUnknownAction, "action %q", cur.Action)
		}
		if cur.PrevHash != prev.CurrentHash {
			return fail(i, ReasonBrokenLink, "prev_hash %q does not match previous current_hash %q",
				cur.PrevHash, prev.CurrentHash)
		}
		want, err := ComputeHash(cur.PrevHash, cur.Action, cur.SubjectHash, cur.Metadata)
		if err != nil {
			return fail(i, ReasonHashMismatch, "%v", err)
		}
		if want != cur.CurrentHash {
			return fail(i, ReasonHashMismatch, "stored %q, recomputed %q", cur.CurrentHash, want)
		}
		if cur.Timestamp.Before(prev.Timestamp) {
			return fail(i, ReasonTimestamp, "%s is before %s",
				cur.Timestamp.Format(timeFormat), prev.Timestamp.Format(timeFormat))
		}
	}

	res.Valid = true
	res.Head = events[len(events)-1].CurrentHash
	return res
}

func sameMetadata(a, b map[string]any) bool {
	x, err := canonical.Marshal(a)
	if err != nil {
		return false
	}
	y, err := canonical.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(x, y)
}
