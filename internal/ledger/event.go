package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jmerrifield20/custodyledger/internal/canonical"
	"github.com/jmerrifield20/custodyledger/internal/digest"
)

// GenesisHash is the current_hash of event 1. It is SHA-256 of the empty
// input rather than a computed value, so any verifier can reproduce it
// without trusting this code.
const GenesisHash = digest.Empty

// Action names what an event records.
type Action string

const (
	ActionGenesis         Action = "GENESIS"
	ActionIngestArtifact  Action = "INGEST_ARTIFACT"
	ActionBuildMerkleRoot Action = "BUILD_MERKLE_ROOT"
	ActionAnchorSubmitted Action = "ANCHOR_SUBMITTED"
	ActionAnchorConfirmed Action = "ANCHOR_CONFIRMED"
	ActionAnchorFailed    Action = "ANCHOR_FAILED"
	ActionAnchorCancelled Action = "ANCHOR_CANCELLED"
	ActionVerifyLedger    Action = "VERIFY_LEDGER"
	ActionExportBundle    Action = "EXPORT_BUNDLE"
	ActionNote            Action = "NOTE"
)

var knownActions = []Action{
	ActionGenesis,
	ActionIngestArtifact,
	ActionBuildMerkleRoot,
	ActionAnchorSubmitted,
	ActionAnchorConfirmed,
	ActionAnchorFailed,
	ActionAnchorCancelled,
	ActionVerifyLedger,
	ActionExportBundle,
	ActionNote,
}

// Actions returns every recognised action.
func Actions() []Action { return slices.Clone(knownActions) }

// Valid reports whether a is one of the recognised actions.
func (a Action) Valid() bool { return slices.Contains(knownActions, a) }

// ParseAction accepts an action name in any case.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
	return a, nil
}

// Event is a single custody record. Events are immutable once committed.
type Event struct {
	ID          int64          `json:"event_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Action      Action         `json:"action"`
	SubjectHash string         `json:"subject_hash,omitempty"`
	PrevHash    string         `json:"prev_hash,omitempty"`
	CurrentHash string         `json:"current_hash"`
	Metadata    map[string]any `json:"metadata"`
}

// hashPayload is the exact value event hashes are computed over. The id and
// timestamp are deliberately outside it; Verify checks them on their own.
type hashPayload struct {
	PrevHash    string         `json:"prev_hash"`
	Action      Action         `json:"action"`
	SubjectHash string         `json:"subject_hash"`
	Metadata    map[string]any `json:"metadata"`
}

// ComputeHash returns the current_hash for an event with the given fields.
func ComputeHash(prevHash string, action Action, subjectHash string, metadata map[string]any) (string, error) {
	sum, err := canonical.Sum(hashPayload{
		PrevHash:    prevHash,
		Action:      action,
		SubjectHash: subjectHash,
		Metadata:    metadata,
	})
	if err != nil {
		return "", fmt.Errorf("hash event: %w", err)
	}
	return sum, nil
}

func genesisEvent(at time.Time) Event {
	return Event{
		ID:          1,
		Timestamp:   at,
		Action:      ActionGenesis,
		CurrentHash: GenesisHash,
		Metadata:    genesisMetadata(),
	}
}

// genesisMetadata is fixed. The genesis hash is a constant rather than a
// digest over the event, so Verify compares this map instead.
func genesisMetadata() map[string]any {
	return map[string]any{
		"algorithm":    "SHA-256",
		"description":  "genesis hash is SHA-256 of empty input",
		"verification": "printf '' | sha256sum",
	}
}

// normalizeMetadata round-trips metadata through the canonical encoding so
// the in-memory event holds exactly what a reload from storage would: plain
// maps, slices, strings, bools and json.Number. It also deep-copies the
// caller's value.
func normalizeMetadata(md map[string]any) (map[string]any, error) {
	raw, err := canonical.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	e.Metadata = cloneMap(e.Metadata)
	return e
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	default:
		return v
	}
}
