// Package bundle packages everything needed to check one artifact's
// custody offline: its inclusion proof, the ledger event that recorded the
// Merkle root and, when available, the anchor receipt for that root.
//
// Bundles are CBOR with Core Deterministic Encoding, so the same bundle
// always produces the same bytes and the file digest can itself be
// recorded in the ledger.
package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/jmerrifield20/custodyledger/internal/anchor"
	"github.com/jmerrifield20/custodyledger/internal/canonical"
	"github.com/jmerrifield20/custodyledger/internal/custody"
	"github.com/jmerrifield20/custodyledger/internal/digest"
	"github.com/jmerrifield20/custodyledger/internal/ledger"
	"github.com/jmerrifield20/custodyledger/internal/merkle"
)

// Version of the bundle layout.
const Version = 1

// ErrInvalidBundle is wrapped by every Check failure.
var ErrInvalidBundle = errors.New("bundle: invalid")

// Bundle is a self-contained custody proof for one artifact.
type Bundle struct {
	Version  int              `cbor:"version"`
	Case     string           `cbor:"case"`
	Artifact custody.Artifact `cbor:"artifact"`
	Proof    merkle.Proof     `cbor:"proof"`
	RootHash string           `cbor:"root_hash"`

	// BuildEvent is the canonical encoding of the BUILD_MERKLE_ROOT event,
	// kept as bytes so its hash can be recomputed exactly.
	BuildEvent []byte `cbor:"build_event"`

	LedgerHead   string          `cbor:"ledger_head"`
	LedgerLength int             `cbor:"ledger_length"`
	Receipt      *anchor.Receipt `cbor:"receipt,omitempty"`
	ExportedAt   time.Time       `cbor:"exported_at"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("bundle: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("bundle: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode returns the deterministic CBOR form of b.
func Encode(b *Bundle) ([]byte, error) {
	data, err := encMode.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("bundle: encode: %w", err)
	}
	return data, nil
}

// Decode parses a bundle produced by Encode.
func Decode(data []byte) (*Bundle, error) {
	var b Bundle
	if err := decMode.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	return &b, nil
}

// Export assembles the bundle for leaf under root and records an
// EXPORT_BUNDLE event carrying the SHA-256 of the encoded bundle.
func Export(ctx context.Context, svc *custody.Service, root, leaf string) (*Bundle, []byte, error) {
	proof, err := svc.Prove(ctx, root, leaf)
	if err != nil {
		return nil, nil, err
	}
	build, err := svc.BuildEvent(root)
	if err != nil {
		return nil, nil, err
	}
	rawEvent, err := canonical.Marshal(build)
	if err != nil {
		return nil, nil, err
	}

	l := svc.Ledger()
	b := &Bundle{
		Version:      Version,
		Case:         l.Case(),
		Artifact:     findArtifact(svc, proof.LeafHash),
		Proof:        *proof,
		RootHash:     build.SubjectHash,
		BuildEvent:   rawEvent,
		LedgerHead:   l.Head(),
		LedgerLength: l.Len(),
		ExportedAt:   time.Now().UTC(),
	}
	if r, err := findReceipt(ctx, svc, build.SubjectHash); err == nil {
		b.Receipt = r
	}

	data, err := Encode(b)
	if err != nil {
		return nil, nil, err
	}
	if _, err := l.Append(ctx, ledger.ActionExportBundle, proof.LeafHash, map[string]any{
		"root_hash":     b.RootHash,
		"bundle_sha256": digest.Of(data),
	}); err != nil {
		return nil, nil, err
	}
	return b, data, nil
}

func findArtifact(svc *custody.Service, hash string) custody.Artifact {
	for _, a := range svc.Manifest() {
		if a.ContentHash == hash {
			return a
		}
	}
	return custody.Artifact{ContentHash: hash}
}

// findReceipt returns the stored receipt of the latest confirmed anchor of
// root, if any.
func findReceipt(ctx context.Context, svc *custody.Service, root string) (*anchor.Receipt, error) {
	var key string
	for e := range svc.Ledger().Events() {
		if e.Action == ledger.ActionAnchorConfirmed && e.SubjectHash == root {
			key, _ = e.Metadata["receipt_key"].(string)
		}
	}
	if key == "" {
		return nil, ledger.ErrNotFound
	}
	var r anchor.Receipt
	if err := svc.Store().Load(ctx, key, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Check verifies a bundle without access to the ledger: the proof must
// place the artifact under the root, and the embedded build event must
// name that root and hash to its own current_hash.
func Check(b *Bundle) error {
	if b.Version != Version {
		return fmt.Errorf("%w: version %d", ErrInvalidBundle, b.Version)
	}
	if b.Artifact.ContentHash != b.Proof.LeafHash {
		return fmt.Errorf("%w: artifact hash %s is not the proof leaf %s", ErrInvalidBundle, b.Artifact.ContentHash, b.Proof.LeafHash)
	}
	if !merkle.VerifyProof(b.Artifact.ContentHash, &b.Proof, b.RootHash) {
		return fmt.Errorf("%w: inclusion proof does not reach root %s", ErrInvalidBundle, b.RootHash)
	}

	dec := json.NewDecoder(bytes.NewReader(b.BuildEvent))
	dec.UseNumber()
	var e ledger.Event
	if err := dec.Decode(&e); err != nil {
		return fmt.Errorf("%w: build event: %v", ErrInvalidBundle, err)
	}
	if e.Action != ledger.ActionBuildMerkleRoot || e.SubjectHash != b.RootHash {
		return fmt.Errorf("%w: build event %d does not record root %s", ErrInvalidBundle, e.ID, b.RootHash)
	}
	sum, err := ledger.ComputeHash(e.PrevHash, e.Action, e.SubjectHash, e.Metadata)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if sum != e.CurrentHash {
		return fmt.Errorf("%w: build event hash mismatch", ErrInvalidBundle)
	}
	if b.Receipt != nil && b.Receipt.Digest != b.RootHash {
		return fmt.Errorf("%w: receipt is for %s, not %s", ErrInvalidBundle, b.Receipt.Digest, b.RootHash)
	}
	return nil
}
