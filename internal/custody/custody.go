// Package custody ties the ledger, Merkle aggregator and store together
// into the operations a case is run with: ingest artifacts, seal batches
// into snapshots and prove individual artifacts against them.
package custody

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/custodyledger/internal/digest"
	"github.com/jmerrifield20/custodyledger/internal/ledger"
	"github.com/jmerrifield20/custodyledger/internal/merkle"
	"github.com/jmerrifield20/custodyledger/internal/metrics"
	"github.com/jmerrifield20/custodyledger/internal/storage"
)

// ErrNoArtifacts is returned when building from an empty manifest.
var ErrNoArtifacts = errors.New("custody: no artifacts ingested")

// Artifact is one piece of evidence, identified by its content hash.
type Artifact struct {
	Name        string `json:"name"`
	ContentHash string `json:"content_hash"`
	Size        int64  `json:"size_bytes"`
}

// HashFile streams the file at path through SHA-256.
func HashFile(path string) (Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	sum, size, err := digest.OfReader(f)
	if err != nil {
		return Artifact{}, fmt.Errorf("hash %s: %w", path, err)
	}
	return Artifact{Name: filepath.Base(path), ContentHash: sum, Size: size}, nil
}

// SnapshotKey is the storage key of the snapshot with the given root.
func SnapshotKey(root string) string { return "snapshots/" + root }

// Service runs custody operations for one case ledger.
type Service struct {
	ledger *ledger.Ledger
	store  storage.Store
	logger *zap.Logger
	retry  storage.RetryPolicy
}

// Option configures a Service.
type Option func(*Service)

// WithSaveRetry sets the retry policy for snapshot saves.
func WithSaveRetry(p storage.RetryPolicy) Option {
	return func(s *Service) { s.retry = p }
}

// NewService returns a service over an open ledger and its store.
func NewService(l *ledger.Ledger, store storage.Store, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{ledger: l, store: store, logger: logger, retry: storage.DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveRetry returns the policy used for snapshot saves.
func (s *Service) SaveRetry() storage.RetryPolicy { return s.retry }

// Ledger returns the underlying ledger.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// Store returns the underlying store.
func (s *Service) Store() storage.Store { return s.store }

// Ingest records an INGEST_ARTIFACT event for a. extra is merged into the
// event metadata; name and size_bytes always come from a.
func (s *Service) Ingest(ctx context.Context, a Artifact, extra map[string]any) (ledger.Event, error) {
	h, err := digest.Normalize(a.ContentHash)
	if err != nil {
		return ledger.Event{}, err
	}
	md := make(map[string]any, len(extra)+2)
	maps.Copy(md, extra)
	md["name"] = a.Name
	md["size_bytes"] = a.Size

	e, err := s.ledger.Append(ctx, ledger.ActionIngestArtifact, h, md)
	if err != nil {
		return ledger.Event{}, err
	}
	s.logger.Info("artifact ingested",
		zap.String("name", a.Name),
		zap.String("content_hash", h),
		zap.Int64("event_id", e.ID),
	)
	return e, nil
}

// IngestFiles hashes and ingests each path in order. It stops at the first
// failure and returns the events recorded so far.
func (s *Service) IngestFiles(ctx context.Context, paths ...string) ([]ledger.Event, error) {
	events := make([]ledger.Event, 0, len(paths))
	for _, p := range paths {
		a, err := HashFile(p)
		if err != nil {
			return events, err
		}
		e, err := s.Ingest(ctx, a, map[string]any{"source_path": p})
		if err != nil {
			return events, err
		}
		events = append(events, e)
	}
	return events, nil
}

// Manifest lists ingested artifacts in ingest order.
func (s *Service) Manifest() []Artifact {
	var out []Artifact
	for e := range s.ledger.Events() {
		if e.Action != ledger.ActionIngestArtifact {
			continue
		}
		a := Artifact{ContentHash: e.SubjectHash}
		a.Name, _ = e.Metadata["name"].(string)
		if n, ok := e.Metadata["size_bytes"].(json.Number); ok {
			a.Size, _ = n.Int64()
		}
		out = append(out, a)
	}
	return out
}

// BuildBatch builds a snapshot over hashes, stores it and records
// BUILD_MERKLE_ROOT. The snapshot is stored before the event so the event
// never references a missing object.
func (s *Service) BuildBatch(ctx context.Context, hashes []string) (*merkle.Snapshot, ledger.Event, error) {
	start := time.Now()
	snap, err := merkle.Build(ctx, hashes)
	if err != nil {
		return nil, ledger.Event{}, err
	}
	metrics.RecordMerkleBuild(snap.LeafCount, time.Since(start))

	key := SnapshotKey(snap.RootHash)
	if err := storage.SaveWithRetry(ctx, s.store, key, snap, s.retry, s.logger); err != nil {
		return nil, ledger.Event{}, fmt.Errorf("save snapshot: %w", err)
	}
	e, err := s.ledger.Append(ctx, ledger.ActionBuildMerkleRoot, snap.RootHash, map[string]any{
		"leaf_count":   snap.LeafCount,
		"snapshot_key": key,
	})
	if err != nil {
		return nil, ledger.Event{}, err
	}
	s.logger.Info("merkle root recorded",
		zap.String("root_hash", snap.RootHash),
		zap.Int("leaf_count", snap.LeafCount),
		zap.Int64("event_id", e.ID),
	)
	return snap, e, nil
}

// BuildFromManifest seals every ingested artifact into one snapshot.
func (s *Service) BuildFromManifest(ctx context.Context) (*merkle.Snapshot, ledger.Event, error) {
	manifest := s.Manifest()
	if len(manifest) == 0 {
		return nil, ledger.Event{}, ErrNoArtifacts
	}
	hashes := make([]string, len(manifest))
	for i, a := range manifest {
		hashes[i] = a.ContentHash
	}
	return s.BuildBatch(ctx, hashes)
}

// Snapshot loads the snapshot with the given root and checks that its
// leaves still reduce to it.
func (s *Service) Snapshot(ctx context.Context, root string) (*merkle.Snapshot, error) {
	root, err := digest.Normalize(root)
	if err != nil {
		return nil, err
	}
	var snap merkle.Snapshot
	if err := s.store.Load(ctx, SnapshotKey(root), &snap); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", root, err)
	}
	if err := snap.Validate(ctx); err != nil {
		return nil, err
	}
	if snap.RootHash != root {
		return nil, fmt.Errorf("%w: stored under %s but root is %s", merkle.ErrInvalidSnapshot, root, snap.RootHash)
	}
	return &snap, nil
}

// Prove returns the inclusion proof of leaf in the snapshot with root.
func (s *Service) Prove(ctx context.Context, root, leaf string) (*merkle.Proof, error) {
	snap, err := s.Snapshot(ctx, root)
	if err != nil {
		return nil, err
	}
	return merkle.GetProof(leaf, snap)
}

// BuildEvent finds the BUILD_MERKLE_ROOT event that recorded root.
func (s *Service) BuildEvent(root string) (ledger.Event, error) {
	root, err := digest.Normalize(root)
	if err != nil {
		return ledger.Event{}, err
	}
	for e := range s.ledger.Events() {
		if e.Action == ledger.ActionBuildMerkleRoot && e.SubjectHash == root {
			return e, nil
		}
	}
	return ledger.Event{}, fmt.Errorf("build event for %s: %w", root, ledger.ErrNotFound)
}

// Verify re-verifies the chain and records the result in metrics.
func (s *Service) Verify() ledger.VerificationResult {
	res := s.ledger.Verify()
	metrics.RecordVerification(res.Valid)
	if !res.Valid {
		s.logger.Error("ledger verification failed",
			zap.Int("index", res.Divergence.Index),
			zap.String("reason", string(res.Divergence.Reason)),
		)
	}
	return res
}

// RecordVerification appends a VERIFY_LEDGER event summarising res.
func (s *Service) RecordVerification(ctx context.Context, res ledger.VerificationResult) (ledger.Event, error) {
	md := map[string]any{
		"valid":  res.Valid,
		"events": res.Events,
	}
	if res.Head != "" {
		md["verified_head"] = res.Head
	}
	return s.ledger.Append(ctx, ledger.ActionVerifyLedger, "", md)
}
