// Package merkle builds binary Merkle trees over batches of SHA-256 digests
// and produces per-leaf inclusion proofs.
//
// Leaves are sorted and deduplicated before building, so the root depends
// only on the set of digests. Parents are SHA-256 over the concatenated raw
// 32-byte children; on a level with an odd count the last node is paired
// with itself.
package merkle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmerrifield20/custodyledger/internal/digest"
)

var (
	// ErrEmptyBatch is returned by Build when there are no leaves.
	ErrEmptyBatch = errors.New("merkle: empty batch")

	// ErrInvalidDigest is returned for a leaf that is not a SHA-256 hex digest.
	ErrInvalidDigest = errors.New("merkle: invalid leaf digest")

	// ErrLeafNotFound is returned by GetProof for a leaf outside the snapshot.
	ErrLeafNotFound = errors.New("merkle: leaf not in snapshot")

	// ErrInvalidSnapshot is returned when a stored snapshot is inconsistent.
	ErrInvalidSnapshot = errors.New("merkle: invalid snapshot")
)

// parallelThreshold is the level size above which parents are hashed by a
// pool of goroutines. chunkSize is the number of parents per task.
const (
	parallelThreshold = 4096
	chunkSize         = 1024
)

var now = time.Now

// Snapshot is the persisted result of one Build.
type Snapshot struct {
	RootHash         string    `json:"root_hash"`
	LeafCount        int       `json:"leaf_count"`
	SortedLeafHashes []string  `json:"sorted_leaf_hashes"`
	BuiltAt          time.Time `json:"built_at"`
}

type node = [sha256.Size]byte

// Build sorts and deduplicates leaves and reduces them to a root.
func Build(ctx context.Context, leaves []string) (*Snapshot, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyBatch
	}
	sorted, err := normalizeLeaves(leaves)
	if err != nil {
		return nil, err
	}
	level, err := decodeLeaves(sorted)
	if err != nil {
		return nil, err
	}
	root, err := reduce(ctx, level)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		RootHash:         hex.EncodeToString(root[:]),
		LeafCount:        len(sorted),
		SortedLeafHashes: sorted,
		BuiltAt:          now().UTC(),
	}, nil
}

func normalizeLeaves(leaves []string) ([]string, error) {
	out := make([]string, 0, len(leaves))
	for i, l := range leaves {
		n, err := digest.Normalize(l)
		if err != nil {
			return nil, fmt.Errorf("%w: leaf %d: %q", ErrInvalidDigest, i, l)
		}
		out = append(out, n)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func decodeLeaves(sorted []string) ([]node, error) {
	level := make([]node, len(sorted))
	for i, s := range sorted {
		if _, err := hex.Decode(level[i][:], []byte(s)); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDigest, s)
		}
	}
	return level, nil
}

func reduce(ctx context.Context, level []node) (node, error) {
	for len(level) > 1 {
		next, err := hashLevel(ctx, level)
		if err != nil {
			return node{}, err
		}
		level = next
	}
	return level[0], nil
}

func hashPair(left, right node) node {
	var buf [2 * sha256.Size]byte
	copy(buf[:sha256.Size], left[:])
	copy(buf[sha256.Size:], right[:])
	return sha256.Sum256(buf[:])
}

// parentsInto writes parents [from, to) of level into out.
func parentsInto(out, level []node, from, to int) {
	for p := from; p < to; p++ {
		l := 2 * p
		r := l + 1
		if r == len(level) {
			r = l
		}
		out[p] = hashPair(level[l], level[r])
	}
}

// hashLevel computes the parent level. Each task owns a disjoint range of
// out, so the result does not depend on scheduling.
func hashLevel(ctx context.Context, level []node) ([]node, error) {
	n := (len(level) + 1) / 2
	out := make([]node, n)
	if n < parallelThreshold {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		parentsInto(out, level, 0, n)
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for from := 0; from < n; from += chunkSize {
		to := min(from+chunkSize, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			parentsInto(out, level, from, to)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Root recomputes the root of s from its leaves and checks it is
// internally consistent.
func Root(ctx context.Context, s *Snapshot) (string, error) {
	if s == nil || len(s.SortedLeafHashes) == 0 {
		return "", ErrEmptyBatch
	}
	if s.LeafCount != len(s.SortedLeafHashes) {
		return "", fmt.Errorf("%w: leaf_count %d, %d leaves", ErrInvalidSnapshot, s.LeafCount, len(s.SortedLeafHashes))
	}
	for i := 1; i < len(s.SortedLeafHashes); i++ {
		if s.SortedLeafHashes[i-1] >= s.SortedLeafHashes[i] {
			return "", fmt.Errorf("%w: leaves not strictly sorted at %d", ErrInvalidSnapshot, i)
		}
	}
	level, err := decodeLeaves(s.SortedLeafHashes)
	if err != nil {
		return "", err
	}
	root, err := reduce(ctx, level)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(root[:]), nil
}

// Validate checks that the stored root matches the stored leaves.
func (s *Snapshot) Validate(ctx context.Context) error {
	root, err := Root(ctx, s)
	if err != nil {
		return err
	}
	if root != s.RootHash {
		return fmt.Errorf("%w: stored root %s, recomputed %s", ErrInvalidSnapshot, s.RootHash, root)
	}
	return nil
}

// Contains reports whether leaf is one of the snapshot's leaves.
func (s *Snapshot) Contains(leaf string) bool {
	_, ok := s.indexOf(leaf)
	return ok
}

func (s *Snapshot) indexOf(leaf string) (int, bool) {
	n, err := digest.Normalize(leaf)
	if err != nil {
		return 0, false
	}
	return slices.BinarySearch(s.SortedLeafHashes, n)
}
