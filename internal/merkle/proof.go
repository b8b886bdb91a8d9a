package merkle

import (
	"encoding/hex"
	"fmt"

	"github.com/jmerrifield20/custodyledger/internal/digest"
)

// Position says on which side of the running hash a sibling sits.
type Position string

const (
	Left  Position = "left"
	Right Position = "right"
)

// Step is one level of an inclusion proof.
type Step struct {
	Hash     string   `json:"hash"`
	Position Position `json:"position"`
}

// Proof shows that LeafHash is leaf number LeafIndex of a tree with
// LeafCount leaves.
type Proof struct {
	LeafHash  string `json:"leaf_hash"`
	LeafIndex int    `json:"leaf_index"`
	LeafCount int    `json:"leaf_count"`
	Steps     []Step `json:"steps"`
}

// GetProof returns the inclusion proof of leaf in s. It rebuilds the tree
// level by level and records the sibling at each level.
func GetProof(leaf string, s *Snapshot) (*Proof, error) {
	idx, ok := s.indexOf(leaf)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLeafNotFound, leaf)
	}
	level, err := decodeLeaves(s.SortedLeafHashes)
	if err != nil {
		return nil, err
	}

	p := &Proof{
		LeafHash:  s.SortedLeafHashes[idx],
		LeafIndex: idx,
		LeafCount: len(level),
		Steps:     []Step{},
	}
	i := idx
	for len(level) > 1 {
		var step Step
		if i%2 == 0 {
			sib := i + 1
			if sib == len(level) {
				sib = i
			}
			step = Step{Hash: hex.EncodeToString(level[sib][:]), Position: Right}
		} else {
			step = Step{Hash: hex.EncodeToString(level[i-1][:]), Position: Left}
		}
		p.Steps = append(p.Steps, step)

		next := make([]node, (len(level)+1)/2)
		parentsInto(next, level, 0, len(next))
		level = next
		i /= 2
	}
	return p, nil
}

// VerifyProof reports whether proof places leaf under root. Besides
// recomputing the path it checks that the number of steps and every
// position are the ones implied by LeafIndex and LeafCount, and that a
// self-paired step carries the node itself. Altering any step, the leaf
// hash or the index makes the proof fail.
func VerifyProof(leaf string, proof *Proof, root string) bool {
	if proof == nil || proof.LeafCount < 1 || proof.LeafIndex < 0 || proof.LeafIndex >= proof.LeafCount {
		return false
	}
	leafNorm, err := digest.Normalize(leaf)
	if err != nil || proof.LeafHash != leafNorm {
		return false
	}
	want, err := digest.Decode(root)
	if err != nil {
		return false
	}
	cur, err := digest.Decode(leafNorm)
	if err != nil {
		return false
	}

	i, size, k := proof.LeafIndex, proof.LeafCount, 0
	for size > 1 {
		if k >= len(proof.Steps) {
			return false
		}
		step := proof.Steps[k]
		sib, err := decodeStep(step.Hash)
		if err != nil {
			return false
		}
		switch {
		case i%2 == 1:
			if step.Position != Left {
				return false
			}
			cur = hashPair(sib, cur)
		case i+1 == size:
			if step.Position != Right || sib != cur {
				return false
			}
			cur = hashPair(cur, cur)
		default:
			if step.Position != Right {
				return false
			}
			cur = hashPair(cur, sib)
		}
		i /= 2
		size = (size + 1) / 2
		k++
	}
	return k == len(proof.Steps) && cur == want
}

// decodeStep only accepts the lowercase form GetProof emits.
func decodeStep(s string) (node, error) {
	n, err := digest.Normalize(s)
	if err != nil || n != s {
		return node{}, digest.ErrInvalid
	}
	return digest.Decode(n)
}
