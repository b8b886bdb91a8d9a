package merkle_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmerrifield20/custodyledger/internal/digest"
	"github.com/jmerrifield20/custodyledger/internal/merkle"
)

var ctx = context.Background()

func leaves(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = digest.Of([]byte(fmt.Sprintf("artifact-%d", i)))
	}
	return out
}

func pair(a, b string) string {
	ab, _ := hex.DecodeString(a)
	bb, _ := hex.DecodeString(b)
	sum := sha256.Sum256(append(ab, bb...))
	return hex.EncodeToString(sum[:])
}

func sortedPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

func TestBuild_empty(t *testing.T) {
	_, err := merkle.Build(ctx, nil)
	assert.ErrorIs(t, err, merkle.ErrEmptyBatch)
}

func TestBuild_invalidDigest(t *testing.T) {
	_, err := merkle.Build(ctx, []string{digest.Empty, "xyz"})
	assert.ErrorIs(t, err, merkle.ErrInvalidDigest)
}

func TestBuild_singleLeafIsRoot(t *testing.T) {
	l := leaves(1)
	s, err := merkle.Build(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, l[0], s.RootHash)
	assert.Equal(t, 1, s.LeafCount)
}

func TestBuild_twoLeaves(t *testing.T) {
	l := leaves(2)
	a, b := sortedPair(l[0], l[1])

	s, err := merkle.Build(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, pair(a, b), s.RootHash)
	assert.Equal(t, []string{a, b}, s.SortedLeafHashes)
}

func TestBuild_oddCountDuplicatesLast(t *testing.T) {
	l := leaves(3)
	s, err := merkle.Build(ctx, l)
	require.NoError(t, err)

	x := s.SortedLeafHashes
	want := pair(pair(x[0], x[1]), pair(x[2], x[2]))
	assert.Equal(t, want, s.RootHash)
}

func TestBuild_orderInvariant(t *testing.T) {
	l := leaves(9)
	rev := make([]string, len(l))
	for i, v := range l {
		rev[len(l)-1-i] = strings.ToUpper(v)
	}

	a, err := merkle.Build(ctx, l)
	require.NoError(t, err)
	b, err := merkle.Build(ctx, rev)
	require.NoError(t, err)
	assert.Equal(t, a.RootHash, b.RootHash)
}

func TestBuild_duplicatesCollapse(t *testing.T) {
	l := leaves(4)
	a, err := merkle.Build(ctx, l)
	require.NoError(t, err)
	b, err := merkle.Build(ctx, append(l, l[2], l[0]))
	require.NoError(t, err)

	assert.Equal(t, a.RootHash, b.RootHash)
	assert.Equal(t, 4, b.LeafCount)
}

func TestBuild_avalanche(t *testing.T) {
	l := leaves(8)
	base, err := merkle.Build(ctx, l)
	require.NoError(t, err)

	for i := range l {
		changed := append([]string(nil), l...)
		changed[i] = digest.Of([]byte(fmt.Sprintf("tampered-%d", i)))
		s, err := merkle.Build(ctx, changed)
		require.NoError(t, err)
		assert.NotEqual(t, base.RootHash, s.RootHash, "leaf %d", i)
	}
}

func TestProof_roundTripAllSizes(t *testing.T) {
	for n := 1; n <= 17; n++ {
		s, err := merkle.Build(ctx, leaves(n))
		require.NoError(t, err)
		for _, leaf := range s.SortedLeafHashes {
			p, err := merkle.GetProof(leaf, s)
			require.NoError(t, err)
			assert.True(t, merkle.VerifyProof(leaf, p, s.RootHash), "n=%d leaf index %d", n, p.LeafIndex)
		}
	}
}

func TestProof_logarithmicSize(t *testing.T) {
	s, err := merkle.Build(ctx, leaves(1000))
	require.NoError(t, err)
	p, err := merkle.GetProof(s.SortedLeafHashes[500], s)
	require.NoError(t, err)
	assert.Len(t, p.Steps, 10)
}

func TestGetProof_leafNotFound(t *testing.T) {
	s, err := merkle.Build(ctx, leaves(4))
	require.NoError(t, err)

	_, err = merkle.GetProof(digest.Of([]byte("outsider")), s)
	assert.ErrorIs(t, err, merkle.ErrLeafNotFound)
}

func TestVerifyProof_rejectsSingleAlteration(t *testing.T) {
	s, err := merkle.Build(ctx, leaves(7))
	require.NoError(t, err)

	for _, leaf := range s.SortedLeafHashes {
		orig, err := merkle.GetProof(leaf, s)
		require.NoError(t, err)

		clone := func() *merkle.Proof {
			c := *orig
			c.Steps = append([]merkle.Step(nil), orig.Steps...)
			return &c
		}

		for k := range orig.Steps {
			p := clone()
			p.Steps[k].Hash = digest.Of([]byte("forged"))
			assert.False(t, merkle.VerifyProof(leaf, p, s.RootHash), "hash at step %d, leaf %d", k, orig.LeafIndex)

			p = clone()
			if p.Steps[k].Position == merkle.Left {
				p.Steps[k].Position = merkle.Right
			} else {
				p.Steps[k].Position = merkle.Left
			}
			assert.False(t, merkle.VerifyProof(leaf, p, s.RootHash), "position at step %d, leaf %d", k, orig.LeafIndex)

			p = clone()
			p.Steps = append(p.Steps[:k:k], p.Steps[k+1:]...)
			assert.False(t, merkle.VerifyProof(leaf, p, s.RootHash), "dropped step %d, leaf %d", k, orig.LeafIndex)
		}

		for idx := range s.LeafCount {
			if idx == orig.LeafIndex {
				continue
			}
			p := clone()
			p.LeafIndex = idx
			assert.False(t, merkle.VerifyProof(leaf, p, s.RootHash), "index %d for leaf %d", idx, orig.LeafIndex)
		}

		p := clone()
		p.Steps = append(p.Steps, merkle.Step{Hash: leaf, Position: merkle.Right})
		assert.False(t, merkle.VerifyProof(leaf, p, s.RootHash), "extra step")

		other := digest.Of([]byte("other"))
		assert.False(t, merkle.VerifyProof(other, orig, s.RootHash), "different leaf")
		assert.False(t, merkle.VerifyProof(leaf, orig, other), "different root")
	}
}

func TestSnapshot_validate(t *testing.T) {
	s, err := merkle.Build(ctx, leaves(5))
	require.NoError(t, err)
	require.NoError(t, s.Validate(ctx))
	assert.True(t, s.Contains(strings.ToUpper(s.SortedLeafHashes[3])))

	s.SortedLeafHashes[1], s.SortedLeafHashes[2] = s.SortedLeafHashes[2], s.SortedLeafHashes[1]
	assert.ErrorIs(t, s.Validate(ctx), merkle.ErrInvalidSnapshot)

	s2, err := merkle.Build(ctx, leaves(5))
	require.NoError(t, err)
	s2.RootHash = digest.Empty
	assert.ErrorIs(t, s2.Validate(ctx), merkle.ErrInvalidSnapshot)
}
