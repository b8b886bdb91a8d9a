package merkle

import (
	"context"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmerrifield20/custodyledger/internal/digest"
)

// serialRoot reduces without the worker pool.
func serialRoot(level []node) string {
	for len(level) > 1 {
		next := make([]node, (len(level)+1)/2)
		parentsInto(next, level, 0, len(next))
		level = next
	}
	return hex.EncodeToString(level[0][:])
}

func TestBuild_parallelMatchesSerial(t *testing.T) {
	n := 3*parallelThreshold + 7
	in := make([]string, n)
	for i := range in {
		in[i] = digest.Of([]byte(fmt.Sprint(i)))
	}

	s, err := Build(context.Background(), in)
	require.NoError(t, err)

	level, err := decodeLeaves(s.SortedLeafHashes)
	require.NoError(t, err)
	assert.Equal(t, serialRoot(level), s.RootHash)
}

func TestBuild_cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in := make([]string, 2*parallelThreshold+1)
	for i := range in {
		in[i] = digest.Of([]byte(fmt.Sprint(i)))
	}
	_, err := Build(ctx, in)
	assert.ErrorIs(t, err, context.Canceled)
}
