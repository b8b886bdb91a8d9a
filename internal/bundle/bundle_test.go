package bundle_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/custodyledger/internal/anchor"
	"github.com/jmerrifield20/custodyledger/internal/bundle"
	"github.com/jmerrifield20/custodyledger/internal/custody"
	"github.com/jmerrifield20/custodyledger/internal/digest"
	"github.com/jmerrifield20/custodyledger/internal/ledger"
	"github.com/jmerrifield20/custodyledger/internal/storage"
)

var ctx = context.Background()

type fixture struct {
	svc   *custody.Service
	root  string
	leaf  string
	store storage.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	l, err := ledger.Initialize(ctx, store, ledger.KeyFor("c"), ledger.WithCase("c"))
	require.NoError(t, err)
	svc := custody.NewService(l, store, zap.NewNop())

	var leaf string
	for _, name := range []string{"a", "b", "c"} {
		a := custody.Artifact{Name: name + ".bin", ContentHash: digest.Of([]byte(name)), Size: 1}
		_, err := svc.Ingest(ctx, a, nil)
		require.NoError(t, err)
		leaf = a.ContentHash
	}
	snap, _, err := svc.BuildFromManifest(ctx)
	require.NoError(t, err)
	return fixture{svc: svc, root: snap.RootHash, leaf: leaf, store: store}
}

func TestExport_roundTripAndCheck(t *testing.T) {
	f := newFixture(t)
	before := f.svc.Ledger().Len()

	b, data, err := bundle.Export(ctx, f.svc, f.root, f.leaf)
	require.NoError(t, err)
	assert.Equal(t, "c", b.Case)
	assert.Equal(t, "c.bin", b.Artifact.Name)
	assert.Nil(t, b.Receipt)

	last := f.svc.Ledger().Last()
	assert.Equal(t, before+1, f.svc.Ledger().Len())
	assert.Equal(t, ledger.ActionExportBundle, last.Action)
	assert.Equal(t, digest.Of(data), last.Metadata["bundle_sha256"])

	decoded, err := bundle.Decode(data)
	require.NoError(t, err)
	require.NoError(t, bundle.Check(decoded))
	assert.True(t, b.ExportedAt.Equal(decoded.ExportedAt))

	again, err := bundle.Encode(decoded)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, again), "encoding must be deterministic")
}

func TestExport_includesReceipt(t *testing.T) {
	f := newFixture(t)
	m := anchor.NewMonitor(anchor.NewLocalAnchorer(1), f.svc.Ledger(), f.store, zap.NewNop(), anchor.MonitorConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Timeout:         time.Second,
	})
	defer m.Close()
	h, err := m.Submit(ctx, f.root)
	require.NoError(t, err)
	require.NoError(t, m.Wait(ctx, h.ID))

	b, _, err := bundle.Export(ctx, f.svc, f.root, f.leaf)
	require.NoError(t, err)
	require.NotNil(t, b.Receipt)
	assert.Equal(t, f.root, b.Receipt.Digest)
	require.NoError(t, bundle.Check(b))
}

func TestCheck_rejectsTampering(t *testing.T) {
	f := newFixture(t)
	_, data, err := bundle.Export(ctx, f.svc, f.root, f.leaf)
	require.NoError(t, err)

	mutations := map[string]func(b *bundle.Bundle){
		"version":  func(b *bundle.Bundle) { b.Version = 9 },
		"artifact": func(b *bundle.Bundle) { b.Artifact.ContentHash = digest.Of([]byte("x")) },
		"root":     func(b *bundle.Bundle) { b.RootHash = digest.Of([]byte("x")) },
		"step": func(b *bundle.Bundle) {
			b.Proof.Steps[0].Hash = digest.Of([]byte("x"))
		},
		"event": func(b *bundle.Bundle) {
			b.BuildEvent = bytes.Replace(b.BuildEvent, []byte(`"leaf_count":3`), []byte(`"leaf_count":4`), 1)
		},
		"receipt": func(b *bundle.Bundle) {
			b.Receipt = &anchor.Receipt{Digest: digest.Of([]byte("x"))}
		},
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			b, err := bundle.Decode(data)
			require.NoError(t, err)
			mutate(b)
			assert.ErrorIs(t, bundle.Check(b), bundle.ErrInvalidBundle)
		})
	}
}

func TestDecode_garbage(t *testing.T) {
	_, err := bundle.Decode([]byte("not cbor"))
	assert.ErrorIs(t, err, bundle.ErrInvalidBundle)
}
