package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/custodyledger/internal/canonical"
)

var ctx = context.Background()

type record struct {
	Name  string         `json:"name"`
	Count int            `json:"count"`
	Meta  map[string]any `json:"meta"`
}

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestFileStore_SaveLoad(t *testing.T) {
	s := newFileStore(t)

	in := record{Name: "a", Count: 3, Meta: map[string]any{"big": uint64(1) << 60}}
	require.NoError(t, s.Save(ctx, "ledgers/case-1", in))

	var out record
	require.NoError(t, s.Load(ctx, "ledgers/case-1", &out))
	assert.Equal(t, "a", out.Name)
	assert.Equal(t, 3, out.Count)

	// Numbers inside interface values come back exact.
	before, err := canonical.Marshal(in)
	require.NoError(t, err)
	after, err := canonical.Marshal(out)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestFileStore_writesCanonicalBytes(t *testing.T) {
	s := newFileStore(t)
	require.NoError(t, s.Save(ctx, "obj", map[string]any{"b": 1, "a": 2}))

	data, err := os.ReadFile(filepath.Join(s.Dir(), "obj.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, string(data))
}

func TestFileStore_LoadMissing(t *testing.T) {
	s := newFileStore(t)
	var out record
	err := s.Load(ctx, "ledgers/nope", &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_Exists(t *testing.T) {
	s := newFileStore(t)
	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save(ctx, "k", record{Name: "x"}))
	ok, err = s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStore_interruptedSaveKeepsPreviousObject(t *testing.T) {
	s := newFileStore(t)
	require.NoError(t, s.Save(ctx, "ledgers/main", record{Name: "v1", Count: 1}))

	path := filepath.Join(s.Dir(), "ledgers", "main.json")
	committed, err := os.ReadFile(path)
	require.NoError(t, err)

	crash := errors.New("simulated crash before rename")
	var sawTemp bool
	s.beforeCommit = func(tmpPath string) error {
		data, err := os.ReadFile(tmpPath)
		sawTemp = err == nil && len(data) > 0
		return crash
	}

	err = s.Save(ctx, "ledgers/main", record{Name: "v2", Count: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, crash)
	assert.True(t, sawTemp, "new bytes should have been fully written before the commit point")

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, committed, after)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file must be cleaned up")

	s.beforeCommit = nil
	require.NoError(t, s.Save(ctx, "ledgers/main", record{Name: "v3", Count: 3}))
	var out record
	require.NoError(t, s.Load(ctx, "ledgers/main", &out))
	assert.Equal(t, "v3", out.Name)
}

func TestFileStore_strayTempFileIgnored(t *testing.T) {
	s := newFileStore(t)
	require.NoError(t, s.Save(ctx, "k", record{Name: "committed"}))

	// A crash between write and rename leaves a temporary file behind.
	stray := filepath.Join(s.Dir(), ".k.json.tmp-123")
	require.NoError(t, os.WriteFile(stray, []byte(`{"name":"partial`), 0o600))

	var out record
	require.NoError(t, s.Load(ctx, "k", &out))
	assert.Equal(t, "committed", out.Name)
}

func TestFileStore_serializationErrorNotPersistence(t *testing.T) {
	s := newFileStore(t)
	err := s.Save(ctx, "k", map[string]any{"ch": make(chan int)})
	assert.ErrorIs(t, err, canonical.ErrSerialization)
	assert.NotErrorIs(t, err, ErrPersistence)
}

func TestValidateKey(t *testing.T) {
	valid := []string{"a", "ledgers/case-1", "snapshots/abc_DEF.1"}
	for _, k := range valid {
		assert.NoError(t, ValidateKey(k), k)
	}
	invalid := []string{"", "/abs", "a//b", "../x", "a/../b", ".hidden", "sp ace", "a\\b", "trailing/"}
	for _, k := range invalid {
		assert.ErrorIs(t, ValidateKey(k), ErrInvalidKey, k)
	}
}

func TestOpen_barePathIsFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(ctx, dir, nil)
	require.NoError(t, err)
	defer s.Close()
	_, ok := s.(*FileStore)
	assert.True(t, ok)

	s2, err := Open(ctx, "file://"+dir, nil)
	require.NoError(t, err)
	assert.Equal(t, dir, s2.(*FileStore).Dir())
}

func TestOpen_unknownScheme(t *testing.T) {
	_, err := Open(ctx, "ftp://example.com/x", nil)
	assert.Error(t, err)
}

func TestFileStore_LockExcludesOtherHandles(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)
	b, err := NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)

	unlock, err := a.Lock(ctx, "ledgers/case-1")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = b.Lock(short, "ledgers/case-1")
	require.Error(t, err, "second handle must wait while the lock is held")
	assert.ErrorIs(t, err, ErrPersistence)

	other, err := b.Lock(ctx, "ledgers/case-2")
	require.NoError(t, err, "locks are per key")
	require.NoError(t, other())

	require.NoError(t, unlock())
	again, err := b.Lock(ctx, "ledgers/case-1")
	require.NoError(t, err)
	require.NoError(t, again())

	exists, err := a.Exists(ctx, "ledgers/case-1")
	require.NoError(t, err)
	assert.False(t, exists, "the lock file is not an object")
}
