package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/custodyledger/internal/canonical"
	"github.com/jmerrifield20/custodyledger/internal/digest"
	"github.com/jmerrifield20/custodyledger/internal/ledger"
	"github.com/jmerrifield20/custodyledger/internal/storage"
)

var ctx = context.Background()

const testKey = "ledgers/case-1"

// flakyStore fails the next `failures` saves with a persistence error.
type flakyStore struct {
	storage.Store

	mu       sync.Mutex
	failures int
	saves    int
}

func (f *flakyStore) Save(ctx context.Context, key string, value any) error {
	f.mu.Lock()
	f.saves++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return &storage.PersistenceError{Op: "save", Key: key, Err: errors.New("disk full")}
	}
	return f.Store.Save(ctx, key, value)
}

func (f *flakyStore) failNext(n int) {
	f.mu.Lock()
	f.failures = n
	f.mu.Unlock()
}

func (f *flakyStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func newStore(t *testing.T) *flakyStore {
	t.Helper()
	fs, err := storage.NewFileStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return &flakyStore{Store: fs}
}

// tickingClock returns a clock that advances one second per call.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newLedger(t *testing.T, store storage.Store, opts ...ledger.Option) *ledger.Ledger {
	t.Helper()
	opts = append([]ledger.Option{ledger.WithClock(tickingClock()), ledger.WithRetry(2, time.Millisecond)}, opts...)
	l, err := ledger.Initialize(ctx, store, testKey, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func sha(s string) string { return digest.Of([]byte(s)) }

func TestInitialize_genesis(t *testing.T) {
	l := newLedger(t, newStore(t))

	if l.Len() != 1 {
		t.Fatalf("expected 1 event, got %d", l.Len())
	}
	g, err := l.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if g.Action != ledger.ActionGenesis {
		t.Errorf("action: got %q", g.Action)
	}
	if g.PrevHash != "" {
		t.Errorf("genesis prev_hash should be absent, got %q", g.PrevHash)
	}
	if g.CurrentHash != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("genesis hash: got %q", g.CurrentHash)
	}
	if l.Head() != ledger.GenesisHash {
		t.Errorf("Head(): got %q", l.Head())
	}
}

func TestInitialize_refusesExistingLedger(t *testing.T) {
	store := newStore(t)
	newLedger(t, store)

	_, err := ledger.Initialize(ctx, store, testKey)
	if !errors.Is(err, ledger.ErrAlreadyInitialized) {
		t.Errorf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestAppend_idsContiguousAndChained(t *testing.T) {
	l := newLedger(t, newStore(t))

	const n = 25
	for i := range n {
		_, err := l.Append(ctx, ledger.ActionIngestArtifact, sha(fmt.Sprint(i)), map[string]any{"name": fmt.Sprintf("file-%d", i)})
		if err != nil {
			t.Fatal(err)
		}
	}

	if l.Len() != n+1 {
		t.Fatalf("expected %d events, got %d", n+1, l.Len())
	}
	var prev ledger.Event
	want := int64(1)
	for e := range l.Events() {
		if e.ID != want {
			t.Errorf("id: got %d, want %d", e.ID, want)
		}
		if want > 1 && e.PrevHash != prev.CurrentHash {
			t.Errorf("event %d: prev_hash %q, want %q", e.ID, e.PrevHash, prev.CurrentHash)
		}
		prev = e
		want++
	}

	res := l.Verify()
	if !res.Valid {
		t.Fatalf("Verify() failed on valid chain: %+v", res.Divergence)
	}
	if res.Head != l.Head() {
		t.Errorf("head: got %q, want %q", res.Head, l.Head())
	}
}

func TestAppend_hashCoversFields(t *testing.T) {
	l := newLedger(t, newStore(t))
	subject := sha("artifact")
	md := map[string]any{"name": "a.pdf", "size_bytes": 10}

	e, err := l.Append(ctx, ledger.ActionIngestArtifact, subject, md)
	if err != nil {
		t.Fatal(err)
	}
	want, err := canonical.Sum(map[string]any{
		"prev_hash":    ledger.GenesisHash,
		"action":       "INGEST_ARTIFACT",
		"subject_hash": subject,
		"metadata":     md,
	})
	if err != nil {
		t.Fatal(err)
	}
	if e.CurrentHash != want {
		t.Errorf("current_hash: got %q, want %q", e.CurrentHash, want)
	}
}

func TestAppend_metadataKeyOrderDoesNotMatter(t *testing.T) {
	a := map[string]any{}
	a["z"] = 1
	a["a"] = []any{"x", map[string]any{"q": true, "b": nil}}
	b := map[string]any{}
	b["a"] = []any{"x", map[string]any{"b": nil, "q": true}}
	b["z"] = 1.0

	ha, err := ledger.ComputeHash(ledger.GenesisHash, ledger.ActionNote, "", a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := ledger.ComputeHash(ledger.GenesisHash, ledger.ActionNote, "", b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Errorf("hashes differ: %q vs %q", ha, hb)
	}
}

func TestAppend_rejectsBadInput(t *testing.T) {
	l := newLedger(t, newStore(t))

	if _, err := l.Append(ctx, "DELETE_EVERYTHING", "", nil); !errors.Is(err, ledger.ErrInvalidAction) {
		t.Errorf("unknown action: got %v", err)
	}
	if _, err := l.Append(ctx, ledger.ActionGenesis, "", nil); !errors.Is(err, ledger.ErrInvalidAction) {
		t.Errorf("second genesis: got %v", err)
	}
	if _, err := l.Append(ctx, ledger.ActionNote, "not-a-digest", nil); !errors.Is(err, digest.ErrInvalid) {
		t.Errorf("bad subject: got %v", err)
	}
	if l.Len() != 1 {
		t.Errorf("rejected appends must not change the ledger, len=%d", l.Len())
	}
}

func TestAppend_serializationErrorNotRetried(t *testing.T) {
	store := newStore(t)
	l := newLedger(t, store)
	before := store.saveCount()

	_, err := l.Append(ctx, ledger.ActionNote, "", map[string]any{"ch": make(chan int)})
	if !errors.Is(err, canonical.ErrSerialization) {
		t.Fatalf("expected ErrSerialization, got %v", err)
	}
	if store.saveCount() != before {
		t.Errorf("no save expected, got %d", store.saveCount()-before)
	}
	if l.Len() != 1 {
		t.Errorf("len: got %d, want 1", l.Len())
	}
}

func TestAppend_retriesTransientFailure(t *testing.T) {
	store := newStore(t)
	l := newLedger(t, store)
	before := store.saveCount()
	store.failNext(1)

	e, err := l.Append(ctx, ledger.ActionNote, "", map[string]any{"text": "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if e.ID != 2 {
		t.Errorf("id: got %d, want 2", e.ID)
	}
	if got := store.saveCount() - before; got != 2 {
		t.Errorf("saves: got %d, want 2", got)
	}
}

func TestAppend_rollsBackWhenPersistenceFails(t *testing.T) {
	store := newStore(t)
	l := newLedger(t, store)
	first, err := l.Append(ctx, ledger.ActionNote, "", map[string]any{"n": 1})
	if err != nil {
		t.Fatal(err)
	}

	store.failNext(100)
	_, err = l.Append(ctx, ledger.ActionNote, "", map[string]any{"n": 2})
	if !errors.Is(err, storage.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if l.Len() != 2 {
		t.Errorf("len after failed append: got %d, want 2", l.Len())
	}
	if l.Head() != first.CurrentHash {
		t.Errorf("head moved to an unpersisted event")
	}

	store.failNext(0)
	e, err := l.Append(ctx, ledger.ActionNote, "", map[string]any{"n": 3})
	if err != nil {
		t.Fatal(err)
	}
	if e.ID != 3 || e.PrevHash != first.CurrentHash {
		t.Errorf("next append should follow the last persisted event, got id=%d prev=%q", e.ID, e.PrevHash)
	}

	reopened, err := ledger.Open(ctx, store, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Head() != e.CurrentHash {
		t.Errorf("persisted head: got %q, want %q", reopened.Head(), e.CurrentHash)
	}
}

func TestAppend_timestampNeverGoesBackwards(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	l, err := ledger.Initialize(ctx, newStore(t), testKey, ledger.WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	now = now.Add(-time.Hour)
	mu.Unlock()

	e, err := l.Append(ctx, ledger.ActionNote, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	g, _ := l.Get(1)
	if !e.Timestamp.Equal(g.Timestamp) {
		t.Errorf("timestamp: got %s, want clamp to %s", e.Timestamp, g.Timestamp)
	}
	if !l.Verify().Valid {
		t.Error("clamped chain should verify")
	}
}

func TestOpen_roundTripKeepsHashes(t *testing.T) {
	store := newStore(t)
	l := newLedger(t, store, ledger.WithCase("case-1"))
	md := map[string]any{
		"big":    uint64(1) << 62,
		"ratio":  0.1,
		"nested": map[string]any{"list": []any{1, "two", 3.5}},
		"when":   time.Date(2024, 5, 6, 7, 8, 9, 10, time.UTC),
	}
	e, err := l.Append(ctx, ledger.ActionNote, "", md)
	if err != nil {
		t.Fatal(err)
	}

	reopened, err := ledger.Open(ctx, store, testKey)
	if err != nil {
		t.Fatal(err)
	}
	got, err := reopened.Get(e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentHash != e.CurrentHash {
		t.Errorf("hash changed across reload: %q vs %q", got.CurrentHash, e.CurrentHash)
	}
	if !got.Timestamp.Equal(e.Timestamp) {
		t.Errorf("timestamp changed across reload: %s vs %s", got.Timestamp, e.Timestamp)
	}
	if reopened.Case() != "case-1" {
		t.Errorf("case: got %q", reopened.Case())
	}
}

func TestOpen_missing(t *testing.T) {
	_, err := ledger.Open(ctx, newStore(t), "ledgers/nope")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOpen_unsupportedVersion(t *testing.T) {
	store := newStore(t)
	err := store.Save(ctx, testKey, ledger.State{Version: 99, CanonicalVersion: canonical.Version})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ledger.Open(ctx, store, testKey); !errors.Is(err, ledger.ErrUnsupportedState) {
		t.Errorf("expected ErrUnsupportedState, got %v", err)
	}
}

// buildChain appends n notes and returns the persisted events.
func buildChain(t *testing.T, store storage.Store, n int) []ledger.Event {
	t.Helper()
	l := newLedger(t, store)
	for i := range n {
		if _, err := l.Append(ctx, ledger.ActionNote, sha(fmt.Sprint(i)), map[string]any{"i": i, "name": "evidence"}); err != nil {
			t.Fatal(err)
		}
	}
	events, err := ledger.Inspect(ctx, store, testKey)
	if err != nil {
		t.Fatal(err)
	}
	return events
}

func TestVerify_detectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		index  int
		mutate func(e *ledger.Event)
		reason ledger.Reason
	}{
		{"metadata", 3, func(e *ledger.Event) { e.Metadata["name"] = "evidencf" }, ledger.ReasonHashMismatch},
		{"subject", 2, func(e *ledger.Event) { e.SubjectHash = sha("other") }, ledger.ReasonHashMismatch},
		{"action", 4, func(e *ledger.Event) { e.Action = ledger.ActionVerifyLedger }, ledger.ReasonHashMismatch},
		{"current hash", 1, func(e *ledger.Event) { e.CurrentHash = sha("forged") }, ledger.ReasonHashMismatch},
		{"prev hash", 5, func(e *ledger.Event) { e.PrevHash = sha("forged") }, ledger.ReasonBrokenLink},
		{"id", 3, func(e *ledger.Event) { e.ID = 42 }, ledger.ReasonIDGap},
		{"unknown action", 2, func(e *ledger.Event) { e.Action = "ERASE" }, ledger.ReasonUnknownAction},
		{"timestamp", 4, func(e *ledger.Event) { e.Timestamp = e.Timestamp.Add(-time.Hour) }, ledger.ReasonTimestamp},
		{"genesis", 0, func(e *ledger.Event) { e.CurrentHash = sha("x") }, ledger.ReasonGenesisMismatch},
		{"genesis metadata", 0, func(e *ledger.Event) { e.Metadata["description"] = "rewritten" }, ledger.ReasonGenesisMismatch},
		{"genesis metadata key", 0, func(e *ledger.Event) { e.Metadata["operator"] = "mallory" }, ledger.ReasonGenesisMismatch},
		{"genesis subject", 0, func(e *ledger.Event) { e.SubjectHash = sha("planted") }, ledger.ReasonGenesisMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := buildChain(t, newStore(t), 6)
			tt.mutate(&events[tt.index])

			res := ledger.Verify(events)
			if res.Valid {
				t.Fatal("tampered chain verified")
			}
			if res.Divergence.Index != tt.index {
				t.Errorf("index: got %d, want %d", res.Divergence.Index, tt.index)
			}
			if res.Divergence.Reason != tt.reason {
				t.Errorf("reason: got %q, want %q", res.Divergence.Reason, tt.reason)
			}

			var cie *ledger.ChainIntegrityError
			if !errors.As(res.Err(), &cie) || !errors.Is(res.Err(), ledger.ErrChainIntegrity) {
				t.Errorf("Err() should be a ChainIntegrityError, got %v", res.Err())
			}
		})
	}
}

func TestVerify_empty(t *testing.T) {
	res := ledger.Verify(nil)
	if res.Valid || res.Divergence.Reason != ledger.ReasonEmptyLedger {
		t.Errorf("got %+v", res)
	}
}

func TestOpen_failsClosedOnTamperedStore(t *testing.T) {
	store := newStore(t)
	events := buildChain(t, store, 4)
	events[2].Metadata["name"] = "replaced"
	err := store.Save(ctx, testKey, ledger.State{
		Version:          ledger.StateVersion,
		CanonicalVersion: canonical.Version,
		Events:           events,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = ledger.Open(ctx, store, testKey)
	var cie *ledger.ChainIntegrityError
	if !errors.As(err, &cie) {
		t.Fatalf("expected ChainIntegrityError, got %v", err)
	}
	if cie.Index != 2 || cie.Reason != ledger.ReasonHashMismatch {
		t.Errorf("divergence: got %+v", cie.Divergence)
	}

	// Inspect still reads it for forensics.
	raw, err := ledger.Inspect(ctx, store, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 5 {
		t.Errorf("inspect: got %d events", len(raw))
	}
}

func TestEvents_yieldsCopies(t *testing.T) {
	l := newLedger(t, newStore(t))
	if _, err := l.Append(ctx, ledger.ActionNote, "", map[string]any{"k": map[string]any{"v": "orig"}}); err != nil {
		t.Fatal(err)
	}

	for e := range l.Events() {
		if e.ID == 2 {
			e.Metadata["k"].(map[string]any)["v"] = "changed"
		}
	}
	got, _ := l.Get(2)
	if got.Metadata["k"].(map[string]any)["v"] != "orig" {
		t.Error("mutating a yielded event changed the ledger")
	}
	if !l.Verify().Valid {
		t.Error("ledger no longer verifies")
	}

	count := 0
	for range l.Events() {
		count++
		break
	}
	if count != 1 {
		t.Errorf("early break: got %d", count)
	}
}

func TestAppend_callerMapNotRetained(t *testing.T) {
	l := newLedger(t, newStore(t))
	md := map[string]any{"name": "a"}
	e, err := l.Append(ctx, ledger.ActionNote, "", md)
	if err != nil {
		t.Fatal(err)
	}
	md["name"] = "b"

	got, _ := l.Get(e.ID)
	if got.Metadata["name"] != "a" {
		t.Errorf("metadata changed after append: %v", got.Metadata["name"])
	}
}

func TestRangeAndGet(t *testing.T) {
	l := newLedger(t, newStore(t))
	for range 5 {
		if _, err := l.Append(ctx, ledger.ActionNote, "", nil); err != nil {
			t.Fatal(err)
		}
	}

	page := l.Range(2, 3)
	if len(page) != 3 || page[0].ID != 2 || page[2].ID != 4 {
		t.Errorf("Range(2,3): got %d events starting at %d", len(page), page[0].ID)
	}
	if got := l.Range(5, 0); len(got) != 2 {
		t.Errorf("Range(5,0): got %d events", len(got))
	}
	if got := l.Range(99, 10); len(got) != 0 {
		t.Errorf("Range past end: got %d events", len(got))
	}
	if _, err := l.Get(0); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Get(0): got %v", err)
	}
	if _, err := l.Get(7); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Get(7): got %v", err)
	}
}

func TestObserver_calledAfterCommit(t *testing.T) {
	store := newStore(t)
	var seen []int64
	l := newLedger(t, store, ledger.WithObserver(func(e ledger.Event) { seen = append(seen, e.ID) }))

	if _, err := l.Append(ctx, ledger.ActionNote, "", nil); err != nil {
		t.Fatal(err)
	}
	store.failNext(100)
	l.Append(ctx, ledger.ActionNote, "", nil) //nolint:errcheck

	if len(seen) != 1 || seen[0] != 2 {
		t.Errorf("observer saw %v, want [2]", seen)
	}
}

func TestAppend_concurrent(t *testing.T) {
	l := newLedger(t, newStore(t))

	const writers = 20
	var wg sync.WaitGroup
	ids := make(chan int64, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := l.Append(ctx, ledger.ActionNote, "", map[string]any{"writer": i})
			if err != nil {
				t.Error(err)
				return
			}
			ids <- e.ID
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := l.Verify(); !res.Valid {
				t.Errorf("reader saw invalid chain: %+v", res.Divergence)
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[int64]bool{}
	for id := range ids {
		if seen[id] {
			t.Errorf("duplicate id %d", id)
		}
		seen[id] = true
	}
	if l.Len() != writers+1 {
		t.Errorf("len: got %d, want %d", l.Len(), writers+1)
	}
}

func TestEndToEnd_fourEvents(t *testing.T) {
	store := newStore(t)
	l := newLedger(t, store)
	artifact := sha("evidence.pdf")
	root := sha("root")

	steps := []struct {
		action  ledger.Action
		subject string
		md      map[string]any
	}{
		{ledger.ActionIngestArtifact, artifact, map[string]any{"name": "evidence.pdf", "size_bytes": 1024}},
		{ledger.ActionBuildMerkleRoot, root, map[string]any{"leaf_count": 1}},
		{ledger.ActionAnchorSubmitted, root, map[string]any{"handle": "h-1"}},
	}
	for _, s := range steps {
		if _, err := l.Append(ctx, s.action, s.subject, s.md); err != nil {
			t.Fatal(err)
		}
	}

	reopened, err := ledger.Open(ctx, store, testKey)
	if err != nil {
		t.Fatal(err)
	}
	res := reopened.Verify()
	if !res.Valid || res.Events != 4 {
		t.Fatalf("got %+v", res)
	}
	want := []ledger.Action{ledger.ActionGenesis, ledger.ActionIngestArtifact, ledger.ActionBuildMerkleRoot, ledger.ActionAnchorSubmitted}
	i := 0
	for e := range reopened.Events() {
		if e.ID != int64(i+1) || e.Action != want[i] {
			t.Errorf("event %d: got id=%d action=%s", i, e.ID, e.Action)
		}
		i++
	}
}

func TestParseAction(t *testing.T) {
	a, err := ledger.ParseAction(" ingest_artifact ")
	if err != nil || a != ledger.ActionIngestArtifact {
		t.Errorf("got %q, %v", a, err)
	}
	if _, err := ledger.ParseAction("bogus"); !errors.Is(err, ledger.ErrInvalidAction) {
		t.Errorf("expected ErrInvalidAction, got %v", err)
	}
}

func TestAppend_secondHandleCannotDropCommittedEvents(t *testing.T) {
	store := newStore(t)
	a := newLedger(t, store)
	b, err := ledger.Open(ctx, store, testKey, ledger.WithRetry(2, time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	ea, err := a.Append(ctx, ledger.ActionNote, "", map[string]any{"writer": "a"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Append(ctx, ledger.ActionNote, "", map[string]any{"writer": "b"}); !errors.Is(err, ledger.ErrStaleHead) {
		t.Fatalf("expected ErrStaleHead, got %v", err)
	}
	if b.Len() != 2 || b.Head() != ea.CurrentHash {
		t.Fatalf("b should have picked up a's event: len=%d head=%q", b.Len(), b.Head())
	}

	eb, err := b.Append(ctx, ledger.ActionNote, "", map[string]any{"writer": "b"})
	if err != nil {
		t.Fatal(err)
	}
	if eb.ID != 3 || eb.PrevHash != ea.CurrentHash {
		t.Errorf("retry should chain onto a's event, got id=%d prev=%q", eb.ID, eb.PrevHash)
	}

	if _, err := a.Append(ctx, ledger.ActionNote, "", nil); !errors.Is(err, ledger.ErrStaleHead) {
		t.Fatalf("a is behind, expected ErrStaleHead, got %v", err)
	}

	events, err := ledger.Inspect(ctx, store, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 || events[1].CurrentHash != ea.CurrentHash || events[2].CurrentHash != eb.CurrentHash {
		t.Fatalf("stored chain lost a committed event: %d events", len(events))
	}
	if res := ledger.Verify(events); !res.Valid {
		t.Errorf("stored chain invalid: %+v", res.Divergence)
	}
}

func TestAppend_concurrentHandlesKeepEveryEvent(t *testing.T) {
	store := newStore(t)
	handles := []*ledger.Ledger{newLedger(t, store)}
	for range 2 {
		h, err := ledger.Open(ctx, store, testKey, ledger.WithRetry(2, time.Millisecond))
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}

	const perHandle = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed []string
	)
	for i, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < perHandle; {
				e, err := h.Append(ctx, ledger.ActionNote, "", map[string]any{"handle": i, "n": n})
				if errors.Is(err, ledger.ErrStaleHead) {
					continue
				}
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				committed = append(committed, e.CurrentHash)
				mu.Unlock()
				n++
			}
		}()
	}
	wg.Wait()

	events, err := ledger.Inspect(ctx, store, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if want := 1 + len(handles)*perHandle; len(events) != want {
		t.Fatalf("stored events: got %d, want %d", len(events), want)
	}
	if res := ledger.Verify(events); !res.Valid {
		t.Fatalf("stored chain invalid: %+v", res.Divergence)
	}
	stored := make(map[string]bool, len(events))
	for _, e := range events {
		stored[e.CurrentHash] = true
	}
	for _, h := range committed {
		if !stored[h] {
			t.Errorf("committed event %s missing from storage", h)
		}
	}
}

func TestAppend_divergedStoreIsNotOverwritten(t *testing.T) {
	store := newStore(t)
	l := newLedger(t, store)
	for range 2 {
		if _, err := l.Append(ctx, ledger.ActionNote, "", nil); err != nil {
			t.Fatal(err)
		}
	}
	events, err := ledger.Inspect(ctx, store, testKey)
	if err != nil {
		t.Fatal(err)
	}
	truncated := ledger.State{Version: ledger.StateVersion, CanonicalVersion: canonical.Version, Events: events[:2]}
	if err := store.Save(ctx, testKey, truncated); err != nil {
		t.Fatal(err)
	}

	if _, err := l.Append(ctx, ledger.ActionNote, "", nil); !errors.Is(err, ledger.ErrStaleHead) {
		t.Fatalf("expected ErrStaleHead, got %v", err)
	}
	after, err := ledger.Inspect(ctx, store, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 2 {
		t.Errorf("stored chain changed: %d events", len(after))
	}
}
