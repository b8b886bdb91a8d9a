// Package ledger implements the append-only, hash-chained custody log.
//
// Every event commits to its predecessor through prev_hash and to its own
// content through current_hash, starting from a fixed genesis. The whole
// chain is persisted as one State object through a storage.Store; an event
// becomes visible to readers only after that save has succeeded.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/custodyledger/internal/canonical"
	"github.com/jmerrifield20/custodyledger/internal/digest"
	"github.com/jmerrifield20/custodyledger/internal/storage"
)

// StateVersion is the layout version of the persisted State.
const StateVersion = 1

const timeFormat = time.RFC3339Nano

// State is the persisted form of a ledger.
type State struct {
	Version          int     `json:"version"`
	CanonicalVersion string  `json:"canonical_version"`
	Case             string  `json:"case,omitempty"`
	Events           []Event `json:"events"`
}

// KeyFor returns the storage key that holds the ledger of a case.
func KeyFor(caseName string) string { return "ledgers/" + caseName }

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source. Tests use it to control timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithRetry bounds how often a failed save is retried and the first delay.
func WithRetry(maxRetries uint64, initial time.Duration) Option {
	return func(l *Ledger) {
		l.maxRetries = maxRetries
		l.initialBackoff = initial
	}
}

// WithObserver registers fn to be called with every committed event.
// Observers run synchronously after the commit, outside any lock.
func WithObserver(fn func(Event)) Option {
	return func(l *Ledger) { l.observers = append(l.observers, fn) }
}

// WithCase records the case name in the persisted state.
func WithCase(name string) Option {
	return func(l *Ledger) { l.caseName = name }
}

// Ledger is a verified, in-memory view of one persisted chain.
type Ledger struct {
	store    storage.Store
	key      string
	caseName string

	now            func() time.Time
	logger         *zap.Logger
	maxRetries     uint64
	initialBackoff time.Duration
	observers      []func(Event)

	// writeMu serialises Append from compute through persist.
	writeMu sync.Mutex

	// mu guards events. Committed events are never modified in place, so a
	// slice header read under mu is a stable snapshot.
	mu     sync.RWMutex
	events []Event
}

func newLedger(store storage.Store, key string, opts []Option) *Ledger {
	l := &Ledger{
		store:          store,
		key:            key,
		now:            time.Now,
		logger:         zap.NewNop(),
		maxRetries:     3,
		initialBackoff: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Initialize writes a new ledger holding only the genesis event.
func Initialize(ctx context.Context, store storage.Store, key string, opts ...Option) (*Ledger, error) {
	l := newLedger(store, key, opts)

	unlock, err := store.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lock ledger: %w", err)
	}
	defer l.release(unlock)

	var existing State
	err = store.Load(ctx, key, &existing)
	switch {
	case err == nil:
		if len(existing.Events) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, key)
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	genesis := genesisEvent(l.now().UTC())
	events := []Event{genesis}
	if err := l.persist(ctx, events); err != nil {
		return nil, err
	}
	l.events = events

	l.logger.Info("ledger initialized",
		zap.String("key", key),
		zap.String("genesis_hash", genesis.CurrentHash),
	)
	return l, nil
}

// Open loads the ledger at key and verifies it. A chain that fails
// verification is rejected with a *ChainIntegrityError.
func Open(ctx context.Context, store storage.Store, key string, opts ...Option) (*Ledger, error) {
	l := newLedger(store, key, opts)

	state, err := loadState(ctx, store, key)
	if err != nil {
		return nil, err
	}
	if state.Version != StateVersion || state.CanonicalVersion != canonical.Version {
		return nil, fmt.Errorf("%w: state v%d, encoding %q", ErrUnsupportedState, state.Version, state.CanonicalVersion)
	}
	if res := Verify(state.Events); !res.Valid {
		l.logger.Error("ledger failed verification on open",
			zap.String("key", key),
			zap.String("reason", string(res.Divergence.Reason)),
			zap.Int("index", res.Divergence.Index),
		)
		return nil, res.Err()
	}
	if l.caseName == "" {
		l.caseName = state.Case
	}
	l.events = state.Events

	l.logger.Debug("ledger opened", zap.String("key", key), zap.Int("events", len(l.events)))
	return l, nil
}

// Inspect loads the events stored at key without verifying them.
func Inspect(ctx context.Context, store storage.Store, key string) ([]Event, error) {
	state, err := loadState(ctx, store, key)
	if err != nil {
		return nil, err
	}
	return state.Events, nil
}

func loadState(ctx context.Context, store storage.Store, key string) (State, error) {
	var state State
	if err := store.Load(ctx, key, &state); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return State{}, fmt.Errorf("ledger %s: %w", key, err)
		}
		return State{}, fmt.Errorf("load ledger: %w", err)
	}
	for i := range state.Events {
		state.Events[i].Timestamp = state.Events[i].Timestamp.UTC()
	}
	return state, nil
}

// Append records a new event chained to the current head. The event is
// returned only once it has been persisted; on failure the ledger is left
// at its last persisted event.
func (l *Ledger) Append(ctx context.Context, action Action, subjectHash string, metadata map[string]any) (Event, error) {
	if !action.Valid() || action == ActionGenesis {
		return Event{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if subjectHash != "" {
		h, err := digest.Normalize(subjectHash)
		if err != nil {
			return Event{}, fmt.Errorf("subject hash: %w", err)
		}
		subjectHash = h
	}
	md, err := normalizeMetadata(metadata)
	if err != nil {
		return Event{}, err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	unlock, err := l.store.Lock(ctx, l.key)
	if err != nil {
		return Event{}, fmt.Errorf("lock ledger: %w", err)
	}
	defer l.release(unlock)

	committed := l.snapshot()
	if err := l.checkHead(ctx, committed); err != nil {
		return Event{}, err
	}
	last := committed[len(committed)-1]

	hash, err := ComputeHash(last.CurrentHash, action, subjectHash, md)
	if err != nil {
		return Event{}, err
	}
	ts := l.now().UTC()
	if ts.Before(last.Timestamp) {
		ts = last.Timestamp
	}
	ev := Event{
		ID:          last.ID + 1,
		Timestamp:   ts,
		Action:      action,
		SubjectHash: subjectHash,
		PrevHash:    last.CurrentHash,
		CurrentHash: hash,
		Metadata:    md,
	}

	// Readers only ever see committed[:len(committed)], so writing past it
	// in a shared backing array is invisible until the publish below.
	next := append(committed, ev)
	if err := l.persist(ctx, next); err != nil {
		l.logger.Error("append rolled back",
			zap.Int64("event_id", ev.ID),
			zap.String("action", string(action)),
			zap.Error(err),
		)
		return Event{}, err
	}

	l.mu.Lock()
	l.events = next
	l.mu.Unlock()

	l.logger.Debug("ledger event appended",
		zap.Int64("event_id", ev.ID),
		zap.String("action", string(action)),
		zap.String("current_hash", ev.CurrentHash),
	)
	for _, fn := range l.observers {
		fn(ev.Clone())
	}
	return ev.Clone(), nil
}

// persist saves events as the ledger state, retrying transient storage
// failures with exponential backoff.
func (l *Ledger) persist(ctx context.Context, events []Event) error {
	state := State{
		Version:          StateVersion,
		CanonicalVersion: canonical.Version,
		Case:             l.caseName,
		Events:           events,
	}
	return storage.SaveWithRetry(ctx, l.store, l.key, state, storage.RetryPolicy{
		MaxRetries: l.maxRetries,
		Initial:    l.initialBackoff,
	}, l.logger.With(zap.String("component", "ledger")))
}

// checkHead compares the stored chain with committed. Must be called with
// the store lock held. When another writer has extended the chain the
// stored events are verified and adopted, and ErrStaleHead is returned.
func (l *Ledger) checkHead(ctx context.Context, committed []Event) error {
	state, err := loadState(ctx, l.store, l.key)
	if err != nil {
		return err
	}
	stored := state.Events
	n := len(committed)
	head := committed[n-1].CurrentHash

	if len(stored) == n && stored[n-1].CurrentHash == head {
		return nil
	}
	if len(stored) < n || stored[n-1].CurrentHash != head {
		l.logger.Error("stored ledger diverged from this writer",
			zap.String("key", l.key),
			zap.Int("stored_events", len(stored)),
			zap.Int("known_events", n),
		)
		return fmt.Errorf("%w: stored chain no longer contains event %d (%s)", ErrStaleHead, n, head)
	}
	if res := Verify(stored); !res.Valid {
		return res.Err()
	}

	l.mu.Lock()
	l.events = stored
	l.mu.Unlock()

	l.logger.Warn("ledger extended by another writer",
		zap.String("key", l.key),
		zap.Int("adopted", len(stored)-n),
		zap.String("head", stored[len(stored)-1].CurrentHash),
	)
	for _, e := range stored[n:] {
		for _, fn := range l.observers {
			fn(e.Clone())
		}
	}
	return fmt.Errorf("%w: %d event(s) appended elsewhere, head is now event %d",
		ErrStaleHead, len(stored)-n, stored[len(stored)-1].ID)
}

func (l *Ledger) release(unlock storage.Unlock) {
	if err := unlock(); err != nil {
		l.logger.Warn("ledger unlock failed", zap.String("key", l.key), zap.Error(err))
	}
}

func (l *Ledger) snapshot() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.events
}

// Key returns the storage key of the ledger.
func (l *Ledger) Key() string { return l.key }

// Case returns the case name recorded in the ledger state.
func (l *Ledger) Case() string { return l.caseName }

// Len returns the number of committed events, genesis included.
func (l *Ledger) Len() int { return len(l.snapshot()) }

// Head returns the current_hash of the last committed event.
func (l *Ledger) Head() string { return l.Last().CurrentHash }

// Last returns a copy of the last committed event.
func (l *Ledger) Last() Event {
	events := l.snapshot()
	return events[len(events)-1].Clone()
}

// Get returns a copy of the event with the given id.
func (l *Ledger) Get(id int64) (Event, error) {
	events := l.snapshot()
	if id < 1 || id > int64(len(events)) {
		return Event{}, fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	return events[id-1].Clone(), nil
}

// Range returns copies of up to limit events starting at id from. A limit
// of zero or less means no limit.
func (l *Ledger) Range(from int64, limit int) []Event {
	events := l.snapshot()
	if from < 1 {
		from = 1
	}
	if from > int64(len(events)) {
		return []Event{}
	}
	events = events[from-1:]
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = e.Clone()
	}
	return out
}

// Events yields copies of the committed events in order. Each iteration
// takes a fresh snapshot, so ranging again starts from genesis and includes
// events committed since.
func (l *Ledger) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for _, e := range l.snapshot() {
			if !yield(e.Clone()) {
				return
			}
		}
	}
}

// Verify re-verifies the committed chain.
func (l *Ledger) Verify() VerificationResult {
	return Verify(l.snapshot())
}
