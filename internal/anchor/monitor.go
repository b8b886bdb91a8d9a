package anchor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/jmerrifield20/custodyledger/internal/digest"
	"github.com/jmerrifield20/custodyledger/internal/ledger"
	"github.com/jmerrifield20/custodyledger/internal/storage"
)

// Appender records anchor transitions. *ledger.Ledger satisfies it.
type Appender interface {
	Append(ctx context.Context, action ledger.Action, subjectHash string, metadata map[string]any) (ledger.Event, error)
}

// MonitorConfig bounds polling.
type MonitorConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Timeout         time.Duration

	// SaveRetry bounds retries of receipt saves.
	SaveRetry storage.RetryPolicy

	// OnResolve, when set, is called after a handle is confirmed, failed
	// or cancelled and the event has been recorded.
	OnResolve func(Handle, State)
}

// DefaultMonitorConfig polls from 2s up to every minute for an hour.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		InitialInterval: 2 * time.Second,
		MaxInterval:     time.Minute,
		Timeout:         time.Hour,
		SaveRetry:       storage.DefaultRetryPolicy(),
	}
}

var errStillPending = errors.New("anchor: still pending")

// Monitor submits digests, polls their status in the background and
// appends ANCHOR_* events as they resolve. It never holds a lock while
// talking to the anchorer, so ledger operations are not blocked.
type Monitor struct {
	anchorer Anchorer
	ledger   Appender
	store    storage.Store
	logger   *zap.Logger
	cfg      MonitorConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]Handle
	// pollers holds running pollers only. outcomes keeps the error of a
	// poller that gave up, for as long as its handle stays pending.
	pollers  map[string]*poller
	outcomes map[string]error
}

type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (p *poller) running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// NewMonitor wires a monitor. store receives confirmed receipts.
func NewMonitor(a Anchorer, l Appender, store storage.Store, logger *zap.Logger, cfg MonitorConfig) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultMonitorConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		anchorer: a,
		ledger:   l,
		store:    store,
		logger:   logger,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]Handle),
		pollers:  make(map[string]*poller),
		outcomes: make(map[string]error),
	}
}

// Submit sends d to the anchorer, records ANCHOR_SUBMITTED and starts
// polling. It returns once the submission is recorded.
func (m *Monitor) Submit(ctx context.Context, d string) (Handle, error) {
	d, err := digest.Normalize(d)
	if err != nil {
		return Handle{}, err
	}
	h, err := m.anchorer.Submit(ctx, d)
	if err != nil {
		return Handle{}, fmt.Errorf("anchor: submit %s: %w", d, err)
	}
	if err := m.record(ctx, h, ledger.ActionAnchorSubmitted, map[string]any{
		"handle": h.ID,
		"digest": d,
	}); err != nil {
		return Handle{}, fmt.Errorf("anchor: record submission: %w", err)
	}
	m.logger.Info("anchor submitted", zap.String("digest", d), zap.String("handle", h.ID))
	m.Track(h)
	return h, nil
}

// Track starts polling h. Tracking a handle that is already being polled
// is a no-op; a handle whose earlier poller timed out is polled afresh.
func (m *Monitor) Track(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pollers[h.ID]; ok && p.running() {
		return
	}
	m.pending[h.ID] = h
	if m.ctx.Err() != nil {
		return
	}
	delete(m.outcomes, h.ID)

	pctx, cancel := context.WithCancel(m.ctx)
	p := &poller{cancel: cancel, done: make(chan struct{})}
	m.pollers[h.ID] = p

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.poll(pctx, h)
		cancel()

		m.mu.Lock()
		p.err = err
		if m.pollers[h.ID] == p {
			delete(m.pollers, h.ID)
		}
		if _, open := m.pending[h.ID]; open && err != nil && !errors.Is(err, context.Canceled) {
			m.outcomes[h.ID] = err
		}
		m.mu.Unlock()
		close(p.done)
	}()
}

// record appends an anchor transition for h. A stale head means another
// writer moved the ledger, which has caught up by then: one retry chains
// onto the new head, unless the other writer already resolved h.
func (m *Monitor) record(ctx context.Context, h Handle, action ledger.Action, md map[string]any) error {
	_, err := m.ledger.Append(ctx, action, h.Digest, md)
	if !errors.Is(err, ledger.ErrStaleHead) {
		return err
	}
	if action != ledger.ActionAnchorSubmitted && !m.openInLedger(h.ID) {
		m.logger.Info("anchor resolved by another writer", zap.String("handle", h.ID))
		return nil
	}
	m.logger.Debug("ledger head moved, retrying", zap.String("action", string(action)))
	_, err = m.ledger.Append(ctx, action, h.Digest, md)
	return err
}

func (m *Monitor) poll(ctx context.Context, h Handle) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.cfg.InitialInterval
	eb.MaxInterval = m.cfg.MaxInterval
	eb.MaxElapsedTime = m.cfg.Timeout

	start := time.Now()
	attempts := 0
	var final Status
	err := backoff.Retry(func() error {
		attempts++
		st, err := m.anchorer.CheckStatus(ctx, h)
		if err != nil {
			if errors.Is(err, ErrUnknownHandle) {
				return backoff.Permanent(err)
			}
			m.logger.Warn("anchor status check failed",
				zap.String("handle", h.ID), zap.Int("attempt", attempts), zap.Error(err))
			return err
		}
		if st.State == StatePending {
			return errStillPending
		}
		final = st
		return nil
	}, backoff.WithContext(eb, ctx))

	switch {
	case err == nil:
		return m.resolve(h, final)
	case ctx.Err() != nil:
		// Cancelled or monitor closed; Cancel records its own event.
		return ctx.Err()
	case errors.Is(err, ErrUnknownHandle):
		m.logger.Error("anchorer does not know handle", zap.String("handle", h.ID))
		return err
	default:
		terr := &AnchorTimeoutError{Handle: h, Attempts: attempts, Waited: time.Since(start)}
		m.logger.Warn("anchor unresolved, handle left pending", zap.Error(terr))
		return terr
	}
}

// claim removes id from the pending set. Only the caller that claims a
// handle may record its resolution.
func (m *Monitor) claim(id string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
		delete(m.outcomes, id)
	}
	return h, ok
}

// restore puts a claimed handle back after its resolution could not be
// recorded.
func (m *Monitor) restore(h Handle) {
	m.mu.Lock()
	m.pending[h.ID] = h
	m.mu.Unlock()
}

// stop cancels the poller of id, if any, and waits for it to exit.
func (m *Monitor) stop(id string) {
	m.mu.Lock()
	p, ok := m.pollers[id]
	m.mu.Unlock()
	if ok {
		p.cancel()
		<-p.done
	}
}

func (m *Monitor) resolve(h Handle, st Status) error {
	if _, ok := m.claim(h.ID); !ok {
		return nil
	}
	ctx := context.WithoutCancel(m.ctx)

	switch st.State {
	case StateConfirmed:
		key := ReceiptKey(h.Digest)
		if err := storage.SaveWithRetry(ctx, m.store, key, st.Receipt, m.cfg.SaveRetry, m.logger); err != nil {
			m.restore(h)
			return fmt.Errorf("anchor: save receipt: %w", err)
		}
		if err := m.record(ctx, h, ledger.ActionAnchorConfirmed, map[string]any{
			"handle":      h.ID,
			"receipt_key": key,
		}); err != nil {
			m.restore(h)
			return fmt.Errorf("anchor: record confirmation: %w", err)
		}
		m.logger.Info("anchor confirmed", zap.String("handle", h.ID), zap.String("receipt_key", key))
	case StateFailed:
		if err := m.record(ctx, h, ledger.ActionAnchorFailed, map[string]any{
			"handle": h.ID,
			"reason": st.Reason,
		}); err != nil {
			m.restore(h)
			return fmt.Errorf("anchor: record failure: %w", err)
		}
		m.logger.Warn("anchor failed", zap.String("handle", h.ID), zap.String("reason", st.Reason))
	default:
		m.restore(h)
		return fmt.Errorf("anchor: unexpected final state %q", st.State)
	}

	if m.cfg.OnResolve != nil {
		m.cfg.OnResolve(h, st.State)
	}
	return nil
}

// Check asks the anchorer once about h and records the outcome if it is
// final. Used by callers that do not keep a Monitor running.
func (m *Monitor) Check(ctx context.Context, h Handle) (Status, error) {
	st, err := m.anchorer.CheckStatus(ctx, h)
	if err != nil {
		return Status{}, err
	}
	if st.State == StatePending {
		return st, nil
	}

	// A poller may have recorded the outcome already. The ledger, when it
	// can be read, is the authority on whether the handle is still open.
	m.stop(h.ID)
	if !m.openInLedger(h.ID) {
		return st, nil
	}
	m.mu.Lock()
	if _, ok := m.pending[h.ID]; !ok {
		m.pending[h.ID] = h
	}
	m.mu.Unlock()
	return st, m.resolve(h, st)
}

// openInLedger reports whether id is submitted and unresolved in the
// ledger. Appenders that cannot list events are assumed open.
func (m *Monitor) openInLedger(id string) bool {
	src, ok := m.ledger.(interface{ Events() iter.Seq[ledger.Event] })
	if !ok {
		return true
	}
	for _, h := range PendingFromEvents(src.Events()) {
		if h.ID == id {
			return true
		}
	}
	return false
}

// Cancel stops polling id and records ANCHOR_CANCELLED. Earlier events for
// the handle stay in the ledger.
func (m *Monitor) Cancel(ctx context.Context, id string) error {
	h, ok := m.claim(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotPending, id)
	}
	m.stop(id)

	if err := m.record(ctx, h, ledger.ActionAnchorCancelled, map[string]any{
		"handle": id,
	}); err != nil {
		m.restore(h)
		return fmt.Errorf("anchor: record cancellation: %w", err)
	}
	m.logger.Info("anchor cancelled", zap.String("handle", id))
	if m.cfg.OnResolve != nil {
		m.cfg.OnResolve(h, StateCancelled)
	}
	return nil
}

// Wait blocks until the poller for id exits and returns its result: nil
// once resolved, an *AnchorTimeoutError if it gave up. A handle that is no
// longer pending returns nil at once.
func (m *Monitor) Wait(ctx context.Context, id string) error {
	m.mu.Lock()
	p, polling := m.pollers[id]
	outcome, gaveUp := m.outcomes[id]
	_, open := m.pending[id]
	m.mu.Unlock()
	switch {
	case gaveUp && !polling:
		return outcome
	case !polling && open:
		return fmt.Errorf("%w: %s is not being polled", ErrUnknownHandle, id)
	case !polling:
		return nil
	}
	select {
	case <-p.done:
		if errors.Is(p.err, context.Canceled) {
			return nil
		}
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending lists unresolved handles, oldest first.
func (m *Monitor) Pending() []Handle {
	m.mu.Lock()
	out := make([]Handle, 0, len(m.pending))
	for _, h := range m.pending {
		out = append(out, h)
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b Handle) int {
		if c := a.SubmittedAt.Compare(b.SubmittedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Close stops every poller. Unresolved handles stay pending in the ledger
// and can be resumed with PendingFromEvents and Track.
func (m *Monitor) Close() {
	m.cancel()
	m.wg.Wait()
}

// PendingFromEvents returns the handles submitted in events that have no
// later confirmation, failure or cancellation.
func PendingFromEvents(events iter.Seq[ledger.Event]) []Handle {
	var order []string
	open := map[string]Handle{}
	for e := range events {
		id, _ := e.Metadata["handle"].(string)
		if id == "" {
			continue
		}
		switch e.Action {
		case ledger.ActionAnchorSubmitted:
			if _, ok := open[id]; !ok {
				order = append(order, id)
			}
			open[id] = Handle{ID: id, Digest: e.SubjectHash, SubmittedAt: e.Timestamp}
		case ledger.ActionAnchorConfirmed, ledger.ActionAnchorFailed, ledger.ActionAnchorCancelled:
			delete(open, id)
		}
	}
	out := make([]Handle, 0, len(open))
	for _, id := range order {
		if h, ok := open[id]; ok {
			out = append(out, h)
		}
	}
	return out
}
