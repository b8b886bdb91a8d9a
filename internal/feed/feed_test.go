package feed_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/jmerrifield20/custodyledger/internal/feed"
	"github.com/jmerrifield20/custodyledger/internal/ledger"
	"github.com/jmerrifield20/custodyledger/internal/storage"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []ledger.Event
	fail   bool
}

func (r *recordingPublisher) Publish(_ context.Context, _ string, e ledger.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broker down")
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func TestObserver_publishesCommittedEvents(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewFileStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	pub := &recordingPublisher{}
	l, err := ledger.Initialize(ctx, store, ledger.KeyFor("c"),
		ledger.WithObserver(feed.Observer(pub, "c", zap.NewNop())))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := l.Append(ctx, ledger.ActionNote, "", map[string]any{"text": "hi"}); err != nil {
		t.Fatal(err)
	}
	pub.fail = true
	if _, err := l.Append(ctx, ledger.ActionNote, "", nil); err != nil {
		t.Errorf("a failing feed must not fail the append: %v", err)
	}

	if len(pub.events) != 1 || pub.events[0].ID != 2 {
		t.Errorf("published: got %+v", pub.events)
	}
}

func TestRecord(t *testing.T) {
	e := ledger.Event{ID: 4, Action: ledger.ActionNote, CurrentHash: ledger.GenesisHash, Metadata: map[string]any{"b": 1, "a": 2}}
	rec, err := feed.Record("case-9", e)
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.Key) != "case-9" {
		t.Errorf("key: got %q", rec.Key)
	}
	var back map[string]any
	if err := json.Unmarshal(rec.Value, &back); err != nil {
		t.Fatalf("value is not JSON: %v", err)
	}
	if back["action"] != "NOTE" {
		t.Errorf("action: got %v", back["action"])
	}
	if len(rec.Headers) != 3 || string(rec.Headers[1].Value) != "4" {
		t.Errorf("headers: got %+v", rec.Headers)
	}
}

func TestNewKafkaPublisher_validates(t *testing.T) {
	if _, err := feed.NewKafkaPublisher(nil, "t", zap.NewNop()); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := feed.NewKafkaPublisher([]string{"localhost:9092"}, "", zap.NewNop()); err == nil {
		t.Error("expected error without topic")
	}
}

func TestNoopPublisher(t *testing.T) {
	p := feed.NewNoopPublisher(zap.NewNop())
	if err := p.Publish(context.Background(), "c", ledger.Event{ID: 1}); err != nil {
		t.Error(err)
	}
	if err := p.Close(); err != nil {
		t.Error(err)
	}
}

func TestWebhookPublisher_signsAndRetries(t *testing.T) {
	const secret = "hook-secret"
	var (
		mu       sync.Mutex
		attempts int
		bodies   [][]byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get(feed.SignatureHeader) != feed.Sign(body, secret) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		bodies = append(bodies, body)
	}))
	defer srv.Close()

	p, err := feed.NewWebhookPublisher(feed.WebhookConfig{URL: srv.URL, Secret: secret}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	e := ledger.Event{ID: 7, Action: ledger.ActionNote, CurrentHash: ledger.GenesisHash}
	if err := p.Publish(context.Background(), "c", e); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 || len(bodies) != 1 {
		t.Fatalf("attempts=%d delivered=%d", attempts, len(bodies))
	}
	var back map[string]any
	if err := json.Unmarshal(bodies[0], &back); err != nil || back["event_id"] != float64(7) {
		t.Errorf("unexpected body %s", bodies[0])
	}
}

func TestWebhookPublisher_clientErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p, err := feed.NewWebhookPublisher(feed.WebhookConfig{URL: srv.URL, Secret: "s"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Publish(context.Background(), "c", ledger.Event{ID: 1}); err != nil {
		t.Fatal(err)
	}
	p.Close()
	if n := attempts.Load(); n != 1 {
		t.Errorf("expected a single attempt, got %d", n)
	}
}

func TestNewWebhookPublisher_validates(t *testing.T) {
	if _, err := feed.NewWebhookPublisher(feed.WebhookConfig{Secret: "s"}, zap.NewNop()); err == nil {
		t.Error("expected error without URL")
	}
	if _, err := feed.NewWebhookPublisher(feed.WebhookConfig{URL: "http://x"}, zap.NewNop()); err == nil {
		t.Error("expected error without secret")
	}
}

func TestMulti(t *testing.T) {
	ok := &recordingPublisher{}
	bad := &recordingPublisher{fail: true}
	m := feed.Multi{bad, ok}

	err := m.Publish(context.Background(), "c", ledger.Event{ID: 3})
	if err == nil {
		t.Error("expected the failing publisher's error")
	}
	if len(ok.events) != 1 {
		t.Error("a failing publisher must not stop the others")
	}
	if err := m.Close(); err != nil {
		t.Error(err)
	}
}
