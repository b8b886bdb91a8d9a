package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jmerrifield20/custodyledger/internal/ledger"
	"github.com/jmerrifield20/custodyledger/internal/metrics"
)

func gather(t *testing.T, name string) int {
	t.Helper()
	n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, name)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestObserveEvent(t *testing.T) {
	metrics.ObserveEvent(ledger.Event{ID: 7, Action: ledger.ActionNote})
	metrics.ObserveEvent(ledger.Event{ID: 8, Action: ledger.ActionIngestArtifact})

	if n := gather(t, "custody_ledger_events_total"); n < 2 {
		t.Errorf("expected a series per action, got %d", n)
	}
	if n := gather(t, "custody_ledger_head_event_id"); n != 1 {
		t.Errorf("head gauge series: got %d", n)
	}
}

func TestRecorders(t *testing.T) {
	metrics.RecordVerification(true)
	metrics.RecordVerification(false)
	metrics.RecordMerkleBuild(10, 3*time.Millisecond)
	metrics.RecordAnchorResolved("confirmed")
	metrics.RecordFeedPublish(false)

	for _, name := range []string{
		"custody_ledger_verifications_total",
		"custody_merkle_build_duration_seconds",
		"custody_anchors_resolved_total",
		"custody_feed_publish_total",
	} {
		if gather(t, name) == 0 {
			t.Errorf("%s not registered", name)
		}
	}
}
