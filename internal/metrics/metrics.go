// Package metrics holds the prometheus collectors for custody operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jmerrifield20/custodyledger/internal/ledger"
)

var (
	ledgerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_ledger_events_total",
		Help: "Ledger events committed, by action.",
	}, []string{"action"})

	ledgerHeadID = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "custody_ledger_head_event_id",
		Help: "Id of the last committed ledger event.",
	})

	ledgerVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_ledger_verifications_total",
		Help: "Full-chain verifications, by result.",
	}, []string{"result"})

	merkleBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "custody_merkle_build_duration_seconds",
		Help:    "Time to build a Merkle snapshot.",
		Buckets: prometheus.DefBuckets,
	})

	merkleLeaves = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "custody_merkle_leaves",
		Help:    "Leaves per Merkle snapshot.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})

	anchorsResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_anchors_resolved_total",
		Help: "Anchor submissions resolved, by final state.",
	}, []string{"state"})

	feedPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_feed_publish_total",
		Help: "Events handed to the feed, by outcome.",
	}, []string{"result"})
)

// ObserveEvent records a committed ledger event. It has the signature of a
// ledger observer.
func ObserveEvent(e ledger.Event) {
	ledgerEventsTotal.WithLabelValues(string(e.Action)).Inc()
	ledgerHeadID.Set(float64(e.ID))
}

// SetHead records the head id after a ledger is opened.
func SetHead(id int64) {
	ledgerHeadID.Set(float64(id))
}

// RecordVerification records the outcome of a chain verification.
func RecordVerification(valid bool) {
	if valid {
		ledgerVerificationsTotal.WithLabelValues("valid").Inc()
	} else {
		ledgerVerificationsTotal.WithLabelValues("invalid").Inc()
	}
}

// RecordMerkleBuild records one snapshot build.
func RecordMerkleBuild(leaves int, took time.Duration) {
	merkleLeaves.Observe(float64(leaves))
	merkleBuildDuration.Observe(took.Seconds())
}

// RecordAnchorResolved records an anchor reaching a final state.
func RecordAnchorResolved(state string) {
	anchorsResolvedTotal.WithLabelValues(state).Inc()
}

// RecordFeedPublish records a feed hand-off.
func RecordFeedPublish(success bool) {
	if success {
		feedPublishTotal.WithLabelValues("success").Inc()
	} else {
		feedPublishTotal.WithLabelValues("failure").Inc()
	}
}
