package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	votesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vote_ledger",
		Subsystem: "ledger",
		Name:      "votes_total",
		Help:      "Vote submissions that committed, labeled by outcome (created, changed, unchanged).",
	}, []string{"outcome"})

	rejectedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vote_ledger",
		Subsystem: "ledger",
		Name:      "votes_rejected_total",
		Help:      "Vote submissions rejected, labeled by reason.",
	}, []string{"reason"})

	retryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vote_ledger",
		Subsystem: "ledger",
		Name:      "transaction_retries_total",
		Help:      "Vote transactions retried after a lock timeout, serialization failure or constraint race.",
	})

	submitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vote_ledger",
		Subsystem: "ledger",
		Name:      "submit_duration_seconds",
		Help:      "Time spent in SubmitVote including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	grantsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vote_ledger",
		Subsystem: "achievements",
		Name:      "granted_total",
		Help:      "Achievements granted, labeled by achievement id.",
	}, []string{"achievement"})

	lastVoteGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vote_ledger",
		Subsystem: "persistence",
		Name:      "last_vote_committed_timestamp_seconds",
		Help:      "Unix timestamp of the most recent vote transaction that wrote state.",
	})
)

func init() {
	prometheus.MustRegister(votesCounter, rejectedCounter, retryCounter, submitDuration, grantsCounter, lastVoteGauge)
}

// RecordVote counts a committed submission and advances the watermark when it wrote state.
func RecordVote(outcome string, ts time.Time) {
	votesCounter.WithLabelValues(outcome).Inc()
	if outcome != "unchanged" && !ts.IsZero() {
		lastVoteGauge.Set(float64(ts.Unix()))
	}
}

// RecordRejected counts a submission that returned an error.
func RecordRejected(reason string) {
	rejectedCounter.WithLabelValues(reason).Inc()
}

// RecordRetry counts one retried transaction attempt.
func RecordRetry() {
	retryCounter.Inc()
}

// ObserveSubmit records the end-to-end latency of one SubmitVote call.
func ObserveSubmit(d time.Duration) {
	submitDuration.Observe(d.Seconds())
}

// RecordGrants counts newly granted achievements.
func RecordGrants(ids []string) {
	for _, id := range ids {
		grantsCounter.WithLabelValues(id).Inc()
	}
}
