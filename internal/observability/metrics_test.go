package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordVoteAdvancesWatermarkOnWrites(t *testing.T) {
	before := testutil.ToFloat64(votesCounter.WithLabelValues("created"))
	ts := time.Unix(1_700_000_000, 0)

	RecordVote("created", ts)
	require.Equal(t, before+1, testutil.ToFloat64(votesCounter.WithLabelValues("created")))
	require.Equal(t, float64(ts.Unix()), testutil.ToFloat64(lastVoteGauge))

	RecordVote("unchanged", ts.Add(time.Hour))
	require.Equal(t, float64(ts.Unix()), testutil.ToFloat64(lastVoteGauge), "unchanged votes write nothing")
}

func TestRecordGrants(t *testing.T) {
	before := testutil.ToFloat64(grantsCounter.WithLabelValues("streak_7"))
	RecordGrants([]string{"streak_7", "votes_10"})
	require.Equal(t, before+1, testutil.ToFloat64(grantsCounter.WithLabelValues("streak_7")))
}

func TestRecordRejectedAndRetry(t *testing.T) {
	rejected := testutil.ToFloat64(rejectedCounter.WithLabelValues("topic_closed"))
	retries := testutil.ToFloat64(retryCounter)

	RecordRejected("topic_closed")
	RecordRetry()
	RecordRetry()

	require.Equal(t, rejected+1, testutil.ToFloat64(rejectedCounter.WithLabelValues("topic_closed")))
	require.Equal(t, retries+2, testutil.ToFloat64(retryCounter))
}
