//go:build integration

package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	kafkaContainer "github.com/testcontainers/testcontainers-go/modules/kafka"

	"example.com/ledger/internal/domain"
	"example.com/ledger/internal/events"
	"example.com/ledger/internal/persistence/postgres"
	"example.com/ledger/internal/testhelpers"
)

func setupPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()
	pool, cleanup, err := testhelpers.StartPostgres(ctx)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return pool
}

// castVote runs a real vote through the ledger so the outbox holds what production writes.
func castVote(t *testing.T, ctx context.Context, pool *pgxpool.Pool, userID, topicID int64, choice string) {
	t.Helper()
	_, err := pool.Exec(ctx,
		`INSERT INTO topics (topic_id, option_a, option_b, is_active) VALUES ($1, 'left', 'right', TRUE) ON CONFLICT DO NOTHING`, topicID)
	require.NoError(t, err)

	catalog := []domain.AchievementDefinition{{ID: "first_vote", Type: domain.AchievementVotes, Threshold: 1}}
	ledger := domain.NewLedger(postgres.NewStore(pool, time.Second), domain.NewEvaluator(catalog))
	_, err = ledger.SubmitVote(ctx, domain.SubmitVoteInput{UserID: userID, TopicID: topicID, Choice: choice})
	require.NoError(t, err)
}

func countRows(t *testing.T, ctx context.Context, pool *pgxpool.Pool, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(ctx, query, args...).Scan(&n))
	return n
}

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, batchDuration.Write(metric))
	hist := metric.GetHistogram()
	require.NotNil(t, hist)
	return hist.GetSampleCount()
}

func TestDispatcherPublishesLedgerEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	pool := setupPostgres(t, ctx)
	castVote(t, ctx, pool, 8, 1, "A")

	producer := &stubProducer{}
	registry := &stubRegistry{id: 42}
	dispatcher := NewDispatcher(pool, producer, registry, 10*time.Millisecond, 5)

	beforeDelivered := testutil.ToFloat64(deliveredCounter)
	beforeHistogram := histogramSampleCount(t)

	require.NoError(t, dispatcher.processBatch(ctx))

	require.Len(t, producer.writes, 2)
	require.Equal(t, "vote_events", producer.writes[0].topic)
	require.Equal(t, "achievement_events", producer.writes[1].topic)
	require.Equal(t, events.TypeVoteRecorded, headerMap(producer.writes[0].messages[0])[HeaderEventType])
	require.Equal(t, "8", headerMap(producer.writes[1].messages[0])[HeaderUserID])

	require.InDelta(t, beforeDelivered+2, testutil.ToFloat64(deliveredCounter), 0.0001)
	require.Greater(t, histogramSampleCount(t), beforeHistogram)
	require.Equal(t, 2, countRows(t, ctx, pool, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`))

	// A drained outbox is a no-op.
	require.NoError(t, dispatcher.processBatch(ctx))
	require.Len(t, producer.writes, 2)
}

func TestDispatcherRoutesFailuresToDLQAndManagerRequeues(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	pool := setupPostgres(t, ctx)
	castVote(t, ctx, pool, 3, 1, "B")

	failing := NewDispatcher(pool, &stubProducer{err: errors.New("kafka write failed")}, &stubRegistry{id: 7}, 10*time.Millisecond, 5)
	beforeFailed := testutil.ToFloat64(failedCounter)
	beforeDLQ := testutil.ToFloat64(dlqCounter.WithLabelValues("vote_events"))

	require.NoError(t, failing.processBatch(ctx))

	require.InDelta(t, beforeFailed+2, testutil.ToFloat64(failedCounter), 0.0001)
	require.InDelta(t, beforeDLQ+1, testutil.ToFloat64(dlqCounter.WithLabelValues("vote_events")), 0.0001)
	require.Equal(t, 2, countRows(t, ctx, pool, `SELECT COUNT(*) FROM outbox_dlq`))
	require.Equal(t, 2, countRows(t, ctx, pool, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`))

	manager := NewDLQManager(pool, 5, time.Second, nil)
	processed, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, processed)
	require.Zero(t, countRows(t, ctx, pool, `SELECT COUNT(*) FROM outbox_dlq`))
	require.Equal(t, 2, countRows(t, ctx, pool, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`))

	producer := &stubProducer{}
	require.NoError(t, NewDispatcher(pool, producer, &stubRegistry{id: 7}, 10*time.Millisecond, 5).processBatch(ctx))
	require.Len(t, producer.writes, 2)
}

func TestDLQManagerQuarantinesExhaustedEntries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	pool := setupPostgres(t, ctx)

	_, err := pool.Exec(ctx,
		`INSERT INTO outbox_dlq (event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count)
         VALUES (1, 'vote.recorded', 'vote_events', '{"user_id":1}', 'boom', 'vote', '1:1', 'vote_events-value', '1', 5),
                (2, 'vote.unknown', 'vote_events', '{"user_id":1}', 'boom', 'vote', '1:2', 'vote_events-value', '2', 0)`)
	require.NoError(t, err)

	manager := NewDLQManager(pool, 5, time.Minute, nil)
	processed, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, processed)

	require.Equal(t, 1, countRows(t, ctx, pool, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NOT NULL AND event_id = 1`))
	require.Equal(t, 1, countRows(t, ctx, pool,
		`SELECT COUNT(*) FROM outbox_dlq WHERE event_id = 2 AND retry_count = 1 AND next_retry_at > NOW()`))

	// Neither entry is due now.
	processed, err = manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, processed)
}

func TestRepeatedDeliveryFailuresEndInQuarantine(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	pool := setupPostgres(t, ctx)
	castVote(t, ctx, pool, 5, 2, "A")

	const maxRetries = 3
	failing := NewDispatcher(pool, &stubProducer{err: errors.New("broker unreachable")}, &stubRegistry{id: 7}, 10*time.Millisecond, 5,
		WithRetryBackoff(time.Millisecond))
	manager := NewDLQManager(pool, maxRetries, time.Millisecond, nil)

	for cycle := 0; cycle <= maxRetries; cycle++ {
		require.NoError(t, failing.processBatch(ctx))
		require.Equal(t, 2, countRows(t, ctx, pool, `SELECT COUNT(*) FROM outbox_dlq WHERE retry_count = $1`, cycle))

		_, err := pool.Exec(ctx, `UPDATE outbox_dlq SET next_retry_at = NOW() WHERE quarantined_at IS NULL`)
		require.NoError(t, err)
		processed, err := manager.RunOnce(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, 2, processed)
	}

	require.Equal(t, 2, countRows(t, ctx, pool, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NOT NULL`))
	require.Zero(t, countRows(t, ctx, pool, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`))

	// Quarantined entries are never replayed again.
	require.NoError(t, failing.processBatch(ctx))
	processed, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, processed)
	require.Equal(t, 2, countRows(t, ctx, pool, `SELECT COUNT(*) FROM outbox_dlq`))
}

func TestReplayedEventKeepsItsEventID(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	pool := setupPostgres(t, ctx)
	castVote(t, ctx, pool, 6, 3, "B")

	first := &stubProducer{}
	require.NoError(t, NewDispatcher(pool, first, &stubRegistry{id: 7}, 10*time.Millisecond, 5).processBatch(ctx))
	require.Len(t, first.writes, 2)
	original := headerMap(first.writes[0].messages[0])[HeaderEventID]
	require.NotEmpty(t, original)

	failing := NewDispatcher(pool, &stubProducer{err: errors.New("broker unreachable")}, &stubRegistry{id: 7}, 10*time.Millisecond, 5)
	_, err := pool.Exec(ctx, `UPDATE outbox SET published_at = NULL, claimed_at = NULL`)
	require.NoError(t, err)
	require.NoError(t, failing.processBatch(ctx))

	_, err = NewDLQManager(pool, 5, time.Second, nil).RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, countRows(t, ctx, pool, `SELECT COUNT(*) FROM outbox WHERE attempts = 1 AND event_type = $1`, events.TypeVoteRecorded))

	replay := &stubProducer{}
	require.NoError(t, NewDispatcher(pool, replay, &stubRegistry{id: 7}, 10*time.Millisecond, 5).processBatch(ctx))
	require.Len(t, replay.writes, 2)
	require.Equal(t, original, headerMap(replay.writes[0].messages[0])[HeaderEventID])
}

func TestClaimedRowsStayHiddenUntilTheLeaseExpires(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	pool := setupPostgres(t, ctx)
	castVote(t, ctx, pool, 4, 5, "A")

	first := NewDispatcher(pool, &stubProducer{}, &stubRegistry{id: 7}, 10*time.Millisecond, 5, WithClaimLease(time.Minute))
	claimed, err := first.fetchAndClaim(ctx)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// A second dispatcher must not pick up rows the first one is delivering.
	second := &stubProducer{}
	rival := NewDispatcher(pool, second, &stubRegistry{id: 7}, 10*time.Millisecond, 5, WithClaimLease(time.Minute))
	require.NoError(t, rival.processBatch(ctx))
	require.Empty(t, second.writes)

	// Once the claim is stale the rows are taken over.
	_, err = pool.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() - INTERVAL '2 minutes'`)
	require.NoError(t, err)
	require.NoError(t, rival.processBatch(ctx))
	require.Len(t, second.writes, 2)
	require.Zero(t, countRows(t, ctx, pool, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`))
}

func TestDispatcherPublishesToKafka(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()
	pool := setupPostgres(t, ctx)
	castVote(t, ctx, pool, 21, 9, "A")

	kc, err := kafkaContainer.RunContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kc.Terminate(context.Background()) })

	brokers, err := kc.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)

	conn, err := kafka.Dial("tcp", brokers[0])
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(
		kafka.TopicConfig{Topic: "vote_events", NumPartitions: 1, ReplicationFactor: 1},
		kafka.TopicConfig{Topic: "achievement_events", NumPartitions: 1, ReplicationFactor: 1},
	))

	producer := NewKafkaProducer(brokers)
	defer producer.Close()
	require.NoError(t, NewDispatcher(pool, producer, &stubRegistry{id: 100}, 10*time.Millisecond, 5).processBatch(ctx))

	reader := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: "vote_events", Partition: 0})
	defer reader.Close()

	readCtx, readCancel := context.WithTimeout(ctx, 30*time.Second)
	defer readCancel()
	msg, err := reader.ReadMessage(readCtx)
	require.NoError(t, err)

	require.Equal(t, []byte("9"), msg.Key)
	require.Equal(t, "21", headerMap(msg)[HeaderUserID])
	schemaID, payload, err := DecodeWireFormat(msg.Value)
	require.NoError(t, err)
	require.Equal(t, 100, schemaID)
	require.Contains(t, string(payload), `"topic_id":9`)
}
