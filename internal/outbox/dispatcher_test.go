package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/ledger/internal/events"
)

func headerMap(msg kafka.Message) map[string]string {
	out := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

func TestBuildRecordFramesPayloadAndSetsHeaders(t *testing.T) {
	payload, err := json.Marshal(events.VoteRecorded{EventID: "e-1", UserID: 31, TopicID: 4, Choice: "A", VotesA: 1})
	require.NoError(t, err)
	at := time.Date(2025, time.February, 2, 9, 0, 0, 0, time.UTC)

	record, err := buildRecord(Message{
		EventID:       10,
		EventType:     events.TypeVoteRecorded,
		SchemaSubject: "vote_events-value",
		PartitionKey:  "4",
		Payload:       payload,
		DedupeKey:     "vote:e-1",
	}, 77, at)
	require.NoError(t, err)

	require.Equal(t, []byte("4"), record.Key)
	require.Equal(t, at, record.Time)
	require.Equal(t, map[string]string{
		HeaderEventType:     events.TypeVoteRecorded,
		HeaderSchemaSubject: "vote_events-value",
		HeaderUserID:        "31",
		HeaderEventID:       "vote:e-1",
	}, headerMap(record))

	schemaID, body, err := DecodeWireFormat(record.Value)
	require.NoError(t, err)
	require.Equal(t, 77, schemaID)
	require.JSONEq(t, string(payload), string(body))
}

func TestBuildRecordFallsBackToRowIDForEventID(t *testing.T) {
	record, err := buildRecord(Message{EventID: 12, EventType: events.TypeVoteChanged, Payload: []byte(`{"user_id":0}`)}, 1, time.Time{})
	require.NoError(t, err)

	headers := headerMap(record)
	require.Equal(t, "outbox:12", headers[HeaderEventID])
	require.NotContains(t, headers, HeaderUserID)
}

func TestBuildRecordRejectsMalformedPayload(t *testing.T) {
	_, err := buildRecord(Message{EventID: 3, Payload: json.RawMessage(`{"user_id":`)}, 1, time.Now())
	require.Error(t, err)
}

func TestDecodeWireFormatValidation(t *testing.T) {
	_, _, err := DecodeWireFormat([]byte{0, 0, 1})
	require.Error(t, err)
	_, _, err = DecodeWireFormat([]byte{1, 0, 0, 0, 1, '{', '}'})
	require.Error(t, err)

	id, body, err := DecodeWireFormat(encodeWireFormat(513, []byte(`{}`)))
	require.NoError(t, err)
	require.Equal(t, 513, id)
	require.Equal(t, []byte(`{}`), body)
}

func TestDeliverGroupsByTopicAndCachesSchemaIDs(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{id: 12}
	d := NewDispatcher(nil, producer, registry, time.Millisecond, 10)

	vote := json.RawMessage(`{"event_id":"a","user_id":1,"topic_id":2}`)
	grant := json.RawMessage(`{"event_id":"b","user_id":1,"achievement_id":"first_vote"}`)
	messages := []Message{
		{EventID: 1, EventType: events.TypeVoteRecorded, Topic: "vote_events", SchemaSubject: "vote_events-value", PartitionKey: "2", Payload: vote},
		{EventID: 2, EventType: events.TypeAchievementGranted, Topic: "achievement_events", SchemaSubject: "achievement_events-value", PartitionKey: "1", Payload: grant},
		{EventID: 3, EventType: events.TypeVoteChanged, Topic: "vote_events", SchemaSubject: "vote_events-value", PartitionKey: "2", Payload: vote},
	}

	require.NoError(t, d.deliver(context.Background(), messages))
	require.Len(t, producer.writes, 2)
	require.Equal(t, "vote_events", producer.writes[0].topic)
	require.Len(t, producer.writes[0].messages, 2)
	require.Equal(t, "achievement_events", producer.writes[1].topic)
	require.Len(t, registry.calls, 2, "vote.recorded and vote.changed share one subject and schema")

	require.NoError(t, d.deliver(context.Background(), messages))
	require.Len(t, registry.calls, 2)
}

func TestDeliverFailsOnUnknownEventType(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{}
	d := NewDispatcher(nil, producer, registry, time.Millisecond, 10)

	err := d.deliver(context.Background(), []Message{{EventID: 1, EventType: "vote.deleted", Payload: json.RawMessage(`{}`)}})
	require.ErrorContains(t, err, "no schema metadata for event_type=vote.deleted")
	require.Empty(t, producer.writes)
	require.Empty(t, registry.calls)
}

func TestDeliverPropagatesWriteErrors(t *testing.T) {
	producer := &stubProducer{err: errors.New("broker down")}
	d := NewDispatcher(nil, producer, &stubRegistry{id: 1}, time.Millisecond, 10)

	err := d.deliver(context.Background(), []Message{{
		EventID: 1, EventType: events.TypeVoteRecorded, Topic: "vote_events", SchemaSubject: "vote_events-value",
		Payload: json.RawMessage(`{"user_id":1}`),
	}})
	require.ErrorContains(t, err, "broker down")
}

func TestBackoffDelay(t *testing.T) {
	m := NewDLQManager(nil, 3, time.Minute, nil)
	require.Equal(t, time.Minute, m.backoffDelay(1))
	require.Equal(t, 4*time.Minute, m.backoffDelay(3))
	require.Equal(t, time.Hour, m.backoffDelay(10))
	require.Equal(t, time.Hour, m.backoffDelay(64))
	require.Equal(t, time.Minute, m.backoffDelay(0))
}
