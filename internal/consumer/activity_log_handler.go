package consumer

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ActivityLogHandler appends consumed ledger events to user_activity_log.
// Redelivered records are ignored by their (topic, partition, offset) key, and
// republished events by the event_id header the dispatcher stamps on them.
type ActivityLogHandler struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewActivityLogHandler constructs a handler backed by the provided pool.
func NewActivityLogHandler(pool *pgxpool.Pool) *ActivityLogHandler {
	return &ActivityLogHandler{pool: pool, now: time.Now}
}

// Handle stores the event payload.
func (h *ActivityLogHandler) Handle(ctx context.Context, msg Message) error {
	var userID *int64
	if msg.UserID != 0 {
		userID = &msg.UserID
	}
	var eventID *string
	if msg.EventID != "" {
		eventID = &msg.EventID
	}
	receivedAt := msg.Timestamp
	if receivedAt.IsZero() {
		receivedAt = h.now().UTC()
	}

	_, err := h.pool.Exec(ctx,
		`INSERT INTO user_activity_log (event_type, user_id, schema_id, schema_subject, topic, partition, record_offset, payload, received_at, event_id)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
         ON CONFLICT DO NOTHING`,
		msg.EventType,
		userID,
		msg.SchemaID,
		msg.SchemaSubject,
		msg.Topic,
		msg.Partition,
		msg.Offset,
		msg.Payload,
		receivedAt,
		eventID,
	)
	return err
}
