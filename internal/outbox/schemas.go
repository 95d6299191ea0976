package outbox

// voteEventSchema covers both vote.recorded and vote.changed; they share the
// vote_events subject, so the schema is the union keyed on the common fields.
const voteEventSchema = `{
  "type": "object",
  "title": "VoteEvent",
  "properties": {
    "event_id": {"type": "string"},
    "user_id": {"type": "integer"},
    "topic_id": {"type": "integer"},
    "choice": {"type": "string", "enum": ["A", "B"]},
    "from": {"type": "string", "enum": ["A", "B"]},
    "to": {"type": "string", "enum": ["A", "B"]},
    "votes_a": {"type": "integer", "minimum": 0},
    "votes_b": {"type": "integer", "minimum": 0},
    "current_streak": {"type": "integer", "minimum": 0},
    "total_votes": {"type": "integer", "minimum": 0},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["event_id", "user_id", "topic_id", "votes_a", "votes_b", "occurred_at"],
  "additionalProperties": false
}`

const achievementGrantedSchema = `{
  "type": "object",
  "title": "AchievementGranted",
  "properties": {
    "event_id": {"type": "string"},
    "user_id": {"type": "integer"},
    "achievement_id": {"type": "string"},
    "type": {"type": "string", "enum": ["votes", "streak", "social", "categories"]},
    "threshold": {"type": "integer", "minimum": 1},
    "granted_at": {"type": "string", "format": "date-time"}
  },
  "required": ["event_id", "user_id", "achievement_id", "type", "threshold", "granted_at"],
  "additionalProperties": false
}`
