// Package events defines the payloads the ledger publishes through the outbox.
package events

import "time"

// Event type identifiers.
const (
	TypeVoteRecorded       = "vote.recorded"
	TypeVoteChanged        = "vote.changed"
	TypeAchievementGranted = "achievement.granted"
)

// VoteRecorded is emitted when a user casts a first vote on a topic.
type VoteRecorded struct {
	EventID       string    `json:"event_id"`
	UserID        int64     `json:"user_id"`
	TopicID       int64     `json:"topic_id"`
	Choice        string    `json:"choice"`
	VotesA        int64     `json:"votes_a"`
	VotesB        int64     `json:"votes_b"`
	CurrentStreak int64     `json:"current_streak"`
	TotalVotes    int64     `json:"total_votes"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// VoteChanged is emitted when a user switches an existing vote.
type VoteChanged struct {
	EventID    string    `json:"event_id"`
	UserID     int64     `json:"user_id"`
	TopicID    int64     `json:"topic_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	VotesA     int64     `json:"votes_a"`
	VotesB     int64     `json:"votes_b"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AchievementGranted is emitted once per newly unlocked achievement. Notification
// dispatch consumes it.
type AchievementGranted struct {
	EventID       string    `json:"event_id"`
	UserID        int64     `json:"user_id"`
	AchievementID string    `json:"achievement_id"`
	Type          string    `json:"type"`
	Threshold     int64     `json:"threshold"`
	GrantedAt     time.Time `json:"granted_at"`
}
