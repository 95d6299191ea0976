// Package postgres implements the ledger store on PostgreSQL with pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/ledger/internal/domain"
	"example.com/ledger/internal/events"
)

// Store provides Postgres-backed persistence for votes, tallies, streaks,
// grants and outbox events.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewStore constructs a Store. Row locks taken inside InTx give up after lockTimeout.
func NewStore(pool *pgxpool.Pool, lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &Store{pool: pool, lockTimeout: lockTimeout}
}

// InTx runs fn in a READ COMMITTED transaction with a bounded lock wait.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
	if _, err = tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", timeout); err != nil {
		return classify(err)
	}

	if err = fn(&pgTx{tx: tx}); err != nil {
		return classify(err)
	}

	if err = tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// GetTopic retrieves a topic outside any vote transaction.
func (s *Store) GetTopic(ctx context.Context, topicID int64) (*domain.Topic, error) {
	return scanTopic(s.pool.QueryRow(ctx, selectTopic, topicID))
}

// GetStreak retrieves a user's streak.
func (s *Store) GetStreak(ctx context.Context, userID int64) (*domain.UserStreak, error) {
	return scanStreak(s.pool.QueryRow(ctx, selectStreak, userID))
}

// ListGrants returns a user's achievements in grant order.
func (s *Store) ListGrants(ctx context.Context, userID int64) ([]domain.AchievementGrant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, achievement_id, granted_at FROM achievement_grants
        WHERE user_id = $1 ORDER BY granted_at, achievement_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	grants := make([]domain.AchievementGrant, 0)
	for rows.Next() {
		var g domain.AchievementGrant
		if err := rows.Scan(&g.UserID, &g.AchievementID, &g.GrantedAt); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// ListVotesByUser returns a user's votes ordered by last update.
func (s *Store) ListVotesByUser(ctx context.Context, userID int64, cursor *domain.Cursor, limit int) ([]domain.Vote, *domain.Cursor, error) {
	args := []interface{}{userID, limit}
	query := `SELECT user_id, topic_id, choice, voted_at, updated_at FROM votes WHERE user_id = $1`
	if cursor != nil {
		query += ` AND (updated_at, topic_id) < ($3, $4)`
		args = append(args, cursor.UpdatedAt, cursor.TopicID)
	}
	query += ` ORDER BY updated_at DESC, topic_id DESC LIMIT $2`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.Vote, 0, limit)
	for rows.Next() {
		var v domain.Vote
		var choice string
		if err := rows.Scan(&v.UserID, &v.TopicID, &choice, &v.VotedAt, &v.UpdatedAt); err != nil {
			return nil, nil, err
		}
		v.Choice = domain.Choice(choice)
		results = append(results, v)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{UpdatedAt: last.UpdatedAt, TopicID: last.TopicID}
	}
	return results, next, nil
}

const selectTopic = `SELECT topic_id, option_a, option_b, category_id, is_active, opens_at, closes_at, votes_a, votes_b
    FROM topics WHERE topic_id = $1`

const selectStreak = `SELECT user_id, current_streak, longest_streak, total_votes, last_vote_date
    FROM user_streaks WHERE user_id = $1`

func scanTopic(row pgx.Row) (*domain.Topic, error) {
	var t domain.Topic
	if err := row.Scan(&t.ID, &t.OptionA, &t.OptionB, &t.CategoryID, &t.Active, &t.OpensAt, &t.ClosesAt, &t.Tally.VotesA, &t.Tally.VotesB); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func scanStreak(row pgx.Row) (*domain.UserStreak, error) {
	var s domain.UserStreak
	if err := row.Scan(&s.UserID, &s.CurrentStreak, &s.LongestStreak, &s.TotalVotes, &s.LastVoteDate); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LoadTopic(ctx context.Context, topicID int64) (*domain.Topic, error) {
	return scanTopic(t.tx.QueryRow(ctx, selectTopic, topicID))
}

func (t *pgTx) InsertVote(ctx context.Context, vote domain.Vote) (bool, error) {
	// A concurrent inserter of the same key blocks here until the other
	// transaction ends, then takes the DO NOTHING branch.
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO votes (user_id, topic_id, choice, voted_at, updated_at)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (user_id, topic_id) DO NOTHING`,
		vote.UserID, vote.TopicID, string(vote.Choice), vote.VotedAt, vote.UpdatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) LockVote(ctx context.Context, userID, topicID int64) (*domain.Vote, error) {
	var v domain.Vote
	var choice string
	err := t.tx.QueryRow(ctx,
		`SELECT user_id, topic_id, choice, voted_at, updated_at FROM votes
        WHERE user_id = $1 AND topic_id = $2 FOR UPDATE`, userID, topicID).
		Scan(&v.UserID, &v.TopicID, &choice, &v.VotedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	v.Choice = domain.Choice(choice)
	return &v, nil
}

func (t *pgTx) UpdateVoteChoice(ctx context.Context, userID, topicID int64, choice domain.Choice, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE votes SET choice = $3, updated_at = $4 WHERE user_id = $1 AND topic_id = $2`,
		userID, topicID, string(choice), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("vote %d:%d not found", userID, topicID)
	}
	return nil
}

func (t *pgTx) AdjustTally(ctx context.Context, topicID int64, deltaA, deltaB int64) (domain.Tally, error) {
	var tally domain.Tally
	err := t.tx.QueryRow(ctx,
		`UPDATE topics SET votes_a = votes_a + $2, votes_b = votes_b + $3
        WHERE topic_id = $1 RETURNING votes_a, votes_b`, topicID, deltaA, deltaB).
		Scan(&tally.VotesA, &tally.VotesB)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Tally{}, fmt.Errorf("topic %d not found", topicID)
		}
		return domain.Tally{}, err
	}
	return tally, nil
}

func (t *pgTx) LoadStreak(ctx context.Context, userID int64, lock bool) (*domain.UserStreak, error) {
	if !lock {
		return scanStreak(t.tx.QueryRow(ctx, selectStreak, userID))
	}
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO user_streaks (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return nil, err
	}
	return scanStreak(t.tx.QueryRow(ctx, selectStreak+` FOR UPDATE`, userID))
}

func (t *pgTx) SaveStreak(ctx context.Context, streak domain.UserStreak) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE user_streaks
            SET current_streak = $2, longest_streak = $3, total_votes = $4, last_vote_date = $5, updated_at = NOW()
          WHERE user_id = $1`,
		streak.UserID, streak.CurrentStreak, streak.LongestStreak, streak.TotalVotes, streak.LastVoteDate)
	return err
}

func (t *pgTx) GrantedAchievements(ctx context.Context, userID int64) (map[string]struct{}, error) {
	rows, err := t.tx.Query(ctx, `SELECT achievement_id FROM achievement_grants WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	held := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		held[id] = struct{}{}
	}
	return held, rows.Err()
}

func (t *pgTx) InsertGrant(ctx context.Context, grant domain.AchievementGrant) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO achievement_grants (user_id, achievement_id, granted_at) VALUES ($1,$2,$3)
        ON CONFLICT (user_id, achievement_id) DO NOTHING`,
		grant.UserID, grant.AchievementID, grant.GrantedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) DistinctCategoryCount(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(DISTINCT t.category_id) FROM votes v
        JOIN topics t ON t.topic_id = v.topic_id
        WHERE v.user_id = $1 AND t.category_id IS NOT NULL`, userID).Scan(&n)
	return n, err
}

func (t *pgTx) AppendEvent(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type: %s", event.Type)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err = t.tx.Exec(ctx, stmt,
		meta.AggregateType,
		event.AggregateID,
		event.Type,
		meta.Topic,
		meta.SchemaSubject,
		event.PartitionKey,
		body,
		event.ID,
	)
	return err
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	AggregateType string
	Topic         string
	SchemaSubject string
}

var eventCatalog = map[string]EventMetadata{
	events.TypeVoteRecorded: {
		AggregateType: "vote",
		Topic:         "vote_events",
		SchemaSubject: "vote_events-value",
	},
	events.TypeVoteChanged: {
		AggregateType: "vote",
		Topic:         "vote_events",
		SchemaSubject: "vote_events-value",
	},
	events.TypeAchievementGranted: {
		AggregateType: "achievement_grant",
		Topic:         "achievement_events",
		SchemaSubject: "achievement_events-value",
	},
}
