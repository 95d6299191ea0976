// Package memory provides an in-process domain.Store for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"example.com/ledger/internal/domain"
)

type voteKey struct {
	userID  int64
	topicID int64
}

type grantKey struct {
	userID        int64
	achievementID string
}

type state struct {
	topics  map[int64]domain.Topic
	votes   map[voteKey]domain.Vote
	streaks map[int64]domain.UserStreak
	grants  map[grantKey]domain.AchievementGrant
}

func newState() *state {
	return &state{
		topics:  make(map[int64]domain.Topic),
		votes:   make(map[voteKey]domain.Vote),
		streaks: make(map[int64]domain.UserStreak),
		grants:  make(map[grantKey]domain.AchievementGrant),
	}
}

func (s *state) clone() *state {
	out := &state{
		topics:  make(map[int64]domain.Topic, len(s.topics)),
		votes:   make(map[voteKey]domain.Vote, len(s.votes)),
		streaks: make(map[int64]domain.UserStreak, len(s.streaks)),
		grants:  make(map[grantKey]domain.AchievementGrant, len(s.grants)),
	}
	for k, v := range s.topics {
		out.topics[k] = v
	}
	for k, v := range s.votes {
		out.votes[k] = v
	}
	for k, v := range s.streaks {
		out.streaks[k] = v
	}
	for k, v := range s.grants {
		out.grants[k] = v
	}
	return out
}

// Store keeps ledger state in memory. Transactions run one at a time on a
// private copy that replaces the committed state on success. Events are not
// part of that copy: a transaction buffers its own and they are appended to
// the committed log, which keeps only the most recent eventLimit entries.
type Store struct {
	slot        chan struct{}
	lockTimeout time.Duration
	eventLimit  int

	mu     sync.RWMutex
	state  *state
	events []domain.Event
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds how long InTx waits for the transaction slot.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithEventLimit caps how many committed events the store retains.
func WithEventLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.eventLimit = n
		}
	}
}

// NewStore constructs an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		slot:        make(chan struct{}, 1),
		lockTimeout: 2 * time.Second,
		eventLimit:  10000,
		state:       newState(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PutTopic creates or replaces a topic. Topic administration lives outside the
// ledger; this seeds tests and local runs.
func (s *Store) PutTopic(topic domain.Topic) {
	s.slot <- struct{}{}
	defer func() { <-s.slot }()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.topics[topic.ID] = topic
}

// Events returns the most recent committed events, oldest first.
func (s *Store) Events() []domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Event(nil), s.events...)
}

// CountVotes returns the number of vote rows for a topic.
func (s *Store) CountVotes(topicID int64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for k := range s.state.votes {
		if k.topicID == topicID {
			n++
		}
	}
	return n
}

// CountGrants returns how many users hold achievementID.
func (s *Store) CountGrants(achievementID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.state.grants {
		if k.achievementID == achievementID {
			n++
		}
	}
	return n
}

// InTx implements domain.Store.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer func() { <-s.slot }()

	s.mu.RLock()
	working := s.state.clone()
	s.mu.RUnlock()

	t := &tx{state: working}
	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = working
	s.events = append(s.events, t.pending...)
	if over := len(s.events) - s.eventLimit; over > 0 {
		s.events = append(s.events[:0:0], s.events[over:]...)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) acquire(ctx context.Context) error {
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case s.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: lock timeout after %s", domain.ErrRetryable, s.lockTimeout)
	}
}

// GetTopic implements domain.Store.
func (s *Store) GetTopic(_ context.Context, topicID int64) (*domain.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topic, ok := s.state.topics[topicID]
	if !ok {
		return nil, nil
	}
	return &topic, nil
}

// GetStreak implements domain.Store.
func (s *Store) GetStreak(_ context.Context, userID int64) (*domain.UserStreak, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	streak, ok := s.state.streaks[userID]
	if !ok {
		return nil, nil
	}
	return &streak, nil
}

// ListGrants implements domain.Store.
func (s *Store) ListGrants(_ context.Context, userID int64) ([]domain.AchievementGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AchievementGrant, 0)
	for k, grant := range s.state.grants {
		if k.userID == userID {
			out = append(out, grant)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GrantedAt.Equal(out[j].GrantedAt) {
			return out[i].AchievementID < out[j].AchievementID
		}
		return out[i].GrantedAt.Before(out[j].GrantedAt)
	})
	return out, nil
}

// ListVotesByUser implements domain.Store.
func (s *Store) ListVotesByUser(_ context.Context, userID int64, cursor *domain.Cursor, limit int) ([]domain.Vote, *domain.Cursor, error) {
	s.mu.RLock()
	all := make([]domain.Vote, 0)
	for k, vote := range s.state.votes {
		if k.userID == userID {
			all = append(all, vote)
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].TopicID > all[j].TopicID
		}
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})

	results := make([]domain.Vote, 0, limit)
	for _, vote := range all {
		if cursor != nil && !before(vote, *cursor) {
			continue
		}
		results = append(results, vote)
		if len(results) == limit {
			break
		}
	}

	var next *domain.Cursor
	if limit > 0 && len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{UpdatedAt: last.UpdatedAt, TopicID: last.TopicID}
	}
	return results, next, nil
}

// before reports whether vote sorts after the cursor position in descending order.
func before(vote domain.Vote, c domain.Cursor) bool {
	if vote.UpdatedAt.Equal(c.UpdatedAt) {
		return vote.TopicID < c.TopicID
	}
	return vote.UpdatedAt.Before(c.UpdatedAt)
}

type tx struct {
	state   *state
	pending []domain.Event
}

func (t *tx) LoadTopic(_ context.Context, topicID int64) (*domain.Topic, error) {
	topic, ok := t.state.topics[topicID]
	if !ok {
		return nil, nil
	}
	return &topic, nil
}

func (t *tx) InsertVote(_ context.Context, vote domain.Vote) (bool, error) {
	key := voteKey{userID: vote.UserID, topicID: vote.TopicID}
	if _, exists := t.state.votes[key]; exists {
		return false, nil
	}
	t.state.votes[key] = vote
	return true, nil
}

func (t *tx) LockVote(_ context.Context, userID, topicID int64) (*domain.Vote, error) {
	vote, ok := t.state.votes[voteKey{userID: userID, topicID: topicID}]
	if !ok {
		return nil, nil
	}
	return &vote, nil
}

func (t *tx) UpdateVoteChoice(_ context.Context, userID, topicID int64, choice domain.Choice, at time.Time) error {
	key := voteKey{userID: userID, topicID: topicID}
	vote, ok := t.state.votes[key]
	if !ok {
		return fmt.Errorf("vote %d:%d not found", userID, topicID)
	}
	vote.Choice = choice
	vote.UpdatedAt = at
	t.state.votes[key] = vote
	return nil
}

func (t *tx) AdjustTally(_ context.Context, topicID int64, deltaA, deltaB int64) (domain.Tally, error) {
	topic, ok := t.state.topics[topicID]
	if !ok {
		return domain.Tally{}, fmt.Errorf("topic %d not found", topicID)
	}
	topic.Tally.VotesA += deltaA
	topic.Tally.VotesB += deltaB
	if topic.Tally.VotesA < 0 || topic.Tally.VotesB < 0 {
		return domain.Tally{}, fmt.Errorf("topic %d tally would go negative", topicID)
	}
	t.state.topics[topicID] = topic
	return topic.Tally, nil
}

func (t *tx) LoadStreak(_ context.Context, userID int64, lock bool) (*domain.UserStreak, error) {
	streak, ok := t.state.streaks[userID]
	if !ok {
		if !lock {
			return nil, nil
		}
		streak = domain.UserStreak{UserID: userID}
		t.state.streaks[userID] = streak
	}
	return &streak, nil
}

func (t *tx) SaveStreak(_ context.Context, streak domain.UserStreak) error {
	if streak.LongestStreak < streak.CurrentStreak {
		return fmt.Errorf("streak for user %d: longest %d below current %d", streak.UserID, streak.LongestStreak, streak.CurrentStreak)
	}
	t.state.streaks[streak.UserID] = streak
	return nil
}

func (t *tx) GrantedAchievements(_ context.Context, userID int64) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for k := range t.state.grants {
		if k.userID == userID {
			out[k.achievementID] = struct{}{}
		}
	}
	return out, nil
}

func (t *tx) InsertGrant(_ context.Context, grant domain.AchievementGrant) (bool, error) {
	key := grantKey{userID: grant.UserID, achievementID: grant.AchievementID}
	if _, exists := t.state.grants[key]; exists {
		return false, nil
	}
	t.state.grants[key] = grant
	return true, nil
}

func (t *tx) DistinctCategoryCount(_ context.Context, userID int64) (int64, error) {
	seen := make(map[int64]struct{})
	for k := range t.state.votes {
		if k.userID != userID {
			continue
		}
		topic, ok := t.state.topics[k.topicID]
		if !ok || topic.CategoryID == nil {
			continue
		}
		seen[*topic.CategoryID] = struct{}{}
	}
	return int64(len(seen)), nil
}

func (t *tx) AppendEvent(_ context.Context, event domain.Event) error {
	t.pending = append(t.pending, event)
	return nil
}
