package domain

import (
	"context"
	"time"
)

// Event is a domain event recorded in the same transaction as the state it describes.
type Event struct {
	ID           string
	Type         string
	AggregateID  string
	PartitionKey string
	Payload      interface{}
}

// Store is the transactional backing store of the ledger.
type Store interface {
	// InTx runs fn inside one transaction. fn's error rolls everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetTopic(ctx context.Context, topicID int64) (*Topic, error)
	GetStreak(ctx context.Context, userID int64) (*UserStreak, error)
	ListGrants(ctx context.Context, userID int64) ([]AchievementGrant, error)
	ListVotesByUser(ctx context.Context, userID int64, cursor *Cursor, limit int) ([]Vote, *Cursor, error)
}

// Tx is the set of operations the coordinator performs inside one transaction.
// Lookups return nil without error when the row does not exist.
type Tx interface {
	LoadTopic(ctx context.Context, topicID int64) (*Topic, error)

	// InsertVote creates the vote unless a row for the key exists; the bool
	// reports whether this call created it.
	InsertVote(ctx context.Context, vote Vote) (bool, error)
	// LockVote reads the vote row and holds its lock until the transaction ends.
	LockVote(ctx context.Context, userID, topicID int64) (*Vote, error)
	UpdateVoteChoice(ctx context.Context, userID, topicID int64, choice Choice, at time.Time) error

	AdjustTally(ctx context.Context, topicID int64, deltaA, deltaB int64) (Tally, error)

	// LoadStreak returns the user's streak, locking the row when lock is set.
	// With lock set a missing row is created empty first so the lock always exists.
	LoadStreak(ctx context.Context, userID int64, lock bool) (*UserStreak, error)
	SaveStreak(ctx context.Context, streak UserStreak) error

	GrantedAchievements(ctx context.Context, userID int64) (map[string]struct{}, error)
	// InsertGrant appends a grant; false means it already existed.
	InsertGrant(ctx context.Context, grant AchievementGrant) (bool, error)
	DistinctCategoryCount(ctx context.Context, userID int64) (int64, error)

	AppendEvent(ctx context.Context, event Event) error
}

// TallyCache is an optional read cache in front of topic tallies. A miss
// reports the topic's current generation; Set stores a tally only while that
// generation is still current, so a fill racing an Invalidate is dropped.
type TallyCache interface {
	Get(ctx context.Context, topicID int64) (tally Tally, generation int64, hit bool, err error)
	Set(ctx context.Context, topicID, generation int64, tally Tally) error
	Invalidate(ctx context.Context, topicID int64) error
}

// NoopTallyCache never hits.
type NoopTallyCache struct{}

func (NoopTallyCache) Get(context.Context, int64) (Tally, int64, bool, error) {
	return Tally{}, 0, false, nil
}
func (NoopTallyCache) Set(context.Context, int64, int64, Tally) error { return nil }
func (NoopTallyCache) Invalidate(context.Context, int64) error        { return nil }
