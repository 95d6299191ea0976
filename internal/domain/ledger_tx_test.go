package domain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// racedTx behaves like a statement-level snapshot store while another
// transaction inserts the same vote: the topic read before the insert misses
// that vote, the insert blocks until it commits and then conflicts.
type racedTx struct {
	Tx
	tally     Tally
	committed Vote
	loads     int
}

func (r *racedTx) LoadTopic(_ context.Context, topicID int64) (*Topic, error) {
	r.loads++
	return &Topic{ID: topicID, Active: true, Tally: r.tally}, nil
}

func (r *racedTx) InsertVote(context.Context, Vote) (bool, error) {
	d := r.committed.Choice
	a, b := d.Delta()
	r.tally = Tally{VotesA: r.tally.VotesA + a, VotesB: r.tally.VotesB + b}
	return false, nil
}

func (r *racedTx) LockVote(context.Context, int64, int64) (*Vote, error) {
	v := r.committed
	return &v, nil
}

func (r *racedTx) LoadStreak(_ context.Context, userID int64, _ bool) (*UserStreak, error) {
	day := CalendarDay(time.Now(), time.UTC)
	return &UserStreak{UserID: userID, CurrentStreak: 1, LongestStreak: 1, TotalVotes: 1, LastVoteDate: &day}, nil
}

type singleTxStore struct {
	Store
	tx Tx
}

func (s singleTxStore) InTx(_ context.Context, fn func(Tx) error) error {
	return fn(s.tx)
}

func TestSubmitVoteUnchangedReportsCommittedTally(t *testing.T) {
	tx := &racedTx{committed: Vote{UserID: 77, TopicID: 1, Choice: ChoiceA}}
	ledger := NewLedger(singleTxStore{tx: tx}, nil)

	res, err := ledger.SubmitVote(context.Background(), SubmitVoteInput{UserID: 77, TopicID: 1, Choice: "A"})
	require.NoError(t, err)
	require.Equal(t, OutcomeUnchanged, res.Outcome)
	require.Equal(t, ChoiceA, res.Choice)
	require.Equal(t, Tally{VotesA: 1}, res.Tally, "tally must include the vote that made this call a no-op")
	require.Equal(t, 2, tx.loads)
	require.Equal(t, int64(1), res.Streak.TotalVotes)
}
