package domain

import (
	"strings"
	"time"
)

// Choice is one of the two options a topic offers.
type Choice string

const (
	ChoiceA Choice = "A"
	ChoiceB Choice = "B"
)

// ParseChoice normalises a client supplied choice token.
func ParseChoice(raw string) (Choice, error) {
	switch Choice(strings.ToUpper(strings.TrimSpace(raw))) {
	case ChoiceA:
		return ChoiceA, nil
	case ChoiceB:
		return ChoiceB, nil
	}
	return "", ErrInvalidChoice
}

// Delta returns the tally adjustment for adding one vote to c.
func (c Choice) Delta() (deltaA, deltaB int64) {
	if c == ChoiceA {
		return 1, 0
	}
	return 0, 1
}

// Tally holds the denormalised counters of a topic.
type Tally struct {
	VotesA int64
	VotesB int64
}

// Total is the number of votes the tally accounts for.
func (t Tally) Total() int64 {
	return t.VotesA + t.VotesB
}

// Topic is a daily binary-choice question. Only the ledger mutates its tally.
type Topic struct {
	ID         int64
	OptionA    string
	OptionB    string
	CategoryID *int64
	Active     bool
	OpensAt    *time.Time
	ClosesAt   *time.Time
	Tally      Tally
}

// OpenAt reports whether the topic accepts votes at t.
func (t Topic) OpenAt(at time.Time) bool {
	if !t.Active {
		return false
	}
	if t.OpensAt != nil && at.Before(*t.OpensAt) {
		return false
	}
	if t.ClosesAt != nil && !at.Before(*t.ClosesAt) {
		return false
	}
	return true
}

// Vote is the single row a user holds for a topic.
type Vote struct {
	UserID    int64
	TopicID   int64
	Choice    Choice
	VotedAt   time.Time
	UpdatedAt time.Time
}

// Outcome describes which path a vote submission took.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeChanged   Outcome = "changed"
	OutcomeUnchanged Outcome = "unchanged"
)

// SubmitVoteInput captures a verified vote request.
type SubmitVoteInput struct {
	UserID  int64
	TopicID int64
	Choice  string
}

// VoteResult is returned by Ledger.SubmitVote.
type VoteResult struct {
	Accepted        bool
	Outcome         Outcome
	Choice          Choice
	Tally           Tally
	Streak          UserStreak
	NewAchievements []string
}

// Cursor models the vote history pagination token.
type Cursor struct {
	UpdatedAt time.Time
	TopicID   int64
}
