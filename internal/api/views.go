package api

import (
	"time"

	"example.com/ledger/internal/domain"
)

// SubmitVoteRequest is the payload for POST /v1/topics/{topicID}/votes.
type SubmitVoteRequest struct {
	Choice string `json:"choice"`
}

// TallyView exposes a topic's counters.
type TallyView struct {
	TopicID int64 `json:"topic_id"`
	VotesA  int64 `json:"votes_a"`
	VotesB  int64 `json:"votes_b"`
	Total   int64 `json:"total"`
}

// StreakView exposes a user's daily voting state.
type StreakView struct {
	CurrentStreak int64   `json:"current_streak"`
	LongestStreak int64   `json:"longest_streak"`
	TotalVotes    int64   `json:"total_votes"`
	LastVoteDate  *string `json:"last_vote_date,omitempty"`
}

// AchievementView describes one grant.
type AchievementView struct {
	AchievementID string    `json:"achievement_id"`
	Title         string    `json:"title,omitempty"`
	GrantedAt     time.Time `json:"granted_at"`
}

// NewAchievementView is an achievement unlocked by the current submission.
type NewAchievementView struct {
	AchievementID string `json:"achievement_id"`
	Title         string `json:"title,omitempty"`
}

// VoteResponse is returned by the submit endpoint.
type VoteResponse struct {
	Accepted        bool                 `json:"accepted"`
	Outcome         string               `json:"outcome"`
	Choice          string               `json:"choice"`
	Tally           TallyView            `json:"tally"`
	Streak          StreakView           `json:"streak"`
	NewAchievements []NewAchievementView `json:"new_achievements"`
}

// VoteView is one row of the caller's vote history.
type VoteView struct {
	TopicID   int64     `json:"topic_id"`
	Choice    string    `json:"choice"`
	VotedAt   time.Time `json:"voted_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListVotesResponse packages a page of votes.
type ListVotesResponse struct {
	Items      []VoteView `json:"items"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// ListAchievementsResponse packages the caller's grants.
type ListAchievementsResponse struct {
	Items []AchievementView `json:"items"`
}

func toTallyView(topicID int64, t domain.Tally) TallyView {
	return TallyView{TopicID: topicID, VotesA: t.VotesA, VotesB: t.VotesB, Total: t.Total()}
}

func toStreakView(s domain.UserStreak) StreakView {
	view := StreakView{
		CurrentStreak: s.CurrentStreak,
		LongestStreak: s.LongestStreak,
		TotalVotes:    s.TotalVotes,
	}
	if s.LastVoteDate != nil {
		date := s.LastVoteDate.Format(time.DateOnly)
		view.LastVoteDate = &date
	}
	return view
}

func toVoteView(v domain.Vote) VoteView {
	return VoteView{
		TopicID:   v.TopicID,
		Choice:    string(v.Choice),
		VotedAt:   v.VotedAt,
		UpdatedAt: v.UpdatedAt,
	}
}

func toVoteResponse(topicID int64, r domain.VoteResult, titles map[string]string) VoteResponse {
	unlocked := make([]NewAchievementView, 0, len(r.NewAchievements))
	for _, id := range r.NewAchievements {
		unlocked = append(unlocked, NewAchievementView{AchievementID: id, Title: titles[id]})
	}
	return VoteResponse{
		Accepted:        r.Accepted,
		Outcome:         string(r.Outcome),
		Choice:          string(r.Choice),
		Tally:           toTallyView(topicID, r.Tally),
		Streak:          toStreakView(r.Streak),
		NewAchievements: unlocked,
	}
}
