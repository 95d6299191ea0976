package domain

import "time"

// UserStreak is the per-user daily voting state.
type UserStreak struct {
	UserID        int64
	CurrentStreak int64
	LongestStreak int64
	TotalVotes    int64
	LastVoteDate  *time.Time
}

// CalendarDay truncates t to its calendar date in loc. The result is midnight
// UTC of that date so day arithmetic is exact.
func CalendarDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// daysBetween counts whole calendar days from a to b (both CalendarDay values).
func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}

// RegisterVote applies one new vote cast on day and returns the next state.
// A vote dated on or before lastVoteDate counts toward TotalVotes but leaves
// the streak untouched.
func (s UserStreak) RegisterVote(day time.Time) UserStreak {
	next := s
	next.TotalVotes++

	switch {
	case s.LastVoteDate == nil:
		next.CurrentStreak = 1
	default:
		gap := daysBetween(*s.LastVoteDate, day)
		switch {
		case gap <= 0:
			return next
		case gap == 1:
			next.CurrentStreak++
		default:
			next.CurrentStreak = 1
		}
	}

	if next.CurrentStreak > next.LongestStreak {
		next.LongestStreak = next.CurrentStreak
	}
	d := day
	next.LastVoteDate = &d
	return next
}
