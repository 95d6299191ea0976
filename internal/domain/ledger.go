// Package domain implements the vote ledger: vote recording, topic tallies,
// daily streaks and achievement grants, committed together per submission.
package domain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"example.com/ledger/internal/events"
	"example.com/ledger/internal/logging"
	"example.com/ledger/internal/observability"
)

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 25 * time.Millisecond
)

// Ledger coordinates vote submissions. It keeps no mutable state between calls;
// all coordination goes through the store's transactions and unique keys.
type Ledger struct {
	store        Store
	evaluator    *Evaluator
	cache        TallyCache
	logger       *logging.Logger
	tracer       trace.Tracer
	now          func() time.Time
	location     *time.Location
	maxAttempts  int
	retryBackoff time.Duration
}

// Option configures optional Ledger behaviour.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLocation sets the time zone that defines a calendar day for streaks.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) {
		if loc != nil {
			l.location = loc
		}
	}
}

// WithRetry bounds the number of transaction attempts per submission.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(l *Ledger) {
		if maxAttempts > 0 {
			l.maxAttempts = maxAttempts
		}
		if backoff >= 0 {
			l.retryBackoff = backoff
		}
	}
}

// WithTallyCache puts a read cache in front of GetTally.
func WithTallyCache(cache TallyCache) Option {
	return func(l *Ledger) {
		if cache != nil {
			l.cache = cache
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLedger constructs a Ledger.
func NewLedger(store Store, evaluator *Evaluator, opts ...Option) *Ledger {
	l := &Ledger{
		store:        store,
		evaluator:    evaluator,
		cache:        NoopTallyCache{},
		logger:       logging.NewNop(),
		tracer:       otel.Tracer("example.com/ledger/internal/domain"),
		now:          time.Now,
		location:     time.UTC,
		maxAttempts:  defaultMaxAttempts,
		retryBackoff: defaultRetryBackoff,
	}
	if l.evaluator == nil {
		l.evaluator = NewEvaluator(nil)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SubmitVote records a vote as one atomic unit: a new vote, a choice change, or
// a no-op when the same choice is already stored.
func (l *Ledger) SubmitVote(ctx context.Context, input SubmitVoteInput) (*VoteResult, error) {
	start := time.Now()
	defer func() { observability.ObserveSubmit(time.Since(start)) }()

	ctx, span := l.tracer.Start(ctx, "ledger.SubmitVote", trace.WithAttributes(
		attribute.Int64("ledger.user_id", input.UserID),
		attribute.Int64("ledger.topic_id", input.TopicID),
	))
	defer span.End()

	choice, err := ParseChoice(input.Choice)
	if err != nil {
		observability.RecordRejected("invalid_choice")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var result *VoteResult
	for attempt := 1; ; attempt++ {
		result, err = l.submitOnce(ctx, input.UserID, input.TopicID, choice)
		if err == nil {
			break
		}
		if !IsRetryable(err) {
			observability.RecordRejected(rejectReason(err))
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if attempt >= l.maxAttempts || ctx.Err() != nil {
			l.logger.Warn("vote transaction retries exhausted",
				"user_id", input.UserID, "topic_id", input.TopicID, "attempts", attempt, "error", err)
			observability.RecordRejected("transient")
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("%w: %w", ErrTransientStore, err)
		}

		observability.RecordRetry()
		l.logger.Debug("retrying vote transaction",
			"user_id", input.UserID, "topic_id", input.TopicID, "attempt", attempt, "error", err)
		if err := sleepCtx(ctx, time.Duration(attempt)*l.retryBackoff); err != nil {
			observability.RecordRejected("transient")
			return nil, fmt.Errorf("%w: %w", ErrTransientStore, err)
		}
	}

	span.SetAttributes(attribute.String("ledger.outcome", string(result.Outcome)))
	observability.RecordVote(string(result.Outcome), l.now())
	observability.RecordGrants(result.NewAchievements)

	if result.Outcome != OutcomeUnchanged {
		if err := l.cache.Invalidate(ctx, input.TopicID); err != nil {
			l.logger.Warn("tally cache invalidation failed", "topic_id", input.TopicID, "error", err)
		}
	}

	l.logger.Debug("vote submitted",
		"user_id", input.UserID, "topic_id", input.TopicID, "outcome", result.Outcome,
		"choice", result.Choice, "new_achievements", result.NewAchievements)
	return result, nil
}

func (l *Ledger) submitOnce(ctx context.Context, userID, topicID int64, choice Choice) (*VoteResult, error) {
	var result *VoteResult
	err := l.store.InTx(ctx, func(tx Tx) error {
		now := l.now().UTC()

		topic, err := tx.LoadTopic(ctx, topicID)
		if err != nil {
			return err
		}
		if topic == nil {
			return ErrTopicNotFound
		}
		if !topic.OpenAt(now) {
			return ErrTopicClosed
		}

		created, err := tx.InsertVote(ctx, Vote{UserID: userID, TopicID: topicID, Choice: choice, VotedAt: now, UpdatedAt: now})
		if err != nil {
			return err
		}
		if created {
			result, err = l.recordNewVote(ctx, tx, userID, topicID, choice, now)
			return err
		}

		existing, err := tx.LockVote(ctx, userID, topicID)
		if err != nil {
			return err
		}
		if existing == nil {
			// Insert saw a conflicting row that is gone now; start over.
			return fmt.Errorf("%w: vote row vanished", ErrConstraintViolation)
		}

		streak, err := tx.LoadStreak(ctx, userID, false)
		if err != nil {
			return err
		}
		current := UserStreak{UserID: userID}
		if streak != nil {
			current = *streak
		}

		if existing.Choice == choice {
			// The first LoadTopic may predate the insert that created this
			// row; read the tally again now that the row is locked.
			locked, err := tx.LoadTopic(ctx, topicID)
			if err != nil {
				return err
			}
			if locked == nil {
				return ErrTopicNotFound
			}
			result = &VoteResult{
				Accepted:        true,
				Outcome:         OutcomeUnchanged,
				Choice:          choice,
				Tally:           locked.Tally,
				Streak:          current,
				NewAchievements: []string{},
			}
			return nil
		}

		result, err = l.changeVote(ctx, tx, *existing, choice, now)
		if err != nil {
			return err
		}
		result.Streak = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (l *Ledger) recordNewVote(ctx context.Context, tx Tx, userID, topicID int64, choice Choice, now time.Time) (*VoteResult, error) {
	deltaA, deltaB := choice.Delta()
	tally, err := tx.AdjustTally(ctx, topicID, deltaA, deltaB)
	if err != nil {
		return nil, err
	}

	stored, err := tx.LoadStreak(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	previous := UserStreak{UserID: userID}
	if stored != nil {
		previous = *stored
	}
	streak := previous.RegisterVote(CalendarDay(now, l.location))
	streak.UserID = userID
	if err := tx.SaveStreak(ctx, streak); err != nil {
		return nil, err
	}

	eventID := uuid.NewString()
	if err := tx.AppendEvent(ctx, Event{
		ID:           eventID,
		Type:         events.TypeVoteRecorded,
		AggregateID:  voteKey(userID, topicID),
		PartitionKey: strconv.FormatInt(topicID, 10),
		Payload: events.VoteRecorded{
			EventID:       eventID,
			UserID:        userID,
			TopicID:       topicID,
			Choice:        string(choice),
			VotesA:        tally.VotesA,
			VotesB:        tally.VotesB,
			CurrentStreak: streak.CurrentStreak,
			TotalVotes:    streak.TotalVotes,
			OccurredAt:    now,
		},
	}); err != nil {
		return nil, err
	}

	granted, err := l.evaluator.EvaluateAndGrant(ctx, tx, userID, streak, now)
	if err != nil {
		return nil, err
	}

	return &VoteResult{
		Accepted:        true,
		Outcome:         OutcomeCreated,
		Choice:          choice,
		Tally:           tally,
		Streak:          streak,
		NewAchievements: granted,
	}, nil
}

func (l *Ledger) changeVote(ctx context.Context, tx Tx, existing Vote, choice Choice, now time.Time) (*VoteResult, error) {
	if err := tx.UpdateVoteChoice(ctx, existing.UserID, existing.TopicID, choice, now); err != nil {
		return nil, err
	}

	oldA, oldB := existing.Choice.Delta()
	newA, newB := choice.Delta()
	tally, err := tx.AdjustTally(ctx, existing.TopicID, newA-oldA, newB-oldB)
	if err != nil {
		return nil, err
	}

	eventID := uuid.NewString()
	if err := tx.AppendEvent(ctx, Event{
		ID:           eventID,
		Type:         events.TypeVoteChanged,
		AggregateID:  voteKey(existing.UserID, existing.TopicID),
		PartitionKey: strconv.FormatInt(existing.TopicID, 10),
		Payload: events.VoteChanged{
			EventID:    eventID,
			UserID:     existing.UserID,
			TopicID:    existing.TopicID,
			From:       string(existing.Choice),
			To:         string(choice),
			VotesA:     tally.VotesA,
			VotesB:     tally.VotesB,
			OccurredAt: now,
		},
	}); err != nil {
		return nil, err
	}

	return &VoteResult{
		Accepted:        true,
		Outcome:         OutcomeChanged,
		Choice:          choice,
		Tally:           tally,
		NewAchievements: []string{},
	}, nil
}

// GetTally returns a topic's counters, through the tally cache when one is set.
func (l *Ledger) GetTally(ctx context.Context, topicID int64) (Tally, error) {
	tally, generation, hit, cacheErr := l.cache.Get(ctx, topicID)
	if cacheErr == nil && hit {
		return tally, nil
	} else if cacheErr != nil {
		l.logger.Warn("tally cache read failed", "topic_id", topicID, "error", cacheErr)
	}

	topic, err := l.store.GetTopic(ctx, topicID)
	if err != nil {
		return Tally{}, err
	}
	if topic == nil {
		return Tally{}, ErrTopicNotFound
	}
	if cacheErr == nil {
		if err := l.cache.Set(ctx, topicID, generation, topic.Tally); err != nil {
			l.logger.Warn("tally cache write failed", "topic_id", topicID, "error", err)
		}
	}
	return topic.Tally, nil
}

// GetStreak returns the user's streak, zero valued if the user never voted.
func (l *Ledger) GetStreak(ctx context.Context, userID int64) (UserStreak, error) {
	streak, err := l.store.GetStreak(ctx, userID)
	if err != nil {
		return UserStreak{}, err
	}
	if streak == nil {
		return UserStreak{UserID: userID}, nil
	}
	return *streak, nil
}

// ListAchievements returns the user's grants.
func (l *Ledger) ListAchievements(ctx context.Context, userID int64) ([]AchievementGrant, error) {
	return l.store.ListGrants(ctx, userID)
}

// ListVotes pages through the user's votes, most recently updated first.
func (l *Ledger) ListVotes(ctx context.Context, userID int64, cursor *Cursor, limit int) ([]Vote, *Cursor, error) {
	if limit <= 0 {
		limit = 20
	}
	return l.store.ListVotesByUser(ctx, userID, cursor, limit)
}

// Catalog exposes the achievement definitions in evaluation order.
func (l *Ledger) Catalog() []AchievementDefinition {
	return l.evaluator.Catalog()
}

func voteKey(userID, topicID int64) string {
	return strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(topicID, 10)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidChoice):
		return "invalid_choice"
	case errors.Is(err, ErrTopicNotFound):
		return "topic_not_found"
	case errors.Is(err, ErrTopicClosed):
		return "topic_closed"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "error"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
