package domain

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"example.com/ledger/internal/events"
)

// AchievementType selects the statistic an achievement is measured against.
type AchievementType string

const (
	AchievementVotes      AchievementType = "votes"
	AchievementStreak     AchievementType = "streak"
	AchievementSocial     AchievementType = "social"
	AchievementCategories AchievementType = "categories"
)

// Valid reports whether t is a known achievement type.
func (t AchievementType) Valid() bool {
	switch t {
	case AchievementVotes, AchievementStreak, AchievementSocial, AchievementCategories:
		return true
	}
	return false
}

// AchievementDefinition is a static catalog entry.
type AchievementDefinition struct {
	ID        string
	Type      AchievementType
	Threshold int64
	Title     string
}

// AchievementGrant records that a user unlocked an achievement.
type AchievementGrant struct {
	UserID        int64
	AchievementID string
	GrantedAt     time.Time
}

// MetricFunc computes a user's current value for an achievement type, using
// the post-update streak and the open transaction.
type MetricFunc func(ctx context.Context, tx Tx, streak UserStreak) (int64, error)

// Comparator decides whether a metric value satisfies a threshold.
type Comparator func(value, threshold int64) bool

// AtLeast is the comparator every built-in rule uses.
func AtLeast(value, threshold int64) bool { return value >= threshold }

// Rule binds an achievement type to how it is measured and compared.
type Rule struct {
	Metric  MetricFunc
	Compare Comparator
}

// DefaultRules returns the rule table for the types the ledger computes itself.
// Social achievements need a metric supplied with WithMetric.
func DefaultRules() map[AchievementType]Rule {
	return map[AchievementType]Rule{
		AchievementVotes: {
			Metric: func(_ context.Context, _ Tx, s UserStreak) (int64, error) {
				return s.TotalVotes, nil
			},
			Compare: AtLeast,
		},
		AchievementStreak: {
			Metric: func(_ context.Context, _ Tx, s UserStreak) (int64, error) {
				return s.CurrentStreak, nil
			},
			Compare: AtLeast,
		},
		AchievementCategories: {
			Metric: func(ctx context.Context, tx Tx, s UserStreak) (int64, error) {
				return tx.DistinctCategoryCount(ctx, s.UserID)
			},
			Compare: AtLeast,
		},
	}
}

// Evaluator grants achievements from a catalog against a rule table. It holds
// no per-user state.
type Evaluator struct {
	catalog []AchievementDefinition
	rules   map[AchievementType]Rule
}

// EvaluatorOption customises an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithMetric registers or replaces the metric for an achievement type.
func WithMetric(t AchievementType, metric MetricFunc) EvaluatorOption {
	return func(e *Evaluator) {
		e.rules[t] = Rule{Metric: metric, Compare: AtLeast}
	}
}

// WithRule registers a rule with a custom comparator.
func WithRule(t AchievementType, rule Rule) EvaluatorOption {
	return func(e *Evaluator) {
		e.rules[t] = rule
	}
}

// NewEvaluator constructs an Evaluator over catalog.
func NewEvaluator(catalog []AchievementDefinition, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		catalog: append([]AchievementDefinition(nil), catalog...),
		rules:   DefaultRules(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog returns a copy of the definitions the evaluator checks.
func (e *Evaluator) Catalog() []AchievementDefinition {
	return append([]AchievementDefinition(nil), e.catalog...)
}

// EvaluateAndGrant inserts a grant for every catalog entry the user now
// qualifies for and does not hold yet, and returns the ids this call granted.
// A grant that a concurrent transaction inserted first is skipped silently.
func (e *Evaluator) EvaluateAndGrant(ctx context.Context, tx Tx, userID int64, streak UserStreak, now time.Time) ([]string, error) {
	held, err := tx.GrantedAchievements(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}

	granted := make([]string, 0)
	metrics := make(map[AchievementType]int64)
	for _, def := range e.catalog {
		if _, ok := held[def.ID]; ok {
			continue
		}
		rule, ok := e.rules[def.Type]
		if !ok || rule.Metric == nil {
			continue
		}

		value, seen := metrics[def.Type]
		if !seen {
			value, err = rule.Metric(ctx, tx, streak)
			if err != nil {
				return nil, fmt.Errorf("metric %s: %w", def.Type, err)
			}
			metrics[def.Type] = value
		}

		compare := rule.Compare
		if compare == nil {
			compare = AtLeast
		}
		if !compare(value, def.Threshold) {
			continue
		}

		inserted, err := tx.InsertGrant(ctx, AchievementGrant{UserID: userID, AchievementID: def.ID, GrantedAt: now})
		if err != nil {
			return nil, fmt.Errorf("grant %s: %w", def.ID, err)
		}
		if !inserted {
			continue
		}

		eventID := uuid.NewString()
		if err := tx.AppendEvent(ctx, Event{
			ID:           eventID,
			Type:         events.TypeAchievementGranted,
			AggregateID:  strconv.FormatInt(userID, 10) + ":" + def.ID,
			PartitionKey: strconv.FormatInt(userID, 10),
			Payload: events.AchievementGranted{
				EventID:       eventID,
				UserID:        userID,
				AchievementID: def.ID,
				Type:          string(def.Type),
				Threshold:     def.Threshold,
				GrantedAt:     now,
			},
		}); err != nil {
			return nil, err
		}
		granted = append(granted, def.ID)
	}
	return granted, nil
}
