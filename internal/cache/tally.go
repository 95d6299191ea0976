// Package cache keeps topic tallies in Redis in front of the ledger store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/ledger/internal/domain"
)

const (
	fieldVotesA = "a"
	fieldVotesB = "b"
)

// generationTTL keeps a topic's generation counter well beyond any fill that
// could still be in flight.
const generationTTL = 24 * time.Hour

// RedisTallyCache stores each topic's tally as a hash with a TTL. Every
// committed vote that moved the counters deletes the hash and bumps the
// topic's generation; a fill is written only under the generation it read, so
// a tally loaded before a vote cannot overwrite the invalidation. The TTL
// bounds staleness if an invalidation is lost.
type RedisTallyCache struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisTallyCache constructs a RedisTallyCache over an existing client.
func NewRedisTallyCache(rdb redis.UniversalClient, ttl time.Duration) *RedisTallyCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &RedisTallyCache{rdb: rdb, ttl: ttl, prefix: "ledger:tally:"}
}

// Dial connects to addr and verifies the server answers.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (c *RedisTallyCache) key(topicID int64) string {
	return c.prefix + strconv.FormatInt(topicID, 10)
}

func (c *RedisTallyCache) generationKey(topicID int64) string {
	return c.key(topicID) + ":gen"
}

// Get implements domain.TallyCache.
func (c *RedisTallyCache) Get(ctx context.Context, topicID int64) (domain.Tally, int64, bool, error) {
	var (
		values *redis.MapStringStringCmd
		gen    *redis.StringCmd
	)
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		values = pipe.HGetAll(ctx, c.key(topicID))
		gen = pipe.Get(ctx, c.generationKey(topicID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.Tally{}, 0, false, err
	}

	generation, err := parseGeneration(gen)
	if err != nil {
		return domain.Tally{}, 0, false, err
	}
	fields, err := values.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.Tally{}, 0, false, err
	}
	if len(fields) == 0 {
		return domain.Tally{}, generation, false, nil
	}
	tally, ok, err := decodeTally(fields)
	return tally, generation, ok, err
}

// Set implements domain.TallyCache. The write is skipped when the topic was
// invalidated after generation was read.
func (c *RedisTallyCache) Set(ctx context.Context, topicID, generation int64, tally domain.Tally) error {
	key, genKey := c.key(topicID), c.generationKey(topicID)
	err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := parseGeneration(tx.Get(ctx, genKey))
		if err != nil {
			return err
		}
		if current != generation {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldVotesA, tally.VotesA, fieldVotesB, tally.VotesB)
			pipe.Expire(ctx, key, c.ttl)
			return nil
		})
		return err
	}, genKey)
	if errors.Is(err, errStaleFill) || errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

// Invalidate implements domain.TallyCache.
func (c *RedisTallyCache) Invalidate(ctx context.Context, topicID int64) error {
	genKey := c.generationKey(topicID)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.key(topicID))
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, generationTTL)
		return nil
	})
	return err
}

var errStaleFill = errors.New("tally fill superseded by invalidation")

func parseGeneration(cmd *redis.StringCmd) (int64, error) {
	generation, err := cmd.Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("decode tally generation: %w", err)
	}
	return generation, nil
}

func decodeTally(values map[string]string) (domain.Tally, bool, error) {
	a, okA := values[fieldVotesA]
	b, okB := values[fieldVotesB]
	if !okA || !okB {
		return domain.Tally{}, false, nil
	}
	votesA, err := strconv.ParseInt(a, 10, 64)
	if err != nil {
		return domain.Tally{}, false, fmt.Errorf("decode cached tally: %w", err)
	}
	votesB, err := strconv.ParseInt(b, 10, 64)
	if err != nil {
		return domain.Tally{}, false, fmt.Errorf("decode cached tally: %w", err)
	}
	return domain.Tally{VotesA: votesA, VotesB: votesB}, true, nil
}
