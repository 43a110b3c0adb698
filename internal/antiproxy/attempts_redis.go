package antiproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAttemptStore keeps attempts in Redis so they survive restarts.
// Attempts are a capped list per key, sightings a sorted set scored by
// unix milliseconds.
type RedisAttemptStore struct {
	client *redis.Client
	prefix string
	limit  int
	ttl    time.Duration
}

func NewRedisAttemptStore(client *redis.Client, prefix string, limit int, ttl time.Duration) *RedisAttemptStore {
	if prefix == "" {
		prefix = "attendiq"
	}
	if limit <= 0 {
		limit = 10
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &RedisAttemptStore{client: client, prefix: prefix, limit: limit, ttl: ttl}
}

func (s *RedisAttemptStore) attemptsKey(key AttemptKey) string {
	return s.prefix + ":attempts:" + key.String()
}

func (s *RedisAttemptStore) sightingsKey(sessionID, fingerprint string) string {
	return s.prefix + ":sightings:" + sessionID + ":" + fingerprint
}

func (s *RedisAttemptStore) Append(ctx context.Context, key AttemptKey, a Attempt) (int, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return 0, err
	}
	k := s.attemptsKey(key)
	var length *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, k, body)
		pipe.LTrim(ctx, k, int64(-s.limit), -1)
		pipe.Expire(ctx, k, s.ttl)
		length = pipe.LLen(ctx, k)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis append: %w", err)
	}
	return int(length.Val()), nil
}

func (s *RedisAttemptStore) Count(ctx context.Context, key AttemptKey) (int, error) {
	n, err := s.client.LLen(ctx, s.attemptsKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis count: %w", err)
	}
	return int(n), nil
}

// Attempts returns the stored attempts for key, oldest first.
func (s *RedisAttemptStore) Attempts(ctx context.Context, key AttemptKey) ([]Attempt, error) {
	raw, err := s.client.LRange(ctx, s.attemptsKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis range: %w", err)
	}
	out := make([]Attempt, 0, len(raw))
	for _, r := range raw {
		var a Attempt
		if err := json.Unmarshal([]byte(r), &a); err != nil {
			return nil, fmt.Errorf("decode attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *RedisAttemptStore) Sight(ctx context.Context, sessionID, fingerprint, studentID string, at, since time.Time) ([]string, error) {
	k := s.sightingsKey(sessionID, fingerprint)
	var seen *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		seen = pipe.ZRangeByScore(ctx, k, &redis.ZRangeBy{
			Min: strconv.FormatInt(since.UnixMilli(), 10),
			Max: "+inf",
		})
		pipe.ZAdd(ctx, k, redis.Z{Score: float64(at.UnixMilli()), Member: studentID})
		pipe.ZRemRangeByScore(ctx, k, "-inf", "("+strconv.FormatInt(at.Add(-s.ttl).UnixMilli(), 10))
		pipe.Expire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis sighting: %w", err)
	}
	ids := seen.Val()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != studentID {
			out = append(out, id)
		}
	}
	return out, nil
}
