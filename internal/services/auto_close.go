package services

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const autoCloseKey = "schedule:auto_close"

// AutoCloseScheduler keeps due times of live transactions in a redis sorted set.
// The pending sweep covers anything lost when redis is down or flushed.
type AutoCloseScheduler struct {
	redis *redis.Client
}

func NewAutoCloseScheduler(redis *redis.Client) *AutoCloseScheduler {
	return &AutoCloseScheduler{redis: redis}
}

func (s *AutoCloseScheduler) Schedule(ctx context.Context, transactionID string, due time.Time) error {
	if s == nil || s.redis == nil {
		return nil
	}
	return s.redis.ZAdd(ctx, autoCloseKey, &redis.Z{
		Score:  float64(due.Unix()),
		Member: transactionID,
	}).Err()
}

func (s *AutoCloseScheduler) Cancel(ctx context.Context, transactionID string) error {
	if s == nil || s.redis == nil {
		return nil
	}
	return s.redis.ZRem(ctx, autoCloseKey, transactionID).Err()
}

// Claim returns up to limit ids due at now. An id is returned to exactly one
// caller: the one whose ZREM removed it.
func (s *AutoCloseScheduler) Claim(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	if s == nil || s.redis == nil {
		return nil, nil
	}
	ids, err := s.redis.ZRangeByScore(ctx, autoCloseKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}

	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := s.redis.ZRem(ctx, autoCloseKey, id).Result()
		if err != nil {
			return claimed, err
		}
		if n == 1 {
			claimed = append(claimed, id)
		}
	}
	return claimed, nil
}
