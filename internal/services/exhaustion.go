package services

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/settlepay/backbone/internal/clock"
)

const exhaustionPrefix = "/count/errors/450"

// ExhaustionKey identifies the shape of a pay-in request that found no channel.
type ExhaustionKey struct {
	MerchantID    string
	Type          string
	Bank          string
	PaymentSystem string
	Vip           bool
}

func (k ExhaustionKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s/%t",
		exhaustionPrefix, k.MerchantID, orAny(k.Type), orAny(k.Bank), orAny(k.PaymentSystem), k.Vip)
}

func orAny(s string) string {
	if s == "" {
		return "any"
	}
	return s
}

func exhaustionIndexKey(merchantID string) string {
	return fmt.Sprintf("%s/index/%s", exhaustionPrefix, merchantID)
}

// ExhaustionRecorder keeps time-scored allocation failures in redis for operators.
type ExhaustionRecorder struct {
	redis *redis.Client
	clock clock.Clock
}

func NewExhaustionRecorder(redis *redis.Client, clk clock.Clock) *ExhaustionRecorder {
	return &ExhaustionRecorder{redis: redis, clock: clk}
}

// Record adds one failure. Redis errors are logged, never returned.
func (r *ExhaustionRecorder) Record(ctx context.Context, key ExhaustionKey) {
	if r.redis == nil {
		return
	}
	now := r.clock.Now().Unix()
	member := fmt.Sprintf("%d:%s", now, uuid.NewString())

	pipe := r.redis.TxPipeline()
	pipe.ZAdd(ctx, key.String(), &redis.Z{Score: float64(now), Member: member})
	pipe.SAdd(ctx, exhaustionIndexKey(key.MerchantID), key.String())
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[MATCHING] Failed to record allocation exhaustion for %s: %v", key.MerchantID, err)
	}
}

// Counts returns the failures per key within window for merchantID.
func (r *ExhaustionRecorder) Counts(ctx context.Context, merchantID string, window time.Duration) (map[string]int64, error) {
	counts := map[string]int64{}
	if r.redis == nil {
		return counts, nil
	}
	keys, err := r.redis.SMembers(ctx, exhaustionIndexKey(merchantID)).Result()
	if err != nil {
		return nil, err
	}
	min := strconv.FormatInt(r.clock.Now().Add(-window).Unix(), 10)
	for _, key := range keys {
		n, err := r.redis.ZCount(ctx, key, min, "+inf").Result()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			counts[strings.TrimPrefix(key, exhaustionPrefix+"/"+merchantID+"/")] = n
		}
	}
	return counts, nil
}

// Cleanup drops failures older than retention from every key. It returns the number removed.
func (r *ExhaustionRecorder) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if r.redis == nil {
		return 0, nil
	}
	max := "(" + strconv.FormatInt(r.clock.Now().Add(-retention).Unix(), 10)

	var removed int64
	var cursor uint64
	for {
		keys, next, err := r.redis.Scan(ctx, cursor, exhaustionPrefix+"/*/*/*/*/*", 500).Result()
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			pipe := r.redis.Pipeline()
			cmds := make([]*redis.IntCmd, 0, len(keys))
			for _, key := range keys {
				if strings.HasPrefix(key, exhaustionPrefix+"/index/") {
					continue
				}
				cmds = append(cmds, pipe.ZRemRangeByScore(ctx, key, "-inf", max))
			}
			if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
				return removed, err
			}
			for _, c := range cmds {
				removed += c.Val()
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}
