package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/settlepay/backbone/internal/logger"
)

const (
	EventLowBalance       = "low_balance"
	EventChannelDisabled  = "channel_disabled"
	EventAllocationFailed = "allocation_exhausted"
)

// Notification is the message published to operators and team dashboards.
type Notification struct {
	EventType string         `json:"event_type"`
	TargetID  string         `json:"target_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// Notifier publishes notifications on a redis pub/sub channel. Failures are logged only.
type Notifier struct {
	redis   *redis.Client
	channel string
	log     zerolog.Logger
}

func NewNotifier(redis *redis.Client, channel string) *Notifier {
	return &Notifier{
		redis:   redis,
		channel: channel,
		log:     logger.New("notifier"),
	}
}

func (n *Notifier) Publish(ctx context.Context, msg Notification) {
	if n == nil || n.redis == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		n.log.Error().Err(err).Str("event_type", msg.EventType).Msg("marshal notification")
		return
	}
	if err := n.redis.Publish(ctx, n.channel, data).Err(); err != nil {
		n.log.Warn().Err(err).Str("event_type", msg.EventType).Str("target_id", msg.TargetID).Msg("publish notification")
	}
}

// PublishThrottled publishes at most once per every window for the same event and target.
func (n *Notifier) PublishThrottled(ctx context.Context, msg Notification, window time.Duration) {
	if n == nil || n.redis == nil {
		return
	}
	key := fmt.Sprintf("notify:%s:%s", msg.EventType, msg.TargetID)
	ok, err := n.redis.SetNX(ctx, key, 1, window).Result()
	if err != nil {
		n.log.Warn().Err(err).Str("key", key).Msg("throttle notification")
		return
	}
	if ok {
		n.Publish(ctx, msg)
	}
}
