package events

import (
	"context"
	"encoding/json"
	"fmt"

	"funding-arb/internal/config"

	"github.com/redis/go-redis/v9"
)

const defaultStreamMaxLen int64 = 10000

// RedisSink appends every event to a capped stream for replay and publishes
// it on a channel for live consumers.
type RedisSink struct {
	rdb     redis.Cmdable
	stream  string
	channel string
	maxLen  int64
}

func NewRedisSink(rdb redis.Cmdable, stream, channel string, maxLen int64) *RedisSink {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &RedisSink{rdb: rdb, stream: stream, channel: channel, maxLen: maxLen}
}

func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func (s *RedisSink) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	if s.stream != "" {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: true,
			Values: streamValues(ev, payload),
		})
	}
	if s.channel != "" {
		pipe.Publish(ctx, s.channel, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %s event: %w", ev.Type, err)
	}
	return nil
}

func streamValues(ev Event, payload []byte) map[string]any {
	return map[string]any{
		"type":            string(ev.Type),
		"subscription_id": ev.SubscriptionID,
		"ts_ms":           ev.Time.UnixMilli(),
		"payload":         string(payload),
	}
}
