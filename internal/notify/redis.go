package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis notifier.
type RedisConfig struct {
	Channel string `yaml:"channel"`
	ListKey string `yaml:"list_key"`
	MaxLen  int64  `yaml:"max_len"`
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Channel: "etbguard:alerts",
		ListKey: "etbguard:alerts:recent",
		MaxLen:  1000,
	}
}

// RedisNotifier publishes notifications to a pub/sub channel and keeps the
// most recent ones in a capped list.
type RedisNotifier struct {
	client redis.Cmdable
	config RedisConfig
}

// NewRedisNotifier creates a Redis notifier.
func NewRedisNotifier(client redis.Cmdable, config RedisConfig) *RedisNotifier {
	def := DefaultRedisConfig()
	if config.Channel == "" {
		config.Channel = def.Channel
	}
	if config.ListKey == "" {
		config.ListKey = def.ListKey
	}
	if config.MaxLen <= 0 {
		config.MaxLen = def.MaxLen
	}
	return &RedisNotifier{client: client, config: config}
}

func (r *RedisNotifier) Name() string { return "redis" }

func (r *RedisNotifier) Notify(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Publish(ctx, r.config.Channel, payload)
	pipe.LPush(ctx, r.config.ListKey, payload)
	pipe.LTrim(ctx, r.config.ListKey, 0, r.config.MaxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis notify: %w", err)
	}
	return nil
}

// Recent returns up to n of the most recent notifications from the list.
func (r *RedisNotifier) Recent(ctx context.Context, n int64) ([]*Notification, error) {
	raw, err := r.client.LRange(ctx, r.config.ListKey, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading recent notifications: %w", err)
	}
	out := make([]*Notification, 0, len(raw))
	for _, item := range raw {
		var notif Notification
		if err := json.Unmarshal([]byte(item), &notif); err != nil {
			continue
		}
		out = append(out, &notif)
	}
	return out, nil
}
