package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rendis/runway/pkg/schema"
)

// RedisHub is a Hub on Redis Pub/Sub, for workers and API servers running
// in separate processes. Each execution publishes on its own channel.
type RedisHub struct {
	client redis.UniversalClient
	prefix string
	logger zerolog.Logger
}

// NewRedisHub creates a hub publishing on "<prefix>:status:<executionID>".
func NewRedisHub(client redis.UniversalClient, prefix string, logger zerolog.Logger) *RedisHub {
	if prefix == "" {
		prefix = "runway"
	}
	return &RedisHub{
		client: client,
		prefix: prefix,
		logger: logger.With().Str("component", "redis_hub").Logger(),
	}
}

func (h *RedisHub) channel(executionID string) string {
	return fmt.Sprintf("%s:status:%s", h.prefix, executionID)
}

func (h *RedisHub) Publish(ctx context.Context, event schema.StatusEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	if err := h.client.Publish(ctx, h.channel(event.ExecutionID), payload).Err(); err != nil {
		return fmt.Errorf("publish status event: %w", err)
	}
	return nil
}

// Subscribe listens on one execution's channel, or on every execution when
// filter.ExecutionID is empty. The subscription is confirmed before it
// returns, so events published afterwards are not missed.
func (h *RedisHub) Subscribe(ctx context.Context, filter Filter) (<-chan schema.StatusEvent, func(), error) {
	var ps *redis.PubSub
	if filter.ExecutionID != "" {
		ps = h.client.Subscribe(ctx, h.channel(filter.ExecutionID))
	} else {
		ps = h.client.PSubscribe(ctx, h.channel("*"))
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe status events: %w", err)
	}

	out := make(chan schema.StatusEvent, defaultChannelBuffer)
	msgs := ps.Channel()
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev schema.StatusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				h.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed status event")
				continue
			}
			if !filter.match(ev) {
				continue
			}
			select {
			case out <- ev:
			default:
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = ps.Close() })
	}
	return out, cancel, nil
}

var _ Hub = (*RedisHub)(nil)
