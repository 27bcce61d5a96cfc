// Package eventbus fans queue events out through Redis pub/sub so every
// server instance can push them to its own websocket subscribers.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/clinicqueue/clinicqueue/internal/platform/websocket"
)

// NewClient parses a redis:// URL and verifies the connection.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisPublisher implements websocket.EventPublisher on a Redis channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, event websocket.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

// Relay forwards events from the Redis channel into a local publisher,
// normally the websocket hub.
type Relay struct {
	client  *redis.Client
	channel string
	target  websocket.EventPublisher
	logger  zerolog.Logger
}

func NewRelay(client *redis.Client, channel string, target websocket.EventPublisher, logger zerolog.Logger) *Relay {
	return &Relay{
		client:  client,
		channel: channel,
		target:  target,
		logger:  logger.With().Str("component", "eventbus").Str("channel", channel).Logger(),
	}
}

// Run blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info().Msg("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.dispatch(ctx, []byte(msg.Payload))
		}
	}
}

func (r *Relay) dispatch(ctx context.Context, payload []byte) {
	var event websocket.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		r.logger.Warn().Err(err).Msg("dropping malformed event")
		return
	}
	if event.Topic == "" {
		r.logger.Warn().Str("type", event.Type).Msg("dropping event without topic")
		return
	}
	if err := r.target.Publish(ctx, event); err != nil {
		r.logger.Error().Err(err).Str("type", event.Type).Msg("relay publish failed")
	}
}
