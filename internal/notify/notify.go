// Package notify dispatches fire-and-forget domain events. Delivery is best
// effort: a failed publish is logged and never surfaced to the caller.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Event struct {
	Type      string         `json:"type"`
	StorySlug string         `json:"storySlug"`
	ActorID   string         `json:"actorId"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// RedisNotifier publishes events on a pub/sub channel for downstream
// consumers (websocket fan-out, mail digests).
type RedisNotifier struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
}

func NewRedisNotifier(redisURL string, logger zerolog.Logger) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisNotifier{client: client, channel: "storychain:events", logger: logger}, nil
}

func NewRedisNotifierWithClient(client *redis.Client, logger zerolog.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, channel: "storychain:events", logger: logger}
}

func (n *RedisNotifier) Notify(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.Warn().Err(err).Str("event", event.Type).Msg("encode notification")
		return
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		n.logger.Warn().Err(err).Str("event", event.Type).Msg("publish notification")
	}
}

func (n *RedisNotifier) Channel() string {
	return n.channel
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// LogNotifier is the fallback when no broker is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, event Event) {
	n.logger.Info().
		Str("event", event.Type).
		Str("story", event.StorySlug).
		Str("actor", event.ActorID).
		Msg("notification")
}
