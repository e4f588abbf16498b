package notifier

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
)

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSubscriber forwards events as JSON over Redis pub/sub so external
// persistence and alerting consumers can follow the stream.
type RedisSubscriber struct {
	Client  redisPublisher
	Channel string
}

func NewRedisSubscriber(client *redis.Client, channel string) *RedisSubscriber {
	if channel == "" {
		channel = "arbiter:events"
	}
	return &RedisSubscriber{Client: client, Channel: channel}
}

func (s *RedisSubscriber) Name() string { return "redis" }

func (s *RedisSubscriber) Handle(ctx context.Context, e Event) error {
	if s == nil || s.Client == nil {
		return errors.New("redis subscriber not configured")
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.Client.Publish(ctx, s.Channel, b).Err()
}
