package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisChannelPrefix = "sync:"

// RedisRelay fans events out between instances over Redis pub/sub, one
// channel per topic.
type RedisRelay struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisRelay(client *redis.Client, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{client: client, logger: logger.Named("redis-relay")}
}

func (r *RedisRelay) Forward(ctx context.Context, ev Event) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, redisChannel(ev.Topic), data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.Topic, err)
	}
	return nil
}

func (r *RedisRelay) Listen(ctx context.Context, fn func(Event)) error {
	pubsub := r.client.PSubscribe(ctx, redisChannelPrefix+"*")
	defer pubsub.Close()

	// Wait for the subscription confirmation before reading messages.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := decode([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn("discarding undecodable message", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			fn(ev)
		}
	}
}

// Close is a no-op; the client is owned by the caller.
func (r *RedisRelay) Close() error {
	return nil
}

func redisChannel(topic string) string {
	return redisChannelPrefix + topic
}
