package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// DefaultInvalidationChannel is the pub/sub channel used by RedisInvalidationBus
const DefaultInvalidationChannel = "permitd:access:invalidate"

// InvalidationMessage tells peers to drop cached snapshots. Exactly one of
// UserID and CompanyID is set.
type InvalidationMessage struct {
	Origin    string `json:"origin"`
	UserID    *int64 `json:"user_id,omitempty"`
	CompanyID *int64 `json:"company_id,omitempty"`
}

// InvalidationBus fans cache invalidations out to every instance
type InvalidationBus interface {
	Publish(ctx context.Context, msg InvalidationMessage) error
	// Subscribe blocks, delivering messages to handler until ctx is done
	Subscribe(ctx context.Context, handler func(InvalidationMessage)) error
}

// NewRedisClient connects to redis and verifies the connection
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// RedisInvalidationBus implements InvalidationBus over redis pub/sub
type RedisInvalidationBus struct {
	client  *redis.Client
	channel string
	log     *logrus.Logger
}

// NewRedisInvalidationBus creates a bus on channel (DefaultInvalidationChannel if empty)
func NewRedisInvalidationBus(client *redis.Client, channel string, log *logrus.Logger) *RedisInvalidationBus {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	if log == nil {
		log = logrus.New()
	}
	return &RedisInvalidationBus{client: client, channel: channel, log: log}
}

// Publish sends msg to all subscribers
func (b *RedisInvalidationBus) Publish(ctx context.Context, msg InvalidationMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Subscribe delivers messages until ctx is cancelled
func (b *RedisInvalidationBus) Subscribe(ctx context.Context, handler func(InvalidationMessage)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg InvalidationMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.log.WithError(err).Warn("Dropping malformed invalidation message")
				continue
			}
			handler(msg)
		}
	}
}
