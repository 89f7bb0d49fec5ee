package poke

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "poke:"

// RedisBroker distributes pokes over Redis pub/sub so every API node sees
// pushes handled by any other node.
type RedisBroker struct {
	client *redis.Client
}

func NewRedisBroker(redisURL string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisBroker{client: client}, nil
}

// NewRedisBrokerWithClient creates a broker from an existing Redis client.
func NewRedisBrokerWithClient(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Poke(ctx context.Context, spaceID string) error {
	if err := b.client.Publish(ctx, channelPrefix+spaceID, "1").Err(); err != nil {
		return fmt.Errorf("publish poke: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, spaceID string) (<-chan struct{}, func(), error) {
	sub := b.client.Subscribe(ctx, channelPrefix+spaceID)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe poke: %w", err)
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		for range sub.Channel() {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return ch, cancel, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
