package coordinator

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCoordinator implements Coordinator on top of go-redis. A single
// address yields a plain *redis.Client; more than one yields a
// *redis.ClusterClient. Both satisfy redis.UniversalClient, so the rest of
// this type never needs to know which one it's holding.
type RedisCoordinator struct {
	client redis.UniversalClient
}

// Options configures a RedisCoordinator connection.
type Options struct {
	// Addrs is one address for a standalone client, or several for a
	// clustered one.
	Addrs    []string
	Password string
	DB       int
}

// NewRedisCoordinator dials the configured addresses. No network I/O happens
// here beyond what go-redis's lazy connection pool performs on first use.
func NewRedisCoordinator(opts Options) (*RedisCoordinator, error) {
	if len(opts.Addrs) == 0 {
		return nil, fmt.Errorf("coordinator: at least one address is required")
	}
	var client redis.UniversalClient
	if len(opts.Addrs) > 1 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    opts.Addrs,
			Password: opts.Password,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     opts.Addrs[0],
			Password: opts.Password,
			DB:       opts.DB,
		})
	}
	return &RedisCoordinator{client: client}, nil
}

// NewFromClient wraps an already-constructed redis.UniversalClient, used by
// tests to point the coordinator at a miniredis-backed *redis.Client.
func NewFromClient(client redis.UniversalClient) *RedisCoordinator {
	return &RedisCoordinator{client: client}
}

func (c *RedisCoordinator) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.client.HGetAll(ctx, key).Result()
}

func (c *RedisCoordinator) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return c.client.HSet(ctx, key, args...).Err()
}

func (c *RedisCoordinator) HDel(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCoordinator) SAdd(ctx context.Context, key, member string) error {
	return c.client.SAdd(ctx, key, member).Err()
}

func (c *RedisCoordinator) SRem(ctx context.Context, key, member string) error {
	return c.client.SRem(ctx, key, member).Err()
}

func (c *RedisCoordinator) SCard(ctx context.Context, key string) (int64, error) {
	return c.client.SCard(ctx, key).Result()
}

func (c *RedisCoordinator) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.client.SMembers(ctx, key).Result()
}

func (c *RedisCoordinator) LPush(ctx context.Context, key, value string) error {
	return c.client.LPush(ctx, key, value).Err()
}

func (c *RedisCoordinator) RPush(ctx context.Context, key, value string) error {
	return c.client.RPush(ctx, key, value).Err()
}

// BRPop blocks with no timeout beyond ctx cancellation, matching the
// original's bare blocking pop (§9: no invented backoff policy).
func (c *RedisCoordinator) BRPop(ctx context.Context, key string) (string, error) {
	res, err := c.client.BRPop(ctx, 0, key).Result()
	if err != nil {
		return "", err
	}
	// BRPop returns [key, value].
	if len(res) != 2 {
		return "", fmt.Errorf("coordinator: unexpected BRPOP reply %v", res)
	}
	return res[1], nil
}

func (c *RedisCoordinator) Publish(ctx context.Context, channel, payload string) error {
	return c.client.Publish(ctx, channel, payload).Err()
}

func (c *RedisCoordinator) Subscribe(ctx context.Context, channels ...string) Subscription {
	pubsub := c.client.Subscribe(ctx, channels...)
	// Start the receiving goroutine now rather than on the first Receive, so
	// messages published after Subscribe are already buffered when drained.
	pubsub.Channel()
	return &redisSubscription{pubsub: pubsub}
}

func (c *RedisCoordinator) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCoordinator) Close() error {
	return c.client.Close()
}

// redisSubscription adapts *redis.PubSub to the Subscription interface.
type redisSubscription struct {
	pubsub *redis.PubSub
}

func (s *redisSubscription) Subscribe(ctx context.Context, channel string) error {
	return s.pubsub.Subscribe(ctx, channel)
}

func (s *redisSubscription) Unsubscribe(ctx context.Context, channel string) error {
	return s.pubsub.Unsubscribe(ctx, channel)
}

// Receive drains every message already buffered on the subscription's
// channel without blocking, per the dispatcher's drain-then-sleep loop.
func (s *redisSubscription) Receive(ctx context.Context) ([]Message, error) {
	var out []Message
	ch := s.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out, nil
			}
			out = append(out, Message{Channel: msg.Channel, Payload: msg.Payload})
		default:
			return out, nil
		}
	}
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
