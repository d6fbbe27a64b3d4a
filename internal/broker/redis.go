package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisBroker maps queues onto Redis lists (LPUSH/BRPOP) and output streams
// onto RPUSH lists drained with MULTI { LRANGE; DEL }.
type RedisBroker struct {
	client *redis.Client
}

var _ Broker = (*RedisBroker)(nil)

func NewRedisBroker(ctx context.Context, cfg RedisConfig) (*RedisBroker, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		// Lets a cancelled request abort a BRPOP instead of holding the connection.
		ContextTimeoutEnabled: true,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisBroker{client: client}, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func (b *RedisBroker) Push(ctx context.Context, queue string, payload []byte) error {
	if err := b.client.LPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", queue, err)
	}
	return nil
}

func (b *RedisBroker) BlockingPopAny(
	ctx context.Context,
	queues []string,
	timeout time.Duration,
) (Message, bool, error) {
	result, err := b.client.BRPop(ctx, timeout, queues...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Message{}, false, nil
		}
		return Message{}, false, fmt.Errorf("brpop: %w", err)
	}
	if len(result) != 2 {
		return Message{}, false, fmt.Errorf("brpop: unexpected reply length %d", len(result))
	}
	return Message{Queue: result[0], Payload: []byte(result[1])}, true, nil
}

func (b *RedisBroker) Append(ctx context.Context, key string, chunk []byte) error {
	if err := b.client.RPush(ctx, key, chunk).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	return nil
}

func (b *RedisBroker) ReadAllAndClear(ctx context.Context, key string) ([][]byte, error) {
	var lrange *redis.StringSliceCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain %s: %w", key, err)
	}

	values := lrange.Val()
	if len(values) == 0 {
		return nil, nil
	}
	chunks := make([][]byte, 0, len(values))
	for _, value := range values {
		chunks = append(chunks, []byte(value))
	}
	return chunks, nil
}

func (b *RedisBroker) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := b.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}
