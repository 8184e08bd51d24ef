package storage

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const redisChangeChannel = "unreadsync:changed"

// RedisBackend shares badge records between agents on different hosts. Saves
// are announced on a pub/sub channel so peers can reload.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(dsn string) (*RedisBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis dsn")
	}
	return NewRedisBackendWithClient(redis.NewClient(opts)), nil
}

func NewRedisBackendWithClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, prefix: "unreadsync:"}
}

func (b *RedisBackend) Load(ctx context.Context, key string) (string, bool, error) {
	value, err := b.client.Get(ctx, b.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "load %s", key)
	}
	return value, true, nil
}

func (b *RedisBackend) Save(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if err := b.client.Set(ctx, b.prefix+key, value, 0).Err(); err != nil {
		return errors.Wrapf(err, "save %s", key)
	}
	if err := b.client.Publish(ctx, redisChangeChannel, key).Err(); err != nil {
		return errors.Wrapf(err, "announce %s", key)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.prefix+key).Err(); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}
	return nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) Watch(ctx context.Context, onChange func()) error {
	if onChange == nil {
		return ErrInvalidInput
	}
	sub := b.client.Subscribe(ctx, redisChangeChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return errors.Wrap(err, "subscribe to changes")
	}
	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				onChange()
			}
		}
	}()
	return nil
}
