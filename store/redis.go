package store

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	redisConnectAttempts = 3
	redisRetryInterval   = time.Second
)

// Redis is Store in redis. Keys are prefixed, if prefix is set.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// OpenRedis connects to redis:// or rediss:// url with retries.
func OpenRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	if !strings.HasPrefix(url, "redis://") && !strings.HasPrefix(url, "rediss://") {
		return nil, errors.Errorf("invalid redis url %q", url)
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	for i := 0; i < redisConnectAttempts; i++ {
		client := redis.NewClient(opts)
		err = client.Ping(ctx).Err()
		if err == nil {
			return NewRedis(client, prefix), nil
		}
		client.Close()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * redisRetryInterval):
		}
	}
	return nil, errors.Wrap(err, "redis connect")
}

func (r *Redis) key(key string) string {
	if r.prefix == "" {
		return key
	}
	return r.prefix + ":" + key
}

func (r *Redis) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}

func (r *Redis) Save(ctx context.Context, key string, data []byte) error {
	return errors.WithStack(r.client.Set(ctx, r.key(key), data, 0).Err())
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return errors.WithStack(r.client.Del(ctx, r.key(key)).Err())
}

func (r *Redis) Close() error {
	return r.client.Close()
}
