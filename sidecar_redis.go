package hitch

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of the go-redis client used by RedisSidecar.
type RedisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisSidecar stores the token in redis under a per session key so
// other processes serving the same user can read it.
type RedisSidecar struct {
	client RedisClient
	prefix string
	key    string
	ttl    time.Duration
}

var _ TokenSidecar = (*RedisSidecar)(nil)

// RedisSidecarOption customizes the sidecar.
type RedisSidecarOption func(*RedisSidecar)

// WithRedisPrefix overrides the key prefix.
func WithRedisPrefix(prefix string) RedisSidecarOption {
	return func(r *RedisSidecar) {
		r.prefix = prefix
	}
}

// WithRedisTTL sets the key expiration. Zero keeps keys forever.
func WithRedisTTL(ttl time.Duration) RedisSidecarOption {
	return func(r *RedisSidecar) {
		if ttl >= 0 {
			r.ttl = ttl
		}
	}
}

// NewRedisSidecar writes tokens for sessionKey.
func NewRedisSidecar(client RedisClient, sessionKey string, opts ...RedisSidecarOption) *RedisSidecar {
	r := &RedisSidecar{
		client: client,
		prefix: "hitch:token:",
		key:    sessionKey,
		ttl:    time.Hour,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Key returns the redis key holding the token.
func (r *RedisSidecar) Key() string {
	return r.prefix + r.key
}

// SetToken implements TokenSidecar. An empty token deletes the key.
func (r *RedisSidecar) SetToken(ctx context.Context, token string) error {
	if token == "" {
		if err := r.client.Del(ctx, r.Key()).Err(); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to clear token")
		}
		return nil
	}

	if err := r.client.Set(ctx, r.Key(), token, r.ttl).Err(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to store token")
	}
	return nil
}

// Token reads the stored token, "" when there is none.
func (r *RedisSidecar) Token(ctx context.Context) (string, error) {
	val, err := r.client.Get(ctx, r.Key()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryOperation, "failed to read token")
	}
	return val, nil
}
