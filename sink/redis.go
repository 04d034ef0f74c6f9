package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisClient *redis.Client 的子集，测试里替换。
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration // 最新快照的过期时间，0 表示不过期
}

// RedisSink 最新快照写入 <prefix>:<market>:<type>，同时发布到同名频道。
type RedisSink struct {
	client redisClient
	prefix string
	ttl    time.Duration
}

// NewRedisSink 连接 Redis；连接是惰性的，第一次写入时才真正建立。
func NewRedisSink(opts RedisOptions) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newRedisSink(client, opts)
}

func newRedisSink(client redisClient, opts RedisOptions) *RedisSink {
	if opts.Prefix == "" {
		opts.Prefix = "mm"
	}
	return &RedisSink{client: client, prefix: opts.Prefix, ttl: opts.TTL}
}

func (s *RedisSink) Name() string { return "redis" }

// Key 快照在 Redis 中的 key，也是发布频道名。
func (s *RedisSink) Key(env Envelope) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, env.Market, env.Type)
}

func (s *RedisSink) Write(ctx context.Context, env Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	key := s.Key(env)
	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	if err := s.client.Publish(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}
	return nil
}

func (s *RedisSink) Close() error { return s.client.Close() }
