package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingMarker = "pending"

// RedisIdempotencyConfig 描述 Redis 连接参数。
type RedisIdempotencyConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisIdempotencyStore 使用 SETNX 在多个实例之间共享幂等键。
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
}

// NewRedisIdempotencyStore 创建并探活 Redis 连接。
func NewRedisIdempotencyStore(ctx context.Context, cfg RedisIdempotencyConfig) (*RedisIdempotencyStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agentguard:idempotency:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix}, nil
}

// Begin 实现 IdempotencyStore。
func (s *RedisIdempotencyStore) Begin(ctx context.Context, key string, ttl time.Duration) (*Outcome, error) {
	redisKey := s.prefix + key
	claimed, err := s.client.SetNX(ctx, redisKey, pendingMarker, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("占用幂等键失败: %w", err)
	}
	if claimed {
		return nil, nil
	}
	value, err := s.client.Get(ctx, redisKey).Result()
	if errors.Is(err, redis.Nil) {
		// key 在 SETNX 与 GET 之间过期，再尝试一次
		return s.Begin(ctx, key, ttl)
	}
	if err != nil {
		return nil, fmt.Errorf("读取幂等键失败: %w", err)
	}
	if value == pendingMarker {
		return nil, errKeyInFlight(key)
	}
	var outcome Outcome
	if err := json.Unmarshal([]byte(value), &outcome); err != nil {
		return nil, fmt.Errorf("解析幂等记录失败: %w", err)
	}
	return &outcome, nil
}

// Complete 实现 IdempotencyStore。
func (s *RedisIdempotencyStore) Complete(ctx context.Context, key string, outcome Outcome, ttl time.Duration) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("编码幂等记录失败: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("保存幂等记录失败: %w", err)
	}
	return nil
}

// Abandon 仅在 key 仍处于 pending 时删除。
func (s *RedisIdempotencyStore) Abandon(ctx context.Context, key string) error {
	redisKey := s.prefix + key
	value, err := s.client.Get(ctx, redisKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("读取幂等键失败: %w", err)
	}
	if value != pendingMarker {
		return nil
	}
	return s.client.Del(ctx, redisKey).Err()
}

// Close 关闭 Redis 连接。
func (s *RedisIdempotencyStore) Close() error {
	return s.client.Close()
}
