package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStateStore 基于 Redis 的状态存储实现
type RedisStateStore struct {
	client *redis.Client
}

// NewRedisClient 按 URL 连接 Redis 并验证连通性
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedisStateStore 创建 Redis 状态存储
func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// Get 读取状态
func (s *RedisStateStore) Get(ctx context.Context, integrationID, actionID, sourceID string) ([]byte, error) {
	value, err := s.client.Get(ctx, stateKey(integrationID, actionID, sourceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

// Set 写入状态，不设过期时间（令牌新鲜度由消费方的失效逻辑负责）
func (s *RedisStateStore) Set(ctx context.Context, integrationID, actionID, sourceID string, value []byte) error {
	if err := s.client.Set(ctx, stateKey(integrationID, actionID, sourceID), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete 删除状态
func (s *RedisStateStore) Delete(ctx context.Context, integrationID, actionID, sourceID string) error {
	if err := s.client.Del(ctx, stateKey(integrationID, actionID, sourceID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
