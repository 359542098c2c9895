package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

const (
	tokenActionID = "pull_observations"
	tokenSourceID = "token"
)

// AuthorizeFunc 向供应商换取新令牌，成功时返回非空 access_token
type AuthorizeFunc func(ctx context.Context) (string, error)

// TokenCache 惰性令牌缓存
// 命中则直接返回缓存令牌，不校验新鲜度；未命中才调用 authorize 并回写。
// 过期由消费方发现（供应商返回 10012）后调用 Invalidate 强制失效。
type TokenCache struct {
	store         StateStore
	authorize     AuthorizeFunc
	integrationID string
	logger        *zap.Logger
}

// NewTokenCache 创建令牌缓存
func NewTokenCache(store StateStore, integrationID string, authorize AuthorizeFunc, logger *zap.Logger) *TokenCache {
	return &TokenCache{
		store:         store,
		authorize:     authorize,
		integrationID: integrationID,
		logger:        logger,
	}
}

type tokenState struct {
	AccessToken string `json:"access_token"`
}

// Token 返回可用令牌，缓存未命中时重新认证
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	raw, err := c.store.Get(ctx, c.integrationID, tokenActionID, tokenSourceID)
	if err == nil {
		var state tokenState
		if jsonErr := json.Unmarshal(raw, &state); jsonErr == nil && state.AccessToken != "" {
			return state.AccessToken, nil
		}
		// 缓存损坏按未命中处理，重新认证后覆盖
		c.logger.Warn("Cached token state is corrupted, re-authenticating")
	} else if !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("read token state: %w", err)
	}

	c.logger.Info("No cached token, requesting a new one")
	token, err := c.authorize(ctx)
	if err != nil {
		return "", fmt.Errorf("authorize: %w", err)
	}

	raw, err = json.Marshal(tokenState{AccessToken: token})
	if err != nil {
		return "", fmt.Errorf("encode token state: %w", err)
	}
	if err := c.store.Set(ctx, c.integrationID, tokenActionID, tokenSourceID, raw); err != nil {
		return "", fmt.Errorf("save token state: %w", err)
	}
	return token, nil
}

// Invalidate 删除缓存令牌，下次 Token 调用将重新认证
// 键不存在不算错误（并发失效时常见）
func (c *TokenCache) Invalidate(ctx context.Context) error {
	err := c.store.Delete(ctx, c.integrationID, tokenActionID, tokenSourceID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete token state: %w", err)
	}
	return nil
}
