package store

import (
	"context"
	"errors"
)

// ErrNotFound 键不存在
var ErrNotFound = errors.New("state key not found")

// StateStore 集成状态存储，键为 (integration_id, action_id, source_id) 三元组
// 值为不透明 JSON，内容由调用方解释
type StateStore interface {
	Get(ctx context.Context, integrationID, actionID, sourceID string) ([]byte, error)
	Set(ctx context.Context, integrationID, actionID, sourceID string, value []byte) error
	Delete(ctx context.Context, integrationID, actionID, sourceID string) error
}

func stateKey(integrationID, actionID, sourceID string) string {
	return "integration_state." + integrationID + "." + actionID + "." + sourceID
}
