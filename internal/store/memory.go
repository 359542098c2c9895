package store

import (
	"context"
	"sync"
)

// MemoryStateStore 进程内状态存储，用于测试和无 Redis 的本地运行
type MemoryStateStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStateStore 创建内存状态存储
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		data: make(map[string][]byte),
	}
}

// Get 读取状态
func (s *MemoryStateStore) Get(ctx context.Context, integrationID, actionID, sourceID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[stateKey(integrationID, actionID, sourceID)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set 写入状态
func (s *MemoryStateStore) Set(ctx context.Context, integrationID, actionID, sourceID string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	s.data[stateKey(integrationID, actionID, sourceID)] = stored
	return nil
}

// Delete 删除状态，键不存在不算错误
func (s *MemoryStateStore) Delete(ctx context.Context, integrationID, actionID, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, stateKey(integrationID, actionID, sourceID))
	return nil
}
