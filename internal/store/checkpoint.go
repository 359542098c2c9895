package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/langchou/protrack-sync/internal/models"
)

// 检查点与令牌同属 pull_observations 命名空间，
// 检查点以设备 IMEI 为 source_id，令牌固定占用 source_id "token"
const checkpointActionID = "pull_observations"

// CheckpointStore 每台设备的同步进度（最近一次成功同步的最大 gps_time）
// 以设备 IMEI 为 source_id 存储，仅在整个周期成功后写入
type CheckpointStore struct {
	store         StateStore
	integrationID string
}

// NewCheckpointStore 创建检查点存储
func NewCheckpointStore(store StateStore, integrationID string) *CheckpointStore {
	return &CheckpointStore{
		store:         store,
		integrationID: integrationID,
	}
}

// Read 读取设备检查点，第二个返回值表示是否存在
func (s *CheckpointStore) Read(ctx context.Context, imei string) (int64, bool, error) {
	raw, err := s.store.Get(ctx, s.integrationID, checkpointActionID, imei)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read checkpoint %s: %w", imei, err)
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return 0, false, fmt.Errorf("decode checkpoint %s: %w", imei, err)
	}
	return cp.UpdatedAt, true, nil
}

// Write 写入设备检查点（unix 秒）
func (s *CheckpointStore) Write(ctx context.Context, imei string, updatedAt int64) error {
	raw, err := json.Marshal(models.Checkpoint{UpdatedAt: updatedAt})
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", imei, err)
	}
	if err := s.store.Set(ctx, s.integrationID, checkpointActionID, imei, raw); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", imei, err)
	}
	return nil
}
