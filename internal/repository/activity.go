package repository

import (
	"context"
	"fmt"

	"github.com/langchou/protrack-sync/internal/models"
)

// ActivityRepository 活动日志仓库
type ActivityRepository struct {
	db *DB
}

// NewActivityRepository 创建活动日志仓库
func NewActivityRepository(db *DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// Create 记录一次 action 执行
func (r *ActivityRepository) Create(ctx context.Context, a *models.Activity) error {
	query := `
		INSERT INTO activities (integration_id, action, device_imei, status, observations, detail, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err := r.db.Pool.QueryRow(ctx, query,
		a.IntegrationID,
		a.Action,
		a.DeviceIMEI,
		a.Status,
		a.Observations,
		a.Detail,
		a.StartedAt,
		a.FinishedAt,
	).Scan(&a.ID)

	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ListRecent 获取最近的活动记录
func (r *ActivityRepository) ListRecent(ctx context.Context, integrationID string, limit int) ([]*models.Activity, error) {
	query := `
		SELECT id, integration_id, action, device_imei, status, observations, detail, started_at, finished_at
		FROM activities WHERE integration_id = $1 ORDER BY started_at DESC LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, integrationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var activities []*models.Activity
	for rows.Next() {
		a := &models.Activity{}
		err := rows.Scan(
			&a.ID,
			&a.IntegrationID,
			&a.Action,
			&a.DeviceIMEI,
			&a.Status,
			&a.Observations,
			&a.Detail,
			&a.StartedAt,
			&a.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		activities = append(activities, a)
	}

	return activities, nil
}
