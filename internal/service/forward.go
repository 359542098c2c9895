package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/langchou/protrack-sync/internal/models"
)

// DefaultBatchSize 下游投递默认批大小
const DefaultBatchSize = 200

// Sink 下游观测接收方
type Sink interface {
	SendObservations(ctx context.Context, observations []models.Observation) error
}

// BatchForwarder 分批转发观测到下游
// 任一批失败立即中止，剩余批不再发送（调用方据此跳过检查点写入）
type BatchForwarder struct {
	sink      Sink
	batchSize int
	logger    *zap.Logger
}

// NewBatchForwarder 创建转发器
func NewBatchForwarder(sink Sink, batchSize int, logger *zap.Logger) *BatchForwarder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &BatchForwarder{
		sink:      sink,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Forward 按批发送全部观测，返回成功发送的条数
func (f *BatchForwarder) Forward(ctx context.Context, observations []models.Observation) (int, error) {
	sent := 0
	for start := 0; start < len(observations); start += f.batchSize {
		end := start + f.batchSize
		if end > len(observations) {
			end = len(observations)
		}
		batch := observations[start:end]

		if err := f.sink.SendObservations(ctx, batch); err != nil {
			return sent, fmt.Errorf("send batch %d-%d: %w", start, end, err)
		}
		sent += len(batch)

		f.logger.Debug("Forwarded observation batch",
			zap.Int("batch_size", len(batch)),
			zap.Int("sent_total", sent))
	}
	return sent, nil
}
