package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/protrack-sync/internal/api/protrack"
	"github.com/langchou/protrack-sync/internal/config"
	"github.com/langchou/protrack-sync/internal/models"
	"github.com/langchou/protrack-sync/internal/repository"
	"github.com/langchou/protrack-sync/internal/state"
	"github.com/langchou/protrack-sync/internal/store"
	"github.com/langchou/protrack-sync/pkg/ws"
)

// action 名称（活动日志）
const (
	ActionAuth             = "auth"
	ActionPullObservations = "pull_observations"
	ActionPlayback         = "playback"
)

// SyncService 同步服务：编排设备发现、轨迹拉取、转换与转发
type SyncService struct {
	cfg          *config.Config
	logger       *zap.Logger
	client       *protrack.Client
	checkpoints  *store.CheckpointStore
	forwarder    *BatchForwarder
	activityRepo *repository.ActivityRepository
	stateManager *state.Manager
	wsHub        *ws.Hub

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool

	// 可注入的时钟，测试用
	now func() time.Time
}

// NewSyncService 创建同步服务
func NewSyncService(
	cfg *config.Config,
	logger *zap.Logger,
	client *protrack.Client,
	checkpoints *store.CheckpointStore,
	forwarder *BatchForwarder,
	activityRepo *repository.ActivityRepository,
	wsHub *ws.Hub,
) *SyncService {
	svc := &SyncService{
		cfg:          cfg,
		logger:       logger,
		client:       client,
		checkpoints:  checkpoints,
		forwarder:    forwarder,
		activityRepo: activityRepo,
		wsHub:        wsHub,
		now:          time.Now,
	}

	svc.stateManager = state.NewManager(svc.onStateChange)
	return svc
}

// onStateChange 状态机转换回调，推送到 WebSocket
func (s *SyncService) onStateChange(imei string, from, to string) {
	s.logger.Info("Device sync state changed",
		zap.String("imei", imei),
		zap.String("from", from),
		zap.String("to", to))

	// 回调在状态机锁内触发，读取完整状态必须异步
	if s.wsHub != nil {
		go func() {
			if machine, ok := s.stateManager.Get(imei); ok {
				s.wsHub.BroadcastSyncUpdate(machine.GetState())
			}
		}()
	}
}

// GetAllStates 获取所有设备同步状态
func (s *SyncService) GetAllStates() map[string]*state.DeviceSyncState {
	return s.stateManager.GetAllStates()
}

// ListDevices 获取账号下设备列表
func (s *SyncService) ListDevices(ctx context.Context) ([]models.Device, error) {
	return s.client.ListDevices(ctx)
}

// ListActivities 获取最近活动记录
func (s *SyncService) ListActivities(ctx context.Context, limit int) ([]*models.Activity, error) {
	if s.activityRepo == nil {
		return nil, nil
	}
	return s.activityRepo.ListRecent(ctx, s.cfg.IntegrationID, limit)
}

// CheckAuth 校验凭证有效性，不影响缓存令牌
func (s *SyncService) CheckAuth(ctx context.Context, cred models.Credential) protrack.AuthResult {
	startedAt := s.now()
	result := s.client.Authorize(ctx, cred)

	status := models.ActivityStatusSuccess
	detail := ""
	if result.Status != protrack.AuthAuthenticated {
		status = models.ActivityStatusFailed
		detail = result.Message
	}
	s.recordActivity(ctx, ActionAuth, "", status, 0, detail, startedAt)

	return result
}

// PullObservations 执行一个完整同步周期
// 每台设备一个并发子任务，设备间互不影响；返回触发的设备数
func (s *SyncService) PullObservations(ctx context.Context) (int, error) {
	startedAt := s.now()

	devices, err := s.client.ListDevices(ctx)
	if err != nil {
		s.recordActivity(ctx, ActionPullObservations, "", models.ActivityStatusFailed, 0, err.Error(), startedAt)
		return 0, fmt.Errorf("pull observations: %w", err)
	}

	s.logger.Info("Starting sync cycle", zap.Int("devices", len(devices)))

	var wg sync.WaitGroup
	for _, device := range devices {
		wg.Add(1)
		go func(d models.Device) {
			defer wg.Done()
			if _, err := s.SyncDevice(ctx, d); err != nil {
				// 单台设备失败不影响其他设备
				s.logger.Error("Device sync failed",
					zap.String("imei", d.IMEI),
					zap.Error(err))
			}
		}(device)
	}
	wg.Wait()

	s.recordActivity(ctx, ActionPullObservations, "", models.ActivityStatusSuccess, len(devices), "", startedAt)
	return len(devices), nil
}

// ErrDeviceNotFound 账号下不存在该设备
var ErrDeviceNotFound = errors.New("device not found")

// SyncDeviceByIMEI 按 IMEI 同步单台设备（playback action 入口）
// 设备元数据从设备列表取得，返回提取的观测数
func (s *SyncService) SyncDeviceByIMEI(ctx context.Context, imei string) (int, error) {
	devices, err := s.client.ListDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("playback %s: %w", imei, err)
	}

	for _, device := range devices {
		if device.IMEI == imei {
			return s.SyncDevice(ctx, device)
		}
	}
	return 0, fmt.Errorf("playback %s: %w", imei, ErrDeviceNotFound)
}

// SyncDevice 同步单台设备：拉取轨迹、转换、转发、写检查点
// 检查点 = 本周期观测的最大 gps_time，只在转发完全成功后写入
func (s *SyncService) SyncDevice(ctx context.Context, device models.Device) (int, error) {
	startedAt := s.now()
	machine := s.stateManager.GetOrCreate(device.IMEI)

	if err := machine.Trigger(state.EventStartFetch); err != nil {
		return 0, fmt.Errorf("sync %s: %w", device.IMEI, err)
	}

	extracted, err := s.syncDevice(ctx, device, machine)
	if err != nil {
		machine.UpdateState(func(st *state.DeviceSyncState) {
			st.LastError = err.Error()
		})
		if ferr := machine.Trigger(state.EventFail); ferr != nil {
			s.logger.Warn("Failed to mark device sync failed", zap.String("imei", device.IMEI), zap.Error(ferr))
		}
		if s.wsHub != nil {
			s.wsHub.BroadcastMessage(ws.MsgTypeError, map[string]string{
				"imei":  device.IMEI,
				"error": err.Error(),
			})
		}
		s.recordActivity(ctx, ActionPlayback, device.IMEI, models.ActivityStatusFailed, 0, err.Error(), startedAt)
		return 0, err
	}

	machine.UpdateState(func(st *state.DeviceSyncState) {
		st.LastObservations = extracted
		st.LastError = ""
	})
	if cerr := machine.Trigger(state.EventComplete); cerr != nil {
		s.logger.Warn("Failed to mark device sync completed", zap.String("imei", device.IMEI), zap.Error(cerr))
	}
	s.recordActivity(ctx, ActionPlayback, device.IMEI, models.ActivityStatusSuccess, extracted, "", startedAt)
	return extracted, nil
}

func (s *SyncService) syncDevice(ctx context.Context, device models.Device, machine *state.Machine) (int, error) {
	beginTime, err := s.resolveBeginTime(ctx, device.IMEI)
	if err != nil {
		return 0, fmt.Errorf("sync %s: %w", device.IMEI, err)
	}
	endTime := s.now().UTC().Unix()

	records, err := s.client.FetchPlayback(ctx, protrack.PlaybackQuery{
		IMEI:            device.IMEI,
		BeginTime:       beginTime,
		EndTime:         endTime,
		MaxObservations: s.cfg.MaxObservations,
	})
	if err != nil {
		return 0, fmt.Errorf("sync %s: %w", device.IMEI, err)
	}

	if len(records) == 0 {
		// 无新数据，不推进检查点
		s.logger.Info("No new playback records", zap.String("imei", device.IMEI))
		return 0, nil
	}

	observations := Transform(device, records)

	if err := machine.Trigger(state.EventStartForward); err != nil {
		return 0, fmt.Errorf("sync %s: %w", device.IMEI, err)
	}

	sent, err := s.forwarder.Forward(ctx, observations)
	if err != nil {
		return sent, fmt.Errorf("sync %s: forward: %w", device.IMEI, err)
	}

	checkpoint := maxGPSTime(records)
	if err := s.checkpoints.Write(ctx, device.IMEI, checkpoint); err != nil {
		return sent, fmt.Errorf("sync %s: %w", device.IMEI, err)
	}

	machine.UpdateState(func(st *state.DeviceSyncState) {
		st.LastCheckpoint = checkpoint
	})

	s.logger.Info("Device sync finished",
		zap.String("imei", device.IMEI),
		zap.Int("observations", sent),
		zap.Int64("checkpoint", checkpoint))
	return sent, nil
}

// resolveBeginTime 确定拉取窗口起点：检查点优先，缺失则按回溯天数
func (s *SyncService) resolveBeginTime(ctx context.Context, imei string) (int64, error) {
	checkpoint, ok, err := s.checkpoints.Read(ctx, imei)
	if err != nil {
		return 0, err
	}
	if ok {
		return checkpoint, nil
	}

	windowStart := s.now().UTC().Add(-time.Duration(s.cfg.DefaultLookbackDays) * 24 * time.Hour)
	begin := windowStart.Unix()
	if windowStart.Nanosecond() > 0 {
		begin++
	}
	return begin, nil
}

// maxGPSTime 本周期观测的最大 gps_time（unix 秒）
// 记录按供应商顺序升序返回，这里仍全量扫描以防乱序
func maxGPSTime(records []models.PlaybackRecord) int64 {
	var max int64
	for _, rec := range records {
		if ts := rec.GPSTime.Unix(); ts > max {
			max = ts
		}
	}
	return max
}

// recordActivity 写活动日志，仓库缺失或写入失败不影响主流程
func (s *SyncService) recordActivity(ctx context.Context, action, imei, status string, observations int, detail string, startedAt time.Time) {
	if s.activityRepo == nil {
		return
	}

	activity := &models.Activity{
		IntegrationID: s.cfg.IntegrationID,
		Action:        action,
		DeviceIMEI:    imei,
		Status:        status,
		Observations:  observations,
		Detail:        detail,
		StartedAt:     startedAt,
		FinishedAt:    s.now(),
	}
	if err := s.activityRepo.Create(ctx, activity); err != nil {
		s.logger.Error("Failed to record activity",
			zap.String("action", action),
			zap.Error(err))
	}
}

// Start 启动定时同步循环
func (s *SyncService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Info("Sync service already running, skipping start")
		return nil
	}
	s.stopCh = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	if s.cfg.SyncInterval <= 0 {
		s.logger.Info("Sync interval disabled, manual trigger only")
		return nil
	}

	s.wg.Add(1)
	go s.syncLoop(ctx)

	s.logger.Info("Sync service started", zap.Duration("interval", s.cfg.SyncInterval))
	return nil
}

// Stop 停止定时同步循环
func (s *SyncService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Stopping sync service")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Sync service stopped")
}

// syncLoop 定时触发同步周期
func (s *SyncService) syncLoop(ctx context.Context) {
	defer s.wg.Done()

	// 启动时立即执行一轮
	if _, err := s.PullObservations(ctx); err != nil {
		s.logger.Error("Initial sync cycle failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PullObservations(ctx); err != nil {
				s.logger.Error("Sync cycle failed", zap.Error(err))
			}
		}
	}
}
