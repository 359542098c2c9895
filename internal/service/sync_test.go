package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/protrack-sync/internal/api/protrack"
	"github.com/langchou/protrack-sync/internal/config"
	"github.com/langchou/protrack-sync/internal/models"
	"github.com/langchou/protrack-sync/internal/state"
	"github.com/langchou/protrack-sync/internal/store"
)

// staticTokens 测试用固定令牌
type staticTokens struct{}

func (staticTokens) Token(ctx context.Context) (string, error) { return "tok", nil }
func (staticTokens) Invalidate(ctx context.Context) error      { return nil }

func writeVendorEnvelope(w http.ResponseWriter, code int, record interface{}) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    code,
		"message": "",
		"record":  record,
	})
}

func newTestSync(t *testing.T, handler http.HandlerFunc, sink *captureSink) (*SyncService, *store.CheckpointStore) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := zap.NewNop()
	client := protrack.NewClient(server.URL, logger)
	client.SetRetryPolicy(protrack.RetryPolicy{
		Attempts:    2,
		WaitInitial: time.Millisecond,
		WaitMax:     time.Millisecond,
	})
	client.SetTokenSource(staticTokens{})

	checkpoints := store.NewCheckpointStore(store.NewMemoryStateStore(), "itg-test")
	forwarder := NewBatchForwarder(sink, 200, logger)
	cfg := &config.Config{
		IntegrationID:       "itg-test",
		DefaultLookbackDays: 3,
		MaxObservations:     1000,
		BatchSize:           200,
	}

	svc := NewSyncService(cfg, logger, client, checkpoints, forwarder, nil, nil)
	return svc, checkpoints
}

func TestSyncDeviceWritesMaxGPSTimeCheckpoint(t *testing.T) {
	sink := &captureSink{}
	svc, checkpoints := newTestSync(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/playback", r.URL.Path)
		writeVendorEnvelope(w, 0, "1.1,2.2,1700000100,10,90;3.3,4.4,1700000200,20,180")
	}, sink)

	extracted, err := svc.SyncDevice(context.Background(), models.Device{IMEI: "111", Name: "truck-01"})
	require.NoError(t, err)
	assert.Equal(t, 2, extracted)

	// 检查点 = 本周期最大 gps_time
	ts, ok, err := checkpoints.Read(context.Background(), "111")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1700000200), ts)

	// 观测已送达
	require.Len(t, sink.batches, 1)
	assert.Len(t, sink.batches[0], 2)

	states := svc.GetAllStates()
	require.Contains(t, states, "111")
	assert.Equal(t, state.StateCompleted, states["111"].CurrentState)
	assert.Equal(t, 2, states["111"].LastObservations)
}

func TestSyncDeviceDefaultLookbackWindow(t *testing.T) {
	var gotBegin, gotEnd string
	sink := &captureSink{}
	svc, _ := newTestSync(t, func(w http.ResponseWriter, r *http.Request) {
		gotBegin = r.URL.Query().Get("begintime")
		gotEnd = r.URL.Query().Get("endtime")
		writeVendorEnvelope(w, 0, "")
	}, sink)

	// 固定时钟，无检查点时窗口起点 = now - 3 天
	svc.now = func() time.Time { return time.Unix(1700259200, 0).UTC() }

	_, err := svc.SyncDevice(context.Background(), models.Device{IMEI: "111"})
	require.NoError(t, err)

	assert.Equal(t, "1700000000", gotBegin)
	assert.Equal(t, "1700259200", gotEnd)
}

func TestSyncDeviceUsesExistingCheckpoint(t *testing.T) {
	var gotBegin string
	sink := &captureSink{}
	svc, checkpoints := newTestSync(t, func(w http.ResponseWriter, r *http.Request) {
		gotBegin = r.URL.Query().Get("begintime")
		writeVendorEnvelope(w, 0, "")
	}, sink)

	require.NoError(t, checkpoints.Write(context.Background(), "111", 1700000123))

	_, err := svc.SyncDevice(context.Background(), models.Device{IMEI: "111"})
	require.NoError(t, err)

	assert.Equal(t, "1700000123", gotBegin)
}

func TestSyncDeviceNoRecordsSkipsCheckpoint(t *testing.T) {
	sink := &captureSink{}
	svc, checkpoints := newTestSync(t, func(w http.ResponseWriter, r *http.Request) {
		writeVendorEnvelope(w, 0, "")
	}, sink)

	extracted, err := svc.SyncDevice(context.Background(), models.Device{IMEI: "111"})
	require.NoError(t, err)
	assert.Zero(t, extracted)

	// 无新数据不推进检查点
	_, ok, err := checkpoints.Read(context.Background(), "111")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Empty(t, sink.batches)

	states := svc.GetAllStates()
	assert.Equal(t, state.StateCompleted, states["111"].CurrentState)
}

func TestSyncDeviceForwardFailureSkipsCheckpoint(t *testing.T) {
	sink := &captureSink{failAt: 1}
	svc, checkpoints := newTestSync(t, func(w http.ResponseWriter, r *http.Request) {
		writeVendorEnvelope(w, 0, "1.1,2.2,1700000100,10,90")
	}, sink)

	_, err := svc.SyncDevice(context.Background(), models.Device{IMEI: "111"})
	require.Error(t, err)

	// 转发失败后检查点保持不变，下个周期重拉
	_, ok, rerr := checkpoints.Read(context.Background(), "111")
	require.NoError(t, rerr)
	assert.False(t, ok)

	states := svc.GetAllStates()
	assert.Equal(t, state.StateFailed, states["111"].CurrentState)
	assert.NotEmpty(t, states["111"].LastError)
}

func TestSyncDeviceCheckpointAdvancesAcrossCycles(t *testing.T) {
	var mu sync.Mutex
	begins := []string{}
	sink := &captureSink{}
	svc, checkpoints := newTestSync(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		begins = append(begins, r.URL.Query().Get("begintime"))
		call := len(begins)
		mu.Unlock()

		if call == 1 {
			writeVendorEnvelope(w, 0, "1.1,2.2,1700000100,10,90")
			return
		}
		writeVendorEnvelope(w, 0, "1.1,2.2,1700000300,10,90")
	}, sink)

	ctx := context.Background()
	device := models.Device{IMEI: "111"}

	_, err := svc.SyncDevice(ctx, device)
	require.NoError(t, err)
	_, err = svc.SyncDevice(ctx, device)
	require.NoError(t, err)

	// 第二个周期从上次检查点继续，检查点单调递增
	assert.Equal(t, "1700000100", begins[1])
	ts, _, err := checkpoints.Read(ctx, "111")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000300), ts)
}

func TestSyncDeviceByIMEI(t *testing.T) {
	sink := &captureSink{}
	svc, checkpoints := newTestSync(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/device/list":
			writeVendorEnvelope(w, 0, []map[string]interface{}{
				{"imei": "111", "devicename": "truck-01"},
			})
		case "/playback":
			require.Equal(t, "111", r.URL.Query().Get("imei"))
			writeVendorEnvelope(w, 0, "1.1,2.2,1700000100,10,90;3.3,4.4,1700000200,20,180")
		}
	}, sink)

	extracted, err := svc.SyncDeviceByIMEI(context.Background(), "111")
	require.NoError(t, err)
	assert.Equal(t, 2, extracted)

	ts, ok, err := checkpoints.Read(context.Background(), "111")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1700000200), ts)
}

func TestSyncDeviceByIMEIUnknownDevice(t *testing.T) {
	sink := &captureSink{}
	svc, _ := newTestSync(t, func(w http.ResponseWriter, r *http.Request) {
		writeVendorEnvelope(w, 0, []map[string]interface{}{
			{"imei": "111", "devicename": "truck-01"},
		})
	}, sink)

	_, err := svc.SyncDeviceByIMEI(context.Background(), "999")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestPullObservationsSyncsAllDevices(t *testing.T) {
	sink := &captureSink{}
	svc, checkpoints := newTestSync(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/device/list":
			writeVendorEnvelope(w, 0, []map[string]interface{}{
				{"imei": "111", "devicename": "truck-01"},
				{"imei": "222", "devicename": "truck-02"},
			})
		case "/playback":
			writeVendorEnvelope(w, 0, "1.1,2.2,1700000100,10,90")
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}, sink)

	triggered, err := svc.PullObservations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, triggered)

	// 两台设备都有检查点
	for _, imei := range []string{"111", "222"} {
		_, ok, err := checkpoints.Read(context.Background(), imei)
		require.NoError(t, err)
		assert.True(t, ok, imei)
	}
}

func TestPullObservationsIsolatesDeviceFailures(t *testing.T) {
	sink := &captureSink{}
	svc, checkpoints := newTestSync(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/device/list":
			writeVendorEnvelope(w, 0, []map[string]interface{}{
				{"imei": "111", "devicename": "truck-01"},
				{"imei": "222", "devicename": "truck-02"},
			})
		case "/playback":
			if r.URL.Query().Get("imei") == "111" {
				// 格式损坏导致该设备失败
				writeVendorEnvelope(w, 0, "garbage")
				return
			}
			writeVendorEnvelope(w, 0, "1.1,2.2,1700000100,10,90")
		}
	}, sink)

	triggered, err := svc.PullObservations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, triggered)

	// 失败设备无检查点，正常设备不受影响
	_, ok, err := checkpoints.Read(context.Background(), "111")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = checkpoints.Read(context.Background(), "222")
	require.NoError(t, err)
	assert.True(t, ok)
}
