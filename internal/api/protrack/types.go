package protrack

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/langchou/protrack-sync/internal/models"
)

// envelope 供应商统一响应包装，code == 0 表示成功
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Record  json.RawMessage `json:"record"`
}

// devicePayload /device/list 返回的设备原始字段
// 时间字段为 unix 秒，0 表示缺失
type devicePayload struct {
	IMEI            string `json:"imei"`
	DeviceName      string `json:"devicename"`
	SimCard         string `json:"simcard"`
	PlateNumber     string `json:"platenumber"`
	ICCID           string `json:"iccid"`
	UserDueTime     int64  `json:"userduetime"`
	OnlineTime      int64  `json:"onlinetime"`
	ActivatedTime   int64  `json:"activatedtime"`
	DeviceType      string `json:"devicetype"`
	PlatformDueTime int64  `json:"platformduetime"`
}

// toDevice 转换为领域模型，时间统一为 UTC
func (p devicePayload) toDevice() models.Device {
	return models.Device{
		IMEI:            p.IMEI,
		Name:            p.DeviceName,
		SimCard:         p.SimCard,
		PlateNumber:     p.PlateNumber,
		ICCID:           p.ICCID,
		DueTime:         unixToTime(p.UserDueTime),
		OnlineTime:      unixToTime(p.OnlineTime),
		ActivatedTime:   unixToTime(p.ActivatedTime),
		DeviceType:      p.DeviceType,
		PlatformDueTime: unixToTime(p.PlatformDueTime),
	}
}

func unixToTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// splitPlaybackEntries 按分号拆分回放载荷，忽略空段
func splitPlaybackEntries(record string) []string {
	if record == "" {
		return nil
	}

	parts := strings.Split(record, ";")
	entries := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			entries = append(entries, p)
		}
	}
	return entries
}

// parsePlaybackEntry 解析单条 "lon,lat,gpstime,speed,course" 记录
// 格式错误属于契约违反，直接报错，不做重试
func parsePlaybackEntry(entry string) (models.PlaybackRecord, error) {
	fields := strings.Split(entry, ",")
	if len(fields) != 5 {
		return models.PlaybackRecord{}, fmt.Errorf("playback entry %q: expected 5 fields, got %d", entry, len(fields))
	}

	lon, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return models.PlaybackRecord{}, fmt.Errorf("playback entry %q: parse longitude: %w", entry, err)
	}
	lat, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return models.PlaybackRecord{}, fmt.Errorf("playback entry %q: parse latitude: %w", entry, err)
	}
	gpsTime, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return models.PlaybackRecord{}, fmt.Errorf("playback entry %q: parse gpstime: %w", entry, err)
	}
	speed, err := strconv.Atoi(fields[3])
	if err != nil {
		return models.PlaybackRecord{}, fmt.Errorf("playback entry %q: parse speed: %w", entry, err)
	}
	course, err := strconv.Atoi(fields[4])
	if err != nil {
		return models.PlaybackRecord{}, fmt.Errorf("playback entry %q: parse course: %w", entry, err)
	}

	return models.PlaybackRecord{
		Longitude: lon,
		Latitude:  lat,
		GPSTime:   time.Unix(gpsTime, 0).UTC(),
		Speed:     speed,
		Course:    course,
	}, nil
}

// entryGPSTime 提取记录的 gpstime（翻页游标使用，unix 秒）
func entryGPSTime(entry string) (int64, error) {
	fields := strings.Split(entry, ",")
	if len(fields) != 5 {
		return 0, fmt.Errorf("playback entry %q: expected 5 fields, got %d", entry, len(fields))
	}
	ts, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("playback entry %q: parse gpstime: %w", entry, err)
	}
	return ts, nil
}
