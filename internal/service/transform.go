package service

import (
	"github.com/langchou/protrack-sync/internal/models"
)

// 观测固定分类
const (
	ObservationType        = "tracking-device"
	ObservationSubjectType = "vehicle"
)

// Transform 将一台设备的轨迹点转换为标准观测
// 设备元数据（除 imei 和 devicename 外）全部进入 additional，
// 缺失字段（空串/空时间）不输出
func Transform(device models.Device, records []models.PlaybackRecord) []models.Observation {
	observations := make([]models.Observation, 0, len(records))
	for _, rec := range records {
		observations = append(observations, models.Observation{
			Source:      device.IMEI,
			Name:        device.Name,
			Type:        ObservationType,
			SubjectType: ObservationSubjectType,
			RecordedAt:  rec.GPSTime,
			Location: models.Location{
				Lat: rec.Latitude,
				Lon: rec.Longitude,
			},
			Additional: additionalFields(device, rec),
		})
	}
	return observations
}

// additionalFields 组装观测附加字段：设备元数据 + 轨迹点的速度和航向
func additionalFields(device models.Device, rec models.PlaybackRecord) map[string]interface{} {
	additional := map[string]interface{}{
		"speed":  rec.Speed,
		"course": rec.Course,
	}

	if device.SimCard != "" {
		additional["simcard"] = device.SimCard
	}
	if device.PlateNumber != "" {
		additional["platenumber"] = device.PlateNumber
	}
	if device.ICCID != "" {
		additional["iccid"] = device.ICCID
	}
	if device.DeviceType != "" {
		additional["devicetype"] = device.DeviceType
	}
	if device.DueTime != nil {
		additional["userduetime"] = device.DueTime.Unix()
	}
	if device.OnlineTime != nil {
		additional["onlinetime"] = device.OnlineTime.Unix()
	}
	if device.ActivatedTime != nil {
		additional["activatedtime"] = device.ActivatedTime.Unix()
	}
	if device.PlatformDueTime != nil {
		additional["platformduetime"] = device.PlatformDueTime.Unix()
	}

	return additional
}
