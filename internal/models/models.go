package models

import "time"

// Credential ProTrack 账号凭证，每个同步周期内不可变
type Credential struct {
	Account  string `json:"account"`
	Password string `json:"-"` // 不序列化，避免泄漏到日志或状态存储
}

// Device 账号下注册的设备（每个周期从 /device/list 拉取，不做本地持久化）
type Device struct {
	IMEI            string     `json:"imei"`
	Name            string     `json:"devicename"`
	SimCard         string     `json:"simcard,omitempty"`
	PlateNumber     string     `json:"platenumber,omitempty"`
	ICCID           string     `json:"iccid,omitempty"`
	DueTime         *time.Time `json:"userduetime,omitempty"`
	OnlineTime      *time.Time `json:"onlinetime,omitempty"`
	ActivatedTime   *time.Time `json:"activatedtime,omitempty"`
	DeviceType      string     `json:"devicetype,omitempty"`
	PlatformDueTime *time.Time `json:"platformduetime,omitempty"`
}

// PlaybackRecord /playback 接口返回的单条轨迹点
// 由 "lon,lat,gpstime,speed,course" 逗号分隔字段解析而来
type PlaybackRecord struct {
	Longitude float64
	Latitude  float64
	GPSTime   time.Time
	Speed     int
	Course    int
}

// Location 观测点经纬度
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Observation 下游投递使用的标准观测格式
type Observation struct {
	Source      string                 `json:"source"`       // 设备 IMEI
	Name        string                 `json:"name"`         // 设备名称
	Type        string                 `json:"type"`         // 固定 tracking-device
	SubjectType string                 `json:"subject_type"` // 固定 vehicle
	RecordedAt  time.Time              `json:"recorded_at"`
	Location    Location               `json:"location"`
	Additional  map[string]interface{} `json:"additional"`
}

// Checkpoint 每台设备最近一次成功同步到的时间点（unix 秒）
type Checkpoint struct {
	UpdatedAt int64 `json:"updated_at"`
}

// 活动日志状态
const (
	ActivityStatusSuccess = "success"
	ActivityStatusFailed  = "failed"
)

// Activity 一次 action 执行的记录（宿主活动日志）
type Activity struct {
	ID            int64     `json:"id" db:"id"`
	IntegrationID string    `json:"integration_id" db:"integration_id"`
	Action        string    `json:"action" db:"action"`
	DeviceIMEI    string    `json:"device_imei,omitempty" db:"device_imei"`
	Status        string    `json:"status" db:"status"`
	Observations  int       `json:"observations" db:"observations"`
	Detail        string    `json:"detail,omitempty" db:"detail"`
	StartedAt     time.Time `json:"started_at" db:"started_at"`
	FinishedAt    time.Time `json:"finished_at" db:"finished_at"`
}
