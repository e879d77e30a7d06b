package tracker

import "time"

// DeviceID identifies a reporting field device. Devices have no record of
// their own; the id is the key under which sessions and cached values live.
type DeviceID string

// Session is one bounded recording interval for a device.
// At most one session per device is active at any instant.
type Session struct {
	ID        int64      `gorm:"primaryKey" json:"id"`
	DeviceID  string     `gorm:"index:idx_sessions_device;not null" json:"deviceId"`
	Title     string     `json:"title,omitempty"`
	StartedAt time.Time  `gorm:"not null" json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	IsActive  bool       `gorm:"index:idx_sessions_active" json:"isActive"`
}

func (Session) TableName() string {
	return "sessions"
}

// Coordinate is a single persisted trajectory point. Rows are immutable and
// are only ever created by the ingestion pipeline with a resolved session id.
type Coordinate struct {
	ID        int64      `gorm:"primaryKey" json:"id"`
	SessionID int64      `gorm:"index:idx_coordinates_session;not null" json:"sessionId"`
	DeviceID  string     `gorm:"not null" json:"deviceId"`
	Lat       float64    `gorm:"not null" json:"lat"`
	Lon       float64    `gorm:"not null" json:"lon"`
	DeviceTs  *time.Time `json:"deviceTs,omitempty"`
	ServerTs  time.Time  `gorm:"not null" json:"serverTs"`
	CreatedAt time.Time  `json:"createdAt"`
}

func (Coordinate) TableName() string {
	return "coordinates"
}

// TelemetrySnapshot is the cached latest position for a device. It is
// updated on every accepted telemetry report whether or not a Coordinate
// was durably written; live-marker queries read this, never the store.
type TelemetrySnapshot struct {
	DeviceID  string     `json:"deviceId"`
	Lat       float64    `json:"lat"`
	Lon       float64    `json:"lon"`
	SessionID *int64     `json:"sessionId"`
	DeviceTs  *time.Time `json:"deviceTs,omitempty"`
	ServerTs  time.Time  `json:"serverTs"`
}

// StatusSnapshot is the cached latest status payload for a device.
// Fields are opaque to the coordinator and fully replaced on each report.
type StatusSnapshot struct {
	DeviceID string         `json:"deviceId"`
	Fields   map[string]any `json:"fields"`
	ServerTs time.Time      `json:"serverTs"`
}

// TelemetryReport is a normalized inbound position report.
type TelemetryReport struct {
	DeviceID DeviceID
	Lat      float64
	Lon      float64
	// SessionHint is a device-supplied session id; zero means no hint.
	SessionHint int64
	// DeviceTs is the device capture time; nil when the report carried none.
	DeviceTs *time.Time
}

// StatusReport is a normalized inbound status report. Fields holds the
// payload minus the device id keys, passed through untouched.
type StatusReport struct {
	DeviceID DeviceID
	Fields   map[string]any
}
