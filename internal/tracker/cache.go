package tracker

import (
	"sync"
	"time"
)

// LiveCache holds the last-known telemetry and status snapshot per device.
// It is a disposable performance layer: entries are overwritten on every
// accepted report, independent of whether the report was durably persisted,
// and a miss simply means the device has not reported yet. Memory is
// bounded by the number of distinct devices, so there is no eviction.
type LiveCache struct {
	mu        sync.RWMutex
	telemetry map[DeviceID]TelemetrySnapshot
	status    map[DeviceID]StatusSnapshot
}

// NewLiveCache returns an empty cache.
func NewLiveCache() *LiveCache {
	return &LiveCache{
		telemetry: make(map[DeviceID]TelemetrySnapshot),
		status:    make(map[DeviceID]StatusSnapshot),
	}
}

// RecordTelemetry overwrites the device's latest position. sessionID is nil
// when the report resolved to no session (cached-only ingestion).
func (c *LiveCache) RecordTelemetry(device DeviceID, lat, lon float64, sessionID *int64, deviceTs *time.Time, serverTs time.Time) {
	snap := TelemetrySnapshot{
		DeviceID:  string(device),
		Lat:       lat,
		Lon:       lon,
		SessionID: sessionID,
		DeviceTs:  deviceTs,
		ServerTs:  serverTs,
	}
	c.mu.Lock()
	c.telemetry[device] = snap
	c.mu.Unlock()
}

// RecordStatus overwrites the device's latest status payload.
func (c *LiveCache) RecordStatus(device DeviceID, fields map[string]any, serverTs time.Time) {
	snap := StatusSnapshot{
		DeviceID: string(device),
		Fields:   fields,
		ServerTs: serverTs,
	}
	c.mu.Lock()
	c.status[device] = snap
	c.mu.Unlock()
}

// ReadTelemetry returns the latest position for the device.
// ok is false when the device has not reported telemetry yet.
func (c *LiveCache) ReadTelemetry(device DeviceID) (TelemetrySnapshot, bool) {
	c.mu.RLock()
	snap, ok := c.telemetry[device]
	c.mu.RUnlock()
	return snap, ok
}

// ReadStatus returns the latest status for the device.
// ok is false when the device has not reported status yet.
func (c *LiveCache) ReadStatus(device DeviceID) (StatusSnapshot, bool) {
	c.mu.RLock()
	snap, ok := c.status[device]
	c.mu.RUnlock()
	return snap, ok
}
