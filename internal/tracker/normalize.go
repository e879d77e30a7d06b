package tracker

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// Topic suffixes that classify inbound reports.
const (
	topicSuffixTelemetry = "/telemetry"
	topicSuffixStatus    = "/status"
)

// Rejection reasons returned by Normalize. The pipeline logs these and
// moves on; they never terminate ingestion.
var (
	ErrUnknownTopic   = errors.New("unrecognized topic suffix")
	ErrBadPayload     = errors.New("payload is not a JSON object")
	ErrMissingDevice  = errors.New("payload has no device id")
	ErrBadCoordinates = errors.New("latitude/longitude missing or not finite")
)

// Accepted field aliases. Devices in the field run several firmware
// generations with different payload schemas; every generation must keep
// working, so each field is read from all names it has ever had.
var (
	deviceIDKeys = []string{"deviceId", "id"}
	latKeys      = []string{"lat", "la"}
	lonKeys      = []string{"lon", "lo"}
	sessionKeys  = []string{"sessionId", "sid"}
	tsKeys       = []string{"ts", "t"}
)

// Report is the normalized form of one inbound message. Exactly one of
// Telemetry and Status is non-nil.
type Report struct {
	Telemetry *TelemetryReport
	Status    *StatusReport
}

// Normalize parses a raw payload plus its originating topic into a
// canonical telemetry or status report. Classification is by topic suffix.
// Required fields (device id; finite lat/lon for telemetry) reject the
// message when absent; optional fields (session hint, device timestamp)
// degrade to "not present".
func Normalize(topic string, payload []byte) (Report, error) {
	switch {
	case strings.HasSuffix(topic, topicSuffixTelemetry):
		t, err := normalizeTelemetry(payload)
		if err != nil {
			return Report{}, err
		}
		return Report{Telemetry: t}, nil
	case strings.HasSuffix(topic, topicSuffixStatus):
		s, err := normalizeStatus(payload)
		if err != nil {
			return Report{}, err
		}
		return Report{Status: s}, nil
	default:
		return Report{}, ErrUnknownTopic
	}
}

func normalizeTelemetry(payload []byte) (*TelemetryReport, error) {
	obj, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}

	device, ok := stringField(obj, deviceIDKeys)
	if !ok {
		return nil, ErrMissingDevice
	}

	lat, latOK := numericField(obj, latKeys)
	lon, lonOK := numericField(obj, lonKeys)
	if !latOK || !lonOK || !isFinite(lat) || !isFinite(lon) {
		return nil, ErrBadCoordinates
	}

	report := &TelemetryReport{
		DeviceID: DeviceID(device),
		Lat:      lat,
		Lon:      lon,
	}

	// Optional: a non-positive or non-numeric hint means "no hint".
	if hint, ok := numericField(obj, sessionKeys); ok && hint > 0 {
		report.SessionHint = int64(hint)
	}

	// Optional: device capture time as unix seconds (fractions allowed).
	if ts, ok := numericField(obj, tsKeys); ok && isFinite(ts) && ts > 0 {
		sec, frac := math.Modf(ts)
		t := time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
		report.DeviceTs = &t
	}

	return report, nil
}

func normalizeStatus(payload []byte) (*StatusReport, error) {
	obj, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}

	device, ok := stringField(obj, deviceIDKeys)
	if !ok {
		return nil, ErrMissingDevice
	}

	// Everything except the id keys passes through opaquely.
	fields := make(map[string]any, len(obj))
	for k, v := range obj {
		fields[k] = v
	}
	for _, key := range deviceIDKeys {
		delete(fields, key)
	}

	return &StatusReport{DeviceID: DeviceID(device), Fields: fields}, nil
}

func decodeObject(payload []byte) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return nil, ErrBadPayload
	}
	return obj, nil
}

// stringField returns the first present alias coerced to a non-empty string.
func stringField(obj map[string]any, keys []string) (string, bool) {
	for _, key := range keys {
		switch v := obj[key].(type) {
		case string:
			if v != "" {
				return v, true
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		}
	}
	return "", false
}

// numericField returns the first present alias coerced to a float64.
// Numeric strings are accepted; anything else is "not present".
func numericField(obj map[string]any, keys []string) (float64, bool) {
	for _, key := range keys {
		switch v := obj[key].(type) {
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
