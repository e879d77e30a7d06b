package tracker

import (
	"context"
	"log/slog"
	"time"

	"trackhub/internal/platform/metrics"
)

// Pipeline ingests inbound device reports from any channel. Transport
// messages enter through HandleMessage; HTTP submissions enter through
// IngestTelemetry directly. Both funnel into the same session resolution,
// caching, and conditional persistence, so a report behaves identically
// no matter how it arrived.
//
// Nothing in the pipeline is allowed to stop ingestion: malformed input is
// dropped and logged, and a failing coordinate write is dropped rather than
// retried or buffered so a slow store can never back up the message stream.
type Pipeline struct {
	cache    *LiveCache
	registry *Registry
	store    Store
	met      *metrics.Metrics
	log      *slog.Logger
}

// NewPipeline returns a Pipeline. met may be nil to disable metrics (tests).
func NewPipeline(cache *LiveCache, registry *Registry, store Store, met *metrics.Metrics, log *slog.Logger) *Pipeline {
	return &Pipeline{cache: cache, registry: registry, store: store, met: met, log: log}
}

// HandleMessage processes one raw transport message. It never returns an
// error: every failure mode ends with the message dropped and the pipeline
// ready for the next one.
func (p *Pipeline) HandleMessage(ctx context.Context, topic string, payload []byte) {
	report, err := Normalize(topic, payload)
	if err != nil {
		if p.met != nil {
			p.met.IncRejected()
		}
		p.log.Debug("message dropped",
			slog.String("topic", topic),
			slog.String("error", err.Error()))
		return
	}

	switch {
	case report.Status != nil:
		p.IngestStatus(*report.Status)
	case report.Telemetry != nil:
		p.IngestTelemetry(ctx, *report.Telemetry)
	}
}

// IngestStatus caches the device's latest status snapshot. Status has no
// durable history; the cache entry is the whole record.
func (p *Pipeline) IngestStatus(report StatusReport) {
	p.cache.RecordStatus(report.DeviceID, report.Fields, time.Now().UTC())
	if p.met != nil {
		p.met.IncStatus()
	}
}

// IngestTelemetry resolves the report's effective session, refreshes the
// live cache, and persists a trajectory point when a session was resolved.
// A positive device-supplied hint takes precedence over the registry's
// active-session cache. A report with no resolvable session is cached-only:
// the device is reporting while no recording session is open, which is a
// normal state, not an error.
func (p *Pipeline) IngestTelemetry(ctx context.Context, report TelemetryReport) {
	var sessionID *int64
	if report.SessionHint > 0 {
		hint := report.SessionHint
		sessionID = &hint
	} else if id, ok := p.registry.ResolveActive(report.DeviceID); ok {
		sessionID = &id
	}

	serverTs := time.Now().UTC()

	// The live marker updates whether or not the point is persisted.
	p.cache.RecordTelemetry(report.DeviceID, report.Lat, report.Lon, sessionID, report.DeviceTs, serverTs)
	if p.met != nil {
		p.met.IncTelemetry()
	}

	if sessionID == nil {
		return
	}

	if _, err := p.store.InsertCoordinate(ctx, *sessionID, string(report.DeviceID), report.Lat, report.Lon, report.DeviceTs, serverTs); err != nil {
		if p.met != nil {
			p.met.IncPersistFailures()
		}
		p.log.Error("coordinate write dropped",
			slog.String("device_id", string(report.DeviceID)),
			slog.Int64("session_id", *sessionID),
			slog.String("error", err.Error()))
		return
	}

	if p.met != nil {
		p.met.IncCoordinates()
	}
}
