package tracker

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"trackhub/internal/platform/metrics"
)

// Publisher sends a payload to a topic on the pub/sub transport.
// Implemented by the MQTT client; tests plug in fakes.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Command values understood by devices.
const (
	CommandStart = "START"
	CommandStop  = "STOP"
)

// Command is the lifecycle instruction published to a device.
type Command struct {
	Cmd       string `json:"cmd"`
	SessionID int64  `json:"sessionId"`
}

// Dispatcher publishes best-effort session-lifecycle commands on each
// device's command topic. Delivery is never awaited and never retried:
// the durable session mutation has already committed by the time a command
// goes out, and devices tolerate a lost command by polling their config.
type Dispatcher struct {
	pub         Publisher
	topicPrefix string
	log         *slog.Logger
	met         *metrics.Metrics
}

// NewDispatcher returns a Dispatcher publishing under topicPrefix.
// met may be nil to disable metric recording.
func NewDispatcher(pub Publisher, topicPrefix string, log *slog.Logger, met *metrics.Metrics) *Dispatcher {
	return &Dispatcher{pub: pub, topicPrefix: topicPrefix, log: log, met: met}
}

// SendStart tells the device a recording session has started.
func (d *Dispatcher) SendStart(device DeviceID, sessionID int64) {
	d.send(device, Command{Cmd: CommandStart, SessionID: sessionID})
}

// SendStop tells the device its recording session has ended.
func (d *Dispatcher) SendStop(device DeviceID, sessionID int64) {
	d.send(device, Command{Cmd: CommandStop, SessionID: sessionID})
}

func (d *Dispatcher) send(device DeviceID, cmd Command) {
	topic := fmt.Sprintf("%s/%s/cmd", d.topicPrefix, device)
	payload, err := json.Marshal(cmd)
	if err != nil {
		d.log.Error("command encode failed",
			slog.String("device_id", string(device)),
			slog.String("error", err.Error()))
		return
	}

	if err := d.pub.Publish(topic, payload); err != nil {
		if d.met != nil {
			d.met.IncCommandFailures()
		}
		d.log.Warn("command publish failed",
			slog.String("device_id", string(device)),
			slog.String("cmd", cmd.Cmd),
			slog.Int64("session_id", cmd.SessionID),
			slog.String("error", err.Error()))
		return
	}

	if d.met != nil {
		d.met.IncCommandsPublished()
	}
	d.log.Debug("command published",
		slog.String("topic", topic),
		slog.String("cmd", cmd.Cmd),
		slog.Int64("session_id", cmd.SessionID))
}
