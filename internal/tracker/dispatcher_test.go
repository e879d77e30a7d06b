package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"trackhub/internal/platform/logger"
	"trackhub/internal/platform/metrics"
)

// fakePublisher records publishes and can simulate a dead transport.
type fakePublisher struct {
	topics   []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return nil
}

func TestDispatcher_start_command_shape(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(pub, "devices", logger.Discard(), nil)

	d.SendStart("esp32-001", 42)

	if len(pub.topics) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.topics))
	}
	if pub.topics[0] != "devices/esp32-001/cmd" {
		t.Errorf("unexpected topic: %s", pub.topics[0])
	}

	var cmd Command
	if err := json.Unmarshal(pub.payloads[0], &cmd); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if cmd.Cmd != CommandStart || cmd.SessionID != 42 {
		t.Errorf("unexpected command: %+v", cmd)
	}
}

func TestDispatcher_stop_command_shape(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(pub, "devices", logger.Discard(), nil)

	d.SendStop("esp32-001", 42)

	var cmd Command
	if err := json.Unmarshal(pub.payloads[0], &cmd); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if cmd.Cmd != CommandStop || cmd.SessionID != 42 {
		t.Errorf("unexpected command: %+v", cmd)
	}
}

func TestDispatcher_publish_failure_is_swallowed(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker gone")}
	d := NewDispatcher(pub, "devices", logger.Discard(), nil)

	// Must not panic or propagate; commands are best-effort.
	d.SendStart("dev-1", 1)
	d.SendStop("dev-1", 1)
}

func TestDispatcher_counts_published_and_failed_commands(t *testing.T) {
	met := metrics.New()

	ok := NewDispatcher(&fakePublisher{}, "devices", logger.Discard(), met)
	ok.SendStart("dev-1", 1)
	ok.SendStop("dev-1", 1)

	dead := NewDispatcher(&fakePublisher{err: errors.New("broker gone")}, "devices", logger.Discard(), met)
	dead.SendStart("dev-2", 2)

	rec := httptest.NewRecorder()
	met.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, "trackhub_commands_published_total 2") {
		t.Errorf("published counter not at 2:\n%s", body)
	}
	if !strings.Contains(body, "trackhub_command_publish_failures_total 1") {
		t.Errorf("failure counter not at 1:\n%s", body)
	}
}

func TestRegistry_start_publishes_command_after_commit(t *testing.T) {
	pub := &fakePublisher{}
	store := NewMemStore()
	reg := NewRegistry(store, NewDispatcher(pub, "devices", logger.Discard(), nil), logger.Discard())

	sess, err := reg.Start(context.Background(), "dev-1", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if len(pub.topics) != 1 || pub.topics[0] != "devices/dev-1/cmd" {
		t.Fatalf("expected one start command on devices/dev-1/cmd, got %v", pub.topics)
	}
	var cmd Command
	_ = json.Unmarshal(pub.payloads[0], &cmd)
	if cmd.Cmd != CommandStart || cmd.SessionID != sess.ID {
		t.Errorf("unexpected command: %+v", cmd)
	}

	if _, err := reg.Stop(context.Background(), "dev-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(pub.topics) != 2 {
		t.Fatalf("expected stop command, got %v", pub.topics)
	}
	_ = json.Unmarshal(pub.payloads[1], &cmd)
	if cmd.Cmd != CommandStop || cmd.SessionID != sess.ID {
		t.Errorf("unexpected stop command: %+v", cmd)
	}
}

func TestRegistry_dead_transport_does_not_fail_start(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker gone")}
	store := NewMemStore()
	reg := NewRegistry(store, NewDispatcher(pub, "devices", logger.Discard(), nil), logger.Discard())

	// The durable mutation is the success criterion; command delivery is
	// a side effect the device tolerates losing.
	if _, err := reg.Start(context.Background(), "dev-1", ""); err != nil {
		t.Fatalf("start must succeed with a dead transport: %v", err)
	}
	if _, err := reg.Stop(context.Background(), "dev-1"); err != nil {
		t.Fatalf("stop must succeed with a dead transport: %v", err)
	}
}
