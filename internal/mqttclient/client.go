// Package mqttclient wraps the paho MQTT client for the coordinator: it
// subscribes to the device report topics, feeds inbound messages to a
// handler through a bounded queue, republishes subscriptions after every
// reconnect, and exposes best-effort publishing for device commands.
package mqttclient

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MessageHandler processes one inbound transport message.
type MessageHandler func(topic string, payload []byte)

// Config holds MQTT connection settings.
type Config struct {
	BrokerURL      string
	ClientIDPrefix string
	Username       string
	Password       string
	// TopicPrefix is the leading segment of all device topics
	// (e.g. "fleet" for fleet/<deviceId>/telemetry).
	TopicPrefix    string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	// ConnectRetryInterval paces the background redial loop when the
	// broker is unreachable, including before the first connect succeeds.
	ConnectRetryInterval time.Duration
	// Workers is the number of goroutines draining the inbound queue.
	Workers int
	// QueueCapacity bounds the inbound queue; messages arriving while it
	// is full are dropped and logged, never buffered further.
	QueueCapacity int
}

type inbound struct {
	topic   string
	payload []byte
}

// Client manages the MQTT connection lifecycle.
type Client struct {
	cfg         Config
	log         *slog.Logger
	onMessage   MessageHandler
	onReconnect func()

	client mqtt.Client
	queue  chan inbound
	done   chan struct{}
	wg     sync.WaitGroup
}

// New returns an unconnected Client. onMessage receives every report
// message; onReconnect (optional) runs after each successful (re)connect,
// once subscriptions are re-established — the registry hangs its
// reconciliation barrier on it.
func New(cfg Config, log *slog.Logger, onMessage MessageHandler, onReconnect func()) *Client {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ConnectRetryInterval <= 0 {
		cfg.ConnectRetryInterval = 5 * time.Second
	}
	return &Client{
		cfg:         cfg,
		log:         log,
		onMessage:   onMessage,
		onReconnect: onReconnect,
		queue:       make(chan inbound, cfg.QueueCapacity),
		done:        make(chan struct{}),
	}
}

// clientOptions builds the paho options. ConnectRetry must be on in
// addition to AutoReconnect: AutoReconnect alone only redials after a
// connection that once succeeded, so a broker that is down at boot would
// otherwise never be dialed again.
func (c *Client) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	opts.SetClientID(fmt.Sprintf("%s-%s", c.cfg.ClientIDPrefix, uuid.NewString()[:8]))
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(c.cfg.ConnectRetryInterval)
	opts.SetOnConnectHandler(c.handleConnect)
	opts.SetConnectionLostHandler(c.handleConnectionLost)
	return opts
}

// Connect starts the worker pool and connects to the broker. With
// ConnectRetry set the paho client keeps dialing in the background, so an
// error here means "not connected yet", not "will never connect"; the
// caller may treat it as non-fatal.
func (c *Client) Connect() error {
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}

	c.client = mqtt.NewClient(c.clientOptions())
	token := c.client.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt connect: no connection within %s, retrying in background", c.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (c *Client) handleConnect(client mqtt.Client) {
	c.log.Info("mqtt connected", slog.String("broker", c.cfg.BrokerURL))

	// Device reports are at-most-once; QoS 0 on both legs.
	for _, suffix := range []string{"telemetry", "status"} {
		topic := fmt.Sprintf("%s/+/%s", c.cfg.TopicPrefix, suffix)
		if token := client.Subscribe(topic, 0, c.handleMessage); token.Wait() && token.Error() != nil {
			c.log.Error("mqtt subscribe failed",
				slog.String("topic", topic),
				slog.String("error", token.Error().Error()))
			continue
		}
		c.log.Info("mqtt subscribed", slog.String("topic", topic))
	}

	if c.onReconnect != nil {
		go c.onReconnect()
	}
}

func (c *Client) handleConnectionLost(_ mqtt.Client, err error) {
	c.log.Warn("mqtt connection lost", slog.String("error", err.Error()))
}

// handleMessage enqueues a message for the workers. The payload is copied
// because paho reuses its buffers. A full queue drops the message: the
// backpressure policy is drop-and-log, never block the transport.
func (c *Client) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	select {
	case c.queue <- inbound{topic: msg.Topic(), payload: payload}:
	case <-c.done:
	default:
		c.log.Warn("inbound queue full, message dropped", slog.String("topic", msg.Topic()))
	}
}

func (c *Client) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.queue:
			c.onMessage(msg.topic, msg.payload)
		}
	}
}

// Publish sends a payload at QoS 0. Best-effort: the caller logs and moves
// on when this fails.
func (c *Client) Publish(topic string, payload []byte) error {
	if c.client == nil || !c.client.IsConnected() {
		return fmt.Errorf("mqtt publish %s: not connected", topic)
	}
	token := c.client.Publish(topic, 0, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Disconnect stops the workers and closes the connection, allowing a short
// grace period for in-flight messages.
func (c *Client) Disconnect() {
	close(c.done)
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	c.wg.Wait()
}
