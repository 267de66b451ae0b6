package mqttbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Publish when the underlying connection is
// down. Callers treat it as a transport error and drive their own reconnect.
var ErrNotConnected = errors.New("mqtt client is not connected")

// Client is a thin wrapper over one Paho connection with auto-reconnect
// disabled, for callers that manage the connection lifecycle explicitly. The
// bridge uses two of these, one per leg.
type Client struct {
	cfg    *Config
	logger zerolog.Logger

	mu     sync.Mutex
	paho   mqtt.Client
	onLost func(error)
}

// NewClient prepares a client for the configured broker. No connection is
// made until Connect. The role appears in the client ID and logs so the two
// bridge legs are distinguishable.
func NewClient(cfg *Config, role string, logger zerolog.Logger) (*Client, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("MQTT broker URL is required")
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "MqttClient").Str("role", role).Logger(),
	}, nil
}

// NotifyLost registers the function called when an established connection
// drops. It must be set before Connect.
func (c *Client) NotifyLost(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLost = fn
}

// Connect dials the broker and blocks until the connection is established,
// the configured connect timeout passes, or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	opts.SetClientID(fmt.Sprintf("%s%s", c.cfg.ClientIDPrefix, uuid.NewString()[:8]))
	opts.SetUsername(c.cfg.Username)
	opts.SetPassword(c.cfg.Password)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	// Reconnect policy lives with the caller's state machine.
	opts.SetAutoReconnect(false)
	opts.SetOrderMatters(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn().Err(err).Msg("MQTT connection lost.")
		c.mu.Lock()
		fn := c.onLost
		c.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	})

	if strings.HasPrefix(strings.ToLower(c.cfg.BrokerURL), "tls://") {
		tlsConfig, err := NewTLSConfig(c.cfg)
		if err != nil {
			return fmt.Errorf("tls config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", c.cfg.BrokerURL, err)
	}

	c.mu.Lock()
	c.paho = client
	c.mu.Unlock()
	c.logger.Info().Str("broker", c.cfg.BrokerURL).Msg("MQTT client connected.")
	return nil
}

// Subscribe attaches handler to the given topic filter at the given QoS and
// waits for the broker's subscription acknowledgement.
func (c *Client) Subscribe(filter string, qos byte, handler func(topic string, payload []byte)) error {
	c.mu.Lock()
	client := c.paho
	c.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	token := client.Subscribe(filter, qos, func(_ mqtt.Client, msg mqtt.Message) {
		payloadCopy := make([]byte, len(msg.Payload()))
		copy(payloadCopy, msg.Payload())
		handler(msg.Topic(), payloadCopy)
	})
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("subscribe to %s: timed out", filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", filter, err)
	}
	c.logger.Info().Str("filter", filter).Uint8("qos", qos).Msg("Subscribed to MQTT topic filter.")
	return nil
}

// Publish sends one message at the given QoS with no retain flag. For QoS
// above 0 the broker acknowledgement is awaited in the background so the
// publish path pipelines; a failed acknowledgement is logged, not returned.
func (c *Client) Publish(_ context.Context, topic string, qos byte, payload []byte) error {
	c.mu.Lock()
	client := c.paho
	c.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	token := client.Publish(topic, qos, false, payload)
	go func() {
		if token.WaitTimeout(c.cfg.PublishTimeout) && token.Error() != nil {
			c.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed.")
		}
	}()
	return nil
}

// IsConnected reports whether the underlying connection is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paho != nil && c.paho.IsConnected()
}

// Disconnect closes the connection, allowing the given grace period for
// in-flight work. Safe to call when not connected.
func (c *Client) Disconnect(grace time.Duration) {
	c.mu.Lock()
	client := c.paho
	c.paho = nil
	c.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(uint(grace.Milliseconds()))
		c.logger.Info().Msg("MQTT client disconnected.")
	}
}
