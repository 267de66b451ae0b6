package mqttbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-curation/pkg/messagepipeline"
)

// ConsumerConfig configures the ingestion-side MQTT consumer.
type ConsumerConfig struct {
	// Conn is the broker leg to consume from; Conn.Topic is the
	// subscription filter.
	Conn *Config
	// ChannelCapacity sizes the output channel. Defaults to 1000.
	ChannelCapacity int
	// PublisherIDFromTopic, when set, records the first topic path segment
	// as the publisher ID attribute. Used for the internally-republished
	// namespace, whose topics lead with the publisher identifier.
	PublisherIDFromTopic bool
}

// Consumer implements messagepipeline.MessageConsumer over an MQTT
// subscription. Unlike the bridge's explicitly managed legs, the consumer
// leans on Paho auto-reconnect and resubscribes on every reconnect.
type Consumer struct {
	cfg        ConsumerConfig
	pahoClient mqtt.Client
	logger     zerolog.Logger
	outputChan chan messagepipeline.Message
	doneChan   chan struct{}
	stopOnce   sync.Once
}

// NewConsumer creates an MQTT consumer. It does not connect until Start.
func NewConsumer(cfg ConsumerConfig, logger zerolog.Logger) (*Consumer, error) {
	if cfg.Conn == nil || cfg.Conn.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if cfg.Conn.Topic == "" {
		return nil, fmt.Errorf("MQTT subscription topic filter is required")
	}
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = 1000
	}
	return &Consumer{
		cfg:        cfg,
		logger:     logger.With().Str("component", "MqttConsumer").Logger(),
		outputChan: make(chan messagepipeline.Message, cfg.ChannelCapacity),
		doneChan:   make(chan struct{}),
	}, nil
}

// Messages returns the channel received messages are delivered on.
func (c *Consumer) Messages() <-chan messagepipeline.Message {
	return c.outputChan
}

// Start connects to the broker and begins consuming. A failed initial
// connection is logged, not returned: Paho keeps retrying in the background
// and the subscription is re-established on connect.
func (c *Consumer) Start(ctx context.Context) error {
	opts := c.createMqttOptions(ctx)
	c.pahoClient = mqtt.NewClient(opts)

	c.logger.Info().Str("broker", c.cfg.Conn.BrokerURL).Msg("Attempting to connect to MQTT broker...")
	if token := c.pahoClient.Connect(); token.WaitTimeout(c.cfg.Conn.ConnectTimeout) && token.Error() != nil {
		c.logger.Error().Err(token.Error()).Msg("Failed to connect to MQTT broker on startup. The Paho client will continue to retry in the background.")
	}

	go func() {
		<-ctx.Done()
		_ = c.Stop(context.Background())
	}()

	return nil
}

// Stop unsubscribes and disconnects, then closes the output channel.
func (c *Consumer) Stop(_ context.Context) error {
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping MqttConsumer...")
		if c.pahoClient != nil && c.pahoClient.IsConnected() {
			if token := c.pahoClient.Unsubscribe(c.cfg.Conn.Topic); token.WaitTimeout(2*time.Second) && token.Error() != nil {
				c.logger.Warn().Err(token.Error()).Str("topic", c.cfg.Conn.Topic).Msg("Failed to unsubscribe from MQTT topic.")
			}
			c.pahoClient.Disconnect(500)
		}
		close(c.outputChan)
		close(c.doneChan)
		c.logger.Info().Msg("MqttConsumer stopped.")
	})
	return nil
}

// Done returns a channel closed when the consumer has fully stopped.
func (c *Consumer) Done() <-chan struct{} {
	return c.doneChan
}

// IsConnected reports the underlying Paho connection status.
func (c *Consumer) IsConnected() bool {
	return c.pahoClient != nil && c.pahoClient.IsConnected()
}

// MessageHandler returns the handler that converts MQTT messages to the
// pipeline shape. Exported for unit tests; Start wires it internally.
func (c *Consumer) MessageHandler(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		payloadCopy := make([]byte, len(msg.Payload()))
		copy(payloadCopy, msg.Payload())

		attrs := map[string]string{messagepipeline.AttrTopic: msg.Topic()}
		if c.cfg.PublisherIDFromTopic {
			if first, _, found := strings.Cut(msg.Topic(), "/"); found && first != "" {
				attrs[messagepipeline.AttrPublisherID] = first
			}
		}

		consumed := messagepipeline.Message{
			MessageData: messagepipeline.MessageData{
				ID:          fmt.Sprintf("%d", msg.MessageID()),
				Payload:     payloadCopy,
				PublishTime: time.Now().UTC(),
			},
			Attributes: attrs,
			// MQTT acknowledgement happens at the protocol level inside
			// Paho; the pipeline has nothing further to signal.
			Ack:  func() {},
			Nack: func() {},
		}
		select {
		case c.outputChan <- consumed:
		case <-ctx.Done():
			c.logger.Warn().Str("topic", msg.Topic()).Msg("Consumer is shutting down, dropping MQTT message.")
		}
	}
}

func (c *Consumer) createMqttOptions(ctx context.Context) *mqtt.ClientOptions {
	cfg := c.cfg.Conn
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	uniqueSuffix := time.Now().UnixNano() % 1000000
	opts.SetClientID(fmt.Sprintf("%s%d", cfg.ClientIDPrefix, uniqueSuffix))
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.ReconnectWaitMax)
	opts.SetOrderMatters(false)

	handler := c.MessageHandler(ctx)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logger.Info().Str("broker", cfg.BrokerURL).Msg("Paho client connected to MQTT broker.")
		token := client.Subscribe(cfg.Topic, cfg.QoS, handler)
		go func() {
			if token.WaitTimeout(5*time.Second) && token.Error() != nil {
				c.logger.Error().Err(token.Error()).Str("topic", cfg.Topic).Msg("Failed to subscribe to MQTT topic.")
			} else {
				c.logger.Info().Str("topic", cfg.Topic).Msg("Successfully subscribed to MQTT topic.")
			}
		}()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Error().Err(err).Msg("Paho client lost MQTT connection.")
	})

	if strings.HasPrefix(strings.ToLower(cfg.BrokerURL), "tls://") {
		tlsConfig, err := NewTLSConfig(cfg)
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to create TLS config, proceeding without it.")
		} else {
			opts.SetTLSConfig(tlsConfig)
		}
	}
	return opts
}
