package messagepipeline

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// GooglePubsubProducerConfig holds configuration for the Pub/Sub publisher.
// Batching is delegated to the client's PublishSettings, so publishes
// pipeline without the caller awaiting per-message acknowledgement.
type GooglePubsubProducerConfig struct {
	TopicID            string
	CountThreshold     int
	DelayThreshold     time.Duration
	TopicExistsTimeout time.Duration
}

// NewGooglePubsubProducerDefaults provides a config with sensible defaults,
// overridable through the environment.
func NewGooglePubsubProducerDefaults(topicID string) *GooglePubsubProducerConfig {
	cfg := &GooglePubsubProducerConfig{
		TopicID:            topicID,
		CountThreshold:     100,
		DelayThreshold:     100 * time.Millisecond,
		TopicExistsTimeout: 15 * time.Second,
	}
	if bs := os.Getenv("PUBSUB_PRODUCER_COUNT_THRESHOLD"); bs != "" {
		if val, err := strconv.Atoi(bs); err == nil {
			cfg.CountThreshold = val
		}
	}
	if bd := os.Getenv("PUBSUB_PRODUCER_DELAY_THRESHOLD"); bd != "" {
		if val, err := time.ParseDuration(bd); err == nil {
			cfg.DelayThreshold = val
		}
	}
	return cfg
}

// GooglePubsubProducer implements SimplePublisher over a Pub/Sub topic.
type GooglePubsubProducer struct {
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewGooglePubsubProducer verifies the topic exists and returns a publisher
// for it. The Pub/Sub client's lifecycle stays with the caller.
func NewGooglePubsubProducer(ctx context.Context, cfg *GooglePubsubProducerConfig, client *pubsub.Client, logger zerolog.Logger) (*GooglePubsubProducer, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}

	topic := client.Topic(cfg.TopicID)
	topic.PublishSettings.CountThreshold = cfg.CountThreshold
	topic.PublishSettings.DelayThreshold = cfg.DelayThreshold

	existsCtx, cancel := context.WithTimeout(ctx, cfg.TopicExistsTimeout)
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	return &GooglePubsubProducer{
		topic:  topic,
		logger: logger.With().Str("component", "GooglePubsubProducer").Str("topic_id", cfg.TopicID).Logger(),
	}, nil
}

// Publish queues one message and returns without awaiting the broker. The
// publish result is checked in the background so failures are logged rather
// than lost.
func (p *GooglePubsubProducer) Publish(ctx context.Context, payload []byte, attributes map[string]string) error {
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: attributes,
	})

	go func() {
		getCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := result.Get(getCtx); err != nil {
			p.logger.Error().Err(err).Msg("Failed to publish message")
		}
	}()

	return nil
}

// Stop flushes pending messages, bounded by the context deadline.
func (p *GooglePubsubProducer) Stop(ctx context.Context) error {
	if p.topic == nil {
		return nil
	}

	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
