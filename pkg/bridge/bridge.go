// Package bridge moves messages from one bus to another through the mapping
// cache and the payload transformer, republishing only messages with an
// approved mapping. Both bus legs are held by an explicit reconnect loop
// with a fixed backoff.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-curation/pkg/messagepipeline"
	"github.com/illmade-knight/go-curation/pkg/payload"
	"github.com/illmade-knight/go-curation/pkg/types"
)

// MappingLookup answers mapping lookups from the current cache snapshot.
// cache.SnapshotCache[types.Mapping] satisfies it.
type MappingLookup interface {
	Get(topic string) (types.Mapping, bool)
}

// SubscriberConn is the subscribing bus leg. mqttbus.Client satisfies it.
type SubscriberConn interface {
	Connect(ctx context.Context) error
	Subscribe(filter string, qos byte, handler func(topic string, payload []byte)) error
	Disconnect(grace time.Duration)
	NotifyLost(fn func(error))
}

// PublisherConn is the publishing bus leg. mqttbus.Client satisfies it.
type PublisherConn interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	Disconnect(grace time.Duration)
	NotifyLost(fn func(error))
}

// Config controls one bridge instance.
type Config struct {
	// SubscribeFilter is the topic filter covering the source bus.
	// Defaults to "#".
	SubscribeFilter string
	// QoS applies to both the subscription and republishes.
	QoS byte
	// Backoff is the fixed delay between reconnect attempts. Defaults to
	// 5s. Fixed rather than exponential: recovery here happens on human
	// scales and a constant delay keeps the loop predictable.
	Backoff time.Duration
	// ExcludeTopicPrefixes drops matching topics before the mapping
	// lookup. The curated-to-export variant lists its own output namespace
	// here to prevent republish loops.
	ExcludeTopicPrefixes []string
	// PublishTopicPrefix, when set, is prepended to every curated topic on
	// publish. The export variant uses it to move output into its own
	// namespace.
	PublishTopicPrefix string
	// DisconnectGrace is the per-leg disconnect grace period.
	DisconnectGrace time.Duration
	// LineageQueueCapacity bounds the fire-and-forget lineage queue.
	LineageQueueCapacity int
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Received       int64
	Transformed    int64
	Dropped        int64
	Excluded       int64
	PublishErrors  int64
	ExportErrors   int64
	LineageDropped int64
	LineageErrors  int64
	// TransformRate is Transformed over Received, 0 when nothing received.
	TransformRate float64
}

// Bridge continuously moves messages between two bus connections. Messages
// without an approved mapping are dropped and counted; that is the normal
// state for most raw topics, so drops are not logged per message.
type Bridge struct {
	cfg      Config
	sub      SubscriberConn
	pub      PublisherConn
	mappings MappingLookup
	lineage  *lineageQueue
	exporter messagepipeline.SimplePublisher
	logger   zerolog.Logger

	received      atomic.Int64
	transformed   atomic.Int64
	dropped       atomic.Int64
	excluded      atomic.Int64
	publishErrors atomic.Int64
	exportErrors  atomic.Int64

	stateMu sync.Mutex
	state   ConnectionState

	lost   chan error
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures optional bridge collaborators.
type Option func(*Bridge)

// WithLineageWriter enables fire-and-forget lineage records for every
// republished message.
func WithLineageWriter(writer LineageWriter) Option {
	return func(b *Bridge) {
		b.lineage = newLineageQueue(b.cfg.LineageQueueCapacity, writer, b.logger)
	}
}

// WithExporter mirrors every transformed message to a second transport, for
// the split deployment where ingestion consumes from Pub/Sub. Export
// failures are counted and never interrupt the bus republish.
func WithExporter(exporter messagepipeline.SimplePublisher) Option {
	return func(b *Bridge) {
		b.exporter = exporter
	}
}

// New creates a bridge over the two connections. Nothing connects until
// Start.
func New(cfg Config, sub SubscriberConn, pub PublisherConn, mappings MappingLookup, logger zerolog.Logger, opts ...Option) (*Bridge, error) {
	if sub == nil || pub == nil {
		return nil, errors.New("bridge requires both a subscriber and a publisher connection")
	}
	if mappings == nil {
		return nil, errors.New("bridge requires a mapping lookup")
	}
	if cfg.SubscribeFilter == "" {
		cfg.SubscribeFilter = "#"
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = 500 * time.Millisecond
	}

	b := &Bridge{
		cfg:      cfg,
		sub:      sub,
		pub:      pub,
		mappings: mappings,
		logger:   logger.With().Str("component", "Bridge").Logger(),
		state:    ConnectionState{Phase: PhaseDisconnected},
		lost:     make(chan error, 2),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Start launches the reconnect loop. It returns immediately; the first
// connection attempt happens in the background.
func (b *Bridge) Start(_ context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	if b.lineage != nil {
		b.lineage.start()
	}
	b.sub.NotifyLost(b.notifyLost)
	b.pub.NotifyLost(b.notifyLost)
	b.wg.Add(1)
	go b.run(runCtx)
	b.logger.Info().Str("filter", b.cfg.SubscribeFilter).Dur("backoff", b.cfg.Backoff).Msg("Bridge started.")
	return nil
}

// Stop shuts the bridge down: the reconnect loop exits, both legs
// disconnect, and the lineage queue drains, all bounded by the context
// deadline.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cancel == nil {
		return nil
	}
	b.cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if b.lineage != nil {
		if err := b.lineage.stop(ctx); err != nil {
			return fmt.Errorf("drain lineage queue: %w", err)
		}
	}
	b.logger.Info().Msg("Bridge stopped.")
	return nil
}

// ConnectionState reports the current phase for readiness probes.
func (b *Bridge) ConnectionState() ConnectionState {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

// Stats reports the message counters.
func (b *Bridge) Stats() Stats {
	s := Stats{
		Received:      b.received.Load(),
		Transformed:   b.transformed.Load(),
		Dropped:       b.dropped.Load(),
		Excluded:      b.excluded.Load(),
		PublishErrors: b.publishErrors.Load(),
		ExportErrors:  b.exportErrors.Load(),
	}
	if b.lineage != nil {
		s.LineageDropped = b.lineage.dropped.Load()
		s.LineageErrors = b.lineage.errors.Load()
	}
	if s.Received > 0 {
		s.TransformRate = float64(s.Transformed) / float64(s.Received)
	}
	return s
}

func (b *Bridge) notifyLost(err error) {
	select {
	case b.lost <- err:
	default:
	}
}

// run drives the Disconnected -> Connecting -> Connected machine until the
// context is cancelled. Transport errors never terminate the loop; they feed
// a transition back to Disconnected and a fixed backoff sleep.
func (b *Bridge) run(ctx context.Context) {
	defer b.wg.Done()
	defer func() {
		b.sub.Disconnect(b.cfg.DisconnectGrace)
		b.pub.Disconnect(b.cfg.DisconnectGrace)
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		b.applyEvent(EventDial, nil)

		if err := b.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.teardown()
			b.applyEvent(EventTransportError, err)
			b.logger.Warn().Err(err).Dur("backoff", b.cfg.Backoff).Msg("Bridge connection attempt failed, backing off.")
			if !sleepCtx(ctx, b.cfg.Backoff) {
				return
			}
			continue
		}
		b.applyEvent(EventEstablished, nil)
		b.logger.Info().Msg("Bridge connected on both legs.")

		select {
		case err := <-b.lost:
			b.teardown()
			b.applyEvent(EventTransportError, err)
			b.logger.Warn().Err(err).Dur("backoff", b.cfg.Backoff).Msg("Bridge transport error, backing off before reconnect.")
			if !sleepCtx(ctx, b.cfg.Backoff) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// connect establishes both legs and attaches the message handler. Either leg
// failing fails the whole attempt; the two connections live and die
// together.
func (b *Bridge) connect(ctx context.Context) error {
	if err := b.sub.Connect(ctx); err != nil {
		return fmt.Errorf("subscriber leg: %w", err)
	}
	if err := b.pub.Connect(ctx); err != nil {
		return fmt.Errorf("publisher leg: %w", err)
	}
	if err := b.sub.Subscribe(b.cfg.SubscribeFilter, b.cfg.QoS, func(topic string, raw []byte) {
		b.handleMessage(ctx, topic, raw)
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (b *Bridge) teardown() {
	// Drain a stale loss notification so the next connected wait does not
	// trip on it.
	select {
	case <-b.lost:
	default:
	}
	b.sub.Disconnect(b.cfg.DisconnectGrace)
	b.pub.Disconnect(b.cfg.DisconnectGrace)
}

func (b *Bridge) applyEvent(event Event, err error) {
	b.stateMu.Lock()
	b.state = Transition(b.state, event, err)
	b.stateMu.Unlock()
}

// handleMessage is the per-message hot path: exclusion check, snapshot
// lookup, transform, republish.
func (b *Bridge) handleMessage(ctx context.Context, topic string, raw []byte) {
	b.received.Add(1)

	for _, prefix := range b.cfg.ExcludeTopicPrefixes {
		if strings.HasPrefix(topic, prefix) {
			b.excluded.Add(1)
			return
		}
	}

	mapping, ok := b.mappings.Get(topic)
	if !ok {
		// Expected for most raw topics: counted, never logged per message.
		b.dropped.Add(1)
		return
	}

	_, transformed := payload.Transform(raw, mapping.KeyMapping)
	curatedTopic := mapping.CuratedTopic
	if b.cfg.PublishTopicPrefix != "" {
		curatedTopic = b.cfg.PublishTopicPrefix + "/" + curatedTopic
	}

	if err := b.pub.Publish(ctx, curatedTopic, b.cfg.QoS, transformed); err != nil {
		b.publishErrors.Add(1)
		b.notifyLost(err)
		return
	}
	b.transformed.Add(1)

	if b.exporter != nil {
		attrs := map[string]string{
			messagepipeline.AttrTopic: curatedTopic,
			"source_mapping_id":       mapping.MappingID,
		}
		if err := b.exporter.Publish(ctx, transformed, attrs); err != nil {
			b.exportErrors.Add(1)
			b.logger.Warn().Err(err).Str("topic", curatedTopic).Msg("Export publish failed.")
		}
	}

	if b.lineage != nil {
		b.lineage.enqueue(types.LineageRecord{
			ID:           uuid.NewString(),
			RawTopic:     topic,
			CuratedTopic: curatedTopic,
			MappingID:    mapping.MappingID,
			PublishedAt:  time.Now().UTC(),
		})
	}
}

// sleepCtx sleeps for d and reports false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
