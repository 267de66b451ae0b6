package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-curation/pkg/messagepipeline"
	"github.com/illmade-knight/go-curation/pkg/types"
)

// Lifecycle is the Start/Stop contract shared by caches and other managed
// components.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ServiceConfig controls the intake path.
type ServiceConfig struct {
	// MinPayloadBytes and MaxPayloadBytes reject payloads outside the
	// range before they reach the queue. Zero disables the corresponding
	// bound.
	MinPayloadBytes int
	MaxPayloadBytes int
}

// ServiceStats is a point-in-time view of the intake counters.
type ServiceStats struct {
	// Rejected counts payloads shed by the size guard.
	Rejected int64
	// QueueDropped counts messages shed because the queue was full.
	QueueDropped int64
	QueueLen     int
}

// Service wires the ingestion pipeline together and owns its lifecycle
// ordering: caches load before the consumer starts delivering, so a cold
// start answers "unbound" rather than erroring, and shutdown stops intake
// first so queued messages can drain through one final flush.
type Service struct {
	cfg      ServiceConfig
	consumer messagepipeline.MessageConsumer
	queue    *Queue
	worker   *Worker
	caches   []Lifecycle
	logger   zerolog.Logger

	rejected atomic.Int64
	wg       sync.WaitGroup
	started  bool
}

// NewService assembles the pipeline. The caches are started in the given
// order and stopped in reverse.
func NewService(
	cfg ServiceConfig,
	consumer messagepipeline.MessageConsumer,
	queue *Queue,
	worker *Worker,
	caches []Lifecycle,
	logger zerolog.Logger,
) (*Service, error) {
	if consumer == nil || queue == nil || worker == nil {
		return nil, errors.New("consumer, queue, and worker cannot be nil")
	}
	return &Service{
		cfg:      cfg,
		consumer: consumer,
		queue:    queue,
		worker:   worker,
		caches:   caches,
		logger:   logger.With().Str("service", "IngestionService").Logger(),
	}, nil
}

// Start brings the pipeline up: caches, then the worker, then the consumer
// and its intake loop.
func (s *Service) Start(ctx context.Context) error {
	for i, c := range s.caches {
		if err := c.Start(ctx); err != nil {
			// Unwind the caches already started.
			for j := i - 1; j >= 0; j-- {
				_ = s.caches[j].Stop(ctx)
			}
			return fmt.Errorf("start cache %d: %w", i, err)
		}
	}
	if err := s.worker.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	s.wg.Add(1)
	go s.intake()
	s.started = true
	s.logger.Info().Msg("Ingestion service started.")
	return nil
}

// Stop tears the pipeline down in reverse: intake first, then the queue is
// closed so the worker drains and flushes everything that was accepted,
// then the caches.
func (s *Service) Stop(ctx context.Context) error {
	if !s.started {
		return nil
	}
	var firstErr error
	if err := s.consumer.Stop(ctx); err != nil {
		firstErr = fmt.Errorf("stop consumer: %w", err)
	}
	s.wg.Wait()
	s.queue.Close()
	if err := s.worker.Stop(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("stop worker: %w", err)
	}
	for i := len(s.caches) - 1; i >= 0; i-- {
		if err := s.caches[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop cache %d: %w", i, err)
		}
	}
	s.logger.Info().Msg("Ingestion service stopped.")
	return firstErr
}

// Stats reports the intake counters.
func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		Rejected:     s.rejected.Load(),
		QueueDropped: s.queue.Dropped(),
		QueueLen:     s.queue.Len(),
	}
}

// intake moves messages from the consumer onto the bounded queue. Enqueue
// never blocks; a full queue sheds the message. Messages are acknowledged
// to the source either way, because shedding is a deliberate decision, not
// a failure to retry.
func (s *Service) intake() {
	defer s.wg.Done()
	for msg := range s.consumer.Messages() {
		if s.oversized(msg.Payload) {
			s.rejected.Add(1)
			msg.Ack()
			continue
		}
		receivedAt := msg.PublishTime
		if receivedAt.IsZero() {
			receivedAt = time.Now().UTC()
		}
		s.queue.TryEnqueue(types.RawMessage{
			Topic:       msg.Topic(),
			Payload:     msg.Payload,
			PublisherID: msg.Attributes[messagepipeline.AttrPublisherID],
			ReceivedAt:  receivedAt,
		})
		msg.Ack()
	}
}

func (s *Service) oversized(payload []byte) bool {
	if s.cfg.MinPayloadBytes > 0 && len(payload) < s.cfg.MinPayloadBytes {
		return true
	}
	if s.cfg.MaxPayloadBytes > 0 && len(payload) > s.cfg.MaxPayloadBytes {
		return true
	}
	return false
}
