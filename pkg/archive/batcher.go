package archive

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-curation/pkg/types"
	"github.com/rs/zerolog"
)

// BatcherConfig holds configuration for the Batcher.
type BatcherConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	UploadTimeout time.Duration
}

// BatcherStats is a point-in-time snapshot of archival counters.
type BatcherStats struct {
	Accepted uint64
	Dropped  uint64
	Uploaded uint64
	Errors   uint64
}

// Batcher accumulates archived messages keyed by batch key and flushes each
// key's group when it reaches BatchSize or when FlushInterval elapses. The
// archive is a best-effort tee off the ingestion path: Archive never blocks,
// and an upload failure loses only that batch.
type Batcher struct {
	config   BatcherConfig
	uploader Uploader
	logger   zerolog.Logger

	input  chan *ArchivedMessage
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	accepted atomic.Uint64
	dropped  atomic.Uint64
	uploaded atomic.Uint64
	errors   atomic.Uint64
}

// NewBatcher creates a Batcher writing through the given uploader.
func NewBatcher(config BatcherConfig, uploader Uploader, logger zerolog.Logger) *Batcher {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 1 * time.Minute
	}
	if config.UploadTimeout <= 0 {
		config.UploadTimeout = 30 * time.Second
	}
	return &Batcher{
		config:   config,
		uploader: uploader,
		logger:   logger.With().Str("component", "ArchiveBatcher").Logger(),
		input:    make(chan *ArchivedMessage, config.BatchSize*2),
	}
}

// Start begins the batching worker goroutine.
func (b *Batcher) Start(ctx context.Context) error {
	b.logger.Info().
		Int("batch_size", b.config.BatchSize).
		Dur("flush_interval", b.config.FlushInterval).
		Msg("Starting archive batcher.")
	b.wg.Add(1)
	go b.worker(ctx)
	return nil
}

// Archive accepts one raw message for archival. It never blocks: when the
// internal buffer is full the message is shed and false is returned.
func (b *Batcher) Archive(msg types.RawMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	select {
	case b.input <- NewArchivedMessage(msg):
		b.accepted.Add(1)
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Stop closes the intake, flushes pending batches, and waits for in-flight
// uploads, bounded by the context deadline.
func (b *Batcher) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.input)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		if err := b.uploader.Close(); err != nil {
			b.logger.Error().Err(err).Msg("Error closing archive uploader.")
		}
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info().Msg("Archive batcher stopped.")
		return nil
	case <-ctx.Done():
		b.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for archive batcher to stop.")
		return ctx.Err()
	}
}

// Stats returns a snapshot of the archival counters.
func (b *Batcher) Stats() BatcherStats {
	return BatcherStats{
		Accepted: b.accepted.Load(),
		Dropped:  b.dropped.Load(),
		Uploaded: b.uploaded.Load(),
		Errors:   b.errors.Load(),
	}
}

func (b *Batcher) worker(ctx context.Context) {
	defer b.wg.Done()
	batches := make(map[string][]*ArchivedMessage)
	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	flushAll := func() {
		for key, batch := range batches {
			b.flush(ctx, batch)
			delete(batches, key)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flushAll()
			return
		case msg, ok := <-b.input:
			if !ok {
				flushAll()
				return
			}
			key := msg.GetBatchKey()
			batches[key] = append(batches[key], msg)
			if len(batches[key]) >= b.config.BatchSize {
				b.flush(ctx, batches[key])
				delete(batches, key)
				ticker.Reset(b.config.FlushInterval)
			}
		case <-ticker.C:
			flushAll()
		}
	}
}

func (b *Batcher) flush(ctx context.Context, batch []*ArchivedMessage) {
	if len(batch) == 0 {
		return
	}
	uploadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.config.UploadTimeout)
	defer cancel()

	if err := b.uploader.UploadBatch(uploadCtx, batch); err != nil {
		b.errors.Add(uint64(len(batch)))
		b.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to upload archive batch.")
		return
	}
	b.uploaded.Add(uint64(len(batch)))
}
