package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-curation/pkg/types"
)

// LineageWriter persists one lineage record. curationstore.Client satisfies
// it.
type LineageWriter interface {
	WriteLineage(ctx context.Context, rec types.LineageRecord) error
}

// lineageQueue decouples lineage persistence from the publish path: records
// are enqueued without blocking and written by a single background task. A
// full queue sheds the record, a failed write is counted and logged; neither
// ever reaches the publish call.
type lineageQueue struct {
	writer LineageWriter
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	ch     chan types.LineageRecord

	dropped atomic.Int64
	errors  atomic.Int64

	writeTimeout time.Duration
	wg           sync.WaitGroup
}

func newLineageQueue(capacity int, writer LineageWriter, logger zerolog.Logger) *lineageQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &lineageQueue{
		writer:       writer,
		logger:       logger.With().Str("component", "LineageQueue").Logger(),
		ch:           make(chan types.LineageRecord, capacity),
		writeTimeout: 10 * time.Second,
	}
}

func (q *lineageQueue) start() {
	q.wg.Add(1)
	go q.run()
}

func (q *lineageQueue) run() {
	defer q.wg.Done()
	for rec := range q.ch {
		writeCtx, cancel := context.WithTimeout(context.Background(), q.writeTimeout)
		err := q.writer.WriteLineage(writeCtx, rec)
		cancel()
		if err != nil {
			q.errors.Add(1)
			q.logger.Warn().Err(err).Str("lineage_id", rec.ID).Msg("Lineage write failed.")
		}
	}
}

// enqueue hands a record to the background writer without blocking. Reports
// whether the record was accepted.
func (q *lineageQueue) enqueue(rec types.LineageRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.dropped.Add(1)
		return false
	}
	select {
	case q.ch <- rec:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// stop closes intake and waits for queued records to be written, bounded by
// the context deadline. Records still unwritten at the deadline are lost,
// which is acceptable for advisory lineage.
func (q *lineageQueue) stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
