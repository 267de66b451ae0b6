package ingestion

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-curation/pkg/bqstore"
	"github.com/illmade-knight/go-curation/pkg/conformance"
	"github.com/illmade-knight/go-curation/pkg/types"
)

// BindingLookup answers binding lookups from the current cache snapshot.
// cache.SnapshotCache[types.Binding] satisfies it.
type BindingLookup interface {
	Get(topic string) (types.Binding, bool)
}

// GraphWriter bulk-upserts topic hierarchy nodes and edges.
// curationstore.Client satisfies it.
type GraphWriter interface {
	UpsertTopicGraph(ctx context.Context, nodes []types.TopicNode, edges []types.TopicEdge) error
}

// Canonicalizer renders one raw message into a normalized text form kept on
// the record for search and display. It may be a no-op.
type Canonicalizer func(msg types.RawMessage) string

// RecordEnricher mutates a record in place before it is persisted, e.g.
// attaching a publisher profile. It must degrade, never fail.
type RecordEnricher func(ctx context.Context, rec *types.MessageRecord)

// Archiver accepts one raw message for cold archival without blocking.
// archive.Batcher satisfies it.
type Archiver interface {
	Archive(msg types.RawMessage) bool
}

// WorkerConfig controls batching behaviour.
type WorkerConfig struct {
	// BatchSize is the maximum messages per flush. Defaults to 10.
	BatchSize int
	// BatchTimeout bounds a single blocking wait on the queue, keeping the
	// loop responsive to shutdown. Defaults to 100ms.
	BatchTimeout time.Duration
	// ShutdownFlushTimeout bounds the final drain when the worker is
	// cancelled hard. Defaults to 15s.
	ShutdownFlushTimeout time.Duration
}

// WorkerStats is a point-in-time counter snapshot.
type WorkerStats struct {
	Processed     int64
	Batches       int64
	Errors        int64
	Conformant    int64
	NonConformant int64
	Unbound       int64
}

// Worker drains the queue into batches and performs the grouped persistent
// writes: topic-graph upserts and bulk record inserts, a bounded number of
// store round trips per batch regardless of batch size. A failed batch is
// logged and counted, never retried, and never terminates the loop.
type Worker struct {
	cfg          WorkerConfig
	queue        *Queue
	bindings     BindingLookup
	graph        GraphWriter
	records      bqstore.DataBatchInserter[types.MessageRecord]
	canonicalize Canonicalizer
	enrich       RecordEnricher
	archiver     Archiver
	logger       zerolog.Logger

	processed     atomic.Int64
	batches       atomic.Int64
	errors        atomic.Int64
	conformant    atomic.Int64
	nonConformant atomic.Int64
	unbound       atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WorkerOption configures optional worker collaborators.
type WorkerOption func(*Worker)

// WithCanonicalizer sets the text canonicalization hook.
func WithCanonicalizer(fn Canonicalizer) WorkerOption {
	return func(w *Worker) { w.canonicalize = fn }
}

// WithEnricher sets the per-record enrichment hook.
func WithEnricher(fn RecordEnricher) WorkerOption {
	return func(w *Worker) { w.enrich = fn }
}

// WithArchiver tees every raw message into a cold-archive sink.
func WithArchiver(a Archiver) WorkerOption {
	return func(w *Worker) { w.archiver = a }
}

// NewWorker creates a batch worker over the given queue and stores.
func NewWorker(
	cfg WorkerConfig,
	queue *Queue,
	bindings BindingLookup,
	graph GraphWriter,
	records bqstore.DataBatchInserter[types.MessageRecord],
	logger zerolog.Logger,
	opts ...WorkerOption,
) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}
	if cfg.ShutdownFlushTimeout <= 0 {
		cfg.ShutdownFlushTimeout = 15 * time.Second
	}
	w := &Worker{
		cfg:      cfg,
		queue:    queue,
		bindings: bindings,
		graph:    graph,
		records:  records,
		logger:   logger.With().Str("component", "IngestionWorker").Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the worker loop.
func (w *Worker) Start(_ context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(runCtx)
	w.logger.Info().Int("batch_size", w.cfg.BatchSize).Dur("batch_timeout", w.cfg.BatchTimeout).Msg("Ingestion worker started.")
	return nil
}

// Stop waits for the worker to finish. For a clean shutdown close the queue
// first: the worker then drains everything still queued and flushes one
// final time before exiting. If the context expires the worker is cancelled
// hard and in-flight work is bounded by ShutdownFlushTimeout.
func (w *Worker) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info().Msg("Ingestion worker stopped.")
		return nil
	case <-ctx.Done():
		if w.cancel != nil {
			w.cancel()
		}
		<-done
		return ctx.Err()
	}
}

// Stats reports the worker counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Processed:     w.processed.Load(),
		Batches:       w.batches.Load(),
		Errors:        w.errors.Load(),
		Conformant:    w.conformant.Load(),
		NonConformant: w.nonConformant.Load(),
		Unbound:       w.unbound.Load(),
	}
}

// run blocks on the queue with BatchTimeout. The first dequeued message
// opens a batch, further messages are drained without blocking up to
// BatchSize, bounding both per-message and per-batch latency.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	timer := time.NewTimer(w.cfg.BatchTimeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.cfg.BatchTimeout)

		select {
		case <-ctx.Done():
			w.drainRemaining()
			return
		case msg, ok := <-w.queue.Messages():
			if !ok {
				return
			}
			w.flush(ctx, w.collect(msg))
		case <-timer.C:
			// Bounded wait only; nothing arrived.
		}
	}
}

// collect drains further queued messages without blocking.
func (w *Worker) collect(first types.RawMessage) []types.RawMessage {
	batch := make([]types.RawMessage, 1, w.cfg.BatchSize)
	batch[0] = first
	for len(batch) < w.cfg.BatchSize {
		select {
		case msg, ok := <-w.queue.Messages():
			if !ok {
				return batch
			}
			batch = append(batch, msg)
		default:
			return batch
		}
	}
	return batch
}

// drainRemaining flushes whatever is still queued after a hard cancel, so a
// message that was accepted onto the queue is not silently lost.
func (w *Worker) drainRemaining() {
	flushCtx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownFlushTimeout)
	defer cancel()
	for {
		select {
		case msg, ok := <-w.queue.Messages():
			if !ok {
				return
			}
			w.flush(flushCtx, w.collect(msg))
		default:
			return
		}
	}
}

// flush performs the grouped writes for one batch: conformance per message,
// deduplicated topic-graph upsert, then one bulk record insert.
func (w *Worker) flush(ctx context.Context, batch []types.RawMessage) {
	now := time.Now().UTC()
	records := make([]*types.MessageRecord, 0, len(batch))
	nodeSet := make(map[string]types.TopicNode)
	edgeSet := make(map[string]types.TopicEdge)

	for _, msg := range batch {
		if w.archiver != nil {
			w.archiver.Archive(msg)
		}

		var bound *types.Binding
		if binding, ok := w.bindings.Get(msg.Topic); ok {
			bound = &binding
		}
		result := conformance.CheckPayload(msg.Payload, bound)
		switch result.Status {
		case conformance.StatusConformant:
			w.conformant.Add(1)
		case conformance.StatusNonConformant:
			w.nonConformant.Add(1)
		case conformance.StatusUnbound:
			w.unbound.Add(1)
		}

		rec := &types.MessageRecord{
			MessageID:   uuid.NewString(),
			Topic:       msg.Topic,
			PublisherID: msg.PublisherID,
			Payload:     string(msg.Payload),
			Conformance: string(result.Status),
			Violations:  result.Violations,
			BoundID:     result.BoundID,
			ReceivedAt:  msg.ReceivedAt,
			IngestedAt:  now,
		}
		if w.canonicalize != nil {
			rec.CanonicalText = w.canonicalize(msg)
		}
		if w.enrich != nil {
			w.enrich(ctx, rec)
		}
		records = append(records, rec)
		collectTopicPath(nodeSet, edgeSet, msg.Topic, now)
	}

	nodes, edges := flattenGraph(nodeSet, edgeSet)
	if err := w.graph.UpsertTopicGraph(ctx, nodes, edges); err != nil {
		w.errors.Add(int64(len(batch)))
		w.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Topic graph upsert failed, batch abandoned.")
		return
	}
	if err := w.records.InsertBatch(ctx, records); err != nil {
		w.errors.Add(int64(len(batch)))
		w.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Record batch insert failed, batch abandoned.")
		return
	}

	w.processed.Add(int64(len(batch)))
	w.batches.Add(1)
	w.logger.Debug().Int("batch_size", len(batch)).Msg("Batch flushed.")
}

// collectTopicPath adds every prefix of the topic path as a node and each
// parent-child pair as an edge, deduplicated across the batch.
func collectTopicPath(nodes map[string]types.TopicNode, edges map[string]types.TopicEdge, topic string, seenAt time.Time) {
	segments := strings.Split(topic, "/")
	var prefix string
	for depth, segment := range segments {
		if segment == "" {
			continue
		}
		parent := prefix
		if prefix == "" {
			prefix = segment
		} else {
			prefix = prefix + "/" + segment
		}
		nodes[prefix] = types.TopicNode{
			Path:    prefix,
			Segment: segment,
			Depth:   depth + 1,
			SeenAt:  seenAt,
		}
		if parent != "" {
			edges[prefix] = types.TopicEdge{Parent: parent, Child: prefix}
		}
	}
}

// flattenGraph orders the deduplicated sets so writes are deterministic.
func flattenGraph(nodeSet map[string]types.TopicNode, edgeSet map[string]types.TopicEdge) ([]types.TopicNode, []types.TopicEdge) {
	nodes := make([]types.TopicNode, 0, len(nodeSet))
	for _, node := range nodeSet {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })

	edges := make([]types.TopicEdge, 0, len(edgeSet))
	for _, edge := range edgeSet {
		edges = append(edges, edge)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Child < edges[j].Child })
	return nodes, edges
}
