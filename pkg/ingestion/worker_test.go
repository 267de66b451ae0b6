package ingestion_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-curation/pkg/conformance"
	"github.com/illmade-knight/go-curation/pkg/ingestion"
	"github.com/illmade-knight/go-curation/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bindingStub serves a fixed binding table.
type bindingStub map[string]types.Binding

func (b bindingStub) Get(topic string) (types.Binding, bool) {
	binding, ok := b[topic]
	return binding, ok
}

// graphRecorder collects topic-graph upserts.
type graphRecorder struct {
	mu    sync.Mutex
	calls int
	nodes []types.TopicNode
	edges []types.TopicEdge
	err   error
}

func (g *graphRecorder) UpsertTopicGraph(_ context.Context, nodes []types.TopicNode, edges []types.TopicEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.calls++
	g.nodes = append(g.nodes, nodes...)
	g.edges = append(g.edges, edges...)
	return nil
}

// recordInserter collects bulk record inserts, one slice per batch.
type recordInserter struct {
	mu      sync.Mutex
	batches [][]*types.MessageRecord
	err     error
}

func (r *recordInserter) InsertBatch(_ context.Context, items []*types.MessageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	batch := make([]*types.MessageRecord, len(items))
	copy(batch, items)
	r.batches = append(r.batches, batch)
	return nil
}

func (r *recordInserter) Close() error { return nil }

func (r *recordInserter) batchSizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sizes := make([]int, len(r.batches))
	for i, b := range r.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func (r *recordInserter) allRecords() []*types.MessageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.MessageRecord
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

type workerFixture struct {
	queue    *ingestion.Queue
	graph    *graphRecorder
	inserter *recordInserter
	worker   *ingestion.Worker
}

func newWorkerFixture(t *testing.T, cfg ingestion.WorkerConfig, bindings bindingStub, opts ...ingestion.WorkerOption) *workerFixture {
	t.Helper()
	queue, err := ingestion.NewQueue(64)
	require.NoError(t, err)
	graph := &graphRecorder{}
	inserter := &recordInserter{}
	worker := ingestion.NewWorker(cfg, queue, bindings, graph, inserter, zerolog.Nop(), opts...)
	return &workerFixture{queue: queue, graph: graph, inserter: inserter, worker: worker}
}

func (f *workerFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.worker.Start(context.Background()))
	t.Cleanup(func() {
		f.queue.Close()
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.worker.Stop(stopCtx)
	})
}

func rawMsg(topic, payload string) types.RawMessage {
	return types.RawMessage{Topic: topic, Payload: []byte(payload), ReceivedAt: time.Now().UTC()}
}

func TestWorker_FullBatchFlushesOnce(t *testing.T) {
	// --- Arrange ---
	const batchSize = 10
	f := newWorkerFixture(t, ingestion.WorkerConfig{BatchSize: batchSize, BatchTimeout: 50 * time.Millisecond}, bindingStub{})

	// Queue a full batch before the worker starts, so the first dequeue
	// finds batchSize messages ready.
	for i := 0; i < batchSize; i++ {
		require.True(t, f.queue.TryEnqueue(rawMsg(fmt.Sprintf("site-a/device-%d/telemetry", i), `{"t":1}`)))
	}
	f.start(t)

	// --- Assert: exactly one batch of batchSize. ---
	require.Eventually(t, func() bool {
		return f.worker.Stats().Processed == batchSize
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{batchSize}, f.inserter.batchSizes())
	assert.Equal(t, int64(1), f.worker.Stats().Batches)
}

func TestWorker_SingleMessageFlushesWithinTimeout(t *testing.T) {
	f := newWorkerFixture(t, ingestion.WorkerConfig{BatchSize: 10, BatchTimeout: 50 * time.Millisecond}, bindingStub{})
	f.start(t)

	require.True(t, f.queue.TryEnqueue(rawMsg("site-a/device-1/telemetry", `{"t":1}`)))

	require.Eventually(t, func() bool {
		return f.worker.Stats().Processed == 1
	}, time.Second, 5*time.Millisecond, "a lone message must flush as a batch of one")
	assert.Equal(t, []int{1}, f.inserter.batchSizes())
}

func TestWorker_ConformanceStatusOnRecords(t *testing.T) {
	bindings := bindingStub{
		"site-a/device-1/telemetry": {
			Topic:          "site-a/device-1/telemetry",
			ExpectedSchema: []string{"t", "unit"},
			ProposalID:     "prop-1",
		},
	}
	f := newWorkerFixture(t, ingestion.WorkerConfig{BatchSize: 4, BatchTimeout: 20 * time.Millisecond}, bindings)
	f.start(t)

	require.True(t, f.queue.TryEnqueue(rawMsg("site-a/device-1/telemetry", `{"t":1,"unit":"C","extra":true}`)))
	require.True(t, f.queue.TryEnqueue(rawMsg("site-a/device-1/telemetry", `{"t":1}`)))
	require.True(t, f.queue.TryEnqueue(rawMsg("site-b/device-9/telemetry", `{"x":1}`)))

	require.Eventually(t, func() bool {
		return f.worker.Stats().Processed == 3
	}, time.Second, 5*time.Millisecond)

	byStatus := map[string]int{}
	for _, rec := range f.inserter.allRecords() {
		byStatus[rec.Conformance]++
		if rec.Conformance == string(conformance.StatusNonConformant) {
			assert.Equal(t, []string{`missing expected key "unit"`}, rec.Violations)
			assert.Equal(t, "prop-1", rec.BoundID)
		}
	}
	assert.Equal(t, 1, byStatus[string(conformance.StatusConformant)])
	assert.Equal(t, 1, byStatus[string(conformance.StatusNonConformant)])
	assert.Equal(t, 1, byStatus[string(conformance.StatusUnbound)])

	stats := f.worker.Stats()
	assert.Equal(t, int64(1), stats.Conformant)
	assert.Equal(t, int64(1), stats.NonConformant)
	assert.Equal(t, int64(1), stats.Unbound)
}

func TestWorker_TopicGraphIsDeduplicatedWithinBatch(t *testing.T) {
	f := newWorkerFixture(t, ingestion.WorkerConfig{BatchSize: 4, BatchTimeout: 20 * time.Millisecond}, bindingStub{})

	// Two messages sharing the site-a prefix, queued before start so they
	// land in one batch.
	require.True(t, f.queue.TryEnqueue(rawMsg("site-a/device-1/telemetry", `{}`)))
	require.True(t, f.queue.TryEnqueue(rawMsg("site-a/device-2/telemetry", `{}`)))
	f.start(t)

	require.Eventually(t, func() bool {
		return f.worker.Stats().Processed == 2
	}, time.Second, 5*time.Millisecond)

	f.graph.mu.Lock()
	defer f.graph.mu.Unlock()
	require.Equal(t, 1, f.graph.calls, "one graph round trip per batch")

	paths := make([]string, len(f.graph.nodes))
	for i, node := range f.graph.nodes {
		paths[i] = node.Path
	}
	assert.Equal(t, []string{
		"site-a",
		"site-a/device-1",
		"site-a/device-1/telemetry",
		"site-a/device-2",
		"site-a/device-2/telemetry",
	}, paths, "shared prefix appears once")

	require.Len(t, f.graph.edges, 4)
	assert.Equal(t, "site-a", f.graph.edges[0].Parent)
}

func TestWorker_BatchFailureIsCountedAndLoopContinues(t *testing.T) {
	f := newWorkerFixture(t, ingestion.WorkerConfig{BatchSize: 2, BatchTimeout: 20 * time.Millisecond}, bindingStub{})
	f.inserter.err = errors.New("store unavailable")
	f.start(t)

	require.True(t, f.queue.TryEnqueue(rawMsg("site-a/device-1/telemetry", `{}`)))
	require.Eventually(t, func() bool {
		return f.worker.Stats().Errors == 1
	}, time.Second, 5*time.Millisecond)

	// The worker keeps running: once the store recovers, the next message
	// flushes normally.
	f.inserter.mu.Lock()
	f.inserter.err = nil
	f.inserter.mu.Unlock()

	require.True(t, f.queue.TryEnqueue(rawMsg("site-a/device-1/telemetry", `{}`)))
	require.Eventually(t, func() bool {
		return f.worker.Stats().Processed == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_DrainsQueueOnShutdown(t *testing.T) {
	f := newWorkerFixture(t, ingestion.WorkerConfig{BatchSize: 4, BatchTimeout: 20 * time.Millisecond}, bindingStub{})

	for i := 0; i < 6; i++ {
		require.True(t, f.queue.TryEnqueue(rawMsg("site-a/device-1/telemetry", `{}`)))
	}

	require.NoError(t, f.worker.Start(context.Background()))
	f.queue.Close()

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.worker.Stop(stopCtx))

	assert.Equal(t, int64(6), f.worker.Stats().Processed, "every accepted message is flushed before exit")
}

func TestWorker_CanonicalizerAndEnricherHooks(t *testing.T) {
	enrich := func(_ context.Context, rec *types.MessageRecord) {
		rec.PublisherName = "Device One"
	}
	f := newWorkerFixture(t,
		ingestion.WorkerConfig{BatchSize: 2, BatchTimeout: 20 * time.Millisecond},
		bindingStub{},
		ingestion.WithCanonicalizer(ingestion.CanonicalText),
		ingestion.WithEnricher(enrich),
	)
	f.start(t)

	require.True(t, f.queue.TryEnqueue(rawMsg("site-a/device-1/telemetry", `{"unit":"C","t":21.5}`)))

	require.Eventually(t, func() bool {
		return f.worker.Stats().Processed == 1
	}, time.Second, 5*time.Millisecond)

	rec := f.inserter.allRecords()[0]
	assert.Equal(t, "site-a/device-1/telemetry t=21.5 unit=C", rec.CanonicalText)
	assert.Equal(t, "Device One", rec.PublisherName)
}
