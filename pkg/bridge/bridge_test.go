package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-curation/pkg/bridge"
	"github.com/illmade-knight/go-curation/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBus simulates both legs of the bridge: a subscriber whose handler can
// be driven directly and a publisher that records what it was given.
type fakeBus struct {
	mu             sync.Mutex
	connects       int
	subscribes     int
	failConnects   int
	handler        func(topic string, payload []byte)
	lost           func(error)
	published      []publishedMsg
	publishErr     error
	disconnects    int
	subscribeTopic string
}

type publishedMsg struct {
	topic   string
	payload []byte
}

func (f *fakeBus) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failConnects > 0 {
		f.failConnects--
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeBus) Subscribe(filter string, _ byte, handler func(topic string, payload []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	f.subscribeTopic = filter
	f.handler = handler
	return nil
}

func (f *fakeBus) Publish(_ context.Context, topic string, _ byte, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMsg{topic: topic, payload: payload})
	return nil
}

func (f *fakeBus) Disconnect(_ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeBus) NotifyLost(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost = fn
}

func (f *fakeBus) deliver(topic string, payload []byte) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

func (f *fakeBus) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

func (f *fakeBus) publishedMsgs() []publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedMsg, len(f.published))
	copy(out, f.published)
	return out
}

// mapLookup is a fixed in-memory MappingLookup.
type mapLookup map[string]types.Mapping

func (m mapLookup) Get(topic string) (types.Mapping, bool) {
	mapping, ok := m[topic]
	return mapping, ok
}

// lineageRecorder collects lineage writes.
type lineageRecorder struct {
	mu   sync.Mutex
	recs []types.LineageRecord
	err  error
}

func (l *lineageRecorder) WriteLineage(_ context.Context, rec types.LineageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.recs = append(l.recs, rec)
	return nil
}

func (l *lineageRecorder) records() []types.LineageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.LineageRecord, len(l.recs))
	copy(out, l.recs)
	return out
}

func testMappings() mapLookup {
	return mapLookup{
		"site-a/device-1/telemetry": {
			RawTopic:     "site-a/device-1/telemetry",
			CuratedTopic: "curated/site-a/temperature",
			KeyMapping:   map[string]string{"t": "temperature_c"},
			MappingID:    "map-1",
		},
	}
}

func startBridge(t *testing.T, cfg bridge.Config, sub *fakeBus, pub *fakeBus, mappings bridge.MappingLookup, opts ...bridge.Option) *bridge.Bridge {
	t.Helper()
	b, err := bridge.New(cfg, sub, pub, mappings, zerolog.Nop(), opts...)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Stop(stopCtx)
	})
	require.Eventually(t, func() bool {
		return b.ConnectionState().Phase == bridge.PhaseConnected
	}, time.Second, 5*time.Millisecond, "bridge should reach connected")
	return b
}

func TestBridge_TransformAndRepublish(t *testing.T) {
	// --- Arrange ---
	sub, pub := &fakeBus{}, &fakeBus{}
	lineage := &lineageRecorder{}
	b := startBridge(t, bridge.Config{Backoff: 20 * time.Millisecond}, sub, pub, testMappings(),
		bridge.WithLineageWriter(lineage))

	// --- Act ---
	sub.deliver("site-a/device-1/telemetry", []byte(`{"t": 21.5, "unit": "C"}`))

	// --- Assert ---
	require.Eventually(t, func() bool { return len(pub.publishedMsgs()) == 1 }, time.Second, 5*time.Millisecond)
	msg := pub.publishedMsgs()[0]
	assert.Equal(t, "curated/site-a/temperature", msg.topic)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.payload, &decoded))
	assert.Equal(t, 21.5, decoded["temperature_c"])
	assert.Equal(t, "C", decoded["unit"])
	assert.NotContains(t, decoded, "t")

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.Received)
	assert.Equal(t, int64(1), stats.Transformed)
	assert.Equal(t, float64(1), stats.TransformRate)

	require.Eventually(t, func() bool { return len(lineage.records()) == 1 }, time.Second, 5*time.Millisecond)
	rec := lineage.records()[0]
	assert.Equal(t, "site-a/device-1/telemetry", rec.RawTopic)
	assert.Equal(t, "curated/site-a/temperature", rec.CuratedTopic)
	assert.Equal(t, "map-1", rec.MappingID)
}

func TestBridge_DropWithoutMapping(t *testing.T) {
	sub, pub := &fakeBus{}, &fakeBus{}
	b := startBridge(t, bridge.Config{Backoff: 20 * time.Millisecond}, sub, pub, testMappings())

	sub.deliver("site-b/unknown/telemetry", []byte(`{"x": 1}`))
	sub.deliver("site-b/unknown/telemetry", []byte(`{"x": 2}`))

	require.Eventually(t, func() bool { return b.Stats().Dropped == 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, pub.publishedMsgs(), "unmapped messages must never be republished")
	assert.Equal(t, int64(0), b.Stats().Transformed)
}

func TestBridge_ExcludedPrefixIsNotRepublished(t *testing.T) {
	mappings := testMappings()
	mappings["curated/site-a/temperature"] = types.Mapping{
		RawTopic:     "curated/site-a/temperature",
		CuratedTopic: "export/site-a/temperature",
		MappingID:    "map-2",
	}
	sub, pub := &fakeBus{}, &fakeBus{}
	b := startBridge(t, bridge.Config{
		Backoff:              20 * time.Millisecond,
		ExcludeTopicPrefixes: []string{"export/"},
	}, sub, pub, mappings)

	// A message already in the output namespace must not loop.
	sub.deliver("export/site-a/temperature", []byte(`{"temperature_c": 20}`))

	require.Eventually(t, func() bool { return b.Stats().Excluded == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, pub.publishedMsgs())
}

func TestBridge_PublishTopicPrefix(t *testing.T) {
	sub, pub := &fakeBus{}, &fakeBus{}
	startBridge(t, bridge.Config{
		Backoff:            20 * time.Millisecond,
		PublishTopicPrefix: "export",
	}, sub, pub, testMappings())

	sub.deliver("site-a/device-1/telemetry", []byte(`{"t": 1}`))

	require.Eventually(t, func() bool { return len(pub.publishedMsgs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "export/curated/site-a/temperature", pub.publishedMsgs()[0].topic)
}

func TestBridge_ReconnectAfterTransportError(t *testing.T) {
	// --- Arrange ---
	sub, pub := &fakeBus{}, &fakeBus{}
	b := startBridge(t, bridge.Config{Backoff: 20 * time.Millisecond}, sub, pub, testMappings())
	require.Equal(t, 1, sub.subscribeCount())

	// --- Act: simulate a mid-stream transport error. ---
	sub.mu.Lock()
	lost := sub.lost
	sub.mu.Unlock()
	require.NotNil(t, lost)
	lost(errors.New("connection reset by peer"))

	// --- Assert: the bridge re-enters Connected within backoff + epsilon
	// and resumes forwarding. ---
	require.Eventually(t, func() bool {
		return sub.subscribeCount() == 2 && b.ConnectionState().Phase == bridge.PhaseConnected
	}, time.Second, 5*time.Millisecond, "bridge should resubscribe after backoff")
	assert.Empty(t, b.ConnectionState().LastError)

	sub.deliver("site-a/device-1/telemetry", []byte(`{"t": 22.0}`))
	require.Eventually(t, func() bool { return len(pub.publishedMsgs()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBridge_ConnectFailureBacksOffAndRetries(t *testing.T) {
	sub, pub := &fakeBus{failConnects: 2}, &fakeBus{}
	b, err := bridge.New(bridge.Config{Backoff: 10 * time.Millisecond}, sub, pub, testMappings(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Stop(stopCtx)
	})

	require.Eventually(t, func() bool {
		return b.ConnectionState().Phase == bridge.PhaseConnected
	}, time.Second, 5*time.Millisecond, "bridge should connect once the broker accepts")

	sub.mu.Lock()
	connects := sub.connects
	sub.mu.Unlock()
	assert.GreaterOrEqual(t, connects, 3)
}

func TestBridge_PublishErrorTriggersReconnect(t *testing.T) {
	sub, pub := &fakeBus{}, &fakeBus{publishErr: errors.New("broken pipe")}
	b := startBridge(t, bridge.Config{Backoff: 20 * time.Millisecond}, sub, pub, testMappings())

	sub.deliver("site-a/device-1/telemetry", []byte(`{"t": 1}`))

	require.Eventually(t, func() bool { return b.Stats().PublishErrors == 1 }, time.Second, 5*time.Millisecond)

	pub.mu.Lock()
	pub.publishErr = nil
	pub.mu.Unlock()

	require.Eventually(t, func() bool {
		return sub.subscribeCount() >= 2 && b.ConnectionState().Phase == bridge.PhaseConnected
	}, time.Second, 5*time.Millisecond, "publish failure should drive the reconnect loop")
}

func TestBridge_LineageFailureDoesNotBlockPublish(t *testing.T) {
	sub, pub := &fakeBus{}, &fakeBus{}
	lineage := &lineageRecorder{err: errors.New("store unavailable")}
	b := startBridge(t, bridge.Config{Backoff: 20 * time.Millisecond}, sub, pub, testMappings(),
		bridge.WithLineageWriter(lineage))

	sub.deliver("site-a/device-1/telemetry", []byte(`{"t": 1}`))

	require.Eventually(t, func() bool { return len(pub.publishedMsgs()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return b.Stats().LineageErrors == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), b.Stats().Transformed)
}
