package ingestion_test

import (
	"testing"

	"github.com/illmade-knight/go-curation/pkg/ingestion"
	"github.com/illmade-knight/go-curation/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_OverflowShedsExactlyOne(t *testing.T) {
	const capacity = 5
	q, err := ingestion.NewQueue(capacity)
	require.NoError(t, err)

	// Enqueue capacity+1 messages with no consumer draining.
	accepted := 0
	for i := 0; i < capacity+1; i++ {
		if q.TryEnqueue(types.RawMessage{Topic: "site-a/device-1/telemetry"}) {
			accepted++
		}
	}

	assert.Equal(t, capacity, accepted)
	assert.Equal(t, int64(1), q.Dropped())
	assert.Equal(t, capacity, q.Len())
}

func TestQueue_CloseDrainsBufferedMessages(t *testing.T) {
	q, err := ingestion.NewQueue(4)
	require.NoError(t, err)

	require.True(t, q.TryEnqueue(types.RawMessage{Topic: "a"}))
	require.True(t, q.TryEnqueue(types.RawMessage{Topic: "b"}))
	q.Close()

	// Buffered messages stay readable after Close.
	msg, open := <-q.Messages()
	require.True(t, open)
	assert.Equal(t, "a", msg.Topic)
	msg, open = <-q.Messages()
	require.True(t, open)
	assert.Equal(t, "b", msg.Topic)

	_, open = <-q.Messages()
	assert.False(t, open, "channel should report closed once drained")

	// Enqueue after Close sheds and counts.
	assert.False(t, q.TryEnqueue(types.RawMessage{Topic: "c"}))
	assert.Equal(t, int64(1), q.Dropped())
}

func TestQueue_CloseIsIdempotent(t *testing.T) {
	q, err := ingestion.NewQueue(1)
	require.NoError(t, err)
	q.Close()
	q.Close()
}

func TestNewQueue_RejectsNonPositiveCapacity(t *testing.T) {
	_, err := ingestion.NewQueue(0)
	require.Error(t, err)
}
