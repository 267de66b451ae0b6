// Package messagepipeline defines the message shape and transport contracts
// shared by the curation services, plus Google Pub/Sub implementations used
// when the bridge and the ingestion worker run as separate processes.
package messagepipeline

import (
	"context"
)

// MessageConsumer is the contract for a message source. Implementations
// fetch messages from a transport and hand them to the pipeline through a
// channel.
type MessageConsumer interface {
	// Messages returns the read-only channel the pipeline receives from.
	// The channel is closed once the consumer has fully stopped.
	Messages() <-chan Message
	// Start begins consumption. It returns once the receive loop is
	// running; it does not block for the lifetime of the consumer.
	Start(ctx context.Context) error
	// Stop gracefully ceases consumption and waits for background work to
	// finish, bounded by the context deadline.
	Stop(ctx context.Context) error
	// Done returns a channel closed when the consumer has shut down.
	Done() <-chan struct{}
}

// SimplePublisher is a direct, per-message publisher. The underlying client
// may still pipeline publishes internally; callers must not assume a
// returned nil means the broker has acknowledged the message.
type SimplePublisher interface {
	Publish(ctx context.Context, payload []byte, attributes map[string]string) error
	// Stop flushes pending messages, bounded by the context deadline.
	Stop(ctx context.Context) error
}
