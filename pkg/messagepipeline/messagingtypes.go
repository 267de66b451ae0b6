package messagepipeline

import (
	"time"
)

// Attribute keys set by every consumer in this module, so downstream stages
// can read message metadata without knowing which transport delivered it.
const (
	// AttrTopic carries the bus topic the message arrived on.
	AttrTopic = "topic"
	// AttrPublisherID carries the publisher identifier, when the transport
	// or topic layout exposes one.
	AttrPublisherID = "publisher_id"
)

// Message is the canonical, internal representation of an event flowing
// between a transport consumer and the pipeline that drains it.
type Message struct {
	// MessageData contains the core payload and metadata.
	MessageData

	// Attributes holds transport metadata (Pub/Sub attributes, the MQTT
	// topic) under the Attr* keys above.
	Attributes map[string]string

	// Ack signals that processing succeeded and the message can be removed
	// from the source. Transports without broker-level acknowledgement set
	// a no-op.
	Ack func()

	// Nack signals that processing failed and the message should be
	// redelivered where the transport supports it.
	Nack func()
}

// MessageData holds the essential payload of a message. It is the part that
// survives serialization when a message is forwarded to another transport.
type MessageData struct {
	// ID is the unique identifier for the message from the source broker.
	ID string `json:"id"`

	// Payload is the raw byte content of the message.
	Payload []byte `json:"payload"`

	// PublishTime is the timestamp when the message was originally published.
	PublishTime time.Time `json:"publishTime"`
}

// Topic returns the bus topic the message arrived on, or "" when the
// consumer did not record one.
func (m *Message) Topic() string {
	return m.Attributes[AttrTopic]
}
