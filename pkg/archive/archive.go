package archive

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-curation/pkg/types"
)

// ArchivedMessage is the record written to a cold-storage object. The raw
// payload is kept verbatim so the archive can replay traffic that predates
// any later mapping or binding change.
type ArchivedMessage struct {
	ID         string    `json:"id"`
	BatchKey   string    `json:"batchKey"`
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"receivedAt"`
	ArchivedAt time.Time `json:"archivedAt"`
}

// GetBatchKey returns the key used for grouping records into objects.
func (m *ArchivedMessage) GetBatchKey() string {
	return m.BatchKey
}

// NewArchivedMessage converts a raw intake message into its archival form.
// The batch key is "YYYY/MM/DD/<topic root>" so each publisher's traffic for
// a given day lands in its own object prefix.
func NewArchivedMessage(msg types.RawMessage) *ArchivedMessage {
	ts := msg.ReceivedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	root := msg.Topic
	if i := strings.Index(root, "/"); i >= 0 {
		root = root[:i]
	}
	if root == "" {
		root = "unknown"
	}
	return &ArchivedMessage{
		ID:         uuid.New().String(),
		BatchKey:   fmt.Sprintf("%s/%s", ts.UTC().Format("2006/01/02"), root),
		Topic:      msg.Topic,
		Payload:    msg.Payload,
		ReceivedAt: ts,
		ArchivedAt: time.Now().UTC(),
	}
}
