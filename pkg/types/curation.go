// Package types holds the shared domain records passed between the curation
// services and persisted to the metadata stores.
package types

import (
	"time"
)

// RawMessage is one unvalidated message as received from the uncurated bus.
// It is created on receipt, consumed once by the ingestion worker, and never
// mutated.
type RawMessage struct {
	Topic       string    `json:"topic"`
	Payload     []byte    `json:"payload"`
	PublisherID string    `json:"publisherId,omitempty"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// Mapping is an approved transformation rule for one raw topic. At most one
// mapping is active per raw topic; the curation workflow that approves
// mappings enforces this upstream.
type Mapping struct {
	// RawTopic is the exact uncurated topic the rule applies to.
	RawTopic string `firestore:"rawTopic" json:"rawTopic"`
	// CuratedTopic is the destination topic on the curated bus.
	CuratedTopic string `firestore:"curatedTopic" json:"curatedTopic"`
	// KeyMapping renames payload keys, original name to curated name. Keys
	// absent from the map pass through unchanged.
	KeyMapping map[string]string `firestore:"keyMapping" json:"keyMapping"`
	MappingID  string            `firestore:"mappingId" json:"mappingId"`
	ApprovedAt time.Time         `firestore:"approvedAt" json:"approvedAt"`
}

// Binding associates a topic with the payload keys its publishers agreed to
// provide. Topics without a binding are in the normal, unbound state.
type Binding struct {
	Topic string `firestore:"topic" json:"topic"`
	// ExpectedSchema lists the top-level keys a conformant payload must
	// contain. Extra keys are tolerated.
	ExpectedSchema []string `firestore:"expectedSchema" json:"expectedSchema"`
	ProposalID     string   `firestore:"proposalId" json:"proposalId"`
}

// CuratedMessage is the envelope republished after a successful transform.
type CuratedMessage struct {
	CuratedTopic    string    `json:"curatedTopic"`
	Payload         []byte    `json:"payload"`
	SourceMappingID string    `json:"sourceMappingId"`
	ProducedAt      time.Time `json:"producedAt"`
}

// MessageRecord is the per-message row the ingestion worker persists for
// audit and analysis.
type MessageRecord struct {
	MessageID   string `bigquery:"message_id" json:"messageId"`
	Topic       string `bigquery:"topic" json:"topic"`
	PublisherID string `bigquery:"publisher_id" json:"publisherId,omitempty"`
	// PublisherName is filled in from the publisher profile when enrichment
	// is enabled; empty otherwise.
	PublisherName string `bigquery:"publisher_name" json:"publisherName,omitempty"`
	Payload       string `bigquery:"payload" json:"payload"`
	// CanonicalText is a normalized rendering of the payload used for
	// search and display. May be empty when canonicalization is disabled.
	CanonicalText string    `bigquery:"canonical_text" json:"canonicalText,omitempty"`
	Conformance   string    `bigquery:"conformance" json:"conformance"`
	Violations    []string  `bigquery:"violations" json:"violations,omitempty"`
	BoundID       string    `bigquery:"bound_id" json:"boundId,omitempty"`
	ReceivedAt    time.Time `bigquery:"received_at" json:"receivedAt"`
	IngestedAt    time.Time `bigquery:"ingested_at" json:"ingestedAt"`
}

// TopicNode is one segment of the observed topic hierarchy. The document for
// a path is upserted every time a message under it is ingested, so SeenAt
// tracks the most recent activity.
type TopicNode struct {
	// Path is the full topic path up to and including this segment.
	Path    string    `firestore:"path" json:"path"`
	Segment string    `firestore:"segment" json:"segment"`
	Depth   int       `firestore:"depth" json:"depth"`
	SeenAt  time.Time `firestore:"seenAt" json:"seenAt"`
}

// TopicEdge is a parent to child containment edge in the topic hierarchy.
type TopicEdge struct {
	Parent string `firestore:"parent" json:"parent"`
	Child  string `firestore:"child" json:"child"`
}

// LineageRecord ties one republished message back to the mapping that
// produced it.
type LineageRecord struct {
	ID           string    `firestore:"id" json:"id"`
	RawTopic     string    `firestore:"rawTopic" json:"rawTopic"`
	CuratedTopic string    `firestore:"curatedTopic" json:"curatedTopic"`
	MappingID    string    `firestore:"mappingId" json:"mappingId"`
	PublishedAt  time.Time `firestore:"publishedAt" json:"publishedAt"`
}

// PublisherProfile describes a registered telemetry publisher.
type PublisherProfile struct {
	PublisherID string            `firestore:"publisherId" json:"publisherId"`
	Name        string            `firestore:"name" json:"name"`
	Labels      map[string]string `firestore:"labels" json:"labels,omitempty"`
}
