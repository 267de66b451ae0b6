package curationstore

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"

	"github.com/illmade-knight/go-curation/pkg/types"
)

// firestoreDocID makes a topic path usable as a document ID. Firestore
// treats "/" as a collection separator, so segments are joined with "|".
func firestoreDocID(path string) string {
	return strings.ReplaceAll(path, "/", "|")
}

// UpsertTopicGraph merges a batch of topic-hierarchy nodes and edges into
// the store in one bulk operation, so a batch costs a bounded number of
// round trips regardless of how many messages produced it. Node documents
// are keyed by path and edge documents by child path, making the upsert
// idempotent.
func (c *Client) UpsertTopicGraph(ctx context.Context, nodes []types.TopicNode, edges []types.TopicEdge) error {
	if len(nodes) == 0 && len(edges) == 0 {
		return nil
	}

	bw := c.fs.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(nodes)+len(edges))

	for _, node := range nodes {
		ref := c.fs.Collection(c.cfg.TopicNodeCollection).Doc(firestoreDocID(node.Path))
		job, err := bw.Set(ref, node, firestore.MergeAll)
		if err != nil {
			bw.End()
			return fmt.Errorf("enqueue node upsert %s: %w", node.Path, err)
		}
		jobs = append(jobs, job)
	}
	for _, edge := range edges {
		ref := c.fs.Collection(c.cfg.TopicEdgeCollection).Doc(firestoreDocID(edge.Child))
		job, err := bw.Set(ref, edge, firestore.MergeAll)
		if err != nil {
			bw.End()
			return fmt.Errorf("enqueue edge upsert %s: %w", edge.Child, err)
		}
		jobs = append(jobs, job)
	}

	bw.End()
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("topic graph upsert: %w", err)
		}
	}

	c.logger.Debug().Int("nodes", len(nodes)).Int("edges", len(edges)).Msg("Topic graph batch upserted.")
	return nil
}
