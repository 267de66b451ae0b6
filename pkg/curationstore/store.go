// Package curationstore persists and serves the curation metadata kept in
// Firestore: approved mappings and bindings, the observed topic hierarchy,
// and the lineage of republished messages.
package curationstore

import (
	"context"
	"errors"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/illmade-knight/go-curation/pkg/types"
)

// Env constants for the store configuration.
const (
	EnvProjectID         = "GOOGLE_CLOUD_PROJECT"
	EnvCredentialsFile   = "FIRESTORE_CREDENTIALS_FILE"
	EnvMappingCollection = "FIRESTORE_MAPPING_COLLECTION"
	EnvBindingCollection = "FIRESTORE_BINDING_COLLECTION"
	EnvTopicCollection   = "FIRESTORE_TOPIC_COLLECTION"
	EnvEdgeCollection    = "FIRESTORE_EDGE_COLLECTION"
	EnvLineageCollection = "FIRESTORE_LINEAGE_COLLECTION"
	EnvProfileCollection = "FIRESTORE_PROFILE_COLLECTION"
)

// Config names the Firestore project and the collections the store reads and
// writes.
type Config struct {
	ProjectID       string
	CredentialsFile string

	MappingCollection   string
	BindingCollection   string
	TopicNodeCollection string
	TopicEdgeCollection string
	LineageCollection   string
	ProfileCollection   string
}

// LoadConfigWithEnv loads the store configuration from environment
// variables, with collection names defaulting to the conventional layout.
func LoadConfigWithEnv() *Config {
	cfg := &Config{
		ProjectID:           os.Getenv(EnvProjectID),
		CredentialsFile:     os.Getenv(EnvCredentialsFile),
		MappingCollection:   "approved_mappings",
		BindingCollection:   "approved_bindings",
		TopicNodeCollection: "topic_nodes",
		TopicEdgeCollection: "topic_edges",
		LineageCollection:   "lineage",
		ProfileCollection:   "publisher_profiles",
	}
	if v := os.Getenv(EnvMappingCollection); v != "" {
		cfg.MappingCollection = v
	}
	if v := os.Getenv(EnvBindingCollection); v != "" {
		cfg.BindingCollection = v
	}
	if v := os.Getenv(EnvTopicCollection); v != "" {
		cfg.TopicNodeCollection = v
	}
	if v := os.Getenv(EnvEdgeCollection); v != "" {
		cfg.TopicEdgeCollection = v
	}
	if v := os.Getenv(EnvLineageCollection); v != "" {
		cfg.LineageCollection = v
	}
	if v := os.Getenv(EnvProfileCollection); v != "" {
		cfg.ProfileCollection = v
	}
	return cfg
}

// NewProductionFirestoreClient creates a Firestore client suitable for
// production environments.
func NewProductionFirestoreClient(ctx context.Context, projectID string, credentialsFile string, logger zerolog.Logger) (*firestore.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
		logger.Info().Str("credentials_file", credentialsFile).Msg("Using specified credentials file for Firestore client.")
	} else {
		logger.Info().Msg("Using Application Default Credentials (ADC) for Firestore client.")
	}

	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		logger.Error().Err(err).Str("project_id", projectID).Msg("Failed to create Firestore client.")
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	return client, nil
}

// Client wraps a Firestore client with the collection layout of the curation
// metadata. The underlying client's lifecycle stays with the caller.
type Client struct {
	fs     *firestore.Client
	cfg    *Config
	logger zerolog.Logger
}

// New creates a store client over an existing Firestore connection.
func New(cfg *Config, fsClient *firestore.Client, logger zerolog.Logger) (*Client, error) {
	if fsClient == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("store config cannot be nil")
	}
	return &Client{
		fs:     fsClient,
		cfg:    cfg,
		logger: logger.With().Str("component", "CurationStore").Logger(),
	}, nil
}

// ListMappings scans the full approved-mapping collection, keyed by raw
// topic. At most one mapping per raw topic survives the scan, matching the
// uniqueness the curation workflow guarantees upstream. Documents that do
// not decode are skipped with a warning rather than failing the whole scan.
func (c *Client) ListMappings(ctx context.Context) (map[string]types.Mapping, error) {
	iter := c.fs.Collection(c.cfg.MappingCollection).Documents(ctx)
	defer iter.Stop()

	out := make(map[string]types.Mapping)
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", c.cfg.MappingCollection, err)
		}
		var m types.Mapping
		if err := doc.DataTo(&m); err != nil {
			c.logger.Warn().Err(err).Str("doc_id", doc.Ref.ID).Msg("Skipping malformed mapping document.")
			continue
		}
		if m.RawTopic == "" {
			c.logger.Warn().Str("doc_id", doc.Ref.ID).Msg("Skipping mapping document without a raw topic.")
			continue
		}
		out[m.RawTopic] = m
	}
	return out, nil
}

// ListBindings scans the full approved-binding collection, keyed by topic.
func (c *Client) ListBindings(ctx context.Context) (map[string]types.Binding, error) {
	iter := c.fs.Collection(c.cfg.BindingCollection).Documents(ctx)
	defer iter.Stop()

	out := make(map[string]types.Binding)
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", c.cfg.BindingCollection, err)
		}
		var b types.Binding
		if err := doc.DataTo(&b); err != nil {
			c.logger.Warn().Err(err).Str("doc_id", doc.Ref.ID).Msg("Skipping malformed binding document.")
			continue
		}
		if b.Topic == "" {
			c.logger.Warn().Str("doc_id", doc.Ref.ID).Msg("Skipping binding document without a topic.")
			continue
		}
		out[b.Topic] = b
	}
	return out, nil
}

// WriteLineage records one republished message. Lineage is advisory: callers
// treat a failure here as a counted, logged event, never as a reason to hold
// up the publish path.
func (c *Client) WriteLineage(ctx context.Context, rec types.LineageRecord) error {
	if rec.ID == "" {
		return errors.New("lineage record requires an ID")
	}
	_, err := c.fs.Collection(c.cfg.LineageCollection).Doc(rec.ID).Set(ctx, rec)
	if err != nil {
		return fmt.Errorf("write lineage %s: %w", rec.ID, err)
	}
	return nil
}
