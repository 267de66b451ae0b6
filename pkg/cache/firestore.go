package cache

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrNotFound is returned by FirestoreSource when no document exists for the
// requested key, letting callers separate absence from transport failure.
var ErrNotFound = fmt.Errorf("document not found")

// FirestoreSource is the terminal layer of a fetcher chain: point reads from
// one Firestore collection, keyed by document ID.
type FirestoreSource[V any] struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewFirestoreSource creates a source over the named collection. The client
// is injected and its lifecycle stays with the caller.
func NewFirestoreSource[V any](client *firestore.Client, collection string, logger zerolog.Logger) (*FirestoreSource[V], error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection name cannot be empty")
	}
	return &FirestoreSource[V]{
		client:     client,
		collection: collection,
		logger:     logger.With().Str("component", "FirestoreSource").Str("collection", collection).Logger(),
	}, nil
}

// Fetch reads the document with ID key and decodes it into V.
func (s *FirestoreSource[V]) Fetch(ctx context.Context, key string) (V, error) {
	var zero V
	snap, err := s.client.Collection(s.collection).Doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return zero, fmt.Errorf("%w: %s/%s", ErrNotFound, s.collection, key)
		}
		s.logger.Error().Err(err).Str("key", key).Msg("Firestore read failed.")
		return zero, fmt.Errorf("firestore get %s/%s: %w", s.collection, key, err)
	}

	var value V
	if err := snap.DataTo(&value); err != nil {
		return zero, fmt.Errorf("decode document %s/%s: %w", s.collection, key, err)
	}
	return value, nil
}

// Close is a no-op; the injected client is owned by the caller.
func (s *FirestoreSource[V]) Close() error {
	return nil
}
