// Package enrichment decorates message records with reference data looked up
// through a fetcher chain before the records are persisted. Enrichment is
// best effort: a fetch failure degrades the record, it never blocks or fails
// the batch.
package enrichment

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-curation/pkg/cache"
	"github.com/illmade-knight/go-curation/pkg/ingestion"
	"github.com/illmade-knight/go-curation/pkg/types"
)

// KeyExtractor derives the lookup key for a record. It returns false when the
// record carries no usable key, in which case enrichment is skipped.
type KeyExtractor func(rec *types.MessageRecord) (string, bool)

// Applier writes fetched reference data onto the record.
type Applier[V any] func(rec *types.MessageRecord, data V)

// NewRecordEnricher builds an ingestion.RecordEnricher from a fetcher chain.
// A missing key skips the record silently; a fetch error is logged and the
// record continues un-enriched.
func NewRecordEnricher[V any](
	fetcher cache.Fetcher[V],
	keyEx KeyExtractor,
	applier Applier[V],
	logger zerolog.Logger,
) (ingestion.RecordEnricher, error) {
	if fetcher == nil || keyEx == nil || applier == nil {
		return nil, errors.New("fetcher, key extractor, and applier cannot be nil")
	}

	enrichLogger := logger.With().Str("component", "RecordEnricher").Logger()

	return func(ctx context.Context, rec *types.MessageRecord) {
		key, ok := keyEx(rec)
		if !ok {
			return
		}
		data, err := fetcher.Fetch(ctx, key)
		if err != nil {
			enrichLogger.Warn().Err(err).
				Str("message_id", rec.MessageID).
				Str("key", key).
				Msg("Failed to fetch enrichment data, record continues un-enriched.")
			return
		}
		applier(rec, data)
	}, nil
}

// PublisherKeyExtractor keys records by their publisher ID, which the intake
// path derives from the first topic segment.
func PublisherKeyExtractor(rec *types.MessageRecord) (string, bool) {
	if rec.PublisherID == "" {
		return "", false
	}
	return rec.PublisherID, true
}

// ProfileApplier copies the registered publisher name onto the record.
func ProfileApplier(rec *types.MessageRecord, profile types.PublisherProfile) {
	if profile.Name != "" {
		rec.PublisherName = profile.Name
	}
}

// NewPublisherEnricher wires the publisher-profile lookup used by the
// ingestion service: records keyed by publisher ID, enriched with the
// profile's display name.
func NewPublisherEnricher(fetcher cache.Fetcher[types.PublisherProfile], logger zerolog.Logger) (ingestion.RecordEnricher, error) {
	return NewRecordEnricher(fetcher, PublisherKeyExtractor, ProfileApplier, logger)
}
