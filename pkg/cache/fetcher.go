// Package cache provides the two caching shapes the curation services use: a
// periodically refreshed snapshot of a whole collection for hot-path lookups,
// and a layered point-read fetcher chain for larger data sets that cannot be
// held wholesale.
package cache

import (
	"context"
	"io"
)

// Fetcher retrieves a value by key. Implementations may be a cache layer
// that falls through to a slower Fetcher on a miss, or a terminal source of
// truth. A miss with no fallback is returned as an error.
type Fetcher[V any] interface {
	Fetch(ctx context.Context, key string) (V, error)
	io.Closer
}
