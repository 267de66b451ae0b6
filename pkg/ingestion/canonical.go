package ingestion

import (
	"fmt"
	"sort"
	"strings"

	"github.com/illmade-knight/go-curation/pkg/payload"
	"github.com/illmade-knight/go-curation/pkg/types"
)

// CanonicalText renders a message as "topic key=value ..." with top-level
// keys sorted, a stable flat form suitable for search and embedding input.
// It is the default canonicalizer; callers wanting the raw payload only can
// pass a nil Canonicalizer instead.
func CanonicalText(msg types.RawMessage) string {
	decoded := payload.Decode(msg.Payload)

	keys := make([]string, 0, len(decoded.Fields))
	for key := range decoded.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(msg.Topic)
	for _, key := range keys {
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(renderValue(decoded.Fields[key]))
	}
	return b.String()
}

func renderValue(v payload.Value) string {
	switch v.Kind {
	case payload.KindNull:
		return "null"
	case payload.KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case payload.KindNumber:
		return v.Number.String()
	case payload.KindString:
		return v.Str
	default:
		// Nested structures stay JSON-shaped in the flat form.
		return string(v.JSON())
	}
}
