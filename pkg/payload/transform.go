package payload

// RenameKeys returns a copy of v with object keys renamed per mapping at
// every depth, including objects nested inside arrays. Values themselves are
// never altered and keys absent from the mapping pass through unchanged.
func RenameKeys(v Value, mapping map[string]string) Value {
	if len(mapping) == 0 {
		return v
	}
	switch v.Kind {
	case KindObject:
		out := make(map[string]Value, len(v.Fields))
		for name, field := range v.Fields {
			if _, renamed := mapping[name]; renamed {
				continue
			}
			out[name] = RenameKeys(field, mapping)
		}
		// Renamed keys win when a target name collides with a passthrough
		// key, keeping the result independent of map iteration order.
		for name, field := range v.Fields {
			if target, renamed := mapping[name]; renamed {
				out[target] = RenameKeys(field, mapping)
			}
		}
		return Value{Kind: KindObject, Fields: out}
	case KindArray:
		if len(v.Items) == 0 {
			return v
		}
		items := make([]Value, len(v.Items))
		for i, item := range v.Items {
			items[i] = RenameKeys(item, mapping)
		}
		return Value{Kind: KindArray, Items: items}
	default:
		return v
	}
}

// Transform decodes raw payload bytes, renames keys per keyMapping, and
// serializes the result. It has no failure mode and no side effects: the
// returned bytes are always a JSON object, so callers can republish them
// without further checks.
func Transform(raw []byte, keyMapping map[string]string) (Value, []byte) {
	v := RenameKeys(Decode(raw), keyMapping)
	return v, v.JSON()
}
