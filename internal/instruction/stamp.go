package instruction

import "sort"

// StampIdentifiers returns a copy of v in which every object's
// "identifier" field is replaced with a fresh id drawn from next.
// Inserted subtrees arrive with identifiers copied from their source
// (duplication, paste between sheets); stamping keeps the id space
// collision-free. Objects are visited in sorted key order so id
// assignment is deterministic.
func StampIdentifiers(v any, next func() string) any {
	switch tv := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(tv))
		keys := make([]string, 0, len(tv))
		for k := range tv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			cp[k] = StampIdentifiers(tv[k], next)
		}
		if _, ok := cp["identifier"]; ok {
			cp["identifier"] = next()
		}
		return cp
	case []any:
		cp := make([]any, len(tv))
		for i, val := range tv {
			cp[i] = StampIdentifiers(val, next)
		}
		return cp
	default:
		return v
	}
}

// NeedsStamping reports whether v contains any "identifier" field, so
// callers can skip the copy for plain values.
func NeedsStamping(v any) bool {
	switch tv := v.(type) {
	case map[string]any:
		if _, ok := tv["identifier"]; ok {
			return true
		}
		for _, val := range tv {
			if NeedsStamping(val) {
				return true
			}
		}
	case []any:
		for _, val := range tv {
			if NeedsStamping(val) {
				return true
			}
		}
	}
	return false
}
