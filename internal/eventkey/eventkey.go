// Package eventkey derives the canonical event-bus key for a user event
// path, per spec §4.6. Both the Channel endpoint's event router and any
// path-based subscription helper use this single rule so a nested
// subscribe and a matching inbound EVENT always agree on a key.
package eventkey

import (
	"encoding/json"
	"strconv"
)

// Builtins are the four reserved single-segment event names that bypass
// canonical-path encoding when subscribed under the empty prefix.
var Builtins = map[string]bool{
	"ready": true,
	"error": true,
	"close": true,
	"state": true,
}

// Canonical derives the dispatch key for an explicit event path of
// string/number segments. It always JSON-encodes the full segment list,
// with no builtin bypass — per spec §4.6, a path-based subscription or
// EVENT, even a single-element one like ["state"], is how a custom event
// is kept distinct from the built-in notification of the same bare name.
//
// Numeric segments are coerced to their string form before encoding, per
// the recommendation in spec §9 for resolving the "numeric vs string
// segments" ambiguity: ["a", 1] and ["a", "1"] share a canonical key.
func Canonical(path []any) string {
	segs := make([]string, len(path))
	for i, p := range path {
		segs[i] = toString(p)
	}
	b, err := json.Marshal(segs)
	if err != nil {
		// Segments are always strings by construction; Marshal cannot fail.
		return ""
	}
	return string(b)
}

// CanonicalBare derives the dispatch key for a subscription made under a
// bare event name with no explicit path prefix (spec §4.6's no-prefix
// single-string form). A builtin name ("ready"/"error"/"close"/"state")
// maps to that literal name; any other name falls back to Canonical.
func CanonicalBare(name string) string {
	if Builtins[name] {
		return name
	}
	return Canonical([]any{name})
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
