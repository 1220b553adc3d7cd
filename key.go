package querycache

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Key identifies a query: an ordered list of opaque terms, e.g.
//
//	querycache.Key{"todos", "list", map[string]any{"done": false, "page": 2}}
//
// Two keys address the same cache entry iff their fingerprints are equal.
// Terms must be JSON-serializable; anything else fails the operation with
// a fingerprint error.
type Key []any

// Fingerprint returns the canonical serialized form of the key. Terms are
// normalized first, so map members land in sorted order and structurally
// equal terms of different Go types (a struct and the map it marshals to,
// an int and a float holding the same number) produce the same
// fingerprint. List order stays significant.
func (k Key) Fingerprint() (string, error) {
	norm, err := k.normalize()
	if err != nil {
		return "", err
	}
	return fingerprintNorm(norm)
}

func fingerprintNorm(norm []any) (string, error) {
	buf, err := json.Marshal(norm)
	if err != nil {
		return "", fmt.Errorf("querycache: fingerprint key: %w", err)
	}
	return string(buf), nil
}

// normalize round-trips the key through its serialized form so that
// structurally equal terms of different Go types (a struct and the map it
// marshals to, an int and a float holding the same number) compare equal
// during partial matching.
func (k Key) normalize() ([]any, error) {
	raw, err := json.Marshal(k)
	if err != nil {
		return nil, fmt.Errorf("querycache: normalize key: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out []any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("querycache: normalize key: %w", err)
	}
	return out, nil
}

// matchesPrefix reports whether search matches key term-by-term from the
// front. Map terms match on subset: every member of the search map must
// match the corresponding member of the key map, extra key members are
// ignored. Both arguments must be normalized.
func matchesPrefix(key, search []any) bool {
	if len(search) > len(key) {
		return false
	}
	for i := range search {
		if !partialDeepEqual(key[i], search[i]) {
			return false
		}
	}
	return true
}

// partialDeepEqual reports whether want matches have, where maps in want
// are subset patterns and lists in want are prefix patterns.
func partialDeepEqual(have, want any) bool {
	switch w := want.(type) {
	case map[string]any:
		h, ok := have.(map[string]any)
		if !ok {
			return false
		}
		for k, wv := range w {
			hv, ok := h[k]
			if !ok {
				return false
			}
			if !partialDeepEqual(hv, wv) {
				return false
			}
		}
		return true
	case []any:
		h, ok := have.([]any)
		if !ok {
			return false
		}
		if len(w) > len(h) {
			return false
		}
		for i := range w {
			if !partialDeepEqual(h[i], w[i]) {
				return false
			}
		}
		return true
	default:
		// normalized scalars: json.Number, string, bool, nil
		return have == want
	}
}
