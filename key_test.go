package querycache

import (
	"testing"
)

func mustFingerprint(t *testing.T, k Key) string {
	t.Helper()
	fp, err := k.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint(%v): %v", k, err)
	}
	return fp
}

func mustNormalize(t *testing.T, k Key) []any {
	t.Helper()
	n, err := k.normalize()
	if err != nil {
		t.Fatalf("normalize(%v): %v", k, err)
	}
	return n
}

// ==============================
// Fingerprint tests
// ==============================

// TestFingerprintMapOrderIndependent verifies that map terms fingerprint
// identically regardless of how the map was built, while list order stays
// significant.
func TestFingerprintMapOrderIndependent(t *testing.T) {
	a := Key{"todos", map[string]any{"page": 2, "done": false, "tag": "home"}}
	b := Key{"todos", map[string]any{"tag": "home", "done": false, "page": 2}}
	if mustFingerprint(t, a) != mustFingerprint(t, b) {
		t.Fatalf("maps with same members should fingerprint equal:\n a=%s\n b=%s",
			mustFingerprint(t, a), mustFingerprint(t, b))
	}

	c := Key{map[string]any{"page": 2}, "todos"}
	if mustFingerprint(t, a) == mustFingerprint(t, c) {
		t.Fatalf("list order must be significant")
	}
}

// TestFingerprintStructAndMapEquivalent: a struct term and the map it
// serializes to address the same entry.
func TestFingerprintStructAndMapEquivalent(t *testing.T) {
	type listFilter struct {
		Done bool `json:"done"`
		Page int  `json:"page"`
	}
	a := Key{"todos", listFilter{Done: true, Page: 1}}
	b := Key{"todos", map[string]any{"page": 1, "done": true}}
	if mustFingerprint(t, a) != mustFingerprint(t, b) {
		t.Fatalf("struct and equivalent map should fingerprint equal:\n a=%s\n b=%s",
			mustFingerprint(t, a), mustFingerprint(t, b))
	}
}

// TestFingerprintRejectsUnserializable: terms the serializer cannot handle
// fail with an error instead of producing a bogus identity.
func TestFingerprintRejectsUnserializable(t *testing.T) {
	if _, err := (Key{"bad", make(chan int)}).Fingerprint(); err == nil {
		t.Fatalf("expected error for channel key term")
	}
}

// TestFingerprintDistinguishesScalars: near-miss keys must not collide.
func TestFingerprintDistinguishesScalars(t *testing.T) {
	pairs := [][2]Key{
		{{"todos"}, {"todos", nil}},
		{{"todos", 1}, {"todos", "1"}},
		{{"todos", true}, {"todos", "true"}},
	}
	for _, p := range pairs {
		if mustFingerprint(t, p[0]) == mustFingerprint(t, p[1]) {
			t.Fatalf("keys %v and %v must not collide", p[0], p[1])
		}
	}
}

// ==============================
// Partial match tests
// ==============================

func TestMatchesPrefix(t *testing.T) {
	full := mustNormalize(t, Key{"todos", "list", map[string]any{"done": false, "page": 2}})

	t.Run("shorter_prefix_matches", func(t *testing.T) {
		search := mustNormalize(t, Key{"todos"})
		if !matchesPrefix(full, search) {
			t.Fatalf("[todos] should match [todos list {...}]")
		}
	})

	t.Run("map_subset_matches", func(t *testing.T) {
		search := mustNormalize(t, Key{"todos", "list", map[string]any{"done": false}})
		if !matchesPrefix(full, search) {
			t.Fatalf("map subset should match")
		}
	})

	t.Run("map_mismatch_rejected", func(t *testing.T) {
		search := mustNormalize(t, Key{"todos", "list", map[string]any{"done": true}})
		if matchesPrefix(full, search) {
			t.Fatalf("map member mismatch should not match")
		}
	})

	t.Run("map_extra_member_rejected", func(t *testing.T) {
		search := mustNormalize(t, Key{"todos", "list", map[string]any{"done": false, "owner": "ada"}})
		if matchesPrefix(full, search) {
			t.Fatalf("search member absent from key should not match")
		}
	})

	t.Run("longer_search_rejected", func(t *testing.T) {
		search := mustNormalize(t, Key{"todos", "list", map[string]any{"done": false}, "extra"})
		if matchesPrefix(full, search) {
			t.Fatalf("search longer than key should not match")
		}
	})

	t.Run("numeric_types_unified", func(t *testing.T) {
		key := mustNormalize(t, Key{"todos", 5})
		search := mustNormalize(t, Key{"todos", float64(5)})
		if !matchesPrefix(key, search) {
			t.Fatalf("int 5 and float64 5 should match after normalization")
		}
	})

	t.Run("scalar_vs_map_rejected", func(t *testing.T) {
		key := mustNormalize(t, Key{"todos", "list"})
		search := mustNormalize(t, Key{"todos", map[string]any{"x": 1}})
		if matchesPrefix(key, search) {
			t.Fatalf("map pattern must not match scalar term")
		}
	})
}
