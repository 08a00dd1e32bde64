package chat

import (
	"testing"

	"slopestream-core/internal/models"
)

// TestResolveHistoryLimitDefaultsAndCaps covers spec testable property 6
// and the maintainer-flagged conflation of the wire-contract ceiling
// (100) with the HOT cache bound.
func TestResolveHistoryLimitDefaultsAndCaps(t *testing.T) {
	const cacheSize = 50

	cases := []struct {
		name          string
		requested     int
		wantLimit     int
		wantCacheSize int
	}{
		{"zero uses cache size as default", 0, cacheSize, cacheSize},
		{"negative uses cache size as default", -1, cacheSize, cacheSize},
		{"within cache bound passes through unchanged", 10, 10, 10},
		{"above cache bound but within wire ceiling is honored against WARM", 75, 75, cacheSize},
		{"at wire ceiling is honored", 100, 100, cacheSize},
		{"above wire ceiling is clamped to 100", 500, 100, cacheSize},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			limit, cacheLimit := resolveHistoryLimit(c.requested, cacheSize)
			if limit != c.wantLimit {
				t.Errorf("limit = %d, want %d", limit, c.wantLimit)
			}
			if cacheLimit != c.wantCacheSize {
				t.Errorf("cacheLimit = %d, want %d", cacheLimit, c.wantCacheSize)
			}
		})
	}
}

// TestChronologicalReversesNewestFirst covers spec §4.4 step 3 / testable
// scenario S6: a WARM cache-miss must return chronological order even
// though the WARM query itself is ORDER BY sent_at DESC.
func TestChronologicalReversesNewestFirst(t *testing.T) {
	newestFirst := []models.Message{
		{ID: "3"}, {ID: "2"}, {ID: "1"},
	}

	got := chronological(newestFirst)

	want := []string{"1", "2", "3"}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("got[%d].ID = %q, want %q", i, got[i].ID, id)
		}
	}

	// the input slice must not be mutated, since the caller also uses it
	// (in its original order) to prime the HOT cache.
	if newestFirst[0].ID != "3" {
		t.Errorf("chronological mutated its input: newestFirst[0].ID = %q, want %q", newestFirst[0].ID, "3")
	}
}

func TestChronologicalEmpty(t *testing.T) {
	if got := chronological(nil); len(got) != 0 {
		t.Errorf("expected empty slice, got %v", got)
	}
}
