package reputation

import (
	"testing"
	"time"
)

func TestPenalizeAccumulatesStrikes(t *testing.T) {
	tbl := New(DefaultConfig())

	if got := tbl.Strikes("peer-a"); got != 0 {
		t.Fatalf("Strikes before any penalty = %d, want 0", got)
	}

	tbl.Penalize("peer-a", "hash_mismatch")
	tbl.Penalize("peer-a", "bad_signature")
	tbl.Penalize("peer-b", "hash_mismatch")

	if got := tbl.Strikes("peer-a"); got != 2 {
		t.Fatalf("Strikes(peer-a) = %d, want 2", got)
	}
	if got := tbl.Strikes("peer-b"); got != 1 {
		t.Fatalf("Strikes(peer-b) = %d, want 1", got)
	}
	if got := tbl.Strikes("peer-c"); got != 0 {
		t.Fatalf("Strikes(peer-c) = %d, want 0 (never penalized)", got)
	}
}

func TestStrikesDecayAfterWindow(t *testing.T) {
	tbl := New(Config{Window: time.Millisecond})
	tbl.Penalize("peer-a", "hash_mismatch")
	if got := tbl.Strikes("peer-a"); got != 1 {
		t.Fatalf("Strikes immediately after penalty = %d, want 1", got)
	}

	time.Sleep(5 * time.Millisecond)
	if got := tbl.Strikes("peer-a"); got != 0 {
		t.Fatalf("Strikes after window elapsed = %d, want 0", got)
	}

	// A fresh strike after decay starts the count over rather than adding
	// to the stale total.
	tbl.Penalize("peer-a", "hash_mismatch")
	if got := tbl.Strikes("peer-a"); got != 1 {
		t.Fatalf("Strikes after re-penalizing post-decay = %d, want 1", got)
	}
}
