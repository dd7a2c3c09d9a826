package nodes

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mindcreek/non-messenger/internal/clock"
)

func TestRegisterIsIdempotent(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := New(clk, zerolog.Nop(), nil)

	r.Register("http://peer-a:3000", "pk-a")
	r.Register("http://peer-a:3000", "pk-a")

	if r.Count() != 1 {
		t.Fatalf("count = %d, want 1", r.Count())
	}
}

func TestRegisterRefreshesLastSeenAndKey(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := New(clk, zerolog.Nop(), nil)

	r.Register("http://peer-a:3000", "pk-old")
	first := r.List()[0].LastSeen

	clk.Advance(time.Hour)
	r.Register("http://peer-a:3000", "pk-new")

	entry := r.List()[0]
	if !entry.LastSeen.After(first) {
		t.Fatal("re-registration must refresh last_seen")
	}
	if entry.PublicKey != "pk-new" {
		t.Fatalf("public key = %q, want pk-new", entry.PublicKey)
	}
}

func TestSeedsPopulateRegistry(t *testing.T) {
	clk := clock.NewFake(time.Now())
	r := New(clk, zerolog.Nop(), []string{"http://peer-a:3000", "http://peer-b:3000", ""})

	if r.Count() != 2 {
		t.Fatalf("count = %d, want 2 (empty seed skipped)", r.Count())
	}
}

func TestListReturnsSnapshot(t *testing.T) {
	clk := clock.NewFake(time.Now())
	r := New(clk, zerolog.Nop(), nil)

	r.Register("http://peer-a:3000", "pk-a")
	r.Register("http://peer-b:3000", "pk-b")

	urls := make(map[string]bool)
	for _, e := range r.List() {
		urls[e.NodeURL] = true
	}
	if !urls["http://peer-a:3000"] || !urls["http://peer-b:3000"] {
		t.Fatalf("list missing peers: %v", urls)
	}
}
