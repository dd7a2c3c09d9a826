package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestLimiter(points int) *Limiter {
	return New(Config{
		Points: points,
		Window: time.Minute,
		Scope:  "test",
	}, zerolog.Nop())
}

func TestAdmitRejectsWhenBucketDrained(t *testing.T) {
	l := newTestLimiter(100)

	for i := 0; i < 100; i++ {
		if !l.Admit("10.0.0.1") {
			t.Fatalf("admission %d should be within the bucket", i+1)
		}
	}
	if l.Admit("10.0.0.1") {
		t.Fatal("101st admission within the window must be rejected")
	}
}

func TestBucketsAreIndependentPerSource(t *testing.T) {
	l := newTestLimiter(10)

	for i := 0; i < 10; i++ {
		l.Admit("10.0.0.1")
	}
	if l.Admit("10.0.0.1") {
		t.Fatal("first source must be drained")
	}
	if !l.Admit("10.0.0.2") {
		t.Fatal("second source must have its own fresh bucket")
	}
}

func TestCleanupEvictsStaleBuckets(t *testing.T) {
	l := newTestLimiter(10)

	for i := 0; i < 5; i++ {
		l.Admit(fmt.Sprintf("10.0.0.%d", i))
	}
	if l.Tracked() != 5 {
		t.Fatalf("tracked = %d, want 5", l.Tracked())
	}

	// Nothing is stale yet.
	if removed := l.Cleanup(time.Now()); removed != 0 {
		t.Fatalf("cleanup removed %d fresh buckets", removed)
	}

	// Everything is stale a full window later.
	if removed := l.Cleanup(time.Now().Add(2 * time.Minute)); removed != 5 {
		t.Fatalf("cleanup removed %d, want 5", removed)
	}
	if l.Tracked() != 0 {
		t.Fatalf("tracked after cleanup = %d, want 0", l.Tracked())
	}
}

func TestAdmissionResumesAfterRefill(t *testing.T) {
	// A 50ms window keeps this test fast; refill rate is derived from
	// points/window, so draining and waiting a full window restores the
	// bucket.
	l := New(Config{Points: 5, Window: 50 * time.Millisecond, Scope: "test"}, zerolog.Nop())

	for i := 0; i < 5; i++ {
		l.Admit("10.0.0.1")
	}
	if l.Admit("10.0.0.1") {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(60 * time.Millisecond)

	if !l.Admit("10.0.0.1") {
		t.Fatal("admission must resume after the refill window")
	}
}
