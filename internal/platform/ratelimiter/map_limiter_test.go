package ratelimiter

import (
	"testing"
	"time"
)

func TestAllowConsumesBurstPerKey(t *testing.T) {
	l := New(1, 2, time.Minute)
	now := time.Unix(1_700_000_000, 0)

	if !l.Allow("a", now) || !l.Allow("a", now) {
		t.Fatal("burst must admit the first two requests")
	}
	if l.Allow("a", now) {
		t.Fatal("third request within the burst window must be rejected")
	}
	// Keys are independent buckets.
	if !l.Allow("b", now) {
		t.Fatal("a different key must have its own bucket")
	}
	// Tokens refill with time.
	if !l.Allow("a", now.Add(2*time.Second)) {
		t.Fatal("refilled bucket must admit again")
	}
}

func TestNilAndEmptyKeyAllowEverything(t *testing.T) {
	var l *MapLimiter
	if !l.Allow("a", time.Now()) {
		t.Fatal("nil limiter must allow")
	}
	if New(0, 10, 0) != nil || New(10, 0, 0) != nil {
		t.Fatal("invalid args must produce a nil (disabled) limiter")
	}
	l = New(1, 1, 0)
	now := time.Unix(1_700_000_000, 0)
	if !l.Allow("  ", now) || !l.Allow("", now) {
		t.Fatal("blank keys are never limited")
	}
}

func TestIdleEntriesAreEvicted(t *testing.T) {
	l := New(1000, 1000, time.Second)
	now := time.Unix(1_700_000_000, 0)
	l.Allow("old", now)

	// Drive enough hits past the TTL to trigger the periodic sweep.
	later := now.Add(time.Minute)
	for i := 0; i < 600; i++ {
		l.Allow("fresh", later)
	}

	l.mu.Lock()
	_, ok := l.byKey["old"]
	l.mu.Unlock()
	if ok {
		t.Fatal("idle entry must be evicted by the sweep")
	}
}
