package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterBurstThenRetry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(2)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow("client"); !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	ok, retry := l.Allow("client")
	if ok || retry != 30 {
		t.Fatalf("expected rejection with 30s retry, got %v %d", ok, retry)
	}
	if ok, _ := l.Allow("other"); !ok {
		t.Fatalf("buckets must be per client")
	}

	now = now.Add(31 * time.Second)
	if ok, _ := l.Allow("client"); !ok {
		t.Fatalf("expected a refilled token")
	}
}

func TestNilLimiterAllows(t *testing.T) {
	l := New(0)
	if l != nil {
		t.Fatalf("expected nil limiter for rpm 0")
	}
	if ok, _ := l.Allow("x"); !ok {
		t.Fatalf("nil limiter must allow")
	}
	l.Prune()
}

func TestPrune(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(60)
	l.now = func() time.Time { return now }
	l.Allow("a")
	now = now.Add(5 * time.Minute)
	l.Prune()
	if len(l.buckets) != 0 {
		t.Fatalf("expected idle bucket pruned, got %d", len(l.buckets))
	}
}
