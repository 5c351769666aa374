package server

import (
	"testing"
	"time"
)

func TestFixedWindowLimiterCapsPerKey(t *testing.T) {
	limiter := newFixedWindowLimiter(2, time.Minute)

	if !limiter.Allow("10.0.0.1") || !limiter.Allow("10.0.0.1") {
		t.Fatal("requests under the limit were refused")
	}
	if limiter.Allow("10.0.0.1") {
		t.Fatal("request over the limit was allowed")
	}
	if !limiter.Allow("10.0.0.2") {
		t.Fatal("a different caller was throttled by another caller's window")
	}
}

func TestFixedWindowLimiterRefusesEmptyKey(t *testing.T) {
	limiter := newFixedWindowLimiter(2, time.Minute)
	if limiter.Allow("") {
		t.Fatal("empty key was allowed")
	}
}
