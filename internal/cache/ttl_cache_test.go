package cache

import (
	"testing"
	"time"
)

func TestTTLCacheExpiresEntries(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("agents", 3, time.Millisecond)

	if v, ok := c.Get("agents"); !ok || v != 3 {
		t.Fatalf("Get = %d, %v before expiry", v, ok)
	}

	time.Sleep(10 * time.Millisecond)
	if _, ok := c.Get("agents"); ok {
		t.Fatal("expected miss after TTL elapsed")
	}
}

func TestTTLCacheZeroTTLNeverExpires(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("agents", 7, 0)
	if v, ok := c.Get("agents"); !ok || v != 7 {
		t.Fatalf("Get = %d, %v, want persistent entry", v, ok)
	}
}

func TestNilCacheIsSafe(t *testing.T) {
	var c *TTLCache[string, int]
	c.Set("agents", 1, time.Minute)
	if _, ok := c.Get("agents"); ok {
		t.Fatal("nil cache returned a hit")
	}
	c.Delete("agents")
}
