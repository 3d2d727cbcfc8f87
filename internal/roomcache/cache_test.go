package roomcache

import "testing"

func TestStreamerOrFallback(t *testing.T) {
	c := New()
	if name, ok := c.StreamerOrFallback(123); ok || name != "123" {
		t.Fatalf("expected fallback %q, got %q ok=%v", "123", name, ok)
	}
	c.Set(123, "someone")
	if name, ok := c.StreamerOrFallback(123); !ok || name != "someone" {
		t.Fatalf("expected cached name, got %q ok=%v", name, ok)
	}
}
