package cache

import (
	"testing"
	"time"
)

func TestCacheSetGet(t *testing.T) {
	c := New[string](time.Minute)

	c.Set("a", "one")
	got, ok := c.Get("a")
	if !ok || got != "one" {
		t.Fatalf("expected hit with %q, got %q ok=%v", "one", got, ok)
	}

	if _, ok := c.Get("missing"); ok {
		t.Errorf("expected miss for absent key")
	}
}

func TestCacheExpiry(t *testing.T) {
	c := New[int](time.Minute)

	c.SetWithTTL("n", 7, -time.Second)
	if _, ok := c.Get("n"); ok {
		t.Errorf("expected expired entry to read as absent")
	}
}

func TestCacheDeleteAndClear(t *testing.T) {
	c := New[int](time.Minute)

	c.Set("a", 1)
	c.Set("b", 2)

	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Errorf("expected deleted key to be absent")
	}

	c.Clear()
	if _, ok := c.Get("b"); ok {
		t.Errorf("expected cleared cache to be empty")
	}
}
