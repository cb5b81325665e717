package keyspace

import (
	"testing"
	"time"
)

func TestSetGetRoundTrip(t *testing.T) {
	ks := New()
	ks.Set("foo", []byte("bar"), nil)

	v, ok := ks.Get("foo")
	if !ok {
		t.Fatal("expected key to be present")
	}
	if string(v) != "bar" {
		t.Fatalf("got %q, want bar", v)
	}
}

func TestGetMissingKey(t *testing.T) {
	ks := New()
	if _, ok := ks.Get("absent"); ok {
		t.Fatal("expected miss for absent key")
	}
}

func TestSetOverwrites(t *testing.T) {
	ks := New()
	ks.Set("k", []byte("v1"), nil)
	ks.Set("k", []byte("v2"), nil)

	v, ok := ks.Get("k")
	if !ok || string(v) != "v2" {
		t.Fatalf("got (%q, %v), want v2", v, ok)
	}
}

func TestExpiryWithinWindow(t *testing.T) {
	ks := New()
	px := int64(50)
	ks.Set("a", []byte("1"), &px)

	if _, ok := ks.Get("a"); !ok {
		t.Fatal("expected key to still be present within expiry window")
	}
}

func TestExpiryAfterWindow(t *testing.T) {
	ks := New()
	px := int64(10)
	ks.Set("a", []byte("1"), &px)

	time.Sleep(20 * time.Millisecond)

	if _, ok := ks.Get("a"); ok {
		t.Fatal("expected key to be expired")
	}
}

func TestKeysReturnsLiveKeys(t *testing.T) {
	ks := New()
	ks.Set("a", []byte("1"), nil)
	ks.Set("b", []byte("2"), nil)

	keys := ks.Keys()
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2", len(keys))
	}
}

func TestKeysDropsExpired(t *testing.T) {
	ks := New()
	px := int64(10)
	ks.Set("a", []byte("1"), &px)
	ks.Set("b", []byte("2"), nil)

	time.Sleep(20 * time.Millisecond)

	keys := ks.Keys()
	if len(keys) != 1 || keys[0] != "b" {
		t.Fatalf("got %v, want only [b]", keys)
	}
}

func TestInsertSeededWithAbsoluteExpiry(t *testing.T) {
	ks := New()
	past := time.Now().Add(-time.Hour)
	ks.InsertSeeded("stale", []byte("v"), past)

	if _, ok := ks.Get("stale"); ok {
		t.Fatal("expected seeded past-expiry entry to read as absent")
	}

	future := time.Now().Add(time.Hour)
	ks.InsertSeeded("fresh", []byte("v"), future)
	if v, ok := ks.Get("fresh"); !ok || string(v) != "v" {
		t.Fatalf("got (%q, %v)", v, ok)
	}
}
