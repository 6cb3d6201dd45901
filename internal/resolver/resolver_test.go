package resolver

import (
	"net/netip"
	"testing"
	"time"
)

func TestResolveLiteralIPv4SkipsQuery(t *testing.T) {
	r := New("")
	var got netip.Addr
	var gotErr error
	r.Resolve("127.0.0.1", func(addr netip.Addr, err error) {
		got, gotErr = addr, err
	})
	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if got.String() != "127.0.0.1" {
		t.Fatalf("got %v", got)
	}
}

func TestResolveLiteralIPv6SkipsQuery(t *testing.T) {
	r := New("")
	var got netip.Addr
	r.Resolve("::1", func(addr netip.Addr, err error) {
		got = addr
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
	if got.String() != "::1" {
		t.Fatalf("got %v", got)
	}
}

func TestResolveUsesCacheWithoutQuerying(t *testing.T) {
	r := New("")
	want := netip.MustParseAddr("203.0.113.5")
	r.cache["cached.example"] = cacheEntry{addr: want, expires: time.Now().Add(time.Minute)}

	var got netip.Addr
	var called bool
	r.Resolve("cached.example", func(addr netip.Addr, err error) {
		called = true
		got = addr
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
	if !called {
		t.Fatal("callback was not invoked synchronously for a cache hit")
	}
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNewDefaultsUpstream(t *testing.T) {
	r := New("")
	if r.upstream != "8.8.8.8:53" {
		t.Fatalf("got %q", r.upstream)
	}
	r2 := New("1.1.1.1:53")
	if r2.upstream != "1.1.1.1:53" {
		t.Fatalf("got %q", r2.upstream)
	}
}
