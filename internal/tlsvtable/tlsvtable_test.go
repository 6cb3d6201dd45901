package tlsvtable

import (
	"crypto/tls"
	"testing"
)

func TestClientCreateReturnsTLSConn(t *testing.T) {
	c := ClientCreate("example.com", nil)
	defer c.Destroy()
	if c.tlsConn == nil {
		t.Fatal("expected a non-nil tls.Conn")
	}
}

func TestClientCreatePreservesExplicitServerName(t *testing.T) {
	cfg := &tls.Config{ServerName: "override.example.com"}
	c := ClientCreate("example.com", cfg)
	defer c.Destroy()
	if cfg.ServerName != "override.example.com" {
		t.Fatal("caller's config must not be mutated")
	}
}

func TestFeedAndDrainCiphertext(t *testing.T) {
	c := ClientCreate("example.com", nil)
	defer c.Destroy()

	c.FeedCiphertext([]byte("hello"))
	if c.inbound.Len() != 5 {
		t.Fatalf("expected 5 buffered bytes, got %d", c.inbound.Len())
	}

	c.outbound.WriteString("world")
	out := c.DrainCiphertext()
	if string(out) != "world" {
		t.Fatalf("got %q", out)
	}
	if c.outbound.Len() != 0 {
		t.Fatal("DrainCiphertext must clear the buffer")
	}
}

func TestErrNilUntilSet(t *testing.T) {
	c := ClientCreate("example.com", nil)
	defer c.Destroy()
	if c.Err() != nil {
		t.Fatal("expected no error before any I/O")
	}
}
