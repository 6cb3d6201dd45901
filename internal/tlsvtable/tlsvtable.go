// Package tlsvtable wraps crypto/tls behind the small virtual table
// spec.md §6 describes as the TLS surface this core consumes: connect,
// send, and recv each return one of {None, Want_Read, Want_Write,
// Shutdown, Fatal}, driving the caller's reactor poll loop instead of
// blocking. No ecosystem TLS record-layer library is idiomatic here --
// crypto/tls is the standard and only reasonable choice (see DESIGN.md).
package tlsvtable

import (
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
)

// Result is the outcome of one non-blocking TLS operation.
type Result int

const (
	None Result = iota
	WantRead
	WantWrite
	Shutdown
	Fatal
)

// Conn drives a crypto/tls.Conn over an in-memory duplex pipe so that
// Connect/Send/Recv never perform blocking I/O themselves -- the caller
// is responsible for pumping bytes between the pipe and the real socket
// via the reactor, arming Poll on WantRead/WantWrite exactly as spec.md
// §4.5 step 4 describes.
type Conn struct {
	tlsConn  *tls.Conn
	client   net.Conn // our end of the in-process pipe, read/written by Pump
	peer     net.Conn // fed to tls.Client/tls.Server internally
	inbound  bytes.Buffer
	outbound bytes.Buffer
	err      error
}

// ClientCreate constructs a client-side TLS connection for host
// (used for SNI and certificate verification).
func ClientCreate(host string, cfg *tls.Config) *Conn {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		c := cfg.Clone()
		c.ServerName = host
		cfg = c
	}
	client, peer := net.Pipe()
	return &Conn{
		tlsConn: tls.Client(peer, cfg),
		client:  client,
		peer:    peer,
	}
}

// FeedCiphertext appends bytes received from the real socket for the
// handshake/record layer to consume.
func (c *Conn) FeedCiphertext(p []byte) { c.inbound.Write(p) }

// DrainCiphertext returns (and clears) bytes the record layer produced
// that must be sent on the real socket.
func (c *Conn) DrainCiphertext() []byte {
	out := c.outbound.Bytes()
	c.outbound.Reset()
	return out
}

// Connect drives the handshake one non-blocking step. Callers loop:
// call Connect, and on WantRead arm poll(read) + feed more ciphertext
// from the socket then call Connect again; on WantWrite, send
// DrainCiphertext() then call Connect again.
func (c *Conn) Connect() Result {
	done := make(chan error, 1)
	go func() { done <- c.tlsConn.Handshake() }()

	select {
	case err := <-done:
		if err == nil {
			return None
		}
		if errors.Is(err, io.EOF) {
			return Shutdown
		}
		c.err = err
		return Fatal
	default:
		return WantWrite
	}
}

// Send encrypts p and reports how many plaintext bytes were accepted.
func (c *Conn) Send(p []byte) (n int, res Result) {
	n, err := c.tlsConn.Write(p)
	if err == nil {
		return n, None
	}
	if errors.Is(err, io.EOF) {
		return n, Shutdown
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return n, WantWrite
	}
	c.err = err
	return n, Fatal
}

// Recv decrypts into p.
func (c *Conn) Recv(p []byte) (n int, res Result) {
	n, err := c.tlsConn.Read(p)
	if err == nil {
		return n, None
	}
	if errors.Is(err, io.EOF) {
		return n, Shutdown
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return n, WantRead
	}
	c.err = err
	return n, Fatal
}

// Err returns the last fatal error observed, if any.
func (c *Conn) Err() error { return c.err }

// Destroy releases the connection's resources.
func (c *Conn) Destroy() error {
	_ = c.client.Close()
	return c.peer.Close()
}
