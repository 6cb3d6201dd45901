package server

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/rduvall/evhttp/internal/body"
	"github.com/rduvall/evhttp/internal/connpool"
	"github.com/rduvall/evhttp/internal/reactor"
)

// fakeReactor is a synchronous, single-connection stand-in for a real
// reactor backend: Recv serves bytes out of an in-memory inbox and Send
// appends to an in-memory outbox, both completing their callback before
// returning. This is enough to drive connection.go's state machine for
// spec.md §8's S1, S2, S4 and S5 scenarios without a live socket/epoll-kqueue
// backend, per the maintainer's note that those properties should be
// exercised end to end rather than argued about in DESIGN.md.
type fakeReactor struct {
	inbox  []byte
	outbox []byte
	closed bool
}

// Recv serves buffered bytes synchronously. Once the inbox is drained it
// does not invoke cb at all, modeling a real backend's EAGAIN-then-Poll
// behavior when no more bytes have arrived yet (as opposed to the peer
// having closed the connection, which these tests never simulate).
func (f *fakeReactor) Recv(sock reactor.FD, buf []byte, all bool, cb func(n int, from netip.AddrPort, err error)) {
	if len(f.inbox) == 0 {
		return
	}
	n := copy(buf, f.inbox)
	f.inbox = f.inbox[n:]
	cb(n, netip.AddrPort{}, nil)
}

func (f *fakeReactor) Send(sock reactor.FD, buf []byte, all bool, cb func(n int, err error)) {
	f.outbox = append(f.outbox, buf...)
	cb(len(buf), nil)
}

func (f *fakeReactor) SendTo(sock reactor.FD, buf []byte, ep netip.AddrPort, cb func(n int, err error)) {
	cb(len(buf), nil)
}

func (f *fakeReactor) Accept(listenFD reactor.FD, cb func(clientFD reactor.FD, peer netip.AddrPort, err error)) {
}

func (f *fakeReactor) Connect(ep netip.AddrPort, cb func(fd reactor.FD, err error)) {}

func (f *fakeReactor) ReadAt(fd reactor.FD, off int64, buf []byte, all bool, cb func(n int, err error)) {
	cb(0, nil)
}

func (f *fakeReactor) WriteAt(fd reactor.FD, off int64, buf []byte, all bool, cb func(n int, err error)) {
	cb(len(buf), nil)
}

func (f *fakeReactor) Seek(fd reactor.FD, off int64, whence int, cb func(pos int64, err error)) {
	cb(0, nil)
}

func (f *fakeReactor) Open(path string, flags int, mode uint32, cb func(fd reactor.FD, err error)) {
	cb(0, nil)
}

func (f *fakeReactor) Close(fd reactor.FD, cb func(ok bool)) {
	f.closed = true
	cb(true)
}

func (f *fakeReactor) Poll(fd reactor.FD, ev reactor.PollEvent, multi bool, cb func(err error)) (cancel func()) {
	return func() {}
}

func (f *fakeReactor) Timeout(d time.Duration, cb func()) (cancel func()) { return func() {} }
func (f *fakeReactor) NextTick(cb func())                                { cb() }
func (f *fakeReactor) Tick(block bool) error                             { return nil }
func (f *fakeReactor) Run() error                                        { return nil }
func (f *fakeReactor) Destroy() error                                    { return nil }
func (f *fakeReactor) NumWaiting() int                                   { return 0 }

func newIntegrationConn(t *testing.T, handler HandlerFunc, opts Options, wire string) (*connection, *fakeReactor) {
	t.Helper()
	opts.setDefaults()
	s := New(handler, opts)
	rx := &fakeReactor{inbox: []byte(wire)}
	w := &worker{id: 0, rx: rx, pool: connpool.New[*connection]()}
	h, slot := w.pool.GetNew()
	c := newConnection(s, w, h, reactor.FD(1), netip.MustParseAddrPort("127.0.0.1:9"), "test-conn")
	*slot = c
	c.startIdle()
	return c, rx
}

func TestIntegrationS1GetWithNoBody(t *testing.T) {
	handler := HandlerFunc(func(w ResponseWriter, r *Request) {
		w.Header().Set("Content-Length", "4")
		_, _ = w.Write([]byte("pong"))
	})
	_, rx := newIntegrationConn(t, handler, Options{}, "GET /ping HTTP/1.1\r\nhost: h\r\n\r\n")

	got := rx.outbox
	if !strings.HasPrefix(string(got), "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("response missing status line: %q", got)
	}
	if !strings.Contains(string(got), "content-length: 4\r\n") {
		t.Fatalf("response missing content-length: %q", got)
	}
	if !strings.HasSuffix(string(got), "\r\n\r\npong") {
		t.Fatalf("response missing body suffix: %q", got)
	}
}

func TestIntegrationS2PostWithContentLength(t *testing.T) {
	var echoed []byte
	handler := HandlerFunc(func(w ResponseWriter, r *Request) {
		r.Body(func(data []byte, err error) {
			if err != nil {
				t.Fatalf("unexpected body error: %v", err)
			}
			echoed = append([]byte(nil), data...)
			w.Header().Set("Content-Length", "5")
			_, _ = w.Write(echoed)
		})
	})
	_, rx := newIntegrationConn(t, handler, Options{},
		"POST /echo HTTP/1.1\r\nhost: h\r\ncontent-length: 5\r\n\r\nhello")

	if string(echoed) != "hello" {
		t.Fatalf("handler saw body %q, want %q", echoed, "hello")
	}
	if !strings.HasPrefix(string(rx.outbox), "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("response missing 200 status: %q", rx.outbox)
	}
	if !strings.HasSuffix(string(rx.outbox), "hello") {
		t.Fatalf("response missing echoed body: %q", rx.outbox)
	}
}

func TestIntegrationS4PayloadTooLarge(t *testing.T) {
	handler := HandlerFunc(func(w ResponseWriter, r *Request) {
		r.Body(func(data []byte, err error) {
			if err == nil {
				t.Fatal("expected a too-long error from the body reader")
			}
			w.WriteHeader(body.StatusFor(err))
		})
	})
	opts := Options{MaxBodyBytes: 1000}
	_, rx := newIntegrationConn(t, handler, opts,
		"POST /upload HTTP/1.1\r\nhost: h\r\ncontent-length: 100000\r\n\r\n")

	if !strings.HasPrefix(string(rx.outbox), "HTTP/1.1 413") {
		t.Fatalf("expected 413 response, got: %q", rx.outbox)
	}
}

func TestIntegrationS5KeepAliveReuseReturnsToIdle(t *testing.T) {
	handler := HandlerFunc(func(w ResponseWriter, r *Request) {
		w.Header().Set("Content-Length", "0")
	})
	wire := "GET / HTTP/1.1\r\nhost: h\r\n\r\nGET / HTTP/1.1\r\nhost: h\r\n\r\n"
	c, rx := newIntegrationConn(t, handler, Options{}, wire)

	if c.state == stateClosing || c.state == stateClosed {
		t.Fatalf("state after two keep-alive requests = %v, want the connection still open and reused", c.state)
	}
	if rx.closed {
		t.Fatal("connection should not have been closed across keep-alive reuse")
	}
	if c.arena.HighWaterMark() != 0 {
		t.Fatalf("arena high-water mark after reset = %d, want 0 (fresh arena)", c.arena.HighWaterMark())
	}
	if n := strings.Count(string(rx.outbox), "HTTP/1.1 200 OK"); n != 2 {
		t.Fatalf("expected two 200 responses on the wire, got %d in %q", n, rx.outbox)
	}
}

func TestIntegrationInvalidMethodIsNotImplemented(t *testing.T) {
	handler := HandlerFunc(func(w ResponseWriter, r *Request) {})
	_, rx := newIntegrationConn(t, handler, Options{}, "FROB / HTTP/1.1\r\nhost: h\r\n\r\n")

	if !strings.HasPrefix(string(rx.outbox), "HTTP/1.1 501") {
		t.Fatalf("expected 501 for an unrecognized method, got: %q", rx.outbox)
	}
}

func TestIntegrationMissingHostOnHTTP11Is400(t *testing.T) {
	handler := HandlerFunc(func(w ResponseWriter, r *Request) {})
	_, rx := newIntegrationConn(t, handler, Options{}, "GET / HTTP/1.1\r\n\r\n")

	if !strings.HasPrefix(string(rx.outbox), "HTTP/1.1 400") {
		t.Fatalf("expected 400 for missing Host on HTTP/1.1, got: %q", rx.outbox)
	}
}

func TestIntegrationDuplicateHostIs400(t *testing.T) {
	handler := HandlerFunc(func(w ResponseWriter, r *Request) {})
	_, rx := newIntegrationConn(t, handler, Options{},
		"GET / HTTP/1.1\r\nhost: a\r\nhost: b\r\n\r\n")

	if !strings.HasPrefix(string(rx.outbox), "HTTP/1.1 400") {
		t.Fatalf("expected 400 for duplicate Host, got: %q", rx.outbox)
	}
}

func TestIntegrationTransferEncodingDropsContentLength(t *testing.T) {
	var gotBody []byte
	handler := HandlerFunc(func(w ResponseWriter, r *Request) {
		r.Body(func(data []byte, err error) {
			if err != nil {
				t.Fatalf("unexpected body error: %v", err)
			}
			gotBody = append([]byte(nil), data...)
			w.Header().Set("Content-Length", "0")
		})
	})
	wire := "POST /chunked HTTP/1.1\r\nhost: h\r\ncontent-length: 999\r\ntransfer-encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n0\r\n\r\n"
	_, rx := newIntegrationConn(t, handler, Options{}, wire)

	if string(gotBody) != "hello" {
		t.Fatalf("body = %q, want %q (Content-Length should have been dropped in favor of chunked framing)", gotBody, "hello")
	}
	if !strings.HasPrefix(string(rx.outbox), "HTTP/1.1 200") {
		t.Fatalf("expected 200, got: %q", rx.outbox)
	}
}
