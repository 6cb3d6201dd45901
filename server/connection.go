package server

import (
	"errors"
	"net/netip"
	"strings"

	"github.com/rduvall/evhttp/internal/arena"
	"github.com/rduvall/evhttp/internal/body"
	"github.com/rduvall/evhttp/internal/connpool"
	"github.com/rduvall/evhttp/internal/headers"
	"github.com/rduvall/evhttp/internal/reactor"
	"github.com/rduvall/evhttp/internal/scanner"
)

// connState names one node of the per-connection state machine spec.md
// §4.4 describes: Idle -> ReadingLine -> ReadingHeaders -> InHandler ->
// Writing -> (Idle | Closing) -> Closed. There is no separate New state,
// and stateReadingBody is declared but no transition sets it.
type connState int

const (
	stateIdle connState = iota
	stateReadingLine
	stateReadingHeaders
	stateReadingBody
	stateInHandler
	stateWriting
	stateClosing
	stateClosed
)

// connection is one accepted socket's worth of state, owned exclusively
// by the worker reactor that accepted it.
type connection struct {
	server *Server
	w      *worker
	handle connpool.Handle
	fd     reactor.FD
	peer   netip.AddrPort
	id     string

	state connState

	fl     *arena.FreeList
	arena  *arena.Arena
	sc     *scanner.Scanner
	hdrs   *headers.Map
	req    *Request
	resp   *responseWriter

	cancelIdleTimeout func()
	closeAfterReply   bool

	// writeQueue/sending/writeErr serialize outbound writes behind any
	// Send still in flight (see writeAll) so that a response body never
	// interleaves with itself across an EAGAIN/Poll suspension.
	writeQueue   [][]byte
	sending      bool
	writeErr     error
	closePending bool
}

func newConnection(s *Server, w *worker, h connpool.Handle, fd reactor.FD, peer netip.AddrPort, id string) *connection {
	fl := arena.NewFreeList()
	c := &connection{
		server: s,
		w:      w,
		handle: h,
		fd:     fd,
		peer:   peer,
		id:     id,
		fl:     fl,
	}
	c.sc = scanner.New(connSource{c}, s.opts.MaxHeaderBytes)
	return c
}

// connSource adapts a connection's socket to scanner.Source.
type connSource struct{ c *connection }

func (s connSource) Recv(buf []byte, cb func(n int, err error)) {
	s.c.w.rx.Recv(s.c.fd, buf, false, func(n int, _ netip.AddrPort, err error) {
		cb(n, err)
	})
}

// writeAll queues p for transmission, per spec.md §4.5's "Write never
// partially completes from the caller's perspective" framing. Under
// socket backpressure, Send arms Poll and returns before p is fully on
// the wire (every POSIX backend's sendLoop does this on EAGAIN), so
// writeAll never issues a second Send while one is still in flight --
// it appends to a per-connection queue and lets the Send completion
// callback (pumpWrites) drive the next buffer, instead of assuming Send
// always completes synchronously. A transmission failure is reported to
// the caller of the *next* writeAll call (including finish()'s own),
// which is as soon as this callback-driven API can surface it.
func (c *connection) writeAll(p []byte) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	if len(p) == 0 {
		return nil
	}
	c.writeQueue = append(c.writeQueue, p)
	if !c.sending {
		c.pumpWrites()
	}
	return nil
}

// pumpWrites sends the next queued buffer, if any, and re-arms itself
// from the Send completion callback once it lands -- the continuation
// that replaces the old assume-it's-synchronous return.
func (c *connection) pumpWrites() {
	if len(c.writeQueue) == 0 {
		c.sending = false
		if c.closePending {
			c.doClose()
		}
		return
	}
	next := c.writeQueue[0]
	c.writeQueue = c.writeQueue[1:]
	c.sending = true
	c.w.rx.Send(c.fd, next, true, func(n int, err error) {
		if err != nil {
			c.sending = false
			c.writeQueue = nil
			c.writeErr = err
			c.closeAfterReply = true
			c.close()
			return
		}
		c.pumpWrites()
	})
}

func (c *connection) startIdle() {
	c.state = stateIdle
	c.arena = arena.New(c.fl)
	c.hdrs = headers.New()
	c.sc.Reset(scanner.ByLines)
	if c.server.opts.IdleTimeout > 0 {
		c.cancelIdleTimeout = c.w.rx.Timeout(c.server.opts.IdleTimeout, func() {
			c.closeAfterReply = true
			c.close()
		})
	}
	c.readLine()
}

func (c *connection) cancelIdle() {
	if c.cancelIdleTimeout != nil {
		c.cancelIdleTimeout()
		c.cancelIdleTimeout = nil
	}
}

func (c *connection) readLine() {
	c.state = stateReadingLine
	c.sc.Scan(func(tok []byte, err error) {
		if err != nil {
			c.fail(err)
			return
		}
		c.cancelIdle()
		line := string(tok)
		method, target, major, minor, perr := parseRequestLine(line)
		if perr != nil {
			// spec.md §4.4 step 1: an unrecognized method is 501;
			// a malformed version or missing space is 400.
			if errors.Is(perr, errUnknownMethod) {
				c.writeError(501, "Not Implemented")
			} else {
				c.writeError(400, "Bad Request")
			}
			return
		}
		path, query := splitTarget(target)
		req := &Request{
			Method:       method,
			Target:       target,
			Path:         path,
			Query:        query,
			VersionMajor: major,
			VersionMinor: minor,
			Headers:      c.hdrs,
			RemoteAddr:   c.peer,
			arena:        c.arena,
			scanner:      bodyReader{conn: c},
			maxBody:      c.server.opts.MaxBodyBytes,
		}
		c.req = req
		c.readHeaders()
	})
}

func (c *connection) readHeaders() {
	c.state = stateReadingHeaders
	c.readHeaderLine()
}

func (c *connection) readHeaderLine() {
	c.sc.Scan(func(tok []byte, err error) {
		if err != nil {
			c.fail(err)
			return
		}
		if len(tok) == 0 {
			if !c.validateHeaders() {
				return
			}
			c.hdrs.SetReadonly()
			c.dispatch()
			return
		}
		name, value, ok := splitHeaderLineServer(string(tok))
		if !ok {
			c.writeError(400, "Bad Request")
			return
		}
		if len(c.hdrs.Keys()) > maxHeaderCount {
			c.writeError(400, errHeaderTooLong.Error())
			return
		}
		c.hdrs.Add(name, value)
		c.readHeaderLine()
	})
}

const maxHeaderCount = 200

// validateHeaders applies the framing and Host invariants of spec.md §4.4
// steps 2-3 and §3 before the header block is frozen and handed to the
// handler. It must run while c.hdrs is still mutable, since a
// Transfer-Encoding: chunked request requires dropping any Content-Length
// present alongside it (RFC 7230 §3.3.3).
func (c *connection) validateHeaders() bool {
	hdrs := c.hdrs

	hostVals := hdrs.Values("Host")
	if len(hostVals) > 1 {
		c.writeError(400, "Bad Request")
		return false
	}
	if len(hostVals) == 0 && c.req.ProtoAtLeast(1, 1) {
		c.writeError(400, "Bad Request")
		return false
	}

	if cls := hdrs.Values("Content-Length"); len(cls) > 1 {
		for _, v := range cls[1:] {
			if v != cls[0] {
				c.writeError(400, "Bad Request")
				return false
			}
		}
	}

	if tes := hdrs.Values("Transfer-Encoding"); len(tes) > 0 {
		joined := strings.Join(tes, ",")
		parts := strings.Split(joined, ",")
		last := strings.TrimSpace(parts[len(parts)-1])
		if !strings.EqualFold(last, "chunked") {
			c.writeError(400, "Bad Request")
			return false
		}
		if hdrs.Has("Content-Length") {
			hdrs.Del("Content-Length")
		}
	}

	return true
}

func splitHeaderLineServer(line string) (name, value string, ok bool) {
	if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
		return "", "", false
	}
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", "", false
	}
	name = strings.TrimSpace(line[:i])
	value = strings.TrimSpace(line[i+1:])
	if name == "" {
		return "", "", false
	}
	return name, value, true
}

// dispatch runs the handler for c.req once the header block is fully
// parsed, redirecting HEAD to the GET handler first if configured.
func (c *connection) dispatch() {
	c.state = stateInHandler

	effectiveReq := c.req
	if c.server.opts.RedirectHeadToGet && effectiveReq.Method == MethodHEAD {
		effectiveReq.isHeadAsGet = true
	}

	c.resp = newResponseWriter(c, effectiveReq)
	c.server.handler.ServeHTTP(c.resp, effectiveReq)

	c.finishHandler()
}

// finishHandler implements the must-consume-body rule of spec.md §4.4: if
// the handler never read the body, drain up to
// MaxPostHandlerDiscardBytes before deciding the connection can be
// reused; beyond that bound, force a close instead of an unbounded drain.
func (c *connection) finishHandler() {
	c.state = stateWriting
	if !c.req.bodyCalled {
		c.discardBody(func(ok bool) {
			if !ok {
				c.closeAfterReply = true
			}
			c.endResponse()
		})
		return
	}
	c.endResponse()
}

func (c *connection) discardBody(cb func(ok bool)) {
	limit := c.server.opts.MaxPostHandlerDiscardBytes
	if limit <= 0 {
		limit = 2 << 20
	}
	if limit < int64(c.req.maxBody) {
		c.req.maxBody = int(limit)
	}
	discarded := int64(0)
	c.req.Body(func(data []byte, err error) {
		if err != nil {
			cb(err == scanner.ErrEOF)
			return
		}
		discarded += int64(len(data))
		if discarded > limit {
			cb(false)
			return
		}
		cb(true)
	})
}

func (c *connection) endResponse() {
	c.resp.finish()
	if c.resp.closeAfterReply || c.closeAfterReply {
		c.close()
		return
	}
	c.req = nil
	c.resp = nil
	c.arena.FreeAll()
	c.hdrs = headers.New()
	c.startIdle()
}

func (c *connection) writeError(status int, msg string) {
	w := newResponseWriter(c, &Request{Method: MethodGET, Headers: headers.New(), VersionMajor: 1, VersionMinor: 1})
	w.header.Set("Content-Type", "text/plain; charset=utf-8")
	w.header.Set("Connection", "close")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
	w.finish()
	c.closeAfterReply = true
	c.close()
}

func (c *connection) fail(err error) {
	var netErr *reactor.NetError
	if errors.As(err, &netErr) && netErr.Kind == reactor.ErrKindConnectionClosed {
		c.close()
		return
	}
	if errors.Is(err, scanner.ErrEOF) {
		c.close()
		return
	}
	var se scanner.Error
	if errors.As(err, &se) {
		c.writeError(body.StatusFor(se), "Bad Request")
		return
	}
	c.close()
}

// close begins shutting the connection down. If a write is still in
// flight it defers the actual fd close until pumpWrites drains, so a
// response's trailing bytes (e.g. the terminal chunk) are never
// truncated by a close racing ahead of its own Send completion.
func (c *connection) close() {
	if c.state == stateClosing || c.state == stateClosed {
		return
	}
	c.state = stateClosing
	c.cancelIdle()
	if c.sending {
		c.closePending = true
		return
	}
	c.doClose()
}

func (c *connection) doClose() {
	c.closePending = false
	c.w.rx.Close(c.fd, func(ok bool) {
		c.state = stateClosed
		c.server.releaseConn(c.w, c.handle)
	})
}

// bodyReader adapts internal/body's Read to the Request.Body callback
// contract, feeding the connection's live scanner and header map.
type bodyReader struct{ conn *connection }

func (b bodyReader) ReadBody(maxSize int, cb func(data []byte, err error)) {
	body.Read(b.conn.sc, b.conn.hdrs, maxSize, cb)
}
