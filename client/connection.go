package client

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/rduvall/evhttp/internal/body"
	"github.com/rduvall/evhttp/internal/connpool"
	"github.com/rduvall/evhttp/internal/headers"
	"github.com/rduvall/evhttp/internal/reactor"
	"github.com/rduvall/evhttp/internal/scanner"
	"github.com/rduvall/evhttp/internal/tlsvtable"
)

// clientConn is one connection owned by a Client, optionally TLS-wrapped.
// Like the server's connection, it belongs exclusively to the reactor
// goroutine that dialed it.
type clientConn struct {
	c      *Client
	handle connpool.Handle
	fd     reactor.FD
	key    poolKey
	host   string

	tls            *tlsvtable.Conn
	tlsEstablished bool
	sc             *scanner.Scanner
}

func newClientConn(c *Client, h connpool.Handle, fd reactor.FD, key poolKey, useTLS bool, host string) *clientConn {
	cc := &clientConn{c: c, handle: h, fd: fd, key: key, host: host}
	cc.sc = scanner.New(clientSource{cc}, c.opts.MaxHeaderBytes)
	if useTLS {
		cc.tls = tlsvtable.ClientCreate(host, c.opts.TLSConfig)
	}
	return cc
}

// clientSource adapts a clientConn's socket (plaintext or through its TLS
// vtable) to scanner.Source.
type clientSource struct{ cc *clientConn }

func (s clientSource) Recv(buf []byte, cb func(n int, err error)) {
	if s.cc.tls == nil {
		s.cc.c.rx.Recv(s.cc.fd, buf, false, func(n int, _ netip.AddrPort, err error) { cb(n, err) })
		return
	}
	// TLS path: pull ciphertext off the wire, feed the vtable, and loop
	// until it has plaintext for us or signals it needs more ciphertext.
	s.cc.recvTLSInto(buf, cb)
}

func (cc *clientConn) recvTLSInto(buf []byte, cb func(n int, err error)) {
	n, res := cc.tls.Recv(buf)
	if res == tlsvtable.None || n > 0 {
		cb(n, nil)
		return
	}
	if res == tlsvtable.Shutdown {
		cb(0, nil)
		return
	}
	if res == tlsvtable.Fatal {
		cb(0, cc.tls.Err())
		return
	}
	raw := make([]byte, 4096)
	cc.c.rx.Recv(cc.fd, raw, false, func(n int, _ netip.AddrPort, err error) {
		if err != nil {
			cb(0, err)
			return
		}
		cc.tls.FeedCiphertext(raw[:n])
		cc.recvTLSInto(buf, cb)
	})
}

func (cc *clientConn) writeAll(p []byte) error {
	if cc.tls == nil {
		var sendErr error
		cc.c.rx.Send(cc.fd, p, true, func(n int, err error) { sendErr = err })
		return sendErr
	}
	for len(p) > 0 {
		n, res := cc.tls.Send(p)
		p = p[n:]
		if out := cc.tls.DrainCiphertext(); len(out) > 0 {
			var sendErr error
			cc.c.rx.Send(cc.fd, out, true, func(n int, err error) { sendErr = err })
			if sendErr != nil {
				return sendErr
			}
		}
		if res == tlsvtable.Fatal {
			return cc.tls.Err()
		}
	}
	return nil
}

// ensureTLS drives the handshake to completion before the first request
// on a TLS connection, per spec.md §4.5 step 4's Want_Read/Want_Write
// poll loop -- here expressed as repeated Recv/Send against the real
// socket until the vtable reports None.
func (cc *clientConn) ensureTLS(cb func(err error)) {
	if cc.tls == nil || cc.tlsEstablished {
		cb(nil)
		return
	}
	var step func()
	step = func() {
		res := cc.tls.Connect()
		switch res {
		case tlsvtable.None:
			cc.tlsEstablished = true
			cb(nil)
		case tlsvtable.WantWrite:
			out := cc.tls.DrainCiphertext()
			if len(out) == 0 {
				step()
				return
			}
			cc.c.rx.Send(cc.fd, out, true, func(n int, err error) {
				if err != nil {
					cb(err)
					return
				}
				step()
			})
		case tlsvtable.WantRead:
			raw := make([]byte, 4096)
			cc.c.rx.Recv(cc.fd, raw, false, func(n int, _ netip.AddrPort, err error) {
				if err != nil {
					cb(err)
					return
				}
				cc.tls.FeedCiphertext(raw[:n])
				step()
			})
		default:
			cb(cc.tls.Err())
		}
	}
	step()
}

// send writes req's request line, headers, and body, then reads and
// decodes the status line, headers, and body of the response.
func (cc *clientConn) send(req *Request, u *parsedURL, finish func(resp *Response, err error)) {
	if cc.tls != nil && !cc.tlsEstablished {
		cc.ensureTLS(func(err error) {
			if err != nil {
				finish(nil, &Error{Kind: ErrNetwork, Err: err})
				return
			}
			cc.sendOverWire(req, u, finish)
		})
		return
	}
	cc.sendOverWire(req, u, finish)
}

func (cc *clientConn) sendOverWire(req *Request, u *parsedURL, finish func(resp *Response, err error)) {
	var b strings.Builder
	method := req.Method
	if method == "" {
		method = "GET"
	}
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, u.path)

	hdrs := req.Headers
	if hdrs == nil {
		hdrs = headers.New()
	} else {
		hdrs = hdrs.Clone()
	}
	if hdrs.Get("Host") == "" {
		hdrs.Set("Host", u.host)
	}
	if hdrs.Get("User-Agent") == "" {
		hdrs.Set("User-Agent", cc.c.opts.UserAgent)
	}
	if len(req.Body) > 0 && hdrs.Get("Content-Length") == "" {
		hdrs.Set("Content-Length", strconv.Itoa(len(req.Body)))
	}
	if hdrs.Get("Connection") == "" {
		hdrs.Set("Connection", "keep-alive")
	}
	if jar := cc.c.opts.CookieJar; jar != nil && hdrs.Get("Cookie") == "" {
		if cookieHdr := jar.Cookies(u.host, u.path, u.scheme == "https"); cookieHdr != "" {
			hdrs.Set("Cookie", cookieHdr)
		}
	}

	buf := []byte(b.String())
	buf = hdrs.WriteTo(buf)
	buf = append(buf, '\r', '\n')
	buf = append(buf, req.Body...)

	if err := cc.writeAll(buf); err != nil {
		finish(nil, &Error{Kind: ErrNetwork, Err: err})
		return
	}

	cc.sc.Reset(scanner.ByLines)
	cc.sc.Scan(func(tok []byte, err error) {
		if err != nil {
			finish(nil, &Error{Kind: ErrNetwork, Err: err})
			return
		}
		status, statusText, major, minor, perr := parseStatusLine(string(tok))
		if perr != nil {
			finish(nil, &Error{Kind: ErrUnknown, Err: perr})
			return
		}
		cc.readHeaders(status, statusText, major, minor, finish)
	})
}

func (cc *clientConn) readHeaders(status int, statusText string, major, minor int, finish func(resp *Response, err error)) {
	hdrs := headers.New()
	var read func()
	read = func() {
		cc.sc.Scan(func(tok []byte, err error) {
			if err != nil {
				finish(nil, &Error{Kind: ErrNetwork, Err: err})
				return
			}
			if len(tok) == 0 {
				hdrs.SetReadonly()
				cc.readBody(status, statusText, major, minor, hdrs, finish)
				return
			}
			name, value, ok := splitHeaderLineClient(string(tok))
			if !ok {
				finish(nil, &Error{Kind: ErrUnknown, Err: fmt.Errorf("client: malformed header line")})
				return
			}
			hdrs.Add(name, value)
			read()
		})
	}
	read()
}

func (cc *clientConn) readBody(status int, statusText string, major, minor int, hdrs *headers.Map, finish func(resp *Response, err error)) {
	if !bodyAllowedForResponse(status) {
		cc.finishRequest(status, statusText, hdrs, nil, major, minor, finish)
		return
	}
	body.Read(cc.sc, hdrs, cc.c.opts.MaxBodyBytes, func(data []byte, err error) {
		if err != nil {
			finish(nil, &Error{Kind: ErrNetwork, Err: err})
			return
		}
		cc.finishRequest(status, statusText, hdrs, data, major, minor, finish)
	})
}

func (cc *clientConn) finishRequest(status int, statusText string, hdrs *headers.Map, data []byte, major, minor int, finish func(resp *Response, err error)) {
	if jar := cc.c.opts.CookieJar; jar != nil {
		if sc := hdrs.Values("Set-Cookie"); len(sc) > 0 {
			jar.SetCookies(cc.host, sc)
		}
	}
	keepAlive := cc.keepAliveDecision(hdrs, major, minor)
	cc.c.releaseIdle(cc, keepAlive)
	finish(&Response{StatusCode: status, Status: statusText, Headers: hdrs, Body: data}, nil)
}

func (cc *clientConn) keepAliveDecision(hdrs *headers.Map, major, minor int) bool {
	conn := strings.ToLower(hdrs.Get("Connection"))
	if strings.Contains(conn, "close") {
		return false
	}
	if major == 1 && minor == 0 {
		return strings.Contains(conn, "keep-alive")
	}
	return true
}

func bodyAllowedForResponse(status int) bool {
	return !(status >= 100 && status <= 199) && status != 204 && status != 304
}

func parseStatusLine(line string) (status int, text string, major, minor int, err error) {
	const prefix = "HTTP/"
	if !strings.HasPrefix(line, prefix) {
		return 0, "", 0, 0, fmt.Errorf("client: malformed status line %q", line)
	}
	sp := strings.IndexByte(line, ' ')
	if sp < 0 {
		return 0, "", 0, 0, fmt.Errorf("client: malformed status line %q", line)
	}
	verPart := line[len(prefix):sp]
	major, minor = 1, 1
	if dot := strings.IndexByte(verPart, '.'); dot >= 0 {
		maj, e1 := strconv.Atoi(verPart[:dot])
		min, e2 := strconv.Atoi(verPart[dot+1:])
		if e1 != nil || e2 != nil {
			return 0, "", 0, 0, fmt.Errorf("client: malformed HTTP version %q", verPart)
		}
		major, minor = maj, min
	}
	rest := strings.TrimLeft(line[sp+1:], " ")
	codeStr := rest
	text = ""
	if sp2 := strings.IndexByte(rest, ' '); sp2 >= 0 {
		codeStr = rest[:sp2]
		text = rest[sp2+1:]
	}
	code, cerr := strconv.Atoi(codeStr)
	if cerr != nil {
		return 0, "", 0, 0, fmt.Errorf("client: malformed status code %q", codeStr)
	}
	return code, text, major, minor, nil
}

func splitHeaderLineClient(line string) (name, value string, ok bool) {
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
