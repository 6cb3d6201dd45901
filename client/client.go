// Package client implements the HTTP/1.1 client core of spec.md §5: one
// reactor drives DNS resolution, TCP/TLS connect, request emission, and
// response parsing for every in-flight request issued against it, with a
// keyed connection pool for keep-alive reuse.
package client

import (
	"crypto/tls"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/rduvall/evhttp/internal/connpool"
	"github.com/rduvall/evhttp/internal/headers"
	"github.com/rduvall/evhttp/internal/reactor"
	"github.com/rduvall/evhttp/internal/resolver"
)

// ErrorKind is the small client-visible error taxonomy spec.md §5
// requires callers be able to switch on.
type ErrorKind int

const (
	ErrNone ErrorKind = iota
	ErrBadURL
	ErrNetwork
	ErrCORS
	ErrTimeout
	ErrAborted
	ErrUnknown
	ErrDNS
)

func (k ErrorKind) String() string {
	switch k {
	case ErrBadURL:
		return "bad_url"
	case ErrNetwork:
		return "network"
	case ErrCORS:
		return "cors"
	case ErrTimeout:
		return "timeout"
	case ErrAborted:
		return "aborted"
	case ErrDNS:
		return "dns"
	default:
		return "unknown"
	}
}

// Error wraps an ErrorKind with the underlying cause, if any.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Options configures a Client.
type Options struct {
	// DNSUpstream is passed to internal/resolver.New ("ip:port"). Empty
	// uses the resolver's own default.
	DNSUpstream string

	// RequestTimeout bounds an entire Do call, DNS through response body.
	// Zero disables the timeout.
	RequestTimeout time.Duration

	// MaxIdleConnsPerKey bounds how many idle connections the pool keeps
	// per (host, ip, port, scheme) key (see SPEC_FULL.md's connection
	// pool key decision). Zero means unbounded.
	MaxIdleConnsPerKey int

	// MaxHeaderBytes / MaxBodyBytes bound the response the scanner/body
	// decoder will accept.
	MaxHeaderBytes int
	MaxBodyBytes   int

	TLSConfig *tls.Config

	UserAgent string

	// CookieJar, if set, attaches stored cookies to outgoing requests and
	// records Set-Cookie response headers. Nil disables cookie handling.
	CookieJar *CookieJar
}

// http1TimeFormat is the RFC 7231 fixed-format date used by Expires.
const http1TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

var errEmptyInt = fmt.Errorf("client: invalid integer")

func (o *Options) setDefaults() {
	if o.MaxHeaderBytes <= 0 {
		o.MaxHeaderBytes = 1 << 20
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 10 << 20
	}
	if o.UserAgent == "" {
		o.UserAgent = "evhttp-client/1.0"
	}
}

// poolKey identifies a reusable connection per SPEC_FULL.md's open-question
// decision: (host, ip, port, scheme) rather than spec.md's (ip, port,
// scheme), so that distinct virtual hosts resolving to the same IP never
// share a connection and thus never leak one Host's keep-alive socket to
// another Host's request.
type poolKey struct {
	host   string
	ip     netip.Addr
	port   uint16
	scheme string
}

// Client issues requests against a single reactor. A Client must only be
// used from the goroutine that owns its reactor -- spawn one Client per
// worker, exactly like the server's one-reactor-per-thread rule.
type Client struct {
	opts     Options
	rx       reactor.Reactor
	resolver *resolver.Resolver
	pool     *connpool.Pool[*clientConn]
	idle     map[poolKey][]connpool.Handle
}

// New creates a Client driving its own reactor.
func New(opts Options) (*Client, error) {
	opts.setDefaults()
	rx, err := reactor.New()
	if err != nil {
		return nil, err
	}
	return &Client{
		opts:     opts,
		rx:       rx,
		resolver: resolver.New(opts.DNSUpstream),
		pool:     connpool.New[*clientConn](),
		idle:     make(map[poolKey][]connpool.Handle),
	}, nil
}

// Reactor exposes the Client's reactor so a caller running an event loop
// driving multiple collaborators (client, server, timers) can Tick them
// together.
func (c *Client) Reactor() reactor.Reactor { return c.rx }

// Request is what Do sends. Headers may be nil (an empty map is used).
type Request struct {
	Method  string
	URL     string // absolute URL, e.g. "http://example.com/path?q=1"
	Headers *headers.Map
	Body    []byte
}

// Response is what Do delivers on success.
type Response struct {
	StatusCode int
	Status     string
	Headers    *headers.Map
	Body       []byte
}

// Do issues req asynchronously, invoking cb exactly once with either a
// Response or a non-nil *Error (always the concrete type, so callers can
// type-assert for Kind without an errors.As round trip).
func (c *Client) Do(req *Request, cb func(resp *Response, err error)) {
	u, err := parseURL(req.URL)
	if err != nil {
		cb(nil, &Error{Kind: ErrBadURL, Err: err})
		return
	}

	var cancelTimeout func()
	done := false
	finish := func(resp *Response, err error) {
		if done {
			return
		}
		done = true
		if cancelTimeout != nil {
			cancelTimeout()
		}
		cb(resp, err)
	}

	if c.opts.RequestTimeout > 0 {
		cancelTimeout = c.rx.Timeout(c.opts.RequestTimeout, func() {
			finish(nil, &Error{Kind: ErrTimeout})
		})
	}

	c.resolver.Resolve(u.host, func(addr netip.Addr, rerr error) {
		c.rx.NextTick(func() {
			if rerr != nil {
				finish(nil, &Error{Kind: ErrDNS, Err: rerr})
				return
			}
			c.withConn(u, addr, func(cc *clientConn, cerr error) {
				if cerr != nil {
					finish(nil, &Error{Kind: ErrNetwork, Err: cerr})
					return
				}
				cc.send(req, u, finish)
			})
		})
	})
}

func (c *Client) key(u *parsedURL, addr netip.Addr) poolKey {
	return poolKey{host: u.host, ip: addr, port: u.port, scheme: u.scheme}
}

// withConn hands cb a ready clientConn: an idle pooled one for key if
// present, otherwise a freshly dialed one.
func (c *Client) withConn(u *parsedURL, addr netip.Addr, cb func(cc *clientConn, err error)) {
	k := c.key(u, addr)
	if handles := c.idle[k]; len(handles) > 0 {
		h := handles[len(handles)-1]
		c.idle[k] = handles[:len(handles)-1]
		cb(c.pool.Get(h), nil)
		return
	}

	ep := netip.AddrPortFrom(addr, u.port)
	c.rx.Connect(ep, func(fd reactor.FD, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		h, slot := c.pool.GetNew()
		*slot = newClientConn(c, h, fd, k, u.scheme == "https", u.host)
		cb(*slot, nil)
	})
}

// releaseIdle returns cc to the idle pool for reuse, subject to
// MaxIdleConnsPerKey, or closes it outright if the pool for its key is
// full or the connection signaled it must not be reused.
func (c *Client) releaseIdle(cc *clientConn, keepAlive bool) {
	if !keepAlive {
		c.closeConn(cc)
		return
	}
	if c.opts.MaxIdleConnsPerKey > 0 && len(c.idle[cc.key]) >= c.opts.MaxIdleConnsPerKey {
		c.closeConn(cc)
		return
	}
	c.idle[cc.key] = append(c.idle[cc.key], cc.handle)
}

func (c *Client) closeConn(cc *clientConn) {
	c.rx.Close(cc.fd, func(ok bool) {
		c.pool.Release(cc.handle)
	})
}

// parsedURL is a minimal URL breakdown; the client only ever needs these
// four fields, so it doesn't pull in a general-purpose URL type query
// parameters and all.
type parsedURL struct {
	scheme string
	host   string
	port   uint16
	path   string
}

func parseURL(raw string) (*parsedURL, error) {
	scheme := "http"
	rest := raw
	if i := strings.Index(raw, "://"); i >= 0 {
		scheme = raw[:i]
		rest = raw[i+3:]
	}
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("client: unsupported scheme %q", scheme)
	}

	path := "/"
	hostport := rest
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		hostport = rest[:i]
		path = rest[i:]
	}
	if hostport == "" {
		return nil, fmt.Errorf("client: missing host in URL %q", raw)
	}

	host := hostport
	var port uint16 = 80
	if scheme == "https" {
		port = 443
	}
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		host = hostport[:i]
		p, err := strconv.Atoi(hostport[i+1:])
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("client: invalid port in URL %q", raw)
		}
		port = uint16(p)
	}
	return &parsedURL{scheme: scheme, host: host, port: port, path: path}, nil
}
