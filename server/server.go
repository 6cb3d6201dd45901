// Package server implements the HTTP/1.1 server core of spec.md §4: a
// per-connection state machine driven entirely by reactor completions,
// one reactor per worker thread and no state shared between them.
package server

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rduvall/evhttp/internal/connpool"
	"github.com/rduvall/evhttp/internal/headers"
	"github.com/rduvall/evhttp/internal/reactor"
)

// Options configures a Server. Zero-valued fields take the defaults
// documented on each one.
type Options struct {
	// ThreadCount is the number of independent worker reactors accepting
	// off the shared listening socket. Defaults to 1.
	ThreadCount int

	// RedirectHeadToGet marks HEAD requests so that Request.IsHeadAsGet
	// reports true and the handler can serve them as GET; Method stays
	// HEAD (spec.md §4.4 edge case). The body written for any HEAD
	// request is discarded whether or not this is set.
	RedirectHeadToGet bool

	// ConnectionAllowedSize is stored but not read by the server: it does
	// not bound the connection pool, and every request cycle starts with a
	// fresh arena regardless of how large the previous one grew.
	ConnectionAllowedSize int

	// MaxPostHandlerDiscardBytes caps how much of an unread request body
	// the server will drain before closing the connection instead of
	// reusing it for the next request (spec.md §4.4's must-consume-body
	// rule).
	MaxPostHandlerDiscardBytes int64

	// IdleTimeout closes a keep-alive connection that sits idle (between
	// responses, waiting for the next request line) longer than this.
	// Zero disables idle timeouts.
	IdleTimeout time.Duration

	// ShutdownPollInterval is how often Shutdown re-checks whether all
	// connections have drained.
	ShutdownPollInterval time.Duration

	// MaxHeaderBytes bounds a single header line (and the request line).
	MaxHeaderBytes int

	// MaxBodyBytes bounds a decoded request body.
	MaxBodyBytes int

	Logger *logrus.Logger
}

func (o *Options) setDefaults() {
	if o.ThreadCount <= 0 {
		o.ThreadCount = 1
	}
	if o.ShutdownPollInterval <= 0 {
		o.ShutdownPollInterval = 200 * time.Millisecond
	}
	if o.MaxHeaderBytes <= 0 {
		o.MaxHeaderBytes = 1 << 20
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 10 << 20
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
}

// Server accepts connections and dispatches requests to a Handler, one
// connection state machine per accepted socket, using Options.ThreadCount
// independent reactors that never touch each other's state.
type Server struct {
	opts    Options
	handler Handler

	mu       sync.Mutex
	workers  []*worker
	closing  atomic.Bool
	listenFD reactor.FD
	closeLn  func() error
}

// worker owns one reactor, one connection pool, and a count of the
// connections currently assigned to it. It is never touched from any
// goroutine but its own.
type worker struct {
	id   int
	rx   reactor.Reactor
	pool *connpool.Pool[*connection]
	live atomic.Int64
}

// New creates a Server with opts (zero value is a usable default) serving
// handler.
func New(handler Handler, opts Options) *Server {
	opts.setDefaults()
	return &Server{opts: opts, handler: handler}
}

// ListenAndServe opens addr and blocks serving connections across
// Options.ThreadCount worker reactors until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	fd, closeLn, err := listenTCP(addr)
	if err != nil {
		return err
	}
	s.listenFD = fd
	s.closeLn = closeLn

	var wg sync.WaitGroup
	errs := make(chan error, s.opts.ThreadCount)
	for i := 0; i < s.opts.ThreadCount; i++ {
		rx, err := reactor.New()
		if err != nil {
			return fmt.Errorf("server: creating reactor %d: %w", i, err)
		}
		w := &worker{id: i, rx: rx, pool: connpool.New[*connection]()}
		s.mu.Lock()
		s.workers = append(s.workers, w)
		s.mu.Unlock()

		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			s.runWorker(w)
			errs <- nil
		}(w)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

func (s *Server) runWorker(w *worker) {
	s.armAccept(w)
	for !s.closing.Load() || w.live.Load() > 0 {
		if err := w.rx.Tick(true); err != nil {
			s.opts.Logger.WithFields(logrus.Fields{"worker": w.id, "error": err}).Error("reactor tick failed")
			return
		}
	}
}

func (s *Server) armAccept(w *worker) {
	if s.closing.Load() {
		return
	}
	w.rx.Accept(s.listenFD, func(clientFD reactor.FD, peer netip.AddrPort, err error) {
		if err != nil {
			s.opts.Logger.WithError(err).Warn("accept failed")
			s.armAccept(w)
			return
		}
		s.acceptConn(w, clientFD, peer)
		s.armAccept(w)
	})
}

func (s *Server) acceptConn(w *worker, fd reactor.FD, peer netip.AddrPort) {
	h, slot := w.pool.GetNew()
	id := uuid.NewString()
	*slot = newConnection(s, w, h, fd, peer, id)
	w.live.Add(1)
	s.opts.Logger.WithFields(logrus.Fields{"conn": id, "remote": peer.String()}).Debug("connection accepted")
	(*slot).startIdle()
}

// releaseConn returns a finished connection's slot to the pool. Called by
// connection.close once the socket itself has been torn down.
func (s *Server) releaseConn(w *worker, h connpool.Handle) {
	w.pool.Release(h)
	w.live.Add(-1)
}

// Shutdown stops accepting new connections and waits (polling at
// ShutdownPollInterval) for every in-flight connection to finish its
// current response and close, per spec.md §4.6's graceful-shutdown note.
func (s *Server) Shutdown() error {
	s.closing.Store(true)
	if s.closeLn != nil {
		_ = s.closeLn()
	}
	for {
		total := int64(0)
		s.mu.Lock()
		for _, w := range s.workers {
			total += w.live.Load()
		}
		s.mu.Unlock()
		if total == 0 {
			return nil
		}
		time.Sleep(s.opts.ShutdownPollInterval)
	}
}

// keepAliveDecision implements spec.md §4.5's keep-alive rules: honor an
// explicit Connection header from either side, otherwise default to
// keep-alive on HTTP/1.1 and close on HTTP/1.0.
func (s *Server) keepAliveDecision(req *Request, respHeaders *headers.Map, status int) bool {
	if s.closing.Load() {
		return false
	}
	reqConn := strings.ToLower(req.Headers.Get("Connection"))
	if strings.Contains(reqConn, "close") {
		return false
	}
	if respConn := strings.ToLower(respHeaders.Get("Connection")); respConn != "" {
		return !strings.Contains(respConn, "close")
	}
	if !req.ProtoAtLeast(1, 1) {
		return strings.Contains(reqConn, "keep-alive")
	}
	return true
}
