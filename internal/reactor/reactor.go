// Package reactor implements the single-threaded, completion-based I/O
// event loop that the server and client cores are built on. Exactly one
// of three kernel backends (IOCP, io_uring, kqueue/epoll) is compiled in
// per platform; callers never branch on which one is active.
package reactor

import (
	"errors"
	"net/netip"
	"time"
)

// Op identifies the kind of asynchronous operation a Completion
// represents.
type Op int

const (
	OpAccept Op = iota
	OpConnect
	OpClose
	OpRead
	OpWrite
	OpRecv
	OpSend
	OpTimeout
	OpPoll
	OpNextTick
)

func (o Op) String() string {
	switch o {
	case OpAccept:
		return "accept"
	case OpConnect:
		return "connect"
	case OpClose:
		return "close"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpRecv:
		return "recv"
	case OpSend:
		return "send"
	case OpTimeout:
		return "timeout"
	case OpPoll:
		return "poll"
	case OpNextTick:
		return "next_tick"
	default:
		return "unknown"
	}
}

// PollEvent selects which readiness condition Poll waits for.
type PollEvent int

const (
	PollRead PollEvent = iota
	PollWrite
)

// NetErrorKind enumerates the small set of network error kinds spec.md
// §4.1/§7 requires operations to distinguish.
type NetErrorKind int

const (
	ErrKindUnknown NetErrorKind = iota
	ErrKindConnectionClosed
	ErrKindAborted
	ErrKindRefused
	ErrKindTimeout
	ErrKindWouldBlock
	ErrKindHostUnreachable
	ErrKindShutdown
	ErrKindNotConnected
)

// NetError wraps a NetErrorKind and, where available, the originating OS
// error so callers can both switch on the kind and log the root cause.
type NetError struct {
	Kind NetErrorKind
	Err  error
}

func (e *NetError) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String()
}

func (e *NetError) Unwrap() error { return e.Err }

func (k NetErrorKind) String() string {
	switch k {
	case ErrKindConnectionClosed:
		return "connection_closed"
	case ErrKindAborted:
		return "aborted"
	case ErrKindRefused:
		return "refused"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindWouldBlock:
		return "would_block"
	case ErrKindHostUnreachable:
		return "host_unreachable"
	case ErrKindShutdown:
		return "shutdown"
	case ErrKindNotConnected:
		return "not_connected"
	default:
		return "unknown"
	}
}

// ErrConnectionClosed is returned (wrapped in a *NetError) by Recv/Read
// when the peer has cleanly closed the connection (0 bytes, no error at
// the OS level).
var ErrConnectionClosed = &NetError{Kind: ErrKindConnectionClosed}

// Sentinel errors recognized with errors.Is.
var (
	ErrClosed = errors.New("reactor: closed")
)

// FD is an opaque, platform-specific handle to a socket or file. On
// POSIX backends it is the raw file descriptor; on the Windows IOCP
// backend it is a HANDLE cast to uintptr.
type FD uintptr

// Result carries the outcome of a completed operation. Only the fields
// relevant to the Completion's Op are populated; the rest are zero.
type Result struct {
	N        int
	Err      error
	FD       FD
	Endpoint netip.AddrPort
	Event    PollEvent
}

// Callback is invoked exactly once per operation, on the reactor's own
// thread, when the operation completes (successfully or not).
type Callback func(res Result)

// maxPolyArgs is the number of pointer-sized user argument slots a
// Completion carries inline, mirroring spec.md §3/§9's "poly argument
// passing" so scheduling an operation never allocates an interface{}
// closure environment on the heap beyond the Completion itself.
const maxPolyArgs = 3

// Args is the inline, fixed-size argument area a caller can stash
// alongside a Callback instead of capturing a heap closure.
type Args [maxPolyArgs]any

// Completion is a pooled, discriminated record for one in-flight
// asynchronous operation.
type Completion struct {
	Op       Op
	FD       FD
	Buf      []byte
	Offset   int64
	Endpoint netip.AddrPort
	All      bool
	done     int // bytes transferred so far, for the _all loop
	pending  bool
	cb       Callback
	Args     Args

	next *Completion // free-list link, reactor-owned
}

// Reactor is the uniform asynchronous interface every backend
// implements. A Reactor must only be used from the single goroutine that
// created it and calls Tick/Run on it.
type Reactor interface {
	// Accept waits for a new connection on listenFD.
	Accept(listenFD FD, cb func(clientFD FD, peer netip.AddrPort, err error))

	// Connect dials ep.
	Connect(ep netip.AddrPort, cb func(fd FD, err error))

	// Send writes buf to sock. If all is true the reactor loops until
	// every byte is sent or an error occurs before invoking cb once.
	Send(sock FD, buf []byte, all bool, cb func(n int, err error))

	// SendTo is like Send but for connectionless (UDP) sockets with an
	// explicit destination endpoint.
	SendTo(sock FD, buf []byte, ep netip.AddrPort, cb func(n int, err error))

	// Recv reads into buf from sock. For connectionless sockets the
	// source endpoint is reported in the callback.
	Recv(sock FD, buf []byte, all bool, cb func(n int, from netip.AddrPort, err error))

	// ReadAt reads from fd at off (or the implicit per-handle offset if
	// off is -1) into buf.
	ReadAt(fd FD, off int64, buf []byte, all bool, cb func(n int, err error))

	// WriteAt writes buf to fd at off (or the implicit offset if -1).
	WriteAt(fd FD, off int64, buf []byte, all bool, cb func(n int, err error))

	// Seek repositions fd's implicit offset.
	Seek(fd FD, off int64, whence int, cb func(pos int64, err error))

	// Open opens path with the given flags/mode.
	Open(path string, flags int, mode uint32, cb func(fd FD, err error))

	// Close closes fd asynchronously; cb runs after the kernel confirms.
	Close(fd FD, cb func(ok bool))

	// Poll arms a one-shot (or, if multi, repeating) wait for ev on fd.
	Poll(fd FD, ev PollEvent, multi bool, cb func(err error)) (cancel func())

	// Timeout fires cb once at or after d has elapsed.
	Timeout(d time.Duration, cb func()) (cancel func())

	// NextTick fires cb at the start of the next loop iteration.
	NextTick(cb func())

	// Tick drains ready completions once. If block is true and nothing
	// is immediately ready, it waits in the kernel for the next event
	// or the nearest timeout.
	Tick(block bool) error

	// Run calls Tick(block=true) until there is nothing left to await.
	Run() error

	// NumWaiting returns the number of operations the reactor is still
	// waiting to complete (including armed timeouts and polls).
	NumWaiting() int

	// Destroy tears the reactor down. Safe to call once all connections
	// it owns have been closed.
	Destroy() error
}

// New constructs the platform's default backend. Use NewIOUring
// explicitly (Linux, build tag `iouring`) to opt into the io_uring
// backend instead of epoll.
func New() (Reactor, error) {
	return newDefault()
}
