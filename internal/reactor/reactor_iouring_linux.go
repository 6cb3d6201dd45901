//go:build linux && iouring

package reactor

import (
	"fmt"
	"net/netip"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

func newDefault() (Reactor, error) {
	return newIOUringReactor(defaultEntries)
}

const defaultEntries = 256

// iouringReactor implements Reactor over github.com/pawelgaczynski/giouring.
// SQEs are prepared and submitted in batches from Tick; the completion
// queue is drained each tick, per spec.md §4.1. The ring is always
// created without SQPOLL; NewIOUring's sqpoll argument is not applied.
type iouringReactor struct {
	*core
	ring    *giouring.Ring
	byUser  map[uint64]*iouringOp
	nextID  uint64
	sqpoll  bool
}

// iouringOp tracks one submitted-but-not-yet-completed SQE along with
// enough state to continue a multi-step "_all" operation.
type iouringOp struct {
	kind Op
	fd   int
	buf  []byte
	done int
	all  bool
	off  int64
	ep   netip.AddrPort
	msg  *unix.SockaddrInet6 // scratch for recvmsg/accept peer addresses

	onRecv    func(n int, from netip.AddrPort, err error)
	onSend    func(n int, err error)
	onAccept  func(fd FD, peer netip.AddrPort, err error)
	onConnect func(fd FD, err error)
	onRW      func(n int, err error)
}

// NewIOUring constructs the io_uring backend with an explicit submission
// queue depth, for callers that want to tune it instead of taking New()'s
// default. sqpoll is accepted but ignored: SQPOLL is never enabled.
func NewIOUring(entries uint32, sqpoll bool) (Reactor, error) {
	return newIOUringReactor(entries)
}

func newIOUringReactor(entries uint32) (*iouringReactor, error) {
	params := giouring.Params{}
	ring, err := giouring.CreateRing(entries, &params)
	if err != nil {
		return nil, fmt.Errorf("reactor: io_uring_setup: %w", err)
	}
	return &iouringReactor{
		core:   newCore(),
		ring:   ring,
		byUser: make(map[uint64]*iouringOp),
	}, nil
}

func (r *iouringReactor) track(op *iouringOp) uint64 {
	r.nextID++
	id := r.nextID
	r.byUser[id] = op
	r.incWaiting()
	return id
}

func (r *iouringReactor) getSQE() *giouring.SubmissionQueueEntry {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		// Submit what's queued to free SQE slots, then retry once.
		_, _ = r.ring.Submit()
		sqe = r.ring.GetSQE()
	}
	return sqe
}

func (r *iouringReactor) Accept(listenFD FD, cb func(clientFD FD, peer netip.AddrPort, err error)) {
	op := &iouringOp{kind: OpAccept, fd: int(listenFD), onAccept: cb}
	id := r.track(op)
	sqe := r.getSQE()
	sqe.PrepAccept(int(listenFD), 0, 0, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	sqe.UserData = id
}

func (r *iouringReactor) Connect(ep netip.AddrPort, cb func(fd FD, err error)) {
	fd, err := unix.Socket(domainFor(ep), unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		cb(0, mapErrno(err))
		return
	}
	sa := addrPortToSockaddr(ep)
	op := &iouringOp{kind: OpConnect, fd: fd, onConnect: cb}
	id := r.track(op)
	sqe := r.getSQE()
	sqe.PrepConnect(fd, sockaddrToRaw(sa))
	sqe.UserData = id
}

func (r *iouringReactor) Recv(sock FD, buf []byte, all bool, cb func(n int, from netip.AddrPort, err error)) {
	op := &iouringOp{kind: OpRecv, fd: int(sock), buf: buf, all: all, onRecv: cb}
	r.submitRecv(op)
}

func (r *iouringReactor) submitRecv(op *iouringOp) {
	id := r.track(op)
	sqe := r.getSQE()
	sqe.PrepRecv(op.fd, uintptr(unsafe.Pointer(&op.buf[op.done])), uint32(len(op.buf)-op.done), 0)
	sqe.UserData = id
}

func (r *iouringReactor) Send(sock FD, buf []byte, all bool, cb func(n int, err error)) {
	op := &iouringOp{kind: OpSend, fd: int(sock), buf: buf, all: all, onSend: cb}
	r.submitSend(op)
}

func (r *iouringReactor) submitSend(op *iouringOp) {
	id := r.track(op)
	sqe := r.getSQE()
	sqe.PrepSend(op.fd, uintptr(unsafe.Pointer(&op.buf[op.done])), uint32(len(op.buf)-op.done), 0)
	sqe.UserData = id
}

// SendTo submits a plain send on sock; ep is recorded on the op but not
// passed to the kernel, so sock must already be connected to ep.
func (r *iouringReactor) SendTo(sock FD, buf []byte, ep netip.AddrPort, cb func(n int, err error)) {
	op := &iouringOp{kind: OpSend, fd: int(sock), buf: buf, ep: ep, onSend: cb}
	id := r.track(op)
	sqe := r.getSQE()
	sqe.PrepSend(op.fd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), 0)
	sqe.UserData = id
}

func (r *iouringReactor) ReadAt(fd FD, off int64, buf []byte, all bool, cb func(n int, err error)) {
	op := &iouringOp{kind: OpRead, fd: int(fd), buf: buf, all: all, off: off, onRW: cb}
	r.submitReadAt(op)
}

func (r *iouringReactor) submitReadAt(op *iouringOp) {
	id := r.track(op)
	sqe := r.getSQE()
	offset := op.off
	if offset >= 0 {
		offset += int64(op.done)
	}
	sqe.PrepRead(op.fd, uintptr(unsafe.Pointer(&op.buf[op.done])), uint32(len(op.buf)-op.done), uint64(offset))
	sqe.UserData = id
}

func (r *iouringReactor) WriteAt(fd FD, off int64, buf []byte, all bool, cb func(n int, err error)) {
	op := &iouringOp{kind: OpWrite, fd: int(fd), buf: buf, all: all, off: off, onRW: cb}
	r.submitWriteAt(op)
}

func (r *iouringReactor) submitWriteAt(op *iouringOp) {
	id := r.track(op)
	sqe := r.getSQE()
	offset := op.off
	if offset >= 0 {
		offset += int64(op.done)
	}
	sqe.PrepWrite(op.fd, uintptr(unsafe.Pointer(&op.buf[op.done])), uint32(len(op.buf)-op.done), uint64(offset))
	sqe.UserData = id
}

func (r *iouringReactor) Seek(fd FD, off int64, whence int, cb func(pos int64, err error)) {
	pos, err := unix.Seek(int(fd), off, whence)
	r.NextTick(func() { cb(pos, mapErrno(err)) })
}

func (r *iouringReactor) Open(path string, flags int, mode uint32, cb func(fd FD, err error)) {
	// Completed through the OpAccept branch, which reports res as an fd.
	op := &iouringOp{kind: OpAccept, onAccept: func(fd FD, _ netip.AddrPort, err error) { cb(fd, err) }}
	id := r.track(op)
	sqe := r.getSQE()
	sqe.PrepOpenat(unix.AT_FDCWD, path, uint32(flags), mode)
	sqe.UserData = id
}

func (r *iouringReactor) Close(fd FD, cb func(ok bool)) {
	op := &iouringOp{kind: OpClose, fd: int(fd)}
	id := r.track(op)
	sqe := r.getSQE()
	sqe.PrepClose(int(fd))
	sqe.UserData = id
	r.byUser[id].onConnect = func(_ FD, err error) { cb(err == nil) }
}

// Poll uses io_uring's POLL_ADD opcode rather than the self-managed
// readiness loop the epoll/kqueue backends need, since io_uring can
// report readiness natively.
func (r *iouringReactor) Poll(fd FD, ev PollEvent, multi bool, cb func(err error)) (cancel func()) {
	mask := uint32(unix.POLLIN)
	if ev == PollWrite {
		mask = unix.POLLOUT
	}
	op := &iouringOp{kind: OpPoll, fd: int(fd)}
	id := r.track(op)
	sqe := r.getSQE()
	if multi {
		sqe.PrepPollMultishot(int(fd), mask)
	} else {
		sqe.PrepPollAdd(int(fd), mask)
	}
	sqe.UserData = id
	r.byUser[id].onConnect = func(_ FD, err error) { cb(err) }
	return func() {
		csqe := r.getSQE()
		csqe.PrepPollRemove(id)
		csqe.UserData = 0
	}
}

func (r *iouringReactor) Tick(block bool) error {
	r.drainNextTicks()

	n, err := r.ring.Submit()
	_ = n
	if err != nil {
		return fmt.Errorf("reactor: io_uring_enter(submit): %w", err)
	}

	waitNr := uint32(0)
	if block && len(r.byUser) == 0 {
		waitNr = 0 // nothing to wait for; timers still drive the loop
	} else if block {
		waitNr = 1
	}

	if waitNr > 0 {
		if _, err := r.ring.SubmitAndWaitTimeout(waitNr, waitTimespec(r.waitDuration(block)), nil); err != nil && err != unix.EINTR && err != unix.ETIME {
			return fmt.Errorf("reactor: io_uring wait: %w", err)
		}
	}

	var cqe *giouring.CompletionQueueEvent
	for {
		cqe, err = r.ring.PeekCQE()
		if err != nil {
			break
		}
		r.complete(cqe)
		r.ring.CQESeen(cqe)
	}

	r.timeouts.fireExpired(time.Now())
	return nil
}

func (r *iouringReactor) complete(cqe *giouring.CompletionQueueEvent) {
	id := cqe.UserData
	op, ok := r.byUser[id]
	if !ok {
		return
	}
	delete(r.byUser, id)
	r.decWaiting()

	res := int(cqe.Res)

	switch op.kind {
	case OpAccept:
		if res < 0 {
			op.onAccept(0, netip.AddrPort{}, mapErrno(unix.Errno(-res)))
			return
		}
		op.onAccept(FD(res), netip.AddrPort{}, nil)
	case OpConnect:
		if res < 0 {
			op.onConnect(0, mapErrno(unix.Errno(-res)))
			return
		}
		op.onConnect(FD(op.fd), nil)
	case OpRecv:
		if res < 0 {
			op.onRecv(op.done, netip.AddrPort{}, mapErrno(unix.Errno(-res)))
			return
		}
		if res == 0 {
			op.onRecv(op.done, netip.AddrPort{}, ErrConnectionClosed)
			return
		}
		op.done += res
		if op.all && op.done < len(op.buf) {
			r.submitRecv(op)
			return
		}
		op.onRecv(op.done, netip.AddrPort{}, nil)
	case OpSend:
		if res < 0 {
			op.onSend(op.done, mapErrno(unix.Errno(-res)))
			return
		}
		op.done += res
		if op.all && op.done < len(op.buf) {
			r.submitSend(op)
			return
		}
		op.onSend(op.done, nil)
	case OpRead:
		if res < 0 {
			op.onRW(op.done, mapErrno(unix.Errno(-res)))
			return
		}
		if res == 0 {
			op.onRW(op.done, nil)
			return
		}
		op.done += res
		if op.all && op.done < len(op.buf) {
			r.submitReadAt(op)
			return
		}
		op.onRW(op.done, nil)
	case OpWrite:
		if res < 0 {
			op.onRW(op.done, mapErrno(unix.Errno(-res)))
			return
		}
		op.done += res
		if op.all && op.done < len(op.buf) {
			r.submitWriteAt(op)
			return
		}
		op.onRW(op.done, nil)
	case OpClose:
		if res < 0 {
			op.onConnect(0, mapErrno(unix.Errno(-res)))
			return
		}
		op.onConnect(0, nil)
	case OpPoll:
		if res < 0 {
			op.onConnect(0, mapErrno(unix.Errno(-res)))
			return
		}
		op.onConnect(0, nil)
	}
}

func waitTimespec(d time.Duration) *unix.Timespec {
	if d < 0 {
		return nil
	}
	ts := unix.NsecToTimespec(d.Nanoseconds())
	return &ts
}

func sockaddrToRaw(sa unix.Sockaddr) *unix.RawSockaddrAny {
	var raw unix.RawSockaddrAny
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		in4 := (*unix.RawSockaddrInet4)(unsafe.Pointer(&raw))
		in4.Family = unix.AF_INET
		in4.Port[0] = byte(s.Port >> 8)
		in4.Port[1] = byte(s.Port)
		in4.Addr = s.Addr
	case *unix.SockaddrInet6:
		in6 := (*unix.RawSockaddrInet6)(unsafe.Pointer(&raw))
		in6.Family = unix.AF_INET6
		in6.Port[0] = byte(s.Port >> 8)
		in6.Port[1] = byte(s.Port)
		in6.Addr = s.Addr
	}
	return &raw
}

func (r *iouringReactor) Run() error {
	for r.NumWaiting() > 0 {
		if err := r.Tick(true); err != nil {
			return err
		}
	}
	return nil
}

func (r *iouringReactor) Destroy() error {
	r.ring.QueueExit()
	return nil
}
