//go:build linux && !iouring

package reactor

import (
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

// newDefault on Linux without the `iouring` build tag returns the epoll
// backend. Build with `-tags iouring` to get reactor_iouring_linux.go
// instead.
func newDefault() (Reactor, error) {
	return newEpollReactor()
}

// epollReactor implements Reactor over golang.org/x/sys/unix's epoll
// wrappers. Operations that would block register EPOLLIN/EPOLLOUT with
// one-shot semantics (EPOLLONESHOT) and resubmit; this mirrors the
// kqueue backend's EV_ONESHOT discipline described in spec.md §4.1,
// since a raw epoll fd (unlike io_uring) has no native read/write
// completion notion of its own.
type epollReactor struct {
	*core
	epfd int
	// registered tracks the event mask currently armed per fd so Poll
	// calls can upgrade/merge rather than clobber.
	registered map[int]uint32
	pending    map[int][]pendingOp
}

func newEpollReactor() (*epollReactor, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &epollReactor{
		core:       newCore(),
		epfd:       fd,
		registered: make(map[int]uint32),
		pending:    make(map[int][]pendingOp),
	}, nil
}

func toEpollBit(ev PollEvent) uint32 {
	if ev == PollRead {
		return unix.EPOLLIN
	}
	return unix.EPOLLOUT
}

func (r *epollReactor) arm(fd int, ev PollEvent) error {
	bit := toEpollBit(ev)
	cur, known := r.registered[fd]
	want := cur | bit | unix.EPOLLONESHOT
	event := unix.EpollEvent{Events: want, Fd: int32(fd)}
	op := unix.EPOLL_CTL_MOD
	if !known {
		op = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(r.epfd, op, fd, &event); err != nil {
		return err
	}
	r.registered[fd] = want
	return nil
}

func (r *epollReactor) Poll(fd FD, ev PollEvent, multi bool, cb func(err error)) (cancel func()) {
	ifd := int(fd)
	if err := r.arm(ifd, ev); err != nil {
		cb(err)
		return func() {}
	}
	r.incWaiting()
	id := r.nextOpID()
	var op pendingOp
	op = pendingOp{id: id, ev: ev, fn: func(err error) {
		r.decWaiting()
		cb(err)
		if multi && err == nil {
			r.incWaiting()
			r.arm(ifd, ev)
			r.pending[ifd] = append(r.pending[ifd], op)
		}
	}}
	r.pending[ifd] = append(r.pending[ifd], op)
	canceled := false
	return func() {
		if canceled {
			return
		}
		canceled = true
		ops := r.pending[ifd]
		for i, p := range ops {
			if p.id == id {
				r.pending[ifd] = append(ops[:i], ops[i+1:]...)
				r.decWaiting()
				break
			}
		}
	}
}

// recvAll/sendAll etc. loop the non-blocking syscall until EAGAIN, then
// arm Poll and resume, implementing the "_all" semantics of spec.md §3.

func (r *epollReactor) Recv(sock FD, buf []byte, all bool, cb func(n int, from netip.AddrPort, err error)) {
	r.recvLoop(int(sock), buf, 0, all, cb)
}

func (r *epollReactor) recvLoop(fd int, buf []byte, done int, all bool, cb func(n int, from netip.AddrPort, err error)) {
	for {
		n, from, err := recvfromAddr(fd, buf[done:])
		if err == unix.EAGAIN {
			r.Poll(FD(fd), PollRead, false, func(perr error) {
				if perr != nil {
					cb(done, netip.AddrPort{}, perr)
					return
				}
				r.recvLoop(fd, buf, done, all, cb)
			})
			return
		}
		if err != nil {
			cb(done, netip.AddrPort{}, mapErrno(err))
			return
		}
		if n == 0 {
			cb(done, from, ErrConnectionClosed)
			return
		}
		done += n
		if !all || done >= len(buf) {
			cb(done, from, nil)
			return
		}
	}
}

func (r *epollReactor) Send(sock FD, buf []byte, all bool, cb func(n int, err error)) {
	r.sendLoop(int(sock), buf, 0, all, cb)
}

func (r *epollReactor) sendLoop(fd int, buf []byte, done int, all bool, cb func(n int, err error)) {
	for {
		n, err := unix.Write(fd, buf[done:])
		if err == unix.EAGAIN {
			r.Poll(FD(fd), PollWrite, false, func(perr error) {
				if perr != nil {
					cb(done, perr)
					return
				}
				r.sendLoop(fd, buf, done, all, cb)
			})
			return
		}
		if err != nil {
			cb(done, mapErrno(err))
			return
		}
		done += n
		if !all || done >= len(buf) {
			cb(done, nil)
			return
		}
	}
}

func (r *epollReactor) SendTo(sock FD, buf []byte, ep netip.AddrPort, cb func(n int, err error)) {
	sa := addrPortToSockaddr(ep)
	n, err := 0, error(nil)
	for {
		werr := unix.Sendto(int(sock), buf[n:], 0, sa)
		if werr == unix.EAGAIN {
			r.Poll(sock, PollWrite, false, func(perr error) {
				if perr != nil {
					cb(n, perr)
					return
				}
				r.SendTo(sock, buf[n:], ep, cb)
			})
			return
		}
		if werr != nil {
			cb(n, mapErrno(werr))
			return
		}
		n = len(buf)
		cb(n, err)
		return
	}
}

func (r *epollReactor) ReadAt(fd FD, off int64, buf []byte, all bool, cb func(n int, err error)) {
	readLoop(int(fd), off, buf, 0, all, cb)
}

func readLoop(fd int, off int64, buf []byte, done int, all bool, cb func(n int, err error)) {
	for {
		var n int
		var err error
		if off < 0 {
			n, err = unix.Read(fd, buf[done:])
		} else {
			n, err = unix.Pread(fd, buf[done:], off+int64(done))
		}
		if err != nil {
			cb(done, mapErrno(err))
			return
		}
		if n == 0 {
			cb(done, nil)
			return
		}
		done += n
		if !all || done >= len(buf) {
			cb(done, nil)
			return
		}
	}
}

func (r *epollReactor) WriteAt(fd FD, off int64, buf []byte, all bool, cb func(n int, err error)) {
	done := 0
	for {
		var n int
		var err error
		if off < 0 {
			n, err = unix.Write(int(fd), buf[done:])
		} else {
			n, err = unix.Pwrite(int(fd), buf[done:], off+int64(done))
		}
		if err != nil {
			cb(done, mapErrno(err))
			return
		}
		done += n
		if !all || done >= len(buf) {
			cb(done, nil)
			return
		}
	}
}

func (r *epollReactor) Seek(fd FD, off int64, whence int, cb func(pos int64, err error)) {
	pos, err := unix.Seek(int(fd), off, whence)
	cb(pos, mapErrno(err))
}

func (r *epollReactor) Open(path string, flags int, mode uint32, cb func(fd FD, err error)) {
	fd, err := unix.Open(path, flags|unix.O_NONBLOCK, mode)
	cb(FD(fd), mapErrno(err))
}

func (r *epollReactor) Close(fd FD, cb func(ok bool)) {
	delete(r.registered, int(fd))
	delete(r.pending, int(fd))
	err := unix.Close(int(fd))
	r.NextTick(func() { cb(err == nil) })
}

func (r *epollReactor) Accept(listenFD FD, cb func(clientFD FD, peer netip.AddrPort, err error)) {
	r.acceptLoop(int(listenFD), cb)
}

func (r *epollReactor) acceptLoop(fd int, cb func(clientFD FD, peer netip.AddrPort, err error)) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err == unix.EAGAIN {
		r.Poll(FD(fd), PollRead, false, func(perr error) {
			if perr != nil {
				cb(0, netip.AddrPort{}, perr)
				return
			}
			r.acceptLoop(fd, cb)
		})
		return
	}
	if err != nil {
		cb(0, netip.AddrPort{}, mapErrno(err))
		return
	}
	cb(FD(nfd), sockaddrToAddrPort(sa), nil)
}

func (r *epollReactor) Connect(ep netip.AddrPort, cb func(fd FD, err error)) {
	fd, err := unix.Socket(domainFor(ep), unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		cb(0, mapErrno(err))
		return
	}
	sa := addrPortToSockaddr(ep)
	err = unix.Connect(fd, sa)
	if err == nil {
		cb(FD(fd), nil)
		return
	}
	if err != unix.EINPROGRESS {
		unix.Close(fd)
		cb(0, mapErrno(err))
		return
	}
	r.Poll(FD(fd), PollWrite, false, func(perr error) {
		if perr != nil {
			unix.Close(fd)
			cb(0, perr)
			return
		}
		soerr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if gerr != nil || soerr != 0 {
			unix.Close(fd)
			if soerr != 0 {
				cb(0, mapErrno(unix.Errno(soerr)))
			} else {
				cb(0, mapErrno(gerr))
			}
			return
		}
		cb(FD(fd), nil)
	})
}

func (r *epollReactor) Tick(block bool) error {
	r.drainNextTicks()

	wait := r.waitDuration(block)
	timeoutMs := -1
	if wait >= 0 {
		timeoutMs = int(wait / time.Millisecond)
	}

	events := make([]unix.EpollEvent, r.tickCap)
	n, err := unix.EpollWait(r.epfd, events, timeoutMs)
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("reactor: epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		mask := events[i].Events
		ops := r.pending[fd]
		remaining := ops[:0]
		for _, op := range ops {
			bit := toEpollBit(op.ev)
			if mask&(bit|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				var opErr error
				if mask&unix.EPOLLERR != 0 {
					opErr = fmt.Errorf("reactor: EPOLLERR on fd %d", fd)
				}
				op.fn(opErr)
			} else {
				remaining = append(remaining, op)
			}
		}
		if len(remaining) == 0 {
			delete(r.pending, fd)
		} else {
			r.pending[fd] = remaining
		}
	}

	r.timeouts.fireExpired(time.Now())
	return nil
}

func (r *epollReactor) Run() error {
	for r.NumWaiting() > 0 {
		if err := r.Tick(true); err != nil {
			return err
		}
	}
	return nil
}

func (r *epollReactor) Destroy() error {
	return unix.Close(r.epfd)
}

// mapErrno, domainFor, addrPortToSockaddr, sockaddrToAddrPort, and
// recvfromAddr are shared with the kqueue and io_uring backends; see
// reactor_unix_helpers.go.
