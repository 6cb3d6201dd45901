//go:build darwin || freebsd || netbsd || openbsd

package reactor

import (
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

func newDefault() (Reactor, error) {
	return newKqueueReactor()
}

// kqueueReactor implements Reactor over kqueue/kevent, per spec.md §4.1:
// operations that would block register EVFILT_READ/EVFILT_WRITE with
// EV_ONESHOT, timeouts are managed by the reactor itself (timeoutQueue),
// and connect completion is detected via getsockopt(SO_ERROR).
type kqueueReactor struct {
	*core
	kq      int
	pending map[int][]pendingOp
}

func newKqueueReactor() (*kqueueReactor, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("reactor: kqueue: %w", err)
	}
	unix.CloseOnExec(kq)
	return &kqueueReactor{
		core:    newCore(),
		kq:      kq,
		pending: make(map[int][]pendingOp),
	}, nil
}

func filterFor(ev PollEvent) int16 {
	if ev == PollRead {
		return unix.EVFILT_READ
	}
	return unix.EVFILT_WRITE
}

func (r *kqueueReactor) arm(fd int, ev PollEvent) error {
	kev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: filterFor(ev),
		Flags:  unix.EV_ADD | unix.EV_ONESHOT,
	}
	_, err := unix.Kevent(r.kq, []unix.Kevent_t{kev}, nil, nil)
	return err
}

func (r *kqueueReactor) Poll(fd FD, ev PollEvent, multi bool, cb func(err error)) (cancel func()) {
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

func (r *kqueueReactor) Recv(sock FD, buf []byte, all bool, cb func(n int, from netip.AddrPort, err error)) {
	r.recvLoop(int(sock), buf, 0, all, cb)
}

func (r *kqueueReactor) recvLoop(fd int, buf []byte, done int, all bool, cb func(n int, from netip.AddrPort, err error)) {
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

func (r *kqueueReactor) Send(sock FD, buf []byte, all bool, cb func(n int, err error)) {
	r.sendLoop(int(sock), buf, 0, all, cb)
}

func (r *kqueueReactor) sendLoop(fd int, buf []byte, done int, all bool, cb func(n int, err error)) {
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

func (r *kqueueReactor) SendTo(sock FD, buf []byte, ep netip.AddrPort, cb func(n int, err error)) {
	sa := addrPortToSockaddr(ep)
	err := unix.Sendto(int(sock), buf, 0, sa)
	if err == unix.EAGAIN {
		r.Poll(sock, PollWrite, false, func(perr error) {
			if perr != nil {
				cb(0, perr)
				return
			}
			r.SendTo(sock, buf, ep, cb)
		})
		return
	}
	cb(len(buf), mapErrno(err))
}

func (r *kqueueReactor) ReadAt(fd FD, off int64, buf []byte, all bool, cb func(n int, err error)) {
	readLoop(int(fd), off, buf, 0, all, cb)
}

func (r *kqueueReactor) WriteAt(fd FD, off int64, buf []byte, all bool, cb func(n int, err error)) {
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

func (r *kqueueReactor) Seek(fd FD, off int64, whence int, cb func(pos int64, err error)) {
	pos, err := unix.Seek(int(fd), off, whence)
	cb(pos, mapErrno(err))
}

func (r *kqueueReactor) Open(path string, flags int, mode uint32, cb func(fd FD, err error)) {
	fd, err := unix.Open(path, flags, mode)
	cb(FD(fd), mapErrno(err))
}

func (r *kqueueReactor) Close(fd FD, cb func(ok bool)) {
	delete(r.pending, int(fd))
	err := unix.Close(int(fd))
	r.NextTick(func() { cb(err == nil) })
}

func (r *kqueueReactor) Accept(listenFD FD, cb func(clientFD FD, peer netip.AddrPort, err error)) {
	r.acceptLoop(int(listenFD), cb)
}

func (r *kqueueReactor) acceptLoop(fd int, cb func(clientFD FD, peer netip.AddrPort, err error)) {
	nfd, sa, err := unix.Accept(fd)
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
	unix.SetNonblock(nfd, true)
	cb(FD(nfd), sockaddrToAddrPort(sa), nil)
}

// Connect uses getsockopt(SO_ERROR) on write-readiness to detect
// completion, exactly as spec.md §4.1 specifies for kqueue.
func (r *kqueueReactor) Connect(ep netip.AddrPort, cb func(fd FD, err error)) {
	fd, err := unix.Socket(domainFor(ep), unix.SOCK_STREAM, 0)
	if err != nil {
		cb(0, mapErrno(err))
		return
	}
	unix.SetNonblock(fd, true)
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

func (r *kqueueReactor) Tick(block bool) error {
	r.drainNextTicks()

	wait := r.waitDuration(block)
	var ts *unix.Timespec
	if wait >= 0 {
		spec := unix.NsecToTimespec(wait.Nanoseconds())
		ts = &spec
	}

	events := make([]unix.Kevent_t, r.tickCap)
	n, err := unix.Kevent(r.kq, nil, events, ts)
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("reactor: kevent: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Ident)
		isRead := events[i].Filter == unix.EVFILT_READ
		ops := r.pending[fd]
		remaining := ops[:0]
		for _, op := range ops {
			matches := (op.ev == PollRead) == isRead
			if !matches {
				remaining = append(remaining, op)
				continue
			}
			var opErr error
			if events[i].Flags&unix.EV_ERROR != 0 {
				opErr = fmt.Errorf("reactor: EV_ERROR on fd %d", fd)
			}
			op.fn(opErr)
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

func (r *kqueueReactor) Run() error {
	for r.NumWaiting() > 0 {
		if err := r.Tick(true); err != nil {
			return err
		}
	}
	return nil
}

func (r *kqueueReactor) Destroy() error {
	return unix.Close(r.kq)
}
