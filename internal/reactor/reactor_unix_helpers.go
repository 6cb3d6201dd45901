//go:build linux || darwin || freebsd || netbsd || openbsd

package reactor

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

// mapErrno classifies a raw syscall error into the NetErrorKind taxonomy
// spec.md §7 requires every backend to report uniformly. Shared by the
// epoll, kqueue, and io_uring backends -- all three run on this same set
// of POSIX platforms and see the same unix.Errno values.
func mapErrno(err error) error {
	if err == nil {
		return nil
	}
	switch err {
	case unix.ECONNRESET, unix.EPIPE:
		return &NetError{Kind: ErrKindConnectionClosed, Err: err}
	case unix.ECONNABORTED:
		return &NetError{Kind: ErrKindAborted, Err: err}
	case unix.ECONNREFUSED:
		return &NetError{Kind: ErrKindRefused, Err: err}
	case unix.ETIMEDOUT:
		return &NetError{Kind: ErrKindTimeout, Err: err}
	case unix.EHOSTUNREACH, unix.ENETUNREACH:
		return &NetError{Kind: ErrKindHostUnreachable, Err: err}
	case unix.ENOTCONN:
		return &NetError{Kind: ErrKindNotConnected, Err: err}
	case unix.EAGAIN:
		return &NetError{Kind: ErrKindWouldBlock, Err: err}
	default:
		return &NetError{Kind: ErrKindUnknown, Err: err}
	}
}

func domainFor(ep netip.AddrPort) int {
	if ep.Addr().Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func addrPortToSockaddr(ep netip.AddrPort) unix.Sockaddr {
	if ep.Addr().Is4() {
		return &unix.SockaddrInet4{Port: int(ep.Port()), Addr: ep.Addr().As4()}
	}
	return &unix.SockaddrInet6{Port: int(ep.Port()), Addr: ep.Addr().As16()}
}

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(s.Addr), uint16(s.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(s.Addr), uint16(s.Port))
	default:
		return netip.AddrPort{}
	}
}

// pendingOp is one registered Poll callback awaiting a readiness event on
// some fd. id is a stable identity for cancellation: resubmission (the
// multi case) keeps the same id, so Poll's returned cancel closure can
// find and remove the live registration by id instead of by comparing
// range-loop variable addresses, which are never stable across Go
// versions and never equal the original in the first place.
type pendingOp struct {
	id uint64
	ev PollEvent
	fn func(err error)
}

func recvfromAddr(fd int, buf []byte) (int, netip.AddrPort, error) {
	n, from, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if from == nil {
		return n, netip.AddrPort{}, nil
	}
	return n, sockaddrToAddrPort(from), nil
}
