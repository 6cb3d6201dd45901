package server

import (
	"fmt"
	"net"

	"github.com/rduvall/evhttp/internal/reactor"
)

// listenTCP opens addr with the standard library (so platform-specific
// socket setup -- IPv6 dual-stack, SO_REUSEADDR -- stays exactly what
// net.Listen already does) and hands back the raw descriptor for the
// reactor to drive directly. The net.Listener stays open alongside the
// duplicated fd until the returned close function is called; the reactor
// drives only the duplicate.
func listenTCP(addr string) (reactor.FD, func() error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, nil, err
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return 0, nil, fmt.Errorf("server: %s did not yield a *net.TCPListener", addr)
	}
	sc, err := tcpLn.SyscallConn()
	if err != nil {
		ln.Close()
		return 0, nil, err
	}

	var fd reactor.FD
	var dupErr error
	err = sc.Control(func(raw uintptr) {
		dupFD, e := dupFD(raw)
		if e != nil {
			dupErr = e
			return
		}
		fd = reactor.FD(dupFD)
	})
	if err != nil {
		ln.Close()
		return 0, nil, err
	}
	if dupErr != nil {
		ln.Close()
		return 0, nil, dupErr
	}

	// The duplicated fd is independent of tcpLn now; closing tcpLn just
	// drops the Go-side net.Listener bookkeeping, not the socket itself.
	closeFn := ln.Close
	return fd, closeFn, nil
}
