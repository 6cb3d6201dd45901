//go:build !windows

package server

import "golang.org/x/sys/unix"

func dupFD(raw uintptr) (uintptr, error) {
	nfd, err := unix.Dup(int(raw))
	if err != nil {
		return 0, err
	}
	return uintptr(nfd), nil
}
