//go:build windows

package server

import "golang.org/x/sys/windows"

func dupFD(raw uintptr) (uintptr, error) {
	var dup windows.Handle
	proc := windows.CurrentProcess()
	err := windows.DuplicateHandle(proc, windows.Handle(raw), proc, &dup, 0, true, windows.DUPLICATE_SAME_ACCESS)
	if err != nil {
		return 0, err
	}
	return uintptr(dup), nil
}
