package transport

import "golang.org/x/sys/unix"

func setPipeSize(fd int, size int) error {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_SETPIPE_SZ, size)
	return err
}
