package bridge

import "golang.org/x/sys/unix"

// dieWithParent makes the kernel kill this process when its parent exits.
func dieWithParent() error {
	return unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0)
}
