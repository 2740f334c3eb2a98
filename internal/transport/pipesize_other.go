//go:build unix && !linux

package transport

// Pipe capacity is fixed by the kernel outside Linux.
func setPipeSize(fd int, size int) error {
	return nil
}
