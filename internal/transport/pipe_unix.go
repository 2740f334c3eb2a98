//go:build unix

package transport

import (
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// fdChannel reads and writes raw non-blocking descriptors so that EAGAIN
// reaches the caller instead of parking in the runtime poller.
type fdChannel struct {
	mu           sync.RWMutex
	recv         int
	send         int
	closed       bool
	aborted      atomic.Bool
	writeTimeout time.Duration
}

func newFDChannel(recv, send int, writeTimeout time.Duration) *fdChannel {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &fdChannel{recv: recv, send: send, writeTimeout: writeTimeout}
}

func (c *fdChannel) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, ErrClosed
	}
	for {
		n, err := unix.Read(c.recv, p)
		switch {
		case err == nil && n == 0:
			return 0, io.EOF
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		default:
			return 0, err
		}
	}
}

// Write waits for room in short slices so that Abort and Close release it
// promptly. A peer that drains nothing for writeTimeout fails the write.
func (c *fdChannel) Write(p []byte) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, ErrClosed
	}
	deadline := time.Now().Add(c.writeTimeout)
	written := 0
	for written < len(p) {
		if c.aborted.Load() {
			return written, ErrClosed
		}
		n, err := unix.Write(c.send, p[written:])
		if n > 0 {
			written += n
			deadline = time.Now().Add(c.writeTimeout)
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if !time.Now().Before(deadline) {
				return written, ErrWriteTimeout
			}
			if werr := waitWritable(c.send, writeWaitSlice); werr != nil {
				return written, werr
			}
			continue
		case errors.Is(err, unix.EPIPE):
			return written, ErrDisconnected
		default:
			return written, err
		}
	}
	return written, nil
}

// TryWrite makes a single write attempt. Writes up to PIPE_BUF are atomic, so
// a short message either goes out whole or not at all.
func (c *fdChannel) TryWrite(p []byte) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.aborted.Load() {
		return 0, ErrClosed
	}
	for {
		n, err := unix.Write(c.send, p)
		if n < 0 {
			n = 0
		}
		switch {
		case err == nil && n < len(p):
			return n, ErrWouldBlock
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return n, ErrWouldBlock
		case errors.Is(err, unix.EPIPE):
			return n, ErrDisconnected
		default:
			return n, err
		}
	}
}

func (c *fdChannel) Abort() {
	c.aborted.Store(true)
}

func (c *fdChannel) Close() error {
	c.aborted.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err1 := unix.Close(c.recv)
	err2 := unix.Close(c.send)
	return errors.Join(err1, err2)
}

func (c *fdChannel) String() string {
	return "fd:" + strconv.Itoa(c.recv) + "/" + strconv.Itoa(c.send)
}

// waitWritable returns when fd has room or wait elapsed.
func waitWritable(fd int, wait time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(fds, int(wait/time.Millisecond))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

func openClient(ids [4]string) (Channel, error) {
	recv, err := parseFD(ids[0])
	if err != nil {
		return nil, err
	}
	send, err := parseFD(ids[1])
	if err != nil {
		return nil, err
	}
	for _, fd := range []int{recv, send} {
		if err := unix.SetNonblock(fd, true); err != nil {
			return nil, err
		}
		unix.CloseOnExec(fd)
	}
	return newFDChannel(recv, send, DefaultWriteTimeout), nil
}
