//go:build windows

package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

var procPeekNamedPipe = windows.NewLazySystemDLL("kernel32.dll").NewProc("PeekNamedPipe")

func peekAvailable(h windows.Handle) (uint32, error) {
	var avail uint32
	r, _, err := procPeekNamedPipe.Call(uintptr(h), 0, 0, 0, uintptr(unsafe.Pointer(&avail)), 0)
	if r == 0 {
		return 0, err
	}
	return avail, nil
}

// pipeHandle is one end of a named pipe. Host ends are overlapped and become
// usable only after the child connects.
type pipeHandle struct {
	h          windows.Handle
	overlapped bool
	server     bool

	connected bool
	connectOv *windows.Overlapped
}

func (p *pipeHandle) ensureConnected(wait bool) error {
	if !p.server || p.connected {
		return nil
	}
	if p.connectOv == nil {
		ev, err := windows.CreateEvent(nil, 1, 0, nil)
		if err != nil {
			return fmt.Errorf("create connect event: %w", err)
		}
		p.connectOv = &windows.Overlapped{HEvent: ev}
		err = windows.ConnectNamedPipe(p.h, p.connectOv)
		switch {
		case err == nil, errors.Is(err, windows.ERROR_PIPE_CONNECTED):
			p.connected = true
			return nil
		case errors.Is(err, windows.ERROR_IO_PENDING):
		default:
			return fmt.Errorf("connect named pipe: %w", err)
		}
	}
	var done uint32
	err := windows.GetOverlappedResult(p.h, p.connectOv, &done, wait)
	switch {
	case err == nil, errors.Is(err, windows.ERROR_PIPE_CONNECTED):
		p.connected = true
		return nil
	case errors.Is(err, windows.ERROR_IO_INCOMPLETE):
		return ErrWouldBlock
	default:
		return fmt.Errorf("connect named pipe: %w", err)
	}
}

func (p *pipeHandle) io(buf []byte, write bool) (int, error) {
	var done uint32
	if !p.overlapped {
		var err error
		if write {
			err = windows.WriteFile(p.h, buf, &done, nil)
		} else {
			err = windows.ReadFile(p.h, buf, &done, nil)
		}
		return int(done), err
	}
	ev, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return 0, err
	}
	defer windows.CloseHandle(ev)
	ov := &windows.Overlapped{HEvent: ev}
	if write {
		err = windows.WriteFile(p.h, buf, &done, ov)
	} else {
		err = windows.ReadFile(p.h, buf, &done, ov)
	}
	if err != nil && !errors.Is(err, windows.ERROR_IO_PENDING) {
		return int(done), err
	}
	if err := windows.GetOverlappedResult(p.h, ov, &done, true); err != nil {
		return int(done), err
	}
	return int(done), nil
}

// writeBounded is an overlapped write that gives up at deadline or once
// aborted is set. The pending I/O is cancelled before returning.
func (p *pipeHandle) writeBounded(buf []byte, deadline time.Time, aborted *atomic.Bool) (int, error) {
	if !p.overlapped {
		return p.io(buf, true)
	}
	ev, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return 0, err
	}
	defer windows.CloseHandle(ev)
	ov := &windows.Overlapped{HEvent: ev}
	var done uint32
	err = windows.WriteFile(p.h, buf, &done, ov)
	if err != nil && !errors.Is(err, windows.ERROR_IO_PENDING) {
		return int(done), err
	}
	for {
		state, werr := windows.WaitForSingleObject(ov.HEvent, uint32(writeWaitSlice/time.Millisecond))
		if werr != nil {
			return 0, werr
		}
		if state == windows.WAIT_OBJECT_0 {
			break
		}
		if aborted.Load() || !time.Now().Before(deadline) {
			_ = windows.CancelIoEx(p.h, ov)
			_ = windows.GetOverlappedResult(p.h, ov, &done, true)
			if aborted.Load() {
				return int(done), ErrClosed
			}
			return int(done), ErrWriteTimeout
		}
	}
	if err := windows.GetOverlappedResult(p.h, ov, &done, false); err != nil {
		return int(done), err
	}
	return int(done), nil
}

func (p *pipeHandle) close() error {
	var errs []error
	if p.connectOv != nil {
		if !p.connected {
			_ = windows.CancelIoEx(p.h, p.connectOv)
		}
		errs = append(errs, windows.CloseHandle(p.connectOv.HEvent))
		p.connectOv = nil
	}
	errs = append(errs, windows.CloseHandle(p.h))
	return errors.Join(errs...)
}

// pipeChannel guards each direction with its own lock so that a slow write
// never holds up the non-blocking read path.
type pipeChannel struct {
	rmu          sync.Mutex
	wmu          sync.Mutex
	recv         *pipeHandle
	send         *pipeHandle
	closed       atomic.Bool
	aborted      atomic.Bool
	writeTimeout time.Duration
}

func newPipeChannel(recv, send *pipeHandle, writeTimeout time.Duration) *pipeChannel {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &pipeChannel{recv: recv, send: send, writeTimeout: writeTimeout}
}

func isDisconnect(err error) bool {
	return errors.Is(err, windows.ERROR_BROKEN_PIPE) ||
		errors.Is(err, windows.ERROR_NO_DATA) ||
		errors.Is(err, windows.ERROR_PIPE_NOT_CONNECTED)
}

func (c *pipeChannel) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if err := c.recv.ensureConnected(false); err != nil {
		return 0, err
	}
	avail, err := peekAvailable(c.recv.h)
	if err != nil {
		if isDisconnect(err) {
			return 0, io.EOF
		}
		return 0, err
	}
	if avail == 0 {
		return 0, ErrWouldBlock
	}
	if int(avail) < len(p) {
		p = p[:avail]
	}
	n, err := c.recv.io(p, false)
	if err != nil && isDisconnect(err) {
		return n, io.EOF
	}
	return n, err
}

// connectSend waits for the child to open its read end, polling so that the
// wait honours deadline and Abort.
func (c *pipeChannel) connectSend(deadline time.Time) error {
	for {
		err := c.send.ensureConnected(false)
		if !errors.Is(err, ErrWouldBlock) {
			return err
		}
		if c.aborted.Load() {
			return ErrClosed
		}
		if !time.Now().Before(deadline) {
			return ErrWriteTimeout
		}
		time.Sleep(writeWaitSlice)
	}
}

func (c *pipeChannel) write(p []byte, deadline time.Time) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed.Load() || c.aborted.Load() {
		return 0, ErrClosed
	}
	if err := c.connectSend(deadline); err != nil {
		return 0, err
	}
	written := 0
	for written < len(p) {
		n, err := c.send.writeBounded(p[written:], deadline, &c.aborted)
		written += n
		if err != nil {
			if isDisconnect(err) {
				return written, ErrDisconnected
			}
			return written, err
		}
	}
	return written, nil
}

func (c *pipeChannel) Write(p []byte) (int, error) {
	return c.write(p, time.Now().Add(c.writeTimeout))
}

// TryWrite gives the write a single wait slice.
func (c *pipeChannel) TryWrite(p []byte) (int, error) {
	n, err := c.write(p, time.Now().Add(writeWaitSlice))
	if errors.Is(err, ErrWriteTimeout) {
		return n, ErrWouldBlock
	}
	return n, err
}

func (c *pipeChannel) Abort() {
	c.aborted.Store(true)
}

func (c *pipeChannel) Close() error {
	c.aborted.Store(true)
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.recv == c.send {
		return c.recv.close()
	}
	return errors.Join(c.recv.close(), c.send.close())
}

func openPipeClient(name string) (*pipeHandle, error) {
	path, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadChannelID, name)
	}
	h, err := windows.CreateFile(path,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0, nil, windows.OPEN_EXISTING, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return &pipeHandle{h: h}, nil
}

func openClient(ids [4]string) (Channel, error) {
	recv, err := openPipeClient(ids[0])
	if err != nil {
		return nil, err
	}
	send, err := openPipeClient(ids[1])
	if err != nil {
		_ = recv.close()
		return nil, err
	}
	return newPipeChannel(recv, send, DefaultWriteTimeout), nil
}
