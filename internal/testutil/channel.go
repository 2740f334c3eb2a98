package testutil

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/g960059/plugbridge/internal/transport"
)

type memBuf struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

// MemChannel is an in-memory transport.Channel. Reads never block, like the
// pipe transports.
type MemChannel struct {
	in, out *memBuf
	closed  atomic.Bool
}

// ChannelPair returns two connected channels: bytes written to one are read
// from the other.
func ChannelPair() (*MemChannel, *MemChannel) {
	ab, ba := &memBuf{}, &memBuf{}
	return &MemChannel{in: ba, out: ab}, &MemChannel{in: ab, out: ba}
}

func (c *MemChannel) Read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, transport.ErrClosed
	}
	c.in.mu.Lock()
	defer c.in.mu.Unlock()
	if len(c.in.data) == 0 {
		if c.in.closed {
			return 0, io.EOF
		}
		return 0, transport.ErrWouldBlock
	}
	n := copy(p, c.in.data)
	c.in.data = c.in.data[n:]
	return n, nil
}

func (c *MemChannel) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, transport.ErrClosed
	}
	c.out.mu.Lock()
	defer c.out.mu.Unlock()
	if c.out.closed {
		return 0, transport.ErrDisconnected
	}
	c.out.data = append(c.out.data, p...)
	return len(p), nil
}

// Close ends both directions; the peer sees EOF on read and
// ErrDisconnected on write.
func (c *MemChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, b := range []*memBuf{c.in, c.out} {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
	}
	return nil
}

// Pending returns a copy of the bytes written to c and not yet read by its
// peer.
func (c *MemChannel) Pending() []byte {
	c.out.mu.Lock()
	defer c.out.mu.Unlock()
	return append([]byte(nil), c.out.data...)
}
