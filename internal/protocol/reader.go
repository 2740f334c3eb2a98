package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/g960059/plugbridge/internal/transport"
)

const initialLineBuffer = 256

// LineReader splits a non-blocking byte stream into lines. Bytes of an
// unfinished line stay buffered across calls. The buffer starts at 256 bytes
// and only grows for longer lines.
type LineReader struct {
	r       io.Reader
	buf     []byte
	start   int
	scanned int
	// discarding is set after an oversize line until its terminator is seen.
	discarding bool
}

func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: r, buf: make([]byte, 0, initialLineBuffer)}
}

// Buffered returns the number of unread bytes held.
func (lr *LineReader) Buffered() int {
	return len(lr.buf) - lr.start
}

// ReadLine returns the next line without its terminator, with carriage
// returns mapped back to newlines. It returns transport.ErrWouldBlock when no
// complete line is available yet and io.EOF when the stream ended; a partial
// line at EOF is discarded. A line longer than MaxLineSize is reported once
// with ErrInvalidLine and the rest of it is skipped.
func (lr *LineReader) ReadLine() (string, error) {
	for {
		if line, ok := lr.next(); ok {
			return line, nil
		}
		if err := lr.fill(); err != nil {
			return "", err
		}
	}
}

// ReadN returns the next n bytes verbatim. They must be followed by a
// newline, which is consumed too. Without one the n bytes and the rest of
// that line are dropped and ErrInvalidLine is returned.
func (lr *LineReader) ReadN(n int) (string, error) {
	if n < 0 || n >= MaxLineSize {
		return "", fmt.Errorf("%w: fixed line of %d bytes", ErrInvalidLine, n)
	}
	for {
		if lr.skipDiscarded() {
			pending := lr.buf[lr.start:]
			if len(pending) > n {
				if pending[n] != '\n' {
					lr.consume(n)
					lr.discarding = true
					return "", fmt.Errorf("%w: no terminator after %d bytes", ErrInvalidLine, n)
				}
				s := string(pending[:n])
				lr.consume(n + 1)
				return s, nil
			}
		}
		if err := lr.fill(); err != nil {
			return "", err
		}
	}
}

func (lr *LineReader) next() (string, bool) {
	if !lr.skipDiscarded() {
		return "", false
	}
	pending := lr.buf[lr.start:]
	i := bytes.IndexByte(pending[lr.scanned:], '\n')
	if i < 0 {
		lr.scanned = len(pending)
		return "", false
	}
	end := lr.scanned + i
	s := Unescape(string(pending[:end]))
	lr.consume(end + 1)
	return s, true
}

// skipDiscarded drops buffered bytes of an oversize line. It reports whether
// the reader is back at the start of a line.
func (lr *LineReader) skipDiscarded() bool {
	if !lr.discarding {
		return true
	}
	i := bytes.IndexByte(lr.buf[lr.start:], '\n')
	if i < 0 {
		lr.buf = lr.buf[:0]
		lr.start, lr.scanned = 0, 0
		return false
	}
	lr.consume(i + 1)
	lr.discarding = false
	return true
}

func (lr *LineReader) consume(n int) {
	lr.start += n
	lr.scanned = 0
	if lr.start == len(lr.buf) {
		lr.buf = lr.buf[:0]
		lr.start = 0
	}
}

func (lr *LineReader) fill() error {
	if lr.start > 0 {
		n := copy(lr.buf, lr.buf[lr.start:])
		lr.buf = lr.buf[:n]
		lr.start = 0
	}
	if len(lr.buf) == cap(lr.buf) {
		if len(lr.buf) >= MaxLineSize {
			lr.buf = lr.buf[:0]
			lr.scanned = 0
			lr.discarding = true
			return fmt.Errorf("%w: line exceeds %d bytes", ErrInvalidLine, MaxLineSize)
		}
		grown := make([]byte, len(lr.buf), 2*cap(lr.buf))
		copy(grown, lr.buf)
		lr.buf = grown
	}
	n, err := lr.r.Read(lr.buf[len(lr.buf):cap(lr.buf)])
	lr.buf = lr.buf[:len(lr.buf)+n]
	if n > 0 {
		return nil
	}
	switch {
	case err == nil:
		return transport.ErrWouldBlock
	case errors.Is(err, transport.ErrWouldBlock):
		return transport.ErrWouldBlock
	default:
		return err
	}
}
