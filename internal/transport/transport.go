// Package transport creates the duplex byte channel between a host and a
// bridge child process and tracks the child's liveness.
//
// The host side reads without blocking: Read returns ErrWouldBlock when no
// bytes are available. Writes wait for the peer to make room, but never
// longer than the channel's write timeout.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// DefaultWriteTimeout bounds a write to a peer that stopped reading.
const DefaultWriteTimeout = 2 * time.Second

// writeWaitSlice is how often a waiting writer rechecks abort and deadline.
const writeWaitSlice = 10 * time.Millisecond

var (
	ErrWouldBlock    = errors.New("transport: would block")
	ErrClosed        = errors.New("transport: channel closed")
	ErrDisconnected  = errors.New("transport: peer disconnected")
	ErrBadChannelID  = errors.New("transport: bad channel id")
	ErrInvalidLaunch = errors.New("transport: invalid launch spec")
	ErrWriteTimeout  = errors.New("transport: write timed out")
)

// Channel is a pair of unidirectional byte streams.
type Channel interface {
	// Read never blocks. It returns ErrWouldBlock when nothing is buffered
	// and io.EOF once the peer closed its sending end.
	Read(p []byte) (int, error)
	// Write writes all of p or returns an error. ErrDisconnected means the
	// reading side is gone; ErrWriteTimeout means it stopped draining.
	Write(p []byte) (int, error)
	Close() error
}

// Aborter is implemented by channels whose waiting writers can be released
// before Close. After Abort every write fails with ErrClosed.
type Aborter interface {
	Abort()
}

// TryWriter is implemented by channels that can attempt a write without
// waiting for room. A full peer buffer yields ErrWouldBlock.
type TryWriter interface {
	TryWrite(p []byte) (int, error)
}

// Abort releases writers blocked on ch when the channel supports it.
func Abort(ch Channel) {
	if a, ok := ch.(Aborter); ok {
		a.Abort()
	}
}

// TryWrite writes p in a single attempt when ch supports it and falls back to
// Write otherwise.
func TryWrite(ch Channel, p []byte) (int, error) {
	if tw, ok := ch.(TryWriter); ok {
		return tw.TryWrite(p)
	}
	return ch.Write(p)
}

// Process is a handle on a spawned child.
type Process interface {
	Pid() int
	// Exited polls the child without blocking.
	Exited() (bool, error)
	Terminate() error
	Kill() error
	// Release frees the OS handle. It does not signal the child.
	Release() error
}

// LaunchSpec describes a bridge child. The child receives
// [Helper] Filename Arg1 Arg2 recvID sendID hostRecvID hostSendID.
type LaunchSpec struct {
	Helper   string
	Filename string
	Arg1     string
	Arg2     string
	// BufferSize is a pipe capacity hint. Failing to apply it is not an error.
	BufferSize int
	// Env is appended to the child environment as KEY=VALUE entries.
	Env []string
	// LoaderEnv holds the host's original loader variables; see RecordLoaderEnv.
	LoaderEnv LoaderEnv
	// WriteTimeout bounds host writes; zero means DefaultWriteTimeout.
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

func (s LaunchSpec) writeTimeout() time.Duration {
	if s.WriteTimeout <= 0 {
		return DefaultWriteTimeout
	}
	return s.WriteTimeout
}

func (s LaunchSpec) validate() error {
	if s.Filename == "" {
		return fmt.Errorf("%w: filename is required", ErrInvalidLaunch)
	}
	return nil
}

func (s LaunchSpec) argv(ids [4]string) []string {
	args := make([]string, 0, 8)
	if s.Helper != "" {
		args = append(args, s.Helper)
	}
	args = append(args, s.Filename, s.Arg1, s.Arg2)
	return append(args, ids[:]...)
}

// Launched is a running child together with the host end of its channel.
type Launched struct {
	Channel Channel
	Process Process
	Args    []string
}

// Launch creates the channel pair and starts the child. On failure every
// handle created so far is closed.
func Launch(spec LaunchSpec) (*Launched, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return launch(spec)
}

// ChannelIDs extracts the four channel ids from a bridge child's argument
// vector; they are always the last four entries.
func ChannelIDs(args []string) ([4]string, error) {
	var ids [4]string
	if len(args) < 4 {
		return ids, fmt.Errorf("%w: want 4 trailing ids, got %d args", ErrBadChannelID, len(args))
	}
	copy(ids[:], args[len(args)-4:])
	for i, id := range ids[:2] {
		if id == "" {
			return ids, fmt.Errorf("%w: id %d is empty", ErrBadChannelID, i)
		}
	}
	return ids, nil
}

// OpenClient opens the child side of a channel from the ids the host put in
// the child's arguments.
func OpenClient(args []string) (Channel, error) {
	ids, err := ChannelIDs(args)
	if err != nil {
		return nil, err
	}
	return openClient(ids)
}

func parseFD(raw string) (int, error) {
	fd, err := strconv.Atoi(raw)
	if err != nil || fd <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadChannelID, raw)
	}
	return fd, nil
}
