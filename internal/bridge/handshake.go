package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/g960059/plugbridge/internal/protocol"
	"github.com/g960059/plugbridge/internal/transport"
)

// HandshakeState tracks a server through startup.
type HandshakeState int

const (
	StateCreated HandshakeState = iota
	StateAwaitingHello
	StateReady
	StateFailed
)

func (s HandshakeState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingHello:
		return "awaiting-hello"
	case StateReady:
		return "ready"
	default:
		return "failed"
	}
}

// failedChildGrace bounds the wait for a killed child after a failed
// handshake.
const failedChildGrace = 2 * time.Second

// awaitHello polls lr until the child's first line arrives. The first line
// must be empty.
func awaitHello(ctx context.Context, lr *protocol.LineReader, proc transport.Process, timeout, poll time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		line, err := lr.ReadLine()
		switch {
		case err == nil:
			if line != "" {
				return fmt.Errorf("%w: unexpected first line %q", ErrHandshake, line)
			}
			return nil
		case !errors.Is(err, transport.ErrWouldBlock):
			return fmt.Errorf("%w: %w", ErrHandshake, err)
		}
		if exited, _ := proc.Exited(); exited {
			return fmt.Errorf("%w: child exited before hello", ErrHandshake)
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: no hello within %s: %w", ErrHandshake, timeout, ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrHandshake, ctx.Err())
		case <-ticker.C:
		}
	}
}

// abandon kills a child that never became ready and releases everything it
// holds.
func abandon(l *transport.Launched) {
	_ = l.Process.Kill()
	transport.WaitForExit(context.Background(), l.Process, failedChildGrace)
	_ = l.Channel.Close()
	_ = l.Process.Release()
}
