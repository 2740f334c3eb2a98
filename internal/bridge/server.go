package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/g960059/plugbridge/internal/protocol"
	"github.com/g960059/plugbridge/internal/transport"
)

// Server is the host side of a bridge. It owns the child process.
type Server struct {
	*Endpoint

	// OnFail, when set, is told once about each failed Start.
	OnFail func(err error)

	mu    sync.Mutex
	state HandshakeState
	proc  transport.Process
	args  []string
}

func NewServer(h Handler, opts Options) *Server {
	return &Server{Endpoint: newEndpoint(h, opts)}
}

func (s *Server) State() HandshakeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pid returns the child's process id, or 0 when no child runs.
func (s *Server) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

// Args returns the argument vector the child was started with.
func (s *Server) Args() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.args...)
}

func (s *Server) fail(err error) error {
	s.mu.Lock()
	s.state = StateFailed
	s.mu.Unlock()
	s.log.Error("bridge start failed", "err", err)
	if s.OnFail != nil {
		s.OnFail(err)
	}
	return err
}

// Start launches the child and waits for its hello line. On failure the
// child is killed and every handle released before returning.
func (s *Server) Start(ctx context.Context, spec transport.LaunchSpec) error {
	s.mu.Lock()
	if s.state == StateAwaitingHello || s.state == StateReady {
		s.mu.Unlock()
		return fmt.Errorf("bridge: start in state %s", s.state)
	}
	s.state = StateCreated
	s.mu.Unlock()

	if spec.Logger == nil {
		spec.Logger = s.opts.Logger
	}
	launched, err := transport.Launch(spec)
	if err != nil {
		return s.fail(err)
	}

	s.mu.Lock()
	s.state = StateAwaitingHello
	s.mu.Unlock()

	lr := protocol.NewLineReader(launched.Channel)
	if err := awaitHello(ctx, lr, launched.Process, s.opts.HandshakeTimeout, s.opts.PollInterval); err != nil {
		abandon(launched)
		return s.fail(err)
	}

	s.mu.Lock()
	s.proc = launched.Process
	s.args = launched.Args
	s.state = StateReady
	s.mu.Unlock()
	s.attach(launched.Channel, lr)
	s.log.Info("bridge ready", "pid", launched.Process.Pid(), "filename", spec.Filename)
	return nil
}

// stopLockWait bounds how long Stop waits for a writer before aborting it.
const stopLockWait = 50 * time.Millisecond

// Stop asks the child to quit, escalates to terminate and kill on timeout and
// then releases all handles regardless of the outcome. It never waits on a
// writer stuck behind a child that stopped reading.
func (s *Server) Stop(timeout time.Duration) transport.Outcome {
	if s.lockWriter(stopLockWait) {
		if s.IsRunning() {
			if err := s.tryWriteLocked(protocol.QuitSentinel + "\n"); err != nil {
				s.log.Debug("quit line not sent", "err", err)
			}
		}
		s.closed.Store(true)
		s.wmu.Unlock()
	} else {
		s.closed.Store(true)
		s.abortWriters()
		s.log.Warn("writer stuck at stop, quit line skipped")
	}

	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()

	outcome := transport.OutcomeExited
	if proc != nil {
		outcome = transport.StopOrKill(proc, timeout)
		s.log.Info("bridge stopped", "pid", proc.Pid(), "outcome", outcome.String())
	}
	_ = s.Close()
	return outcome
}

// Close releases the channel and the process handle without signalling the
// child.
func (s *Server) Close() error {
	err := s.closeChannel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		if rerr := s.proc.Release(); err == nil {
			err = rerr
		}
		s.proc = nil
	}
	if s.state == StateReady {
		s.state = StateCreated
	}
	return err
}

// ChildExited polls the child's liveness. A dead child closes the endpoint.
func (s *Server) ChildExited() bool {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return true
	}
	exited, err := proc.Exited()
	if exited || err != nil {
		s.markClosed(fmt.Errorf("child %d gone", proc.Pid()))
		return true
	}
	return false
}

func (s *Server) WriteShowMessage() error {
	return s.send(newMessage(protocol.CmdShow))
}

func (s *Server) WriteFocusMessage() error {
	return s.send(newMessage(protocol.CmdFocus))
}

func (s *Server) WriteHideMessage() error {
	return s.send(newMessage(protocol.CmdHide))
}
