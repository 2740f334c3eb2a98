package transport

import (
	"context"
	"time"
)

// Outcome reports how a child ended during StopOrKill.
type Outcome int

const (
	// OutcomeExited: the child left on its own within the first window.
	OutcomeExited Outcome = iota
	// OutcomeTerminated: the child left after the terminate signal.
	OutcomeTerminated
	// OutcomeKilled: the child left after the kill signal.
	OutcomeKilled
	// OutcomeUnconfirmed: the child was still reported alive after kill.
	OutcomeUnconfirmed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExited:
		return "exited"
	case OutcomeTerminated:
		return "terminated"
	case OutcomeKilled:
		return "killed"
	default:
		return "unconfirmed"
	}
}

const (
	// PollInterval is the liveness poll period used while waiting for a child.
	PollInterval = 5 * time.Millisecond
	// KillGrace bounds the final wait after the kill signal.
	KillGrace = 500 * time.Millisecond
)

// WaitForExit polls p until it exits or timeout elapses. A liveness error
// counts as exited; there is nothing left to wait for.
func WaitForExit(ctx context.Context, p Process, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		exited, err := p.Exited()
		if exited || err != nil {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// StopOrKill waits timeout for p to exit on its own, then sends terminate and
// waits another timeout, then sends kill and waits KillGrace. It never blocks
// longer than 2*timeout+KillGrace plus scheduling slack.
func StopOrKill(p Process, timeout time.Duration) Outcome {
	ctx := context.Background()
	if WaitForExit(ctx, p, timeout) {
		return OutcomeExited
	}
	_ = p.Terminate()
	if WaitForExit(ctx, p, timeout) {
		return OutcomeTerminated
	}
	_ = p.Kill()
	if WaitForExit(ctx, p, KillGrace) {
		return OutcomeKilled
	}
	return OutcomeUnconfirmed
}
