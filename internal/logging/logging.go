// Package logging holds the slog setup shared by the bridge packages and
// commands.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Component attribute values.
const (
	ComponentTransport = "transport"
	ComponentBridge    = "bridge"
	ComponentPlugin    = "plugin"
	ComponentDaemon    = "daemon"
	ComponentStub      = "stub"
)

// New returns a text logger writing to w at the given minimum level.
func New(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewJSON returns a JSON logger writing to w at the given minimum level.
func NewJSON(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Component tags l with a component attribute. A nil logger yields the
// process default.
func Component(l *slog.Logger, component string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", component)
}

// ParseLevel maps a flag value to a level; unknown values fall back to info.
func ParseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Once latches a failure so that a repeating condition is reported a single
// time until Reset is called.
type Once struct {
	failed atomic.Bool
}

// Fail reports whether this is the first failure since the last reset.
func (o *Once) Fail() bool {
	return o.failed.CompareAndSwap(false, true)
}

// Reset re-arms the latch after a success.
func (o *Once) Reset() {
	o.failed.Store(false)
}

// Failed reports whether the latch is currently set.
func (o *Once) Failed() bool {
	return o.failed.Load()
}
