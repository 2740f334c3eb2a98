package transport

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestChannelIDsTakesTrailingFour(t *testing.T) {
	ids, err := ChannelIDs([]string{"plugbridge-stub", "lv2", "urn:x", "label", "3", "4", "7", "8"})
	if err != nil {
		t.Fatalf("ChannelIDs failed: %v", err)
	}
	if ids != [4]string{"3", "4", "7", "8"} {
		t.Fatalf("unexpected ids: %v", ids)
	}

	if _, err := ChannelIDs([]string{"a", "b"}); !errors.Is(err, ErrBadChannelID) {
		t.Fatalf("expected ErrBadChannelID for short argv, got %v", err)
	}
	if _, err := ChannelIDs([]string{"x", "", "4", "7", "8"}); !errors.Is(err, ErrBadChannelID) {
		t.Fatalf("expected ErrBadChannelID for empty recv id, got %v", err)
	}
}

func TestParseFDRejectsNonPositive(t *testing.T) {
	for _, raw := range []string{"", "0", "-3", "abc"} {
		if _, err := parseFD(raw); !errors.Is(err, ErrBadChannelID) {
			t.Fatalf("parseFD(%q) expected ErrBadChannelID, got %v", raw, err)
		}
	}
	if fd, err := parseFD("5"); err != nil || fd != 5 {
		t.Fatalf("parseFD(5) = %d, %v", fd, err)
	}
}

func TestLaunchSpecArgv(t *testing.T) {
	ids := [4]string{"3", "4", "9", "10"}
	spec := LaunchSpec{Filename: "/opt/plugin.so", Arg1: "lv2", Arg2: "urn:a"}
	got := strings.Join(spec.argv(ids), " ")
	if got != "/opt/plugin.so lv2 urn:a 3 4 9 10" {
		t.Fatalf("unexpected argv: %s", got)
	}

	spec.Helper = "wine"
	got = strings.Join(spec.argv(ids), " ")
	if got != "wine /opt/plugin.so lv2 urn:a 3 4 9 10" {
		t.Fatalf("unexpected argv with helper: %s", got)
	}

	if _, err := Launch(LaunchSpec{}); !errors.Is(err, ErrInvalidLaunch) {
		t.Fatalf("expected ErrInvalidLaunch, got %v", err)
	}
}

func TestChildEnvRestoresLoaderVars(t *testing.T) {
	base := []string{"HOME=/home/u", "LD_LIBRARY_PATH=/host/private", "LD_PRELOAD=libhook.so", "PATH=/bin"}
	loader := LoaderEnv{"LD_LIBRARY_PATH": "/usr/local/lib"}
	env := childEnv(base, loader, []string{"PLUGBRIDGE_X=1"})

	joined := strings.Join(env, ";")
	if strings.Contains(joined, "/host/private") {
		t.Fatalf("host loader path leaked into child env: %v", env)
	}
	if strings.Contains(joined, "LD_PRELOAD") {
		t.Fatalf("LD_PRELOAD without original should be removed: %v", env)
	}
	for _, want := range []string{"HOME=/home/u", "PATH=/bin", "LD_LIBRARY_PATH=/usr/local/lib", "PLUGBRIDGE_X=1"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing %q in child env: %v", want, env)
		}
	}
	if env[len(env)-1] != "PLUGBRIDGE_X=1" {
		t.Fatalf("extra entries must come last: %v", env)
	}
}

func TestChildEnvWithoutRecordKeepsBase(t *testing.T) {
	base := []string{"LD_LIBRARY_PATH=/host/private", "PATH=/bin"}
	env := childEnv(base, nil, []string{"A=1"})
	if strings.Join(env, ";") != "LD_LIBRARY_PATH=/host/private;PATH=/bin;A=1" {
		t.Fatalf("unexpected env: %v", env)
	}
}

func TestRecordLoaderEnv(t *testing.T) {
	t.Setenv("LD_LIBRARY_PATH", "/recorded")
	env := RecordLoaderEnv()
	if env["LD_LIBRARY_PATH"] != "/recorded" {
		t.Fatalf("expected recorded LD_LIBRARY_PATH, got %q", env["LD_LIBRARY_PATH"])
	}
}

type fakeProcess struct {
	mu         sync.Mutex
	exitOn     string // "", "term", "kill", "never"
	exited     bool
	terminated time.Time
	killed     time.Time
}

func (p *fakeProcess) Pid() int { return 42 }

func (p *fakeProcess) Exited() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited, nil
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = time.Now()
	if p.exitOn == "term" {
		p.exited = true
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = time.Now()
	if p.exitOn == "kill" || p.exitOn == "term" {
		p.exited = true
	}
	return nil
}

func (p *fakeProcess) Release() error { return nil }

func TestStopOrKillEscalation(t *testing.T) {
	const timeout = 60 * time.Millisecond

	done := &fakeProcess{exited: true}
	if got := StopOrKill(done, timeout); got != OutcomeExited {
		t.Fatalf("expected exited, got %s", got)
	}
	if !done.terminated.IsZero() {
		t.Fatalf("exited child must not be signalled")
	}

	term := &fakeProcess{exitOn: "term"}
	start := time.Now()
	if got := StopOrKill(term, timeout); got != OutcomeTerminated {
		t.Fatalf("expected terminated, got %s", got)
	}
	if d := term.terminated.Sub(start); d < timeout {
		t.Fatalf("terminate sent after %s, want >= %s", d, timeout)
	}
	if !term.killed.IsZero() {
		t.Fatalf("kill must not follow a successful terminate")
	}

	stubborn := &fakeProcess{exitOn: "kill"}
	start = time.Now()
	if got := StopOrKill(stubborn, timeout); got != OutcomeKilled {
		t.Fatalf("expected killed, got %s", got)
	}
	if d := stubborn.killed.Sub(start); d < 2*timeout {
		t.Fatalf("kill sent after %s, want >= %s", d, 2*timeout)
	}

	zombie := &fakeProcess{exitOn: "never"}
	start = time.Now()
	if got := StopOrKill(zombie, timeout); got != OutcomeUnconfirmed {
		t.Fatalf("expected unconfirmed, got %s", got)
	}
	if elapsed := time.Since(start); elapsed > 2*timeout+KillGrace+500*time.Millisecond {
		t.Fatalf("StopOrKill took %s, beyond bound", elapsed)
	}
}
