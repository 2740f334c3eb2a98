package stub

import (
	"fmt"
	"testing"
	"time"

	"github.com/g960059/plugbridge/internal/bridge"
	"github.com/g960059/plugbridge/internal/logging"
	"github.com/g960059/plugbridge/internal/protocol"
	"github.com/g960059/plugbridge/internal/testutil"
)

func testOptions() bridge.Options {
	return bridge.Options{Logger: logging.Discard(), ReadTimeout: 200 * time.Millisecond, PollInterval: time.Millisecond}
}

// echoLog records the host side of the conversation.
type echoLog struct {
	lines []string
}

func (l *echoLog) HandleMessage(ep *bridge.Endpoint, msg string) bool {
	switch msg {
	case protocol.CmdControl:
		index, err := ep.ReadNextLineAsUint()
		if err != nil {
			return false
		}
		value, err := ep.ReadNextLineAsFloat()
		if err != nil {
			return false
		}
		l.lines = append(l.lines, fmt.Sprintf("control %d %g", index, value))
	case protocol.CmdProgram:
		index, err := ep.ReadNextLineAsUint()
		if err != nil {
			return false
		}
		l.lines = append(l.lines, fmt.Sprintf("program %d", index))
	case protocol.CmdAtom:
		port, err := ep.ReadNextLineAsUint()
		if err != nil {
			return false
		}
		data, err := ep.ReadNextPayload()
		if err != nil {
			return false
		}
		l.lines = append(l.lines, fmt.Sprintf("atom %d %s", port, data))
	default:
		l.lines = append(l.lines, msg)
	}
	return true
}

func newPair(t *testing.T) (*bridge.Endpoint, *bridge.Endpoint, *Plugin, *echoLog) {
	t.Helper()
	a, b := testutil.ChannelPair()
	log := &echoLog{}
	p := New(logging.Discard())
	host := bridge.NewEndpoint(a, log, testOptions())
	child := bridge.NewEndpoint(b, p, testOptions())
	return host, child, p, log
}

func TestControlIsStoredAndEchoed(t *testing.T) {
	host, child, p, log := newPair(t)
	if err := host.WriteControlMessage(3, 0.25); err != nil {
		t.Fatalf("write control: %v", err)
	}
	if n := child.Idle(false); n != 1 {
		t.Fatalf("expected 1 message, got %d", n)
	}
	if got := p.Snapshot().Controls[3]; got != 0.25 {
		t.Fatalf("expected stored 0.25, got %v", got)
	}
	host.Idle(false)
	if len(log.lines) != 1 || log.lines[0] != "control 3 0.25" {
		t.Fatalf("unexpected echo: %v", log.lines)
	}
}

func TestNotesTrackHeldKeys(t *testing.T) {
	host, child, p, log := newPair(t)
	if err := host.WriteMidiNoteMessage(true, 1, 60, 100); err != nil {
		t.Fatalf("note on: %v", err)
	}
	if err := host.WriteMidiNoteMessage(true, 1, 64, 90); err != nil {
		t.Fatalf("note on: %v", err)
	}
	child.Idle(false)
	held := p.Snapshot().HeldNotes
	if len(held) != 2 || held[0] != 1<<8|60 || held[1] != 1<<8|64 {
		t.Fatalf("unexpected held notes: %v", held)
	}

	if err := host.WriteMidiNoteMessage(false, 1, 60, 0); err != nil {
		t.Fatalf("note off: %v", err)
	}
	child.Idle(false)
	if held := p.Snapshot().HeldNotes; len(held) != 1 || held[0] != 1<<8|64 {
		t.Fatalf("note off did not release key: %v", held)
	}

	host.Idle(false)
	if len(log.lines) != 0 {
		t.Fatalf("notes must not be echoed: %v", log.lines)
	}
}

func TestOutOfRangeNoteIsRejected(t *testing.T) {
	host, child, p, _ := newPair(t)
	// the typed writer refuses out of range notes, so build the message by hand
	for _, line := range []string{"note\n", "true\n", "3\n", "200\n", "1\n"} {
		if err := host.WriteMessage(line); err != nil {
			t.Fatalf("write %q: %v", line, err)
		}
	}
	child.Idle(false)
	if held := p.Snapshot().HeldNotes; len(held) != 0 {
		t.Fatalf("out of range note must not be held: %v", held)
	}
	if !child.IsRunning() {
		t.Fatalf("a rejected message must not close the bridge")
	}
}

func TestProgramFormFollowsConfigure(t *testing.T) {
	host, child, p, log := newPair(t)
	if err := host.WriteProgramMessage(4); err != nil {
		t.Fatalf("program: %v", err)
	}
	child.Idle(false)
	if s := p.Snapshot(); s.Program != 4 || s.Bank != -1 {
		t.Fatalf("unexpected program state: %+v", s)
	}

	if err := host.WriteConfigureMessage(ProgramFormKey, "bank"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := host.WriteBankProgramMessage(2, 9); err != nil {
		t.Fatalf("bank program: %v", err)
	}
	child.Idle(false)
	if s := p.Snapshot(); s.Program != 9 || s.Bank != 2 {
		t.Fatalf("unexpected banked program state: %+v", s)
	}
	if len(log.lines) != 0 {
		t.Fatalf("host has not idled yet: %v", log.lines)
	}
}

func TestAtomEchoAndBookkeeping(t *testing.T) {
	host, child, p, log := newPair(t)
	if err := host.WriteAtomMessage(2, []byte("payload")); err != nil {
		t.Fatalf("atom: %v", err)
	}
	if err := host.WriteURIDMessage(7, "urn:example:gain"); err != nil {
		t.Fatalf("urid: %v", err)
	}
	if err := host.WriteMessage(protocol.CmdShow + "\n"); err != nil {
		t.Fatalf("show: %v", err)
	}
	if err := host.WriteErrorMessage("bad\nthing"); err != nil {
		t.Fatalf("error: %v", err)
	}
	if n := child.Idle(false); n != 4 {
		t.Fatalf("expected 4 messages, got %d", n)
	}
	s := p.Snapshot()
	if s.AtomBytes != len("payload") || s.URIDs[7] != "urn:example:gain" || !s.Visible {
		t.Fatalf("unexpected state: %+v", s)
	}
	if len(s.Errors) != 1 || s.Errors[0] != "bad\nthing" {
		t.Fatalf("multiline error not restored: %q", s.Errors)
	}
	host.Idle(false)
	if len(log.lines) != 1 || log.lines[0] != "atom 2 payload" {
		t.Fatalf("unexpected echo: %v", log.lines)
	}
}

func TestUnknownCommandIsRejected(t *testing.T) {
	_, child, p, _ := newPair(t)
	if p.HandleMessage(child, "bogus") {
		t.Fatalf("unknown command must not be handled")
	}
}
