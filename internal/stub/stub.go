// Package stub is a minimal bridge child. It keeps the state the host pushes
// to it and echoes idempotent changes (controls, parameters, programs, atoms)
// back, which is enough to drive the host side of a bridge end to end without
// a real plugin UI. Notes are tracked but never echoed: the host would play
// them a second time.
package stub

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"

	"github.com/g960059/plugbridge/internal/bridge"
	"github.com/g960059/plugbridge/internal/logging"
	"github.com/g960059/plugbridge/internal/protocol"
)

// State is a snapshot of what the host has told the stub so far.
type State struct {
	Controls    map[uint32]float32
	Parameters  map[string]float32
	Configure   map[string]string
	URIDs       map[uint32]string
	Program     int64
	Bank        int64
	MidiProgram [2]uint32
	Reloads     int
	Visible     bool
	Focused     int
	HeldNotes   []uint16
	Errors      []string
	AtomBytes   int
}

// Plugin handles host messages on the child side.
type Plugin struct {
	log *slog.Logger

	mu    sync.Mutex
	state State
	held  map[uint16]struct{}
}

func New(l *slog.Logger) *Plugin {
	return &Plugin{
		log: logging.Component(l, logging.ComponentStub),
		state: State{
			Controls:   map[uint32]float32{},
			Parameters: map[string]float32{},
			Configure:  map[string]string{},
			URIDs:      map[uint32]string{},
			Program:    -1,
			Bank:       -1,
		},
		held: map[uint16]struct{}{},
	}
}

// Snapshot returns a deep copy of the current state.
func (p *Plugin) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.state
	s.Controls = make(map[uint32]float32, len(p.state.Controls))
	for k, v := range p.state.Controls {
		s.Controls[k] = v
	}
	s.Parameters = make(map[string]float32, len(p.state.Parameters))
	for k, v := range p.state.Parameters {
		s.Parameters[k] = v
	}
	s.Configure = make(map[string]string, len(p.state.Configure))
	for k, v := range p.state.Configure {
		s.Configure[k] = v
	}
	s.URIDs = make(map[uint32]string, len(p.state.URIDs))
	for k, v := range p.state.URIDs {
		s.URIDs[k] = v
	}
	s.Errors = append([]string(nil), p.state.Errors...)
	s.HeldNotes = make([]uint16, 0, len(p.held))
	for k := range p.held {
		s.HeldNotes = append(s.HeldNotes, k)
	}
	sort.Slice(s.HeldNotes, func(i, j int) bool { return s.HeldNotes[i] < s.HeldNotes[j] })
	return s
}

func (p *Plugin) HandleMessage(ep *bridge.Endpoint, msg string) bool {
	switch msg {
	case protocol.CmdControl:
		return p.handleControl(ep)
	case protocol.CmdParameter:
		name, err := ep.ReadNextLineAsString()
		if err != nil {
			return false
		}
		value, err := ep.ReadNextLineAsFloat()
		if err != nil {
			return false
		}
		p.mu.Lock()
		p.state.Parameters[name] = value
		p.mu.Unlock()
		return ep.WriteParameterMessage(name, value) == nil
	case protocol.CmdConfigure:
		key, err := ep.ReadNextLineAsString()
		if err != nil {
			return false
		}
		value, err := ep.ReadNextLineAsString()
		if err != nil {
			return false
		}
		p.mu.Lock()
		p.state.Configure[key] = value
		p.mu.Unlock()
		return true
	case protocol.CmdProgram:
		return p.handleProgram(ep)
	case protocol.CmdMidiProgram:
		bank, err := ep.ReadNextLineAsUint()
		if err != nil {
			return false
		}
		program, err := ep.ReadNextLineAsUint()
		if err != nil {
			return false
		}
		p.mu.Lock()
		p.state.MidiProgram = [2]uint32{bank, program}
		p.mu.Unlock()
		return ep.WriteMidiProgramMessage(bank, program) == nil
	case protocol.CmdReloadPrograms:
		if _, err := ep.ReadNextLineAsInt(); err != nil {
			return false
		}
		p.mu.Lock()
		p.state.Reloads++
		p.mu.Unlock()
		return true
	case protocol.CmdNote:
		return p.handleNote(ep)
	case protocol.CmdAtom:
		port, err := ep.ReadNextLineAsUint()
		if err != nil {
			return false
		}
		data, err := ep.ReadNextPayload()
		if err != nil {
			return false
		}
		p.mu.Lock()
		p.state.AtomBytes += len(data)
		p.mu.Unlock()
		return ep.WriteAtomMessage(port, data) == nil
	case protocol.CmdURID:
		id, uri, err := ep.ReadNextURID()
		if err != nil {
			return false
		}
		p.mu.Lock()
		p.state.URIDs[id] = uri
		p.mu.Unlock()
		return true
	case protocol.CmdError:
		text, err := ep.ReadNextLineAsString()
		if err != nil {
			return false
		}
		p.mu.Lock()
		p.state.Errors = append(p.state.Errors, text)
		p.mu.Unlock()
		p.log.Warn("host reported error", "text", text)
		return true
	case protocol.CmdShow:
		p.setVisible(true)
		return true
	case protocol.CmdHide:
		p.setVisible(false)
		return true
	case protocol.CmdFocus:
		p.mu.Lock()
		p.state.Focused++
		p.mu.Unlock()
		return true
	}
	return false
}

func (p *Plugin) setVisible(v bool) {
	p.mu.Lock()
	p.state.Visible = v
	p.mu.Unlock()
}

func (p *Plugin) handleControl(ep *bridge.Endpoint) bool {
	index, err := ep.ReadNextLineAsUint()
	if err != nil {
		return false
	}
	value, err := ep.ReadNextLineAsFloat()
	if err != nil {
		return false
	}
	p.mu.Lock()
	p.state.Controls[index] = value
	p.mu.Unlock()
	return ep.WriteControlMessage(index, value) == nil
}

// ProgramFormKey is the configure key that switches the program command
// between its two arities.
const ProgramFormKey = protocol.ConfigProgramForm

func (p *Plugin) handleProgram(ep *bridge.Endpoint) bool {
	p.mu.Lock()
	banked := p.state.Configure[ProgramFormKey] == protocol.ProgramFormBank
	p.mu.Unlock()

	first, err := ep.ReadNextLineAsUint()
	if err != nil {
		return false
	}
	if !banked {
		p.mu.Lock()
		p.state.Program, p.state.Bank = int64(first), -1
		p.mu.Unlock()
		return ep.WriteProgramMessage(first) == nil
	}
	program, err := ep.ReadNextLineAsUint()
	if err != nil {
		return false
	}
	p.mu.Lock()
	p.state.Program, p.state.Bank = int64(program), int64(first)
	p.mu.Unlock()
	return ep.WriteBankProgramMessage(first, program) == nil
}

func (p *Plugin) handleNote(ep *bridge.Endpoint) bool {
	on, err := ep.ReadNextLineAsBool()
	if err != nil {
		return false
	}
	channel, err := ep.ReadNextLineAsByte()
	if err != nil {
		return false
	}
	note, err := ep.ReadNextLineAsByte()
	if err != nil {
		return false
	}
	velocity, err := ep.ReadNextLineAsByte()
	if err != nil {
		return false
	}
	if channel >= 16 || note >= 128 || velocity >= 128 {
		p.log.Warn("note out of range", "channel", channel, "note", note, "velocity", velocity)
		return false
	}

	var msg gomidi.Message
	if on {
		msg = gomidi.NoteOn(channel, note, velocity)
	} else {
		msg = gomidi.NoteOff(channel, note)
	}
	var ch, key, vel uint8
	key16 := func() uint16 { return uint16(ch)<<8 | uint16(key) }
	p.mu.Lock()
	switch {
	case msg.GetNoteStart(&ch, &key, &vel):
		p.held[key16()] = struct{}{}
	case msg.GetNoteEnd(&ch, &key):
		delete(p.held, key16())
	}
	p.mu.Unlock()
	return true
}

// Run is the child main loop: open the bridge from args, dispatch host
// messages every interval and leave cleanly when ctx ends or the host goes
// away. It returns a process exit code.
func Run(ctx context.Context, p *Plugin, args []string, opts bridge.Options, interval time.Duration) int {
	if interval <= 0 {
		interval = 30 * time.Millisecond
	}
	c := bridge.NewClient(p, opts)
	if err := c.Init(args); err != nil {
		p.log.Error("bridge init failed", "err", err)
		return 1
	}
	defer c.Close() //nolint:errcheck

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for c.IsRunning() {
		select {
		case <-ctx.Done():
			if !c.WriteExitingMessageAndWait() {
				p.log.Warn("leaving without host acknowledgement")
			}
			return 0
		case <-ticker.C:
			c.Idle(false)
		}
	}
	p.log.Info("host closed the bridge")
	return 0
}

// String renders s for logs.
func (s State) String() string {
	return fmt.Sprintf("controls=%d params=%d program=%d visible=%t held=%d", len(s.Controls), len(s.Parameters), s.Program, s.Visible, len(s.HeldNotes))
}
