// Package plugin holds the host-side state of one plugin instance and the two
// real-time event bridges around its audio callback: state changes flowing
// out of the callback and externally requested notes flowing in.
//
// Methods ending in RT, Process and SendMidiAllNotesOff may run on the audio
// thread; they never block, log or allocate. Everything else is idle-side.
package plugin

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/g960059/plugbridge/internal/logging"
	"github.com/g960059/plugbridge/internal/rtqueue"
)

const (
	// PostEventsCapacity bounds state changes queued between two drains.
	PostEventsCapacity = 512
	// ExternalNotesCapacity bounds notes injected between two cycles.
	ExternalNotesCapacity = 32
	maxCycleEvents        = 512
)

type Parameter struct {
	Name    string
	Default float32
	Min     float32
	Max     float32
}

func (p Parameter) clamp(v float32) float32 {
	if p.Max > p.Min {
		if v < p.Min {
			return p.Min
		}
		if v > p.Max {
			return p.Max
		}
	}
	return v
}

type MidiProgram struct {
	Bank    uint32
	Program uint32
	Name    string
}

type Options struct {
	ID           uint32
	Name         string
	Parameters   []Parameter
	Programs     []string
	MidiPrograms []MidiProgram
	Host         Host
	Processor    Processor
	Logger       *slog.Logger
}

type Plugin struct {
	ID   uint32
	Name string

	log  *slog.Logger
	host Host
	proc Processor

	params       []Parameter
	programs     []string
	midiPrograms []MidiProgram

	// values and defaults hold float32 bits so the audio thread can update
	// them without a lock.
	values             []atomic.Uint32
	defaults           []atomic.Uint32
	currentProgram     atomic.Int32
	currentMidiProgram atomic.Int32
	ctrlChannel        atomic.Int32

	uiMu sync.Mutex
	ui   ControlChannel

	postEvents *rtqueue.Dual[PendingEvent]
	extNotes   *rtqueue.Dual[ExternalNote]

	// audio-thread scratch space
	noteBuf  [ExternalNotesCapacity]ExternalNote
	cycleBuf [maxCycleEvents]MidiEvent
}

func New(opts Options) *Plugin {
	p := &Plugin{
		ID:           opts.ID,
		Name:         opts.Name,
		log:          logging.Component(opts.Logger, logging.ComponentPlugin).With("plugin_id", opts.ID),
		host:         opts.Host,
		proc:         opts.Processor,
		params:       append([]Parameter(nil), opts.Parameters...),
		programs:     append([]string(nil), opts.Programs...),
		midiPrograms: append([]MidiProgram(nil), opts.MidiPrograms...),
		values:       make([]atomic.Uint32, len(opts.Parameters)),
		defaults:     make([]atomic.Uint32, len(opts.Parameters)),
		postEvents:   rtqueue.NewDual[PendingEvent](PostEventsCapacity),
		extNotes:     rtqueue.NewDual[ExternalNote](ExternalNotesCapacity),
	}
	for i, param := range p.params {
		p.values[i].Store(math.Float32bits(param.Default))
		p.defaults[i].Store(math.Float32bits(param.Default))
	}
	p.currentProgram.Store(-1)
	p.currentMidiProgram.Store(-1)
	return p
}

// SetControlChannel selects the MIDI channel used for all-notes-off; -1
// disables it.
func (p *Plugin) SetControlChannel(channel int8) {
	if channel < -1 || channel >= 16 {
		channel = -1
	}
	p.ctrlChannel.Store(int32(channel))
}

func (p *Plugin) ControlChannel() int8 {
	return int8(p.ctrlChannel.Load())
}

// SetUI connects or, with nil, disconnects the UI bridge.
func (p *Plugin) SetUI(ui ControlChannel) {
	p.uiMu.Lock()
	p.ui = ui
	p.uiMu.Unlock()
}

func (p *Plugin) connectedUI() ControlChannel {
	p.uiMu.Lock()
	defer p.uiMu.Unlock()
	if p.ui == nil || !p.ui.IsRunning() {
		return nil
	}
	return p.ui
}

func (p *Plugin) ParameterCount() int {
	return len(p.params)
}

func (p *Plugin) Parameter(index int) (Parameter, bool) {
	if index < 0 || index >= len(p.params) {
		return Parameter{}, false
	}
	return p.params[index], true
}

func (p *Plugin) ParameterValue(index int) float32 {
	if index < 0 || index >= len(p.values) {
		return 0
	}
	return math.Float32frombits(p.values[index].Load())
}

func (p *Plugin) ParameterDefault(index int) float32 {
	if index < 0 || index >= len(p.defaults) {
		return 0
	}
	return math.Float32frombits(p.defaults[index].Load())
}

func (p *Plugin) CurrentProgram() int32 {
	return p.currentProgram.Load()
}

func (p *Plugin) CurrentMidiProgram() int32 {
	return p.currentMidiProgram.Load()
}

// SetParameterValue changes a parameter from the idle side and forwards it
// right away.
func (p *Plugin) SetParameterValue(index uint32, value float32, sendUI, sendCallback bool) error {
	if int(index) >= len(p.params) {
		return fmt.Errorf("plugin %d: parameter %d out of range", p.ID, index)
	}
	value = p.params[index].clamp(value)
	p.values[index].Store(math.Float32bits(value))
	if sendUI {
		if ui := p.connectedUI(); ui != nil {
			if err := ui.WriteControlMessage(index, value); err != nil {
				p.log.Debug("ui control forward failed", "err", err)
			}
		}
	}
	if sendCallback {
		p.notify(CallbackParameterValueChanged, int32(index), 0, float64(value), "")
	}
	return nil
}

// SetProgram selects a program from the idle side.
func (p *Plugin) SetProgram(index int32) error {
	if index < -1 || int(index) >= len(p.programs) {
		return fmt.Errorf("plugin %d: program %d out of range", p.ID, index)
	}
	p.currentProgram.Store(index)
	return nil
}

// Reload re-reads plugin data through the processor and drops queued
// events.
func (p *Plugin) Reload() {
	p.postEvents.Clear()
	p.extNotes.Clear()
	if p.proc != nil {
		p.proc.Reload()
	}
}

// Dropped reports events lost to full queues, outbound then inbound.
func (p *Plugin) Dropped() (post, notes uint64) {
	return p.postEvents.Dropped(), p.extNotes.Dropped()
}

func (p *Plugin) notify(kind CallbackKind, v1, v2 int32, v3 float64, text string) {
	if p.host != nil {
		p.host.Notify(kind, p.ID, v1, v2, v3, text)
	}
}

func (p *Plugin) ProgramCount() int {
	return len(p.programs)
}
