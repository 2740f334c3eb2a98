package daemon

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/plugbridge/internal/bridge"
	"github.com/g960059/plugbridge/internal/model"
	"github.com/g960059/plugbridge/internal/plugin"
	"github.com/g960059/plugbridge/internal/protocol"
	"github.com/g960059/plugbridge/internal/redact"
)

// hostJournal collects host callbacks until the idle loop persists them.
type hostJournal struct {
	mu      sync.Mutex
	pending []model.Notification
}

func (j *hostJournal) Notify(kind plugin.CallbackKind, _ uint32, v1, v2 int32, v3 float64, text string) {
	n := model.Notification{
		NotificationID: uuid.NewString(),
		Kind:           kind.String(),
		Value1:         v1,
		Value2:         v2,
		Value3:         v3,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
	}
	j.mu.Lock()
	j.pending = append(j.pending, n)
	j.mu.Unlock()
}

func (j *hostJournal) take() []model.Notification {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.pending
	j.pending = nil
	return out
}

// engineProcessor stands in for a plugin format adapter. It only counts
// what the audio cycle hands it.
type engineProcessor struct {
	cycles   atomic.Uint64
	events   atomic.Uint64
	notesOn  atomic.Uint64
	notesOff atomic.Uint64
	reloads  atomic.Uint64
}

func (p *engineProcessor) Process(_ uint32, events []plugin.MidiEvent) {
	p.cycles.Add(1)
	p.events.Add(uint64(len(events)))
	var ch, key, vel uint8
	for _, ev := range events {
		msg := ev.Message()
		switch {
		case msg.GetNoteStart(&ch, &key, &vel):
			p.notesOn.Add(1)
		case msg.GetNoteEnd(&ch, &key):
			p.notesOff.Add(1)
		}
	}
}

func (p *engineProcessor) Reload() {
	p.reloads.Add(1)
}

// ProgramFormSingle is the default program form: one index per change.
const ProgramFormSingle = "single"

// bankedControl sends program changes in the bank form. Programs selected by
// the host always live in bank 0.
type bankedControl struct {
	*bridge.Server
}

func (c bankedControl) WriteProgramMessage(index uint32) error {
	return c.WriteBankProgramMessage(0, index)
}

// bridgeHandler is the host side message handler. Messages from the child
// describe changes made in its UI.
type bridgeHandler struct {
	plugin  *plugin.Plugin
	journal *hostJournal
	log     *slog.Logger

	exiting atomic.Bool
	// banked is set once the child was configured for the bank program form.
	banked  atomic.Bool
	mu      sync.Mutex
	lastErr string
}

func (h *bridgeHandler) lastError() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

func (h *bridgeHandler) HandleMessage(ep *bridge.Endpoint, msg string) bool {
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
		if err := h.plugin.SetParameterValue(index, value, false, true); err != nil {
			h.log.Warn("child sent bad control", "err", err)
		}
		return true

	case protocol.CmdParameter:
		name, err := ep.ReadNextLineAsString()
		if err != nil {
			return false
		}
		value, err := ep.ReadNextLineAsFloat()
		if err != nil {
			return false
		}
		for i := 0; i < h.plugin.ParameterCount(); i++ {
			if param, _ := h.plugin.Parameter(i); param.Name == name {
				_ = h.plugin.SetParameterValue(uint32(i), value, false, true)
				return true
			}
		}
		h.log.Warn("child sent unknown parameter", "name", name)
		return true

	case protocol.CmdProgram:
		var bank uint32
		if h.banked.Load() {
			b, err := ep.ReadNextLineAsUint()
			if err != nil {
				return false
			}
			bank = b
		}
		index, err := ep.ReadNextLineAsUint()
		if err != nil {
			return false
		}
		if err := h.plugin.SetProgram(int32(index)); err != nil {
			h.log.Warn("child sent bad program", "err", err, "bank", bank)
			return true
		}
		h.journal.Notify(plugin.CallbackProgramChanged, h.plugin.ID, int32(index), int32(bank), 0, "")
		return true

	case protocol.CmdMidiProgram:
		bank, err := ep.ReadNextLineAsUint()
		if err != nil {
			return false
		}
		program, err := ep.ReadNextLineAsUint()
		if err != nil {
			return false
		}
		h.journal.Notify(plugin.CallbackMidiProgramChanged, h.plugin.ID, int32(bank), int32(program), 0, "")
		return true

	case protocol.CmdNote:
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
		if !on {
			velocity = 0
		}
		if err := h.plugin.SendMidiSingleNote(channel, note, velocity, false, true); err != nil {
			h.log.Warn("child note dropped", "err", err)
		}
		return true

	case protocol.CmdAtom:
		port, err := ep.ReadNextLineAsUint()
		if err != nil {
			return false
		}
		data, err := ep.ReadNextPayload()
		if err != nil {
			return false
		}
		h.journal.Notify(plugin.CallbackDebug, h.plugin.ID, int32(port), int32(len(data)), 0, "atom")
		return true

	case protocol.CmdURID:
		id, uri, err := ep.ReadNextURID()
		if err != nil {
			return false
		}
		h.log.Debug("child mapped urid", "id", id, "uri", uri)
		return true

	case protocol.CmdError:
		text, err := ep.ReadNextLineAsString()
		if err != nil {
			return false
		}
		h.mu.Lock()
		h.lastErr = redact.Text(strings.TrimSpace(text))
		h.mu.Unlock()
		h.log.Warn("child reported error", "text", text)
		return true

	case protocol.CmdExiting:
		h.exiting.Store(true)
		return true
	}
	return false
}
