package plugin

import "math"

// PostponeRtEvent queues a state change for the idle side. It reports false
// when the queue is full.
func (p *Plugin) PostponeRtEvent(kind EventKind, v1, v2 int32, v3 float64) bool {
	return p.postEvents.Append(PendingEvent{Kind: kind, Value1: v1, Value2: v2, Value3: v3})
}

// SetParameterValueRT stores a value from the audio thread. With
// sendCallbackLater false the host is not notified when the change is
// forwarded.
func (p *Plugin) SetParameterValueRT(index uint32, value float32, sendCallbackLater bool) {
	if int(index) >= len(p.params) {
		return
	}
	value = p.params[index].clamp(value)
	p.values[index].Store(math.Float32bits(value))
	var suppress int32
	if !sendCallbackLater {
		suppress = 1
	}
	p.PostponeRtEvent(EventParameterChange, int32(index), suppress, float64(value))
}

func (p *Plugin) SetProgramRT(index int32) {
	if index < 0 || int(index) >= len(p.programs) {
		return
	}
	p.currentProgram.Store(index)
	p.PostponeRtEvent(EventProgramChange, index, 0, 0)
}

func (p *Plugin) SetMidiProgramRT(index int32) {
	if index < 0 || int(index) >= len(p.midiPrograms) {
		return
	}
	p.currentMidiProgram.Store(index)
	p.PostponeRtEvent(EventMidiProgramChange, index, 0, 0)
}

// SendMidiAllNotesOff queues a note-off notification for every note on the
// control channel.
func (p *Plugin) SendMidiAllNotesOff() {
	channel := p.ctrlChannel.Load()
	if channel < 0 || channel >= 16 {
		return
	}
	for note := int32(0); note < 128; note++ {
		p.PostponeRtEvent(EventNoteOff, channel, note, 0)
	}
}

// Process runs one audio cycle. Externally requested notes come first,
// followed by input; note events in input are reported to the idle side.
// If another thread holds the note queue the injected notes wait for the
// next cycle.
func (p *Plugin) Process(frames uint32, input []MidiEvent) {
	events := p.cycleBuf[:0]

	notes, ok := p.extNotes.TryDrain(p.noteBuf[:0])
	if ok {
		for _, n := range notes {
			if n.Channel < 0 || n.Channel >= 16 {
				continue
			}
			events = append(events, noteEvent(uint8(n.Channel), n.Note, n.Velocity))
		}
	}

	for _, ev := range input {
		if len(events) == cap(events) {
			break
		}
		events = append(events, ev)
		if on, channel, note, velocity, isNote := noteFields(ev); isNote {
			if on {
				p.PostponeRtEvent(EventNoteOn, int32(channel), int32(note), float64(velocity))
			} else {
				p.PostponeRtEvent(EventNoteOff, int32(channel), int32(note), 0)
			}
		}
	}

	if p.proc != nil {
		p.proc.Process(frames, events)
	}
}
