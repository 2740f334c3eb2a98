package plugin

import (
	gomidi "gitlab.com/gomidi/midi/v2"
)

// MidiEvent is a short MIDI message at a frame offset inside one cycle.
type MidiEvent struct {
	Time uint32
	Size uint8
	Data [4]byte
}

// Message views the event as a gomidi message. It shares no memory with e.
func (e MidiEvent) Message() gomidi.Message {
	size := int(e.Size)
	if size > len(e.Data) {
		size = len(e.Data)
	}
	return gomidi.Message(append([]byte(nil), e.Data[:size]...))
}

const (
	statusNoteOff = 0x80
	statusNoteOn  = 0x90
)

// noteEvent builds a note message in place; it runs on the audio thread.
func noteEvent(channel, note, velocity uint8) MidiEvent {
	status := uint8(statusNoteOff)
	if velocity > 0 {
		status = statusNoteOn
	}
	return MidiEvent{Size: 3, Data: [4]byte{status | (channel & 0x0f), note & 0x7f, velocity & 0x7f}}
}

// noteFields decodes a note on or off without allocating. A note on with
// velocity 0 counts as off.
func noteFields(ev MidiEvent) (on bool, channel, note, velocity uint8, ok bool) {
	if ev.Size < 3 {
		return false, 0, 0, 0, false
	}
	status := ev.Data[0] & 0xf0
	channel = ev.Data[0] & 0x0f
	note, velocity = ev.Data[1], ev.Data[2]
	switch status {
	case statusNoteOn:
		return velocity > 0, channel, note, velocity, true
	case statusNoteOff:
		return false, channel, note, 0, true
	default:
		return false, 0, 0, 0, false
	}
}
