package plugin

import "fmt"

// PostRtEventsRun drains state changes queued by the audio thread and
// forwards each one to the UI and the host. It returns how many it handled.
func (p *Plugin) PostRtEventsRun() int {
	var buf [PostEventsCapacity]PendingEvent
	events := p.postEvents.Drain(buf[:0])
	if len(events) == 0 {
		return 0
	}
	ui := p.connectedUI()

	for _, ev := range events {
		switch ev.Kind {
		case EventDebug:
			p.notify(CallbackDebug, ev.Value1, ev.Value2, ev.Value3, "")

		case EventParameterChange:
			index := ev.Value1
			if index < 0 || int(index) >= len(p.params) {
				continue
			}
			value := float32(ev.Value3)
			if ui != nil {
				p.forward(ui.WriteControlMessage(uint32(index), value))
			}
			if ev.Value2 != 1 {
				p.notify(CallbackParameterValueChanged, index, 0, ev.Value3, "")
			}

		case EventProgramChange:
			index := ev.Value1
			if index < 0 || int(index) >= len(p.programs) {
				continue
			}
			if ui != nil {
				p.forward(ui.WriteProgramMessage(uint32(index)))
			}
			p.refreshDefaults()
			p.notify(CallbackProgramChanged, index, 0, 0, p.programs[index])

		case EventMidiProgramChange:
			index := ev.Value1
			if index < 0 || int(index) >= len(p.midiPrograms) {
				continue
			}
			if ui != nil {
				mp := p.midiPrograms[index]
				p.forward(ui.WriteMidiProgramMessage(mp.Bank, mp.Program))
			}
			p.refreshDefaults()
			p.notify(CallbackMidiProgramChanged, index, 0, 0, p.midiPrograms[index].Name)

		case EventNoteOn, EventNoteOff:
			channel, note, velocity := ev.Value1, ev.Value2, int32(ev.Value3)
			if channel < 0 || channel >= 16 || note < 0 || note >= 128 || velocity < 0 || velocity >= 128 {
				p.log.Warn("dropping out of range note", "kind", ev.Kind.String(), "channel", channel, "note", note, "velocity", velocity)
				continue
			}
			on := ev.Kind == EventNoteOn
			if ui != nil {
				p.forward(ui.WriteMidiNoteMessage(on, uint8(channel), uint8(note), uint8(velocity)))
			}
			if on {
				p.notify(CallbackNoteOn, channel, note, float64(velocity), "")
			} else {
				p.notify(CallbackNoteOff, channel, note, 0, "")
			}
		}
	}
	return len(events)
}

// refreshDefaults makes the freshly loaded program's values the new defaults
// and reports both for every parameter.
func (p *Plugin) refreshDefaults() {
	for i := range p.params {
		bits := p.values[i].Load()
		p.defaults[i].Store(bits)
		value := float64(p.ParameterValue(i))
		p.notify(CallbackParameterValueChanged, int32(i), 0, value, "")
		p.notify(CallbackParameterDefaultChanged, int32(i), 0, value, "")
	}
}

func (p *Plugin) forward(err error) {
	if err != nil {
		p.log.Debug("ui forward failed", "err", err)
	}
}

// SendMidiSingleNote queues a note for the next audio cycle. A velocity of
// zero is a note off.
func (p *Plugin) SendMidiSingleNote(channel, note, velocity uint8, sendUI, sendCallback bool) error {
	if channel >= 16 || note >= 128 || velocity >= 128 {
		return fmt.Errorf("plugin %d: note out of range ch=%d note=%d vel=%d", p.ID, channel, note, velocity)
	}
	if !p.extNotes.Append(ExternalNote{Channel: int8(channel), Note: note, Velocity: velocity}) {
		return fmt.Errorf("plugin %d: external note queue full", p.ID)
	}
	on := velocity > 0
	if sendUI {
		if ui := p.connectedUI(); ui != nil {
			p.forward(ui.WriteMidiNoteMessage(on, channel, note, velocity))
		}
	}
	if sendCallback {
		if on {
			p.notify(CallbackNoteOn, int32(channel), int32(note), float64(velocity), "")
		} else {
			p.notify(CallbackNoteOff, int32(channel), int32(note), 0, "")
		}
	}
	return nil
}
