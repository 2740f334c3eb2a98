package plugin

// EventKind tags a PendingEvent.
type EventKind uint8

const (
	EventNull EventKind = iota
	EventDebug
	EventParameterChange
	EventProgramChange
	EventMidiProgramChange
	EventNoteOn
	EventNoteOff
)

func (k EventKind) String() string {
	switch k {
	case EventDebug:
		return "debug"
	case EventParameterChange:
		return "parameter-change"
	case EventProgramChange:
		return "program-change"
	case EventMidiProgramChange:
		return "midi-program-change"
	case EventNoteOn:
		return "note-on"
	case EventNoteOff:
		return "note-off"
	default:
		return "null"
	}
}

// PendingEvent is a state change detected on the audio thread, waiting for
// the idle side to forward it. It is a plain value; queueing one never
// allocates.
//
// ParameterChange: Value1 index, Value2 1 to suppress the host callback,
// Value3 value. Program changes: Value1 index. Notes: Value1 channel, Value2
// note, Value3 velocity.
type PendingEvent struct {
	Kind   EventKind
	Value1 int32
	Value2 int32
	Value3 float64
}

// ExternalNote is a note injected from outside the audio thread. Channel -1
// marks an empty record.
type ExternalNote struct {
	Channel  int8
	Note     uint8
	Velocity uint8
}

// CallbackKind identifies a host notification.
type CallbackKind int

const (
	CallbackDebug CallbackKind = iota
	CallbackParameterValueChanged
	CallbackParameterDefaultChanged
	CallbackProgramChanged
	CallbackMidiProgramChanged
	CallbackNoteOn
	CallbackNoteOff
)

func (k CallbackKind) String() string {
	switch k {
	case CallbackDebug:
		return "debug"
	case CallbackParameterValueChanged:
		return "parameter-value-changed"
	case CallbackParameterDefaultChanged:
		return "parameter-default-changed"
	case CallbackProgramChanged:
		return "program-changed"
	case CallbackMidiProgramChanged:
		return "midi-program-changed"
	case CallbackNoteOn:
		return "note-on"
	case CallbackNoteOff:
		return "note-off"
	default:
		return "unknown"
	}
}

// Host receives notifications from the idle drain. pluginID correlates the
// call with its plugin.
type Host interface {
	Notify(kind CallbackKind, pluginID uint32, v1, v2 int32, v3 float64, text string)
}

type HostFunc func(kind CallbackKind, pluginID uint32, v1, v2 int32, v3 float64, text string)

func (f HostFunc) Notify(kind CallbackKind, pluginID uint32, v1, v2 int32, v3 float64, text string) {
	f(kind, pluginID, v1, v2, v3, text)
}

// Processor is the plugin-format adapter driven once per audio cycle.
type Processor interface {
	Process(frames uint32, events []MidiEvent)
	Reload()
}

// ControlChannel is the connected UI bridge, if any. *bridge.Server
// satisfies it.
type ControlChannel interface {
	IsRunning() bool
	WriteControlMessage(index uint32, value float32) error
	WriteProgramMessage(index uint32) error
	WriteMidiProgramMessage(bank, program uint32) error
	WriteMidiNoteMessage(on bool, channel, note, velocity uint8) error
}
