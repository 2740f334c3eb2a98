package daemon

import (
	"testing"

	"github.com/g960059/plugbridge/internal/bridge"
	"github.com/g960059/plugbridge/internal/logging"
	"github.com/g960059/plugbridge/internal/plugin"
	"github.com/g960059/plugbridge/internal/testutil"
)

func TestEngineProcessorCountsNotes(t *testing.T) {
	proc := &engineProcessor{}
	proc.Process(256, []plugin.MidiEvent{
		{Size: 3, Data: [4]byte{0x90, 60, 100}},
		{Time: 10, Size: 3, Data: [4]byte{0x90, 60, 0}},
		{Time: 20, Size: 3, Data: [4]byte{0x81, 61, 0}},
		{Time: 30, Size: 3, Data: [4]byte{0xb0, 7, 100}},
	})
	proc.Process(256, nil)

	if got := proc.cycles.Load(); got != 2 {
		t.Fatalf("expected 2 cycles, got %d", got)
	}
	if got := proc.events.Load(); got != 4 {
		t.Fatalf("expected 4 events, got %d", got)
	}
	if on, off := proc.notesOn.Load(), proc.notesOff.Load(); on != 1 || off != 2 {
		t.Fatalf("expected 1 note on and 2 note offs, got %d and %d", on, off)
	}
}

func newHandlerPair(t *testing.T, banked bool) (*bridgeHandler, *hostJournal, *bridge.Endpoint, *bridge.Endpoint) {
	t.Helper()
	journal := &hostJournal{}
	p := plugin.New(plugin.Options{
		ID:         7,
		Name:       "stub",
		Parameters: []plugin.Parameter{{Name: "gain", Default: 0.5, Min: 0, Max: 1}},
		Programs:   []string{"init", "bright"},
		Host:       journal,
		Processor:  &engineProcessor{},
		Logger:     logging.Discard(),
	})
	h := &bridgeHandler{plugin: p, journal: journal, log: logging.Discard()}
	h.banked.Store(banked)

	hostCh, childCh := testutil.ChannelPair()
	opts := bridge.Options{Logger: logging.Discard()}
	host := bridge.NewEndpoint(hostCh, h, opts)
	child := bridge.NewEndpoint(childCh, nil, opts)
	t.Cleanup(func() {
		_ = host.Close()
		_ = child.Close()
	})
	return h, journal, host, child
}

func TestHostProgramFollowsProgramForm(t *testing.T) {
	cases := []struct {
		name   string
		banked bool
		send   func(ep *bridge.Endpoint) error
		bank   int32
	}{
		{"single", false, func(ep *bridge.Endpoint) error { return ep.WriteProgramMessage(1) }, 0},
		{"bank", true, func(ep *bridge.Endpoint) error { return ep.WriteBankProgramMessage(3, 1) }, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, journal, host, child := newHandlerPair(t, tc.banked)
			if err := tc.send(child); err != nil {
				t.Fatalf("write program: %v", err)
			}
			// a trailing control shows the program arguments were fully consumed
			if err := child.WriteControlMessage(0, 0.25); err != nil {
				t.Fatalf("write control: %v", err)
			}

			if n := host.Idle(false); n != 2 {
				t.Fatalf("expected 2 messages, got %d", n)
			}
			if got := h.plugin.CurrentProgram(); got != 1 {
				t.Fatalf("expected program 1, got %d", got)
			}
			if got := h.plugin.ParameterValue(0); got != 0.25 {
				t.Fatalf("expected control 0.25 after program, got %v", got)
			}
			var found bool
			for _, n := range journal.take() {
				if n.Kind == plugin.CallbackProgramChanged.String() {
					found = true
					if n.Value1 != 1 || n.Value2 != tc.bank {
						t.Fatalf("unexpected program notification: %+v", n)
					}
				}
			}
			if !found {
				t.Fatalf("program change was not journaled")
			}
		})
	}
}
