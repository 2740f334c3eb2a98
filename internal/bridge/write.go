package bridge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/g960059/plugbridge/internal/protocol"
	"github.com/g960059/plugbridge/internal/transport"
)

// message accumulates the lines of one command so it can be emitted in a
// single write under the write token.
type message struct {
	b strings.Builder
}

func newMessage(cmd string) *message {
	m := &message{}
	m.line(cmd)
	return m
}

func (m *message) line(s string) *message {
	m.b.WriteString(s)
	m.b.WriteByte('\n')
	return m
}

func (m *message) text(s string) *message {
	m.b.WriteString(protocol.EscapeMultiline(s))
	return m
}

func (m *message) uintLine(v uint32) *message {
	return m.line(protocol.FormatUint(uint64(v)))
}

func (m *message) intLine(v int32) *message {
	return m.line(protocol.FormatInt(int64(v)))
}

func (m *message) floatLine(v float32) *message {
	return m.line(protocol.FormatFloat(float64(v)))
}

// writeLocked requires e.wmu.
func (e *Endpoint) writeLocked(data string) error {
	if e.closed.Load() || !e.attached.Load() {
		return ErrClosed
	}
	if _, err := e.ch.Write([]byte(data)); err != nil {
		if e.writeFailed.Fail() {
			e.log.Error("bridge write failed", "err", err, "bytes", len(data))
		}
		// a timed out write may have left half a message on the pipe
		if errors.Is(err, transport.ErrDisconnected) || errors.Is(err, transport.ErrClosed) ||
			errors.Is(err, transport.ErrWriteTimeout) {
			e.markClosed(err)
		}
		return fmt.Errorf("bridge write: %w", err)
	}
	e.writeFailed.Reset()
	return nil
}

// tryWriteLocked makes one attempt to write a short line. It requires e.wmu.
func (e *Endpoint) tryWriteLocked(data string) error {
	if e.closed.Load() || !e.attached.Load() {
		return ErrClosed
	}
	_, err := transport.TryWrite(e.ch, []byte(data))
	return err
}

func (e *Endpoint) send(m *message) error {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	return e.writeLocked(m.b.String())
}

// WriteMessage writes one line. The line must end with a single newline and
// contain no other.
func (e *Endpoint) WriteMessage(line string) error {
	if err := protocol.ValidateLine(line); err != nil {
		return err
	}
	e.wmu.Lock()
	defer e.wmu.Unlock()
	return e.writeLocked(line)
}

// WriteAndFixMessage writes arbitrary text as one escaped line.
func (e *Endpoint) WriteAndFixMessage(text string) error {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	return e.writeLocked(protocol.EscapeMultiline(text))
}

func (e *Endpoint) WriteEmptyMessage() error {
	return e.WriteMessage("\n")
}

func (e *Endpoint) WriteControlMessage(index uint32, value float32) error {
	return e.send(newMessage(protocol.CmdControl).uintLine(index).floatLine(value))
}

func (e *Endpoint) WriteConfigureMessage(key, value string) error {
	return e.send(newMessage(protocol.CmdConfigure).text(key).text(value))
}

func (e *Endpoint) WriteProgramMessage(index uint32) error {
	return e.send(newMessage(protocol.CmdProgram).uintLine(index))
}

// WriteBankProgramMessage is the two-argument program form.
func (e *Endpoint) WriteBankProgramMessage(bank, program uint32) error {
	return e.send(newMessage(protocol.CmdProgram).uintLine(bank).uintLine(program))
}

func (e *Endpoint) WriteMidiProgramMessage(bank, program uint32) error {
	return e.send(newMessage(protocol.CmdMidiProgram).uintLine(bank).uintLine(program))
}

func (e *Endpoint) WriteReloadProgramsMessage(index int32) error {
	return e.send(newMessage(protocol.CmdReloadPrograms).intLine(index))
}

func (e *Endpoint) WriteMidiNoteMessage(on bool, channel, note, velocity uint8) error {
	if channel >= 16 || note >= 128 || velocity >= 128 {
		return fmt.Errorf("%w: note out of range ch=%d note=%d vel=%d", protocol.ErrInvalidLine, channel, note, velocity)
	}
	m := newMessage(protocol.CmdNote).line(protocol.FormatBool(on))
	m.uintLine(uint32(channel)).uintLine(uint32(note)).uintLine(uint32(velocity))
	return e.send(m)
}

// WriteAtomMessage sends a binary event for a port as a length-prefixed
// base64 payload.
func (e *Endpoint) WriteAtomMessage(port uint32, data []byte) error {
	b64 := protocol.EncodePayload(data)
	m := newMessage(protocol.CmdAtom).uintLine(port)
	m.uintLine(uint32(len(data))).uintLine(uint32(len(b64))).line(b64)
	return e.send(m)
}

func (e *Endpoint) WriteParameterMessage(name string, value float32) error {
	return e.send(newMessage(protocol.CmdParameter).text(name).floatLine(value))
}

func (e *Endpoint) WriteURIDMessage(id uint32, uri string) error {
	m := newMessage(protocol.CmdURID).uintLine(id).uintLine(uint32(len(uri))).text(uri)
	return e.send(m)
}

func (e *Endpoint) WriteErrorMessage(text string) error {
	return e.send(newMessage(protocol.CmdError).text(text))
}

func (e *Endpoint) WriteExitingMessage() error {
	return e.send(newMessage(protocol.CmdExiting))
}
