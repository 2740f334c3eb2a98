// Package protocol defines the line-framed bridge wire format: command
// names, escaping of multi-line text, base64 payload framing and the
// locale-independent number encoding shared by both peers.
package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Command names. Arguments follow on their own lines.
const (
	CmdControl        = "control"        // index, value
	CmdConfigure      = "configure"      // key, value
	CmdProgram        = "program"        // index | bank, program
	CmdMidiProgram    = "midiprogram"    // bank, program
	CmdReloadPrograms = "reloadprograms" // index
	CmdNote           = "note"           // on, channel, note, velocity
	CmdAtom           = "atom"           // port, byte length, base64 length, base64
	CmdParameter      = "parameter"      // name, value
	CmdURID           = "urid"           // id, byte length, uri
	CmdError          = "error"          // message
	CmdShow           = "show"
	CmdFocus          = "focus"
	CmdHide           = "hide"
	CmdExiting        = "exiting"

	// ConfigProgramForm selects the program command's arity. With
	// ProgramFormBank both sides send bank and program; any other value
	// means a single index.
	ConfigProgramForm = "program-form"
	ProgramFormBank   = "bank"

	// QuitSentinel tells the peer the sender is shutting down. Dispatchers
	// consume it and never hand it to application handlers.
	QuitSentinel = "__plugbridge-quit__"
)

var (
	ErrInvalidLine = errors.New("protocol: invalid line")
	ErrPayloadSize = errors.New("protocol: payload size mismatch")
)

// MaxLineSize bounds a single wire line, base64 payloads included.
const MaxLineSize = 16 << 20

// ValidateLine checks that line ends with exactly one newline and holds no
// other.
func ValidateLine(line string) error {
	n := len(line)
	if n == 0 || line[n-1] != '\n' {
		return fmt.Errorf("%w: missing terminator", ErrInvalidLine)
	}
	if strings.IndexByte(line[:n-1], '\n') >= 0 {
		return fmt.Errorf("%w: embedded newline", ErrInvalidLine)
	}
	return nil
}

// EscapeMultiline turns text into a single wire line: newlines become
// carriage returns and exactly one terminator is appended. A trailing newline
// in text becomes that terminator rather than a second one.
func EscapeMultiline(text string) string {
	if text == "" {
		return "\n"
	}
	b := []byte(text)
	for i, c := range b {
		if c == '\n' {
			b[i] = '\r'
		}
	}
	if b[len(b)-1] == '\r' {
		b[len(b)-1] = '\n'
		return string(b)
	}
	return string(append(b, '\n'))
}

// Unescape reverses EscapeMultiline on a line read without its terminator.
// Carriage returns in the original text come back as newlines.
func Unescape(line string) string {
	return strings.ReplaceAll(line, "\r", "\n")
}

// EncodePayload returns data in standard base64.
func EncodePayload(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodePayload decodes a base64 line and checks both announced lengths.
func DecodePayload(b64 string, byteLen, b64Len int) ([]byte, error) {
	if len(b64) != b64Len {
		return nil, fmt.Errorf("%w: base64 length %d, announced %d", ErrPayloadSize, len(b64), b64Len)
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLine, err)
	}
	if len(data) != byteLen {
		return nil, fmt.Errorf("%w: %d bytes, announced %d", ErrPayloadSize, len(data), byteLen)
	}
	return data, nil
}
