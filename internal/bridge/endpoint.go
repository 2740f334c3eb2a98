// Package bridge runs the line protocol over a transport channel: the host
// side (Server) launches and supervises a bridge child, the child side
// (Client) answers it, and both share the Endpoint dispatcher and writers.
package bridge

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/g960059/plugbridge/internal/config"
	"github.com/g960059/plugbridge/internal/logging"
	"github.com/g960059/plugbridge/internal/protocol"
	"github.com/g960059/plugbridge/internal/transport"
)

var (
	ErrClosed         = errors.New("bridge: endpoint closed")
	ErrNotDispatching = errors.New("bridge: read outside message dispatch")
	ErrHandshake      = errors.New("bridge: handshake failed")
	ErrTimeout        = errors.New("bridge: timed out")
)

// Handler receives every decoded message except the quit sentinel. While it
// runs, the handler may read the message's argument lines from ep. Returning
// false drops the message.
type Handler interface {
	HandleMessage(ep *Endpoint, msg string) bool
}

type HandlerFunc func(ep *Endpoint, msg string) bool

func (f HandlerFunc) HandleMessage(ep *Endpoint, msg string) bool {
	return f(ep, msg)
}

type Options struct {
	Logger               *slog.Logger
	PollInterval         time.Duration
	ReadTimeout          time.Duration
	HandshakeTimeout     time.Duration
	ClosingRounds        int
	ClosingRoundInterval time.Duration
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		PollInterval:         cfg.PollInterval,
		ReadTimeout:          cfg.ReadTimeout,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		ClosingRounds:        cfg.ClosingRounds,
		ClosingRoundInterval: cfg.ClosingRoundInterval,
	}
}

func (o Options) withDefaults() Options {
	def := OptionsFromConfig(config.DefaultConfig())
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = def.ReadTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.ClosingRounds <= 0 {
		o.ClosingRounds = def.ClosingRounds
	}
	if o.ClosingRoundInterval <= 0 {
		o.ClosingRoundInterval = def.ClosingRoundInterval
	}
	return o
}

type channelRef struct {
	ch transport.Channel
}

// Endpoint is one side of a bridge relationship. It is either attached to an
// open channel or closed; callers never see one stream without the other.
type Endpoint struct {
	opts    Options
	log     *slog.Logger
	handler Handler

	// wmu is the write token. Every message is emitted while holding it.
	wmu sync.Mutex
	// rmu serializes Idle.
	rmu    sync.Mutex
	ch     transport.Channel
	reader *protocol.LineReader
	// live mirrors ch for callers that must not take wmu.
	live atomic.Pointer[channelRef]

	attached    atomic.Bool
	closed      atomic.Bool
	dispatching atomic.Bool
	closingDown atomic.Bool
	writeFailed logging.Once
}

func newEndpoint(h Handler, opts Options) *Endpoint {
	opts = opts.withDefaults()
	return &Endpoint{
		opts:    opts,
		log:     logging.Component(opts.Logger, logging.ComponentBridge),
		handler: h,
	}
}

// NewEndpoint wraps an already connected channel.
func NewEndpoint(ch transport.Channel, h Handler, opts Options) *Endpoint {
	e := newEndpoint(h, opts)
	e.attach(ch, protocol.NewLineReader(ch))
	return e
}

func (e *Endpoint) attach(ch transport.Channel, lr *protocol.LineReader) {
	e.rmu.Lock()
	e.wmu.Lock()
	e.ch = ch
	e.reader = lr
	e.closed.Store(false)
	e.closingDown.Store(false)
	e.writeFailed.Reset()
	e.live.Store(&channelRef{ch: ch})
	e.attached.Store(true)
	e.wmu.Unlock()
	e.rmu.Unlock()
}

// IsRunning reports whether both streams are open.
func (e *Endpoint) IsRunning() bool {
	return e.attached.Load() && !e.closed.Load()
}

func (e *Endpoint) Logger() *slog.Logger {
	return e.log
}

func (e *Endpoint) markClosed(reason error) {
	if e.closed.CompareAndSwap(false, true) {
		e.log.Debug("endpoint closed", "reason", reason)
	}
}

// abortWriters makes a write stuck on a full pipe return ErrClosed.
func (e *Endpoint) abortWriters() {
	if ref := e.live.Load(); ref != nil {
		transport.Abort(ref.ch)
	}
}

// lockWriter takes the write token, giving up after wait.
func (e *Endpoint) lockWriter(wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for !e.wmu.TryLock() {
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(transport.PollInterval)
	}
	return true
}

// closeChannel marks the endpoint closed and releases the channel. A writer
// blocked on a full pipe is aborted rather than waited for.
func (e *Endpoint) closeChannel() error {
	e.closed.Store(true)
	e.abortWriters()
	e.wmu.Lock()
	defer e.wmu.Unlock()
	if !e.attached.Load() {
		return nil
	}
	e.attached.Store(false)
	e.live.Store(nil)
	return e.ch.Close()
}

// Close marks the endpoint closed and releases its channel.
func (e *Endpoint) Close() error {
	return e.closeChannel()
}

// Idle drains complete lines and dispatches them. With onlyOnce it returns
// after the first message. It returns the number of messages consumed. It
// must never run on the real-time thread.
func (e *Endpoint) Idle(onlyOnce bool) int {
	e.rmu.Lock()
	defer e.rmu.Unlock()
	if !e.IsRunning() {
		return 0
	}
	count := 0
	for {
		msg, err := e.reader.ReadLine()
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrWouldBlock):
			return count
		case errors.Is(err, protocol.ErrInvalidLine):
			e.log.Warn("dropping malformed input", "err", err)
			continue
		case errors.Is(err, io.EOF):
			e.markClosed(err)
			return count
		default:
			if e.closed.CompareAndSwap(false, true) {
				e.log.Error("bridge read failed", "err", err)
			}
			return count
		}

		count++
		if msg == protocol.QuitSentinel {
			e.markClosed(errors.New("peer quit"))
			return count
		}
		if !e.closingDown.Load() && e.handler != nil {
			e.dispatch(msg)
		}
		if onlyOnce || e.closed.Load() {
			return count
		}
	}
}

func (e *Endpoint) dispatch(msg string) {
	e.dispatching.Store(true)
	defer e.dispatching.Store(false)
	if !e.handler.HandleMessage(e, msg) {
		e.log.Warn("message not handled", "msg", msg)
	}
}

// readLineBlock polls for a full line until timeout.
func (e *Endpoint) readLineBlock(timeout time.Duration) (string, error) {
	return e.readBlock(timeout, e.reader.ReadLine)
}

func (e *Endpoint) readBlock(timeout time.Duration, read func() (string, error)) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		line, err := read()
		if err == nil {
			return line, nil
		}
		if !errors.Is(err, transport.ErrWouldBlock) {
			if errors.Is(err, io.EOF) {
				e.markClosed(err)
				return "", ErrClosed
			}
			return "", err
		}
		if !time.Now().Before(deadline) {
			return "", fmt.Errorf("%w: no line within %s", ErrTimeout, timeout)
		}
		time.Sleep(e.opts.PollInterval)
	}
}

// ReadNextLine reads the next argument line of the message being dispatched.
func (e *Endpoint) ReadNextLine() (string, error) {
	if !e.dispatching.Load() {
		return "", ErrNotDispatching
	}
	if e.closed.Load() {
		return "", ErrClosed
	}
	return e.readLineBlock(e.opts.ReadTimeout)
}

func readAs[T any](e *Endpoint, kind string, parse func(string) (T, bool)) (T, error) {
	var zero T
	line, err := e.ReadNextLine()
	if err != nil {
		return zero, err
	}
	v, ok := parse(line)
	if !ok {
		return zero, fmt.Errorf("%w: %q is not a %s", protocol.ErrInvalidLine, line, kind)
	}
	return v, nil
}

func (e *Endpoint) ReadNextLineAsBool() (bool, error) {
	return readAs(e, "bool", protocol.ParseBool)
}

func (e *Endpoint) ReadNextLineAsByte() (uint8, error) {
	return readAs(e, "byte", protocol.ParseByte)
}

func (e *Endpoint) ReadNextLineAsInt() (int32, error) {
	return readAs(e, "int", protocol.ParseInt)
}

func (e *Endpoint) ReadNextLineAsUint() (uint32, error) {
	return readAs(e, "uint", protocol.ParseUint)
}

func (e *Endpoint) ReadNextLineAsLong() (int64, error) {
	return readAs(e, "long", protocol.ParseLong)
}

func (e *Endpoint) ReadNextLineAsUlong() (uint64, error) {
	return readAs(e, "ulong", protocol.ParseUlong)
}

func (e *Endpoint) ReadNextLineAsFloat() (float32, error) {
	return readAs(e, "float", protocol.ParseFloat)
}

func (e *Endpoint) ReadNextLineAsDouble() (float64, error) {
	return readAs(e, "double", protocol.ParseDouble)
}

// ReadNextLineAsString returns the line with escaped newlines restored.
func (e *Endpoint) ReadNextLineAsString() (string, error) {
	return e.ReadNextLine()
}

// ReadNextPayload reads the byte length, base64 length and base64 lines of a
// binary payload and returns the decoded bytes. The base64 line is read as
// exactly the announced number of bytes.
func (e *Endpoint) ReadNextPayload() ([]byte, error) {
	byteLen, err := e.ReadNextLineAsUint()
	if err != nil {
		return nil, err
	}
	b64Len, err := e.ReadNextLineAsUint()
	if err != nil {
		return nil, err
	}
	if e.closed.Load() {
		return nil, ErrClosed
	}
	b64, err := e.readBlock(e.opts.ReadTimeout, func() (string, error) {
		return e.reader.ReadN(int(b64Len))
	})
	if err != nil {
		return nil, err
	}
	return protocol.DecodePayload(b64, int(byteLen), int(b64Len))
}

// ReadNextURID reads the id, byte length and URI lines of a urid message.
// A URI whose length does not match the announced one is rejected.
func (e *Endpoint) ReadNextURID() (uint32, string, error) {
	id, err := e.ReadNextLineAsUint()
	if err != nil {
		return 0, "", err
	}
	size, err := e.ReadNextLineAsUint()
	if err != nil {
		return 0, "", err
	}
	uri, err := e.ReadNextLineAsString()
	if err != nil {
		return 0, "", err
	}
	if len(uri) != int(size) {
		return 0, "", fmt.Errorf("%w: uri is %d bytes, announced %d", protocol.ErrPayloadSize, len(uri), size)
	}
	return id, uri, nil
}
