package bridge

import (
	"fmt"
	"time"

	"github.com/g960059/plugbridge/internal/protocol"
	"github.com/g960059/plugbridge/internal/transport"
)

// Client is the child side of a bridge.
type Client struct {
	*Endpoint
}

func NewClient(h Handler, opts Options) *Client {
	return &Client{Endpoint: newEndpoint(h, opts)}
}

// Init opens the channel named by the trailing ids in args and immediately
// answers the host's handshake.
func (c *Client) Init(args []string) error {
	ch, err := transport.OpenClient(args)
	if err != nil {
		return fmt.Errorf("open bridge channel: %w", err)
	}
	c.attach(ch, protocol.NewLineReader(ch))
	if err := c.WriteEmptyMessage(); err != nil {
		_ = c.closeChannel()
		return fmt.Errorf("write hello: %w", err)
	}
	if err := dieWithParent(); err != nil {
		c.log.Debug("parent death signal not set", "err", err)
	}
	return nil
}

// WriteExitingMessageAndWait announces the child's departure, stops handing
// messages to the handler and waits a bounded number of rounds for the host
// to acknowledge by quitting or closing the channel. It reports whether the
// acknowledgement arrived.
func (c *Client) WriteExitingMessageAndWait() bool {
	if err := c.WriteExitingMessage(); err != nil {
		return c.closed.Load()
	}
	c.closingDown.Store(true)
	for i := 0; i < c.opts.ClosingRounds; i++ {
		if c.closed.Load() {
			return true
		}
		time.Sleep(c.opts.ClosingRoundInterval)
		c.Idle(true)
	}
	if c.closed.Load() {
		return true
	}
	c.log.Warn("host did not acknowledge exit", "rounds", c.opts.ClosingRounds)
	return false
}
