package hci

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/blelink/internal/protocol"
	"github.com/danmuck/blelink/internal/protocol/session"
)

// notifier is the part of ble.Notifier a client writes through.
type notifier interface {
	Context() context.Context
	Write(b []byte) (int, error)
	Cap() int
}

// client owns one subscription. Frames go out on the run goroutine, one at
// a time.
type client struct {
	host *Host
	id   string
	n    notifier
	conn io.Closer

	frames chan []byte
	quit   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	writing   bool
	owesReady bool
	closed    bool
}

var _ session.FrameWriter = (*client)(nil)

func newClient(h *Host, id string, n notifier, conn io.Closer) *client {
	return &client{
		host:   h,
		id:     id,
		n:      n,
		conn:   conn,
		frames: make(chan []byte, 1),
		quit:   make(chan struct{}),
	}
}

// TryWrite hands frame to the writer goroutine, or returns protocol.ErrBusy
// while the previous notification is still going out.
func (c *client) TryWrite(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: hci: client %s gone", protocol.ErrTransportFailure, c.id)
	}
	if c.writing {
		c.owesReady = true
		return protocol.ErrBusy
	}
	c.writing = true
	c.frames <- append([]byte(nil), frame...)
	return nil
}

// run writes frames until the subscription ends or the client is stopped.
func (c *client) run() {
	defer c.markClosed()
	ctx := c.n.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.quit:
			return
		case frame := <-c.frames:
			if _, err := c.n.Write(frame); err != nil {
				log.Warn().Err(err).Str("client", c.id).Msg("notify failed")
				return
			}
			c.mu.Lock()
			c.writing = false
			notify := c.owesReady
			c.owesReady = false
			c.mu.Unlock()
			if notify {
				c.host.emit(session.WriteReady{ClientID: c.id})
			}
		}
	}
}

func (c *client) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// stop ends run without touching the connection.
func (c *client) stop() {
	c.once.Do(func() { close(c.quit) })
}

// close ends the subscription and drops the connection.
func (c *client) close() error {
	c.stop()
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("%w: hci: close %s: %w", protocol.ErrTransportFailure, c.id, err)
	}
	return nil
}
