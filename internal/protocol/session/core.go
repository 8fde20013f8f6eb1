package session

import (
	"time"

	"github.com/danmuck/blelink/internal/observability"
	"github.com/danmuck/blelink/internal/protocol"
	"github.com/danmuck/blelink/internal/protocol/frame"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// core holds the per-link state shared by both roles: reassembly, the
// delivery queue and event emission. Callers hold the owning session's lock.
type core struct {
	role     protocol.Role
	cfg      Config
	listener Listener
	logger   zerolog.Logger

	state    State
	peer     string
	chunkLen int
	reasm    frame.Reassembler
	outbox   *Outbox
}

func newCore(role protocol.Role, cfg Config, listener Listener) core {
	return core{
		role:     role,
		cfg:      cfg.WithDefaults(),
		listener: listener,
		logger:   log.With().Str("role", role.String()).Logger(),
		state:    StateIdle,
		chunkLen: protocol.MinChunkLength,
	}
}

func (c *core) setState(next State) {
	if c.state == next {
		return
	}
	c.logger.Debug().
		Str("from", c.state.String()).
		Str("to", next.String()).
		Str("peer", c.peer).
		Msg("session transition")
	c.state = next
	observability.RecordTransition(c.role.String(), next.String())
}

func (c *core) emit(t EventType, payload string, err error) {
	if c.listener == nil {
		return
	}
	c.listener.OnEvent(Event{
		Type:      t,
		Role:      c.role,
		Peer:      c.peer,
		Payload:   payload,
		Err:       err,
		Timestamp: time.Now().UTC(),
	})
}

// bind attaches a fresh delivery queue and reassembly context to writer.
func (c *core) bind(writer FrameWriter) {
	c.reasm.Reset()
	c.outbox = NewOutbox(writer, c.role)
}

// release rejects pending sends with err and drops all per-link buffers.
func (c *core) release(err error) {
	if c.outbox != nil {
		c.outbox.Clear(err)
		c.outbox = nil
	}
	c.reasm.Reset()
}

// receive pushes one inbound frame and returns a completed message, if any.
// Started is announced only when announce is set.
func (c *core) receive(data []byte, announce bool) (string, bool) {
	observability.RecordFrameReceived(c.role.String())
	res := c.reasm.Push(data)
	if res.Discarded {
		c.logger.Warn().Int("bytes", len(data)).Msg("discarded undecodable frame")
		return "", false
	}
	if res.Started && announce {
		c.emit(EventMessageReceiveStarted, "", nil)
	}
	if !res.Complete {
		return "", false
	}
	return res.Message, true
}

// deliver emits a completed inbound message.
func (c *core) deliver(msg string) {
	observability.RecordMessageReceived(c.role.String())
	c.emit(EventMessageReceived, msg, nil)
}

// enqueue splits message onto the delivery queue and drains unless the
// writer is currently busy. done runs under the session lock.
func (c *core) enqueue(message string, done func(error)) error {
	frames, err := frame.Split([]byte(message), c.chunkLen)
	if err != nil {
		return err
	}
	c.outbox.Enqueue(frames, done)
	if !c.outbox.Blocked() {
		c.outbox.Drain()
	}
	return nil
}

// writeReady resumes draining after a busy refusal.
func (c *core) writeReady() {
	if c.outbox != nil {
		c.outbox.Drain()
	}
}

// writeFailed rejects the message cut off by a failed delivery and resumes
// draining, since the failed write no longer occupies the writer. The link
// stays up.
func (c *core) writeFailed(err error) {
	if c.outbox == nil {
		return
	}
	c.logger.Warn().Err(err).Msg("frame delivery failed")
	c.outbox.Abort(err)
	c.outbox.Drain()
}

// sendMessage queues one application message, emitting the sending and sent
// events, and returns a channel that resolves once with the outcome.
func (c *core) sendMessage(message string) <-chan error {
	result := make(chan error, 1)
	if message == "" {
		result <- nil
		return result
	}
	c.emit(EventSendingMessage, message, nil)
	err := c.enqueue(message, func(err error) {
		if err == nil {
			c.emit(EventMessageSent, message, nil)
		}
		result <- err
	})
	if err != nil {
		result <- err
	}
	return result
}
