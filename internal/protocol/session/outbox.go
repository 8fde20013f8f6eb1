package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/blelink/internal/observability"
	"github.com/danmuck/blelink/internal/protocol"
	"github.com/danmuck/blelink/internal/protocol/frame"
)

// pendingMessage tracks one queued message and its completion.
type pendingMessage struct {
	frames [][]byte
	next   int
	done   func(error)
}

// Outbox is the ordered delivery queue for one link. Messages drain strictly
// FIFO and never interleave; each completion fires exactly once. It is not
// safe for concurrent use; sessions serialize access under their lock.
type Outbox struct {
	writer FrameWriter
	role   string
	queue  []*pendingMessage
	// blocked is set after a busy refusal until the next Drain.
	blocked bool
	// terminate is set when a message was cut off after some of its frames
	// went out; a sentinel-only frame must close it before anything else.
	terminate bool
}

func NewOutbox(writer FrameWriter, role protocol.Role) *Outbox {
	return &Outbox{writer: writer, role: role.String()}
}

// Enqueue appends one message's frames. done may be nil.
func (o *Outbox) Enqueue(frames [][]byte, done func(error)) {
	if len(frames) == 0 {
		if done != nil {
			done(nil)
		}
		return
	}
	o.queue = append(o.queue, &pendingMessage{frames: frames, done: done})
}

// Drain writes frames from the head until the queue empties or the writer
// reports busy. A write failure rejects the head message only. When that
// message had frames on the wire, a sentinel-only frame goes out before the
// next message so the receiver never joins the two.
func (o *Outbox) Drain() {
	o.blocked = false
	for len(o.queue) > 0 {
		if o.terminate {
			if !o.writeTerminator() {
				return
			}
			continue
		}
		head := o.queue[0]
		err := o.writer.TryWrite(head.frames[head.next])
		switch {
		case err == nil:
			observability.RecordFrameSent(o.role)
			head.next++
			if head.next == len(head.frames) {
				o.pop(nil)
				observability.RecordMessageSent(o.role)
			}
		case errors.Is(err, protocol.ErrBusy):
			observability.RecordWriteBusy(o.role)
			o.blocked = true
			return
		default:
			if head.next > 0 {
				o.terminate = true
			}
			o.pop(fmt.Errorf("%w: %w", protocol.ErrTransportFailure, err))
		}
	}
}

// Abort reports a frame the writer accepted but later failed to deliver.
// The head message is rejected when it is partly on the wire, and the next
// write closes the receiver's buffer with a sentinel-only frame.
func (o *Outbox) Abort(err error) {
	o.terminate = true
	if len(o.queue) > 0 && o.queue[0].next > 0 {
		o.pop(fmt.Errorf("%w: %w", protocol.ErrTransportFailure, err))
	}
}

// writeTerminator sends the pending sentinel-only frame. It reports whether
// draining may continue.
func (o *Outbox) writeTerminator() bool {
	err := o.writer.TryWrite([]byte{frame.Sentinel})
	switch {
	case err == nil:
		observability.RecordFrameSent(o.role)
		o.terminate = false
		return true
	case errors.Is(err, protocol.ErrBusy):
		observability.RecordWriteBusy(o.role)
		o.blocked = true
		return false
	default:
		pending := o.queue
		o.queue = nil
		for _, msg := range pending {
			if msg.done != nil {
				msg.done(fmt.Errorf("%w: %w", protocol.ErrTransportFailure, err))
			}
		}
		return false
	}
}

// Clear rejects every pending message with err and empties the queue.
func (o *Outbox) Clear(err error) {
	pending := o.queue
	o.queue = nil
	o.blocked = false
	for _, msg := range pending {
		if msg.done != nil {
			msg.done(err)
		}
	}
}

// Len returns the number of queued messages.
func (o *Outbox) Len() int {
	return len(o.queue)
}

// PendingFrames returns the number of frames not yet accepted.
func (o *Outbox) PendingFrames() int {
	n := 0
	for _, msg := range o.queue {
		n += len(msg.frames) - msg.next
	}
	return n
}

// Blocked reports whether the last drain stopped on a busy writer.
func (o *Outbox) Blocked() bool {
	return o.blocked
}

func (o *Outbox) pop(err error) {
	head := o.queue[0]
	o.queue[0] = nil
	o.queue = o.queue[1:]
	if head.done != nil {
		head.done(err)
	}
}
