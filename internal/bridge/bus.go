// Package bridge fans session events out to host-side consumers such as the
// websocket stream.
package bridge

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/blelink/internal/protocol/session"
)

const DefaultBuffer = 64

// Message is the JSON shape of one session event on the wire.
type Message struct {
	Type      string    `json:"type"`
	Payload   string    `json:"payload,omitempty"`
	Error     string    `json:"error,omitempty"`
	Role      string    `json:"role"`
	Peer      string    `json:"peer,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage converts a session event using its host wire name.
func NewMessage(ev session.Event) Message {
	msg := Message{
		Type:      ev.Type.WireName(),
		Payload:   ev.Payload,
		Role:      ev.Role.String(),
		Peer:      ev.Peer,
		Timestamp: ev.Timestamp,
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg
}

// EventBus is a session.Listener that copies every event to each
// subscriber. Publishing never blocks: a subscriber whose buffer is full
// misses the event.
type EventBus struct {
	mu      sync.Mutex
	subs    map[int]chan Message
	nextID  int
	dropped uint64
}

var _ session.Listener = (*EventBus)(nil)

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan Message)}
}

// OnEvent runs under a session lock and must stay non-blocking.
func (b *EventBus) OnEvent(ev session.Event) {
	b.Publish(NewMessage(ev))
}

func (b *EventBus) Publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			b.dropped++
			log.Debug().Int("subscriber", id).Str("type", msg.Type).Msg("event dropped for slow subscriber")
		}
	}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel.
func (b *EventBus) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Message, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *EventBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped for full buffers.
func (b *EventBus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
