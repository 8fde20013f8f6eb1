package session

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/blelink/internal/protocol"
)

// gateWriter accepts frames while open. With stepped set it closes itself
// after every accepted frame until reopened.
type gateWriter struct {
	mu      sync.Mutex
	open    bool
	stepped bool
	failN   int
	// failAt fails the write with this 1-based call number.
	failAt int
	calls  int
	frames [][]byte
	busy   int
}

func newGateWriter(open bool) *gateWriter {
	return &gateWriter{open: open}
}

func (w *gateWriter) TryWrite(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failAt > 0 && w.calls == w.failAt {
		return errors.New("gatt write failed")
	}
	if w.failN > 0 {
		w.failN--
		return errors.New("gatt write failed")
	}
	if !w.open {
		w.busy++
		return protocol.ErrBusy
	}
	w.frames = append(w.frames, append([]byte(nil), frame...))
	if w.stepped {
		w.open = false
	}
	return nil
}

func (w *gateWriter) setOpen(open bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.open = open
}

func (w *gateWriter) written() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]byte, len(w.frames))
	copy(out, w.frames)
	return out
}

func (w *gateWriter) joined() []byte {
	return bytes.Join(w.written(), nil)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) types() []EventType {
	events := r.all()
	out := make([]EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) count(t EventType) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) payloads(t EventType) []string {
	var out []string
	for _, ev := range r.all() {
		if ev.Type == t {
			out = append(out, ev.Payload)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StepTimeout = 2 * time.Second
	return cfg
}

func (w *gateWriter) setStepped(stepped bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stepped = stepped
}
