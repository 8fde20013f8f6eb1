package session

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/blelink/internal/protocol"
	"github.com/danmuck/blelink/internal/protocol/frame"
	"github.com/danmuck/blelink/internal/testutil/testlog"
)

func TestOutboxResumesOnReadyAndCompletesOnce(t *testing.T) {
	testlog.Start(t)
	w := newGateWriter(true)
	w.stepped = true
	o := NewOutbox(w, protocol.RoleCentral)

	frames, err := frame.Split([]byte("abcdefghij"), 4)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	var calls []error
	o.Enqueue(frames, func(err error) { calls = append(calls, err) })
	o.Drain()

	readies := 0
	for o.Len() > 0 {
		if len(calls) != 0 {
			t.Fatalf("completion fired before the last frame was accepted")
		}
		if !o.Blocked() {
			t.Fatalf("queue stalled without a busy refusal")
		}
		w.setOpen(true)
		readies++
		o.Drain()
	}
	if readies != len(frames)-1 {
		t.Fatalf("ready signals got=%d want=%d", readies, len(frames)-1)
	}
	if len(calls) != 1 || calls[0] != nil {
		t.Fatalf("completion calls got=%v want=[nil]", calls)
	}
	got := w.written()
	if len(got) != len(frames) {
		t.Fatalf("written frames got=%d want=%d", len(got), len(frames))
	}
	for i := range frames {
		if !bytes.Equal(got[i], frames[i]) {
			t.Fatalf("frame %d got=%q want=%q", i, got[i], frames[i])
		}
	}
}

func TestOutboxQueuesMessagesFIFO(t *testing.T) {
	testlog.Start(t)
	w := newGateWriter(false)
	o := NewOutbox(w, protocol.RolePeripheral)

	first, _ := frame.Split([]byte("first-message"), 5)
	second, _ := frame.Split([]byte("second"), 5)
	var order []string
	o.Enqueue(first, func(err error) { order = append(order, "first") })
	o.Enqueue(second, func(err error) { order = append(order, "second") })
	o.Drain()
	if o.PendingFrames() != len(first)+len(second) {
		t.Fatalf("pending frames got=%d", o.PendingFrames())
	}

	w.setOpen(true)
	o.Drain()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("completion order got=%v", order)
	}
	want := append(bytes.Join(first, nil), bytes.Join(second, nil)...)
	if !bytes.Equal(w.joined(), want) {
		t.Fatalf("wire bytes interleaved: got=%q want=%q", w.joined(), want)
	}
}

func TestOutboxWriteFailureRejectsHeadOnly(t *testing.T) {
	testlog.Start(t)
	w := newGateWriter(true)
	w.failN = 1
	o := NewOutbox(w, protocol.RoleCentral)

	var firstErr, secondErr error
	secondDone := false
	o.Enqueue([][]byte{[]byte("a\x00")}, func(err error) { firstErr = err })
	o.Enqueue([][]byte{[]byte("b\x00")}, func(err error) { secondErr = err; secondDone = true })
	o.Drain()

	if !errors.Is(firstErr, protocol.ErrTransportFailure) {
		t.Fatalf("first message err got=%v want transport failure", firstErr)
	}
	if !secondDone || secondErr != nil {
		t.Fatalf("second message got done=%v err=%v", secondDone, secondErr)
	}
	if got := w.written(); len(got) != 1 || string(got[0]) != "b\x00" {
		t.Fatalf("wire got=%q want=[\"b\\x00\"]", got)
	}
}

func TestOutboxFailureMidMessageTerminatesBeforeNext(t *testing.T) {
	testlog.Start(t)
	w := newGateWriter(true)
	w.failAt = 2
	o := NewOutbox(w, protocol.RoleCentral)

	first, _ := frame.Split([]byte("AAAAAAAA"), 4)
	second, _ := frame.Split([]byte("BB"), 4)
	var firstErr, secondErr error
	secondDone := false
	o.Enqueue(first, func(err error) { firstErr = err })
	o.Enqueue(second, func(err error) { secondErr = err; secondDone = true })
	o.Drain()

	if !errors.Is(firstErr, protocol.ErrTransportFailure) {
		t.Fatalf("cut message err got=%v want=%v", firstErr, protocol.ErrTransportFailure)
	}
	if !secondDone || secondErr != nil {
		t.Fatalf("next message got done=%v err=%v", secondDone, secondErr)
	}

	var r frame.Reassembler
	var received []string
	for _, f := range w.written() {
		if res := r.Push(f); res.Complete {
			received = append(received, res.Message)
		}
	}
	if len(received) == 0 || received[len(received)-1] != "BB" {
		t.Fatalf("received got=%q want last=%q", received, "BB")
	}
	for _, msg := range received {
		if msg != "BB" && msg != "AAAA" {
			t.Fatalf("messages joined on the wire got=%q", received)
		}
	}
}

func TestOutboxAbortClosesPartialMessage(t *testing.T) {
	testlog.Start(t)
	w := newGateWriter(true)
	w.setStepped(true)
	o := NewOutbox(w, protocol.RolePeripheral)

	first, _ := frame.Split([]byte("abcdefgh"), 3)
	second, _ := frame.Split([]byte("zz"), 3)
	var firstErr error
	var secondErr error
	secondDone := false
	o.Enqueue(first, func(err error) { firstErr = err })
	o.Enqueue(second, func(err error) { secondErr = err; secondDone = true })
	o.Drain()
	if !o.Blocked() || len(w.written()) != 1 {
		t.Fatalf("expected one frame in flight got=%d blocked=%v", len(w.written()), o.Blocked())
	}

	// The accepted frame never reached the peer.
	o.Abort(errors.New("write value failed"))
	if !errors.Is(firstErr, protocol.ErrTransportFailure) {
		t.Fatalf("partial message err got=%v want=%v", firstErr, protocol.ErrTransportFailure)
	}

	w.setStepped(false)
	w.setOpen(true)
	o.Drain()
	if !secondDone || secondErr != nil {
		t.Fatalf("next message got done=%v err=%v", secondDone, secondErr)
	}
	got := w.written()
	if len(got) != 3 || !bytes.Equal(got[1], []byte{frame.Sentinel}) || string(got[2]) != "zz\x00" {
		t.Fatalf("wire got=%q want=[\"abc\" \"\\x00\" \"zz\\x00\"]", got)
	}
}

func TestOutboxAbortWithoutPartialKeepsNextMessage(t *testing.T) {
	testlog.Start(t)
	w := newGateWriter(true)
	o := NewOutbox(w, protocol.RoleCentral)

	o.Abort(errors.New("late failure"))
	done := false
	o.Enqueue([][]byte{[]byte("ok\x00")}, func(err error) {
		if err != nil {
			t.Fatalf("message err got=%v want=nil", err)
		}
		done = true
	})
	o.Drain()
	got := w.written()
	if !done || len(got) != 2 || got[0][0] != frame.Sentinel || len(got[0]) != 1 {
		t.Fatalf("wire got=%q done=%v", got, done)
	}
}

func TestOutboxClearRejectsPending(t *testing.T) {
	testlog.Start(t)
	w := newGateWriter(false)
	o := NewOutbox(w, protocol.RoleCentral)

	var errs []error
	o.Enqueue([][]byte{[]byte("x\x00")}, func(err error) { errs = append(errs, err) })
	o.Enqueue([][]byte{[]byte("y\x00")}, func(err error) { errs = append(errs, err) })
	o.Drain()
	o.Clear(protocol.ErrSessionClosed)

	if len(errs) != 2 {
		t.Fatalf("completions got=%d want=2", len(errs))
	}
	for _, err := range errs {
		if !errors.Is(err, protocol.ErrSessionClosed) {
			t.Fatalf("completion err got=%v want=%v", err, protocol.ErrSessionClosed)
		}
	}
	o.Clear(protocol.ErrSessionClosed)
	if len(errs) != 2 || o.Len() != 0 {
		t.Fatalf("clear fired completions twice")
	}
}

func TestOutboxEmptyMessageCompletesImmediately(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox(newGateWriter(false), protocol.RoleCentral)
	called := 0
	o.Enqueue(nil, func(err error) { called++ })
	if called != 1 || o.Len() != 0 {
		t.Fatalf("empty enqueue got calls=%d len=%d", called, o.Len())
	}
}
