package frame

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"unicode"

	"github.com/danmuck/blelink/internal/testutil/testlog"
)

func TestSplitEmptyMessageYieldsNoFrames(t *testing.T) {
	testlog.Start(t)
	frames, err := Split(nil, 20)
	if err != nil {
		t.Fatalf("split empty: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected zero frames, got=%d", len(frames))
	}
}

func TestSplitRejectsInvalidChunkLength(t *testing.T) {
	testlog.Start(t)
	if _, err := Split([]byte("abc"), 0); !errors.Is(err, ErrInvalidChunkLength) {
		t.Fatalf("expected ErrInvalidChunkLength, got %v", err)
	}
}

func TestSplitBoundaryFrameCounts(t *testing.T) {
	testlog.Start(t)
	const L = 8
	cases := []struct {
		name      string
		size      int
		frames    int
		lastLen   int
		lastIsEOF bool
	}{
		{name: "L-1", size: L - 1, frames: 1, lastLen: L},
		{name: "L", size: L, frames: 2, lastLen: 1, lastIsEOF: true},
		{name: "L+1", size: L + 1, frames: 2, lastLen: 2},
		{name: "2L", size: 2 * L, frames: 3, lastLen: 1, lastIsEOF: true},
	}
	for _, tc := range cases {
		msg := bytes.Repeat([]byte("x"), tc.size)
		frames, err := Split(msg, L)
		if err != nil {
			t.Fatalf("%s: split: %v", tc.name, err)
		}
		if len(frames) != tc.frames {
			t.Fatalf("%s: frame count got=%d want=%d", tc.name, len(frames), tc.frames)
		}
		for i, f := range frames {
			if len(f) > L {
				t.Fatalf("%s: frame %d too long: %d", tc.name, i, len(f))
			}
		}
		last := frames[len(frames)-1]
		if len(last) != tc.lastLen {
			t.Fatalf("%s: last frame len got=%d want=%d", tc.name, len(last), tc.lastLen)
		}
		if last[len(last)-1] != Sentinel {
			t.Fatalf("%s: last frame does not end with sentinel", tc.name)
		}
		if tc.lastIsEOF && !bytes.Equal(last, []byte{Sentinel}) {
			t.Fatalf("%s: expected sentinel-only frame, got %q", tc.name, last)
		}
	}
}

func TestSplitDoesNotAliasInput(t *testing.T) {
	testlog.Start(t)
	msg := []byte("abcdef")
	frames, err := Split(msg, 4)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	frames[0][0] = 'z'
	if msg[0] != 'a' {
		t.Fatalf("split frames alias the input message")
	}
}

func TestRoundTripAcrossChunkLengths(t *testing.T) {
	testlog.Start(t)
	messages := []string{
		"a",
		"ready",
		"hello-world",
		`{"@type":"https://didcomm.org/trust_ping/1.0/ping","@id":"5c1f"}`,
		strings.Repeat("0123456789", 40),
		"café-日本語-\U0001F600-end",
	}
	for _, msg := range messages {
		for L := 1; L <= len(msg)+2; L++ {
			got, ok := roundTrip(t, msg, L)
			if !ok {
				t.Fatalf("L=%d msg=%q: no message completed", L, msg)
			}
			if got != msg {
				t.Fatalf("L=%d: got=%q want=%q", L, got, msg)
			}
		}
	}
}

func TestRoundTripIsTrimEquivalentForWhitespace(t *testing.T) {
	testlog.Start(t)
	msg := "hello there general kenobi"
	for L := 1; L <= len(msg)+1; L++ {
		got, ok := roundTrip(t, msg, L)
		if !ok {
			t.Fatalf("L=%d: no message completed", L)
		}
		if stripSpace(got) != stripSpace(msg) {
			t.Fatalf("L=%d: got=%q not trim-equivalent to %q", L, got, msg)
		}
	}
}

func TestReassemblerEventOrdering(t *testing.T) {
	testlog.Start(t)
	frames, err := Split([]byte("abcdefghij"), 4)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	var r Reassembler
	var started, completed int
	for i, f := range frames {
		res := r.Push(f)
		if res.Started {
			if completed != 0 {
				t.Fatalf("started after completion")
			}
			started++
			if i != 0 {
				t.Fatalf("started on frame %d, want 0", i)
			}
		}
		if res.Complete {
			if started != 1 {
				t.Fatalf("completed before started")
			}
			completed++
		}
	}
	if started != 1 || completed != 1 {
		t.Fatalf("started=%d completed=%d", started, completed)
	}
}

func TestReassemblerSingleFrameSkipsStarted(t *testing.T) {
	testlog.Start(t)
	frames, err := Split([]byte("short"), 20)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected single frame, got=%d", len(frames))
	}
	var r Reassembler
	res := r.Push(frames[0])
	if res.Started {
		t.Fatalf("single-frame message must not signal started")
	}
	if !res.Complete || res.Message != "short" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestReassemblerIgnoresKeepAliveFrames(t *testing.T) {
	testlog.Start(t)
	var r Reassembler
	for _, f := range [][]byte{{Sentinel}, []byte("   "), []byte(" \n\t"), {}} {
		res := r.Push(f)
		if res.Started || res.Complete || res.Discarded {
			t.Fatalf("keep-alive frame %q produced %+v", f, res)
		}
	}
	if r.Receiving() || r.Buffered() != 0 {
		t.Fatalf("keep-alive frames changed the buffer")
	}
}

func TestReassemblerDiscardsUndecodableFrames(t *testing.T) {
	testlog.Start(t)
	var r Reassembler
	r.Push([]byte("abc"))
	res := r.Push([]byte{0xff, 0xfe, 'x'})
	if !res.Discarded {
		t.Fatalf("expected discard, got %+v", res)
	}
	res = r.Push([]byte("def\x00"))
	if !res.Complete || res.Message != "abcdef" {
		t.Fatalf("unexpected result after discard: %+v", res)
	}
}

func TestReassemblerResetDropsPartialMessage(t *testing.T) {
	testlog.Start(t)
	var r Reassembler
	r.Push([]byte("stale"))
	r.Reset()
	res := r.Push([]byte("fresh\x00"))
	if !res.Complete || res.Message != "fresh" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func roundTrip(t *testing.T, msg string, L int) (string, bool) {
	t.Helper()
	frames, err := Split([]byte(msg), L)
	if err != nil {
		t.Fatalf("split L=%d: %v", L, err)
	}
	var r Reassembler
	for i, f := range frames {
		res := r.Push(f)
		if res.Complete {
			if i != len(frames)-1 {
				t.Fatalf("L=%d: completed early at frame %d of %d", L, i, len(frames))
			}
			return res.Message, true
		}
	}
	return "", false
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
