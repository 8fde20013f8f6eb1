package frame

import (
	"bytes"
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Sentinel terminates every message on the wire.
const Sentinel byte = 0x00

var ErrInvalidChunkLength = errors.New("frame: max chunk length must be at least 1")

// Split partitions message into frames of at most maxChunkLength bytes.
// The final frame carries a trailing Sentinel when it has room; otherwise a
// frame holding only the Sentinel follows. An empty message yields no frames.
func Split(message []byte, maxChunkLength int) ([][]byte, error) {
	if maxChunkLength < 1 {
		return nil, ErrInvalidChunkLength
	}
	if len(message) == 0 {
		return nil, nil
	}

	count := (len(message) + maxChunkLength - 1) / maxChunkLength
	if len(message)%maxChunkLength == 0 {
		count++
	}
	frames := make([][]byte, 0, count)
	for offset := 0; offset < len(message); offset += maxChunkLength {
		end := min(offset+maxChunkLength, len(message))
		chunk := make([]byte, end-offset, maxChunkLength)
		copy(chunk, message[offset:end])
		frames = append(frames, chunk)
	}

	last := frames[len(frames)-1]
	if len(last) < maxChunkLength {
		frames[len(frames)-1] = append(last, Sentinel)
	} else {
		frames = append(frames, []byte{Sentinel})
	}
	return frames, nil
}

// Result reports what one pushed frame produced.
type Result struct {
	// Started is set on the first continuation frame of a message.
	Started bool
	// Complete is set when the frame terminated a message.
	Complete bool
	// Message holds the reassembled text when Complete is set.
	Message string
	// Discarded is set when the frame was undecodable and dropped.
	Discarded bool
}

// Reassembler accumulates inbound frames into messages. It is not safe for
// concurrent use; sessions serialize access.
type Reassembler struct {
	buf       strings.Builder
	receiving bool
	// carry holds the leading bytes of a rune cut at a frame boundary.
	carry []byte
}

// Push consumes one inbound frame.
func (r *Reassembler) Push(frame []byte) Result {
	data := frame
	if len(r.carry) > 0 {
		data = append(append(make([]byte, 0, len(r.carry)+len(frame)), r.carry...), frame...)
		r.carry = nil
	}
	if !utf8.Valid(data) {
		head, tail, ok := splitIncompleteRune(data)
		if !ok {
			return Result{Discarded: true}
		}
		data = head
		r.carry = append([]byte(nil), tail...)
	}

	text := string(data)
	trimmed := Trim(text)
	terminal := bytes.IndexByte(data, Sentinel) >= 0

	if trimmed == "" {
		if terminal && r.receiving {
			return r.complete()
		}
		return Result{}
	}

	if terminal {
		r.buf.WriteString(trimmed)
		return r.complete()
	}

	res := Result{}
	if !r.receiving {
		r.receiving = true
		res.Started = true
	}
	r.buf.WriteString(trimmed)
	return res
}

// Receiving reports whether a message is partially buffered.
func (r *Reassembler) Receiving() bool {
	return r.receiving
}

// Buffered returns the number of bytes held for the in-progress message.
func (r *Reassembler) Buffered() int {
	return r.buf.Len() + len(r.carry)
}

// Reset drops any partially received message.
func (r *Reassembler) Reset() {
	r.buf.Reset()
	r.receiving = false
	r.carry = nil
}

func (r *Reassembler) complete() Result {
	msg := r.buf.String()
	r.Reset()
	return Result{Complete: true, Message: msg}
}

// Trim strips the sentinel and surrounding whitespace.
func Trim(s string) string {
	return strings.TrimFunc(s, func(c rune) bool {
		return c == rune(Sentinel) || unicode.IsSpace(c)
	})
}

// splitIncompleteRune separates a trailing partial UTF-8 sequence from an
// otherwise valid prefix.
func splitIncompleteRune(b []byte) (head, tail []byte, ok bool) {
	for n := 1; n < utf8.UTFMax && n <= len(b); n++ {
		cut := len(b) - n
		if !utf8.RuneStart(b[cut]) {
			continue
		}
		if utf8.FullRune(b[cut:]) || !utf8.Valid(b[:cut]) {
			return nil, nil, false
		}
		return b[:cut], b[cut:], true
	}
	return nil, nil, false
}
