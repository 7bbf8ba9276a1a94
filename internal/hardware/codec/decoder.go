package codec

import (
	"bytes"
	"strings"
)

// MaxLineLength bounds how many bytes a line may hold before its
// terminator. Device lines are short; anything longer means the stream is
// desynchronised (wrong baud rate, binary garbage).
const MaxLineLength = 4096

// Decoder frames a byte stream into newline-terminated messages.
//
// Partial lines are retained across Feed calls, so the output for a given
// byte sequence does not depend on how it was chunked. Empty lines are
// skipped. A line longer than MaxLineLength yields one ClassUnknown message
// holding its first MaxLineLength bytes; the rest of it, up to the next
// terminator, is dropped so the buffer cannot grow without bound.
//
// Decoder is not safe for concurrent use; each channel owns one.
type Decoder struct {
	buf       []byte
	maxLine   int
	overflows uint64

	// discarding is set while the remainder of an over-long line is
	// being dropped.
	discarding bool
}

// NewDecoder returns a Decoder using MaxLineLength.
func NewDecoder() *Decoder {
	return &Decoder{maxLine: MaxLineLength}
}

// Feed appends chunk to the internal buffer and returns every complete
// message it now contains, in stream order.
func (d *Decoder) Feed(chunk []byte) []Message {
	d.buf = append(d.buf, chunk...)

	var out []Message
	start := 0
	for {
		i := bytes.IndexByte(d.buf[start:], '\n')
		if i < 0 {
			break
		}
		line := d.buf[start : start+i]
		start += i + 1

		if d.discarding {
			d.discarding = false
			continue
		}
		if d.overlong(line) {
			out = append(out, d.overflow(line))
			continue
		}
		if msg, ok := decodeLine(line); ok {
			out = append(out, msg)
		}
	}

	tail := d.buf[start:]
	switch {
	case d.discarding:
		tail = nil
	case d.overlong(tail):
		out = append(out, d.overflow(tail))
		d.discarding = true
		tail = nil
	}

	// Keep only the unterminated tail.
	d.buf = append(d.buf[:0], tail...)

	return out
}

func (d *Decoder) overlong(line []byte) bool {
	return d.maxLine > 0 && len(line) > d.maxLine
}

// overflow turns the head of an over-long line into an unknown message.
func (d *Decoder) overflow(line []byte) Message {
	d.overflows++
	raw := strings.TrimSpace(string(line[:d.maxLine]))
	return Message{Raw: raw, Class: ClassUnknown, Payload: raw}
}

// Buffered returns the number of bytes held for an incomplete line.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Overflows returns how many over-long lines were cut.
func (d *Decoder) Overflows() uint64 {
	return d.overflows
}

// Reset discards any partial line. Called when the underlying channel is
// reopened so bytes from the old connection cannot prefix the new stream.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.discarding = false
}

func decodeLine(line []byte) (Message, bool) {
	if len(bytes.TrimSpace(line)) == 0 {
		return Message{}, false
	}
	return Classify(string(line)), true
}
