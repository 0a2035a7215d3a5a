// Package framecodec converts a byte stream into newline-delimited frames
// and back, with a size-bounded buffer suitable for restart after any
// partial read.
package framecodec

import (
	"bytes"
	"errors"
)

// ErrFrameTooLarge is returned when the buffered prefix of an incomplete
// frame exceeds the configured maximum before a newline terminates it.
var ErrFrameTooLarge = errors.New("framecodec: frame exceeds max_message_bytes")

// Decoder reassembles newline-terminated frames from successive chunks of
// bytes, carrying any partial frame across calls. Not safe for concurrent
// use by multiple goroutines; each direction of each Session owns its own
// Decoder.
type Decoder struct {
	buf    []byte
	maxLen int
}

// NewDecoder returns a Decoder that rejects any frame whose unterminated
// prefix would exceed maxLen bytes.
func NewDecoder(maxLen int) *Decoder {
	return &Decoder{maxLen: maxLen}
}

// Feed appends chunk to the internal buffer and returns every frame
// completed by a newline within it, in arrival order. The trailing newline
// is stripped from each returned frame. Once Feed returns ErrFrameTooLarge
// the Decoder is in a failed state; the caller must discard it (per
// spec.md §4.2, the Session itself is considered fatal-for-input).
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		frame := d.buf[:idx]
		// Trim a trailing \r to tolerate CRLF-terminated input.
		frame = bytes.TrimSuffix(frame, []byte("\r"))
		out := make([]byte, len(frame))
		copy(out, frame)
		frames = append(frames, out)
		d.buf = d.buf[idx+1:]
	}

	if len(d.buf) > d.maxLen {
		return frames, ErrFrameTooLarge
	}
	return frames, nil
}

// Pending returns the number of buffered bytes belonging to an
// as-yet-incomplete frame. Feed's ErrFrameTooLarge check is what bounds
// this count (invariant I3 from spec.md §3).
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Reset discards any buffered partial frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// Encode appends exactly one newline to frame. frame must be valid UTF-8;
// the caller is responsible for that invariant (spec.md §4.2: "non-UTF-8 is
// a programmer error").
func Encode(frame []byte) []byte {
	out := make([]byte, 0, len(frame)+1)
	out = append(out, frame...)
	out = append(out, '\n')
	return out
}
