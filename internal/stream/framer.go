// Package stream parses the CodeWhisperer streaming response body — a byte
// stream of self-delimited JSON objects concatenated with no separator and
// no SSE envelope — and re-emits it as an OpenAI-compatible SSE chunk
// stream, or collects it into a single chat.completion response.
package stream

import "bytes"

// framePrefixes are the known leading key signatures the upstream emits.
// A frame boundary is only recognized when the buffer starts (after
// whitespace) with one of these.
var framePrefixes = [][]byte{
	[]byte(`{"content":`),
	[]byte(`{"name":`),
	[]byte(`{"followupPrompt":`),
	[]byte(`{"input":`),
	[]byte(`{"stop":`),
	[]byte(`{"contextUsagePercentage":`),
}

// Framer accumulates raw bytes and yields complete JSON objects as they
// become available, tracking brace depth with quote/escape awareness so a
// brace inside a string literal is never mistaken for structural nesting.
type Framer struct {
	buf []byte
}

// NewFramer returns an empty Framer.
func NewFramer() *Framer {
	return &Framer{}
}

// Push appends chunk to the internal buffer and returns every complete
// frame it can now extract, in order. Incomplete trailing bytes are
// retained for the next Push.
func (f *Framer) Push(chunk []byte) [][]byte {
	f.buf = append(f.buf, chunk...)

	var frames [][]byte
	for {
		f.buf = bytes.TrimLeft(f.buf, " \t\r\n")
		start := matchedPrefixLen(f.buf)
		if start == 0 {
			// Either empty, or doesn't match a known prefix yet: if the
			// buffer is non-empty but too short to tell, wait for more.
			if len(f.buf) == 0 {
				return frames
			}
			if couldBePrefix(f.buf) {
				return frames
			}
			// Garbage we don't recognize: drop one byte and resync.
			f.buf = f.buf[1:]
			continue
		}

		end := matchingBrace(f.buf)
		if end < 0 {
			return frames
		}

		frames = append(frames, append([]byte(nil), f.buf[:end+1]...))
		f.buf = f.buf[end+1:]
	}
}

func matchedPrefixLen(buf []byte) int {
	for _, p := range framePrefixes {
		if bytes.HasPrefix(buf, p) {
			return len(p)
		}
	}
	return 0
}

// couldBePrefix reports whether buf is a proper prefix of some known frame
// prefix, meaning more bytes are needed before we can decide.
func couldBePrefix(buf []byte) bool {
	for _, p := range framePrefixes {
		n := len(buf)
		if n > len(p) {
			n = len(p)
		}
		if bytes.Equal(buf[:n], p[:n]) {
			return true
		}
	}
	return false
}

// matchingBrace returns the index of the `}` that closes the opening `{`
// at buf[0], or -1 if the buffer doesn't yet contain it.
func matchingBrace(buf []byte) int {
	depth := 0
	inString := false
	escaped := false

	for i, b := range buf {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
