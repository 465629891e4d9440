package serial

import "encoding/json"

// maxBufferLen bounds the reassembly buffer. A buffer that grows past
// this without ever parsing means the stream is desynchronized; the
// partial frame is unrecoverable and dropped.
const maxBufferLen = 1000

// Framer reassembles complete JSON frames out of newline-delimited text
// arriving with arbitrary chunk boundaries. One Framer per connection.
type Framer struct {
	buf string
}

// Feed consumes one line of text and reports whether a complete frame
// was produced. A line that parses on its own is emitted directly and
// leaves the buffer untouched; otherwise the line is appended to the
// buffer and the buffer as a whole is retried.
func (f *Framer) Feed(line string) (string, bool) {
	if json.Valid([]byte(line)) {
		return line, true
	}

	f.buf += line
	if json.Valid([]byte(f.buf)) {
		frame := f.buf
		f.buf = ""
		return frame, true
	}

	if len(f.buf) > maxBufferLen {
		f.buf = ""
	}
	return "", false
}

// Pending returns the number of buffered bytes awaiting completion.
func (f *Framer) Pending() int {
	return len(f.buf)
}
