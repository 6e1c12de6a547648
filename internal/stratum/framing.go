package stratum

import (
	"bytes"
	"errors"
)

// DefaultMaxMessageSize bounds the unterminated input kept per connection
const DefaultMaxMessageSize = 512

var errLineTooLong = errors.New("unterminated input exceeds limit")

// lineBuffer accumulates connection input and splits it on newlines.
type lineBuffer struct {
	buf []byte
	max int
}

func newLineBuffer(limit int) *lineBuffer {
	if limit <= 0 {
		limit = DefaultMaxMessageSize
	}
	return &lineBuffer{max: limit}
}

// feed appends data and returns every complete line, without the newline.
// Blank lines are dropped. The error is set once the remainder after the
// last newline grows past the limit; complete lines found in the same read
// are still returned.
func (b *lineBuffer) feed(data []byte) ([][]byte, error) {
	b.buf = append(b.buf, data...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(b.buf[:i])
		if len(line) > 0 {
			lines = append(lines, bytes.Clone(line))
		}
		b.buf = b.buf[i+1:]
	}

	if len(b.buf) == 0 {
		b.buf = nil
	}
	if len(b.buf) > b.max {
		return lines, errLineTooLong
	}
	return lines, nil
}

// pending returns the number of buffered bytes without a newline
func (b *lineBuffer) pending() int {
	return len(b.buf)
}
