package process

import (
	"bufio"
	"bytes"
	"io"
)

// LineReader splits a byte stream into lines without a length limit.
type LineReader struct {
	r *bufio.Reader
}

// NewLineReader wraps r.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReader(r)}
}

// ReadLine returns the next line without its "\n" or "\r\n" terminator.
// A final line with no terminator is still returned. At end of stream it
// returns io.EOF and a nil line.
func (l *LineReader) ReadLine() ([]byte, error) {
	line, err := l.r.ReadBytes('\n')
	if err == io.EOF {
		if len(line) == 0 {
			return nil, io.EOF
		}
		return line, nil
	}
	if err != nil {
		return nil, err
	}

	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line, nil
}
