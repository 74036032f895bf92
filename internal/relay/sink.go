package relay

import (
	"bufio"
	"io"
)

// LineSink receives relayed output. WriteLine must hand line and a trailing
// newline to the transport before it returns; nothing may sit in a buffer.
type LineSink interface {
	WriteLine(line []byte) error
}

// StreamSink writes newline-terminated lines to a byte stream and flushes
// after each one.
type StreamSink struct {
	w *bufio.Writer
}

// NewStreamSink wraps w.
func NewStreamSink(w io.Writer) *StreamSink {
	return &StreamSink{w: bufio.NewWriter(w)}
}

// WriteLine writes line plus "\n" as a single flush.
func (s *StreamSink) WriteLine(line []byte) error {
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}
