package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

// HeaderSize is the size of the length prefix in front of every payload.
const HeaderSize = 4

// Varint markers. Values below singleByteMax are stored in one byte; the
// markers announce a little-endian integer of the given width.
const (
	singleByteMax = 250
	markerU16     = 251
	markerU32     = 252
	markerU64     = 253
	markerU128    = 254
)

var (
	// ErrTruncated means the stream or payload ended before a value was complete.
	ErrTruncated = errors.New("protocol: truncated")
	// ErrMalformed means the payload bytes do not describe a valid Message.
	ErrMalformed = errors.New("protocol: malformed payload")
	// ErrFrameTooLarge means the declared length exceeded the reader's cap.
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	// ErrEncode means a Message could not be encoded.
	ErrEncode = errors.New("protocol: encode failed")
)

// ReadFrame reads one length-prefixed payload from r. A maxBytes of zero
// means the declared length is trusted as-is.
func ReadFrame(r io.Reader, maxBytes uint32) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, readErr("reading frame header", err)
	}

	size := binary.LittleEndian.Uint32(header[:])
	if maxBytes > 0 && size > maxBytes {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, size, maxBytes)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, readErr("reading frame payload", err)
	}
	return payload, nil
}

// ReadMessage reads and decodes exactly one framed Message.
func ReadMessage(r io.Reader, maxBytes uint32) (Message, error) {
	payload, err := ReadFrame(r, maxBytes)
	if err != nil {
		return Message{}, err
	}
	return Decode(payload)
}

// WriteFrame encodes msg and writes it with its length prefix.
func WriteFrame(w io.Writer, msg Message) error {
	frame, err := MarshalFrame(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// MarshalFrame returns the length prefix followed by the encoded payload.
func MarshalFrame(msg Message) ([]byte, error) {
	payload, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds length prefix", ErrEncode, len(payload))
	}

	frame := make([]byte, HeaderSize, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	return append(frame, payload...), nil
}

// Encode serializes msg without the length prefix.
func Encode(msg Message) ([]byte, error) {
	if !msg.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrEncode, uint32(msg.Kind))
	}
	if !utf8.ValidString(msg.Language) {
		return nil, fmt.Errorf("%w: language is not valid UTF-8", ErrEncode)
	}

	buf := make([]byte, 0, 3+9+len(msg.Language)+9+len(msg.Code))
	buf = appendVarint(buf, uint64(msg.Kind))
	buf = appendVarint(buf, uint64(len(msg.Language)))
	buf = append(buf, msg.Language...)
	buf = appendVarint(buf, uint64(len(msg.Code)))
	buf = append(buf, msg.Code...)
	return buf, nil
}

// Decode parses a payload produced by Encode. Bytes after the code field
// are ignored.
func Decode(payload []byte) (Message, error) {
	d := decoder{buf: payload}

	tag, err := d.varint()
	if err != nil {
		return Message{}, fmt.Errorf("message_type: %w", err)
	}
	if tag > math.MaxUint32 || !Kind(tag).Valid() {
		return Message{}, fmt.Errorf("%w: unknown message_type %d", ErrMalformed, tag)
	}

	language, err := d.bytes()
	if err != nil {
		return Message{}, fmt.Errorf("language: %w", err)
	}
	if !utf8.Valid(language) {
		return Message{}, fmt.Errorf("%w: language is not valid UTF-8", ErrMalformed)
	}

	code, err := d.bytes()
	if err != nil {
		return Message{}, fmt.Errorf("code: %w", err)
	}

	return Message{
		Kind:     Kind(tag),
		Language: string(language),
		Code:     code,
	}, nil
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || len(d.buf)-d.off < n {
		return nil, ErrTruncated
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) varint() (uint64, error) {
	head, err := d.take(1)
	if err != nil {
		return 0, err
	}

	switch m := head[0]; {
	case m <= singleByteMax:
		return uint64(m), nil
	case m == markerU16:
		b, err := d.take(2)
		if err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case m == markerU32:
		b, err := d.take(4)
		if err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case m == markerU64:
		b, err := d.take(8)
		if err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(b), nil
	case m == markerU128:
		b, err := d.take(16)
		if err != nil {
			return 0, err
		}
		if binary.LittleEndian.Uint64(b[8:]) != 0 {
			return 0, fmt.Errorf("%w: integer overflows 64 bits", ErrMalformed)
		}
		return binary.LittleEndian.Uint64(b[:8]), nil
	default:
		return 0, fmt.Errorf("%w: invalid integer marker %d", ErrMalformed, m)
	}
}

// bytes reads a length-prefixed byte slice. The returned slice is a copy so
// the Message does not pin the whole payload.
func (d *decoder) bytes() ([]byte, error) {
	n, err := d.varint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.buf)-d.off) {
		return nil, fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrTruncated, n, len(d.buf)-d.off)
	}
	b, err := d.take(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func appendVarint(buf []byte, v uint64) []byte {
	switch {
	case v <= singleByteMax:
		return append(buf, byte(v))
	case v <= math.MaxUint16:
		buf = append(buf, markerU16)
		return binary.LittleEndian.AppendUint16(buf, uint16(v))
	case v <= math.MaxUint32:
		buf = append(buf, markerU32)
		return binary.LittleEndian.AppendUint32(buf, uint32(v))
	default:
		buf = append(buf, markerU64)
		return binary.LittleEndian.AppendUint64(buf, v)
	}
}

func readErr(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: %w", op, ErrTruncated)
	}
	return fmt.Errorf("%s: %w", op, err)
}
