// Package protocol implements the coderelay wire format: a 4-byte
// little-endian length prefix followed by a bincode-style payload.
package protocol

import "fmt"

// Kind tags what a request asks the relay to do.
type Kind uint32

const (
	// KindExecution asks the relay to run Code and stream its output.
	KindExecution Kind = 0
	// KindStdin is reserved for forwarding input to a running program.
	// It decodes, but the relay does not act on it.
	KindStdin Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindExecution:
		return "execution"
	case KindStdin:
		return "stdin"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	return k == KindExecution || k == KindStdin
}

// Message is the single request read from a connection.
type Message struct {
	Kind     Kind
	Language string
	Code     []byte
}
