// Package client sends one program to a relay and streams back its output.
package client

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/michaelbrown/coderelay/internal/protocol"
)

// Run sends msg to the relay at addr and copies everything the relay writes
// back to w until the relay closes the connection. Cancelling ctx closes the
// connection.
func Run(ctx context.Context, addr string, msg protocol.Message, w io.Writer) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := protocol.WriteFrame(conn, msg); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	if _, err := io.Copy(w, conn); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("reading output: %w", err)
	}
	return nil
}
