// Package chat provides the relay core shared by the acceptor and the connector.
package chat

import "context"

// Frame is a single data frame received from a peer.
type Frame struct {
	// Text reports whether the frame was sent as text rather than binary.
	Text    bool
	Payload []byte
}

// Conn abstracts one established peer connection.
// This interface isolates transport details from relay logic.
type Conn interface {
	// Read reads a single data frame.
	// Returns io.EOF when the peer closed the connection.
	Read(ctx context.Context) (Frame, error)

	// WriteText sends a single text frame.
	WriteText(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
