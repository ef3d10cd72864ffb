package websocket

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/gobwas/ws"
)

// Scheme is prefixed to a host:port peer address to build the dial URL.
const Scheme = "ws://"

// Upgrade performs the server side of the WebSocket opening handshake on an accepted socket.
func Upgrade(conn net.Conn) (*Conn, error) {
	if _, err := ws.Upgrade(conn); err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}
	return newConn(conn, conn, ws.StateServerSide), nil
}

// URL builds the dial URL for a host:port address.
func URL(addr string) (string, error) {
	u, err := url.Parse(Scheme + addr)
	if err != nil {
		return "", fmt.Errorf("failed to parse peer address %q: %w", addr, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("failed to parse peer address %q: missing host", addr)
	}
	return u.String(), nil
}

// Dial connects to the peer listening on addr (host:port) and performs the client handshake.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	target, err := URL(addr)
	if err != nil {
		return nil, err
	}

	conn, br, _, err := ws.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}

	// br holds frames the server sent right after the handshake, if any.
	if br != nil {
		return newConn(conn, br, ws.StateClientSide), nil
	}
	return newConn(conn, conn, ws.StateClientSide), nil
}
