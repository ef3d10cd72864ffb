// Package websocket provides the WebSocket transport for peer connections.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/omochice/duplex-chat/internal/chat"
	"github.com/omochice/duplex-chat/pkg/protocol"
)

// MaxMessageSize is the largest data message accepted from a peer.
// Larger messages are skipped and reported as protocol.ErrMalformed.
const MaxMessageSize = 1 << 20

// aLongTimeAgo is a deadline in the past, used to unblock pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// Conn adapts a gobwas/ws connection to the chat.Conn interface.
// Reads must come from a single goroutine; writes may come from any.
type Conn struct {
	conn   net.Conn
	state  ws.State
	reader *wsutil.Reader

	// wmu serializes whole frames so control replies never interleave with data.
	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newConn(conn net.Conn, src io.Reader, state ws.State) *Conn {
	c := &Conn{
		conn:  conn,
		state: state,
	}
	c.reader = &wsutil.Reader{
		Source:    src,
		State:     state,
		CheckUTF8: true,
		// Control frames may arrive between fragments of a data message.
		OnIntermediate: c.controlHandler,
	}
	return c
}

// Read implements chat.Conn.
// Control frames are answered transparently; a close frame yields io.EOF.
// A message over MaxMessageSize is drained and reported as protocol.ErrMalformed;
// the connection stays usable.
func (c *Conn) Read(ctx context.Context) (chat.Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(aLongTimeAgo)
	})
	defer stop()

	for {
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return chat.Frame{}, c.readErr(ctx, err)
		}

		if hdr.OpCode.IsControl() {
			err := c.handleControl(hdr)
			if hdr.OpCode == ws.OpClose {
				// The peer is leaving even if our close reply could not be written.
				return chat.Frame{}, io.EOF
			}
			if err != nil {
				return chat.Frame{}, c.readErr(ctx, err)
			}
			continue
		}

		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := c.reader.Discard(); err != nil {
				return chat.Frame{}, c.readErr(ctx, err)
			}
			continue
		}

		payload, err := io.ReadAll(io.LimitReader(c.reader, MaxMessageSize+1))
		if err != nil {
			return chat.Frame{}, c.readErr(ctx, err)
		}
		if len(payload) > MaxMessageSize {
			if _, err := io.Copy(io.Discard, c.reader); err != nil {
				return chat.Frame{}, c.readErr(ctx, err)
			}
			return chat.Frame{}, fmt.Errorf("%w: message exceeds %d bytes", protocol.ErrMalformed, MaxMessageSize)
		}
		return chat.Frame{Text: hdr.OpCode == ws.OpText, Payload: payload}, nil
	}
}

func (c *Conn) handleControl(hdr ws.Header) error {
	return c.controlHandler(hdr, c.reader)
}

func (c *Conn) controlHandler(hdr ws.Header, r io.Reader) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wsutil.ControlFrameHandler(c.conn, c.state)(hdr, r)
}

func (c *Conn) readErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var closed wsutil.ClosedError
	if errors.As(err, &closed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

// WriteText implements chat.Conn.
func (c *Conn) WriteText(ctx context.Context, data []byte) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(aLongTimeAgo)
	})
	defer stop()

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := wsutil.WriteMessage(c.conn, c.state, ws.OpText, data); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// Close implements chat.Conn.
// It sends a close frame before closing the socket. Safe to call multiple times.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteMessage(c.conn, c.state, ws.OpClose,
			ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.wmu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Compile-time check that Conn implements chat.Conn
var _ chat.Conn = (*Conn)(nil)
