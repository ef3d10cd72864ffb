package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/omochice/duplex-chat/pkg/protocol"
)

// DecodeFrame decodes a frame into a Message.
// Binary frames are rejected with protocol.ErrMalformed.
func DecodeFrame(frame Frame) (protocol.Message, error) {
	if !frame.Text {
		return protocol.Message{}, fmt.Errorf("%w: not a text frame", protocol.ErrMalformed)
	}
	var msg protocol.Message
	if err := msg.Decode(frame.Payload); err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}

// ReadLoop decodes frames from conn and pushes each message onto inbound
// until the peer goes away or ctx is canceled.
// Malformed frames are dropped and reading continues; a rejection of our
// token is logged at Warn.
// It returns nil when the peer closed the connection.
func ReadLoop(ctx context.Context, conn Conn, inbound chan<- protocol.Message, logger *slog.Logger) error {
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				logger.Debug("dropping frame", "remote_addr", conn.RemoteAddr(), "error", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				logger.Info("peer closed connection", "remote_addr", conn.RemoteAddr())
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("read failed", "remote_addr", conn.RemoteAddr(), "error", err)
			return err
		}

		msg, err := DecodeFrame(frame)
		if err != nil {
			if frame.Text && string(frame.Payload) == RejectionText {
				logger.Warn("peer rejected our token", "remote_addr", conn.RemoteAddr())
				continue
			}
			logger.Debug("dropping frame", "remote_addr", conn.RemoteAddr(), "error", err)
			continue
		}

		select {
		case inbound <- msg:
		case <-ctx.Done():
			logger.Warn("inbound consumer gone, dropping message",
				"remote_addr", conn.RemoteAddr(), "id", msg.ID)
			return ctx.Err()
		}
	}
}
