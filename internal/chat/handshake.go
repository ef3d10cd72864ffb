package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/omochice/duplex-chat/pkg/protocol"
)

// RejectionText is sent to a peer whose token does not match.
const RejectionText = "invalid token"

var (
	// ErrNoCredentials is returned when the peer goes away before presenting a token.
	ErrNoCredentials = errors.New("peer did not present a token")
	// ErrInvalidToken is returned when the presented token differs from ours.
	ErrInvalidToken = errors.New("invalid token")
)

// PresentToken sends the credential message to the peer.
// No acknowledgement is awaited.
func PresentToken(ctx context.Context, conn Conn, token string) error {
	auth := protocol.NewAuth(token)
	if err := conn.WriteText(ctx, auth.MustEncode()); err != nil {
		return fmt.Errorf("failed to present token: %w", err)
	}
	return nil
}

// VerifyToken reads exactly one frame from conn and checks that it carries token.
// On mismatch the rejection text is sent before returning ErrInvalidToken.
// The authenticating message is returned so it is never mistaken for chat traffic.
// Callers close conn on any error.
func VerifyToken(ctx context.Context, conn Conn, token string) (protocol.Message, error) {
	frame, err := conn.Read(ctx)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("%w: %v", ErrNoCredentials, err)
	}

	msg, err := DecodeFrame(frame)
	if err != nil {
		return protocol.Message{}, err
	}

	if msg.Token != token {
		if werr := conn.WriteText(ctx, []byte(RejectionText)); werr != nil {
			return msg, fmt.Errorf("%w (rejection not delivered: %v)", ErrInvalidToken, werr)
		}
		return msg, ErrInvalidToken
	}
	return msg, nil
}
