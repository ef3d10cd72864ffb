package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformed is returned when a frame does not carry a valid serialized Message.
var ErrMalformed = errors.New("malformed message")

// Handshake values presented by the dialing side.
const (
	SystemSender = "system"
	AuthContent  = "auth"
)

// Message represents a chat message as it travels on the wire.
type Message struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Token     string `json:"token"`
}

// New creates a message with a freshly generated ID.
func New(sender, content, timestamp, token string) Message {
	return Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Content:   content,
		Timestamp: timestamp,
		Token:     token,
	}
}

// NewAuth creates the credential message sent right after dialing a peer.
func NewAuth(token string) Message {
	return New(SystemSender, AuthContent, time.Now().UTC().Format(time.RFC3339), token)
}

// Now returns the human-readable timestamp attached to user-authored messages.
func Now() string {
	return time.Now().UTC().Format(time.RFC1123Z)
}

// Encode encodes the message into a JSON text payload
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m.toWire())
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// MustEncode is like Encode but panics on failure.
// A Message made of strings always encodes, so a failure is a programming error.
func (m Message) MustEncode() []byte {
	data, err := m.Encode()
	if err != nil {
		panic(err)
	}
	return data
}

// Decode decodes a JSON text payload into the message.
// All five fields must be present; unknown fields are ignored.
func (m *Message) Decode(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to decode message: %w: %v", ErrMalformed, err)
	}
	if field := w.missing(); field != "" {
		return fmt.Errorf("failed to decode message: %w: missing field %q", ErrMalformed, field)
	}
	m.fromWire(w)
	return nil
}

// wireMessage uses pointers so absent fields can be told apart from empty ones.
type wireMessage struct {
	ID        *string `json:"id"`
	Sender    *string `json:"sender"`
	Content   *string `json:"content"`
	Timestamp *string `json:"timestamp"`
	Token     *string `json:"token"`
}

func (w wireMessage) missing() string {
	switch {
	case w.ID == nil:
		return "id"
	case w.Sender == nil:
		return "sender"
	case w.Content == nil:
		return "content"
	case w.Timestamp == nil:
		return "timestamp"
	case w.Token == nil:
		return "token"
	default:
		return ""
	}
}

func (m Message) toWire() wireMessage {
	return wireMessage{
		ID:        &m.ID,
		Sender:    &m.Sender,
		Content:   &m.Content,
		Timestamp: &m.Timestamp,
		Token:     &m.Token,
	}
}

func (m *Message) fromWire(w wireMessage) {
	m.ID = *w.ID
	m.Sender = *w.Sender
	m.Content = *w.Content
	m.Timestamp = *w.Timestamp
	m.Token = *w.Token
}
