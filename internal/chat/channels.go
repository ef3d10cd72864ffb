package chat

import "github.com/omochice/duplex-chat/pkg/protocol"

// DefaultCapacity is the buffer size of each relay channel.
const DefaultCapacity = 100

// Channels holds the two bounded queues between the network and the presentation layer.
// A full channel blocks its producer; nothing is ever dropped.
type Channels struct {
	// Inbound carries authenticated messages from every read duty to the presentation layer.
	Inbound chan protocol.Message
	// Outbound carries presentation-authored messages to the connector's write duty.
	// Closing it is the shutdown signal for the connector.
	Outbound chan protocol.Message
}

// NewChannels creates both queues with the given capacity.
// A non-positive capacity falls back to DefaultCapacity.
func NewChannels(capacity int) *Channels {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Channels{
		Inbound:  make(chan protocol.Message, capacity),
		Outbound: make(chan protocol.Message, capacity),
	}
}
