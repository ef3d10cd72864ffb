package chat_test

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/omochice/duplex-chat/internal/chat"
	"github.com/omochice/duplex-chat/pkg/protocol"
)

// mockConn is a mock implementation of chat.Conn for testing.
type mockConn struct {
	readCh     chan chat.Frame
	writtenMu  sync.Mutex
	written    [][]byte
	writeErr   error
	closed     atomic.Bool
	remoteAddr string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan chat.Frame, 10),
		remoteAddr: addr,
	}
}

func (m *mockConn) Read(ctx context.Context) (chat.Frame, error) {
	select {
	case <-ctx.Done():
		return chat.Frame{}, ctx.Err()
	case frame, ok := <-m.readCh:
		if !ok {
			return chat.Frame{}, io.EOF
		}
		return frame, nil
	}
}

func (m *mockConn) WriteText(ctx context.Context, data []byte) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	m.written = append(m.written, copied)
	return nil
}

func (m *mockConn) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) GetWritten() [][]byte {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	return m.written
}

// pushMessage queues an encoded message as a text frame.
func (m *mockConn) pushMessage(msg protocol.Message) {
	m.readCh <- chat.Frame{Text: true, Payload: msg.MustEncode()}
}

// Compile-time check that mockConn implements chat.Conn
var _ chat.Conn = (*mockConn)(nil)
