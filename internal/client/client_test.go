package client_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/omochice/duplex-chat/internal/chat"
	"github.com/omochice/duplex-chat/internal/client"
	"github.com/omochice/duplex-chat/internal/config"
	"github.com/omochice/duplex-chat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "t1"

var errBrokenPipe = errors.New("broken pipe")

// mockConn is a mock implementation of chat.Conn for testing.
type mockConn struct {
	readCh chan chat.Frame

	mu        sync.Mutex
	written   []protocol.Message
	failAfter int // writes beyond this count fail; 0 means never

	closed        atomic.Bool
	readCancelled atomic.Bool
}

func newMockConn() *mockConn {
	return &mockConn{readCh: make(chan chat.Frame, 10)}
}

func (m *mockConn) Read(ctx context.Context) (chat.Frame, error) {
	select {
	case <-ctx.Done():
		m.readCancelled.Store(true)
		return chat.Frame{}, ctx.Err()
	case frame, ok := <-m.readCh:
		if !ok {
			return chat.Frame{}, io.EOF
		}
		return frame, nil
	}
}

func (m *mockConn) WriteText(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAfter > 0 && len(m.written) >= m.failAfter {
		return errBrokenPipe
	}
	var msg protocol.Message
	if err := msg.Decode(data); err != nil {
		return err
	}
	m.written = append(m.written, msg)
	return nil
}

func (m *mockConn) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return "127.0.0.1:9000"
}

func (m *mockConn) Written() []protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Message(nil), m.written...)
}

// scriptedDialer fails a fixed number of times, then hands out conns in order.
type scriptedDialer struct {
	mu       sync.Mutex
	failures int
	conns    []*mockConn
	attempts []time.Time
}

func (d *scriptedDialer) Dial(ctx context.Context, addr string) (chat.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts = append(d.attempts, time.Now())
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no more connections")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func (d *scriptedDialer) Attempts() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.attempts...)
}

type harness struct {
	connector *client.Connector
	inbound   chan protocol.Message
	outbound  chan protocol.Message
	ready     *chat.Signal
	errCh     chan error
	cancel    context.CancelFunc
}

func run(t *testing.T, dialer *scriptedDialer, retryDelay time.Duration) *harness {
	t.Helper()

	h := &harness{
		inbound:  make(chan protocol.Message, 10),
		outbound: make(chan protocol.Message, 10),
		ready:    chat.NewSignal(),
		errCh:    make(chan error, 1),
	}
	cfg := config.Config{PeerAddr: "127.0.0.1:9000", Token: testToken}
	h.connector = client.New(cfg, h.inbound, h.outbound, h.ready,
		client.WithDialer(dialer.Dial),
		client.WithRetryDelay(retryDelay),
		client.WithLogger(logs.GetLoggerFromLevel(slog.LevelDebug)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() {
		h.errCh <- h.connector.Run(ctx)
	}()
	return h
}

func (h *harness) waitReady(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, chat.WaitReady(ctx, h.ready))
}

func (h *harness) waitStopped(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("connector did not stop in time")
		return nil
	}
}

func TestConnector_RetriesWithFixedDelay(t *testing.T) {
	const failures = 3
	const delay = 30 * time.Millisecond

	conn := newMockConn()
	dialer := &scriptedDialer{failures: failures, conns: []*mockConn{conn}}
	h := run(t, dialer, delay)

	h.waitReady(t)

	attempts := dialer.Attempts()
	require.Len(t, attempts, failures+1)
	for i := 1; i < len(attempts); i++ {
		assert.GreaterOrEqual(t, attempts[i].Sub(attempts[i-1]), delay,
			"attempt %d came too early", i)
	}

	close(h.outbound)
	require.NoError(t, h.waitStopped(t))
	assert.Len(t, dialer.Attempts(), failures+1)
}

func TestConnector_HandshakeThenOrderedSendsWithToken(t *testing.T) {
	conn := newMockConn()
	h := run(t, &scriptedDialer{conns: []*mockConn{conn}}, time.Millisecond)
	h.waitReady(t)

	sent := []protocol.Message{
		protocol.New("Y", "first", "ts", ""),
		protocol.New("Y", "second", "ts", "stale"),
		protocol.New("Y", "third", "ts", testToken),
	}
	for _, msg := range sent {
		h.outbound <- msg
	}

	require.Eventually(t, func() bool {
		return len(conn.Written()) == len(sent)+1
	}, time.Second, 10*time.Millisecond)

	written := conn.Written()
	assert.Equal(t, protocol.SystemSender, written[0].Sender)
	assert.Equal(t, protocol.AuthContent, written[0].Content)
	assert.Equal(t, testToken, written[0].Token)

	for i, msg := range sent {
		got := written[i+1]
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, msg.Content, got.Content)
		assert.Equal(t, testToken, got.Token, "token must be overwritten before sending")
	}
}

func TestConnector_CloseOutboundCancelsReadDuty(t *testing.T) {
	conn := newMockConn()
	h := run(t, &scriptedDialer{conns: []*mockConn{conn}}, time.Millisecond)
	h.waitReady(t)

	close(h.outbound)

	require.NoError(t, h.waitStopped(t))
	assert.True(t, conn.readCancelled.Load(), "read duty must be cancelled")
	assert.True(t, conn.closed.Load(), "connection must be closed")
}

func TestConnector_ReadDutyForwardsInbound(t *testing.T) {
	conn := newMockConn()
	h := run(t, &scriptedDialer{conns: []*mockConn{conn}}, time.Millisecond)
	h.waitReady(t)

	msg := protocol.New("X", "hello back", "ts", testToken)
	conn.readCh <- chat.Frame{Text: true, Payload: msg.MustEncode()}
	conn.readCh <- chat.Frame{Text: true, Payload: []byte("garbage")}

	select {
	case got := <-h.inbound:
		assert.Equal(t, msg, got)
	case <-time.After(time.Second):
		t.Fatal("inbound message not forwarded")
	}
}

func TestConnector_RedialsWhenPeerCloses(t *testing.T) {
	first := newMockConn()
	second := newMockConn()
	dialer := &scriptedDialer{conns: []*mockConn{first, second}}

	h := run(t, dialer, time.Hour)
	h.waitReady(t)

	close(first.readCh)

	require.Eventually(t, func() bool {
		return len(second.Written()) == 1
	}, time.Second, 10*time.Millisecond, "connector must redial once the peer closes")
	assert.True(t, first.closed.Load())
	assert.Len(t, first.Written(), 1, "only the handshake went to the closed session")

	h.outbound <- protocol.New("Y", "after restart", "ts", "")
	require.Eventually(t, func() bool {
		return len(second.Written()) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "after restart", second.Written()[1].Content)
	assert.Len(t, dialer.Attempts(), 2)
}

func TestConnector_WaitsAfterTokenRejection(t *testing.T) {
	const delay = 50 * time.Millisecond

	rejected := newMockConn()
	accepted := newMockConn()
	dialer := &scriptedDialer{conns: []*mockConn{rejected, accepted}}

	h := run(t, dialer, delay)
	h.waitReady(t)

	rejected.readCh <- chat.Frame{Text: true, Payload: []byte(chat.RejectionText)}
	close(rejected.readCh)

	require.Eventually(t, func() bool {
		return len(accepted.Written()) == 1
	}, time.Second, 10*time.Millisecond)

	attempts := dialer.Attempts()
	require.Len(t, attempts, 2)
	assert.GreaterOrEqual(t, attempts[1].Sub(attempts[0]), delay)

	select {
	case msg := <-h.inbound:
		t.Fatalf("rejection text leaked into inbound: %+v", msg)
	default:
	}
}

func TestConnector_ReconnectsAfterWriteFailure(t *testing.T) {
	broken := newMockConn()
	broken.failAfter = 1 // handshake only
	healthy := newMockConn()
	dialer := &scriptedDialer{conns: []*mockConn{broken, healthy}}

	h := run(t, dialer, time.Millisecond)
	h.waitReady(t)

	h.outbound <- protocol.New("Y", "lost", "ts", "")
	require.Eventually(t, func() bool {
		return len(healthy.Written()) == 1
	}, time.Second, 10*time.Millisecond, "connector must redial and present the token again")

	assert.True(t, broken.closed.Load())
	assert.True(t, broken.readCancelled.Load())

	h.outbound <- protocol.New("Y", "delivered", "ts", "")
	require.Eventually(t, func() bool {
		return len(healthy.Written()) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "delivered", healthy.Written()[1].Content)
	assert.Len(t, dialer.Attempts(), 2)
}

func TestConnector_StopsOnContextCancelWhileRetrying(t *testing.T) {
	dialer := &scriptedDialer{failures: 1000}
	h := run(t, dialer, time.Hour)

	require.Eventually(t, func() bool {
		return len(dialer.Attempts()) == 1
	}, time.Second, 10*time.Millisecond)

	h.cancel()
	assert.ErrorIs(t, h.waitStopped(t), context.Canceled)

	select {
	case <-h.ready.Done():
		t.Fatal("ready must not fire without a connection")
	default:
	}
}
