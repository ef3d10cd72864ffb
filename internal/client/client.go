// Package client implements the connector role: it dials the remote peer and
// keeps a session up, redialing whenever it is lost.
package client

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/omochice/duplex-chat/internal/chat"
	"github.com/omochice/duplex-chat/internal/config"
	"github.com/omochice/duplex-chat/internal/transport/websocket"
	"github.com/omochice/duplex-chat/pkg/protocol"
)

// DefaultRetryDelay is the fixed pause between failed dial attempts.
const DefaultRetryDelay = 5 * time.Second

// Dialer opens a connection to the peer listening on addr.
type Dialer func(ctx context.Context, addr string) (chat.Conn, error)

// DialWebSocket is the default Dialer.
func DialWebSocket(ctx context.Context, addr string) (chat.Conn, error) {
	conn, err := websocket.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connector dials the peer, presents the shared token and relays the
// outbound channel onto the connection.
type Connector struct {
	peerAddr string
	token    string
	inbound  chan<- protocol.Message
	outbound <-chan protocol.Message
	ready    *chat.Signal

	dial       Dialer
	retryDelay time.Duration
	logger     *slog.Logger
}

// Option configures a Connector.
type Option func(*Connector)

// WithDialer replaces the WebSocket dialer.
func WithDialer(dial Dialer) Option {
	return func(c *Connector) {
		c.dial = dial
	}
}

// WithRetryDelay sets the pause between failed dial attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Connector) {
		c.retryDelay = d
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connector) {
		c.logger = logger
	}
}

// New creates a Connector for cfg.PeerAddr.
// ready is fired on the first successful connection only.
func New(cfg config.Config, inbound chan<- protocol.Message, outbound <-chan protocol.Message, ready *chat.Signal, opts ...Option) *Connector {
	c := &Connector{
		peerAddr:   cfg.PeerAddr,
		token:      cfg.Token,
		inbound:    inbound,
		outbound:   outbound,
		ready:      ready,
		dial:       DialWebSocket,
		retryDelay: DefaultRetryDelay,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run dials and relays until the outbound channel is closed, in which case it
// returns nil, or ctx is canceled. Dial failures are retried forever.
func (c *Connector) Run(ctx context.Context) error {
	for {
		conn, err := c.dial(ctx, c.peerAddr)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("dial failed", "peer", c.peerAddr, "retry_in", c.retryDelay, "error", err)
			if err := sleep(ctx, c.retryDelay); err != nil {
				return err
			}
			continue
		}

		c.logger.Info("connected to peer", "peer", c.peerAddr)
		if c.ready != nil {
			c.ready.Fire()
			c.ready = nil
		}

		end := c.relay(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch end {
		case outboundClosed:
			c.logger.Info("outbound channel closed, connector stopping", "peer", c.peerAddr)
			return nil
		case tokenRejected:
			c.logger.Warn("token rejected, waiting before redial", "peer", c.peerAddr, "retry_in", c.retryDelay)
			if err := sleep(ctx, c.retryDelay); err != nil {
				return err
			}
		default:
			c.logger.Info("connection lost, redialing", "peer", c.peerAddr)
		}
	}
}

// sessionEnd tells Run why a session was torn down.
type sessionEnd int

const (
	connectionLost sessionEnd = iota
	tokenRejected
	outboundClosed
)

// relay runs one session over conn and tears it down before returning.
// A failure in either duty ends the session.
func (c *Connector) relay(ctx context.Context, conn chat.Conn) sessionEnd {
	if err := chat.PresentToken(ctx, conn, c.token); err != nil {
		c.logger.Warn("handshake failed", "peer", conn.RemoteAddr(), "error", err)
		c.closeConn(conn)
		return connectionLost
	}

	watched := &rejectionWatch{Conn: conn}
	reader := c.startReadDuty(ctx, watched)

	for {
		select {
		case msg, ok := <-c.outbound:
			if !ok {
				c.teardown(conn, reader)
				return outboundClosed
			}
			msg.Token = c.token
			if err := conn.WriteText(ctx, msg.MustEncode()); err != nil {
				c.logger.Warn("send failed", "peer", conn.RemoteAddr(), "id", msg.ID, "error", err)
				c.teardown(conn, reader)
				return connectionLost
			}
		case <-reader.done:
			c.teardown(conn, reader)
			if watched.rejected.Load() {
				return tokenRejected
			}
			return connectionLost
		case <-ctx.Done():
			c.teardown(conn, reader)
			return connectionLost
		}
	}
}

// rejectionWatch notes whether the acceptor refused our token.
type rejectionWatch struct {
	chat.Conn
	rejected atomic.Bool
}

func (w *rejectionWatch) Read(ctx context.Context) (chat.Frame, error) {
	frame, err := w.Conn.Read(ctx)
	if err == nil && frame.Text && string(frame.Payload) == chat.RejectionText {
		w.rejected.Store(true)
	}
	return frame, err
}

// readDuty is the cancellable task pushing frames from a session onto inbound.
type readDuty struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *Connector) startReadDuty(ctx context.Context, conn chat.Conn) *readDuty {
	ctx, cancel := context.WithCancel(ctx)
	d := &readDuty{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(d.done)
		_ = chat.ReadLoop(ctx, conn, c.inbound, c.logger)
	}()
	return d
}

// abort cancels the read duty and waits for it to return.
func (d *readDuty) abort() {
	d.cancel()
	<-d.done
}

func (c *Connector) teardown(conn chat.Conn, reader *readDuty) {
	reader.abort()
	c.logger.Debug("read duty cancelled", "peer", conn.RemoteAddr())
	c.closeConn(conn)
}

func (c *Connector) closeConn(conn chat.Conn) {
	if err := conn.Close(); err != nil {
		c.logger.Warn("failed to close connection", "peer", conn.RemoteAddr(), "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
