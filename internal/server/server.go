// Package server implements the acceptor role: it lets the remote peer dial in.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/omochice/duplex-chat/internal/chat"
	"github.com/omochice/duplex-chat/internal/config"
	"github.com/omochice/duplex-chat/internal/transport/websocket"
	"github.com/omochice/duplex-chat/pkg/protocol"
)

// Acceptor accepts peer connections, authenticates them and relays their
// messages onto the inbound channel. The relay is read-only.
type Acceptor struct {
	address string
	token   string
	inbound chan<- protocol.Message
	ready   *chat.Signal
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	relays   int
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures an Acceptor.
type Option func(*Acceptor)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *Acceptor) {
		a.logger = logger
	}
}

// New creates an Acceptor bound to cfg.ServerAddr once started.
// ready is fired when the listener is bound, or failed if binding fails.
func New(cfg config.Config, inbound chan<- protocol.Message, ready *chat.Signal, opts ...Option) *Acceptor {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Acceptor{
		address: cfg.ServerAddr,
		token:   cfg.Token,
		inbound: inbound,
		ready:   ready,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start binds the listening address and accepts connections until ctx is
// canceled or Stop is called. A bind failure is returned and never retried.
func (a *Acceptor) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.address)
	if err != nil {
		err = fmt.Errorf("failed to bind %s: %w", a.address, err)
		a.logger.Error("acceptor bind failed", "addr", a.address, "error", err)
		a.ready.Fail(err)
		return err
	}

	a.mu.Lock()
	if a.ctx.Err() != nil {
		a.mu.Unlock()
		listener.Close()
		a.ready.Fail(a.ctx.Err())
		return nil
	}
	a.listener = listener
	a.mu.Unlock()

	a.logger.Info("acceptor listening", "addr", listener.Addr().String())
	a.ready.Fire()

	stop := context.AfterFunc(ctx, a.Stop)
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if a.ctx.Err() != nil {
				a.wg.Wait()
				a.logger.Info("acceptor stopped", "addr", listener.Addr().String())
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener closed unexpectedly: %w", err)
			}
			a.logger.Warn("accept failed", "error", err)
			continue
		}

		if !a.track(conn) {
			conn.Close()
			continue
		}
		go a.handleConn(conn)
	}
}

// Stop closes the listener and every accepted connection, then waits for
// their relays to end. Safe to call multiple times.
func (a *Acceptor) Stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.cancel()
		if a.listener != nil {
			a.listener.Close()
		}
		for conn := range a.conns {
			conn.Close()
		}
		a.mu.Unlock()
	})
	a.wg.Wait()
}

// Addr returns the listening address, or "" before binding.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// ActiveCount returns the number of authenticated connections being relayed.
func (a *Acceptor) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.relays
}

func (a *Acceptor) track(conn net.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx.Err() != nil {
		return false
	}
	a.conns[conn] = struct{}{}
	a.wg.Add(1)
	return true
}

func (a *Acceptor) untrack(conn net.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.conns, conn)
}

func (a *Acceptor) addRelay(delta int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.relays += delta
}

// handleConn upgrades, authenticates and relays a single accepted connection.
// Nothing that happens here affects the accept loop or other connections.
func (a *Acceptor) handleConn(raw net.Conn) {
	defer a.wg.Done()
	defer a.untrack(raw)

	remote := raw.RemoteAddr().String()

	conn, err := websocket.Upgrade(raw)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "remote_addr", remote, "error", err)
		raw.Close()
		return
	}
	defer conn.Close()

	if _, err := chat.VerifyToken(a.ctx, conn, a.token); err != nil {
		a.logger.Warn("handshake failed", "remote_addr", remote, "error", err)
		return
	}
	a.logger.Info("peer authenticated", "remote_addr", remote)

	a.addRelay(1)
	defer a.addRelay(-1)

	if err := chat.ReadLoop(a.ctx, conn, a.inbound, a.logger); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Debug("relay ended with error", "remote_addr", remote, "error", err)
	}
	a.logger.Info("relay closed", "remote_addr", remote)
}
