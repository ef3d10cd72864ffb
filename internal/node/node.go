// Package node runs both roles of a chat peer and exposes the channel
// contract consumed by the presentation layer.
package node

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omochice/duplex-chat/internal/chat"
	"github.com/omochice/duplex-chat/internal/client"
	"github.com/omochice/duplex-chat/internal/config"
	"github.com/omochice/duplex-chat/internal/server"
	"github.com/omochice/duplex-chat/pkg/protocol"
)

// Node owns the relay channels and both roles.
type Node struct {
	cfg      config.Config
	channels *chat.Channels

	acceptor  *server.Acceptor
	connector *client.Connector

	serverReady *chat.Signal
	clientReady *chat.Signal
	logger      *slog.Logger
}

type options struct {
	logger     *slog.Logger
	capacity   int
	retryDelay time.Duration
	dialer     client.Dialer
}

// Option configures a Node.
type Option func(*options)

// WithLogger sets the logger used by both roles.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithCapacity sets the buffer size of both relay channels.
func WithCapacity(capacity int) Option {
	return func(o *options) {
		o.capacity = capacity
	}
}

// WithRetryDelay sets the connector's pause between failed dials.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) {
		o.retryDelay = d
	}
}

// WithDialer replaces the connector's WebSocket dialer.
func WithDialer(dial client.Dialer) Option {
	return func(o *options) {
		o.dialer = dial
	}
}

// New wires a Node from cfg. Nothing runs until Run is called.
func New(cfg config.Config, opts ...Option) *Node {
	o := options{
		logger:     slog.Default(),
		capacity:   chat.DefaultCapacity,
		retryDelay: client.DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{
		cfg:         cfg,
		channels:    chat.NewChannels(o.capacity),
		serverReady: chat.NewSignal(),
		clientReady: chat.NewSignal(),
		logger:      o.logger,
	}

	n.acceptor = server.New(cfg, n.channels.Inbound, n.serverReady,
		server.WithLogger(o.logger.With("role", "acceptor")))

	clientOpts := []client.Option{
		client.WithRetryDelay(o.retryDelay),
		client.WithLogger(o.logger.With("role", "connector")),
	}
	if o.dialer != nil {
		clientOpts = append(clientOpts, client.WithDialer(o.dialer))
	}
	n.connector = client.New(cfg, n.channels.Inbound, n.channels.Outbound, n.clientReady, clientOpts...)

	return n
}

// Run starts both roles and blocks until ctx ends, the outbound channel is
// closed, or the acceptor cannot bind. Only a bind failure is returned.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n.logger.Info("node starting", "config", n.cfg.String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.acceptor.Start(gctx)
	})
	g.Go(func() error {
		// The connector only returns on shutdown; take the acceptor down with it.
		defer cancel()
		return n.connector.Run(gctx)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	n.logger.Info("node stopped")
	return nil
}

// Inbound delivers every authenticated message received by either role.
func (n *Node) Inbound() <-chan protocol.Message {
	return n.channels.Inbound
}

// Outbound accepts messages for the peer. Closing it shuts the connector down.
func (n *Node) Outbound() chan<- protocol.Message {
	return n.channels.Outbound
}

// WaitReady blocks until the acceptor is listening and the connector has
// reached the peer once. It returns the acceptor's bind error if any.
func (n *Node) WaitReady(ctx context.Context) error {
	return chat.WaitReady(ctx, n.serverReady, n.clientReady)
}

// Compose builds an outbound message authored by the local user.
func (n *Node) Compose(content string) protocol.Message {
	return protocol.New(n.cfg.Username, content, protocol.Now(), n.cfg.Token)
}

// Addr returns the acceptor's listening address once bound.
func (n *Node) Addr() string {
	return n.acceptor.Addr()
}
