package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"github.com/omochice/duplex-chat/internal/config"
	"github.com/omochice/duplex-chat/internal/node"
	"github.com/omochice/duplex-chat/pkg/protocol"
)

const shutdownTimeout = 5 * time.Second

// Exit codes reported to the shell.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	envFile := flag.String("env", ".env", "Optional dotenv file read before the environment")
	serverAddr := flag.String("server", "", "Local address to listen on (e.g., 127.0.0.1:8080)")
	peerAddr := flag.String("peer", "", "Remote peer address to dial (e.g., 127.0.0.1:8081)")
	username := flag.String("username", "", "Display name for your messages")
	token := flag.String("token", "", "Shared secret, identical on both nodes")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
		return exitConfig
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfig
	}
	override(&cfg.ServerAddr, *serverAddr)
	override(&cfg.PeerAddr, *peerAddr)
	override(&cfg.Username, *username)
	override(&cfg.Token, *token)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfig
	}

	logger := logs.GetLoggerFromString(cfg.LogLevel)
	n := node.New(cfg, node.WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runErr error
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		runErr = n.Run(ctx)
	}()

	go printInbound(os.Stdout, n.Inbound())
	go readOutbound(ctx, os.Stdin, n)

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"node": func(ctx context.Context) error {
				cancel()
				select {
				case <-stopped:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
	)

	select {
	case code := <-wait:
		return code
	case <-stopped:
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "peer terminated with error: %v\n", runErr)
			return exitRuntime
		}
		return exitOK
	}
}

func override(dst *string, flagValue string) {
	if flagValue != "" {
		*dst = flagValue
	}
}

// printInbound renders every message received from the peer.
func printInbound(w io.Writer, inbound <-chan protocol.Message) {
	for msg := range inbound {
		fmt.Fprintf(w, "\r[%s] %s: %s\n> ",
			color.Yellow.Sprint(msg.Timestamp), color.Cyan.Sprint(msg.Sender), msg.Content)
	}
}

// readOutbound waits until both roles are live, then sends each stdin line to
// the peer. End of input or "quit" closes the outbound channel.
func readOutbound(ctx context.Context, r io.Reader, n *node.Node) {
	if err := n.WaitReady(ctx); err != nil {
		return
	}

	out := n.Outbound()
	defer close(out)

	fmt.Println("Type your messages (or 'quit' to exit):")
	fmt.Print("> ")
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			fmt.Print("> ")
			continue
		}
		if text == "quit" || text == "exit" {
			return
		}

		select {
		case out <- n.Compose(text):
		case <-ctx.Done():
			return
		}
		fmt.Print("> ")
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintln(os.Stderr, color.Red.Sprintf("error reading input: %v", err))
	}
}
