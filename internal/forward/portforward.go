package forward

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/philsphicas/lobbyrelay/internal/metrics"
	"github.com/philsphicas/lobbyrelay/internal/transport"
)

// PortForwardConfig configures the client side of a link.
type PortForwardConfig struct {
	BindAddress  string // local address:port to listen on
	TCPKeepAlive time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics // optional; nil disables metrics

	// OnListen, if set, is called with the bound address before the first
	// accept.
	OnListen func(net.Addr)
}

// PortForward listens on the bind address and bridges the first accepted
// connection with link. A link carries one stream, so connections arriving
// while it is in use are refused. PortForward returns when the bridge ends
// or ctx is cancelled; the link is closed on return.
func PortForward(ctx context.Context, link *transport.Link, cfg PortForwardConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = defaultTCPKeepAlive
	}
	defer link.Close() //nolint:errcheck // best-effort cleanup

	ln, err := net.Listen("tcp", cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.BindAddress, err)
	}
	defer ln.Close() //nolint:errcheck // best-effort cleanup
	cfg.Logger.Info("port-forward listening", "bind", ln.Addr(), "relay", link.Endpoint())
	if cfg.OnListen != nil {
		cfg.OnListen(ln.Addr())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		ln.Close() //nolint:errcheck // best-effort cleanup
	}()

	slots := transport.NewSlots(1)
	done := make(chan error, 1)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case err := <-done:
				return err
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			cfg.Logger.Warn("accept failed", "error", err)
			continue
		}
		if !slots.TryAcquire() {
			cfg.Logger.Warn("relay link busy, refusing connection", "remote", conn.RemoteAddr())
			cfg.Metrics.ConnectionError(roleClient, metrics.ReasonBusy)
			conn.Close() //nolint:errcheck // best-effort cleanup
			continue
		}
		go func() {
			defer conn.Close() //nolint:errcheck // best-effort cleanup
			transport.SetTCPKeepAlive(conn, cfg.TCPKeepAlive)
			_, err := cfg.Metrics.TrackedBridge(ctx, link, conn, roleClient, link.Endpoint().String())
			done <- err
			// Unblock Accept; the link is spent.
			cancel()
		}()
	}
}
