// Package forward connects relay links to local sockets: the host side dials
// the game server a link should reach, the client side exposes a link on a
// local port or on stdin/stdout.
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

// Metric roles.
const (
	roleHost   = "host"
	roleClient = "client"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultTCPKeepAlive   = 30 * time.Second
)

// ServeConfig configures the host side of a link.
type ServeConfig struct {
	Target         string // host:port of the local game server
	ConnectTimeout time.Duration
	TCPKeepAlive   time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics // optional; nil disables metrics
}

// Serve dials the target and bridges it with link until either side
// closes. The link is closed on return.
func Serve(ctx context.Context, link *transport.Link, cfg ServeConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = defaultTCPKeepAlive
	}
	defer link.Close() //nolint:errcheck // best-effort cleanup

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	dialStart := time.Now()
	conn, err := dialer.DialContext(dialCtx, "tcp", cfg.Target)
	cfg.Metrics.ObserveDialDuration(roleHost, time.Since(dialStart).Seconds())
	if err != nil {
		cfg.Metrics.ConnectionError(roleHost, metrics.DialReason(err, metrics.ReasonDialFailed))
		return fmt.Errorf("dial target %s: %w", cfg.Target, err)
	}
	defer conn.Close() //nolint:errcheck // best-effort cleanup
	transport.SetTCPKeepAlive(conn, cfg.TCPKeepAlive)

	cfg.Logger.Info("forwarding relay link", "target", cfg.Target, "relay", link.Endpoint())
	_, err = cfg.Metrics.TrackedBridge(ctx, link, conn, roleHost, cfg.Target)
	if err != nil {
		cfg.Logger.Debug("bridge ended", "target", cfg.Target, "error", err)
	}
	return err
}
