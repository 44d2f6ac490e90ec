package forward

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/philsphicas/lobbyrelay/internal/metrics"
	"github.com/philsphicas/lobbyrelay/internal/transport"
)

// StdioConfig configures a link bridged to stdin/stdout.
type StdioConfig struct {
	Stdin   io.ReadCloser
	Stdout  io.WriteCloser
	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics
}

// Stdio bridges link with stdin/stdout until either side closes. The link
// is closed on return.
func Stdio(ctx context.Context, link *transport.Link, cfg StdioConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	defer link.Close() //nolint:errcheck // best-effort cleanup

	cfg.Logger.Debug("bridging stdio", "relay", link.Endpoint())
	stdio := &stdioConn{in: cfg.Stdin, out: cfg.Stdout}
	_, err := cfg.Metrics.TrackedBridge(ctx, link, stdio, roleClient, "stdio")
	return err
}

// stdioConn adapts stdin/stdout to net.Conn for use with Bridge.
type stdioConn struct {
	in  io.ReadCloser
	out io.WriteCloser
}

func (c *stdioConn) Read(b []byte) (int, error)       { return c.in.Read(b) }
func (c *stdioConn) Write(b []byte) (int, error)      { return c.out.Write(b) }
func (c *stdioConn) Close() error                     { return errors.Join(c.in.Close(), c.out.Close()) }
func (c *stdioConn) LocalAddr() net.Addr              { return stubAddr{} }
func (c *stdioConn) RemoteAddr() net.Addr             { return stubAddr{} }
func (c *stdioConn) SetDeadline(time.Time) error      { return nil }
func (c *stdioConn) SetReadDeadline(time.Time) error  { return nil }
func (c *stdioConn) SetWriteDeadline(time.Time) error { return nil }

type stubAddr struct{}

func (stubAddr) Network() string { return "stdio" }
func (stubAddr) String() string  { return "stdio" }
