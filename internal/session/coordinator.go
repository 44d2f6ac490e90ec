// Package session hands finished bootstraps over to the relay transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/philsphicas/lobbyrelay/internal/metrics"
	"github.com/philsphicas/lobbyrelay/internal/op"
	"github.com/philsphicas/lobbyrelay/internal/relay"
	"github.com/philsphicas/lobbyrelay/internal/transport"
	"go.uber.org/multierr"
)

// Link roles, also used as metric labels.
const (
	RoleHost   = "host"
	RoleClient = "client"
)

var (
	// ErrBootstrapFailed means a bootstrap ended without session parameters.
	ErrBootstrapFailed = errors.New("bootstrap did not reach ready")
	// ErrHostUnavailable means the local host never bound, so the local
	// client was never connected.
	ErrHostUnavailable = errors.New("local host is not listening")
)

// Bootstrap is a bootstrap machine as seen by the coordinator.
// *bootstrap.Host and *bootstrap.Client satisfy it.
type Bootstrap interface {
	Done() bool
	Session() (relay.SessionParameters, bool)
	Err() error
}

// Transport opens relay links. *transport.Dialer satisfies it.
type Transport interface {
	Listen(ctx context.Context, p relay.SessionParameters) (*transport.Link, error)
	Connect(ctx context.Context, p relay.SessionParameters) (*transport.Link, error)
}

// Config configures a Coordinator. At least one of Host and Client is set.
type Config struct {
	Host      Bootstrap
	Client    Bootstrap
	Transport Transport // required

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// side tracks one bootstrap's handoff.
type side struct {
	bootstrap Bootstrap
	pending   *op.Pending[*transport.Link]
	link      *transport.Link
	err       error
	done      bool
}

// Coordinator waits for bootstraps to become ready and opens exactly one
// relay link per ready bootstrap: a listen for the host and a connect for
// the client. With both present, the connect is issued only after the
// listen succeeded.
type Coordinator struct {
	transport Transport
	logger    *slog.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	host   *side
	client *side
}

// New creates a Coordinator. Links are opened under a context derived from
// ctx.
func New(ctx context.Context, cfg Config) (*Coordinator, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("session: transport is required")
	}
	if cfg.Host == nil && cfg.Client == nil {
		return nil, fmt.Errorf("session: no bootstrap to coordinate")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		transport: cfg.Transport,
		logger:    logger,
		metrics:   cfg.Metrics,
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	if cfg.Host != nil {
		c.host = &side{bootstrap: cfg.Host}
	}
	if cfg.Client != nil {
		c.client = &side{bootstrap: cfg.Client}
	}
	return c, nil
}

// Tick issues a link request for each bootstrap that became ready and
// collects resolved requests. It never blocks.
func (c *Coordinator) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h := c.host; h != nil && !h.done {
		c.step(h, RoleHost, c.transport.Listen)
	}
	if cl := c.client; cl != nil && !cl.done {
		if h := c.host; h != nil {
			switch {
			case h.done && h.link == nil:
				c.finish(cl, RoleClient, nil, ErrHostUnavailable)
				return
			case !h.done:
				return
			}
		}
		c.step(cl, RoleClient, c.transport.Connect)
	}
}

// step advances one side. Caller holds c.mu.
func (c *Coordinator) step(s *side, role string, open func(context.Context, relay.SessionParameters) (*transport.Link, error)) {
	if s.pending == nil {
		if !s.bootstrap.Done() {
			return
		}
		params, ok := s.bootstrap.Session()
		if !ok {
			c.finish(s, role, nil, fmt.Errorf("%s: %w: %w", role, ErrBootstrapFailed, s.bootstrap.Err()))
			return
		}
		c.logger.Info("opening relay link", "role", role, "relay", params.Endpoint(), "transport", params.Transport())
		s.pending = op.Go(c.ctx, func(ctx context.Context) (*transport.Link, error) {
			return open(ctx, params)
		})
		return
	}
	if !s.pending.Ready() {
		return
	}
	link, err := s.pending.Result()
	c.finish(s, role, link, err)
}

// finish records a side's outcome. Caller holds c.mu.
func (c *Coordinator) finish(s *side, role string, link *transport.Link, err error) {
	s.done = true
	s.link = link
	s.err = err
	if err != nil {
		c.logger.Warn("relay link not established", "role", role, "error", err)
		return
	}
	c.metrics.SetLinkUp(role, true)
	link.OnClose(func() { c.metrics.SetLinkUp(role, false) })
	c.logger.Info("relay link established", "role", role, "relay", link.Endpoint())
}

// Done reports whether every side has a link or has given up.
func (c *Coordinator) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range []*side{c.host, c.client} {
		if s != nil && !s.done {
			return false
		}
	}
	return true
}

// HostLink returns the host's relay link once established, or nil.
func (c *Coordinator) HostLink() *transport.Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.host == nil {
		return nil
	}
	return c.host.link
}

// ClientLink returns the client's relay link once established, or nil.
func (c *Coordinator) ClientLink() *transport.Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	return c.client.link
}

// Err returns the combined errors of sides that finished without a link.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	for _, s := range []*side{c.host, c.client} {
		if s != nil {
			err = multierr.Append(err, s.err)
		}
	}
	return err
}

// Close cancels outstanding requests and closes established links.
func (c *Coordinator) Close() error {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	for _, s := range []*side{c.host, c.client} {
		if s == nil {
			continue
		}
		if p := s.pending; p != nil && !s.done {
			go discardLink(p)
			continue
		}
		if s.link == nil {
			continue
		}
		err = multierr.Append(err, s.link.Close())
		s.link = nil
	}
	return err
}

// discardLink closes a link whose request was still in flight at Close.
func discardLink(p *op.Pending[*transport.Link]) {
	if link, err := p.Wait(context.Background()); err == nil {
		link.Close()
	}
}
