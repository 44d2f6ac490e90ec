package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/philsphicas/lobbyrelay/internal/metrics"
	"github.com/philsphicas/lobbyrelay/internal/op"
	"github.com/philsphicas/lobbyrelay/internal/protocol"
	"github.com/philsphicas/lobbyrelay/internal/relay"
	"github.com/philsphicas/lobbyrelay/internal/rest"
)

// Client defaults.
const (
	DefaultPollInterval     = 1 * time.Second
	DefaultDiscoveryTimeout = 10 * time.Second
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Identity Identity     // required
	Relay    RelayService // required
	Lobbies  LobbyService // required for the lobby join paths

	Transport string           // relay connection type; default relay.DefaultTransport
	Player    *protocol.Player // roster entry data sent when joining a lobby; optional

	// PollInterval is the spacing of lobby fetches while waiting for the
	// host to publish its relay code.
	PollInterval time.Duration

	// DiscoveryTimeout bounds the wait for a local host's join code.
	DiscoveryTimeout time.Duration

	// RelayCodeTimeout bounds the wait for a lobby's relay code. Zero waits
	// until the lobby disappears or the run is aborted.
	RelayCodeTimeout time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics
}

// JoinCodeSource exposes a relay join code that may not exist yet. *Host
// satisfies it.
type JoinCodeSource interface {
	JoinCode() string
}

// ClientState is one state of a Client.
type ClientState interface {
	// Name returns the state's name, e.g. "JoiningRelayAllocation".
	Name() string
	clientState()
}

// joinTarget is what the client joins once signed in. Exactly one field is
// set.
type joinTarget struct {
	relayCode string
	lobbyCode string
	lobbyID   string
}

type (
	ClientIdle             struct{}
	ClientAwaitingJoinCode struct {
		source   JoinCodeSource
		deadline time.Time
	}
	ClientSigningIn struct {
		target  joinTarget
		pending *op.Pending[struct{}]
	}
	ClientJoiningLobbyByCode struct {
		lobbyCode string
		pending   *op.Pending[*protocol.Lobby]
	}
	ClientJoiningLobbyByID struct {
		lobbyID string
		pending *op.Pending[*protocol.Lobby]
	}
	ClientResolvingRelayCode struct {
		lobby    *protocol.Lobby
		pending  *op.Pending[*protocol.Lobby] // nil between fetches
		nextPoll time.Time
		deadline time.Time // zero means unbounded
		fetches  int
	}
	ClientJoiningRelayAllocation struct {
		joinCode string
		lobby    *protocol.Lobby // nil on the direct code path
		pending  *op.Pending[*protocol.JoinAllocation]
	}
	ClientDerivingSessionParams struct {
		joinCode string
		lobby    *protocol.Lobby
		alloc    *protocol.JoinAllocation
	}
	ClientReady struct {
		params   relay.SessionParameters
		joinCode string
		lobby    *protocol.Lobby
	}
	ClientFailed struct {
		failure *Failure
	}
)

func (ClientIdle) Name() string                   { return "Idle" }
func (ClientAwaitingJoinCode) Name() string       { return "AwaitingJoinCode" }
func (ClientSigningIn) Name() string              { return "SigningIn" }
func (ClientJoiningLobbyByCode) Name() string     { return "JoiningLobbyByCode" }
func (ClientJoiningLobbyByID) Name() string       { return "JoiningLobbyByID" }
func (ClientResolvingRelayCode) Name() string     { return "ResolvingRelayCodeFromLobby" }
func (ClientJoiningRelayAllocation) Name() string { return "JoiningRelayAllocation" }
func (ClientDerivingSessionParams) Name() string  { return "DerivingSessionParams" }
func (ClientReady) Name() string                  { return "Ready" }
func (ClientFailed) Name() string                 { return "Failed" }

func (ClientIdle) clientState()                   {}
func (ClientAwaitingJoinCode) clientState()       {}
func (ClientSigningIn) clientState()              {}
func (ClientJoiningLobbyByCode) clientState()     {}
func (ClientJoiningLobbyByID) clientState()       {}
func (ClientResolvingRelayCode) clientState()     {}
func (ClientJoiningRelayAllocation) clientState() {}
func (ClientDerivingSessionParams) clientState()  {}
func (ClientReady) clientState()                  {}
func (ClientFailed) clientState()                 {}

// Fetches returns how many lobby fetches completed while waiting.
func (s ClientResolvingRelayCode) Fetches() int { return s.fetches }

// Params returns the negotiated session parameters.
func (s ClientReady) Params() relay.SessionParameters { return s.params }

// JoinCode returns the relay join code that was used.
func (s ClientReady) JoinCode() string { return s.joinCode }

// Lobby returns a copy of the joined lobby, or nil on the direct code path.
func (s ClientReady) Lobby() *protocol.Lobby { return s.lobby.Clone() }

// Reason returns why the run failed.
func (s ClientFailed) Reason() Reason { return s.failure.Reason }

// Err returns the failure as an error.
func (s ClientFailed) Err() error { return s.failure }

// Client drives the joining side of a session: resolve a relay join code
// (given directly, read from a lobby, or taken from a local host), join the
// relay allocation, and negotiate session parameters.
type Client struct {
	cfg ClientConfig
	run run

	mu    sync.Mutex
	state ClientState
}

// NewClient creates an idle Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Identity == nil || cfg.Relay == nil {
		return nil, fmt.Errorf("client bootstrap: identity and relay service are required")
	}
	if cfg.Transport == "" {
		cfg.Transport = relay.DefaultTransport
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	return &Client{
		cfg:   cfg,
		run:   newRun("client", cfg.Clock, cfg.Logger, cfg.Metrics),
		state: ClientIdle{},
	}, nil
}

// JoinWithCode starts a direct join with a relay join code.
func (c *Client) JoinWithCode(ctx context.Context, relayCode string) error {
	if relayCode == "" {
		return fmt.Errorf("join: empty relay code")
	}
	return c.startSignIn(ctx, joinTarget{relayCode: relayCode})
}

// JoinWithLobbyCode starts a join through a lobby's short code. The relay
// code is read from the lobby once the host has published it.
func (c *Client) JoinWithLobbyCode(ctx context.Context, lobbyCode string) error {
	if lobbyCode == "" {
		return fmt.Errorf("join: empty lobby code")
	}
	if c.cfg.Lobbies == nil {
		return fmt.Errorf("join: no lobby service configured")
	}
	return c.startSignIn(ctx, joinTarget{lobbyCode: lobbyCode})
}

// JoinLobbyByID starts a join of a lobby picked from a browse list.
func (c *Client) JoinLobbyByID(ctx context.Context, lobbyID string) error {
	if lobbyID == "" {
		return fmt.Errorf("join: empty lobby id")
	}
	if c.cfg.Lobbies == nil {
		return fmt.Errorf("join: no lobby service configured")
	}
	return c.startSignIn(ctx, joinTarget{lobbyID: lobbyID})
}

// JoinViaHostDiscovery starts a join that takes its relay code from a host
// running in the same process. The wait for the code is bounded by
// DiscoveryTimeout.
func (c *Client) JoinViaHostDiscovery(ctx context.Context, source JoinCodeSource) error {
	if source == nil {
		return fmt.Errorf("join: nil join code source")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.state.(ClientIdle); !ok {
		return ErrAlreadyStarted
	}
	c.run.begin(ctx)
	c.enter(ClientAwaitingJoinCode{source: source, deadline: c.run.started.Add(c.cfg.DiscoveryTimeout)})
	return nil
}

func (c *Client) startSignIn(ctx context.Context, target joinTarget) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.state.(ClientIdle); !ok {
		return ErrAlreadyStarted
	}
	c.run.begin(ctx)
	c.enter(ClientSigningIn{target: target, pending: signIn(c.run.ctx, c.cfg.Identity)})
	return nil
}

// Tick advances the machine if the pending operation has resolved or a
// poll is due. It never blocks.
func (c *Client) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx := c.run.ctx
	now := c.run.clock.Now()
	switch s := c.state.(type) {
	case ClientAwaitingJoinCode:
		if code := s.source.JoinCode(); code != "" {
			c.enter(ClientSigningIn{target: joinTarget{relayCode: code}, pending: signIn(ctx, c.cfg.Identity)})
			return
		}
		if !now.Before(s.deadline) {
			c.fail(ReasonTimeout, nil)
		}

	case ClientSigningIn:
		if !s.pending.Ready() {
			return
		}
		if _, err := s.pending.Result(); err != nil {
			c.fail(ReasonAuth, err)
			return
		}
		switch t := s.target; {
		case t.lobbyCode != "":
			c.enter(ClientJoiningLobbyByCode{
				lobbyCode: t.lobbyCode,
				pending:   c.cfg.Lobbies.JoinLobbyByCode(ctx, t.lobbyCode, c.cfg.Player),
			})
		case t.lobbyID != "":
			c.enter(ClientJoiningLobbyByID{
				lobbyID: t.lobbyID,
				pending: c.cfg.Lobbies.JoinLobbyByID(ctx, t.lobbyID, c.cfg.Player),
			})
		default:
			c.joinRelay(t.relayCode, nil)
		}

	case ClientJoiningLobbyByCode:
		c.lobbyJoined(s.pending, now)

	case ClientJoiningLobbyByID:
		c.lobbyJoined(s.pending, now)

	case ClientResolvingRelayCode:
		// A fetch that already answered is examined before the deadline.
		if s.pending != nil && s.pending.Ready() {
			l, err := s.pending.Result()
			switch {
			case rest.IsNotFound(err):
				c.fail(ReasonLobbyGone, err)
				return
			case err != nil:
				c.fail(ReasonLobbyFetch, err)
				return
			}
			s.fetches++
			if code := l.RelayCode(); code != "" {
				c.joinRelay(code, l)
				return
			}
			s.lobby = l
			s.pending = nil
			s.nextPoll = now.Add(c.cfg.PollInterval)
			c.state = s
		}
		if !s.deadline.IsZero() && !now.Before(s.deadline) {
			c.fail(ReasonTimeout, fmt.Errorf("no relay code published in lobby %s", s.lobby.ID))
			return
		}
		if s.pending == nil && !now.Before(s.nextPoll) {
			s.pending = c.cfg.Lobbies.GetLobby(ctx, s.lobby.ID)
			c.state = s
		}

	case ClientJoiningRelayAllocation:
		if !s.pending.Ready() {
			return
		}
		alloc, err := s.pending.Result()
		if err != nil {
			c.fail(ReasonRelayJoin, err)
			return
		}
		c.enter(ClientDerivingSessionParams{joinCode: s.joinCode, lobby: s.lobby, alloc: alloc})

	case ClientDerivingSessionParams:
		params, err := relay.NegotiateJoin(*s.alloc, c.cfg.Transport)
		if err != nil {
			c.fail(ReasonEndpoint, err)
			return
		}
		c.enter(ClientReady{params: params, joinCode: s.joinCode, lobby: s.lobby})
	}
}

// lobbyJoined handles the result of either lobby join. If the snapshot
// already carries the relay code the relay join starts at once. Caller
// holds c.mu.
func (c *Client) lobbyJoined(pending *op.Pending[*protocol.Lobby], now time.Time) {
	if !pending.Ready() {
		return
	}
	l, err := pending.Result()
	if err != nil {
		c.fail(ReasonLobbyJoin, err)
		return
	}
	if code := l.RelayCode(); code != "" {
		c.joinRelay(code, l)
		return
	}
	s := ClientResolvingRelayCode{lobby: l, nextPoll: now.Add(c.cfg.PollInterval)}
	if c.cfg.RelayCodeTimeout > 0 {
		s.deadline = now.Add(c.cfg.RelayCodeTimeout)
	}
	c.enter(s)
}

// joinRelay issues the relay join. Caller holds c.mu.
func (c *Client) joinRelay(code string, l *protocol.Lobby) {
	c.enter(ClientJoiningRelayAllocation{
		joinCode: code,
		lobby:    l,
		pending:  c.cfg.Relay.JoinAllocation(c.run.ctx, code),
	})
}

// enter moves to s. Caller holds c.mu.
func (c *Client) enter(s ClientState) {
	c.state = s
	c.run.entered(s.Name())
	if r, ok := s.(ClientReady); ok {
		c.run.finished(metrics.OutcomeReady)
		c.run.logger.Info("client ready", "join_code", r.joinCode, "relay", r.params.Endpoint())
	}
}

// fail ends the run. Caller holds c.mu.
func (c *Client) fail(reason Reason, err error) {
	c.state = ClientFailed{failure: &Failure{Reason: reason, Err: err}}
	c.run.entered("Failed")
	c.run.finished(string(reason))
	c.run.logger.Warn("client bootstrap failed", "reason", reason, "error", err)
}

// Abort forces Failed(cancelled) unless the run already ended. The
// in-flight call's context is cancelled without waiting for it; its result,
// if one arrives, is discarded.
func (c *Client) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state.(type) {
	case ClientReady, ClientFailed:
		return
	case ClientIdle:
		c.run.begin(context.Background())
	}
	c.fail(ReasonCancelled, nil)
	c.run.stop()
}

// Close cancels any in-flight call. The state is left as is.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.run.stop()
}

// State returns the current state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done reports whether the run reached Ready or Failed.
func (c *Client) Done() bool {
	switch c.State().(type) {
	case ClientReady, ClientFailed:
		return true
	}
	return false
}

// Status returns a one-line description of the current state for display.
func (c *Client) Status() string {
	switch s := c.State().(type) {
	case ClientFailed:
		return s.failure.Error()
	case ClientResolvingRelayCode:
		return "Waiting for the host to publish its relay code"
	default:
		return s.Name()
	}
}

// Session returns the negotiated parameters once Ready.
func (c *Client) Session() (relay.SessionParameters, bool) {
	if s, ok := c.State().(ClientReady); ok {
		return s.params, true
	}
	return relay.SessionParameters{}, false
}

// Lobby returns a copy of the joined lobby once Ready, or nil.
func (c *Client) Lobby() *protocol.Lobby {
	if s, ok := c.State().(ClientReady); ok {
		return s.Lobby()
	}
	return nil
}

// Err returns the failure once Failed, or nil.
func (c *Client) Err() error {
	if s, ok := c.State().(ClientFailed); ok {
		return s.failure
	}
	return nil
}
