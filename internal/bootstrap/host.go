// Package bootstrap implements the host and client session bootstrap state
// machines.
//
// A machine is advanced only by Tick. Each state is its own type carrying
// exactly the data valid in it, including the handle of the one remote
// operation the state waits on. Tick never blocks: it checks whether that
// operation has resolved and, if so, moves to the next state and issues the
// next call. A failed call ends the run in a Failed state; nothing is
// retried. To try again, construct a new machine.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/philsphicas/lobbyrelay/internal/lobby"
	"github.com/philsphicas/lobbyrelay/internal/metrics"
	"github.com/philsphicas/lobbyrelay/internal/op"
	"github.com/philsphicas/lobbyrelay/internal/protocol"
	"github.com/philsphicas/lobbyrelay/internal/relay"
)

// Host defaults.
const (
	DefaultLobbyName      = "Relay Lobby"
	DefaultMaxPlayers     = 2
	DefaultMaxConnections = 2
)

// ErrAlreadyStarted is returned when starting a machine that is not idle.
var ErrAlreadyStarted = errors.New("bootstrap already started")

// HostConfig configures a Host.
type HostConfig struct {
	Identity Identity     // required
	Relay    RelayService // required
	Lobbies  LobbyService // required

	LobbyName      string           // default DefaultLobbyName
	MaxPlayers     int              // default DefaultMaxPlayers
	MaxConnections int              // default DefaultMaxConnections
	Transport      string           // relay connection type; default relay.DefaultTransport
	Player         *protocol.Player // host's roster entry data; optional

	HeartbeatInterval time.Duration // default lobby.DefaultHeartbeatInterval

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics
}

// HostState is one state of a Host.
type HostState interface {
	// Name returns the state's name, e.g. "Allocating".
	Name() string
	hostState()
}

type (
	HostIdle      struct{}
	HostSigningIn struct {
		pending *op.Pending[struct{}]
	}
	HostListingRegions struct {
		pending *op.Pending[[]protocol.Region]
	}
	HostAllocating struct {
		region  string
		pending *op.Pending[*protocol.Allocation]
	}
	HostFetchingJoinCode struct {
		alloc   *protocol.Allocation
		pending *op.Pending[string]
	}
	HostDerivingSessionParams struct {
		alloc    *protocol.Allocation
		joinCode string
	}
	HostCreatingLobby struct {
		params   relay.SessionParameters
		joinCode string
		pending  *op.Pending[*protocol.Lobby]
	}
	HostPublishingJoinCode struct {
		params   relay.SessionParameters
		joinCode string
		lobby    *protocol.Lobby
		pending  *op.Pending[*protocol.Lobby]
	}
	HostReady struct {
		params   relay.SessionParameters
		joinCode string
		lobby    *protocol.Lobby
		degraded bool
	}
	HostFailed struct {
		failure *Failure
	}
)

func (HostIdle) Name() string                  { return "Idle" }
func (HostSigningIn) Name() string             { return "SigningIn" }
func (HostListingRegions) Name() string        { return "ListingRegions" }
func (HostAllocating) Name() string            { return "Allocating" }
func (HostFetchingJoinCode) Name() string      { return "FetchingJoinCode" }
func (HostDerivingSessionParams) Name() string { return "DerivingSessionParams" }
func (HostCreatingLobby) Name() string         { return "CreatingLobby" }
func (HostPublishingJoinCode) Name() string    { return "PublishingJoinCode" }
func (HostReady) Name() string                 { return "Ready" }
func (HostFailed) Name() string                { return "Failed" }

func (HostIdle) hostState()                  {}
func (HostSigningIn) hostState()             {}
func (HostListingRegions) hostState()        {}
func (HostAllocating) hostState()            {}
func (HostFetchingJoinCode) hostState()      {}
func (HostDerivingSessionParams) hostState() {}
func (HostCreatingLobby) hostState()         {}
func (HostPublishingJoinCode) hostState()    {}
func (HostReady) hostState()                 {}
func (HostFailed) hostState()                {}

// Region returns the region being allocated in.
func (s HostAllocating) Region() string { return s.region }

// Params returns the negotiated session parameters.
func (s HostReady) Params() relay.SessionParameters { return s.params }

// JoinCode returns the relay join code.
func (s HostReady) JoinCode() string { return s.joinCode }

// Lobby returns a copy of the hosted lobby.
func (s HostReady) Lobby() *protocol.Lobby { return s.lobby.Clone() }

// Degraded reports that the join code could not be published to the
// lobby. The lobby exists but clients browsing it will never see a code.
func (s HostReady) Degraded() bool { return s.degraded }

// Reason returns why the run failed.
func (s HostFailed) Reason() Reason { return s.failure.Reason }

// Err returns the failure as an error.
func (s HostFailed) Err() error { return s.failure }

// Host drives the host side of a session: sign in, allocate a relay, get a
// join code, and advertise it in a lobby kept alive by heartbeats.
type Host struct {
	cfg HostConfig
	run run

	mu        sync.Mutex
	state     HostState
	heartbeat *lobby.Task
}

// NewHost creates an idle Host.
func NewHost(cfg HostConfig) (*Host, error) {
	if cfg.Identity == nil || cfg.Relay == nil || cfg.Lobbies == nil {
		return nil, fmt.Errorf("host bootstrap: identity, relay and lobby services are required")
	}
	if cfg.LobbyName == "" {
		cfg.LobbyName = DefaultLobbyName
	}
	if cfg.MaxPlayers <= 0 {
		cfg.MaxPlayers = DefaultMaxPlayers
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.Transport == "" {
		cfg.Transport = relay.DefaultTransport
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = lobby.DefaultHeartbeatInterval
	}
	return &Host{
		cfg:   cfg,
		run:   newRun("host", cfg.Clock, cfg.Logger, cfg.Metrics),
		state: HostIdle{},
	}, nil
}

// Start begins the pipeline. Remote calls run under a context derived from
// ctx; cancelling ctx cancels them but does not change the state.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.state.(HostIdle); !ok {
		return ErrAlreadyStarted
	}
	h.run.begin(ctx)
	h.run.logger.Info("hosting session", "lobby", h.cfg.LobbyName, "transport", h.cfg.Transport)
	h.enter(HostSigningIn{pending: signIn(h.run.ctx, h.cfg.Identity)})
	return nil
}

// Tick advances the machine if the pending operation has resolved. It
// never blocks.
func (h *Host) Tick() {
	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := h.run.ctx
	switch s := h.state.(type) {
	case HostSigningIn:
		if !s.pending.Ready() {
			return
		}
		if _, err := s.pending.Result(); err != nil {
			h.fail(ReasonAuth, err)
			return
		}
		h.enter(HostListingRegions{pending: h.cfg.Relay.ListRegions(ctx)})

	case HostListingRegions:
		if !s.pending.Ready() {
			return
		}
		regions, err := s.pending.Result()
		if err != nil {
			h.fail(ReasonRegions, err)
			return
		}
		if len(regions) == 0 {
			h.fail(ReasonNoRegions, nil)
			return
		}
		// The first region wins; there is no latency-based selection.
		region := regions[0].ID
		h.enter(HostAllocating{
			region:  region,
			pending: h.cfg.Relay.CreateAllocation(ctx, h.cfg.MaxConnections, region),
		})

	case HostAllocating:
		if !s.pending.Ready() {
			return
		}
		alloc, err := s.pending.Result()
		if err != nil {
			h.fail(ReasonAllocate, err)
			return
		}
		h.enter(HostFetchingJoinCode{
			alloc:   alloc,
			pending: h.cfg.Relay.GetJoinCode(ctx, alloc.AllocationID),
		})

	case HostFetchingJoinCode:
		if !s.pending.Ready() {
			return
		}
		code, err := s.pending.Result()
		if err != nil {
			h.fail(ReasonJoinCode, err)
			return
		}
		h.enter(HostDerivingSessionParams{alloc: s.alloc, joinCode: code})

	case HostDerivingSessionParams:
		params, err := relay.NegotiateHost(*s.alloc, h.cfg.Transport)
		if err != nil {
			h.fail(ReasonEndpoint, err)
			return
		}
		h.enter(HostCreatingLobby{
			params:   params,
			joinCode: s.joinCode,
			pending:  h.cfg.Lobbies.CreateLobby(ctx, h.createRequest()),
		})

	case HostCreatingLobby:
		if !s.pending.Ready() {
			return
		}
		l, err := s.pending.Result()
		if err != nil {
			h.fail(ReasonLobbyCreate, err)
			return
		}
		h.enter(HostPublishingJoinCode{
			params:   s.params,
			joinCode: s.joinCode,
			lobby:    l,
			pending:  h.cfg.Lobbies.UpdateLobby(ctx, l.ID, publishRequest(s.joinCode)),
		})

	case HostPublishingJoinCode:
		if !s.pending.Ready() {
			return
		}
		ready := HostReady{params: s.params, joinCode: s.joinCode, lobby: s.lobby}
		if l, err := s.pending.Result(); err != nil {
			h.run.logger.Warn("publishing join code to lobby failed; lobby has no join code",
				"lobby", s.lobby.ID, "error", err)
			ready.degraded = true
		} else {
			ready.lobby = l
		}
		h.enter(ready)
	}
}

func (h *Host) createRequest() protocol.CreateLobbyRequest {
	return protocol.CreateLobbyRequest{
		Name:       h.cfg.LobbyName,
		MaxPlayers: h.cfg.MaxPlayers,
		Player:     h.cfg.Player,
		Data: map[string]protocol.DataObject{
			protocol.KeyRelayCode: {Visibility: protocol.VisibilityMember},
		},
	}
}

func publishRequest(joinCode string) protocol.UpdateLobbyRequest {
	open := false
	return protocol.UpdateLobbyRequest{
		IsPrivate: &open,
		IsLocked:  &open,
		Data: map[string]protocol.DataObject{
			protocol.KeyRelayCode: {Visibility: protocol.VisibilityMember, Value: joinCode},
		},
	}
}

// enter moves to s. Caller holds h.mu.
func (h *Host) enter(s HostState) {
	h.state = s
	h.run.entered(s.Name())
	if r, ok := s.(HostReady); ok {
		outcome := metrics.OutcomeReady
		if r.degraded {
			outcome = metrics.OutcomeDegraded
		}
		h.run.finished(outcome)
		h.run.logger.Info("host ready",
			"join_code", r.joinCode, "lobby", r.lobby.ID, "relay", r.params.Endpoint(), "degraded", r.degraded)
		h.heartbeat = lobby.StartHeartbeat(h.run.ctx, h.cfg.Lobbies, r.lobby.ID, lobby.HeartbeatConfig{
			Interval: h.cfg.HeartbeatInterval,
			Clock:    h.run.clock,
			Logger:   h.run.logger,
			Metrics:  h.run.metrics,
		})
	}
}

// fail ends the run. Caller holds h.mu.
func (h *Host) fail(reason Reason, err error) {
	h.state = HostFailed{failure: &Failure{Reason: reason, Err: err}}
	h.run.entered("Failed")
	h.run.finished(string(reason))
	h.run.logger.Warn("host bootstrap failed", "reason", reason, "error", err)
}

// Abort forces Failed(cancelled) unless the run already ended. The
// in-flight call's context is cancelled without waiting for it; its result,
// if one arrives, is discarded.
func (h *Host) Abort() {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state.(type) {
	case HostReady, HostFailed:
		return
	}
	if _, idle := h.state.(HostIdle); idle {
		h.run.begin(context.Background())
	}
	h.fail(ReasonCancelled, nil)
	h.run.stop()
}

// Close stops the heartbeat and cancels any in-flight call. The state is
// left as is.
func (h *Host) Close() {
	h.mu.Lock()
	hb := h.heartbeat
	h.heartbeat = nil
	h.run.stop()
	h.mu.Unlock()
	hb.Stop()
}

// State returns the current state.
func (h *Host) State() HostState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done reports whether the run reached Ready or Failed.
func (h *Host) Done() bool {
	switch h.State().(type) {
	case HostReady, HostFailed:
		return true
	}
	return false
}

// Status returns a one-line description of the current state for display.
func (h *Host) Status() string {
	switch s := h.State().(type) {
	case HostReady:
		if s.degraded {
			return "Ready (degraded: join code not published)"
		}
		return "Ready"
	case HostFailed:
		return s.failure.Error()
	case HostAllocating:
		return "Allocating in " + s.region
	default:
		return s.Name()
	}
}

// JoinCode returns the relay join code once it has been fetched, or "".
func (h *Host) JoinCode() string {
	switch s := h.State().(type) {
	case HostDerivingSessionParams:
		return s.joinCode
	case HostCreatingLobby:
		return s.joinCode
	case HostPublishingJoinCode:
		return s.joinCode
	case HostReady:
		return s.joinCode
	}
	return ""
}

// Session returns the negotiated parameters once Ready.
func (h *Host) Session() (relay.SessionParameters, bool) {
	if s, ok := h.State().(HostReady); ok {
		return s.params, true
	}
	return relay.SessionParameters{}, false
}

// Lobby returns a copy of the hosted lobby once Ready, or nil.
func (h *Host) Lobby() *protocol.Lobby {
	if s, ok := h.State().(HostReady); ok {
		return s.Lobby()
	}
	return nil
}

// Err returns the failure once Failed, or nil.
func (h *Host) Err() error {
	if s, ok := h.State().(HostFailed); ok {
		return s.failure
	}
	return nil
}

// Heartbeat returns the lobby heartbeat task once Ready, or nil.
func (h *Host) Heartbeat() *lobby.Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.heartbeat
}
