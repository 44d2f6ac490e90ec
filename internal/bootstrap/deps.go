package bootstrap

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/philsphicas/lobbyrelay/internal/metrics"
	"github.com/philsphicas/lobbyrelay/internal/op"
	"github.com/philsphicas/lobbyrelay/internal/protocol"
)

// Identity is the sign-in collaborator. *auth.Anonymous and
// *auth.Credential satisfy it.
type Identity interface {
	SignIn(ctx context.Context) error
	IsSignedIn() bool
	PlayerID() string
}

// RelayService is the relay allocation collaborator. *relay.Client
// satisfies it.
type RelayService interface {
	ListRegions(ctx context.Context) *op.Pending[[]protocol.Region]
	CreateAllocation(ctx context.Context, maxConnections int, region string) *op.Pending[*protocol.Allocation]
	GetJoinCode(ctx context.Context, allocationID string) *op.Pending[string]
	JoinAllocation(ctx context.Context, joinCode string) *op.Pending[*protocol.JoinAllocation]
}

// LobbyService is the lobby directory collaborator. *lobby.Directory
// satisfies it.
type LobbyService interface {
	CreateLobby(ctx context.Context, req protocol.CreateLobbyRequest) *op.Pending[*protocol.Lobby]
	GetLobby(ctx context.Context, lobbyID string) *op.Pending[*protocol.Lobby]
	UpdateLobby(ctx context.Context, lobbyID string, req protocol.UpdateLobbyRequest) *op.Pending[*protocol.Lobby]
	JoinLobbyByID(ctx context.Context, lobbyID string, player *protocol.Player) *op.Pending[*protocol.Lobby]
	JoinLobbyByCode(ctx context.Context, lobbyCode string, player *protocol.Player) *op.Pending[*protocol.Lobby]
	Heartbeat(ctx context.Context, lobbyID string) *op.Pending[struct{}]
}

// run holds what every bootstrap machine needs for one run.
type run struct {
	role    string
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
}

func newRun(role string, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) run {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return run{role: role, clock: clk, logger: logger.With("role", role), metrics: m}
}

func (r *run) begin(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.started = r.clock.Now()
}

func (r *run) entered(state string) {
	r.metrics.Transition(r.role, state)
	r.logger.Debug("bootstrap state", "state", state)
}

func (r *run) finished(outcome string) {
	r.metrics.Finished(r.role, outcome, r.clock.Since(r.started).Seconds())
}

func (r *run) stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func signIn(ctx context.Context, id Identity) *op.Pending[struct{}] {
	if id.IsSignedIn() {
		return op.Resolved(struct{}{}, nil)
	}
	return op.Go(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, id.SignIn(ctx)
	})
}
