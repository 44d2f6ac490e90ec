package lobby

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/philsphicas/lobbyrelay/internal/op"
	"github.com/philsphicas/lobbyrelay/internal/protocol"
	"github.com/philsphicas/lobbyrelay/internal/rest"
)

// DefaultPollInterval is how often Watch and Browse refresh.
const DefaultPollInterval = 1 * time.Second

// Getter fetches lobby snapshots.
type Getter interface {
	GetLobby(ctx context.Context, lobbyID string) *op.Pending[*protocol.Lobby]
}

// Querier lists lobbies.
type Querier interface {
	Query(ctx context.Context, req protocol.QueryRequest) iter.Seq2[protocol.Lobby, error]
}

// PollConfig configures Watch and Browse. All fields are optional.
type PollConfig struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

func (c *PollConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Watch fetches a joined lobby immediately and then every interval, handing
// each snapshot to fn. It ends when stopped or when the lobby is not found
// (ErrLobbyGone). Other failures are logged and polling continues.
func Watch(ctx context.Context, svc Getter, lobbyID string, cfg PollConfig, fn func(*protocol.Lobby)) *Task {
	cfg.defaults()
	logger := cfg.Logger.With("lobby", lobbyID)
	ticker := cfg.Clock.Ticker(cfg.Interval)

	return startTask(ctx, func(ctx context.Context) error {
		defer ticker.Stop()
		for {
			l, err := svc.GetLobby(ctx, lobbyID).Wait(ctx)
			switch {
			case ctx.Err() != nil:
				return nil
			case rest.IsNotFound(err):
				logger.Info("watched lobby is gone")
				return ErrLobbyGone
			case err != nil:
				logger.Warn("fetch lobby failed", "error", err)
			default:
				fn(l.Clone())
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
}

// Browse runs req immediately and then every interval, handing the complete
// result list to fn each time. Failures are logged and the list is not
// delivered for that round.
func Browse(ctx context.Context, svc Querier, req protocol.QueryRequest, cfg PollConfig, fn func([]protocol.Lobby)) *Task {
	cfg.defaults()
	ticker := cfg.Clock.Ticker(cfg.Interval)

	return startTask(ctx, func(ctx context.Context) error {
		defer ticker.Stop()
		for {
			var lobbies []protocol.Lobby
			var err error
			for l, qerr := range svc.Query(ctx, req) {
				if qerr != nil {
					err = qerr
					break
				}
				lobbies = append(lobbies, l)
			}
			switch {
			case ctx.Err() != nil:
				return nil
			case err != nil:
				cfg.Logger.Warn("query lobbies failed", "error", err)
			default:
				fn(lobbies)
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
}
