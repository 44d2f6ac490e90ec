package lobby

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/philsphicas/lobbyrelay/internal/metrics"
	"github.com/philsphicas/lobbyrelay/internal/op"
	"github.com/philsphicas/lobbyrelay/internal/rest"
)

// DefaultHeartbeatInterval is how often a hosted lobby is marked alive.
const DefaultHeartbeatInterval = 15 * time.Second

// Heartbeater marks a lobby as alive.
type Heartbeater interface {
	Heartbeat(ctx context.Context, lobbyID string) *op.Pending[struct{}]
}

// HeartbeatConfig configures StartHeartbeat. All fields are optional.
type HeartbeatConfig struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// StartHeartbeat sends a heartbeat for lobbyID every interval, the first one
// interval after the call. A not-found response means the lobby is gone:
// it is logged and the loop ends with ErrLobbyGone. Other failures are
// logged and the loop keeps going.
func StartHeartbeat(ctx context.Context, svc Heartbeater, lobbyID string, cfg HeartbeatConfig) *Task {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHeartbeatInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("lobby", lobbyID)
	// The ticker exists before StartHeartbeat returns.
	ticker := cfg.Clock.Ticker(cfg.Interval)

	return startTask(ctx, func(ctx context.Context) error {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			_, err := svc.Heartbeat(ctx, lobbyID).Wait(ctx)
			if ctx.Err() != nil {
				return nil
			}
			cfg.Metrics.Heartbeat(err)
			switch {
			case rest.IsNotFound(err):
				logger.Warn("lobby heartbeat: lobby not found, stopping", "error", err)
				return ErrLobbyGone
			case err != nil:
				logger.Warn("lobby heartbeat failed", "error", err)
			default:
				logger.Debug("lobby heartbeat sent")
			}
		}
	})
}
