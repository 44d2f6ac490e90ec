package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/philsphicas/lobbyrelay/internal/bootstrap"
	"github.com/philsphicas/lobbyrelay/internal/metrics"
	"github.com/philsphicas/lobbyrelay/internal/session"
)

// bootstrapSession drives the bootstraps and the coordinator until every
// relay link the session needs is open or has failed. A bootstrap failure
// is returned as is so its reason reaches the user.
func bootstrapSession(ctx context.Context, logger *slog.Logger, m *metrics.Metrics, dialer session.Transport,
	host *bootstrap.Host, client *bootstrap.Client,
) (*session.Coordinator, error) {
	cfg := session.Config{Transport: dialer, Logger: logger, Metrics: m}
	machines := []bootstrap.Machine{}
	if host != nil {
		cfg.Host = host
		machines = append(machines, host)
	}
	if client != nil {
		cfg.Client = client
		machines = append(machines, client)
	}
	coord, err := session.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	machines = append(machines, coord)

	if err := (&bootstrap.Driver{}).Run(ctx, machines...); err != nil {
		coord.Close() //nolint:errcheck // best-effort cleanup
		return nil, err
	}
	err = coord.Err()
	if host != nil && host.Err() != nil {
		err = host.Err()
	} else if client != nil && client.Err() != nil {
		err = client.Err()
	}
	if err != nil {
		coord.Close() //nolint:errcheck // best-effort cleanup
		return nil, err
	}
	return coord, nil
}

// printHost writes the codes a player needs to join.
func printHost(w io.Writer, host *bootstrap.Host) {
	fmt.Fprintf(w, "join code: %s\n", host.JoinCode())
	if l := host.Lobby(); l != nil {
		fmt.Fprintf(w, "lobby: %s (code %s, id %s)\n", l.Name, l.LobbyCode, l.ID)
	}
	if s, ok := host.State().(bootstrap.HostReady); ok && s.Degraded() {
		fmt.Fprintln(w, "warning: join code not published to the lobby; share it directly")
	}
}
