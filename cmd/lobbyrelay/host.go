package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/philsphicas/lobbyrelay/internal/bootstrap"
	"github.com/philsphicas/lobbyrelay/internal/forward"
	"github.com/philsphicas/lobbyrelay/internal/lobby"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func hostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Allocate a relay, advertise it in a lobby, and forward a player to a local server",
		Long: `Sign in, allocate a relay, create a lobby carrying the relay join code,
and forward the player that joins to the local --target server. The lobby is
kept alive with heartbeats until the session ends.

With --play, a client in the same process joins the new session and exposes
it on --bind, so the host can play on their own server.`,
		Args: cobra.NoArgs,
		RunE: runHost,
	}

	addServiceFlags(cmd)
	addRelayFlags(cmd)
	cmd.Flags().String("name", bootstrap.DefaultLobbyName, "lobby name")
	cmd.Flags().Int("max-players", bootstrap.DefaultMaxPlayers, "lobby size, host included")
	cmd.Flags().Int("max-connections", bootstrap.DefaultMaxConnections, "relay allocation connection limit")
	cmd.Flags().String("target", "", "host:port of the local server players reach")
	cmd.Flags().Duration("heartbeat-interval", lobby.DefaultHeartbeatInterval, "lobby heartbeat interval")
	cmd.Flags().Duration("connect-timeout", 30*time.Second, "timeout for dialing the target")
	cmd.Flags().Bool("play", false, "also join the session locally")
	cmd.Flags().StringP("bind", "b", "127.0.0.1:0", "local bind address:port for --play")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

func runHost(cmd *cobra.Command, _ []string) error {
	logger := resolveLogger(cmd)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m, err := resolveMetrics(ctx, cmd, logger)
	if err != nil {
		return err
	}
	svc, err := resolveServices(cmd, logger, m)
	if err != nil {
		return err
	}
	transportName, err := resolveTransport(cmd)
	if err != nil {
		return err
	}

	target, _ := cmd.Flags().GetString("target")
	if _, _, err := net.SplitHostPort(target); err != nil {
		return fmt.Errorf("invalid --target %q: %w", target, err)
	}
	name, _ := cmd.Flags().GetString("name")
	maxPlayers, _ := cmd.Flags().GetInt("max-players")
	maxConns, _ := cmd.Flags().GetInt("max-connections")
	heartbeat, _ := cmd.Flags().GetDuration("heartbeat-interval")
	connectTimeout, _ := cmd.Flags().GetDuration("connect-timeout")
	tcpKeepAlive, _ := cmd.Flags().GetDuration("tcp-keepalive")
	play, _ := cmd.Flags().GetBool("play")
	bind, _ := cmd.Flags().GetString("bind")

	host, err := bootstrap.NewHost(bootstrap.HostConfig{
		Identity:          svc.identity,
		Relay:             svc.relay,
		Lobbies:           svc.lobbies,
		LobbyName:         name,
		MaxPlayers:        maxPlayers,
		MaxConnections:    maxConns,
		Transport:         transportName,
		Player:            resolvePlayer(cmd),
		HeartbeatInterval: heartbeat,
		Logger:            logger,
		Metrics:           m,
	})
	if err != nil {
		return err
	}
	defer host.Close()
	if err := host.Start(ctx); err != nil {
		return err
	}

	var client *bootstrap.Client
	if play {
		client, err = bootstrap.NewClient(bootstrap.ClientConfig{
			Identity:  svc.identity,
			Relay:     svc.relay,
			Lobbies:   svc.lobbies,
			Transport: transportName,
			Logger:    logger,
			Metrics:   m,
		})
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.JoinViaHostDiscovery(ctx, host); err != nil {
			return err
		}
	}

	coord, err := bootstrapSession(ctx, logger, m, svc.dialer, host, client)
	if err != nil {
		return err
	}
	defer coord.Close() //nolint:errcheck // best-effort cleanup
	printHost(cmd.OutOrStdout(), host)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return forward.Serve(gctx, coord.HostLink(), forward.ServeConfig{
			Target:         target,
			ConnectTimeout: connectTimeout,
			TCPKeepAlive:   tcpKeepAlive,
			Logger:         logger,
			Metrics:        m,
		})
	})
	if play {
		g.Go(func() error {
			return forward.PortForward(gctx, coord.ClientLink(), forward.PortForwardConfig{
				BindAddress:  bind,
				TCPKeepAlive: tcpKeepAlive,
				Logger:       logger,
				Metrics:      m,
				OnListen: func(a net.Addr) {
					fmt.Fprintf(cmd.OutOrStdout(), "play on: %s\n", a)
				},
			})
		})
	}
	// The lobby heartbeat ends only on failure; report it without
	// tearing the session down.
	if hb := host.Heartbeat(); hb != nil {
		go func() {
			select {
			case <-hb.Done():
				if err := hb.Err(); err != nil {
					logger.Warn("lobby heartbeat stopped", "error", err)
				}
			case <-gctx.Done():
			}
		}()
	}
	return g.Wait()
}
