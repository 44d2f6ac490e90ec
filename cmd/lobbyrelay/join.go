package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/philsphicas/lobbyrelay/internal/bootstrap"
	"github.com/philsphicas/lobbyrelay/internal/forward"
	"github.com/philsphicas/lobbyrelay/internal/lobby"
	"github.com/philsphicas/lobbyrelay/internal/protocol"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func joinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join [relay-code]",
		Short: "Join a hosted session and expose it on a local port",
		Long: `Join a session by relay join code, by lobby code (--lobby-code) or by
lobby id (--lobby-id). Lobby joins wait for the host to publish its relay
code. The session is exposed on --bind, or on stdin/stdout with --bind -.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runJoin,
	}

	addServiceFlags(cmd)
	addRelayFlags(cmd)
	cmd.Flags().String("lobby-code", "", "join the lobby with this short code")
	cmd.Flags().String("lobby-id", "", "join the lobby with this id")
	cmd.Flags().StringP("bind", "b", "127.0.0.1:0", "local bind address:port, or - for stdin/stdout")
	cmd.Flags().Duration("poll-interval", bootstrap.DefaultPollInterval, "lobby poll interval while waiting for the relay code")
	cmd.Flags().Duration("relay-code-timeout", 0, "give up waiting for the relay code after this long (0 = wait)")

	return cmd
}

// joinTarget picks the single join method given on the command line.
func joinTarget(cmd *cobra.Command, args []string) (relayCode, lobbyCode, lobbyID string, err error) {
	lobbyCode, _ = cmd.Flags().GetString("lobby-code")
	lobbyID, _ = cmd.Flags().GetString("lobby-id")
	if len(args) > 0 {
		relayCode = args[0]
	}
	n := 0
	for _, v := range []string{relayCode, lobbyCode, lobbyID} {
		if v != "" {
			n++
		}
	}
	if n != 1 {
		return "", "", "", errors.New("exactly one of a relay code, --lobby-code or --lobby-id is required")
	}
	return relayCode, lobbyCode, lobbyID, nil
}

func runJoin(cmd *cobra.Command, args []string) error {
	relayCode, lobbyCode, lobbyID, err := joinTarget(cmd, args)
	if err != nil {
		return err
	}
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
	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
	relayCodeTimeout, _ := cmd.Flags().GetDuration("relay-code-timeout")
	tcpKeepAlive, _ := cmd.Flags().GetDuration("tcp-keepalive")
	bind, _ := cmd.Flags().GetString("bind")

	client, err := bootstrap.NewClient(bootstrap.ClientConfig{
		Identity:         svc.identity,
		Relay:            svc.relay,
		Lobbies:          svc.lobbies,
		Transport:        transportName,
		Player:           resolvePlayer(cmd),
		PollInterval:     pollInterval,
		RelayCodeTimeout: relayCodeTimeout,
		Logger:           logger,
		Metrics:          m,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	switch {
	case relayCode != "":
		err = client.JoinWithCode(ctx, relayCode)
	case lobbyCode != "":
		err = client.JoinWithLobbyCode(ctx, lobbyCode)
	default:
		err = client.JoinLobbyByID(ctx, lobbyID)
	}
	if err != nil {
		return err
	}

	coord, err := bootstrapSession(ctx, logger, m, svc.dialer, nil, client)
	if err != nil {
		return err
	}
	defer coord.Close() //nolint:errcheck // best-effort cleanup

	g, gctx := errgroup.WithContext(ctx)
	if l := client.Lobby(); l != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "joined lobby %s (%s)\n", l.Name, l.ID)
		watch := lobby.Watch(gctx, svc.lobbies, l.ID, lobby.PollConfig{Interval: pollInterval, Logger: logger},
			func(l *protocol.Lobby) {
				logger.Debug("lobby snapshot", "players", len(l.Players), "available", l.AvailableSlots)
			})
		defer watch.Stop()
		go func() {
			<-watch.Done()
			if errors.Is(watch.Err(), lobby.ErrLobbyGone) {
				logger.Warn("the host's lobby is gone")
			}
		}()
	}

	link := coord.ClientLink()
	g.Go(func() error {
		if bind == "-" {
			return forward.Stdio(gctx, link, forward.StdioConfig{
				Stdin:   os.Stdin,
				Stdout:  os.Stdout,
				Logger:  logger,
				Metrics: m,
			})
		}
		return forward.PortForward(gctx, link, forward.PortForwardConfig{
			BindAddress:  bind,
			TCPKeepAlive: tcpKeepAlive,
			Logger:       logger,
			Metrics:      m,
			OnListen: func(a net.Addr) {
				fmt.Fprintf(cmd.OutOrStdout(), "listening on: %s\n", a)
			},
		})
	})
	return g.Wait()
}
