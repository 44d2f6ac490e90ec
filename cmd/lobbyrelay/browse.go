package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/philsphicas/lobbyrelay/internal/lobby"
	"github.com/philsphicas/lobbyrelay/internal/protocol"
	"github.com/spf13/cobra"
)

func browseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "browse",
		Short: "List open lobbies",
		Long: `List public lobbies with open slots, optionally filtered by name. With
--watch the list is refreshed every --interval until interrupted.`,
		Args: cobra.NoArgs,
		RunE: runBrowse,
	}

	addServiceFlags(cmd)
	cmd.Flags().String("name", "", "only lobbies whose name contains this text")
	cmd.Flags().Bool("watch", false, "keep refreshing the list")
	cmd.Flags().Duration("interval", lobby.DefaultPollInterval, "refresh interval for --watch")

	return cmd
}

func runBrowse(cmd *cobra.Command, _ []string) error {
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
	if err := svc.identity.SignIn(ctx); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}

	name, _ := cmd.Flags().GetString("name")
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")
	req := lobby.NameContains(name)
	out := cmd.OutOrStdout()

	if !watch {
		var lobbies []protocol.Lobby
		for l, err := range svc.lobbies.Query(ctx, req) {
			if err != nil {
				return fmt.Errorf("query lobbies: %w", err)
			}
			lobbies = append(lobbies, l)
		}
		return printLobbies(out, lobbies)
	}

	task := lobby.Browse(ctx, svc.lobbies, req, lobby.PollConfig{Interval: interval, Logger: logger},
		func(lobbies []protocol.Lobby) {
			fmt.Fprintln(out)
			_ = printLobbies(out, lobbies)
		})
	<-task.Done()
	return task.Err()
}

func printLobbies(w io.Writer, lobbies []protocol.Lobby) error {
	if len(lobbies) == 0 {
		_, err := fmt.Fprintln(w, "no open lobbies")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCODE\tNAME\tPLAYERS")
	for _, l := range lobbies {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\n", l.ID, l.LobbyCode, l.Name, l.MaxPlayers-l.AvailableSlots, l.MaxPlayers)
	}
	return tw.Flush()
}
