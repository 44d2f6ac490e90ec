package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/philsphicas/lobbyrelay/internal/auth"
	"github.com/philsphicas/lobbyrelay/internal/bootstrap"
	"github.com/philsphicas/lobbyrelay/internal/lobby"
	"github.com/philsphicas/lobbyrelay/internal/metrics"
	"github.com/philsphicas/lobbyrelay/internal/protocol"
	"github.com/philsphicas/lobbyrelay/internal/relay"
	"github.com/philsphicas/lobbyrelay/internal/rest"
	"github.com/philsphicas/lobbyrelay/internal/transport"
	"github.com/spf13/cobra"
)

// identity is a signed-in player that can also authorize requests.
type identity interface {
	bootstrap.Identity
	rest.TokenSource
}

// services holds the remote collaborators shared by every command.
type services struct {
	identity identity
	relay    *relay.Client
	lobbies  *lobby.Directory
	dialer   *transport.Dialer
}

// addServiceFlags adds the service endpoint and credential flags to a
// command.
func addServiceFlags(cmd *cobra.Command) {
	cmd.Flags().String("services-url", "", "base URL serving /auth, /relay and /lobby")
	cmd.Flags().String("auth-url", "", "auth service URL (overrides --services-url)")
	cmd.Flags().String("relay-url", "", "relay allocation service URL (overrides --services-url)")
	cmd.Flags().String("lobby-url", "", "lobby service URL (overrides --services-url)")
	cmd.Flags().String("auth", "anonymous", "sign-in method (anonymous, azure)")
	cmd.Flags().String("player-id", "", "player id for --auth azure")
	cmd.Flags().String("scope", "", "token scope for --auth azure (default "+auth.DefaultScope+")")
	cmd.Flags().String("player-name", "", "display name stored with the lobby roster entry")
	cmd.Flags().String("player-team", "A", "team stored with the lobby roster entry")
}

// addRelayFlags adds the relay transport flags to a command.
func addRelayFlags(cmd *cobra.Command) {
	cmd.Flags().String("transport", relay.TransportWSS, "relay connection type (ws, wss)")
	cmd.Flags().Duration("bind-timeout", 30*time.Second, "timeout for a single relay bind attempt")
	cmd.Flags().Duration("dial-timeout", 30*time.Second, "total time budget for relay bind retries (0 = single attempt)")
	cmd.Flags().Duration("tcp-keepalive", 30*time.Second, "TCP keepalive interval")
	cmd.Flags().Duration("ping-interval", 30*time.Second, "relay link keepalive ping interval (negative disables)")
}

// stringFlag returns the flag value when it was set on the command line,
// then the environment variable, then the flag default.
func stringFlag(cmd *cobra.Command, name, env string) string {
	v, _ := cmd.Flags().GetString(name)
	if cmd.Flags().Changed(name) {
		return v
	}
	if e := os.Getenv(env); e != "" {
		return e
	}
	return v
}

// resolveURLs returns the auth, relay and lobby base URLs.
//
// Resolution order for each service:
//  1. --<service>-url flag
//  2. LOBBYRELAY_<SERVICE>_URL env var
//  3. --services-url (or LOBBYRELAY_SERVICES_URL) plus /<service>
func resolveURLs(cmd *cobra.Command) (authURL, relayURL, lobbyURL string, err error) {
	base := strings.TrimSuffix(stringFlag(cmd, "services-url", "LOBBYRELAY_SERVICES_URL"), "/")
	resolve := func(service string) (string, error) {
		u := stringFlag(cmd, service+"-url", "LOBBYRELAY_"+strings.ToUpper(service)+"_URL")
		if u != "" {
			return u, nil
		}
		if base == "" {
			return "", fmt.Errorf("%s service URL is required: use --services-url or --%s-url", service, service)
		}
		return base + "/" + service, nil
	}
	if authURL, err = resolve("auth"); err != nil {
		return "", "", "", err
	}
	if relayURL, err = resolve("relay"); err != nil {
		return "", "", "", err
	}
	if lobbyURL, err = resolve("lobby"); err != nil {
		return "", "", "", err
	}
	return authURL, relayURL, lobbyURL, nil
}

// resolveIdentity creates the sign-in identity selected by --auth or
// LOBBYRELAY_AUTH.
func resolveIdentity(cmd *cobra.Command, authURL string, opts *rest.Options) (identity, error) {
	method := stringFlag(cmd, "auth", "LOBBYRELAY_AUTH")
	switch strings.ToLower(method) {
	case "", "anonymous":
		return auth.NewAnonymous(authURL, opts)
	case "azure":
		playerID := stringFlag(cmd, "player-id", "LOBBYRELAY_PLAYER_ID")
		if playerID == "" {
			return nil, fmt.Errorf("--player-id or LOBBYRELAY_PLAYER_ID is required with --auth azure")
		}
		return auth.NewDefaultCredential(playerID, stringFlag(cmd, "scope", "LOBBYRELAY_SCOPE"))
	}
	return nil, fmt.Errorf("unknown --auth %q (want anonymous or azure)", method)
}

func resolveServices(cmd *cobra.Command, logger *slog.Logger, m *metrics.Metrics) (*services, error) {
	authURL, relayURL, lobbyURL, err := resolveURLs(cmd)
	if err != nil {
		return nil, err
	}
	opts := &rest.Options{Logger: logger}
	if m != nil {
		opts.Observer = m
	}
	id, err := resolveIdentity(cmd, authURL, opts)
	if err != nil {
		return nil, err
	}

	authed := *opts
	authed.Tokens = id
	rc, err := relay.NewClient(relayURL, &authed)
	if err != nil {
		return nil, err
	}
	dir, err := lobby.NewDirectory(lobbyURL, &authed)
	if err != nil {
		return nil, err
	}

	dialer := &transport.Dialer{Logger: logger}
	if f := cmd.Flags().Lookup("bind-timeout"); f != nil {
		dialer.BindTimeout, _ = cmd.Flags().GetDuration("bind-timeout")
		dialer.RetryBudget, _ = cmd.Flags().GetDuration("dial-timeout")
		dialer.PingInterval, _ = cmd.Flags().GetDuration("ping-interval")
	}
	if m != nil {
		dialer.Observer = m
	}
	return &services{identity: id, relay: rc, lobbies: dir, dialer: dialer}, nil
}

// resolvePlayer returns the roster entry data from --player-name and
// --player-team, or nil without a name.
func resolvePlayer(cmd *cobra.Command) *protocol.Player {
	name := stringFlag(cmd, "player-name", "LOBBYRELAY_PLAYER_NAME")
	if name == "" {
		return nil
	}
	return &protocol.Player{Data: map[string]protocol.PlayerDataObject{
		protocol.PlayerKeyName: {Visibility: protocol.VisibilityPublic, Value: name},
		protocol.PlayerKeyTeam: {Visibility: protocol.VisibilityPublic, Value: stringFlag(cmd, "player-team", "LOBBYRELAY_PLAYER_TEAM")},
	}}
}

// resolveTransport returns the relay connection type from --transport or
// LOBBYRELAY_TRANSPORT.
func resolveTransport(cmd *cobra.Command) (string, error) {
	t := stringFlag(cmd, "transport", "LOBBYRELAY_TRANSPORT")
	switch t {
	case relay.TransportWS, relay.TransportWSS:
		return t, nil
	}
	return "", fmt.Errorf("unsupported --transport %q (want ws or wss)", t)
}
