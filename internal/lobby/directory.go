// Package lobby is the lobby directory client and the background loops that
// keep a lobby alive (heartbeat) or observe it (watch, browse).
//
// Every directory call returns an *op.Pending immediately. Lobby values
// handed out are private deep copies: callers may keep or modify them
// without affecting the directory client or each other.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"

	"github.com/philsphicas/lobbyrelay/internal/op"
	"github.com/philsphicas/lobbyrelay/internal/protocol"
	"github.com/philsphicas/lobbyrelay/internal/rest"
)

// ErrLobbyGone is the error of a loop that stopped because the lobby no
// longer exists.
var ErrLobbyGone = errors.New("lobby no longer exists")

// Directory is the lobby service client.
type Directory struct {
	rest *rest.Client
}

// NewDirectory creates a directory client for the lobby service at baseURL.
func NewDirectory(baseURL string, opts *rest.Options) (*Directory, error) {
	c, err := rest.NewClient("lobby", baseURL, opts)
	if err != nil {
		return nil, err
	}
	return &Directory{rest: c}, nil
}

func (d *Directory) lobbyCall(ctx context.Context, method, operation, path string, body any) *op.Pending[*protocol.Lobby] {
	return op.Go(ctx, func(ctx context.Context) (*protocol.Lobby, error) {
		var l protocol.Lobby
		if err := d.rest.Do(ctx, method, operation, path, body, &l); err != nil {
			return nil, err
		}
		if l.ID == "" {
			return nil, fmt.Errorf("lobby %s: response has no lobby id", operation)
		}
		return &l, nil
	})
}

// CreateLobby creates a lobby with the caller as host.
func (d *Directory) CreateLobby(ctx context.Context, req protocol.CreateLobbyRequest) *op.Pending[*protocol.Lobby] {
	return d.lobbyCall(ctx, http.MethodPost, "create-lobby", "/v1/create", req)
}

// GetLobby fetches a lobby snapshot.
func (d *Directory) GetLobby(ctx context.Context, lobbyID string) *op.Pending[*protocol.Lobby] {
	return d.lobbyCall(ctx, http.MethodGet, "get-lobby", "/v1/"+url.PathEscape(lobbyID), nil)
}

// UpdateLobby changes a lobby's flags and merges data entries. Only the
// host may update.
func (d *Directory) UpdateLobby(ctx context.Context, lobbyID string, req protocol.UpdateLobbyRequest) *op.Pending[*protocol.Lobby] {
	return d.lobbyCall(ctx, http.MethodPost, "update-lobby", "/v1/"+url.PathEscape(lobbyID), req)
}

// JoinLobbyByID joins a lobby found by browsing. player may be nil.
func (d *Directory) JoinLobbyByID(ctx context.Context, lobbyID string, player *protocol.Player) *op.Pending[*protocol.Lobby] {
	return d.lobbyCall(ctx, http.MethodPost, "join-lobby-by-id", "/v1/"+url.PathEscape(lobbyID)+"/join",
		protocol.JoinByIDRequest{Player: player})
}

// JoinLobbyByCode joins a lobby by its short code. player may be nil.
func (d *Directory) JoinLobbyByCode(ctx context.Context, lobbyCode string, player *protocol.Player) *op.Pending[*protocol.Lobby] {
	return d.lobbyCall(ctx, http.MethodPost, "join-lobby-by-code", "/v1/joinbycode",
		protocol.JoinByCodeRequest{LobbyCode: lobbyCode, Player: player})
}

// Heartbeat marks a lobby as alive.
func (d *Directory) Heartbeat(ctx context.Context, lobbyID string) *op.Pending[struct{}] {
	return op.Go(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.rest.Do(ctx, http.MethodPost, "heartbeat", "/v1/"+url.PathEscape(lobbyID)+"/heartbeat", nil, nil)
	})
}

// QueryPage fetches one page of query results.
func (d *Directory) QueryPage(ctx context.Context, req protocol.QueryRequest) *op.Pending[*protocol.QueryResponse] {
	return op.Go(ctx, func(ctx context.Context) (*protocol.QueryResponse, error) {
		var resp protocol.QueryResponse
		if err := d.rest.Do(ctx, http.MethodPost, "query-lobbies", "/v1/query", req, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})
}

// Query returns the lobbies matching req as a lazy sequence. Pages are
// fetched only as iteration reaches them, and every iteration starts over
// from the first page. A failed fetch is yielded once as an error and ends
// the sequence.
func (d *Directory) Query(ctx context.Context, req protocol.QueryRequest) iter.Seq2[protocol.Lobby, error] {
	return func(yield func(protocol.Lobby, error) bool) {
		page := req
		page.ContinuationToken = ""
		for {
			resp, err := d.QueryPage(ctx, page).Wait(ctx)
			if err != nil {
				yield(protocol.Lobby{}, err)
				return
			}
			for i := range resp.Results {
				if !yield(*resp.Results[i].Clone(), nil) {
					return
				}
			}
			if resp.ContinuationToken == "" {
				return
			}
			page.ContinuationToken = resp.ContinuationToken
		}
	}
}

// NameContains returns a query for lobbies with open slots whose name
// contains name. An empty name matches every lobby.
func NameContains(name string) protocol.QueryRequest {
	req := protocol.QueryRequest{
		Filter: []protocol.QueryFilter{{Field: protocol.FieldAvailableSlots, Op: protocol.OpGreater, Value: "0"}},
	}
	if name != "" {
		req.Filter = append(req.Filter, protocol.QueryFilter{Field: protocol.FieldName, Op: protocol.OpContains, Value: name})
	}
	return req
}
