package bootstrap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/philsphicas/lobbyrelay/internal/op"
	"github.com/philsphicas/lobbyrelay/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errFault = errors.New("service fault")

// Remote operation names recorded by fakeServices.
const (
	opListRegions      = "list-regions"
	opCreateAllocation = "create-allocation"
	opGetJoinCode      = "get-join-code"
	opJoinAllocation   = "join-allocation"
	opCreateLobby      = "create-lobby"
	opGetLobby         = "get-lobby"
	opUpdateLobby      = "update-lobby"
	opJoinLobbyByID    = "join-lobby-by-id"
	opJoinLobbyByCode  = "join-lobby-by-code"
	opHeartbeat        = "heartbeat"
)

type fakeIdentity struct {
	mu       sync.Mutex
	signedIn bool
	err      error
	calls    int
}

func (f *fakeIdentity) SignIn(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.signedIn = true
	return nil
}

func (f *fakeIdentity) IsSignedIn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signedIn
}

func (f *fakeIdentity) PlayerID() string { return "player-1" }

func (f *fakeIdentity) signInCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeServices is a relay and lobby service answering from canned values.
// Operations named in fail resolve with that error; operations named in
// hold stay pending until release is called.
type fakeServices struct {
	mu sync.Mutex

	regions   []protocol.Region
	alloc     *protocol.Allocation
	joinCode  string
	joinAlloc *protocol.JoinAllocation
	lobby     *protocol.Lobby
	snapshots []*protocol.Lobby // successive GetLobby answers; the last repeats
	getErr    error

	fail     map[string]error
	hold     map[string]bool
	releases map[string]func()

	calls     []string
	updates   []protocol.UpdateLobbyRequest
	creates   []protocol.CreateLobbyRequest
	joinCodes []string
	players   []*protocol.Player
	gets      int
}

func newFakeServices() *fakeServices {
	return &fakeServices{
		regions: []protocol.Region{{ID: "us"}},
		alloc: &protocol.Allocation{
			AllocationID:   "A1",
			ConnectionData: []byte("host-conn"),
			Key:            []byte("key"),
			ServerEndpoints: []protocol.Endpoint{
				{ConnectionType: "udp", Host: "9.9.9.9", Port: 1000},
				{ConnectionType: "dtls", Host: "1.2.3.4", Port: 7777},
			},
		},
		joinCode: "JOIN1",
		joinAlloc: &protocol.JoinAllocation{
			Allocation: protocol.Allocation{
				AllocationID:   "A2",
				ConnectionData: []byte("joiner-conn"),
				Key:            []byte("key"),
				ServerEndpoints: []protocol.Endpoint{
					{ConnectionType: "udp", Host: "9.9.9.9", Port: 1000},
					{ConnectionType: "dtls", Host: "1.2.3.4", Port: 7777},
				},
			},
			HostConnectionData: []byte("host-conn"),
		},
		lobby:    &protocol.Lobby{ID: "L1", LobbyCode: "LC1", Name: DefaultLobbyName, MaxPlayers: 2},
		fail:     make(map[string]error),
		hold:     make(map[string]bool),
		releases: make(map[string]func()),
	}
}

// respond records a call and answers it with v.
func respond[T any](f *fakeServices, name string, v T) *op.Pending[T] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	err := f.fail[name]
	if err != nil {
		var zero T
		v = zero
	}
	if f.hold[name] {
		p, resolve := op.New[T]()
		f.releases[name] = func() { resolve(v, err) }
		return p
	}
	return op.Resolved(v, err)
}

func (f *fakeServices) release(name string) {
	f.mu.Lock()
	fn := f.releases[name]
	f.mu.Unlock()
	fn()
}

func (f *fakeServices) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeServices) ListRegions(context.Context) *op.Pending[[]protocol.Region] {
	return respond(f, opListRegions, f.regions)
}

func (f *fakeServices) CreateAllocation(context.Context, int, string) *op.Pending[*protocol.Allocation] {
	return respond(f, opCreateAllocation, f.alloc)
}

func (f *fakeServices) GetJoinCode(context.Context, string) *op.Pending[string] {
	return respond(f, opGetJoinCode, f.joinCode)
}

func (f *fakeServices) JoinAllocation(_ context.Context, code string) *op.Pending[*protocol.JoinAllocation] {
	f.mu.Lock()
	f.joinCodes = append(f.joinCodes, code)
	f.mu.Unlock()
	return respond(f, opJoinAllocation, f.joinAlloc)
}

func (f *fakeServices) CreateLobby(_ context.Context, req protocol.CreateLobbyRequest) *op.Pending[*protocol.Lobby] {
	f.mu.Lock()
	f.creates = append(f.creates, req)
	l := f.lobby.Clone()
	l.Data = req.Data
	f.mu.Unlock()
	return respond(f, opCreateLobby, l)
}

func (f *fakeServices) GetLobby(context.Context, string) *op.Pending[*protocol.Lobby] {
	f.mu.Lock()
	var l *protocol.Lobby
	if len(f.snapshots) > 0 {
		l = f.snapshots[min(f.gets, len(f.snapshots)-1)].Clone()
	}
	f.gets++
	if f.getErr != nil {
		f.fail[opGetLobby] = f.getErr
	}
	f.mu.Unlock()
	return respond(f, opGetLobby, l)
}

func (f *fakeServices) UpdateLobby(_ context.Context, _ string, req protocol.UpdateLobbyRequest) *op.Pending[*protocol.Lobby] {
	f.mu.Lock()
	f.updates = append(f.updates, req)
	l := f.lobby.Clone()
	l.Data = req.Data
	f.mu.Unlock()
	return respond(f, opUpdateLobby, l)
}

func (f *fakeServices) JoinLobbyByID(_ context.Context, _ string, p *protocol.Player) *op.Pending[*protocol.Lobby] {
	f.mu.Lock()
	f.players = append(f.players, p)
	l := f.lobby.Clone()
	f.mu.Unlock()
	return respond(f, opJoinLobbyByID, l)
}

func (f *fakeServices) JoinLobbyByCode(_ context.Context, _ string, p *protocol.Player) *op.Pending[*protocol.Lobby] {
	f.mu.Lock()
	f.players = append(f.players, p)
	l := f.lobby.Clone()
	f.mu.Unlock()
	return respond(f, opJoinLobbyByCode, l)
}

func (f *fakeServices) Heartbeat(context.Context, string) *op.Pending[struct{}] {
	return respond(f, opHeartbeat, struct{}{})
}

func lobbyWithCode(code string) *protocol.Lobby {
	return &protocol.Lobby{
		ID: "L1",
		Data: map[string]protocol.DataObject{
			protocol.KeyRelayCode: {Visibility: protocol.VisibilityMember, Value: code},
		},
	}
}
