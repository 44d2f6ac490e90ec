package bootstrap

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/philsphicas/lobbyrelay/internal/protocol"
	"github.com/philsphicas/lobbyrelay/internal/relay"
	"github.com/philsphicas/lobbyrelay/internal/rest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, svc *fakeServices, mock *clock.Mock, opts ...func(*ClientConfig)) *Client {
	t.Helper()
	cfg := ClientConfig{
		Identity: &fakeIdentity{signedIn: true},
		Relay:    svc,
		Lobbies:  svc,
		Clock:    mock,
		Logger:   discardLogger(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func countCalls(calls []string, name string) int {
	n := 0
	for _, c := range calls {
		if c == name {
			n++
		}
	}
	return n
}

func TestClientScenarioB(t *testing.T) {
	svc := newFakeServices()
	c := newTestClient(t, svc, clock.NewMock())

	require.NoError(t, c.JoinWithCode(context.Background(), "JOIN1"))
	tickUntilDone(t, c)

	ready, ok := c.State().(ClientReady)
	require.True(t, ok, "state = %s", c.Status())
	assert.Equal(t, relay.Endpoint{Host: "1.2.3.4", Port: 7777}, ready.Params().Endpoint())
	assert.Equal(t, []byte("joiner-conn"), ready.Params().ConnectionData())
	assert.Equal(t, []byte("host-conn"), ready.Params().PeerConnectionData())
	assert.Equal(t, "JOIN1", ready.JoinCode())
	assert.Nil(t, c.Lobby())
	assert.Equal(t, []string{opJoinAllocation}, svc.Calls())
	assert.Equal(t, []string{"JOIN1"}, svc.joinCodes)
}

func TestClientScenarioC(t *testing.T) {
	svc := newFakeServices()
	svc.joinAlloc.ServerEndpoints = []protocol.Endpoint{{ConnectionType: "udp", Host: "9.9.9.9", Port: 1000}}
	c := newTestClient(t, svc, clock.NewMock())

	require.NoError(t, c.JoinWithCode(context.Background(), "JOIN1"))
	tickUntilDone(t, c)

	failed, ok := c.State().(ClientFailed)
	require.True(t, ok, "state = %s", c.Status())
	assert.Equal(t, ReasonEndpoint, failed.Reason())
	assert.ErrorIs(t, c.Err(), relay.ErrEndpointNotFound)

	for range 10 {
		c.Tick()
	}
	assert.Equal(t, []string{opJoinAllocation}, svc.Calls())
}

func TestClientRelayJoinFault(t *testing.T) {
	svc := newFakeServices()
	svc.fail[opJoinAllocation] = errFault
	c := newTestClient(t, svc, clock.NewMock())

	require.NoError(t, c.JoinWithCode(context.Background(), "JOIN1"))
	tickUntilDone(t, c)

	assert.Equal(t, ReasonRelayJoin, c.State().(ClientFailed).Reason())
	assert.ErrorIs(t, c.Err(), errFault)
}

func TestClientSignsInBeforeJoining(t *testing.T) {
	svc := newFakeServices()
	id := &fakeIdentity{}
	c := newTestClient(t, svc, clock.NewMock(), func(cfg *ClientConfig) { cfg.Identity = id })

	require.NoError(t, c.JoinWithCode(context.Background(), "JOIN1"))
	tickUntilDone(t, c)

	assert.Equal(t, 1, id.signInCalls())
	assert.Nil(t, c.Err())
}

func TestClientAuthFailure(t *testing.T) {
	svc := newFakeServices()
	c := newTestClient(t, svc, clock.NewMock(), func(cfg *ClientConfig) {
		cfg.Identity = &fakeIdentity{err: errFault}
	})

	require.NoError(t, c.JoinWithLobbyCode(context.Background(), "LC1"))
	tickUntilDone(t, c)

	assert.Equal(t, ReasonAuth, c.State().(ClientFailed).Reason())
	assert.Empty(t, svc.Calls())
}

func TestClientPollsUntilRelayCodePublished(t *testing.T) {
	svc := newFakeServices()
	empty := &protocol.Lobby{ID: "L1"}
	svc.snapshots = []*protocol.Lobby{empty, empty, empty, empty, empty, lobbyWithCode("JOIN1")}
	mock := clock.NewMock()
	c := newTestClient(t, svc, mock)

	require.NoError(t, c.JoinWithLobbyCode(context.Background(), "LC1"))
	c.Tick() // signed in; join by code issued
	c.Tick() // lobby joined without a code
	_, ok := c.State().(ClientResolvingRelayCode)
	require.True(t, ok, "state = %s", c.Status())

	for i := 1; i <= 5; i++ {
		mock.Add(DefaultPollInterval)
		c.Tick() // fetch issued
		c.Tick() // empty snapshot processed
		s, ok := c.State().(ClientResolvingRelayCode)
		require.True(t, ok, "cycle %d: state = %s", i, c.Status())
		assert.Equal(t, i, s.Fetches())
	}
	assert.Empty(t, svc.joinCodes, "relay join issued without a code")

	mock.Add(DefaultPollInterval)
	tickUntilDone(t, c)

	ready, ok := c.State().(ClientReady)
	require.True(t, ok, "state = %s", c.Status())
	assert.Equal(t, "JOIN1", ready.JoinCode())
	assert.Equal(t, "L1", c.Lobby().ID)
	assert.Equal(t, []string{"JOIN1"}, svc.joinCodes)

	calls := svc.Calls()
	assert.Equal(t, opJoinLobbyByCode, calls[0])
	assert.Equal(t, 6, countCalls(calls, opGetLobby))
	assert.Equal(t, opJoinAllocation, calls[len(calls)-1])
}

func TestClientPollIsRateLimited(t *testing.T) {
	svc := newFakeServices()
	svc.snapshots = []*protocol.Lobby{{ID: "L1"}}
	mock := clock.NewMock()
	c := newTestClient(t, svc, mock)

	require.NoError(t, c.JoinLobbyByID(context.Background(), "L1"))
	for range 100 {
		c.Tick()
	}
	assert.Equal(t, 0, countCalls(svc.Calls(), opGetLobby))

	mock.Add(DefaultPollInterval)
	for range 100 {
		c.Tick()
	}
	assert.Equal(t, 1, countCalls(svc.Calls(), opGetLobby))

	mock.Add(DefaultPollInterval / 2)
	for range 100 {
		c.Tick()
	}
	assert.Equal(t, 1, countCalls(svc.Calls(), opGetLobby))

	mock.Add(DefaultPollInterval / 2)
	c.Tick()
	assert.Equal(t, 2, countCalls(svc.Calls(), opGetLobby))
}

func TestClientLobbyFetchErrors(t *testing.T) {
	tests := []struct {
		err  error
		want Reason
		kind Kind
	}{
		{fmt.Errorf("get lobby: %w", rest.ErrNotFound), ReasonLobbyGone, KindNotFound},
		{errFault, ReasonLobbyFetch, KindTransient},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			svc := newFakeServices()
			svc.getErr = tt.err
			mock := clock.NewMock()
			c := newTestClient(t, svc, mock)

			require.NoError(t, c.JoinWithLobbyCode(context.Background(), "LC1"))
			c.Tick()
			c.Tick()
			mock.Add(DefaultPollInterval)
			c.Tick()
			c.Tick()

			failed, ok := c.State().(ClientFailed)
			require.True(t, ok, "state = %s", c.Status())
			assert.Equal(t, tt.want, failed.Reason())
			assert.Equal(t, tt.kind, failed.Reason().Kind())
			assert.ErrorIs(t, c.Err(), tt.err)
			assert.Empty(t, svc.joinCodes)
		})
	}
}

func TestClientLobbyJoinFault(t *testing.T) {
	svc := newFakeServices()
	svc.fail[opJoinLobbyByCode] = errFault
	c := newTestClient(t, svc, clock.NewMock())

	require.NoError(t, c.JoinWithLobbyCode(context.Background(), "LC1"))
	tickUntilDone(t, c)

	assert.Equal(t, ReasonLobbyJoin, c.State().(ClientFailed).Reason())
	assert.Equal(t, []string{opJoinLobbyByCode}, svc.Calls())
}

func TestClientRelayCodeTimeout(t *testing.T) {
	svc := newFakeServices()
	svc.snapshots = []*protocol.Lobby{{ID: "L1"}}
	mock := clock.NewMock()
	c := newTestClient(t, svc, mock, func(cfg *ClientConfig) { cfg.RelayCodeTimeout = 3 * time.Second })

	require.NoError(t, c.JoinWithLobbyCode(context.Background(), "LC1"))
	c.Tick()
	c.Tick()
	for range 2 {
		mock.Add(DefaultPollInterval)
		c.Tick()
		c.Tick()
	}
	_, ok := c.State().(ClientResolvingRelayCode)
	require.True(t, ok)

	mock.Add(DefaultPollInterval)
	c.Tick()
	failed, ok := c.State().(ClientFailed)
	require.True(t, ok, "state = %s", c.Status())
	assert.Equal(t, ReasonTimeout, failed.Reason())
	assert.Equal(t, KindTimeout, failed.Reason().Kind())
}

func TestClientLateSnapshotWithCodeBeatsDeadline(t *testing.T) {
	svc := newFakeServices()
	svc.snapshots = []*protocol.Lobby{lobbyWithCode("JOIN1")}
	svc.hold[opGetLobby] = true
	mock := clock.NewMock()
	c := newTestClient(t, svc, mock, func(cfg *ClientConfig) { cfg.RelayCodeTimeout = 3 * time.Second })

	require.NoError(t, c.JoinWithLobbyCode(context.Background(), "LC1"))
	c.Tick()
	c.Tick()
	mock.Add(DefaultPollInterval)
	c.Tick() // fetch issued and held
	require.Equal(t, 1, countCalls(svc.Calls(), opGetLobby))

	// The answer carrying the code arrives, but is first seen past the
	// deadline.
	mock.Add(5 * time.Second)
	svc.release(opGetLobby)
	tickUntilDone(t, c)

	ready, ok := c.State().(ClientReady)
	require.True(t, ok, "state = %s", c.Status())
	assert.Equal(t, "JOIN1", ready.JoinCode())
}

func TestClientWaitsIndefinitelyByDefault(t *testing.T) {
	svc := newFakeServices()
	svc.snapshots = []*protocol.Lobby{{ID: "L1"}}
	mock := clock.NewMock()
	c := newTestClient(t, svc, mock)

	require.NoError(t, c.JoinWithLobbyCode(context.Background(), "LC1"))
	for range 120 {
		mock.Add(DefaultPollInterval)
		c.Tick()
		c.Tick()
	}
	_, ok := c.State().(ClientResolvingRelayCode)
	assert.True(t, ok, "state = %s", c.Status())
}

func TestClientJoinSnapshotWithCode(t *testing.T) {
	svc := newFakeServices()
	svc.lobby = lobbyWithCode("JOIN1")
	c := newTestClient(t, svc, clock.NewMock())

	require.NoError(t, c.JoinWithLobbyCode(context.Background(), "LC1"))
	tickUntilDone(t, c)

	_, ok := c.State().(ClientReady)
	require.True(t, ok, "state = %s", c.Status())
	assert.Equal(t, []string{opJoinLobbyByCode, opJoinAllocation}, svc.Calls())
}

func TestClientJoinLobbyByIDSendsPlayer(t *testing.T) {
	svc := newFakeServices()
	svc.lobby = lobbyWithCode("JOIN1")
	player := &protocol.Player{ID: "player-1", Data: map[string]protocol.PlayerDataObject{
		protocol.PlayerKeyName: {Visibility: protocol.VisibilityPublic, Value: "alice"},
	}}
	c := newTestClient(t, svc, clock.NewMock(), func(cfg *ClientConfig) { cfg.Player = player })

	require.NoError(t, c.JoinLobbyByID(context.Background(), "L1"))
	tickUntilDone(t, c)

	require.Len(t, svc.players, 1)
	assert.Same(t, player, svc.players[0])
	assert.Equal(t, []string{opJoinLobbyByID, opJoinAllocation}, svc.Calls())
}

type codeSource struct {
	mu   sync.Mutex
	code string
}

func (s *codeSource) JoinCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

func (s *codeSource) set(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code = code
}

func TestClientHostDiscovery(t *testing.T) {
	svc := newFakeServices()
	mock := clock.NewMock()
	c := newTestClient(t, svc, mock)
	src := &codeSource{}

	require.NoError(t, c.JoinViaHostDiscovery(context.Background(), src))
	for range 10 {
		c.Tick()
	}
	_, ok := c.State().(ClientAwaitingJoinCode)
	require.True(t, ok)
	assert.Empty(t, svc.Calls())

	src.set("JOIN1")
	tickUntilDone(t, c)
	assert.Equal(t, "JOIN1", c.State().(ClientReady).JoinCode())
	assert.Equal(t, []string{"JOIN1"}, svc.joinCodes)
}

func TestClientHostDiscoveryTimeout(t *testing.T) {
	svc := newFakeServices()
	mock := clock.NewMock()
	c := newTestClient(t, svc, mock)

	require.NoError(t, c.JoinViaHostDiscovery(context.Background(), &codeSource{}))
	mock.Add(DefaultDiscoveryTimeout - time.Millisecond)
	c.Tick()
	_, ok := c.State().(ClientAwaitingJoinCode)
	require.True(t, ok)

	mock.Add(time.Millisecond)
	c.Tick()
	assert.Equal(t, ReasonTimeout, c.State().(ClientFailed).Reason())
	assert.Empty(t, svc.Calls())
}

func TestClientAbort(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		c := newTestClient(t, newFakeServices(), clock.NewMock())
		c.Abort()
		assert.Equal(t, ReasonCancelled, c.State().(ClientFailed).Reason())
		assert.ErrorIs(t, c.JoinWithCode(context.Background(), "JOIN1"), ErrAlreadyStarted)
	})

	t.Run("polling", func(t *testing.T) {
		svc := newFakeServices()
		svc.snapshots = []*protocol.Lobby{lobbyWithCode("JOIN1")}
		svc.hold[opGetLobby] = true
		mock := clock.NewMock()
		c := newTestClient(t, svc, mock)

		require.NoError(t, c.JoinWithLobbyCode(context.Background(), "LC1"))
		c.Tick()
		c.Tick()
		mock.Add(DefaultPollInterval)
		c.Tick()
		require.Equal(t, 1, countCalls(svc.Calls(), opGetLobby))

		c.Abort()
		svc.release(opGetLobby)
		for range 10 {
			c.Tick()
		}
		assert.Equal(t, ReasonCancelled, c.State().(ClientFailed).Reason())
		assert.Empty(t, svc.joinCodes)
	})

	t.Run("ready", func(t *testing.T) {
		c := newTestClient(t, newFakeServices(), clock.NewMock())
		require.NoError(t, c.JoinWithCode(context.Background(), "JOIN1"))
		tickUntilDone(t, c)
		c.Abort()
		_, ok := c.State().(ClientReady)
		assert.True(t, ok)
	})
}

func TestClientRejectsEmptyInput(t *testing.T) {
	c := newTestClient(t, newFakeServices(), clock.NewMock())
	assert.Error(t, c.JoinWithCode(context.Background(), ""))
	assert.Error(t, c.JoinWithLobbyCode(context.Background(), ""))
	assert.Error(t, c.JoinLobbyByID(context.Background(), ""))
	assert.Error(t, c.JoinViaHostDiscovery(context.Background(), nil))
	_, ok := c.State().(ClientIdle)
	assert.True(t, ok)

	noLobbies, err := NewClient(ClientConfig{Identity: &fakeIdentity{}, Relay: newFakeServices()})
	require.NoError(t, err)
	assert.Error(t, noLobbies.JoinWithLobbyCode(context.Background(), "LC1"))
}
