// Package servicetest provides in-memory fakes of the auth, relay and lobby
// services plus a WebSocket relay endpoint, all behind one httptest server.
//
// Paths mirror the real services with a per-service prefix: /auth/...,
// /relay/... and /lobby/.... The relay endpoint that allocations point at is
// served on the root path.
package servicetest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/philsphicas/lobbyrelay/internal/protocol"
)

// Services is a running set of fake services.
type Services struct {
	Server *httptest.Server

	// PageSize bounds query results per page.
	PageSize int

	mu          sync.Mutex
	calls       []string
	failures    map[string]int
	regions     []protocol.Region
	transports  []string
	tokens      map[string]string // token -> player id
	allocations map[string]*protocol.Allocation
	byIDBytes   map[string]*protocol.Allocation
	joinCodes   map[string]string // join code -> allocation id
	lobbies     map[string]*protocol.Lobby
	lobbyCodes  map[string]string // lobby code -> lobby id
	heartbeats  map[string]int
	hosts       map[string]*hostSlot
	binds       []protocol.BindRequest
}

// New starts the fake services. The server is closed when the test ends.
func New(t testing.TB) *Services {
	t.Helper()
	s := &Services{
		PageSize:    10,
		failures:    make(map[string]int),
		regions:     []protocol.Region{{ID: "us", Description: "US"}, {ID: "eu", Description: "EU"}},
		transports:  []string{"udp", "dtls", "ws"},
		tokens:      make(map[string]string),
		allocations: make(map[string]*protocol.Allocation),
		byIDBytes:   make(map[string]*protocol.Allocation),
		joinCodes:   make(map[string]string),
		lobbies:     make(map[string]*protocol.Lobby),
		lobbyCodes:  make(map[string]string),
		heartbeats:  make(map[string]int),
		hosts:       make(map[string]*hostSlot),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/authentication/anonymous", s.signIn)
	mux.HandleFunc("GET /relay/v1/regions", s.authed("list-regions", s.listRegions))
	mux.HandleFunc("POST /relay/v1/allocate", s.authed("allocate", s.allocate))
	mux.HandleFunc("POST /relay/v1/joincode", s.authed("join-code", s.joinCode))
	mux.HandleFunc("POST /relay/v1/join", s.authed("join", s.join))
	mux.HandleFunc("POST /lobby/v1/create", s.authed("create-lobby", s.createLobby))
	mux.HandleFunc("POST /lobby/v1/query", s.authed("query-lobbies", s.queryLobbies))
	mux.HandleFunc("POST /lobby/v1/joinbycode", s.authed("join-lobby-by-code", s.joinLobbyByCode))
	mux.HandleFunc("GET /lobby/v1/{id}", s.authed("get-lobby", s.getLobby))
	mux.HandleFunc("POST /lobby/v1/{id}", s.authed("update-lobby", s.updateLobby))
	mux.HandleFunc("POST /lobby/v1/{id}/join", s.authed("join-lobby-by-id", s.joinLobbyByID))
	mux.HandleFunc("POST /lobby/v1/{id}/heartbeat", s.authed("heartbeat", s.heartbeat))
	mux.HandleFunc("GET /{$}", s.bind)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Server.Close)
	return s
}

// AuthURL returns the auth service base URL.
func (s *Services) AuthURL() string { return s.Server.URL + "/auth" }

// RelayURL returns the relay service base URL.
func (s *Services) RelayURL() string { return s.Server.URL + "/relay" }

// LobbyURL returns the lobby service base URL.
func (s *Services) LobbyURL() string { return s.Server.URL + "/lobby" }

// HTTPClient returns a client for the fake server.
func (s *Services) HTTPClient() *http.Client { return s.Server.Client() }

// Calls returns the operations served so far, in order.
func (s *Services) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// Fail makes every later call to operation respond with status. A zero
// status clears the failure.
func (s *Services) Fail(operation string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, operation)
		return
	}
	s.failures[operation] = status
}

// SetRegions replaces the region list.
func (s *Services) SetRegions(regions ...protocol.Region) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions = regions
}

// SetTransports replaces the connection types offered in new allocations.
// "ws" endpoints point at the fake relay endpoint; others are unroutable.
func (s *Services) SetTransports(types ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transports = types
}

// Lobby returns a copy of a lobby.
func (s *Services) Lobby(id string) (*protocol.Lobby, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[id]
	return l.Clone(), ok
}

// PutLobby inserts or replaces a lobby.
func (s *Services) PutLobby(l protocol.Lobby) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lobbies[l.ID] = l.Clone()
	if l.LobbyCode != "" {
		s.lobbyCodes[l.LobbyCode] = l.ID
	}
}

// SetLobbyData sets one data entry on a lobby.
func (s *Services) SetLobbyData(id, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lobbies[id]; ok {
		if l.Data == nil {
			l.Data = make(map[string]protocol.DataObject)
		}
		l.Data[key] = protocol.DataObject{Visibility: protocol.VisibilityMember, Value: value}
	}
}

// RemoveLobby deletes a lobby, as directory-side expiry would.
func (s *Services) RemoveLobby(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lobbies, id)
}

// Heartbeats returns how many heartbeats a lobby has received.
func (s *Services) Heartbeats(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats[id]
}

// Binds returns the bind requests the relay endpoint accepted.
func (s *Services) Binds() []protocol.BindRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.binds)
}

func (s *Services) record(operation string) (status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, operation)
	return s.failures[operation]
}

func (s *Services) authed(operation string, h func(w http.ResponseWriter, r *http.Request, playerID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if status := s.record(operation); status != 0 {
			writeError(w, status, "injected failure")
			return
		}
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		playerID, known := s.tokens[tok]
		s.mu.Unlock()
		if !ok || !known {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		h(w, r, playerID)
	}
}

func (s *Services) signIn(w http.ResponseWriter, r *http.Request) {
	if status := s.record("sign-in"); status != 0 {
		writeError(w, status, "injected failure")
		return
	}
	playerID := uuid.NewString()
	tok := "tok-" + uuid.NewString()
	s.mu.Lock()
	s.tokens[tok] = playerID
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, protocol.SignInResponse{IDToken: tok, UserID: playerID, ExpiresIn: 3600})
}

func (s *Services) listRegions(w http.ResponseWriter, r *http.Request, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, protocol.RegionsResponse{Regions: slices.Clone(s.regions)})
}

func (s *Services) newAllocation(region string) *protocol.Allocation {
	id := uuid.New()
	conn := uuid.New()
	key := uuid.New()
	host, portStr, _ := net.SplitHostPort(s.Server.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	alloc := &protocol.Allocation{
		AllocationID:      id.String(),
		AllocationIDBytes: id[:],
		ConnectionData:    conn[:],
		Key:               key[:],
		Region:            region,
	}
	for _, t := range s.transports {
		ep := protocol.Endpoint{ConnectionType: t, Host: "192.0.2.1", Port: 7777}
		if t == "ws" {
			ep.Host, ep.Port = host, port
		}
		alloc.ServerEndpoints = append(alloc.ServerEndpoints, ep)
	}
	s.allocations[alloc.AllocationID] = alloc
	s.byIDBytes[string(alloc.AllocationIDBytes)] = alloc
	return alloc
}

func (s *Services) allocate(w http.ResponseWriter, r *http.Request, _ string) {
	var req protocol.AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MaxConnections <= 0 {
		writeError(w, http.StatusBadRequest, "invalid allocate request")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusCreated, s.newAllocation(req.Region))
}

func (s *Services) joinCode(w http.ResponseWriter, r *http.Request, _ string) {
	var req protocol.JoinCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid join code request")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.allocations[req.AllocationID]; !ok {
		writeError(w, http.StatusNotFound, "allocation not found")
		return
	}
	code := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	s.joinCodes[code] = req.AllocationID
	writeJSON(w, http.StatusOK, protocol.JoinCodeResponse{JoinCode: code})
}

func (s *Services) join(w http.ResponseWriter, r *http.Request, _ string) {
	var req protocol.JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid join request")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hostID, ok := s.joinCodes[req.JoinCode]
	if !ok {
		writeError(w, http.StatusNotFound, "join code not found")
		return
	}
	host := s.allocations[hostID]
	joiner := s.newAllocation(host.Region)
	writeJSON(w, http.StatusOK, protocol.JoinAllocation{
		Allocation:         *joiner,
		HostConnectionData: host.ConnectionData,
	})
}

func (s *Services) createLobby(w http.ResponseWriter, r *http.Request, playerID string) {
	var req protocol.CreateLobbyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.MaxPlayers <= 0 {
		writeError(w, http.StatusBadRequest, "invalid create request")
		return
	}
	now := time.Now().UTC()
	l := &protocol.Lobby{
		ID:          uuid.NewString(),
		LobbyCode:   strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6]),
		Name:        req.Name,
		MaxPlayers:  req.MaxPlayers,
		IsPrivate:   req.IsPrivate,
		IsLocked:    req.IsLocked,
		HostID:      playerID,
		Data:        req.Data,
		Created:     now,
		LastUpdated: now,
	}
	host := protocol.Player{ID: playerID, Joined: now}
	if req.Player != nil {
		host.Data = req.Player.Data
	}
	l.Players = []protocol.Player{host}
	l.AvailableSlots = l.MaxPlayers - len(l.Players)

	s.mu.Lock()
	s.lobbies[l.ID] = l
	s.lobbyCodes[l.LobbyCode] = l.ID
	resp := l.Clone()
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Services) queryLobbies(w http.ResponseWriter, r *http.Request, _ string) {
	var req protocol.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid query")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []protocol.Lobby
	for _, l := range s.lobbies {
		if l.IsPrivate || !matches(l, req.Filter) {
			continue
		}
		matched = append(matched, *l.Clone())
	}
	slices.SortFunc(matched, func(a, b protocol.Lobby) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	start, _ := strconv.Atoi(req.ContinuationToken)
	count := req.Count
	if count <= 0 || count > s.PageSize {
		count = s.PageSize
	}
	start = min(start, len(matched))
	end := min(start+count, len(matched))
	resp := protocol.QueryResponse{Results: matched[start:end]}
	if end < len(matched) {
		resp.ContinuationToken = strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, resp)
}

func matches(l *protocol.Lobby, filters []protocol.QueryFilter) bool {
	for _, f := range filters {
		switch f.Field {
		case protocol.FieldName:
			if f.Op == protocol.OpContains && !strings.Contains(strings.ToLower(l.Name), strings.ToLower(f.Value)) {
				return false
			}
			if f.Op == protocol.OpEqual && l.Name != f.Value {
				return false
			}
		case protocol.FieldAvailableSlots:
			n, _ := strconv.Atoi(f.Value)
			if f.Op == protocol.OpGreater && l.AvailableSlots <= n {
				return false
			}
		}
	}
	return true
}

func (s *Services) getLobby(w http.ResponseWriter, r *http.Request, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "lobby not found")
		return
	}
	writeJSON(w, http.StatusOK, l.Clone())
}

func (s *Services) updateLobby(w http.ResponseWriter, r *http.Request, playerID string) {
	var req protocol.UpdateLobbyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid update")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "lobby not found")
		return
	}
	if l.HostID != playerID {
		writeError(w, http.StatusForbidden, "only the host may update the lobby")
		return
	}
	if req.IsPrivate != nil {
		l.IsPrivate = *req.IsPrivate
	}
	if req.IsLocked != nil {
		l.IsLocked = *req.IsLocked
	}
	if len(req.Data) > 0 && l.Data == nil {
		l.Data = make(map[string]protocol.DataObject)
	}
	for k, v := range req.Data {
		l.Data[k] = v
	}
	l.LastUpdated = time.Now().UTC()
	writeJSON(w, http.StatusOK, l.Clone())
}

func (s *Services) addPlayer(w http.ResponseWriter, l *protocol.Lobby, playerID string, p *protocol.Player) {
	if l.IsLocked {
		writeError(w, http.StatusConflict, "lobby locked")
		return
	}
	if !slices.ContainsFunc(l.Players, func(x protocol.Player) bool { return x.ID == playerID }) {
		if len(l.Players) >= l.MaxPlayers {
			writeError(w, http.StatusConflict, "lobby full")
			return
		}
		np := protocol.Player{ID: playerID, Joined: time.Now().UTC()}
		if p != nil {
			np.Data = p.Data
		}
		l.Players = append(l.Players, np)
		l.AvailableSlots = l.MaxPlayers - len(l.Players)
	}
	writeJSON(w, http.StatusOK, l.Clone())
}

func (s *Services) joinLobbyByID(w http.ResponseWriter, r *http.Request, playerID string) {
	var req protocol.JoinByIDRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "lobby not found")
		return
	}
	s.addPlayer(w, l, playerID, req.Player)
}

func (s *Services) joinLobbyByCode(w http.ResponseWriter, r *http.Request, playerID string) {
	var req protocol.JoinByCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid join request")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[s.lobbyCodes[req.LobbyCode]]
	if !ok {
		writeError(w, http.StatusNotFound, "lobby not found")
		return
	}
	s.addPlayer(w, l, playerID, req.Player)
}

func (s *Services) heartbeat(w http.ResponseWriter, r *http.Request, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := s.lobbies[id]; !ok {
		writeError(w, http.StatusNotFound, "lobby not found")
		return
	}
	s.heartbeats[id]++
	w.WriteHeader(http.StatusNoContent)
}

// Sign computes the bind signature independently of the transport package.
func Sign(key, allocationID, connectionData []byte, nonce uint64) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(allocationID)
	mac.Write(connectionData)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	mac.Write(n[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"code": strconv.Itoa(status), "message": msg})
}
