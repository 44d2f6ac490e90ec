package servicetest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/philsphicas/lobbyrelay/internal/protocol"
)

const bindTimeout = 5 * time.Second

// hostSlot is a bound host waiting for its player.
type hostSlot struct {
	player chan *websocket.Conn
	done   chan struct{}
}

// bind is the relay endpoint. A host binds and waits; a player binding with
// the host's connection data is paired with it and frames are piped between
// the two until either side closes.
func (s *Services) bind(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.CloseNow() //nolint:errcheck // best-effort cleanup
	ctx := r.Context()

	readCtx, cancel := context.WithTimeout(ctx, bindTimeout)
	_, data, err := ws.Read(readCtx)
	cancel()
	if err != nil {
		return
	}
	var req protocol.BindRequest
	if err := json.Unmarshal(data, &req); err != nil {
		_ = respond(ctx, ws, "invalid bind request")
		return
	}
	if msg := s.verify(req); msg != "" {
		_ = respond(ctx, ws, msg)
		return
	}

	switch req.Role {
	case protocol.RoleHost:
		slot := &hostSlot{player: make(chan *websocket.Conn), done: make(chan struct{})}
		key := string(req.ConnectionData)
		s.mu.Lock()
		s.hosts[key] = slot
		s.binds = append(s.binds, req)
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			if s.hosts[key] == slot {
				delete(s.hosts, key)
			}
			s.mu.Unlock()
			close(slot.done)
		}()
		if err := respond(ctx, ws, ""); err != nil {
			return
		}
		select {
		case peer := <-slot.player:
			pipe(ctx, ws, peer)
		case <-ctx.Done():
		}

	case protocol.RolePlayer:
		s.mu.Lock()
		slot, ok := s.hosts[string(req.HostConnectionData)]
		if ok {
			s.binds = append(s.binds, req)
		}
		s.mu.Unlock()
		if !ok {
			_ = respond(ctx, ws, "host not bound")
			return
		}
		if err := respond(ctx, ws, ""); err != nil {
			return
		}
		select {
		case slot.player <- ws:
			<-slot.done
		case <-slot.done:
		case <-ctx.Done():
		}

	default:
		_ = respond(ctx, ws, "unknown role")
	}
}

func (s *Services) verify(req protocol.BindRequest) string {
	if req.Version != protocol.CurrentVersion {
		return "unsupported protocol version"
	}
	s.mu.Lock()
	alloc, ok := s.byIDBytes[string(req.AllocationID)]
	s.mu.Unlock()
	if !ok {
		return "unknown allocation"
	}
	if req.Signature != Sign(alloc.Key, req.AllocationID, req.ConnectionData, req.Nonce) {
		return "bad signature"
	}
	return ""
}

func respond(ctx context.Context, ws *websocket.Conn, errMsg string) error {
	data, _ := json.Marshal(protocol.BindResponse{
		Version: protocol.CurrentVersion,
		OK:      errMsg == "",
		Error:   errMsg,
	})
	return ws.Write(ctx, websocket.MessageText, data)
}

// pipe copies messages in both directions until either side fails.
func pipe(ctx context.Context, a, b *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 2)
	cp := func(dst, src *websocket.Conn) {
		for {
			typ, data, err := src.Read(ctx)
			if err != nil {
				errc <- err
				return
			}
			if err := dst.Write(ctx, typ, data); err != nil {
				errc <- err
				return
			}
		}
	}
	go cp(a, b)
	go cp(b, a)
	<-errc
	cancel()
	_ = a.Close(websocket.StatusNormalClosure, "")
	_ = b.Close(websocket.StatusNormalClosure, "")
	<-errc
}
