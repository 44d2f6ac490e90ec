// Package transport binds to a relay endpoint over WebSocket using negotiated
// session parameters, and bridges the resulting link to local TCP
// connections.
//
// A bind is one signed JSON BindRequest answered by one BindResponse. After
// a successful bind the relay pairs the host's link with a player's link and
// forwards binary frames between them.
package transport

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/philsphicas/lobbyrelay/internal/protocol"
	"github.com/philsphicas/lobbyrelay/internal/relay"
)

const (
	defaultBindTimeout = 30 * time.Second
	dialRetryBase      = 1 * time.Second
	dialRetryMax       = 30 * time.Second
)

// ErrUnsupportedTransport is returned for connection types this package
// cannot carry. Only ws and wss are supported.
var ErrUnsupportedTransport = errors.New("unsupported relay transport")

// ErrBindRejected is returned when the relay refuses a bind.
var ErrBindRejected = errors.New("relay rejected bind")

// BindObserver is notified once per bind attempt.
type BindObserver interface {
	ObserveBind(role string, seconds float64, err error)
	ObserveBindRetry(role string)
}

// Dialer opens relay links.
type Dialer struct {
	// HTTPClient performs the WebSocket handshake. Nil uses the default.
	HTTPClient *http.Client

	// BindTimeout bounds one handshake and bind exchange (default 30s).
	BindTimeout time.Duration

	// RetryBudget is the total time spent retrying a failed dial with
	// exponential backoff (1s, 2s, 4s, capped at 30s). Zero means a single
	// attempt.
	RetryBudget time.Duration

	// PingInterval is the keepalive period of a bridged link (default 30s).
	// Negative disables keepalives.
	PingInterval time.Duration

	// Clock drives bind retry backoff and keepalives. Nil uses the wall
	// clock.
	Clock clock.Clock

	Observer BindObserver
	Logger   *slog.Logger
}

func (d *Dialer) clk() clock.Clock {
	if d.Clock == nil {
		return clock.New()
	}
	return d.Clock
}

// Link is a bound relay connection. It carries one bridged stream and is
// closed when that stream ends.
type Link struct {
	ws           *websocket.Conn
	role         string
	endpoint     relay.Endpoint
	clock        clock.Clock
	pingInterval time.Duration

	bridged atomic.Bool

	mu       sync.Mutex
	closed   bool
	closeErr error
	onClose  []func()
	done     chan struct{}
}

func newLink(ws *websocket.Conn, role string, endpoint relay.Endpoint, clk clock.Clock, ping time.Duration) *Link {
	return &Link{
		ws:           ws,
		role:         role,
		endpoint:     endpoint,
		clock:        clk,
		pingInterval: ping,
		done:         make(chan struct{}),
	}
}

func (l *Link) clk() clock.Clock {
	if l.clock == nil {
		return clock.New()
	}
	return l.clock
}

// Conn returns the underlying WebSocket.
func (l *Link) Conn() *websocket.Conn { return l.ws }

// Role returns protocol.RoleHost or protocol.RolePlayer.
func (l *Link) Role() string { return l.role }

// Endpoint returns the relay server the link is bound to.
func (l *Link) Endpoint() relay.Endpoint { return l.endpoint }

// Bridged reports whether the link's stream has been taken by Bridge.
func (l *Link) Bridged() bool { return l.bridged.Load() }

// Done is closed once the link is closed.
func (l *Link) Done() <-chan struct{} { return l.done }

// OnClose registers fn to run once when the link closes. If the link is
// already closed, fn runs immediately.
func (l *Link) OnClose(fn func()) {
	l.mu.Lock()
	if !l.closed {
		l.onClose = append(l.onClose, fn)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	fn()
}

// Close closes the link with a normal closure and runs the OnClose
// functions. Later calls return the first call's result.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		defer l.mu.Unlock()
		return l.closeErr
	}
	l.closed = true
	l.closeErr = l.ws.Close(websocket.StatusNormalClosure, "")
	hooks := l.onClose
	l.onClose = nil
	close(l.done)
	err := l.closeErr
	l.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return err
}

// Listen binds to the relay as the host of p's allocation.
func (d *Dialer) Listen(ctx context.Context, p relay.SessionParameters) (*Link, error) {
	return d.bind(ctx, p, protocol.RoleHost)
}

// Connect binds to the relay as a player joining the host identified by p's
// peer connection data.
func (d *Dialer) Connect(ctx context.Context, p relay.SessionParameters) (*Link, error) {
	return d.bind(ctx, p, protocol.RolePlayer)
}

func (d *Dialer) bind(ctx context.Context, p relay.SessionParameters, role string) (link *Link, err error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := d.clk()
	start := clk.Now()
	defer func() {
		if d.Observer != nil {
			d.Observer.ObserveBind(role, clk.Since(start).Seconds(), err)
		}
	}()

	u, err := bindURL(p)
	if err != nil {
		return nil, err
	}

	if d.RetryBudget <= 0 {
		return d.bindOnce(ctx, u, p, role)
	}

	budgetCtx, cancel := context.WithTimeout(ctx, d.RetryBudget)
	defer cancel()
	delay := dialRetryBase
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			logger.Debug("retrying relay bind", "attempt", attempt, "delay", delay)
			if d.Observer != nil {
				d.Observer.ObserveBindRetry(role)
			}
			select {
			case <-budgetCtx.Done():
				return nil, lastErr
			case <-clk.After(delay):
			}
			delay = min(delay*2, dialRetryMax)
		}
		link, err := d.bindOnce(budgetCtx, u, p, role)
		if err == nil {
			return link, nil
		}
		// Rejections are not retried.
		if errors.Is(err, ErrBindRejected) {
			return nil, err
		}
		lastErr = err
		logger.Debug("relay bind attempt failed", "attempt", attempt+1, "error", err)
		if budgetCtx.Err() != nil {
			return nil, lastErr
		}
	}
}

func (d *Dialer) bindOnce(ctx context.Context, u string, p relay.SessionParameters, role string) (*Link, error) {
	timeout := d.BindTimeout
	if timeout <= 0 {
		timeout = defaultBindTimeout
	}
	bindCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, _, err := websocket.Dial(bindCtx, u, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", p.Endpoint(), err)
	}

	req := NewBindRequest(p, role, newNonce())
	data, _ := json.Marshal(req) // simple struct, cannot fail
	if err := ws.Write(bindCtx, websocket.MessageText, data); err != nil {
		ws.CloseNow() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("send bind request: %w", err)
	}

	_, data, err = ws.Read(bindCtx)
	if err != nil {
		ws.CloseNow() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("read bind response: %w", err)
	}
	var resp protocol.BindResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		ws.CloseNow() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("invalid bind response: %w", err)
	}
	if !resp.OK {
		ws.Close(websocket.StatusNormalClosure, "") //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("%w: %s", ErrBindRejected, resp.Error)
	}
	return newLink(ws, role, p.Endpoint(), d.clk(), d.PingInterval), nil
}

func bindURL(p relay.SessionParameters) (string, error) {
	switch p.Transport() {
	case relay.TransportWS, relay.TransportWSS:
		return p.Transport() + "://" + p.Endpoint().String() + "/", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedTransport, p.Transport())
}

// NewBindRequest builds the signed bind request for p.
func NewBindRequest(p relay.SessionParameters, role string, nonce uint64) protocol.BindRequest {
	allocID := p.AllocationID()
	connData := p.ConnectionData()
	return protocol.BindRequest{
		Version:            protocol.CurrentVersion,
		Role:               role,
		AllocationID:       allocID,
		ConnectionData:     connData,
		HostConnectionData: p.PeerConnectionData(),
		Nonce:              nonce,
		Signature:          Sign(p.Key(), allocID, connData, nonce),
	}
}

// Sign returns base64(HMAC-SHA256(key, allocationID|connectionData|nonce)),
// with the nonce encoded big-endian.
func Sign(key, allocationID, connectionData []byte, nonce uint64) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(allocationID)
	mac.Write(connectionData)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	mac.Write(n[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func newNonce() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}
