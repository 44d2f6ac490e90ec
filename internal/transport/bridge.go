package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Frame types. Every binary message on a bridged link starts with one.
const (
	frameData byte = 1 // payload follows
	frameEOF  byte = 2 // sender will send no more data
)

const (
	defaultPingInterval = 30 * time.Second
	pingTimeout         = 10 * time.Second
	maxFramePayload     = 32 * 1024
)

var (
	// ErrLinkInUse is returned when a link is bridged a second time. A link
	// carries exactly one stream.
	ErrLinkInUse = errors.New("relay link already bridged")
	// ErrBadFrame is returned when the peer sends a message that is not a
	// bridge frame.
	ErrBadFrame = errors.New("malformed relay frame")
)

// errPeerGone ends a bridge when the relay closed the link normally.
var errPeerGone = errors.New("relay link closed by peer")

// BridgeStats holds byte counters for a completed bridge.
type BridgeStats struct {
	Sent     int64 // payload bytes read locally and sent over the link
	Received int64 // payload bytes received over the link and written locally
}

type closeWriter interface {
	CloseWrite() error
}

// Bridge carries one stream between the link and local. Payload travels in
// data frames; when either side's input ends it sends an EOF frame and the
// other side half-closes its local connection. Bridge returns once both
// directions have ended, the peer closes the link, an error occurs or ctx
// is cancelled. The link is closed on return.
func (l *Link) Bridge(ctx context.Context, local net.Conn) (BridgeStats, error) {
	if !l.bridged.CompareAndSwap(false, true) {
		return BridgeStats{}, ErrLinkInUse
	}
	defer l.Close() //nolint:errcheck // best-effort cleanup

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sent, received atomic.Int64
	errc := make(chan error, 2)
	go func() { errc <- l.receive(ctx, local, &received) }()
	go func() { errc <- l.send(ctx, local, &sent) }()
	go l.keepAlive(ctx)

	var err error
	stopped := false
	for range 2 {
		e := <-errc
		if e == nil || stopped {
			continue
		}
		// One direction failed or the peer is gone: stop the other. Errors
		// caused by stopping it are not reported.
		stopped = true
		if !errors.Is(e, errPeerGone) {
			err = e
		}
		cancel()
		_ = local.SetReadDeadline(time.Now())
	}
	if err != nil && parent.Err() != nil {
		err = parent.Err()
	}
	return BridgeStats{Sent: sent.Load(), Received: received.Load()}, err
}

// receive writes data frames to local until the peer's EOF frame.
func (l *Link) receive(ctx context.Context, local net.Conn, count *atomic.Int64) error {
	var hdr [1]byte
	for {
		typ, r, err := l.ws.Reader(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return errPeerGone
			}
			return err
		}
		if typ != websocket.MessageBinary {
			return fmt.Errorf("%w: %v message", ErrBadFrame, typ)
		}
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return fmt.Errorf("%w: empty message", ErrBadFrame)
		}
		switch hdr[0] {
		case frameData:
			n, err := io.Copy(local, r)
			count.Add(n)
			if err != nil {
				return err
			}
		case frameEOF:
			if cw, ok := local.(closeWriter); ok {
				_ = cw.CloseWrite()
			}
			return nil
		default:
			return fmt.Errorf("%w: type %d", ErrBadFrame, hdr[0])
		}
	}
}

// send reads local into data frames and ends with an EOF frame.
func (l *Link) send(ctx context.Context, local net.Conn, count *atomic.Int64) error {
	buf := make([]byte, 1+maxFramePayload)
	buf[0] = frameData
	for {
		n, err := local.Read(buf[1:])
		if n > 0 {
			if wErr := l.ws.Write(ctx, websocket.MessageBinary, buf[:1+n]); wErr != nil {
				return wErr
			}
			count.Add(int64(n))
		}
		if errors.Is(err, io.EOF) {
			return l.ws.Write(ctx, websocket.MessageBinary, []byte{frameEOF})
		}
		if err != nil {
			return err
		}
	}
}

// keepAlive pings the relay so an idle link is not dropped.
func (l *Link) keepAlive(ctx context.Context) {
	if l.pingInterval < 0 {
		return
	}
	interval := l.pingInterval
	if interval == 0 {
		interval = defaultPingInterval
	}
	ticker := l.clk().Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			_ = l.ws.Ping(pingCtx) // a failed ping surfaces as a read error
			cancel()
		}
	}
}
