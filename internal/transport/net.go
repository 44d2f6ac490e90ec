package transport

import (
	"net"
	"time"
)

// SetTCPKeepAlive enables TCP keepalive on conn if it is a *net.TCPConn and
// d > 0.
func SetTCPKeepAlive(conn net.Conn, d time.Duration) {
	if d <= 0 {
		return
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetKeepAlive(true)
	_ = tcpConn.SetKeepAlivePeriod(d)
}

// Slots limits how many local connections may use links at once. A zero
// limit imposes none.
type Slots struct {
	ch chan struct{}
}

// NewSlots returns a limiter admitting max holders.
func NewSlots(max int) *Slots {
	if max <= 0 {
		return &Slots{}
	}
	return &Slots{ch: make(chan struct{}, max)}
}

// TryAcquire takes a slot without blocking.
func (s *Slots) TryAcquire() bool {
	if s.ch == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a slot.
func (s *Slots) Release() {
	if s.ch == nil {
		return
	}
	<-s.ch
}
