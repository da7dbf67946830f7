package engine

import (
	"crypto/tls"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// CloseReason records why a connection was torn down, distinguishing idle
// closure from peer-initiated or error-driven closure for diagnostics.
type CloseReason int32

const (
	// ReasonPeer is the default: the peer closed the connection.
	ReasonPeer CloseReason = iota
	// ReasonIdle means the idle timer fired.
	ReasonIdle
	// ReasonError means the server closed after an error.
	ReasonError
)

// String returns the reason's diagnostic name.
func (r CloseReason) String() string {
	switch r {
	case ReasonIdle:
		return "idle"
	case ReasonError:
		return "error"
	default:
		return "peer"
	}
}

// IdleTimeout controls the connection's idle window. Handlers may widen it
// for long-running exchanges; the idle ticker reads it concurrently, so the
// duration is atomic.
type IdleTimeout struct {
	nanos atomic.Int64
}

// NewIdleTimeout returns a controller initialized to d.
func NewIdleTimeout(d time.Duration) *IdleTimeout {
	t := &IdleTimeout{}
	t.nanos.Store(int64(d))
	return t
}

// Duration returns the current idle window. Zero disables idle closure.
func (t *IdleTimeout) Duration() time.Duration {
	return time.Duration(t.nanos.Load())
}

// Set replaces the idle window.
func (t *IdleTimeout) Set(d time.Duration) {
	t.nanos.Store(int64(d))
}

// Conn holds the mutable attributes scoped to one connection's lifetime:
// the current body accumulator, the current response transmitter, an
// optional raw subscriber installed by a takeover, and the captured
// security session. Only the connection's own event loop mutates these
// fields; the close reason is the one exception, set by the idle ticker
// before teardown.
type Conn struct {
	// ID identifies the connection in logs and diagnostics.
	ID string

	transport     Transport
	body          *BodyAccumulator
	transmitter   *ResponseTransmitter
	rawSubscriber func(any)
	session       *tls.ConnectionState
	idle          *IdleTimeout
	reason        atomic.Int32
	readPending   bool
}

func newConn(t Transport, idle time.Duration) *Conn {
	return &Conn{
		ID:        uuid.NewString(),
		transport: t,
		idle:      NewIdleTimeout(idle),
	}
}

// Idle returns the connection's idle-timeout controller.
func (c *Conn) Idle() *IdleTimeout {
	return c.idle
}

// SetCloseReason records the closure reason. The first non-peer reason wins.
func (c *Conn) SetCloseReason(r CloseReason) {
	c.reason.CompareAndSwap(int32(ReasonPeer), int32(r))
}

// CloseReason returns the recorded closure reason.
func (c *Conn) CloseReason() CloseReason {
	return CloseReason(c.reason.Load())
}

// Session returns the captured security session, or nil.
func (c *Conn) Session() *tls.ConnectionState {
	return c.session
}
