package engine

import (
	"crypto/tls"
	"net"
	"time"
)

// Request is the immutable description of one inbound request. It is created
// once per decoded request head and never mutated afterwards; the streaming
// body handle, when present, is the only part with evolving internal state.
type Request struct {
	// Timestamp is the receive time from the injected clock.
	Timestamp time.Time
	Method    string
	URI       string
	Proto     string
	Headers   *Headers

	RemoteAddr net.Addr
	LocalAddr  net.Addr

	// ContentLength is the declared body length, or -1 when unknown.
	ContentLength int64
	Chunked       bool
	KeepAlive     bool

	// Body is the streaming body handle, or nil when the request declares
	// no body.
	Body *BodyAccumulator

	// Idle exposes the connection's idle-timeout controller.
	Idle *IdleTimeout

	// TLS is the connection's security session, or nil on plaintext
	// connections or when peer authentication was not requested.
	TLS *tls.ConnectionState

	config *Config
}

// HasBody reports whether the request declared a body.
func (r *Request) HasBody() bool {
	return r.Body != nil
}

// Config returns the server configuration the request was accepted under.
func (r *Request) Config() *Config {
	return r.config
}
