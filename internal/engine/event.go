// Package engine implements the connection-level core of the server: it
// demultiplexes decoded transport events into the request/response lifecycle
// and guarantees that every accepted request produces exactly one transmitted
// response or a deterministic synthetic failure.
package engine

import "crypto/tls"

// EventKind identifies the kind of inbound transport event delivered to the
// Router. The Router matches on it exhaustively.
type EventKind uint8

const (
	// EventOpen signals that the connection has been accepted.
	EventOpen EventKind = iota
	// EventRequestHead carries a decoded request line and header block.
	EventRequestHead
	// EventBodyChunk carries a fragment of a request body.
	EventBodyChunk
	// EventMessage carries a raw inbound message outside request framing,
	// delivered after a takeover.
	EventMessage
	// EventWritability signals that the transport's outbound buffer crossed
	// its high or low watermark.
	EventWritability
	// EventHandshake signals completion of a security handshake.
	EventHandshake
	// EventIdleTimeout signals that the connection's idle timer fired.
	EventIdleTimeout
	// EventClosed signals that the transport has closed.
	EventClosed
	// EventError carries an exception surfaced by the transport.
	EventError
)

// RequestHead is the decoded head of one inbound request. When the head
// failed to decode, DecodeErr is set and the remaining fields are undefined.
type RequestHead struct {
	Method        string
	URI           string
	Proto         string
	Headers       *Headers
	ContentLength int64 // -1 when no content-length header was present
	Chunked       bool
	KeepAlive     bool
	DecodeErr     error
}

// Handshake is the outcome of a completed security handshake.
type Handshake struct {
	Success bool
	Session *tls.ConnectionState
	// PeerAuth reports whether the server requested or required client
	// certificates during the handshake.
	PeerAuth bool
}

// Event is the tagged union over inbound transport events. Exactly the
// fields relevant to Kind are set.
type Event struct {
	Kind      EventKind
	Head      *RequestHead
	Chunk     []byte
	Last      bool
	Msg       any
	Writable  bool
	Handshake *Handshake
	Err       error
}
