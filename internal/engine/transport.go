package engine

import "net"

// Transport is the engine's view of one accepted connection: the write and
// flow-control primitives of the transport layer plus the connection's loop
// affinity. All connection-scoped state is mutated only from functions run
// through Execute; see the concurrency contract on Router.
type Transport interface {
	// Read issues a single read demand. The Router enforces at most one
	// outstanding demand.
	Read()
	// PauseReads stops inbound reads until ResumeReads.
	PauseReads()
	// ResumeReads re-enables inbound reads after a pause.
	ResumeReads()
	// Write queues p for transmission. The transport owns p after the call.
	Write(p []byte) error
	// Writev queues bufs for transmission in order.
	Writev(bufs [][]byte) error
	// Flush pushes queued writes toward the peer.
	Flush() error
	// Close tears the connection down after queued writes drain.
	Close() error
	// Execute runs fn on the connection's own event loop.
	Execute(fn func())
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
	IsOpen() bool
}
