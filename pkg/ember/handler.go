package ember

import (
	"context"

	"github.com/albertbausili/ember/internal/engine"
)

// Request is the immutable description of one inbound request, including
// its streaming body handle when a body was declared.
type Request = engine.Request

// Response accumulates status and headers until transmission begins.
type Response = engine.Response

// Body is the streaming request-body handle.
type Body = engine.BodyAccumulator

// Producer is a streaming response source subject to the writability
// contract.
type Producer = engine.Producer

// ErrBodyIncomplete is observed by body readers when the connection closes
// before the declared body has fully arrived.
var ErrBodyIncomplete = engine.ErrBodyIncomplete

// ErrAlreadyTransmitted rejects a second transmit attempt on one response.
var ErrAlreadyTransmitted = engine.ErrAlreadyTransmitted

// ErrConnClosed rejects a transmit after the connection closed.
var ErrConnClosed = engine.ErrConnClosed

// Handler handles one request. It must eventually either transmit through
// the Response or return without transmitting, in which case the server
// synthesizes a 500 response naming the request.
type Handler interface {
	Handle(ctx context.Context, req *Request, res *Response)
}

// HandlerFunc is an adapter to allow ordinary functions to be used as
// handlers.
type HandlerFunc func(ctx context.Context, req *Request, res *Response)

// Handle calls f(ctx, req, res).
func (f HandlerFunc) Handle(ctx context.Context, req *Request, res *Response) {
	f(ctx, req, res)
}

// Describer optionally supplies a textual description of a handler for
// untransmitted-response diagnostics.
type Describer interface {
	Describe() string
}
