package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Exec runs the application for one request. Execute must eventually either
// transmit through the Response or return without transmitting; the Router
// applies the untransmitted fallback in the latter case. Execute may run on
// the connection's loop or on a worker goroutine.
type Exec interface {
	Execute(req *Request, res *Response)
}

// ExecFunc adapts a function to the Exec interface.
type ExecFunc func(*Request, *Response)

// Execute calls f.
func (f ExecFunc) Execute(req *Request, res *Response) {
	f(req, res)
}

// Describer optionally supplies a textual description of the application
// pipeline for untransmitted-fallback diagnostics.
type Describer interface {
	Describe() string
}

// Router is the single entry point for all inbound transport events on one
// connection. Event handling is strictly serialized on the connection's own
// event loop; operations initiated elsewhere (timers, completion callbacks,
// worker goroutines) reach connection state only through Transport.Execute.
type Router struct {
	cfg  *Config
	conn *Conn
	exec Exec
	pool *ants.Pool
	log  *zap.Logger
}

// NewRouter wires a connection's event stream to the application exec. A
// non-nil pool forks application execution to the pool; a nil pool forks
// each request onto its own goroutine.
func NewRouter(t Transport, exec Exec, cfg *Config, pool *ants.Pool) *Router {
	cfg = cfg.withDefaults()
	conn := newConn(t, cfg.IdleTimeout)
	return &Router{
		cfg:  cfg,
		conn: conn,
		exec: exec,
		pool: pool,
		log:  cfg.Logger.With(zap.String("conn", conn.ID)),
	}
}

// Conn returns the connection's attribute state.
func (r *Router) Conn() *Conn {
	return r.conn
}

// HandleEvent dispatches one inbound transport event. Must be called on the
// connection's event loop.
func (r *Router) HandleEvent(ev Event) {
	switch ev.Kind {
	case EventOpen:
		r.cfg.Stats.ConnOpened()
		r.issueRead()

	case EventRequestHead:
		r.conn.readPending = false
		r.newRequest(ev.Head)

	case EventBodyChunk:
		r.conn.readPending = false
		if b := r.conn.body; b != nil {
			if b.Add(ev.Chunk, ev.Last) {
				r.conn.body = nil
			}
		}
		// No accumulator: nothing downstream wants the bytes (for example
		// a body arriving after a takeover); discard the fragment.
		if ev.Last {
			// Read for the next request proactively so that a peer close
			// between requests is detected promptly.
			r.issueRead()
		}

	case EventMessage:
		r.conn.readPending = false
		if sub := r.conn.rawSubscriber; sub != nil {
			sub(ev.Msg)
		}

	case EventWritability:
		if tx := r.conn.transmitter; tx != nil {
			tx.OnWritabilityChanged(ev.Writable)
		}

	case EventHandshake:
		if ev.Handshake != nil && ev.Handshake.Success && ev.Handshake.PeerAuth {
			r.conn.session = ev.Handshake.Session
		}

	case EventIdleTimeout:
		r.conn.SetCloseReason(ReasonIdle)
		r.cfg.Stats.IdleClosure()
		r.log.Debug("closing idle connection")
		_ = r.conn.transport.Close()

	case EventClosed:
		r.connClosed()

	case EventError:
		r.handleError(ev.Err)
	}
}

// issueRead issues a read demand, enforcing at most one outstanding demand
// per connection.
func (r *Router) issueRead() {
	if r.conn.readPending {
		return
	}
	r.conn.readPending = true
	r.conn.transport.Read()
}

// newRequest assembles the Request/Response pair for a decoded head and
// starts application execution.
func (r *Router) newRequest(head *RequestHead) {
	if head.DecodeErr != nil {
		r.log.Debug("failed to decode request head", zap.Error(head.DecodeErr))
		r.cfg.Stats.DecodeError()
		r.sendError(400)
		return
	}

	t := r.conn.transport

	// A declared length or a transfer encoding indicates a body.
	var body *BodyAccumulator
	if head.ContentLength > 0 || head.Chunked {
		declared := head.ContentLength
		if head.Chunked {
			declared = -1
		}
		body = NewBodyAccumulator(declared, r.cfg.BodyHighWatermark, t)
		r.conn.body = body
	}

	req := &Request{
		Timestamp:     r.cfg.Clock.Now(),
		Method:        head.Method,
		URI:           head.URI,
		Proto:         head.Proto,
		Headers:       head.Headers,
		RemoteAddr:    t.RemoteAddr(),
		LocalAddr:     t.LocalAddr(),
		ContentLength: head.ContentLength,
		Chunked:       head.Chunked,
		KeepAlive:     head.KeepAlive,
		Body:          body,
		Idle:          r.conn.idle,
		TLS:           r.conn.session,
		config:        r.cfg,
	}

	tx := NewResponseTransmitter(t, req, NewHeaders())
	tx.detach = func() {
		if r.conn.transmitter == tx {
			r.conn.transmitter = nil
		}
		r.cfg.Stats.RequestCompleted(req.Method, tx.Status(), r.cfg.Clock.Now().Sub(req.Timestamp))
	}
	r.conn.transmitter = tx

	takeOver := func(fn func(any)) {
		// A takeover claims the response; subsequent inbound messages
		// bypass framing. Installation happens on the connection's loop.
		tx.markTransmitted()
		t.Execute(func() {
			r.conn.rawSubscriber = fn
			tx.completeInline()
		})
	}
	res := newResponse(tx, takeOver)

	r.cfg.Stats.RequestStarted()
	r.startExecution(req, res, tx)
}

// startExecution forks the application off the connection's loop, onto the
// worker pool when one is configured, and arranges the completion check
// back on the loop. Execution never runs inline: handlers block on body
// reads and close notification, and the events that satisfy those waits
// arrive on the loop this dispatch is holding. The fallback check always
// runs, whether execution completed normally, panicked, or never touched
// the response.
func (r *Router) startExecution(req *Request, res *Response, tx *ResponseTransmitter) {
	t := r.conn.transport
	run := func() {
		defer func() {
			if rec := recover(); rec != nil {
				err := fmt.Errorf("handler panic: %v", rec)
				t.Execute(func() { r.handleError(err) })
			}
			t.Execute(func() { r.completeRequest(req, res, tx) })
		}()
		r.exec.Execute(req, res)
	}

	if r.pool != nil {
		if err := r.pool.Submit(run); err != nil {
			go run()
		}
		return
	}
	go run()
}

// completeRequest applies the untransmitted-response fallback: if execution
// finished without transmitting, synthesize a server-error response so the
// request still yields exactly one response. Runs on the connection's loop.
func (r *Router) completeRequest(req *Request, res *Response, tx *ResponseTransmitter) {
	if tx.Transmitted() {
		return
	}

	var sb strings.Builder
	sb.WriteString("No response sent for ")
	sb.WriteString(req.Method)
	sb.WriteString(" request to ")
	sb.WriteString(req.URI)
	if d, ok := r.exec.(Describer); ok {
		sb.WriteString(" (last handler: ")
		sb.WriteString(d.Describe())
		sb.WriteString(")")
	}
	msg := sb.String()

	r.log.Warn(msg)
	r.cfg.Stats.Fallback()

	res.Headers().Clear()
	var body []byte
	if r.cfg.Development {
		body = []byte(msg)
		res.Headers().Set("content-type", "text/plain; charset=utf-8")
	}
	res.Headers().Set("content-length", strconv.Itoa(len(body)))

	if err := tx.Transmit(500, body); err != nil {
		r.log.Debug("fallback response not transmitted", zap.Error(err))
	}
}

// connClosed notifies the active transmitter and accumulator so they can
// release resources and signal incompleteness upstream, then drops all
// connection attributes.
func (r *Router) connClosed() {
	if tx := r.conn.transmitter; tx != nil {
		tx.OnConnectionClosed()
		tx.completeInline()
		r.conn.transmitter = nil
	}
	if b := r.conn.body; b != nil {
		b.OnClose()
		r.conn.body = nil
	}
	r.conn.rawSubscriber = nil
	r.conn.session = nil
	r.cfg.Stats.ConnClosed(r.conn.CloseReason())
}

// handleError applies the error taxonomy: ignorable teardown noise is
// dropped silently, decode errors log at the configured level, and anything
// else is an error-level failure. Non-ignorable errors that reach the
// Router are terminal for the connection.
func (r *Router) handleError(err error) {
	switch Classify(err) {
	case ClassIgnorable:
		return

	case ClassDecode:
		logDecodeError(r.log, r.cfg.DecodingErrorLevel, err)
		r.cfg.Stats.DecodeError()
		r.conn.SetCloseReason(ReasonError)
		if r.conn.transport.IsOpen() {
			r.sendError(500)
		} else {
			_ = r.conn.transport.Close()
		}

	case ClassInternal:
		r.log.Error("connection error", zap.Error(err))
		r.conn.SetCloseReason(ReasonError)
		if r.conn.transport.IsOpen() {
			r.sendError(500)
		} else {
			_ = r.conn.transport.Close()
		}
	}
}

// sendError writes a literal failure response outside the transmitter
// protocol and closes the connection as soon as it is sent. The failure
// counts as the response for any in-flight request, so the untransmitted
// fallback does not fire on top of it.
func (r *Router) sendError(status int) {
	if tx := r.conn.transmitter; tx != nil {
		tx.markTransmitted()
		tx.completeInline()
		r.conn.transmitter = nil
	}
	body := "Failure: " + strconv.Itoa(status) + " " + statusText(status) + "\r\n"

	var buf []byte
	buf = append(buf, "HTTP/1.1 "...)
	buf = strconv.AppendInt(buf, int64(status), 10)
	buf = append(buf, ' ')
	buf = append(buf, statusText(status)...)
	buf = append(buf, "\r\ncontent-type: text/plain; charset=utf-8\r\ncontent-length: "...)
	buf = strconv.AppendInt(buf, int64(len(body)), 10)
	buf = append(buf, "\r\nconnection: close\r\n\r\n"...)
	buf = append(buf, body...)

	t := r.conn.transport
	_ = t.Write(buf)
	_ = t.Flush()
	_ = t.Close()
}
