package engine

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
)

var (
	// ErrAlreadyTransmitted rejects a second transmit attempt. The first
	// response is already on the wire; the call is a programming error.
	ErrAlreadyTransmitted = errors.New("response already transmitted")
	// ErrConnClosed rejects a transmit after the transport closed.
	ErrConnClosed = errors.New("connection closed before response transmitted")
)

// Producer is a streaming response source subject to the writability
// contract: the transmitter pauses it when the transport's outbound buffer
// crosses the high watermark and resumes it when writability is restored.
type Producer interface {
	Pause()
	Resume()
	Close()
}

var (
	crlf      = []byte("\r\n")
	headerSep = []byte(": ")
	chunkEnd  = []byte("0\r\n\r\n")
	connClose = []byte("connection: close\r\n")
	connKeep  = []byte("connection: keep-alive\r\n")
)

// ResponseTransmitter owns outbound response state for one request/response
// pair and enforces the exactly-once send protocol. The transmitted flag is
// an atomic test-and-set because transmit may be invoked from a completion
// callback running off the connection's loop.
type ResponseTransmitter struct {
	transmitted atomic.Bool
	closed      atomic.Bool
	done        atomic.Bool
	status      atomic.Int32

	transport Transport
	req       *Request
	headers   *Headers

	// detach clears the connection's transmitter attribute; runs on the
	// connection's loop after a successful transmit.
	detach func()

	mu        sync.Mutex
	producer  Producer
	pending   [][]byte
	writable  bool
	streaming bool
	finished  bool
	closeCh   chan struct{}
}

// NewResponseTransmitter returns a transmitter for one request/response
// pair. The request is retained for diagnostics and the keep-alive decision.
func NewResponseTransmitter(t Transport, req *Request, headers *Headers) *ResponseTransmitter {
	return &ResponseTransmitter{
		transport: t,
		req:       req,
		headers:   headers,
		writable:  true,
		closeCh:   make(chan struct{}),
	}
}

// Headers returns the mutable outbound headers.
func (t *ResponseTransmitter) Headers() *Headers {
	return t.headers
}

// Transmitted reports whether a response has been sent (or claimed, in the
// case of a takeover). The Router and the untransmitted fallback consult
// this flag rather than tracking transmission themselves.
func (t *ResponseTransmitter) Transmitted() bool {
	return t.transmitted.Load()
}

// Status returns the transmitted status, or 0 before transmission.
func (t *ResponseTransmitter) Status() int {
	return int(t.status.Load())
}

// Request returns the request this transmitter answers.
func (t *ResponseTransmitter) Request() *Request {
	return t.req
}

// CloseNotify returns a channel closed when the transport closes, letting
// in-flight streaming producers stop early.
func (t *ResponseTransmitter) CloseNotify() <-chan struct{} {
	return t.closeCh
}

// markTransmitted claims the transmitted flag without writing, reporting
// whether this call won the claim. Used by takeovers, which count as the
// response.
func (t *ResponseTransmitter) markTransmitted() bool {
	return t.transmitted.CompareAndSwap(false, true)
}

// Transmit writes status line, headers and body to the transport exactly
// once. Repeated calls return ErrAlreadyTransmitted without touching the
// wire; calls after the connection closed return ErrConnClosed. When the
// request does not allow the connection to persist, the connection is
// closed after the write.
func (t *ResponseTransmitter) Transmit(status int, body []byte) error {
	if !t.transmitted.CompareAndSwap(false, true) {
		return ErrAlreadyTransmitted
	}
	if t.closed.Load() {
		return ErrConnClosed
	}
	t.status.Store(int32(status))

	if err := t.transport.Write(t.assemble(status, body, false)); err != nil {
		return err
	}
	if err := t.transport.Flush(); err != nil {
		return err
	}
	t.finish()
	return nil
}

// TransmitStream writes the response head with chunked transfer encoding
// and registers producer for subsequent WriteChunk calls.
func (t *ResponseTransmitter) TransmitStream(status int, producer Producer) error {
	if !t.transmitted.CompareAndSwap(false, true) {
		return ErrAlreadyTransmitted
	}
	if t.closed.Load() {
		return ErrConnClosed
	}
	t.status.Store(int32(status))

	t.mu.Lock()
	t.producer = producer
	t.streaming = true
	t.mu.Unlock()

	t.headers.Set("transfer-encoding", "chunked")
	if err := t.transport.Write(t.assemble(status, nil, true)); err != nil {
		return err
	}
	return t.transport.Flush()
}

// WriteChunk sends one body chunk of a streaming response. While the
// transport is unwritable, chunks are held and flushed when writability is
// restored, bounding what a slow client can force the server to buffer.
func (t *ResponseTransmitter) WriteChunk(b []byte) error {
	if t.closed.Load() {
		return ErrConnClosed
	}
	frame := encodeChunk(b)

	t.mu.Lock()
	if !t.streaming {
		t.mu.Unlock()
		return errors.New("response is not streaming")
	}
	if !t.writable {
		t.pending = append(t.pending, frame)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.transport.Write(frame); err != nil {
		return err
	}
	return t.transport.Flush()
}

// FinishStream terminates a streaming response. The terminal chunk is held
// with any pending chunks if the transport is unwritable.
func (t *ResponseTransmitter) FinishStream() error {
	if t.closed.Load() {
		return ErrConnClosed
	}
	t.mu.Lock()
	if !t.streaming || t.finished {
		t.mu.Unlock()
		return nil
	}
	t.finished = true
	if !t.writable {
		t.pending = append(t.pending, chunkEnd)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.transport.Write(chunkEnd); err != nil {
		return err
	}
	if err := t.transport.Flush(); err != nil {
		return err
	}
	t.finish()
	return nil
}

// OnWritabilityChanged propagates the transport's outbound watermark
// crossings as pause/resume to the registered producer, and flushes chunks
// held while unwritable.
func (t *ResponseTransmitter) OnWritabilityChanged(writable bool) {
	t.mu.Lock()
	t.writable = writable
	producer := t.producer
	var flush [][]byte
	var finished bool
	if writable && len(t.pending) > 0 {
		flush = t.pending
		t.pending = nil
		finished = t.finished
	}
	t.mu.Unlock()

	if len(flush) > 0 {
		if err := t.transport.Writev(flush); err == nil {
			_ = t.transport.Flush()
			if finished {
				t.finish()
			}
		}
	}
	if producer != nil {
		if writable {
			producer.Resume()
		} else {
			producer.Pause()
		}
	}
}

// OnConnectionClosed runs once when the transport closes. An untransmitted
// in-flight execution observes the failure through ErrConnClosed on its next
// transmit attempt; streaming producers are released and the close channel
// fires.
func (t *ResponseTransmitter) OnConnectionClosed() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	close(t.closeCh)

	t.mu.Lock()
	producer := t.producer
	t.producer = nil
	t.pending = nil
	t.mu.Unlock()

	if producer != nil {
		producer.Close()
	}
}

// complete runs the detach callback at most once, on the connection's
// loop. Every terminal path of a request funnels here so per-request
// accounting balances even when no response reached the wire.
func (t *ResponseTransmitter) complete() {
	if t.detach == nil || !t.done.CompareAndSwap(false, true) {
		return
	}
	t.transport.Execute(t.detach)
}

// completeInline is complete for callers already on the connection's loop.
func (t *ResponseTransmitter) completeInline() {
	if t.detach == nil || !t.done.CompareAndSwap(false, true) {
		return
	}
	t.detach()
}

// finish runs post-write bookkeeping: detach from the connection's
// attribute store and close non-persistent connections.
func (t *ResponseTransmitter) finish() {
	t.complete()
	if t.req == nil || !t.req.KeepAlive {
		_ = t.transport.Close()
	}
}

// assemble builds the full response head (and body, unless streaming) in a
// single buffer: status line, supplied headers, content-length when needed,
// and the connection header.
func (t *ResponseTransmitter) assemble(status int, body []byte, streaming bool) []byte {
	keepAlive := t.req != nil && t.req.KeepAlive

	expected := 64 + len(body)
	for _, kv := range t.headers.All() {
		expected += len(kv[0]) + len(kv[1]) + 4
	}
	buf := make([]byte, 0, expected)

	buf = append(buf, "HTTP/1.1 "...)
	buf = strconv.AppendInt(buf, int64(status), 10)
	buf = append(buf, ' ')
	buf = append(buf, statusText(status)...)
	buf = append(buf, crlf...)

	if !streaming && !t.headers.Has("content-length") {
		buf = append(buf, "content-length: "...)
		buf = strconv.AppendInt(buf, int64(len(body)), 10)
		buf = append(buf, crlf...)
	}

	for _, kv := range t.headers.All() {
		buf = append(buf, kv[0]...)
		buf = append(buf, headerSep...)
		buf = append(buf, kv[1]...)
		buf = append(buf, crlf...)
	}

	if !t.headers.Has("connection") {
		if keepAlive {
			buf = append(buf, connKeep...)
		} else {
			buf = append(buf, connClose...)
		}
	}
	buf = append(buf, crlf...)

	if !streaming {
		buf = append(buf, body...)
	}
	return buf
}

// encodeChunk frames b as one chunked-transfer chunk.
func encodeChunk(b []byte) []byte {
	out := make([]byte, 0, len(b)+16)
	out = strconv.AppendInt(out, int64(len(b)), 16)
	out = append(out, crlf...)
	out = append(out, b...)
	out = append(out, crlf...)
	return out
}

// statusText returns the reason phrase for common HTTP status codes.
func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 413:
		return "Payload Too Large"
	case 429:
		return "Too Many Requests"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	default:
		return "Unknown"
	}
}
