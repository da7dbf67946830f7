package engine

import (
	"bytes"
	"crypto/tls"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type describedExec struct {
	fn func(*Request, *Response)
}

func (d *describedExec) Execute(req *Request, res *Response) {
	if d.fn != nil {
		d.fn(req, res)
	}
}

func (d *describedExec) Describe() string {
	return "chain[last]"
}

func newTestRouter(exec Exec, cfg *Config) (*Router, *fakeTransport) {
	tr := newFakeTransport()
	if cfg == nil {
		cfg = &Config{}
	}
	return NewRouter(tr, exec, cfg, nil), tr
}

func requestHead(method, uri string, contentLength int64, chunked bool) *RequestHead {
	return &RequestHead{
		Method:        method,
		URI:           uri,
		Proto:         "HTTP/1.1",
		Headers:       NewHeaders(),
		ContentLength: contentLength,
		Chunked:       chunked,
		KeepAlive:     true,
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func recvRequest(t *testing.T, ch <-chan *Request) *Request {
	t.Helper()
	select {
	case req := <-ch:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
		return nil
	}
}

func TestRouterBodylessRequest(t *testing.T) {
	stats := &recordingStats{}
	reqCh := make(chan *Request, 1)
	exec := ExecFunc(func(req *Request, res *Response) {
		reqCh <- req
		res.ContentType("text/plain").Send([]byte("ok"))
	})
	r, tr := newTestRouter(exec, &Config{Stats: stats})

	r.HandleEvent(Event{Kind: EventOpen})
	r.HandleEvent(Event{Kind: EventRequestHead, Head: requestHead("GET", "/foo", -1, false)})

	got := recvRequest(t, reqCh)
	if got.HasBody() {
		t.Fatal("bodyless request carries a body handle")
	}
	if got.Method != "GET" || got.URI != "/foo" {
		t.Fatalf("unexpected request: %s %s", got.Method, got.URI)
	}

	waitUntil(t, func() bool { return stats.completedRequests() == 1 })
	out := tr.written()
	if !bytes.HasPrefix(out, []byte("HTTP/1.1 200 OK\r\n")) {
		t.Fatalf("unexpected response: %q", out)
	}
	if stats.startedRequests() != 1 || stats.lastCompletedStatus() != 200 {
		t.Fatalf("stats: started=%d status=%d", stats.startedRequests(), stats.lastCompletedStatus())
	}
	if r.Conn().transmitter != nil {
		t.Fatal("transmitter attribute not cleared after transmit")
	}
}

func TestRouterBodyReadDuringDispatch(t *testing.T) {
	stats := &recordingStats{}
	bodies := make(chan []byte, 1)
	exec := ExecFunc(func(req *Request, res *Response) {
		data, err := req.Body.ReadAll()
		if err != nil {
			res.SendStatus(500)
			return
		}
		bodies <- data
		res.Send(data)
	})
	r, tr := newTestRouter(exec, &Config{Stats: stats})

	// Head and fragments arrive in one serialized burst. The handler's
	// blocking body read must not stall their dispatch.
	r.HandleEvent(Event{Kind: EventRequestHead, Head: requestHead("POST", "/upload", 10, false)})
	r.HandleEvent(Event{Kind: EventBodyChunk, Chunk: []byte("abcd")})
	r.HandleEvent(Event{Kind: EventBodyChunk, Chunk: []byte("efghij")})

	select {
	case data := <-bodies:
		if string(data) != "abcdefghij" {
			t.Fatalf("expected abcdefghij, got %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler blocked on the body read")
	}

	waitUntil(t, func() bool { return stats.completedRequests() == 1 })
	if !bytes.HasPrefix(tr.written(), []byte("HTTP/1.1 200 OK\r\n")) {
		t.Fatalf("unexpected response: %q", tr.written())
	}
	if r.Conn().body != nil {
		t.Fatal("body attribute not cleared after completion")
	}
}

func TestRouterUntransmittedFallbackDevelopment(t *testing.T) {
	stats := &recordingStats{}
	exec := &describedExec{} // returns without transmitting
	r, tr := newTestRouter(exec, &Config{Development: true, Stats: stats})

	r.HandleEvent(Event{Kind: EventRequestHead, Head: requestHead("GET", "/foo", -1, false)})

	waitUntil(t, func() bool { return stats.completedRequests() == 1 })
	out := tr.written()
	if !bytes.HasPrefix(out, []byte("HTTP/1.1 500 Internal Server Error\r\n")) {
		t.Fatalf("expected synthesized 500, got %q", out)
	}
	want := "No response sent for GET request to /foo (last handler: chain[last])"
	if !bytes.Contains(out, []byte(want)) {
		t.Fatalf("missing diagnostic body in %q", out)
	}
	if tr.writeCount() != 1 {
		t.Fatalf("expected exactly 1 write, got %d", tr.writeCount())
	}
	if stats.fallbackResponses() != 1 {
		t.Fatalf("expected 1 fallback, got %d", stats.fallbackResponses())
	}
	if r.Conn().transmitter != nil {
		t.Fatal("transmitter attribute not cleared after fallback")
	}
}

func TestRouterUntransmittedFallbackProduction(t *testing.T) {
	exec := ExecFunc(func(*Request, *Response) {})
	r, tr := newTestRouter(exec, &Config{Development: false})
	r.HandleEvent(Event{Kind: EventRequestHead, Head: requestHead("GET", "/foo", -1, false)})

	waitUntil(t, func() bool { return tr.writeCount() == 1 })
	out := tr.written()
	if !bytes.HasPrefix(out, []byte("HTTP/1.1 500 Internal Server Error\r\n")) {
		t.Fatalf("expected synthesized 500, got %q", out)
	}
	if !bytes.Contains(out, []byte("content-length: 0\r\n")) {
		t.Fatalf("production fallback must have an empty body: %q", out)
	}
	if bytes.Contains(out, []byte("No response sent")) {
		t.Fatalf("diagnostic text leaked into production response: %q", out)
	}
}

func TestRouterFallbackSkippedAfterTransmit(t *testing.T) {
	stats := &recordingStats{}
	exec := ExecFunc(func(_ *Request, res *Response) {
		res.Send([]byte("done"))
	})
	r, tr := newTestRouter(exec, &Config{Stats: stats})

	r.HandleEvent(Event{Kind: EventRequestHead, Head: requestHead("GET", "/", -1, false)})

	waitUntil(t, func() bool { return stats.completedRequests() == 1 })
	time.Sleep(50 * time.Millisecond) // let the post-execution check run
	if tr.writeCount() != 1 {
		t.Fatalf("expected exactly 1 write, got %d", tr.writeCount())
	}
	if stats.fallbackResponses() != 0 {
		t.Fatalf("fallback fired after a transmitted response")
	}
}

func TestRouterHandlerPanic(t *testing.T) {
	stats := &recordingStats{}
	exec := ExecFunc(func(*Request, *Response) {
		panic("kaboom")
	})
	core, logs := observer.New(zapcore.DebugLevel)
	r, tr := newTestRouter(exec, &Config{Logger: zap.New(core), Stats: stats})

	r.HandleEvent(Event{Kind: EventRequestHead, Head: requestHead("GET", "/", -1, false)})

	waitUntil(t, func() bool { return tr.isClosed() })
	if !bytes.Contains(tr.written(), []byte("Failure: 500 Internal Server Error")) {
		t.Fatalf("expected failure response, got %q", tr.written())
	}
	if tr.writeCount() != 1 {
		t.Fatalf("expected exactly 1 write after panic, got %d", tr.writeCount())
	}
	found := false
	for _, e := range logs.All() {
		if e.Level == zapcore.ErrorLevel {
			found = true
		}
	}
	if !found {
		t.Fatal("panic was not logged at error level")
	}

	// The failure response terminates the request for accounting too.
	waitUntil(t, func() bool { return stats.completedRequests() == 1 })
	if stats.startedRequests() != 1 {
		t.Fatalf("started = %d", stats.startedRequests())
	}
}

func TestRouterCloseBeforeTransmit(t *testing.T) {
	stats := &recordingStats{}
	release := make(chan struct{})
	exec := ExecFunc(func(_ *Request, res *Response) {
		<-release
		_ = res.SendStatus(200)
	})
	r, tr := newTestRouter(exec, &Config{Stats: stats})

	r.HandleEvent(Event{Kind: EventRequestHead, Head: requestHead("GET", "/", -1, false)})
	r.HandleEvent(Event{Kind: EventClosed})

	// The close completes the request even though the handler is still
	// in flight.
	if stats.completedRequests() != 1 {
		t.Fatalf("completed = %d after close", stats.completedRequests())
	}
	if stats.startedRequests() != 1 {
		t.Fatalf("started = %d", stats.startedRequests())
	}

	// Releasing the handler must not double-complete or reach the wire.
	close(release)
	time.Sleep(50 * time.Millisecond)
	if stats.completedRequests() != 1 {
		t.Fatalf("completed = %d after handler finished", stats.completedRequests())
	}
	if tr.writeCount() != 0 {
		t.Fatalf("writes after close: %d", tr.writeCount())
	}
}

func TestRouterMalformedHead(t *testing.T) {
	stats := &recordingStats{}
	core, logs := observer.New(zapcore.DebugLevel)
	execRan := false
	exec := ExecFunc(func(*Request, *Response) { execRan = true })
	r, tr := newTestRouter(exec, &Config{Stats: stats, Logger: zap.New(core)})

	head := &RequestHead{DecodeErr: &DecodeError{Cause: errors.New("malformed request line")}}
	r.HandleEvent(Event{Kind: EventRequestHead, Head: head})

	if execRan {
		t.Fatal("exec ran for an undecodable head")
	}
	out := tr.written()
	if !bytes.HasPrefix(out, []byte("HTTP/1.1 400 Bad Request\r\n")) {
		t.Fatalf("expected 400, got %q", out)
	}
	if !bytes.Contains(out, []byte("Failure: 400 Bad Request\r\n")) {
		t.Fatalf("missing failure body: %q", out)
	}
	if !tr.isClosed() {
		t.Fatal("connection stayed open after malformed head")
	}
	if stats.decodeErrs != 1 {
		t.Fatalf("expected 1 decode error, got %d", stats.decodeErrs)
	}
	for _, e := range logs.All() {
		if e.Level > zapcore.DebugLevel {
			t.Fatalf("malformed head logged above debug: %v", e)
		}
	}
}

func TestRouterIgnorableError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	exec := ExecFunc(func(*Request, *Response) {})
	r, tr := newTestRouter(exec, &Config{Logger: zap.New(core)})

	r.HandleEvent(Event{Kind: EventError, Err: errors.New("read tcp: Connection reset by peer")})

	if logs.Len() != 0 {
		t.Fatalf("ignorable error produced %d log entries", logs.Len())
	}
	if tr.writeCount() != 0 {
		t.Fatalf("ignorable error produced writes: %d", tr.writeCount())
	}
	if tr.isClosed() {
		t.Fatal("ignorable error closed the connection")
	}
}

func TestRouterInternalError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	exec := ExecFunc(func(*Request, *Response) {})
	r, tr := newTestRouter(exec, &Config{Logger: zap.New(core)})

	r.HandleEvent(Event{Kind: EventError, Err: errors.New("boom")})

	if !bytes.Contains(tr.written(), []byte("Failure: 500 Internal Server Error")) {
		t.Fatalf("expected failure response, got %q", tr.written())
	}
	if !tr.isClosed() {
		t.Fatal("connection stayed open after internal error")
	}
	if r.Conn().CloseReason() != ReasonError {
		t.Fatalf("expected error close reason, got %v", r.Conn().CloseReason())
	}
	if logs.FilterLevelExact(zapcore.ErrorLevel).Len() != 1 {
		t.Fatalf("expected 1 error-level entry, got %d", logs.Len())
	}
}

func TestRouterDecodeErrorLevels(t *testing.T) {
	tests := []struct {
		name  string
		level DecodingErrorLevel
		want  zapcore.Level
		none  bool
	}{
		{"full", DecodingErrorFull, zapcore.ErrorLevel, false},
		{"error", DecodingErrorError, zapcore.ErrorLevel, false},
		{"warn", DecodingErrorWarn, zapcore.WarnLevel, false},
		{"info", DecodingErrorInfo, zapcore.InfoLevel, false},
		{"silent", DecodingErrorSilent, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			exec := ExecFunc(func(*Request, *Response) {})
			r, _ := newTestRouter(exec, &Config{
				Logger:             zap.New(core),
				DecodingErrorLevel: tt.level,
			})

			r.HandleEvent(Event{Kind: EventError, Err: &DecodeError{Cause: errors.New("invalid chunk size")}})

			if tt.none {
				if logs.Len() != 0 {
					t.Fatalf("silent level produced %d entries", logs.Len())
				}
				return
			}
			if logs.FilterLevelExact(tt.want).Len() != 1 {
				t.Fatalf("expected 1 entry at %v, got entries: %v", tt.want, logs.All())
			}
		})
	}
}

func TestRouterIdleTimeout(t *testing.T) {
	stats := &recordingStats{}
	exec := ExecFunc(func(*Request, *Response) {})
	r, tr := newTestRouter(exec, &Config{Stats: stats})

	r.HandleEvent(Event{Kind: EventIdleTimeout})

	if !tr.isClosed() {
		t.Fatal("idle timeout did not close the connection")
	}
	if stats.idleClosure != 1 {
		t.Fatalf("expected 1 idle closure, got %d", stats.idleClosure)
	}

	r.HandleEvent(Event{Kind: EventClosed})
	if stats.lastReason != ReasonIdle {
		t.Fatalf("expected idle close reason, got %v", stats.lastReason)
	}
}

func TestRouterTakeOver(t *testing.T) {
	stats := &recordingStats{}
	var msgs []any
	exec := ExecFunc(func(_ *Request, res *Response) {
		res.TakeOver(func(msg any) {
			msgs = append(msgs, msg)
		})
	})
	r, tr := newTestRouter(exec, &Config{Stats: stats})

	r.HandleEvent(Event{Kind: EventRequestHead, Head: requestHead("GET", "/ws", -1, false)})

	// Installing the subscriber counts as the response and completes the
	// request without touching the wire.
	waitUntil(t, func() bool { return stats.completedRequests() == 1 })
	if tr.writeCount() != 0 {
		t.Fatalf("takeover produced writes: %d", tr.writeCount())
	}
	if stats.fallbackResponses() != 0 {
		t.Fatal("fallback fired after takeover")
	}

	r.HandleEvent(Event{Kind: EventMessage, Msg: "frame-1"})
	r.HandleEvent(Event{Kind: EventMessage, Msg: "frame-2"})
	if len(msgs) != 2 || msgs[0] != "frame-1" || msgs[1] != "frame-2" {
		t.Fatalf("unexpected raw messages: %v", msgs)
	}
}

func TestRouterHandshakeSessionCapture(t *testing.T) {
	session := &tls.ConnectionState{Version: tls.VersionTLS13}

	tests := []struct {
		name    string
		hs      *Handshake
		wantTLS bool
	}{
		{"peer auth requested", &Handshake{Success: true, Session: session, PeerAuth: true}, true},
		{"no peer auth", &Handshake{Success: true, Session: session, PeerAuth: false}, false},
		{"failed handshake", &Handshake{Success: false, Session: session, PeerAuth: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reqCh := make(chan *Request, 1)
			exec := ExecFunc(func(req *Request, res *Response) {
				reqCh <- req
				res.SendStatus(204)
			})
			r, _ := newTestRouter(exec, nil)

			r.HandleEvent(Event{Kind: EventHandshake, Handshake: tt.hs})
			r.HandleEvent(Event{Kind: EventRequestHead, Head: requestHead("GET", "/", -1, false)})

			got := recvRequest(t, reqCh)
			if tt.wantTLS && got.TLS != session {
				t.Fatal("session not exposed on request")
			}
			if !tt.wantTLS && got.TLS != nil {
				t.Fatal("session exposed without peer auth")
			}
		})
	}
}

func TestRouterClosedWithIncompleteBody(t *testing.T) {
	reqCh := make(chan *Request, 1)
	exec := ExecFunc(func(req *Request, res *Response) {
		reqCh <- req
	})
	r, _ := newTestRouter(exec, nil)

	r.HandleEvent(Event{Kind: EventRequestHead, Head: requestHead("POST", "/upload", 10, false)})
	got := recvRequest(t, reqCh)

	r.HandleEvent(Event{Kind: EventBodyChunk, Chunk: []byte("abcd")})
	r.HandleEvent(Event{Kind: EventClosed})

	if _, err := got.Body.ReadAll(); !errors.Is(err, ErrBodyIncomplete) {
		t.Fatalf("expected ErrBodyIncomplete, got %v", err)
	}
}

func TestRouterReadDemand(t *testing.T) {
	exec := ExecFunc(func(_ *Request, res *Response) {
		res.SendStatus(204)
	})
	r, tr := newTestRouter(exec, nil)

	r.HandleEvent(Event{Kind: EventOpen})
	if tr.reads != 1 {
		t.Fatalf("expected 1 read demand after open, got %d", tr.reads)
	}

	// Re-dispatching open must not stack a second demand.
	r.HandleEvent(Event{Kind: EventOpen})
	if tr.reads != 1 {
		t.Fatalf("expected demand to stay at 1, got %d", tr.reads)
	}

	// The terminal body fragment issues the proactive read for the next
	// request so that a peer close between requests surfaces promptly.
	r.HandleEvent(Event{Kind: EventRequestHead, Head: requestHead("POST", "/", 4, false)})
	r.HandleEvent(Event{Kind: EventBodyChunk, Chunk: []byte("abcd"), Last: true})
	if tr.reads != 2 {
		t.Fatalf("expected 2 read demands after body end, got %d", tr.reads)
	}
}
