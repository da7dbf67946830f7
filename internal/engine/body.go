package engine

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrBodyIncomplete is observed by body readers when the connection closes
// before the declared body has fully arrived.
var ErrBodyIncomplete = errors.New("connection closed before request body complete")

// BodyState is a body accumulator's consumption state.
type BodyState int

const (
	// BodyAwaitingDemand: fragments buffer, no consumer has read yet.
	BodyAwaitingDemand BodyState = iota
	// BodyBuffering: a consumer is reading and more fragments are expected.
	BodyBuffering
	// BodyComplete: the declared length was reached or the terminal
	// fragment arrived.
	BodyComplete
	// BodyClosedEarly: the connection closed before completion.
	BodyClosedEarly
)

// BodyAccumulator turns length-bounded inbound fragments into one consumable
// body stream with flow control. Fragments are appended on the connection's
// event loop; consumers read from application goroutines, so internal state
// is guarded by a mutex. When the consumer has not yet demanded data and the
// buffer crosses the high watermark, transport reads are paused until the
// consumer drains below half the watermark.
type BodyAccumulator struct {
	mu   sync.Mutex
	cond *sync.Cond

	transport Transport
	declared  int64 // -1 for chunked bodies
	highWater int

	buf      bytes.Buffer
	received int64
	state    BodyState
	paused   bool
}

// NewBodyAccumulator returns an accumulator for a body of the declared
// length, or declared == -1 when the length is unknown (chunked).
func NewBodyAccumulator(declared int64, highWater int, t Transport) *BodyAccumulator {
	b := &BodyAccumulator{
		transport: t,
		declared:  declared,
		highWater: highWater,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Declared returns the declared content length, or -1 when unknown.
func (b *BodyAccumulator) Declared() int64 {
	return b.declared
}

// State returns the current consumption state.
func (b *BodyAccumulator) State() BodyState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Add appends a fragment in arrival order and reports whether the body is
// now complete. Completion is reached at the declared length, or on the
// terminal fragment marker for chunked bodies. Runs on the connection loop.
func (b *BodyAccumulator) Add(frag []byte, last bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BodyComplete || b.state == BodyClosedEarly {
		return true
	}

	if len(frag) > 0 {
		b.buf.Write(frag)
		b.received += int64(len(frag))
	}

	if last || (b.declared >= 0 && b.received >= b.declared) {
		b.state = BodyComplete
	} else if b.state == BodyAwaitingDemand && b.buf.Len() >= b.highWater && !b.paused {
		b.paused = true
		b.transport.PauseReads()
	}

	b.cond.Broadcast()
	return b.state == BodyComplete
}

// Read pulls buffered body bytes, blocking until data arrives, the body
// completes (io.EOF), or the connection closes early (ErrBodyIncomplete).
// Reading signals demand: a paused transport resumes once the buffer drains
// below half the high watermark.
func (b *BodyAccumulator) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BodyAwaitingDemand {
		b.state = BodyBuffering
	}

	for {
		if b.buf.Len() > 0 {
			n, _ := b.buf.Read(p)
			if b.paused && b.buf.Len() < b.highWater/2 {
				b.paused = false
				t := b.transport
				t.Execute(t.ResumeReads)
			}
			return n, nil
		}
		switch b.state {
		case BodyComplete:
			return 0, io.EOF
		case BodyClosedEarly:
			return 0, ErrBodyIncomplete
		}
		b.cond.Wait()
	}
}

// ReadAll drains the stream to completion and returns the concatenated body.
func (b *BodyAccumulator) ReadAll() ([]byte, error) {
	var out bytes.Buffer
	if _, err := out.ReadFrom(b); err != nil {
		return out.Bytes(), err
	}
	return out.Bytes(), nil
}

// OnClose makes a premature connection close observable to the consumer:
// pending and future reads fail with ErrBodyIncomplete instead of silently
// truncating. A completed body is unaffected.
func (b *BodyAccumulator) OnClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BodyComplete {
		b.state = BodyClosedEarly
	}
	b.cond.Broadcast()
}
